// ABOUTME: Terminal client for joining huddle rooms over the websocket endpoint.
// ABOUTME: Streams room events to stdout and sends typed lines as feedback messages.

package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/fatih/color"
	"github.com/tidwall/gjson"
)

// getToken returns the JWT token from HUDDLE_TOKEN env var or ~/.config/huddle/token file
func getToken() string {
	if token := os.Getenv("HUDDLE_TOKEN"); token != "" {
		return token
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	tokenPath := filepath.Join(configDir, "huddle", "token")
	data, err := os.ReadFile(tokenPath)
	if err != nil {
		return ""
	}

	return strings.TrimSpace(string(data))
}

// frame is the websocket wire format in both directions.
type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// outbound mirrors the gateway's inbound message shape.
type outbound struct {
	Room       string          `json:"room"`
	Message    json.RawMessage `json:"message"`
	AuthorName string          `json:"authorName,omitempty"`
	IsFeedback bool            `json:"isFeedback,omitempty"`
}

func main() {
	server := flag.String("server", "ws://localhost:8080", "Gateway websocket URL")
	room := flag.String("room", "", "Room to join (required)")
	name := flag.String("name", "tui-user", "Author name for sent messages")
	flag.Parse()

	if *room == "" {
		fmt.Fprintln(os.Stderr, "Usage: huddle-tui -room <room> [-server URL] [-name NAME]")
		os.Exit(1)
	}

	fmt.Printf("huddle-tui connecting to %s\n", *server)
	if getToken() != "" {
		fmt.Println("Auth: JWT token configured (HUDDLE_TOKEN)")
	} else {
		fmt.Println("Auth: none (set HUDDLE_TOKEN for authentication)")
	}
	fmt.Println("Type a message and press Enter to send feedback. Ctrl+C to quit.")
	fmt.Println()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *server, *room, *name); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("\nGoodbye!")
}

func run(ctx context.Context, server, room, name string) error {
	wsURL, err := buildURL(server)
	if err != nil {
		return err
	}

	dialCtx, dialCancel := context.WithTimeout(ctx, 10*time.Second)
	defer dialCancel()

	sock, _, err := websocket.Dial(dialCtx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("connecting to gateway: %w", err)
	}
	defer sock.Close(websocket.StatusNormalClosure, "bye")

	roomJSON, err := json.Marshal(room)
	if err != nil {
		return fmt.Errorf("encoding room: %w", err)
	}
	if err := wsjson.Write(ctx, sock, frame{Event: "join_room", Data: roomJSON}); err != nil {
		return fmt.Errorf("joining room: %w", err)
	}

	// Reader goroutine renders events until the socket or context dies.
	readErr := make(chan error, 1)
	go func() {
		for {
			var f frame
			if err := wsjson.Read(ctx, sock, &f); err != nil {
				readErr <- err
				return
			}
			renderFrame(f)
		}
	}()

	inputCh := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			inputCh <- scanner.Text()
		}
		close(inputCh)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure || err == io.EOF {
				return nil
			}
			return fmt.Errorf("reading from gateway: %w", err)
		case line, ok := <-inputCh:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			if line == "/quit" || line == "/exit" || line == "/q" {
				return nil
			}
			if err := sendFeedback(ctx, sock, room, name, line); err != nil {
				fmt.Printf("[error] %v\n", err)
			}
		}
	}
}

// buildURL normalizes the server URL to the /ws endpoint with the auth token.
func buildURL(server string) (string, error) {
	u, err := url.Parse(server)
	if err != nil {
		return "", fmt.Errorf("parsing server URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/ws"
	}
	if token := getToken(); token != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func sendFeedback(ctx context.Context, sock *websocket.Conn, room, name, text string) error {
	msg, err := json.Marshal(map[string]any{
		"type": "message",
		"text": text,
	})
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}
	data, err := json.Marshal(outbound{
		Room:       room,
		Message:    msg,
		AuthorName: name,
		IsFeedback: true,
	})
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}
	if err := wsjson.Write(ctx, sock, frame{Event: "message", Data: data}); err != nil {
		return fmt.Errorf("sending message: %w", err)
	}
	return nil
}

func renderFrame(f frame) {
	data := gjson.ParseBytes(f.Data)

	switch f.Event {
	case "joined":
		color.Green("✓ joined %s", data.String())

	case "status":
		color.Yellow("[status] %s", data.Get("status").String())

	case "message":
		author := data.Get("authorName").String()
		if author == "" {
			author = "?"
		}
		text := renderText(data.Get("message.text"))
		if text == "" {
			return
		}
		fmt.Printf("%s %s\n", color.CyanString("%s:", author), text)

	case "message_complete":
		color.HiBlack("[complete] chunk %s (%d tokens)",
			data.Get("chunkId").String(), data.Get("tokens").Int())

	case "terminate":
		color.Red("[terminated]")

	case "type":
		color.HiBlack("[%s]", data.String())

	case "error":
		color.Red("[error] %s", data.String())

	default:
		// Raw events from the dispatch room and anything unrecognized
		color.HiBlack("[%s] %s", f.Event, truncate(data.Raw, 120))
	}
}

// renderText flattens a message text value for display. Agents often wrap
// prompts in a single-key object like {"question": "..."}; unwrap those so
// the terminal shows the prompt itself.
func renderText(text gjson.Result) string {
	if text.Type == gjson.String {
		return text.String()
	}
	if text.IsObject() {
		var keys []string
		var values []gjson.Result
		text.ForEach(func(k, v gjson.Result) bool {
			keys = append(keys, k.String())
			values = append(values, v)
			return true
		})
		if len(keys) == 1 && values[0].Type == gjson.String {
			return values[0].String()
		}
	}
	if !text.Exists() {
		return ""
	}
	return truncate(text.Raw, 200)
}

// truncate shortens a string to maxLen, adding "..." if truncated.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
