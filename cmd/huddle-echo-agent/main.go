// ABOUTME: Minimal echo agent for E2E testing — watches the dispatch room and streams replies.
// ABOUTME: Usage: huddle-echo-agent [-server ws://localhost:8080] [-name "Echo Agent"]
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
)

type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// task is the payload dispatched when a session needs a worker.
type task struct {
	Task      string `json:"task"`
	SessionID string `json:"sessionId"`
}

func main() {
	server := flag.String("server", "ws://localhost:8080", "Gateway websocket URL")
	name := flag.String("name", "Echo Agent", "Agent display name")
	dispatchRoom := flag.String("dispatch", "task_queue", "Dispatch room to watch")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, *server, *name, *dispatchRoom); err != nil {
		log.Fatal(err)
	}
}

func run(ctx context.Context, server, name, dispatchRoom string) error {
	wsURL, err := endpointURL(server)
	if err != nil {
		return err
	}

	sock, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer sock.Close(websocket.StatusNormalClosure, "shutting down")

	room, err := json.Marshal(dispatchRoom)
	if err != nil {
		return fmt.Errorf("encoding dispatch room: %w", err)
	}
	if err := wsjson.Write(ctx, sock, frame{Event: "join_room", Data: room}); err != nil {
		return fmt.Errorf("failed to join dispatch room: %w", err)
	}
	fmt.Fprintf(os.Stderr, "watching %s as %q\n", dispatchRoom, name)

	for {
		var f frame
		if err := wsjson.Read(ctx, sock, &f); err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}
			return fmt.Errorf("recv error: %w", err)
		}

		if f.Event != "TEAM" && f.Event != "TASK" {
			continue
		}

		var t task
		if err := json.Unmarshal(f.Data, &t); err != nil {
			log.Printf("bad task payload: %v", err)
			continue
		}
		if t.SessionID == "" {
			continue
		}

		log.Printf("received task for session %s: %s", t.SessionID, t.Task)

		if err := streamReply(ctx, sock, t.SessionID, name, echoReply(t.Task)); err != nil {
			log.Printf("reply error: %v", err)
		}
	}
}

// streamReply joins the session room and sends the reply as a chunked
// stream followed by a completion, the way a real worker does.
func streamReply(ctx context.Context, sock *websocket.Conn, sessionID, name, reply string) error {
	room, err := json.Marshal(sessionID)
	if err != nil {
		return err
	}
	if err := wsjson.Write(ctx, sock, frame{Event: "join_room", Data: room}); err != nil {
		return fmt.Errorf("joining session room: %w", err)
	}

	chunkID := uuid.New().String()
	words := strings.Fields(reply)
	first := true
	for len(words) > 0 {
		n := 5
		if n > len(words) {
			n = len(words)
		}
		piece := strings.Join(words[:n], " ")
		if !first {
			piece = " " + piece
		}
		words = words[n:]

		msg, err := json.Marshal(map[string]any{
			"type":    "message",
			"text":    piece,
			"chunkId": chunkID,
			"tokens":  n,
			"first":   first,
		})
		if err != nil {
			return err
		}
		data, err := json.Marshal(map[string]any{
			"room":       sessionID,
			"message":    json.RawMessage(msg),
			"authorName": name,
			"incoming":   true,
		})
		if err != nil {
			return err
		}
		if err := wsjson.Write(ctx, sock, frame{Event: "message", Data: data}); err != nil {
			return fmt.Errorf("sending chunk: %w", err)
		}
		first = false

		// Small delay to simulate streaming
		time.Sleep(50 * time.Millisecond)
	}

	complete, err := json.Marshal(map[string]any{
		"room":    sessionID,
		"chunkId": chunkID,
		"text":    reply,
	})
	if err != nil {
		return err
	}
	if err := wsjson.Write(ctx, sock, frame{Event: "message_complete", Data: complete}); err != nil {
		return fmt.Errorf("sending completion: %w", err)
	}
	return nil
}

func endpointURL(server string) (string, error) {
	u, err := url.Parse(server)
	if err != nil {
		return "", fmt.Errorf("parsing server URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/ws"
	}
	if token := os.Getenv("HUDDLE_TOKEN"); token != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func echoReply(input string) string {
	lower := strings.ToLower(input)
	if strings.Contains(lower, "markdown") || strings.Contains(lower, "bullet") || strings.Contains(lower, "list") {
		return "Here is a **markdown** response:\n\n- First item\n- Second item with `code`\n- Third item\n\n> This is a blockquote.\n"
	}
	return fmt.Sprintf("Echo: **%s**\n\nI received your task and am responding with some *formatted* text.", input)
}
