// ABOUTME: Normalization of raw inbound message events into envelopes
// ABOUTME: Event-name defaulting, timestamp resolution, non-object wrap, code/JSON coercion

package chat

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/huddlehq/huddle/internal/auth"
)

// DefaultEvent is the event name assumed when an inbound payload omits one
const DefaultEvent = "message"

// systemAuthor is the author name used when neither the payload nor the
// connection identity supplies one
const systemAuthor = "System"

// Normalize turns a raw inbound payload into the envelope that gets persisted
// and broadcast. A malformed code/JSON payload is a hard failure for this one
// event; nothing is committed for it. ident may be nil for unauthenticated
// connections.
func Normalize(in *Inbound, ident *auth.Identity, now time.Time) (*Envelope, error) {
	event := in.Event
	if event == "" {
		event = DefaultEvent
	}

	content, err := decodeContent(in.Message)
	if err != nil {
		return nil, err
	}

	ts := content.Timestamp
	if ts == 0 {
		ts = now.UnixMilli()
	}

	if err := coerceJSONCode(content); err != nil {
		return nil, err
	}

	authorName := in.AuthorName
	if authorName == "" && ident != nil {
		authorName = ident.Name
	}
	if authorName == "" {
		authorName = systemAuthor
	}

	authorID := in.AuthorID
	if authorID == "" && ident != nil {
		authorID = ident.AccountID
	}

	return &Envelope{
		Room:        in.Room,
		Event:       event,
		Incoming:    in.Incoming,
		AuthorName:  authorName,
		AuthorID:    authorID,
		IsFeedback:  in.IsFeedback,
		DisplayType: in.DisplayType,
		Message:     *content,
		Ts:          ts,
	}, nil
}

// decodeContent parses the message payload, wrapping non-object values
// (plain strings, numbers) as text content
func decodeContent(raw json.RawMessage) (*Content, error) {
	trimmed := strings.TrimLeft(string(raw), " \t\r\n")
	if trimmed == "" || trimmed == "null" {
		return &Content{Kind: KindText, Text: ""}, nil
	}

	if trimmed[0] != '{' {
		var value any
		if err := json.Unmarshal(raw, &value); err != nil {
			return nil, fmt.Errorf("decoding message payload: %w", err)
		}
		return &Content{Kind: KindText, Text: value}, nil
	}

	var content Content
	if err := json.Unmarshal(raw, &content); err != nil {
		return nil, err
	}
	if content.Kind == "" {
		content.Kind = KindText
	}
	return &content, nil
}

// coerceJSONCode detects JSON payloads inside code messages: a declared json
// language, or text starting with "{". The text is parsed into structured
// form and the language pinned to json. A parse failure fails the event.
func coerceJSONCode(content *Content) error {
	if content.Kind != KindCode {
		return nil
	}

	text, isString := content.TextString()
	if !isString {
		return nil
	}

	looksJSON := content.Language == "json" || strings.HasPrefix(strings.TrimSpace(text), "{")
	if !looksJSON {
		return nil
	}

	var parsed any
	if err := json.Unmarshal([]byte(text), &parsed); err != nil {
		return fmt.Errorf("parsing code message as JSON: %w", err)
	}
	content.Text = parsed
	content.Language = "json"
	return nil
}
