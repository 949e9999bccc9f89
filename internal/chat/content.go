// ABOUTME: Wire types for chat events: inbound payloads, content union, envelope
// ABOUTME: Content round-trips unknown kinds and fields as opaque JSON

package chat

import (
	"encoding/json"
	"fmt"
)

// Known content kinds. Anything else is carried opaquely.
const (
	KindText = "text"
	KindCode = "code"
)

// Inbound is the raw payload of a "message" event from a connection
type Inbound struct {
	Room        string          `json:"room"`
	Event       string          `json:"event,omitempty"`
	Message     json.RawMessage `json:"message"`
	Incoming    bool            `json:"incoming,omitempty"`
	AuthorName  string          `json:"authorName,omitempty"`
	AuthorID    string          `json:"authorId,omitempty"`
	IsFeedback  bool            `json:"isFeedback,omitempty"`
	DisplayType string          `json:"displayType,omitempty"`
}

// Content is the inner message payload: a tagged union over known kinds with
// an opaque remainder preserving fields this core does not interpret.
// Text is a string for plain messages and becomes structured JSON once a
// code/json payload has been coerced.
type Content struct {
	Kind      string
	Text      any
	Language  string
	ChunkID   string
	Tokens    int
	Timestamp int64 // milliseconds
	First     bool
	Single    bool
	Opaque    map[string]json.RawMessage
}

// contentField lists the JSON keys Content interprets
var contentFields = map[string]bool{
	"type": true, "text": true, "language": true, "chunkId": true,
	"tokens": true, "timestamp": true, "first": true, "single": true,
}

// UnmarshalJSON decodes an object-form payload. Non-object payloads are the
// caller's concern (normalization wraps them before decoding).
func (c *Content) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("decoding message payload: %w", err)
	}

	decode := func(key string, dst any) error {
		raw, ok := fields[key]
		if !ok {
			return nil
		}
		if err := json.Unmarshal(raw, dst); err != nil {
			return fmt.Errorf("decoding message field %q: %w", key, err)
		}
		return nil
	}

	if err := decode("type", &c.Kind); err != nil {
		return err
	}
	if err := decode("text", &c.Text); err != nil {
		return err
	}
	if err := decode("language", &c.Language); err != nil {
		return err
	}
	if err := decode("chunkId", &c.ChunkID); err != nil {
		return err
	}
	if err := decode("tokens", &c.Tokens); err != nil {
		return err
	}
	// Workers emit epoch milliseconds with a fractional part; truncate.
	var ts float64
	if err := decode("timestamp", &ts); err != nil {
		return err
	}
	c.Timestamp = int64(ts)
	if err := decode("first", &c.First); err != nil {
		return err
	}
	if err := decode("single", &c.Single); err != nil {
		return err
	}

	for key, raw := range fields {
		if contentFields[key] {
			continue
		}
		if c.Opaque == nil {
			c.Opaque = make(map[string]json.RawMessage)
		}
		c.Opaque[key] = raw
	}
	return nil
}

// MarshalJSON emits the known fields plus the opaque remainder
func (c Content) MarshalJSON() ([]byte, error) {
	fields := make(map[string]any, len(c.Opaque)+8)
	for key, raw := range c.Opaque {
		fields[key] = raw
	}

	fields["type"] = c.Kind
	fields["text"] = c.Text
	if c.Language != "" {
		fields["language"] = c.Language
	}
	if c.ChunkID != "" {
		fields["chunkId"] = c.ChunkID
	}
	if c.Tokens != 0 {
		fields["tokens"] = c.Tokens
	}
	if c.Timestamp != 0 {
		fields["timestamp"] = c.Timestamp
	}
	if c.First {
		fields["first"] = true
	}
	if c.Single {
		fields["single"] = true
	}
	return json.Marshal(fields)
}

// TextString returns the text payload when it is a plain string
func (c *Content) TextString() (string, bool) {
	s, ok := c.Text.(string)
	return s, ok
}

// Envelope is the normalized form every non-dispatch message is wrapped in
// before persistence and broadcast
type Envelope struct {
	Room        string  `json:"room"`
	Event       string  `json:"event,omitempty"`
	Incoming    bool    `json:"incoming"`
	AuthorName  string  `json:"authorName"`
	AuthorID    string  `json:"authorId,omitempty"`
	IsFeedback  bool    `json:"isFeedback,omitempty"`
	DisplayType string  `json:"displayType,omitempty"`
	Message     Content `json:"message"`
	Ts          int64   `json:"ts"`
}
