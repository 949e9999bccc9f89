// ABOUTME: Chunk assembler: persists streamed envelopes into durable messages
// ABOUTME: At most one in-flight document per (session, chunkId); finalize once

package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/huddlehq/huddle/internal/store"
)

// SessionStore is what the assembler needs from session persistence
type SessionStore interface {
	GetSession(ctx context.Context, id string) (*store.Session, error)
	TouchSession(ctx context.Context, id string, at time.Time) error
}

// MessageStore is what the assembler needs from message persistence
type MessageStore interface {
	InsertMessage(ctx context.Context, msg *store.ChatMessage) error
	UpsertStreaming(ctx context.Context, msg *store.ChatMessage, chunk *store.Chunk) (string, error)
	FinalizeMessage(ctx context.Context, sessionID, chunkID, text string, codeBlocks []store.CodeBlock, tokenDelta int) (bool, error)
}

// Assembler accumulates streamed partial content into durable chat messages.
// The streaming upsert filter (session, chunkId, not completed) is the only
// concurrency guard; everything else tolerates interleaving.
type Assembler struct {
	sessions SessionStore
	messages MessageStore
	logger   *slog.Logger
	now      func() time.Time
}

// NewAssembler creates an assembler. Pass nil logger for default.
func NewAssembler(sessions SessionStore, messages MessageStore, logger *slog.Logger) *Assembler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Assembler{
		sessions: sessions,
		messages: messages,
		logger:   logger.With("component", "assembler"),
		now:      time.Now,
	}
}

// Persist writes the envelope into the session addressed by its room and
// refreshes the session's last-activity timestamp. Returns the loaded session
// so the caller can run the status check against the persisted state.
// Rooms that are not session ids, and sessions that do not exist, are silent
// no-ops returning (nil, nil).
func (a *Assembler) Persist(ctx context.Context, env *Envelope) (*store.Session, error) {
	if !store.IsID(env.Room) {
		return nil, nil
	}

	sess, err := a.sessions.GetSession(ctx, env.Room)
	if errors.Is(err, store.ErrNotFound) {
		a.logger.Warn("message for unknown session dropped", "room", env.Room)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading session: %w", err)
	}

	if err := a.sessions.TouchSession(ctx, sess.ID, a.now()); err != nil {
		return nil, fmt.Errorf("refreshing session activity: %w", err)
	}

	encoded, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encoding envelope: %w", err)
	}

	msg := &store.ChatMessage{
		ID:          store.NewID(),
		SessionID:   sess.ID,
		OrgID:       sess.OrgID,
		TeamID:      sess.TeamID,
		ChunkID:     env.Message.ChunkID,
		Message:     encoded,
		Type:        sess.Type,
		AuthorID:    env.AuthorID,
		AuthorName:  env.AuthorName,
		Ts:          env.Ts,
		IsFeedback:  env.IsFeedback,
		Incoming:    env.Incoming,
		DisplayType: env.DisplayType,
	}

	if env.Message.ChunkID == "" || env.Message.Single {
		return sess, a.insertAtomic(ctx, msg, env)
	}

	var chunk *store.Chunk
	if text, ok := env.Message.TextString(); ok && text != "" {
		chunk = &store.Chunk{Ts: env.Ts, Chunk: text, Tokens: env.Message.Tokens}
	}

	if _, err := a.messages.UpsertStreaming(ctx, msg, chunk); err != nil {
		return nil, fmt.Errorf("writing streamed message: %w", err)
	}
	return sess, nil
}

// insertAtomic stores a non-streamed message as a single completed document.
// Code content records its block immediately so team-specification lookups
// see it without a finalization pass.
func (a *Assembler) insertAtomic(ctx context.Context, msg *store.ChatMessage, env *Envelope) error {
	msg.Completed = true
	msg.Tokens = env.Message.Tokens

	if env.Message.Kind == KindCode {
		body, ok := env.Message.TextString()
		if !ok {
			// json-coerced payload: re-encode the structured text
			encoded, err := json.Marshal(env.Message.Text)
			if err != nil {
				return fmt.Errorf("encoding code payload: %w", err)
			}
			body = string(encoded)
		}
		msg.CodeBlocks = []store.CodeBlock{{Language: env.Message.Language, CodeBlock: body}}
	}

	if err := a.messages.InsertMessage(ctx, msg); err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}
	return nil
}

// Finalize completes the in-flight document for (sessionID, chunkID): chunks
// cleared, final text and code blocks set, token delta applied. Code blocks
// are extracted from the text when the caller does not supply them. Returns
// false when no in-flight document matched — a late or repeated completion,
// which is deliberately left alone.
func (a *Assembler) Finalize(ctx context.Context, sessionID, chunkID, text string, codeBlocks []store.CodeBlock, tokenDelta int) (bool, error) {
	if codeBlocks == nil {
		codeBlocks = ExtractCodeBlocks(text)
	}

	done, err := a.messages.FinalizeMessage(ctx, sessionID, chunkID, text, codeBlocks, tokenDelta)
	if err != nil {
		return false, fmt.Errorf("finalizing message: %w", err)
	}
	if !done {
		a.logger.Debug("finalization matched no in-flight message",
			"session_id", sessionID,
			"chunk_id", chunkID)
	}
	return done, nil
}
