// ABOUTME: Tests for chat message persistence
// ABOUTME: Covers streaming upsert, finalization idempotence, and team-spec lookup

package store

import (
	"context"
	"encoding/json"
	"testing"
)

func streamedMessage(sess *Session, chunkID string) *ChatMessage {
	envelope := `{"room":"` + sess.ID + `","incoming":true,"authorName":"System","message":{"type":"text","text":"","chunkId":"` + chunkID + `"},"ts":1700000000000}`
	return &ChatMessage{
		ID:         NewID(),
		SessionID:  sess.ID,
		OrgID:      sess.OrgID,
		TeamID:     sess.TeamID,
		ChunkID:    chunkID,
		Message:    json.RawMessage(envelope),
		Type:       sess.Type,
		AuthorName: "System",
		Ts:         1700000000000,
		Incoming:   true,
	}
}

func TestUpsertStreaming_InsertThenAppend(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := newTestSession(t, s)
	chunkID := NewID()

	msg := streamedMessage(sess, chunkID)
	id1, err := s.UpsertStreaming(ctx, msg, &Chunk{Ts: 1, Chunk: "Hel", Tokens: 2})
	if err != nil {
		t.Fatalf("UpsertStreaming failed: %v", err)
	}

	// Second chunk must land in the same document
	id2, err := s.UpsertStreaming(ctx, streamedMessage(sess, chunkID), &Chunk{Ts: 2, Chunk: "lo", Tokens: 3})
	if err != nil {
		t.Fatalf("UpsertStreaming failed: %v", err)
	}
	if id1 != id2 {
		t.Fatalf("chunks split across documents: %q vs %q", id1, id2)
	}

	msgs, err := s.GetSessionMessages(ctx, sess.ID, 10)
	if err != nil {
		t.Fatalf("GetSessionMessages failed: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("message count mismatch: got %d, want 1", len(msgs))
	}
	got := msgs[0]
	if got.Tokens != 5 {
		t.Errorf("tokens mismatch: got %d, want 5", got.Tokens)
	}
	if len(got.Chunks) != 2 || got.Chunks[0].Chunk != "Hel" || got.Chunks[1].Chunk != "lo" {
		t.Errorf("chunks mismatch: %+v", got.Chunks)
	}
	if got.Completed {
		t.Error("in-flight message should not be completed")
	}
}

func TestUpsertStreaming_NoChunkPayload(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := newTestSession(t, s)

	if _, err := s.UpsertStreaming(ctx, streamedMessage(sess, NewID()), nil); err != nil {
		t.Fatalf("UpsertStreaming failed: %v", err)
	}

	msgs, err := s.GetSessionMessages(ctx, sess.ID, 10)
	if err != nil {
		t.Fatalf("GetSessionMessages failed: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Tokens != 0 || len(msgs[0].Chunks) != 0 {
		t.Errorf("unexpected document state: %+v", msgs[0])
	}
}

func TestFinalizeMessage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := newTestSession(t, s)
	chunkID := NewID()

	if _, err := s.UpsertStreaming(ctx, streamedMessage(sess, chunkID), &Chunk{Ts: 1, Chunk: "Hel", Tokens: 2}); err != nil {
		t.Fatalf("UpsertStreaming failed: %v", err)
	}
	if _, err := s.UpsertStreaming(ctx, streamedMessage(sess, chunkID), &Chunk{Ts: 2, Chunk: "lo", Tokens: 3}); err != nil {
		t.Fatalf("UpsertStreaming failed: %v", err)
	}

	blocks := []CodeBlock{{Language: "python", CodeBlock: "print('hi')"}}
	done, err := s.FinalizeMessage(ctx, sess.ID, chunkID, "Hello", blocks, 4)
	if err != nil {
		t.Fatalf("FinalizeMessage failed: %v", err)
	}
	if !done {
		t.Fatal("finalization should have matched the in-flight document")
	}

	msgs, err := s.GetSessionMessages(ctx, sess.ID, 10)
	if err != nil {
		t.Fatalf("GetSessionMessages failed: %v", err)
	}
	got := msgs[0]
	if !got.Completed {
		t.Error("message should be completed")
	}
	if len(got.Chunks) != 0 {
		t.Errorf("chunks should be cleared, got %+v", got.Chunks)
	}
	if got.Tokens != 9 { // 2 + 3 + final delta 4
		t.Errorf("tokens mismatch: got %d, want 9", got.Tokens)
	}
	if len(got.CodeBlocks) != 1 || got.CodeBlocks[0].Language != "python" {
		t.Errorf("code blocks mismatch: %+v", got.CodeBlocks)
	}

	var envelope struct {
		Message struct {
			Text string `json:"text"`
		} `json:"message"`
	}
	if err := json.Unmarshal(got.Message, &envelope); err != nil {
		t.Fatalf("decoding envelope: %v", err)
	}
	if envelope.Message.Text != "Hello" {
		t.Errorf("final text mismatch: got %q, want %q", envelope.Message.Text, "Hello")
	}
}

func TestFinalizeMessage_IdempotentAndOrphansLateChunks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := newTestSession(t, s)
	chunkID := NewID()

	if _, err := s.UpsertStreaming(ctx, streamedMessage(sess, chunkID), &Chunk{Ts: 1, Chunk: "a", Tokens: 1}); err != nil {
		t.Fatalf("UpsertStreaming failed: %v", err)
	}
	if _, err := s.FinalizeMessage(ctx, sess.ID, chunkID, "a", nil, 0); err != nil {
		t.Fatalf("FinalizeMessage failed: %v", err)
	}

	// Re-finalizing must not match the completed document
	done, err := s.FinalizeMessage(ctx, sess.ID, chunkID, "overwritten", nil, 99)
	if err != nil {
		t.Fatalf("FinalizeMessage failed: %v", err)
	}
	if done {
		t.Error("re-finalization matched a completed document")
	}

	// A late chunk starts a fresh document rather than mutating the finalized one
	if _, err := s.UpsertStreaming(ctx, streamedMessage(sess, chunkID), &Chunk{Ts: 3, Chunk: "late", Tokens: 1}); err != nil {
		t.Fatalf("UpsertStreaming failed: %v", err)
	}

	msgs, err := s.GetSessionMessages(ctx, sess.ID, 10)
	if err != nil {
		t.Fatalf("GetSessionMessages failed: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 documents, got %d", len(msgs))
	}

	var completed, inflight int
	for _, m := range msgs {
		if m.Completed {
			completed++
			if m.Tokens != 1 {
				t.Errorf("finalized document mutated: tokens %d", m.Tokens)
			}
		} else {
			inflight++
		}
	}
	if completed != 1 || inflight != 1 {
		t.Errorf("expected one completed and one in-flight document, got %d/%d", completed, inflight)
	}
}

func TestLatestJSONCodeBlockMessage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := newTestSession(t, s)

	if _, err := s.LatestJSONCodeBlockMessage(ctx, sess.ID); err != ErrNotFound {
		t.Errorf("expected ErrNotFound on empty session, got %v", err)
	}

	plain := streamedMessage(sess, NewID())
	plain.Ts = 100
	plain.Completed = true
	if err := s.InsertMessage(ctx, plain); err != nil {
		t.Fatalf("InsertMessage failed: %v", err)
	}

	older := streamedMessage(sess, NewID())
	older.Ts = 200
	older.Completed = true
	older.CodeBlocks = []CodeBlock{{Language: "json", CodeBlock: `{"roles":[]}`}}
	if err := s.InsertMessage(ctx, older); err != nil {
		t.Fatalf("InsertMessage failed: %v", err)
	}

	newest := streamedMessage(sess, NewID())
	newest.Ts = 300
	newest.Completed = true
	newest.CodeBlocks = []CodeBlock{
		{Language: "python", CodeBlock: "pass"},
		{Language: "json", CodeBlock: `{"roles":[{"name":"coder"}]}`},
	}
	if err := s.InsertMessage(ctx, newest); err != nil {
		t.Fatalf("InsertMessage failed: %v", err)
	}

	got, err := s.LatestJSONCodeBlockMessage(ctx, sess.ID)
	if err != nil {
		t.Fatalf("LatestJSONCodeBlockMessage failed: %v", err)
	}
	if got.ID != newest.ID {
		t.Errorf("expected newest JSON-block message %q, got %q", newest.ID, got.ID)
	}
}

func TestHasAgentMessage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := newTestSession(t, s)

	has, err := s.HasAgentMessage(ctx, sess.ID)
	if err != nil {
		t.Fatalf("HasAgentMessage failed: %v", err)
	}
	if has {
		t.Error("empty session should have no agent messages")
	}

	human := streamedMessage(sess, "")
	human.Incoming = false
	human.AuthorName = "ana"
	if err := s.InsertMessage(ctx, human); err != nil {
		t.Fatalf("InsertMessage failed: %v", err)
	}

	has, err = s.HasAgentMessage(ctx, sess.ID)
	if err != nil {
		t.Fatalf("HasAgentMessage failed: %v", err)
	}
	if has {
		t.Error("human-authored message should not count as an agent message")
	}

	agent := streamedMessage(sess, "")
	agent.ID = NewID()
	if err := s.InsertMessage(ctx, agent); err != nil {
		t.Fatalf("InsertMessage failed: %v", err)
	}

	has, err = s.HasAgentMessage(ctx, sess.ID)
	if err != nil {
		t.Fatalf("HasAgentMessage failed: %v", err)
	}
	if !has {
		t.Error("incoming message should count as an agent message")
	}
}

func TestGetSessionMessages_Order(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := newTestSession(t, s)

	for i, ts := range []int64{300, 100, 200} {
		m := streamedMessage(sess, "")
		m.ID = NewID()
		m.Ts = ts
		m.Completed = true
		if err := s.InsertMessage(ctx, m); err != nil {
			t.Fatalf("InsertMessage %d failed: %v", i, err)
		}
	}

	msgs, err := s.GetSessionMessages(ctx, sess.ID, 10)
	if err != nil {
		t.Fatalf("GetSessionMessages failed: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("message count mismatch: got %d", len(msgs))
	}
	var last int64
	for _, m := range msgs {
		if m.Ts < last {
			t.Errorf("messages out of order: %d after %d", m.Ts, last)
		}
		last = m.Ts
	}
}
