// ABOUTME: Chat message persistence for the streaming pipeline
// ABOUTME: Streaming upsert keyed on (session, chunk, not-completed) plus finalization

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// InsertMessage inserts an atomic (non-streamed) message document
func (s *SQLiteStore) InsertMessage(ctx context.Context, msg *ChatMessage) error {
	chunksJSON, err := encodeJSONColumn(msg.Chunks)
	if err != nil {
		return fmt.Errorf("encoding chunks: %w", err)
	}
	blocksJSON, err := encodeJSONColumn(msg.CodeBlocks)
	if err != nil {
		return fmt.Errorf("encoding code blocks: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO chat_messages (id, session_id, org_id, team_id, chunk_id, message, type,
			author_id, author_name, ts, is_feedback, incoming, display_type, tokens,
			chunks, code_blocks, completed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.SessionID, msg.OrgID, msg.TeamID, msg.ChunkID, string(msg.Message),
		msg.Type, nullable(msg.AuthorID), msg.AuthorName, msg.Ts, msg.IsFeedback,
		msg.Incoming, msg.DisplayType, msg.Tokens, chunksJSON, blocksJSON, msg.Completed)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}
	return nil
}

// UpsertStreaming writes one streamed event into the in-flight document for
// (msg.SessionID, msg.ChunkID). If no non-completed document exists, msg is
// inserted first. The chunk, when supplied, is appended and its token count
// added — on inserts and updates alike. The row transaction is the only
// atomicity this write path has, matching single-document store semantics.
func (s *SQLiteStore) UpsertStreaming(ctx context.Context, msg *ChatMessage, chunk *Chunk) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var docID string
	var chunksJSON sql.NullString
	var tokens int
	err = tx.QueryRowContext(ctx, `
		SELECT id, chunks, tokens FROM chat_messages
		WHERE session_id = ? AND chunk_id = ? AND completed = 0`,
		msg.SessionID, msg.ChunkID).Scan(&docID, &chunksJSON, &tokens)

	switch {
	case err == sql.ErrNoRows:
		docID = msg.ID
		if docID == "" {
			docID = NewID()
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO chat_messages (id, session_id, org_id, team_id, chunk_id, message, type,
				author_id, author_name, ts, is_feedback, incoming, display_type, tokens, completed)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, 0)`,
			docID, msg.SessionID, msg.OrgID, msg.TeamID, msg.ChunkID, string(msg.Message),
			msg.Type, nullable(msg.AuthorID), msg.AuthorName, msg.Ts, msg.IsFeedback,
			msg.Incoming, msg.DisplayType); err != nil {
			return "", fmt.Errorf("inserting in-flight message: %w", err)
		}
		tokens = 0
	case err != nil:
		return "", fmt.Errorf("querying in-flight message: %w", err)
	}

	if chunk != nil {
		var chunks []Chunk
		if chunksJSON.Valid && chunksJSON.String != "" {
			if err := json.Unmarshal([]byte(chunksJSON.String), &chunks); err != nil {
				return "", fmt.Errorf("decoding chunks: %w", err)
			}
		}
		chunks = append(chunks, *chunk)
		encoded, err := json.Marshal(chunks)
		if err != nil {
			return "", fmt.Errorf("encoding chunks: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE chat_messages SET chunks = ?, tokens = ? WHERE id = ?`,
			string(encoded), tokens+chunk.Tokens, docID); err != nil {
			return "", fmt.Errorf("appending chunk: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("committing streaming upsert: %w", err)
	}
	return docID, nil
}

// FinalizeMessage completes the in-flight document for (sessionID, chunkID).
// Once completed, the document no longer matches the streaming upsert key, so
// any late chunk for the same chunkID starts a fresh document instead of
// corrupting this one. Returns false when nothing matched.
func (s *SQLiteStore) FinalizeMessage(ctx context.Context, sessionID, chunkID, text string, codeBlocks []CodeBlock, tokenDelta int) (bool, error) {
	blocksJSON, err := encodeJSONColumn(codeBlocks)
	if err != nil {
		return false, fmt.Errorf("encoding code blocks: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE chat_messages
		SET chunks = NULL,
		    message = json_set(message, '$.message.text', ?),
		    code_blocks = ?,
		    tokens = tokens + ?,
		    completed = 1
		WHERE session_id = ? AND chunk_id = ? AND completed = 0`,
		text, blocksJSON, tokenDelta, sessionID, chunkID)
	if err != nil {
		return false, fmt.Errorf("finalizing message: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking rows affected: %w", err)
	}
	return n > 0, nil
}

// LatestJSONCodeBlockMessage returns the newest message in the session whose
// code blocks contain a JSON-language block (the team-specification message)
func (s *SQLiteStore) LatestJSONCodeBlockMessage(ctx context.Context, sessionID string) (*ChatMessage, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+messageColumns+`
		FROM chat_messages
		WHERE session_id = ?
		  AND code_blocks IS NOT NULL
		  AND EXISTS (
			SELECT 1 FROM json_each(chat_messages.code_blocks)
			WHERE json_extract(json_each.value, '$.language') = 'json'
		  )
		ORDER BY ts DESC LIMIT 1`, sessionID)

	msg, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying team spec message: %w", err)
	}
	return msg, nil
}

// HasAgentMessage reports whether the session already carries a
// non-human-authored message. Used as the dispatch idempotency guard on join.
func (s *SQLiteStore) HasAgentMessage(ctx context.Context, sessionID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM chat_messages WHERE session_id = ? AND incoming = 1`,
		sessionID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("querying agent messages: %w", err)
	}
	return n > 0, nil
}

// GetSessionMessages returns the session's messages in timestamp order
func (s *SQLiteStore) GetSessionMessages(ctx context.Context, sessionID string, limit int) ([]*ChatMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM chat_messages WHERE session_id = ? ORDER BY ts LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var msgs []*ChatMessage
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

const messageColumns = `id, session_id, org_id, team_id, chunk_id, message, type,
	author_id, author_name, ts, is_feedback, incoming, display_type, tokens,
	chunks, code_blocks, completed`

// rowScanner covers sql.Row and sql.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*ChatMessage, error) {
	var msg ChatMessage
	var orgID, teamID, chunkID, msgType, authorID, authorName, displayType sql.NullString
	var message string
	var chunksJSON, blocksJSON sql.NullString

	err := row.Scan(&msg.ID, &msg.SessionID, &orgID, &teamID, &chunkID, &message,
		&msgType, &authorID, &authorName, &msg.Ts, &msg.IsFeedback, &msg.Incoming,
		&displayType, &msg.Tokens, &chunksJSON, &blocksJSON, &msg.Completed)
	if err != nil {
		return nil, err
	}

	msg.OrgID = orgID.String
	msg.TeamID = teamID.String
	msg.ChunkID = chunkID.String
	msg.Message = json.RawMessage(message)
	msg.Type = SessionType(msgType.String)
	msg.AuthorID = authorID.String
	msg.AuthorName = authorName.String
	msg.DisplayType = displayType.String
	if chunksJSON.Valid && chunksJSON.String != "" {
		if err := json.Unmarshal([]byte(chunksJSON.String), &msg.Chunks); err != nil {
			return nil, fmt.Errorf("decoding chunks: %w", err)
		}
	}
	if blocksJSON.Valid && blocksJSON.String != "" {
		if err := json.Unmarshal([]byte(blocksJSON.String), &msg.CodeBlocks); err != nil {
			return nil, fmt.Errorf("decoding code blocks: %w", err)
		}
	}
	return &msg, nil
}

// encodeJSONColumn marshals a slice, mapping empty to SQL NULL
func encodeJSONColumn[T any](items []T) (any, error) {
	if len(items) == 0 {
		return nil, nil
	}
	encoded, err := json.Marshal(items)
	if err != nil {
		return nil, err
	}
	return string(encoded), nil
}

// nullable maps empty strings to SQL NULL
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
