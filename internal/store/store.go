// ABOUTME: Store interfaces and data types for huddle persistence
// ABOUTME: Defines Session, Agent, ChatMessage documents and the Store interface

package store

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested document does not exist
var ErrNotFound = errors.New("not found")

// SessionStatus is the lifecycle status of a session
type SessionStatus string

// Session lifecycle statuses
const (
	StatusCreated    SessionStatus = "CREATED"
	StatusStarted    SessionStatus = "STARTED"
	StatusRunning    SessionStatus = "RUNNING"
	StatusWaiting    SessionStatus = "WAITING"
	StatusTerminated SessionStatus = "TERMINATED"
)

// SessionType distinguishes conversation kinds for downstream routing
type SessionType string

// Session types
const (
	SessionTypeTeam SessionType = "TEAM"
	SessionTypeTask SessionType = "TASK"
)

// AgentRef links a session to one of its materialized agents.
// ReportTo is reserved and currently always nil.
type AgentRef struct {
	AgentID  string  `json:"agentId"`
	ReportTo *string `json:"reportTo"`
}

// Session is one conversation between clients and agent workers
type Session struct {
	ID        string
	OrgID     string
	TeamID    string
	Status    SessionStatus
	Prompt    string
	Type      SessionType
	Agents    []AgentRef
	TeamSpec  string // raw team-specification text recorded at materialization
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CodeExecutionConfig holds optional code-execution settings for an agent role
type CodeExecutionConfig struct {
	LastNMessages int    `json:"lastNMessages"`
	WorkDirectory string `json:"workDirectory"`
}

// Agent is a materialized role within a session. Agents are created in bulk
// by role materialization and are immutable afterwards.
type Agent struct {
	ID                  string
	SessionID           string
	OrgID               string
	TeamID              string
	Name                string
	Type                string
	LLMConfig           json.RawMessage
	CodeExecutionConfig *CodeExecutionConfig
	IsUserProxy         bool
	SystemMessage       string
	HumanInputMode      string
	CreatedAt           time.Time
}

// Chunk is one streamed fragment of an in-flight message
type Chunk struct {
	Ts     int64  `json:"ts"`
	Chunk  string `json:"chunk"`
	Tokens int    `json:"tokens"`
}

// CodeBlock is a fenced code block captured at message finalization
type CodeBlock struct {
	Language  string `json:"language"`
	CodeBlock string `json:"codeBlock"`
}

// ChatMessage is one durable conversation message. While streaming, the
// document accumulates Chunks; finalization clears them and sets Completed.
// Message holds the full normalized envelope as a JSON document.
type ChatMessage struct {
	ID          string
	SessionID   string
	OrgID       string
	TeamID      string
	ChunkID     string // empty for atomic (non-streamed) messages
	Message     json.RawMessage
	Type        SessionType
	AuthorID    string
	AuthorName  string
	Ts          int64
	IsFeedback  bool
	Incoming    bool
	DisplayType string
	Tokens      int
	Chunks      []Chunk
	CodeBlocks  []CodeBlock
	Completed   bool
}

// SessionStore provides session document persistence
type SessionStore interface {
	GetSession(ctx context.Context, id string) (*Session, error)
	CreateSession(ctx context.Context, session *Session) error
	UpdateSessionStatus(ctx context.Context, id string, status SessionStatus) error
	UpdateSessionAgents(ctx context.Context, id string, agents []AgentRef, teamSpec string) error
	TouchSession(ctx context.Context, id string, at time.Time) error
}

// AgentStore provides agent document persistence
type AgentStore interface {
	CreateAgents(ctx context.Context, agents []*Agent) error
	ListSessionAgents(ctx context.Context, sessionID string) ([]*Agent, error)
}

// MessageStore provides chat message persistence, including the streaming
// upsert keyed on (sessionId, chunkId, completed != true).
type MessageStore interface {
	// InsertMessage inserts an atomic (non-streamed) message as-is.
	InsertMessage(ctx context.Context, msg *ChatMessage) error

	// UpsertStreaming inserts the message if no non-completed document exists
	// for (msg.SessionID, msg.ChunkID), then appends chunk (if non-nil) to the
	// matching document and increments its token count. Returns the id of the
	// document written.
	UpsertStreaming(ctx context.Context, msg *ChatMessage, chunk *Chunk) (string, error)

	// FinalizeMessage completes the in-flight document for (sessionID, chunkID):
	// chunks cleared, inner text and code blocks set, completed flagged, tokens
	// incremented by tokenDelta. Returns false if no in-flight document matched
	// (already finalized or never started).
	FinalizeMessage(ctx context.Context, sessionID, chunkID, text string, codeBlocks []CodeBlock, tokenDelta int) (bool, error)

	// LatestJSONCodeBlockMessage returns the most recent message in the session
	// whose code blocks include a JSON-language block, or ErrNotFound.
	LatestJSONCodeBlockMessage(ctx context.Context, sessionID string) (*ChatMessage, error)

	// HasAgentMessage reports whether any non-human-authored (incoming)
	// message exists for the session.
	HasAgentMessage(ctx context.Context, sessionID string) (bool, error)

	GetSessionMessages(ctx context.Context, sessionID string, limit int) ([]*ChatMessage, error)
}

// Store is the combined persistence interface
type Store interface {
	SessionStore
	AgentStore
	MessageStore
	Close() error
}

// NewID generates a 24-character lowercase hex document id
func NewID() string {
	var b [12]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic("store: reading random bytes: " + err.Error())
	}
	return hex.EncodeToString(b[:])
}

// IsID reports whether s has the shape of a document id (24 hex characters).
// Room identifiers of this shape denote a session's conversation room.
func IsID(s string) bool {
	if len(s) != 24 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
