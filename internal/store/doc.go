// Package store provides document persistence for huddle using SQLite.
//
// # Architecture
//
// Three narrow interfaces cover the collections the event core touches:
//
//   - SessionStore: session lifecycle documents
//   - AgentStore: materialized agent roles
//   - MessageStore: chat messages, including the streaming upsert/finalize paths
//
// SQLiteStore implements all of them in a single struct. Dynamic fields
// (the message envelope, chunks, code blocks, agent refs) live in JSON
// columns, giving the per-document atomic update semantics the router and
// chunk assembler rely on: every mutation is one row transaction, and the
// streaming upsert filter (session_id, chunk_id, completed = 0) is the only
// cross-handler concurrency guard.
//
// # Data Models
//
//   - Session: conversation status, prompt, type, and agent refs
//   - Agent: one materialized role, immutable after bulk insert
//   - ChatMessage: one durable message; accumulates chunks while in flight,
//     becomes read-only once completed
//
// Ids are 24-character hex document ids (NewID/IsID); a room name of that
// shape denotes a session's conversation room.
package store
