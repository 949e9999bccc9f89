// ABOUTME: Tests for event routing: join dispatch, messages, termination
// ABOUTME: Runs against the real SQLite store with a recording fan-out

package router

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/huddlehq/huddle/internal/auth"
	"github.com/huddlehq/huddle/internal/chat"
	"github.com/huddlehq/huddle/internal/room"
	"github.com/huddlehq/huddle/internal/state"
	"github.com/huddlehq/huddle/internal/store"
)

type fanoutEvent struct {
	Room    string
	Event   string
	Payload any
}

type recordingFanout struct {
	mu     sync.Mutex
	events []fanoutEvent
	joins  []string
}

func (f *recordingFanout) Broadcast(roomID, event string, payload any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, fanoutEvent{Room: roomID, Event: event, Payload: payload})
}

func (f *recordingFanout) Join(_ room.Conn, roomID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joins = append(f.joins, roomID)
}

func (f *recordingFanout) eventsFor(roomID string) []fanoutEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []fanoutEvent
	for _, ev := range f.events {
		if ev.Room == roomID {
			out = append(out, ev)
		}
	}
	return out
}

type fakeConn struct {
	id     string
	mu     sync.Mutex
	events []fanoutEvent
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Emit(event string, payload any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, fanoutEvent{Event: event, Payload: payload})
}

func newTestRouter(t *testing.T) (*Router, *store.SQLiteStore, *recordingFanout) {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	fanout := &recordingFanout{}
	machine := state.New(s, fanout, nil)
	assembler := chat.NewAssembler(s, s, nil)
	return New(s, machine, assembler, fanout, "", nil), s, fanout
}

func createRouterSession(t *testing.T, s *store.SQLiteStore, status store.SessionStatus) *store.Session {
	t.Helper()
	sess := &store.Session{
		ID:        store.NewID(),
		OrgID:     store.NewID(),
		TeamID:    store.NewID(),
		Status:    status,
		Prompt:    "plan the launch",
		Type:      store.SessionTypeTeam,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.CreateSession(context.Background(), sess))
	return sess
}

func TestJoinRoomUnauthenticated(t *testing.T) {
	r, s, fanout := newTestRouter(t)
	sess := createRouterSession(t, s, store.StatusCreated)
	conn := &fakeConn{id: "c1"}

	require.NoError(t, r.JoinRoom(context.Background(), conn, nil, sess.ID))

	assert.Equal(t, []string{sess.ID}, fanout.joins)
	assert.Empty(t, conn.events)
	assert.Empty(t, fanout.eventsFor(DefaultDispatchRoom))
}

func TestJoinRoomDispatchesTask(t *testing.T) {
	r, s, fanout := newTestRouter(t)
	sess := createRouterSession(t, s, store.StatusCreated)
	conn := &fakeConn{id: "c1"}
	ident := &auth.Identity{AccountID: store.NewID(), Name: "ada"}

	require.NoError(t, r.JoinRoom(context.Background(), conn, ident, sess.ID))

	require.Len(t, conn.events, 1)
	assert.Equal(t, "joined", conn.events[0].Event)

	dispatched := fanout.eventsFor(DefaultDispatchRoom)
	require.Len(t, dispatched, 1)
	assert.Equal(t, "TEAM", dispatched[0].Event)
	task, ok := dispatched[0].Payload.(DispatchTask)
	require.True(t, ok)
	assert.Equal(t, sess.Prompt, task.Task)
	assert.Equal(t, sess.ID, task.SessionID)
}

func TestJoinRoomStartedSessionAcksOnly(t *testing.T) {
	r, s, fanout := newTestRouter(t)
	sess := createRouterSession(t, s, store.StatusStarted)
	conn := &fakeConn{id: "c1"}
	ident := &auth.Identity{AccountID: store.NewID()}

	require.NoError(t, r.JoinRoom(context.Background(), conn, ident, sess.ID))

	require.Len(t, conn.events, 1)
	assert.Equal(t, "joined", conn.events[0].Event)
	assert.Empty(t, fanout.eventsFor(DefaultDispatchRoom))
}

func TestJoinRoomSkipsAlreadyPickedUpTask(t *testing.T) {
	r, s, fanout := newTestRouter(t)
	sess := createRouterSession(t, s, store.StatusCreated)

	// An incoming message means a worker already has the task.
	require.NoError(t, s.InsertMessage(context.Background(), &store.ChatMessage{
		ID:        store.NewID(),
		SessionID: sess.ID,
		Message:   json.RawMessage(`{}`),
		Incoming:  true,
		Completed: true,
	}))

	ident := &auth.Identity{AccountID: store.NewID()}
	require.NoError(t, r.JoinRoom(context.Background(), &fakeConn{id: "c1"}, ident, sess.ID))
	assert.Empty(t, fanout.eventsFor(DefaultDispatchRoom))
}

func TestJoinRoomNonSessionName(t *testing.T) {
	r, _, fanout := newTestRouter(t)
	ident := &auth.Identity{AccountID: store.NewID()}
	conn := &fakeConn{id: "c1"}

	require.NoError(t, r.JoinRoom(context.Background(), conn, ident, "lobby"))

	assert.Equal(t, []string{"lobby"}, fanout.joins)
	require.Len(t, conn.events, 1)
	assert.Empty(t, fanout.eventsFor(DefaultDispatchRoom))
}

func TestMessagePersistsAndBroadcasts(t *testing.T) {
	r, s, fanout := newTestRouter(t)
	sess := createRouterSession(t, s, store.StatusStarted)
	ctx := context.Background()

	in := &chat.Inbound{
		Room:     sess.ID,
		Message:  json.RawMessage(`"hello"`),
		Incoming: true,
	}
	require.NoError(t, r.Message(ctx, nil, in))

	msgs, err := s.GetSessionMessages(ctx, sess.ID, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	var env chat.Envelope
	require.NoError(t, json.Unmarshal(msgs[0].Message, &env))
	text, ok := env.Message.TextString()
	require.True(t, ok)
	assert.Equal(t, "hello", text)

	after, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusRunning, after.Status)

	sessionEvents := fanout.eventsFor(sess.ID)
	require.Len(t, sessionEvents, 2)
	assert.Equal(t, "status", sessionEvents[0].Event)
	assert.Equal(t, string(store.StatusRunning), sessionEvents[0].Payload)
	assert.Equal(t, "message", sessionEvents[1].Event)

	mirrored := fanout.eventsFor("_" + sess.ID)
	require.Len(t, mirrored, 1)
	assert.Equal(t, "hello", mirrored[0].Payload)
}

func TestMessageFeedbackMovesToWaiting(t *testing.T) {
	r, s, _ := newTestRouter(t)
	sess := createRouterSession(t, s, store.StatusRunning)
	ctx := context.Background()

	in := &chat.Inbound{
		Room:       sess.ID,
		Message:    json.RawMessage(`"needs more detail"`),
		IsFeedback: true,
	}
	ident := &auth.Identity{AccountID: store.NewID(), Name: "ada"}
	require.NoError(t, r.Message(ctx, ident, in))

	after, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusWaiting, after.Status)
}

func TestMessageNoMirrorWithoutIdentityOrIncoming(t *testing.T) {
	r, s, fanout := newTestRouter(t)
	sess := createRouterSession(t, s, store.StatusRunning)

	in := &chat.Inbound{Room: sess.ID, Message: json.RawMessage(`"hi"`)}
	require.NoError(t, r.Message(context.Background(), nil, in))

	assert.Empty(t, fanout.eventsFor("_"+sess.ID))
	assert.Len(t, fanout.eventsFor(sess.ID), 1)
}

func TestMessageToDispatchRoomRelaysRaw(t *testing.T) {
	r, s, fanout := newTestRouter(t)

	in := &chat.Inbound{
		Room:    DefaultDispatchRoom,
		Message: json.RawMessage(`{"task":"x","sessionId":"y"}`),
	}
	require.NoError(t, r.Message(context.Background(), nil, in))

	relayed := fanout.eventsFor(DefaultDispatchRoom)
	require.Len(t, relayed, 1)
	assert.Equal(t, "message", relayed[0].Event)
	assert.Equal(t, in.Message, relayed[0].Payload)

	// Nothing persisted for a non-session room.
	_, err := s.GetSession(context.Background(), DefaultDispatchRoom)
	assert.Error(t, err)
}

func TestMessageToDispatchRoomSkipsNormalization(t *testing.T) {
	r, _, fanout := newTestRouter(t)

	// A payload that would fail code/JSON coercion still relays untouched.
	in := &chat.Inbound{
		Room:    DefaultDispatchRoom,
		Message: json.RawMessage(`{"type":"code","language":"json","text":"{not json"}`),
	}
	require.NoError(t, r.Message(context.Background(), nil, in))

	relayed := fanout.eventsFor(DefaultDispatchRoom)
	require.Len(t, relayed, 1)
	assert.Equal(t, in.Message, relayed[0].Payload)
}

func TestMessageMalformedCodeIsHardError(t *testing.T) {
	r, s, fanout := newTestRouter(t)
	sess := createRouterSession(t, s, store.StatusRunning)

	in := &chat.Inbound{
		Room:    sess.ID,
		Message: json.RawMessage(`{"type":"code","language":"json","text":"{broken"}`),
	}
	err := r.Message(context.Background(), nil, in)
	require.Error(t, err)

	msgs, err := s.GetSessionMessages(context.Background(), sess.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)
	assert.Empty(t, fanout.eventsFor(sess.ID))
}

func TestMessageCompleteBroadcasts(t *testing.T) {
	r, s, fanout := newTestRouter(t)
	sess := createRouterSession(t, s, store.StatusRunning)
	ctx := context.Background()

	in := &chat.Inbound{
		Room:     sess.ID,
		Message:  json.RawMessage(`{"type":"text","text":"part","chunkId":"c1","tokens":1}`),
		Incoming: true,
	}
	require.NoError(t, r.Message(ctx, nil, in))

	ident := &auth.Identity{AccountID: store.NewID()}
	c := &Completion{Room: sess.ID, ChunkID: "c1", Text: "part two", Tokens: 2}
	require.NoError(t, r.MessageComplete(ctx, ident, c))

	msgs, err := s.GetSessionMessages(ctx, sess.ID, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].Completed)

	events := fanout.eventsFor(sess.ID)
	require.NotEmpty(t, events)
	assert.Equal(t, "message_complete", events[len(events)-1].Event)

	mirrored := fanout.eventsFor("_" + sess.ID)
	require.NotEmpty(t, mirrored)
	assert.Equal(t, "part two", mirrored[len(mirrored)-1].Payload)
}

func TestMessageCompleteWithoutStreamIsNoOp(t *testing.T) {
	r, s, fanout := newTestRouter(t)
	sess := createRouterSession(t, s, store.StatusRunning)

	c := &Completion{Room: sess.ID, ChunkID: "missing", Text: "x"}
	require.NoError(t, r.MessageComplete(context.Background(), nil, c))
	assert.Empty(t, fanout.eventsFor(sess.ID))
}

func TestTerminateWithAgents(t *testing.T) {
	r, s, fanout := newTestRouter(t)
	sess := createRouterSession(t, s, store.StatusRunning)
	ctx := context.Background()

	agentID := store.NewID()
	require.NoError(t, s.CreateAgents(ctx, []*store.Agent{{
		ID:        agentID,
		SessionID: sess.ID,
		OrgID:     sess.OrgID,
		TeamID:    sess.TeamID,
		Name:      "planner",
		CreatedAt: time.Now().UTC(),
	}}))
	require.NoError(t, s.UpdateSessionAgents(ctx, sess.ID, []store.AgentRef{{AgentID: agentID}}, "spec"))

	req := &TerminateRequest{Room: sess.ID}
	req.Message.SessionID = sess.ID
	require.NoError(t, r.Terminate(ctx, req))

	after, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusTerminated, after.Status)

	events := fanout.eventsFor(sess.ID)
	require.Len(t, events, 1)
	assert.Equal(t, "terminate", events[0].Event)
	assert.Equal(t, true, events[0].Payload)

	agents, err := s.ListSessionAgents(ctx, sess.ID)
	require.NoError(t, err)
	assert.Len(t, agents, 1)
}

func teamSpecText() string {
	spec := map[string]any{
		"roles": []map[string]any{
			{
				"name":           "planner",
				"type":           "assistant",
				"llm_config":     map[string]any{"model": "gpt-4"},
				"system_message": "You plan.",
			},
			{
				"name":             "executor",
				"type":             "user_proxy",
				"is_user_proxy":    true,
				"human_input_mode": "NEVER",
				"code_execution_config": map[string]any{
					"last_n_messages": 3,
					"work_dir":        "/tmp/work",
				},
			},
		},
	}
	encoded, _ := json.Marshal(spec)
	return string(encoded)
}

func insertTeamSpecMessage(t *testing.T, s *store.SQLiteStore, sessionID string, ts int64) {
	t.Helper()
	envelope := fmt.Sprintf(`{"room":%q,"message":{"type":"code","language":"json","text":%s}}`,
		sessionID, mustJSONString(teamSpecText()))
	require.NoError(t, s.InsertMessage(context.Background(), &store.ChatMessage{
		ID:         store.NewID(),
		SessionID:  sessionID,
		Message:    json.RawMessage(envelope),
		Ts:         ts,
		Completed:  true,
		CodeBlocks: []store.CodeBlock{{Language: "json", CodeBlock: teamSpecText()}},
	}))
}

func mustJSONString(s string) string {
	encoded, _ := json.Marshal(s)
	return string(encoded)
}

func TestTerminateMaterializesRoles(t *testing.T) {
	r, s, fanout := newTestRouter(t)
	sess := createRouterSession(t, s, store.StatusRunning)
	ctx := context.Background()

	insertTeamSpecMessage(t, s, sess.ID, time.Now().UnixMilli())

	req := &TerminateRequest{Room: sess.ID}
	req.Message.SessionID = sess.ID
	require.NoError(t, r.Terminate(ctx, req))

	agents, err := s.ListSessionAgents(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, agents, 2)

	byName := make(map[string]*store.Agent, len(agents))
	for _, a := range agents {
		byName[a.Name] = a
	}

	planner := byName["planner"]
	require.NotNil(t, planner)
	assert.Equal(t, "You plan.", planner.SystemMessage)
	assert.JSONEq(t, `{"model":"gpt-4"}`, string(planner.LLMConfig))
	assert.Nil(t, planner.CodeExecutionConfig)

	executor := byName["executor"]
	require.NotNil(t, executor)
	assert.True(t, executor.IsUserProxy)
	assert.Equal(t, "NEVER", executor.HumanInputMode)
	require.NotNil(t, executor.CodeExecutionConfig)
	assert.Equal(t, 3, executor.CodeExecutionConfig.LastNMessages)
	assert.Equal(t, "/tmp/work", executor.CodeExecutionConfig.WorkDirectory)

	after, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, after.Agents, 2)
	assert.Nil(t, after.Agents[0].ReportTo)
	// Role materialization does not terminate the session.
	assert.Equal(t, store.StatusRunning, after.Status)

	roomEvents := fanout.eventsFor(sess.ID)
	require.Len(t, roomEvents, 1)
	assert.Equal(t, "type", roomEvents[0].Event)
	assert.Equal(t, string(store.SessionTypeTask), roomEvents[0].Payload)

	dispatched := fanout.eventsFor(DefaultDispatchRoom)
	require.Len(t, dispatched, 1)
	assert.Equal(t, string(store.SessionTypeTask), dispatched[0].Event)
}

func TestTerminateMaterializesRolesFromFencedSpec(t *testing.T) {
	r, s, _ := newTestRouter(t)
	sess := createRouterSession(t, s, store.StatusRunning)
	ctx := context.Background()

	// A streamed specification finalizes with fenced markdown text; the
	// parseable JSON lives only in the recorded code blocks.
	fenced := "Here is the team:\n```json\n" + teamSpecText() + "\n```\n"
	envelope := fmt.Sprintf(`{"room":%q,"message":{"type":"text","text":%s}}`,
		sess.ID, mustJSONString(fenced))
	require.NoError(t, s.InsertMessage(ctx, &store.ChatMessage{
		ID:         store.NewID(),
		SessionID:  sess.ID,
		Message:    json.RawMessage(envelope),
		Ts:         time.Now().UnixMilli(),
		Completed:  true,
		CodeBlocks: []store.CodeBlock{{Language: "json", CodeBlock: teamSpecText()}},
	}))

	req := &TerminateRequest{Room: sess.ID}
	req.Message.SessionID = sess.ID
	require.NoError(t, r.Terminate(ctx, req))

	agents, err := s.ListSessionAgents(ctx, sess.ID)
	require.NoError(t, err)
	assert.Len(t, agents, 2)

	after, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Len(t, after.Agents, 2)
}

func TestTerminateWithoutSpecIsNoOp(t *testing.T) {
	r, s, fanout := newTestRouter(t)
	sess := createRouterSession(t, s, store.StatusRunning)

	req := &TerminateRequest{Room: sess.ID}
	req.Message.SessionID = sess.ID
	require.NoError(t, r.Terminate(context.Background(), req))

	agents, err := s.ListSessionAgents(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Empty(t, agents)
	assert.Empty(t, fanout.events)
}

func TestTerminateUnknownSessionIsNoOp(t *testing.T) {
	r, _, fanout := newTestRouter(t)

	req := &TerminateRequest{}
	req.Message.SessionID = store.NewID()
	require.NoError(t, r.Terminate(context.Background(), req))
	assert.Empty(t, fanout.events)
}
