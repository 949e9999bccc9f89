// ABOUTME: Agent role materialization from a session's team specification
// ABOUTME: Extracts the roles array from the latest JSON code block message

package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tidwall/gjson"

	"github.com/huddlehq/huddle/internal/store"
)

// materializeRoles creates one agent per role in the session's latest
// team-specification message, records the agent refs on the session, and
// announces the TASK phase. Any missing ingredient (no specification
// message, no roles array) is a logged no-op: the session stays untouched
// and nothing is broadcast.
func (r *Router) materializeRoles(ctx context.Context, sess *store.Session, roomID string) error {
	msg, err := r.store.LatestJSONCodeBlockMessage(ctx, sess.ID)
	if errors.Is(err, store.ErrNotFound) {
		r.logger.Warn("no team specification message for session", "session_id", sess.ID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading team specification: %w", err)
	}

	roles, teamSpec := rolesFromMessage(msg)
	if !roles.IsArray() || len(roles.Array()) == 0 {
		r.logger.Warn("team specification has no roles", "session_id", sess.ID)
		return nil
	}

	agents := make([]*store.Agent, 0, len(roles.Array()))
	refs := make([]store.AgentRef, 0, len(roles.Array()))
	for _, role := range roles.Array() {
		agent := agentFromRole(sess, role, r.now())
		agents = append(agents, agent)
		refs = append(refs, store.AgentRef{AgentID: agent.ID})
	}

	if err := r.store.CreateAgents(ctx, agents); err != nil {
		return fmt.Errorf("creating agents: %w", err)
	}
	if err := r.store.UpdateSessionAgents(ctx, sess.ID, refs, teamSpec); err != nil {
		return fmt.Errorf("recording session agents: %w", err)
	}

	r.logger.Info("materialized session agents",
		"session_id", sess.ID,
		"agents", len(agents))

	r.fanout.Broadcast(roomID, "type", string(store.SessionTypeTask))
	r.fanout.Broadcast(r.dispatchRoom, string(store.SessionTypeTask), DispatchTask{Task: sess.Prompt, SessionID: sess.ID})
	return nil
}

// rolesFromMessage digs the roles array out of a team-specification message.
// The envelope's inner text is either a string holding JSON or an already
// structured object, depending on whether coercion ran at ingest. Streamed
// specifications finalize with fenced markdown text, so when the raw text
// yields nothing the recorded json code blocks are tried instead.
func rolesFromMessage(msg *store.ChatMessage) (gjson.Result, string) {
	text := gjson.GetBytes(msg.Message, "message.text")
	switch {
	case text.Type == gjson.String:
		if roles := gjson.Get(text.String(), "roles"); roles.Exists() {
			return roles, text.String()
		}
	case text.IsObject():
		return text.Get("roles"), text.Raw
	}

	for _, block := range msg.CodeBlocks {
		if block.Language != "json" {
			continue
		}
		if roles := gjson.Get(block.CodeBlock, "roles"); roles.Exists() {
			return roles, block.CodeBlock
		}
	}
	return gjson.Result{}, ""
}

// agentFromRole maps one role object from the team specification onto an
// agent document
func agentFromRole(sess *store.Session, role gjson.Result, now time.Time) *store.Agent {
	agent := &store.Agent{
		ID:             store.NewID(),
		SessionID:      sess.ID,
		OrgID:          sess.OrgID,
		TeamID:         sess.TeamID,
		CreatedAt:      now,
		Name:           role.Get("name").String(),
		Type:           role.Get("type").String(),
		IsUserProxy:    role.Get("is_user_proxy").Bool(),
		SystemMessage:  role.Get("system_message").String(),
		HumanInputMode: role.Get("human_input_mode").String(),
	}

	if llm := role.Get("llm_config"); llm.Exists() {
		agent.LLMConfig = json.RawMessage(llm.Raw)
	}
	if exec := role.Get("code_execution_config"); exec.IsObject() {
		agent.CodeExecutionConfig = &store.CodeExecutionConfig{
			LastNMessages: int(exec.Get("last_n_messages").Int()),
			WorkDirectory: exec.Get("work_dir").String(),
		}
	}
	return agent
}
