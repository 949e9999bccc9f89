// ABOUTME: HTTP API handlers for sessions, integrations, and inbound webhooks
// ABOUTME: REST surface beside the websocket endpoint for external clients

package gateway

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/huddlehq/huddle/internal/chat"
	"github.com/huddlehq/huddle/internal/store"
	"github.com/huddlehq/huddle/internal/webhook"
)

// CreateSessionRequest is the JSON request body for POST /api/sessions
type CreateSessionRequest struct {
	OrgID  string `json:"orgId"`
	TeamID string `json:"teamId"`
	Prompt string `json:"prompt"`
	Type   string `json:"type,omitempty"`
}

// SessionResponse is the JSON shape of one session
type SessionResponse struct {
	ID        string           `json:"id"`
	OrgID     string           `json:"orgId"`
	TeamID    string           `json:"teamId"`
	Status    string           `json:"status"`
	Prompt    string           `json:"prompt"`
	Type      string           `json:"type"`
	Agents    []store.AgentRef `json:"agents,omitempty"`
	CreatedAt time.Time        `json:"createdAt"`
	UpdatedAt time.Time        `json:"updatedAt"`
}

// registerAPIRoutes registers the REST routes on the mux. Session and
// integration routes require an authenticated identity; the webhook route
// does not, since external platforms cannot carry our tokens.
func (g *Gateway) registerAPIRoutes(mux *http.ServeMux, authMiddleware func(http.Handler) http.Handler) {
	mux.Handle("/api/sessions", authMiddleware(http.HandlerFunc(g.handleSessions)))
	mux.Handle("/api/sessions/", authMiddleware(http.HandlerFunc(g.handleSessionRoutes)))

	if g.integrations != nil {
		mux.Handle("/api/integrations/schemas", authMiddleware(http.HandlerFunc(g.handleSchemas)))
		mux.Handle("/api/integrations/", authMiddleware(http.HandlerFunc(g.handleIntegrationJobs)))
	}

	mux.HandleFunc("/webhooks/inbound", g.handleWebhook)
}

func sessionResponse(sess *store.Session) SessionResponse {
	return SessionResponse{
		ID:        sess.ID,
		OrgID:     sess.OrgID,
		TeamID:    sess.TeamID,
		Status:    string(sess.Status),
		Prompt:    sess.Prompt,
		Type:      string(sess.Type),
		Agents:    sess.Agents,
		CreatedAt: sess.CreatedAt,
		UpdatedAt: sess.UpdatedAt,
	}
}

// handleSessions handles POST /api/sessions
func (g *Gateway) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if req.Prompt == "" {
		http.Error(w, "prompt is required", http.StatusBadRequest)
		return
	}

	sessionType := store.SessionType(req.Type)
	if sessionType == "" {
		sessionType = store.SessionTypeTeam
	}

	now := time.Now().UTC()
	sess := &store.Session{
		ID:        store.NewID(),
		OrgID:     req.OrgID,
		TeamID:    req.TeamID,
		Status:    store.StatusCreated,
		Prompt:    req.Prompt,
		Type:      sessionType,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := g.store.CreateSession(r.Context(), sess); err != nil {
		g.logger.Error("creating session failed", "error", err)
		http.Error(w, "failed to create session", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(sessionResponse(sess))
}

// handleSessionRoutes handles GET /api/sessions/{id} and
// GET /api/sessions/{id}/messages
func (g *Gateway) handleSessionRoutes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
	parts := strings.Split(rest, "/")
	sessionID := parts[0]
	if !store.IsID(sessionID) {
		http.Error(w, "invalid session id", http.StatusBadRequest)
		return
	}

	switch {
	case len(parts) == 1:
		g.handleGetSession(w, r, sessionID)
	case len(parts) == 2 && parts[1] == "messages":
		g.handleSessionMessages(w, r, sessionID)
	default:
		http.NotFound(w, r)
	}
}

func (g *Gateway) handleGetSession(w http.ResponseWriter, r *http.Request, sessionID string) {
	sess, err := g.store.GetSession(r.Context(), sessionID)
	if errors.Is(err, store.ErrNotFound) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		g.logger.Error("loading session failed", "session_id", sessionID, "error", err)
		http.Error(w, "failed to load session", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(sessionResponse(sess))
}

func (g *Gateway) handleSessionMessages(w http.ResponseWriter, r *http.Request, sessionID string) {
	msgs, err := g.store.GetSessionMessages(r.Context(), sessionID, 0)
	if err != nil {
		g.logger.Error("loading messages failed", "session_id", sessionID, "error", err)
		http.Error(w, "failed to load messages", http.StatusInternalServerError)
		return
	}

	type messageResponse struct {
		ID         string            `json:"id"`
		Message    json.RawMessage   `json:"message"`
		AuthorName string            `json:"authorName"`
		Ts         int64             `json:"ts"`
		Incoming   bool              `json:"incoming"`
		Completed  bool              `json:"completed"`
		Tokens     int               `json:"tokens,omitempty"`
		CodeBlocks []store.CodeBlock `json:"codeBlocks,omitempty"`
	}

	response := make([]messageResponse, 0, len(msgs))
	for _, m := range msgs {
		response = append(response, messageResponse{
			ID:         m.ID,
			Message:    m.Message,
			AuthorName: m.AuthorName,
			Ts:         m.Ts,
			Incoming:   m.Incoming,
			Completed:  m.Completed,
			Tokens:     m.Tokens,
			CodeBlocks: m.CodeBlocks,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// handleSchemas handles GET /api/integrations/schemas
func (g *Gateway) handleSchemas(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	schemas, err := g.integrations.ListSchemas(r.Context())
	if err != nil {
		g.logger.Error("listing schemas failed", "error", err)
		http.Error(w, "integration platform unavailable", http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(schemas)
}

// handleIntegrationJobs handles GET and POST /api/integrations/{name}/jobs
func (g *Gateway) handleIntegrationJobs(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/integrations/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[1] != "jobs" || parts[0] == "" {
		http.NotFound(w, r)
		return
	}
	integration := parts[0]

	switch r.Method {
	case http.MethodGet:
		jobs, err := g.integrations.ListJobs(r.Context(), integration)
		if err != nil {
			g.logger.Error("listing jobs failed", "integration", integration, "error", err)
			http.Error(w, "integration platform unavailable", http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(jobs)

	case http.MethodPost:
		var params map[string]any
		if r.Body != nil {
			// An empty body triggers with no params
			_ = json.NewDecoder(r.Body).Decode(&params)
		}
		result, err := g.integrations.TriggerJob(r.Context(), integration, params)
		if err != nil {
			g.logger.Error("triggering job failed", "integration", integration, "error", err)
			http.Error(w, "integration platform unavailable", http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(result)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// handleWebhook handles POST /webhooks/inbound: parse the payload and relay
// its text into the target session room as a normal message event.
// Unrecognized payloads are acknowledged with 202 and dropped, so external
// platforms do not retry formats we will never parse.
func (g *Gateway) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "reading body failed", http.StatusBadRequest)
		return
	}

	event, err := g.webhooks.Parse(body)
	if errors.Is(err, webhook.ErrNoMatch) {
		g.logger.Warn("unrecognized webhook payload dropped", "bytes", len(body))
		w.WriteHeader(http.StatusAccepted)
		return
	}
	if err != nil {
		http.Error(w, "parsing webhook failed", http.StatusBadRequest)
		return
	}

	// Delivery platforms retry on slow responses; drop replays of the
	// same room/text pair seen within the dedupe window.
	digest := sha256.Sum256(append([]byte(event.Room+"\n"), event.Text...))
	if g.deliveries.Seen(hex.EncodeToString(digest[:])) {
		g.logger.Debug("duplicate webhook delivery dropped", "room", event.Room)
		w.WriteHeader(http.StatusAccepted)
		return
	}

	text, err := json.Marshal(event.Text)
	if err != nil {
		http.Error(w, "encoding webhook text failed", http.StatusInternalServerError)
		return
	}

	authorName := event.Author
	if authorName == "" {
		authorName = "Webhook"
	}

	in := &chat.Inbound{
		Room:       event.Room,
		Message:    text,
		Incoming:   true,
		AuthorName: authorName,
	}
	if err := g.router.Message(r.Context(), nil, in); err != nil {
		g.logger.Error("relaying webhook message failed", "room", event.Room, "error", err)
		http.Error(w, "relaying webhook failed", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}
