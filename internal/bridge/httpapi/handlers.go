package httpapi

import (
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"

	"github.com/bdobrica/ruriko-bridge/internal/bridge/dedupe"
	"github.com/bdobrica/ruriko-bridge/internal/bridge/store"
)

var errMissingSignature = errors.New("missing X-Signature header")

// remoteKey returns the caller's address with any port stripped, used to key
// the webhook rate limiter. Falls back to the raw RemoteAddr on malformed
// input (e.g. in unit tests using httptest's recorder, which has no port).
func remoteKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// handleProvisioningHealth reports the M1/M2 room-provisioning completeness
// of every active mapping, per spec §4.X1's three-tier threshold.
func (s *Server) handleProvisioningHealth(w http.ResponseWriter, r *http.Request) {
	mappings, err := s.store.ListActive(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to list mappings"})
		return
	}

	total := len(mappings)
	withRoom := 0
	for _, m := range mappings {
		if m.RoomID.Valid && m.RoomID.String != "" {
			withRoom++
		}
	}
	missing := total - withRoom

	status := "healthy"
	switch {
	case missing >= 4:
		status = "unhealthy"
	case missing >= 1:
		status = "degraded"
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":     status,
		"total":      total,
		"with_room":  withRoom,
		"missing":    missing,
	})
}

// mappingView is the JSON projection of store.MappingSummary — passwords
// never reach this type because ListMappingSummaries's query never selects
// that column in the first place.
type mappingView struct {
	AgentID      string `json:"agent_id"`
	AgentName    string `json:"agent_name"`
	MatrixUserID string `json:"matrix_user_id"`
	RoomID       string `json:"room_id,omitempty"`
	RoomCreated  bool   `json:"room_created"`
}

func (s *Server) handleListMappings(w http.ResponseWriter, r *http.Request) {
	summaries, err := s.store.ListMappingSummaries(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to list mappings"})
		return
	}
	views := make([]mappingView, 0, len(summaries))
	for _, m := range summaries {
		views = append(views, mappingView{
			AgentID:      m.AgentID,
			AgentName:    m.AgentName,
			MatrixUserID: m.MatrixUserID,
			RoomID:       m.RoomID.String,
			RoomCreated:  m.RoomCreated,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"mappings": views})
}

func (s *Server) handleAgentRoom(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")
	if agentID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing agent id"})
		return
	}

	m, err := s.store.GetByAgentID(r.Context(), agentID)
	if err == sql.ErrNoRows {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown agent"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "lookup failed"})
		return
	}
	if !m.RoomID.Valid || m.RoomID.String == "" {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "agent has no provisioned room yet"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"room_id": m.RoomID.String})
}

// handleWebhookNewAgent triggers one immediate reconcile pass, optionally
// requiring an HMAC signature per spec §4.X1.
func (s *Server) handleWebhookNewAgent(w http.ResponseWriter, r *http.Request) {
	if !s.webhookRL.Allow(remoteKey(r)) {
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "failed to read body"})
		return
	}

	if err := s.checkSignature(r, body); err != nil {
		slog.Warn("httpapi: rejected new-agent webhook", "err", err)
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid signature"})
		return
	}

	if s.reconcile != nil {
		s.reconcile.trigger()
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "reconcile triggered"})
}

// agentResponsePayload is the minimal shape the idempotent audit sink needs:
// an id to dedupe on. Unknown fields are accepted and ignored — this
// endpoint is a sink, not a schema-validating API.
type agentResponsePayload struct {
	EventID string `json:"event_id"`
}

// handleWebhookAgentResponse is an idempotent audit sink, keyed by the
// event id in the payload. It reuses the dedupe.Store (namespaced so these
// keys never collide with Matrix event ids recorded by the Ingestor)
// instead of standing up a second table for the same "have I seen this
// before" question.
func (s *Server) handleWebhookAgentResponse(w http.ResponseWriter, r *http.Request) {
	if !s.webhookRL.Allow(remoteKey(r)) {
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "failed to read body"})
		return
	}

	if err := s.checkSignature(r, body); err != nil {
		slog.Warn("httpapi: rejected agent-response webhook", "err", err)
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid signature"})
		return
	}

	var payload agentResponsePayload
	if err := json.Unmarshal(body, &payload); err != nil || payload.EventID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing event_id"})
		return
	}

	if s.responses != nil {
		outcome, err := s.responses.Record(r.Context(), "webhook:agent-response:"+payload.EventID)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "dedupe failed"})
			return
		}
		if outcome == dedupe.Duplicate {
			writeJSON(w, http.StatusOK, map[string]string{"status": "already recorded"})
			return
		}
	}

	slog.Info("httpapi: agent-response audit event recorded", "event_id", payload.EventID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}

// registerConversationRequest is the POST /conversations/register body.
type registerConversationRequest struct {
	RoomID         string `json:"room_id"`
	AgentID        string `json:"agent_id"`
	UserMXID       string `json:"user_mxid,omitempty"`
	ConversationID string `json:"conversation_id"`
	Strategy       string `json:"strategy,omitempty"`
}

// handleRegisterConversation lets a third-party identity bridge advisorily
// pin a ConversationBinding ahead of the Router's own lazy creation. The
// pin is tracked with a 300s TTL; the Router does not consult it, at any
// point of that period.
func (s *Server) handleRegisterConversation(w http.ResponseWriter, r *http.Request) {
	var req registerConversationRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	if req.RoomID == "" || req.AgentID == "" || req.ConversationID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "room_id, agent_id and conversation_id are required"})
		return
	}

	strategy := store.StrategyPerRoom
	if req.Strategy != "" {
		strategy = store.ConversationStrategy(req.Strategy)
	}

	binding := &store.ConversationBinding{
		RoomID:         req.RoomID,
		AgentID:        req.AgentID,
		UserMXID:       req.UserMXID,
		ConversationID: req.ConversationID,
		Strategy:       strategy,
	}
	if err := s.store.SetConversation(r.Context(), binding); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to register conversation"})
		return
	}

	expiry := s.pins.Pin(pinKey(req.RoomID, req.AgentID, req.UserMXID))
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "registered",
		"expires_at": expiry.UTC().Format("2006-01-02T15:04:05Z"),
	})
}

func pinKey(roomID, agentID, userMXID string) string {
	return roomID + "|" + agentID + "|" + userMXID
}

// checkSignature enforces the X-Signature header when required, and
// validates it whenever present even if not required.
func (s *Server) checkSignature(r *http.Request, body []byte) error {
	header := r.Header.Get("X-Signature")
	if header == "" {
		if s.cfg.RequireSignature {
			return errMissingSignature
		}
		return nil
	}
	return verifySignature(header, []byte(s.cfg.WebhookSecret), body)
}
