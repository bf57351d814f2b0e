package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/chatrelay/chatrelay/internal/chatrelay"
)

const eventWriteTimeout = 5 * time.Second

type ServerConfig struct {
	MaxBodyBytes int64
}

// Server is the thin HTTP surface over the relay core: JSON routes for the
// five operations plus a websocket event stream.
type Server struct {
	relay      *chatrelay.Relay
	hub        *chatrelay.Hub
	feedHealth func() bool
	cfg        ServerConfig
}

func NewServer(relay *chatrelay.Relay, hub *chatrelay.Hub, feedHealth func() bool) *Server {
	return NewServerWithConfig(relay, hub, feedHealth, ServerConfig{})
}

func NewServerWithConfig(relay *chatrelay.Relay, hub *chatrelay.Hub, feedHealth func() bool, cfg ServerConfig) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if feedHealth == nil {
		feedHealth = func() bool { return true }
	}
	return &Server{relay: relay, hub: hub, feedHealth: feedHealth, cfg: cfg}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		feed := "ok"
		if !s.feedHealth() {
			feed = "degraded"
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "feed": feed})
		return
	}
	if r.URL.Path == "/v1/events" && r.Method == http.MethodGet {
		s.handleEvents(w, r)
		return
	}
	if r.URL.Path == "/v1/payloads" && r.Method == http.MethodPost {
		s.handleIngest(w, r)
		return
	}
	if r.URL.Path == "/v1/conversations" && r.Method == http.MethodGet {
		s.handleListConversations(w, r)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	switch {
	case len(parts) == 4 && parts[0] == "v1" && parts[1] == "conversations" && parts[3] == "messages" && r.Method == http.MethodGet:
		s.handleConversationMessages(w, r, parts[2])
	case len(parts) == 4 && parts[0] == "v1" && parts[1] == "conversations" && parts[3] == "messages" && r.Method == http.MethodPost:
		s.handleSendOutbound(w, r, parts[2])
	case len(parts) == 4 && parts[0] == "v1" && parts[1] == "messages" && parts[3] == "status" && r.Method == http.MethodPost:
		s.handleUpdateStatus(w, r, parts[2])
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found")
	}
}

// handleIngest accepts one payload object or an array of payloads.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readRequestBody(w, r)
	if !ok {
		return
	}
	trimmed := strings.TrimSpace(string(body))
	payloads := make([]chatrelay.Payload, 0, 1)
	if strings.HasPrefix(trimmed, "[") {
		var raw []json.RawMessage
		if err := json.Unmarshal(body, &raw); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid json body")
			return
		}
		for _, item := range raw {
			payloads = append(payloads, chatrelay.Payload{Source: "api", Data: item})
		}
	} else {
		payloads = append(payloads, chatrelay.Payload{Source: "api", Data: body})
	}

	result := s.relay.IngestBatch(r.Context(), payloads)
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	summaries, err := s.relay.ListConversations(r.Context())
	if err != nil {
		writeOperationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summaries)
}

func (s *Server) handleConversationMessages(w http.ResponseWriter, r *http.Request, conversationID string) {
	messages, err := s.relay.ConversationMessages(r.Context(), conversationID)
	if err != nil {
		writeOperationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, messages)
}

func (s *Server) handleSendOutbound(w http.ResponseWriter, r *http.Request, conversationID string) {
	var req struct {
		Body string `json:"body"`
	}
	if !s.decodeJSONBody(w, r, &req) {
		return
	}
	record, err := s.relay.SendOutbound(r.Context(), conversationID, req.Body)
	if err != nil {
		writeOperationError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, record)
}

func (s *Server) handleUpdateStatus(w http.ResponseWriter, r *http.Request, id string) {
	var req struct {
		Status chatrelay.Status `json:"status"`
	}
	if !s.decodeJSONBody(w, r, &req) {
		return
	}
	outcome, err := s.relay.UpdateStatus(r.Context(), id, req.Status)
	if err != nil {
		writeOperationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"outcome": string(outcome)})
}

// handleEvents upgrades to a websocket and forwards hub events until the
// client goes away. Clients that reconnect simply resume receiving future
// events; there is no replay buffer.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "event stream closed")

	sub := s.hub.Subscribe(0)
	defer s.hub.Unsubscribe(sub)

	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case event, ok := <-sub.C():
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
			err := wsjson.Write(writeCtx, conn, event)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit")
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body")
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	body, ok := s.readRequestBody(w, r)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body")
		return false
	}
	return true
}

func writeOperationError(w http.ResponseWriter, err error) {
	switch {
	case chatrelay.IsValidation(err):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
	case errors.Is(err, chatrelay.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "storage_error", err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"code":    code,
		"message": message,
	})
}
