package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/flitsinc/go-relay/internal/relay"
)

type Server struct {
	Relay   *relay.Dispatcher
	Info    RelayInfo
	Tenants *TenantResolver
	// Web serves the landing page for plain browser requests.
	Web http.Handler
	// MaxMessageBytes caps inbound websocket frames.
	MaxMessageBytes int64
	// AdminToken guards /api/admin/ when set.
	AdminToken  string
	Restart     func() error
	StartedAt   time.Time
	Diagnostics DiagnosticsInfo
	Log         *zap.Logger
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/diagnostics", s.handleDiagnostics)
	mux.HandleFunc("/api/admin/restart", s.handleRestart)
	mux.HandleFunc("/api/admin/events", s.handleIngest)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/", s.handleRoot)

	return mux
}

// handleRoot multiplexes the relay URL: websocket upgrades join the relay,
// NIP-11 requests get the information document, browsers get the web page.
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	switch {
	case isWebsocketUpgrade(r):
		s.handleWebsocket(w, r)
	case r.URL.Path == "/" && acceptsRelayInfo(r):
		s.handleRelayInfo(w, r)
	case s.Web != nil:
		s.Web.ServeHTTP(w, r)
	default:
		writeError(w, http.StatusNotFound, errNotFound("page"))
	}
}

func isWebsocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

func acceptsRelayInfo(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "application/nostr+json")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "time": time.Now().UTC()})
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	if s.Restart == nil {
		writeError(w, http.StatusNotImplemented, errNotFound("restart"))
		return
	}
	if !s.authorized(w, r) {
		return
	}
	if err := s.Restart(); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
}

// handleIngest stores an event on behalf of the operator, as if a client
// had published it into the given scope.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	if !s.authorized(w, r) {
		return
	}
	var payload struct {
		Scope string       `json:"scope"`
		Event *nostr.Event `json:"event"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if payload.Event == nil {
		writeError(w, http.StatusBadRequest, errors.New("event is required"))
		return
	}
	res, err := s.Relay.Ingest(r.Context(), payload.Scope, payload.Event)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, relay.ErrStorage) {
			status = http.StatusInternalServerError
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": payload.Event.ID, "status": res.Status.String(), "reason": res.Reason})
}

func (s *Server) authorized(w http.ResponseWriter, r *http.Request) bool {
	if s.AdminToken == "" || r.Header.Get("X-Admin-Token") == s.AdminToken {
		return true
	}
	writeError(w, http.StatusUnauthorized, errNotFound("invalid admin token"))
	return false
}

func (s *Server) logger() *zap.Logger {
	if s.Log == nil {
		return zap.NewNop()
	}
	return s.Log
}

func decodeJSON(body io.Reader, dest any) error {
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dest)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
}

type notFoundError struct {
	msg string
}

func (e notFoundError) Error() string { return e.msg }

func errNotFound(target string) error {
	return notFoundError{msg: target + " not found"}
}
