package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/flitsinc/go-relay/internal/relay"
)

type DiagnosticsInfo struct {
	HTTPAddr   string   `json:"http_addr"`
	DataDir    string   `json:"data_dir"`
	DBPath     string   `json:"db_path"`
	WebDir     string   `json:"web_dir"`
	ConfigFile string   `json:"config_file"`
	AuthMode   string   `json:"auth_mode"`
	Units      []string `json:"middleware"`
}

type DiagnosticsResponse struct {
	Time          time.Time       `json:"time"`
	StartedAt     time.Time       `json:"started_at"`
	UptimeSeconds int64           `json:"uptime_seconds"`
	GoVersion     string          `json:"go_version"`
	Goroutines    int             `json:"goroutines"`
	Info          DiagnosticsInfo `json:"info"`
	Relay         relay.Stats     `json:"relay"`
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	now := time.Now().UTC()
	started := s.StartedAt
	if started.IsZero() {
		started = now
	}
	resp := DiagnosticsResponse{
		Time:          now,
		StartedAt:     started,
		UptimeSeconds: int64(now.Sub(started).Seconds()),
		GoVersion:     runtime.Version(),
		Goroutines:    runtime.NumGoroutine(),
		Info:          s.Diagnostics,
	}
	if s.Relay != nil {
		resp.Relay = s.Relay.Stats()
	}
	writeJSON(w, http.StatusOK, resp)
}
