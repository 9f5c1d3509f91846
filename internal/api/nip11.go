package api

import (
	"encoding/json"
	"net/http"

	"github.com/flitsinc/go-relay/internal/config"
	"github.com/flitsinc/go-relay/internal/middleware"
	"github.com/flitsinc/go-relay/internal/relay"
)

// RelayInfo is the NIP-11 relay information document.
type RelayInfo struct {
	config.Info
	SupportedNIPs []int      `json:"supported_nips"`
	Software      string     `json:"software"`
	Version       string     `json:"version"`
	Limitation    Limitation `json:"limitation"`
}

type Limitation struct {
	MaxMessageLength int64 `json:"max_message_length,omitempty"`
	MaxSubscriptions int   `json:"max_subscriptions,omitempty"`
	MaxFilters       int   `json:"max_filters,omitempty"`
	MaxLimit         int   `json:"max_limit,omitempty"`
	DefaultLimit     int   `json:"default_limit,omitempty"`
	AuthRequired     bool  `json:"auth_required"`
	RestrictedWrites bool  `json:"restricted_writes"`
}

const (
	software = "https://github.com/flitsinc/go-relay"
	Version  = "0.1.0"
)

func NewRelayInfo(info config.Info, cfg relay.Config, chain *middleware.Chain, maxMessage int64) RelayInfo {
	nips := []int{1, 9, 11, 45}
	if chain.AuthMode() != middleware.AuthOff {
		nips = append(nips, 42)
	}
	return RelayInfo{
		Info:          info,
		SupportedNIPs: nips,
		Software:      software,
		Version:       Version,
		Limitation: Limitation{
			MaxMessageLength: maxMessage,
			MaxSubscriptions: cfg.Limits.MaxSubscriptions,
			MaxFilters:       cfg.Limits.MaxFilters,
			MaxLimit:         cfg.MaxLimit,
			DefaultLimit:     cfg.DefaultLimit,
			AuthRequired:     chain.RequiresAuth(),
			RestrictedWrites: len(chain.Units()) > 0,
		},
	}
}

func (s *Server) handleRelayInfo(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Headers", "Accept")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "application/nostr+json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(s.Info)
}
