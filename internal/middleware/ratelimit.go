package middleware

import (
	"context"
	"sync"

	"github.com/benbjohnson/clock"
	"golang.org/x/time/rate"

	"github.com/flitsinc/go-relay/internal/protocol"
)

type RateLimitConfig struct {
	EventsPerSecond        float64
	EventBurst             int
	SubscriptionsPerSecond float64
	SubscriptionBurst      int
	// MaxViolations consecutive rejections terminate the connection.
	// Zero never terminates.
	MaxViolations int
}

// RateLimit applies per-connection token buckets to publishes and to
// subscription requests (REQ and COUNT).
type RateLimit struct {
	Passthrough
	cfg   RateLimitConfig
	clock clock.Clock

	mu    sync.Mutex
	conns map[string]*connLimits
}

type connLimits struct {
	events     *rate.Limiter
	subs       *rate.Limiter
	violations int
}

func NewRateLimit(cfg RateLimitConfig, clk clock.Clock) *RateLimit {
	if clk == nil {
		clk = clock.New()
	}
	return &RateLimit{cfg: cfg, clock: clk, conns: map[string]*connLimits{}}
}

func (r *RateLimit) Name() string { return "ratelimit" }

func (r *RateLimit) Inbound(_ context.Context, conn ConnInfo, cmd protocol.Command) InboundResult {
	if conn.ID() == SystemConnID {
		return Allow(cmd)
	}
	var what string
	switch cmd.(type) {
	case protocol.Publish:
		what = "events"
	case protocol.Subscribe, protocol.Count:
		what = "subscriptions"
	default:
		return Allow(cmd)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	state := r.state(conn.ID())
	limiter := state.events
	if what == "subscriptions" {
		limiter = state.subs
	}
	if limiter == nil {
		return Allow(cmd)
	}
	if limiter.AllowN(r.clock.Now(), 1) {
		state.violations = 0
		return Allow(cmd)
	}
	state.violations++
	if r.cfg.MaxViolations > 0 && state.violations >= r.cfg.MaxViolations {
		return Terminate(protocol.Reasonf(protocol.PrefixRateLimited, "too many %s, closing connection", what))
	}
	return Reject(protocol.Reasonf(protocol.PrefixRateLimited, "too many %s, slow down", what))
}

func (r *RateLimit) state(connID string) *connLimits {
	if s, ok := r.conns[connID]; ok {
		return s
	}
	s := &connLimits{}
	if r.cfg.EventsPerSecond > 0 {
		s.events = rate.NewLimiter(rate.Limit(r.cfg.EventsPerSecond), max(r.cfg.EventBurst, 1))
	}
	if r.cfg.SubscriptionsPerSecond > 0 {
		s.subs = rate.NewLimiter(rate.Limit(r.cfg.SubscriptionsPerSecond), max(r.cfg.SubscriptionBurst, 1))
	}
	r.conns[connID] = s
	return s
}

func (r *RateLimit) ConnClosed(connID string) {
	r.mu.Lock()
	delete(r.conns, connID)
	r.mu.Unlock()
}

// Tracked is the number of connections with limiter state.
func (r *RateLimit) Tracked() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}
