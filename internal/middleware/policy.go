package middleware

import (
	"context"
	"slices"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/flitsinc/go-relay/internal/protocol"
)

type PolicyConfig struct {
	BlockedPubkeys []string
	// AllowedKinds restricts publishing to these kinds when non-empty.
	AllowedKinds     []int
	MaxContentLength int
	MaxTags          int
	MaxFutureDrift   time.Duration
	MaxAge           time.Duration
}

// Policy is the content filter. Its block list can be replaced at runtime.
type Policy struct {
	cfg     PolicyConfig
	clock   clock.Clock
	blocked atomic.Pointer[map[string]struct{}]
}

func NewPolicy(cfg PolicyConfig, clk clock.Clock) *Policy {
	if clk == nil {
		clk = clock.New()
	}
	p := &Policy{cfg: cfg, clock: clk}
	p.SetBlocked(cfg.BlockedPubkeys)
	return p
}

func (p *Policy) Name() string { return "policy" }

// SetBlocked swaps the block list; in-flight checks see either list.
func (p *Policy) SetBlocked(pubkeys []string) {
	set := make(map[string]struct{}, len(pubkeys))
	for _, pk := range pubkeys {
		set[pk] = struct{}{}
	}
	p.blocked.Store(&set)
}

func (p *Policy) IsBlocked(pubkey string) bool {
	_, ok := (*p.blocked.Load())[pubkey]
	return ok
}

func (p *Policy) Inbound(_ context.Context, conn ConnInfo, cmd protocol.Command) InboundResult {
	pub, ok := cmd.(protocol.Publish)
	if !ok {
		return Allow(cmd)
	}
	evt := pub.Event
	if p.IsBlocked(evt.PubKey) {
		return Reject(protocol.Reasonf(protocol.PrefixBlocked, "pubkey is not allowed to publish here"))
	}
	if len(p.cfg.AllowedKinds) > 0 && !slices.Contains(p.cfg.AllowedKinds, evt.Kind) {
		return Reject(protocol.Reasonf(protocol.PrefixBlocked, "kind %d is not accepted", evt.Kind))
	}
	if p.cfg.MaxContentLength > 0 && len(evt.Content) > p.cfg.MaxContentLength {
		return Reject(protocol.Reasonf(protocol.PrefixInvalid, "content longer than %d bytes", p.cfg.MaxContentLength))
	}
	if p.cfg.MaxTags > 0 && len(evt.Tags) > p.cfg.MaxTags {
		return Reject(protocol.Reasonf(protocol.PrefixInvalid, "more than %d tags", p.cfg.MaxTags))
	}
	if conn.ID() == SystemConnID {
		// Replicated history is exempt from the freshness window.
		return Allow(cmd)
	}
	now := p.clock.Now()
	created := evt.CreatedAt.Time()
	if p.cfg.MaxFutureDrift > 0 && created.After(now.Add(p.cfg.MaxFutureDrift)) {
		return Reject(protocol.Reasonf(protocol.PrefixInvalid, "created_at is too far in the future"))
	}
	if p.cfg.MaxAge > 0 && created.Before(now.Add(-p.cfg.MaxAge)) {
		return Reject(protocol.Reasonf(protocol.PrefixInvalid, "created_at is too old"))
	}
	return Allow(cmd)
}

func (p *Policy) Outbound(_ context.Context, _ ConnInfo, out Outgoing) OutboundResult {
	if p.IsBlocked(out.Event.PubKey) {
		return Drop()
	}
	return Forward(out.Event)
}
