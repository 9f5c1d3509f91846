package middleware

import (
	"context"
	"slices"
	"sync/atomic"

	"github.com/flitsinc/go-relay/internal/protocol"
)

type TenantsConfig struct {
	// Allowed lists the admitted scopes. The default scope "" is admitted
	// only when listed.
	Allowed []string
	// Kinds optionally restricts what each tenant may publish.
	Kinds map[string][]int
}

// Tenants admits connections by scope and enforces per-tenant publish kinds.
type Tenants struct {
	cfg atomic.Pointer[TenantsConfig]
}

func NewTenants(cfg TenantsConfig) *Tenants {
	t := &Tenants{}
	t.Update(cfg)
	return t
}

func (t *Tenants) Name() string { return "tenants" }

func (t *Tenants) Update(cfg TenantsConfig) {
	t.cfg.Store(&cfg)
}

func (t *Tenants) Admitted(scope string) bool {
	return slices.Contains(t.cfg.Load().Allowed, scope)
}

func (t *Tenants) Inbound(_ context.Context, conn ConnInfo, cmd protocol.Command) InboundResult {
	if conn.ID() == SystemConnID {
		return Allow(cmd)
	}
	if _, ok := cmd.(protocol.Close); ok {
		return Allow(cmd)
	}
	if !t.Admitted(conn.Scope()) {
		return Terminate(protocol.Reasonf(protocol.PrefixRestricted, "unknown tenant %q", conn.Scope()))
	}
	pub, ok := cmd.(protocol.Publish)
	if !ok {
		return Allow(cmd)
	}
	kinds, restricted := t.cfg.Load().Kinds[conn.Scope()]
	if restricted && !slices.Contains(kinds, pub.Event.Kind) {
		return Reject(protocol.Reasonf(protocol.PrefixRestricted, "kind %d is not accepted by this tenant", pub.Event.Kind))
	}
	return Allow(cmd)
}

func (t *Tenants) Outbound(_ context.Context, _ ConnInfo, out Outgoing) OutboundResult {
	return Forward(out.Event)
}
