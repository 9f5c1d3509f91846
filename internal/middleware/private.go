package middleware

import (
	"context"
	"slices"

	"github.com/flitsinc/go-relay/internal/event"
	"github.com/flitsinc/go-relay/internal/protocol"
)

// PrivateKinds delivers events of the configured kinds only to their author
// or to a p-tagged recipient, as established by authentication.
type PrivateKinds struct {
	kinds []int
}

func NewPrivateKinds(kinds ...int) *PrivateKinds {
	return &PrivateKinds{kinds: kinds}
}

func (p *PrivateKinds) Name() string { return "private-kinds" }

func (p *PrivateKinds) Inbound(_ context.Context, conn ConnInfo, cmd protocol.Command) InboundResult {
	if conn.Pubkey() != "" || conn.ID() == SystemConnID {
		return Allow(cmd)
	}
	var asked []int
	switch c := cmd.(type) {
	case protocol.Subscribe:
		for _, f := range c.Filters {
			asked = append(asked, f.Kinds...)
		}
	case protocol.Count:
		for _, f := range c.Filters {
			asked = append(asked, f.Kinds...)
		}
	default:
		return Allow(cmd)
	}
	for _, k := range asked {
		if slices.Contains(p.kinds, k) {
			return Reject(protocol.Reasonf(protocol.PrefixAuthRequired, "kind %d is only visible to its participants", k))
		}
	}
	return Allow(cmd)
}

func (p *PrivateKinds) Outbound(_ context.Context, conn ConnInfo, out Outgoing) OutboundResult {
	evt := out.Event
	if !slices.Contains(p.kinds, evt.Kind) {
		return Forward(evt)
	}
	viewer := conn.Pubkey()
	if viewer == "" {
		return Drop()
	}
	if viewer == evt.PubKey || slices.Contains(event.TagValues(evt, "p"), viewer) {
		return Forward(evt)
	}
	return Drop()
}
