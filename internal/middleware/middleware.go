// Package middleware defines the ordered chain of policy units consulted for
// every inbound command and every outbound event delivery.
//
// A unit either passes the value on (possibly rewritten) or stops the chain
// with a rejection, a drop or a request to terminate the connection. Units
// are shared by every connection and must be safe for concurrent use.
package middleware

import (
	"context"

	"github.com/nbd-wtf/go-nostr"

	"github.com/flitsinc/go-relay/internal/protocol"
)

// SystemConnID identifies commands that originate inside the relay, such as
// events arriving through reconciliation.
const SystemConnID = "system"

// ConnInfo is the read-only view of a connection that units may consult.
type ConnInfo interface {
	ID() string
	Scope() string
	// Pubkey is the authenticated key, "" when unauthenticated.
	Pubkey() string
	Challenge() string
	RemoteAddr() string
}

// Outgoing is one prospective delivery of an event to a destination
// connection.
type Outgoing struct {
	Event        *nostr.Event
	Scope        string
	Subscription string
	// Stored is true for replayed results and false for live fan-out.
	Stored bool
}

type Verdict uint8

const (
	VerdictPass Verdict = iota
	VerdictReject
	VerdictTerminate
)

func (v Verdict) String() string {
	switch v {
	case VerdictReject:
		return "reject"
	case VerdictTerminate:
		return "terminate"
	default:
		return "pass"
	}
}

// InboundResult is a unit's decision about a command.
type InboundResult struct {
	Verdict Verdict
	Command protocol.Command
	Reason  string
	// Unit names the unit that stopped the chain.
	Unit string
}

func Allow(cmd protocol.Command) InboundResult {
	return InboundResult{Verdict: VerdictPass, Command: cmd}
}

func Reject(reason string) InboundResult {
	return InboundResult{Verdict: VerdictReject, Reason: reason}
}

func Terminate(reason string) InboundResult {
	return InboundResult{Verdict: VerdictTerminate, Reason: reason}
}

type Action uint8

const (
	ActionForward Action = iota
	ActionDrop
	ActionTerminate
)

func (a Action) String() string {
	switch a {
	case ActionDrop:
		return "drop"
	case ActionTerminate:
		return "terminate"
	default:
		return "forward"
	}
}

// OutboundResult is a unit's decision about one delivery.
type OutboundResult struct {
	Action Action
	Event  *nostr.Event
	Reason string
	Unit   string
}

func Forward(evt *nostr.Event) OutboundResult {
	return OutboundResult{Action: ActionForward, Event: evt}
}

func Drop() OutboundResult {
	return OutboundResult{Action: ActionDrop}
}

// Disconnect asks the relay to close the destination connection.
func Disconnect(reason string) OutboundResult {
	return OutboundResult{Action: ActionTerminate, Reason: reason}
}

type Unit interface {
	Name() string
	Inbound(ctx context.Context, conn ConnInfo, cmd protocol.Command) InboundResult
	Outbound(ctx context.Context, conn ConnInfo, out Outgoing) OutboundResult
}

// Passthrough implements both hooks as no-ops; embed it to override one.
type Passthrough struct{}

func (Passthrough) Inbound(_ context.Context, _ ConnInfo, cmd protocol.Command) InboundResult {
	return Allow(cmd)
}

func (Passthrough) Outbound(_ context.Context, _ ConnInfo, out Outgoing) OutboundResult {
	return Forward(out.Event)
}

// AuthMode describes how a chain gates connections behind NIP-42.
type AuthMode uint8

const (
	AuthOff AuthMode = iota
	AuthOptional
	AuthRequired
)

func (m AuthMode) String() string {
	switch m {
	case AuthOptional:
		return "optional"
	case AuthRequired:
		return "required"
	default:
		return "off"
	}
}

type authModer interface {
	AuthMode() AuthMode
}

type connCloser interface {
	ConnClosed(connID string)
}

// Chain runs its units in order. It is immutable after construction.
type Chain struct {
	units []Unit
	mode  AuthMode
}

func NewChain(units ...Unit) *Chain {
	c := &Chain{}
	for _, u := range units {
		if u == nil {
			continue
		}
		c.units = append(c.units, u)
		if m, ok := u.(authModer); ok && m.AuthMode() > c.mode {
			c.mode = m.AuthMode()
		}
	}
	return c
}

func (c *Chain) Units() []Unit {
	if c == nil {
		return nil
	}
	return append([]Unit(nil), c.units...)
}

// AuthMode is the strictest mode exposed by any unit.
func (c *Chain) AuthMode() AuthMode {
	if c == nil {
		return AuthOff
	}
	return c.mode
}

// RequiresAuth reports whether connections start unauthenticated.
func (c *Chain) RequiresAuth() bool {
	return c.AuthMode() == AuthRequired
}

func (c *Chain) Inbound(ctx context.Context, conn ConnInfo, cmd protocol.Command) InboundResult {
	if c == nil {
		return Allow(cmd)
	}
	for _, u := range c.units {
		res := u.Inbound(ctx, conn, cmd)
		if res.Verdict != VerdictPass {
			res.Unit = u.Name()
			return res
		}
		if res.Command != nil {
			cmd = res.Command
		}
	}
	return Allow(cmd)
}

func (c *Chain) Outbound(ctx context.Context, conn ConnInfo, out Outgoing) OutboundResult {
	if c == nil {
		return Forward(out.Event)
	}
	for _, u := range c.units {
		res := u.Outbound(ctx, conn, out)
		if res.Action != ActionForward {
			res.Unit = u.Name()
			return res
		}
		if res.Event != nil {
			out.Event = res.Event
		}
	}
	return Forward(out.Event)
}

// ConnClosed lets stateful units release per-connection state.
func (c *Chain) ConnClosed(connID string) {
	if c == nil {
		return
	}
	for _, u := range c.units {
		if cc, ok := u.(connCloser); ok {
			cc.ConnClosed(connID)
		}
	}
}
