package middleware

import (
	"context"
	"errors"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/nbd-wtf/go-nostr"

	"github.com/flitsinc/go-relay/internal/event"
	"github.com/flitsinc/go-relay/internal/protocol"
)

type AuthConfig struct {
	Mode AuthMode
	// RelayURL, when set, must share its host with the event's relay tag.
	RelayURL string
	// Window bounds how far created_at may be from the relay clock.
	Window time.Duration
	// ProtectedKinds may only be published by their authenticated author.
	ProtectedKinds []int
}

// Auth implements NIP-42 challenge/response authentication.
type Auth struct {
	cfg   AuthConfig
	host  string
	clock clock.Clock
}

func NewAuth(cfg AuthConfig, clk clock.Clock) *Auth {
	if cfg.Window <= 0 {
		cfg.Window = 10 * time.Minute
	}
	if clk == nil {
		clk = clock.New()
	}
	a := &Auth{cfg: cfg, clock: clk}
	if cfg.RelayURL != "" {
		a.host = hostOf(cfg.RelayURL)
	}
	return a
}

func (a *Auth) Name() string       { return "auth" }
func (a *Auth) AuthMode() AuthMode { return a.cfg.Mode }

func (a *Auth) Inbound(_ context.Context, conn ConnInfo, cmd protocol.Command) InboundResult {
	if conn.ID() == SystemConnID {
		return Allow(cmd)
	}
	switch c := cmd.(type) {
	case protocol.AuthResponse:
		if err := a.verify(conn, c.Event); err != nil {
			return Reject(protocol.Reasonf(protocol.PrefixInvalid, "%v", err))
		}
		c.Pubkey = c.Event.PubKey
		return Allow(c)
	case protocol.Unsubscribe, protocol.Close:
		return Allow(cmd)
	}

	if conn.Pubkey() != "" {
		if p, ok := cmd.(protocol.Publish); ok && a.protected(p.Event.Kind) && p.Event.PubKey != conn.Pubkey() {
			return Reject(protocol.Reasonf(protocol.PrefixRestricted, "only the author may publish kind %d", p.Event.Kind))
		}
		return Allow(cmd)
	}
	if a.cfg.Mode == AuthRequired {
		return Reject(protocol.Reasonf(protocol.PrefixAuthRequired, "authenticate before sending %s", cmd.Verb()))
	}
	if p, ok := cmd.(protocol.Publish); ok && a.protected(p.Event.Kind) {
		return Reject(protocol.Reasonf(protocol.PrefixAuthRequired, "kind %d requires authentication", p.Event.Kind))
	}
	return Allow(cmd)
}

func (a *Auth) Outbound(_ context.Context, _ ConnInfo, out Outgoing) OutboundResult {
	return Forward(out.Event)
}

func (a *Auth) protected(kind int) bool {
	return slices.Contains(a.cfg.ProtectedKinds, kind)
}

func (a *Auth) verify(conn ConnInfo, evt *nostr.Event) error {
	if evt == nil || evt.Kind != event.KindClientAuth {
		return errors.New("auth event must be kind 22242")
	}
	if err := event.Verify(evt); err != nil {
		return err
	}
	challenge := event.TagValues(evt, "challenge")
	if len(challenge) == 0 || challenge[0] != conn.Challenge() || conn.Challenge() == "" {
		return errors.New("challenge does not match")
	}
	if a.host != "" {
		relays := event.TagValues(evt, "relay")
		if len(relays) == 0 || hostOf(relays[0]) != a.host {
			return errors.New("relay tag does not name this relay")
		}
	}
	now := a.clock.Now()
	created := evt.CreatedAt.Time()
	if created.Before(now.Add(-a.cfg.Window)) || created.After(now.Add(a.cfg.Window)) {
		return errors.New("auth event is too old or too far in the future")
	}
	return nil
}

func hostOf(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return strings.ToLower(strings.TrimSuffix(raw, "/"))
	}
	return strings.ToLower(u.Hostname())
}
