package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/nbd-wtf/go-nostr"
)

// Machine-readable reason prefixes carried by OK, CLOSED and NOTICE.
const (
	PrefixInvalid      = "invalid"
	PrefixBlocked      = "blocked"
	PrefixRateLimited  = "rate-limited"
	PrefixAuthRequired = "auth-required"
	PrefixRestricted   = "restricted"
	PrefixDuplicate    = "duplicate"
	PrefixError        = "error"
)

// Reasonf formats a reason with its prefix, e.g. "blocked: spam".
func Reasonf(prefix, format string, args ...any) string {
	return prefix + ": " + fmt.Sprintf(format, args...)
}

// Message is one relay-to-client frame.
type Message interface {
	json.Marshaler
	// Label names the message type for logs and metrics.
	Label() string
	// Critical messages are never evicted by the outbox overflow policy.
	Critical() bool
}

type EventMessage struct {
	SubscriptionID string
	Event          *nostr.Event
	// Stored is set for replayed results, which are delivered before EOSE
	// and must not be evicted.
	Stored bool
}

type EOSE struct {
	SubscriptionID string
}

type Notice struct {
	Message string
}

type OK struct {
	EventID  string
	Accepted bool
	Reason   string
}

type Closed struct {
	SubscriptionID string
	Reason         string
}

type AuthChallenge struct {
	Challenge string
}

type CountResult struct {
	SubscriptionID string
	Count          int64
}

func (m EventMessage) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{"EVENT", m.SubscriptionID, m.Event})
}

func (m EOSE) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{"EOSE", m.SubscriptionID})
}

func (m Notice) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{"NOTICE", m.Message})
}

func (m OK) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{"OK", m.EventID, m.Accepted, m.Reason})
}

func (m Closed) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{"CLOSED", m.SubscriptionID, m.Reason})
}

func (m AuthChallenge) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{"AUTH", m.Challenge})
}

func (m CountResult) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{"COUNT", m.SubscriptionID, map[string]int64{"count": m.Count}})
}

func (EventMessage) Label() string  { return "EVENT" }
func (EOSE) Label() string          { return "EOSE" }
func (Notice) Label() string        { return "NOTICE" }
func (OK) Label() string            { return "OK" }
func (Closed) Label() string        { return "CLOSED" }
func (AuthChallenge) Label() string { return "AUTH" }
func (CountResult) Label() string   { return "COUNT" }

func (m EventMessage) Critical() bool { return m.Stored }
func (EOSE) Critical() bool           { return true }
func (Notice) Critical() bool         { return true }
func (OK) Critical() bool             { return true }
func (Closed) Critical() bool         { return true }
func (AuthChallenge) Critical() bool  { return true }
func (CountResult) Critical() bool    { return true }

// Encode renders m as a single text frame.
func Encode(m Message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Label(), err)
	}
	return data, nil
}
