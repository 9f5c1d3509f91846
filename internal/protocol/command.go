// Package protocol converts raw client frames into typed commands and typed
// relay messages into frames. It knows nothing about connections or storage.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nbd-wtf/go-nostr"

	"github.com/flitsinc/go-relay/internal/filter"
	"github.com/flitsinc/go-relay/internal/idgen"
)

var ErrInvalid = errors.New("invalid message")

// Command is one decoded client request.
type Command interface {
	Verb() string
}

type Publish struct {
	Event *nostr.Event
}

type Subscribe struct {
	ID      string
	Filters filter.Filters
}

type Unsubscribe struct {
	ID string
}

type Count struct {
	ID      string
	Filters filter.Filters
}

// AuthResponse carries a signed kind 22242 event. Pubkey is empty until an
// authentication unit has verified the event.
type AuthResponse struct {
	Event  *nostr.Event
	Pubkey string
}

// Close is produced by the transport rather than by the client; it is queued
// behind every command read before the connection went away.
type Close struct {
	Reason string
}

func (Publish) Verb() string      { return "EVENT" }
func (Subscribe) Verb() string    { return "REQ" }
func (Unsubscribe) Verb() string  { return "CLOSE" }
func (Count) Verb() string        { return "COUNT" }
func (AuthResponse) Verb() string { return "AUTH" }
func (Close) Verb() string        { return "DISCONNECT" }

// Decode parses one client frame. A frame holding only whitespace yields a
// nil command and a nil error. Every other failure wraps ErrInvalid.
func Decode(raw []byte) (Command, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, nil
	}
	var parts []json.RawMessage
	if err := json.Unmarshal(raw, &parts); err != nil {
		return nil, fmt.Errorf("%w: could not parse message as a JSON array", ErrInvalid)
	}
	if len(parts) == 0 {
		return nil, fmt.Errorf("%w: empty message", ErrInvalid)
	}
	var verb string
	if err := json.Unmarshal(parts[0], &verb); err != nil {
		return nil, fmt.Errorf("%w: message type must be a string", ErrInvalid)
	}

	switch verb {
	case "EVENT":
		evt, err := decodeEvent(verb, parts)
		if err != nil {
			return nil, err
		}
		return Publish{Event: evt}, nil
	case "AUTH":
		evt, err := decodeEvent(verb, parts)
		if err != nil {
			return nil, err
		}
		return AuthResponse{Event: evt}, nil
	case "REQ", "COUNT":
		if len(parts) < 3 {
			return nil, fmt.Errorf("%w: %s needs a subscription id and at least one filter", ErrInvalid, verb)
		}
		id, err := decodeSubscriptionID(parts[1])
		if err != nil {
			return nil, err
		}
		filters := make(filter.Filters, 0, len(parts)-2)
		for i, rawFilter := range parts[2:] {
			var f filter.Filter
			if err := json.Unmarshal(rawFilter, &f); err != nil {
				return nil, fmt.Errorf("%w: filter %d: %v", ErrInvalid, i, err)
			}
			filters = append(filters, f)
		}
		if verb == "COUNT" {
			return Count{ID: id, Filters: filters}, nil
		}
		return Subscribe{ID: id, Filters: filters}, nil
	case "CLOSE":
		if len(parts) != 2 {
			return nil, fmt.Errorf("%w: CLOSE takes exactly one subscription id", ErrInvalid)
		}
		id, err := decodeSubscriptionID(parts[1])
		if err != nil {
			return nil, err
		}
		return Unsubscribe{ID: id}, nil
	default:
		return nil, fmt.Errorf("%w: unknown message type %q", ErrInvalid, verb)
	}
}

func decodeEvent(verb string, parts []json.RawMessage) (*nostr.Event, error) {
	if len(parts) != 2 {
		return nil, fmt.Errorf("%w: %s takes exactly one event", ErrInvalid, verb)
	}
	var evt nostr.Event
	if err := json.Unmarshal(parts[1], &evt); err != nil {
		return nil, fmt.Errorf("%w: could not parse event: %v", ErrInvalid, err)
	}
	return &evt, nil
}

func decodeSubscriptionID(raw json.RawMessage) (string, error) {
	var id string
	if err := json.Unmarshal(raw, &id); err != nil {
		return "", fmt.Errorf("%w: subscription id must be a string", ErrInvalid)
	}
	if err := idgen.ValidateSubscriptionID(id); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return id, nil
}
