// Package event holds the rules every relay component applies to events:
// verification of the content-derived id and signature, and the kind ranges
// that decide how storage treats an event.
package event

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/nbd-wtf/go-nostr"
)

const (
	KindDeletion   = 5
	KindClientAuth = 22242
)

var (
	ErrMalformed    = errors.New("malformed event")
	ErrIDMismatch   = errors.New("event id does not match its content")
	ErrBadSignature = errors.New("signature verification failed")
)

// Class is the storage behaviour implied by an event kind.
type Class uint8

const (
	Regular Class = iota
	Replaceable
	Ephemeral
	Addressable
)

func (c Class) String() string {
	switch c {
	case Replaceable:
		return "replaceable"
	case Ephemeral:
		return "ephemeral"
	case Addressable:
		return "addressable"
	default:
		return "regular"
	}
}

func Classify(kind int) Class {
	switch {
	case kind == 0 || kind == 3 || (kind >= 10000 && kind < 20000):
		return Replaceable
	case kind >= 20000 && kind < 30000:
		return Ephemeral
	case kind >= 30000 && kind < 40000:
		return Addressable
	default:
		return Regular
	}
}

// Verify checks the shape of evt, that its id is the hash of its serialized
// content and that the signature was produced by its author.
func Verify(evt *nostr.Event) error {
	if evt == nil {
		return fmt.Errorf("%w: missing event", ErrMalformed)
	}
	if !isHex(evt.ID, 64) {
		return fmt.Errorf("%w: id must be 64 hex characters", ErrMalformed)
	}
	if !isHex(evt.PubKey, 64) {
		return fmt.Errorf("%w: pubkey must be 64 hex characters", ErrMalformed)
	}
	if !isHex(evt.Sig, 128) {
		return fmt.Errorf("%w: sig must be 128 hex characters", ErrMalformed)
	}
	if evt.Kind < 0 || evt.Kind > 65535 {
		return fmt.Errorf("%w: kind %d out of range", ErrMalformed, evt.Kind)
	}
	if evt.GetID() != evt.ID {
		return ErrIDMismatch
	}
	ok, err := evt.CheckSignature()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if !ok {
		return ErrBadSignature
	}
	return nil
}

// TagValues returns the first value of every tag named name, in tag order.
func TagValues(evt *nostr.Event, name string) []string {
	var out []string
	for _, tag := range evt.Tags {
		if len(tag) >= 2 && tag[0] == name {
			out = append(out, tag[1])
		}
	}
	return out
}

// DTag returns the identifier of an addressable event, "" when absent.
func DTag(evt *nostr.Event) string {
	for _, tag := range evt.Tags {
		if len(tag) >= 2 && tag[0] == "d" {
			return tag[1]
		}
	}
	return ""
}

// Address is the "kind:pubkey:d" coordinate used by a-tags.
type Address struct {
	Kind   int
	Pubkey string
	D      string
}

func ParseAddress(value string) (Address, bool) {
	parts := strings.SplitN(value, ":", 3)
	if len(parts) != 3 {
		return Address{}, false
	}
	kind, err := strconv.Atoi(parts[0])
	if err != nil || kind < 0 {
		return Address{}, false
	}
	if !isHex(parts[1], 64) {
		return Address{}, false
	}
	return Address{Kind: kind, Pubkey: parts[1], D: parts[2]}, true
}

func isHex(s string, size int) bool {
	if len(s) != size {
		return false
	}
	if strings.ToLower(s) != s {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
