package idgen

import (
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// New returns a UUIDv7 identifier string.
// If UUIDv7 generation fails, it falls back to a random UUIDv4.
func New() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// ConnID returns a lexically sortable connection identifier.
func ConnID() string {
	return ulid.Make().String()
}

// Challenge returns an unguessable string for NIP-42 authentication.
func Challenge() string {
	return uuid.NewString()
}
