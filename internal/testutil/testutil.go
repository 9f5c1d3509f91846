package testutil

import (
	"path/filepath"
	"testing"

	"github.com/nbd-wtf/go-nostr"

	"github.com/flitsinc/go-relay/internal/store"
)

func OpenTestStore(t testing.TB) *store.SQLite {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "test.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	s := store.NewSQLite(db)
	t.Cleanup(func() {
		_ = s.Close()
	})
	return s
}

// Keys is a throwaway signing identity.
type Keys struct {
	Secret string
	Public string
}

func NewKeys(t testing.TB) Keys {
	t.Helper()
	sk := nostr.GeneratePrivateKey()
	pk, err := nostr.GetPublicKey(sk)
	if err != nil {
		t.Fatalf("derive pubkey: %v", err)
	}
	return Keys{Secret: sk, Public: pk}
}

// Sign fills in pubkey, id and signature. A zero created_at becomes now.
func (k Keys) Sign(t testing.TB, evt nostr.Event) *nostr.Event {
	t.Helper()
	if evt.CreatedAt == 0 {
		evt.CreatedAt = nostr.Now()
	}
	if evt.Tags == nil {
		evt.Tags = nostr.Tags{}
	}
	if err := evt.Sign(k.Secret); err != nil {
		t.Fatalf("sign event: %v", err)
	}
	return &evt
}
