// Package store persists events per scope. The relay core only depends on
// the Store interface; SQLite is the bundled implementation.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/nbd-wtf/go-nostr"

	"github.com/flitsinc/go-relay/internal/event"
	"github.com/flitsinc/go-relay/internal/filter"
	"github.com/flitsinc/go-relay/internal/protocol"
)

type Status uint8

const (
	Inserted Status = iota
	Duplicate
	Rejected
)

func (s Status) String() string {
	switch s {
	case Duplicate:
		return "duplicate"
	case Rejected:
		return "rejected"
	default:
		return "inserted"
	}
}

// Result is the outcome of an insert. Reason carries a prefixed,
// client-facing explanation for Duplicate and Rejected.
type Result struct {
	Status Status
	Reason string
}

// Item is the reconciliation view of a stored event.
type Item struct {
	ID        string
	CreatedAt nostr.Timestamp
}

type Store interface {
	Insert(ctx context.Context, scope string, evt *nostr.Event) (Result, error)
	// Query returns at most limit matching events, newest first with ties
	// broken by ascending id.
	Query(ctx context.Context, scope string, f filter.Filter, limit int) ([]*nostr.Event, error)
	Count(ctx context.Context, scope string, filters filter.Filters) (int64, error)
	Items(ctx context.Context, scope string, f filter.Filter) ([]Item, error)
	Get(ctx context.Context, scope string, ids []string) ([]*nostr.Event, error)
}

var ErrNotStorable = errors.New("event is not storable")

type SQLite struct {
	db *sql.DB

	// SQLite allows one writer; serializing here avoids busy upgrades
	// from deferred transactions.
	writeMu sync.Mutex
}

func NewSQLite(db *sql.DB) *SQLite {
	return &SQLite{db: db}
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) Insert(ctx context.Context, scope string, evt *nostr.Event) (Result, error) {
	class := event.Classify(evt.Kind)
	if class == event.Ephemeral {
		return Result{}, fmt.Errorf("%w: kind %d is ephemeral", ErrNotStorable, evt.Kind)
	}
	raw, err := json.Marshal(evt)
	if err != nil {
		return Result{}, fmt.Errorf("encode event: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Result{}, fmt.Errorf("begin insert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var one int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM events WHERE scope = ? AND id = ?`, scope, evt.ID).Scan(&one)
	switch {
	case err == nil:
		return Result{Status: Duplicate, Reason: protocol.Reasonf(protocol.PrefixDuplicate, "already have this event")}, nil
	case !errors.Is(err, sql.ErrNoRows):
		return Result{}, fmt.Errorf("check duplicate: %w", err)
	}

	dTag := ""
	if class == event.Addressable {
		dTag = event.DTag(evt)
	}
	deleted, err := tombstoned(ctx, tx, scope, evt, class, dTag)
	if err != nil {
		return Result{}, err
	}
	if deleted {
		return Result{Status: Rejected, Reason: protocol.Reasonf(protocol.PrefixBlocked, "event was deleted")}, nil
	}

	if class == event.Replaceable || class == event.Addressable {
		newer, err := supersede(ctx, tx, scope, evt, dTag)
		if err != nil {
			return Result{}, err
		}
		if newer {
			return Result{Status: Rejected, Reason: protocol.Reasonf(protocol.PrefixDuplicate, "have a newer version")}, nil
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO events (scope, id, pubkey, kind, created_at, d_tag, raw)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, scope, evt.ID, evt.PubKey, evt.Kind, int64(evt.CreatedAt), dTag, string(raw)); err != nil {
		return Result{}, fmt.Errorf("insert event: %w", err)
	}
	for _, tag := range evt.Tags {
		if len(tag) < 2 {
			continue
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO event_tags (scope, event_id, name, value) VALUES (?, ?, ?, ?)`,
			scope, evt.ID, tag[0], tag[1]); err != nil {
			return Result{}, fmt.Errorf("insert tag: %w", err)
		}
	}

	if evt.Kind == event.KindDeletion {
		if err := applyDeletion(ctx, tx, scope, evt); err != nil {
			return Result{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return Result{}, fmt.Errorf("commit insert: %w", err)
	}
	return Result{Status: Inserted}, nil
}

// tombstoned reports whether a deletion by the same author covers evt. Id
// tombstones carry the maximum deleted_at so they apply at any timestamp.
func tombstoned(ctx context.Context, tx *sql.Tx, scope string, evt *nostr.Event, class event.Class, dTag string) (bool, error) {
	targets := []any{evt.ID}
	if class == event.Replaceable || class == event.Addressable {
		targets = append(targets, address(evt.Kind, evt.PubKey, dTag))
	}
	query := fmt.Sprintf(`SELECT 1 FROM deletions WHERE scope = ? AND pubkey = ? AND deleted_at >= ? AND target IN (%s) LIMIT 1`, placeholders(len(targets)))
	args := append([]any{scope, evt.PubKey, int64(evt.CreatedAt)}, targets...)
	var one int
	err := tx.QueryRowContext(ctx, query, args...).Scan(&one)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, sql.ErrNoRows):
		return false, nil
	default:
		return false, fmt.Errorf("check deletions: %w", err)
	}
}

// supersede removes an older version of a replaceable or addressable event.
// It reports true when the stored version wins instead.
func supersede(ctx context.Context, tx *sql.Tx, scope string, evt *nostr.Event, dTag string) (bool, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id, created_at FROM events WHERE scope = ? AND pubkey = ? AND kind = ? AND d_tag = ?`,
		scope, evt.PubKey, evt.Kind, dTag)
	if err != nil {
		return false, fmt.Errorf("find previous version: %w", err)
	}
	type version struct {
		id        string
		createdAt int64
	}
	var previous []version
	for rows.Next() {
		var v version
		if err := rows.Scan(&v.id, &v.createdAt); err != nil {
			rows.Close()
			return false, fmt.Errorf("scan previous version: %w", err)
		}
		previous = append(previous, v)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return false, fmt.Errorf("iterate previous versions: %w", err)
	}

	created := int64(evt.CreatedAt)
	for _, v := range previous {
		if v.createdAt > created || (v.createdAt == created && v.id < evt.ID) {
			return true, nil
		}
	}
	for _, v := range previous {
		if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE scope = ? AND id = ?`, scope, v.id); err != nil {
			return false, fmt.Errorf("delete previous version: %w", err)
		}
	}
	return false, nil
}

const tombstoneForever = int64(1<<62 - 1)

func applyDeletion(ctx context.Context, tx *sql.Tx, scope string, del *nostr.Event) error {
	for _, id := range event.TagValues(del, "e") {
		if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE scope = ? AND id = ? AND pubkey = ? AND kind != ?`,
			scope, id, del.PubKey, event.KindDeletion); err != nil {
			return fmt.Errorf("delete referenced event: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO deletions (scope, target, pubkey, deleted_at) VALUES (?, ?, ?, ?)`,
			scope, id, del.PubKey, tombstoneForever); err != nil {
			return fmt.Errorf("record deletion: %w", err)
		}
	}
	for _, value := range event.TagValues(del, "a") {
		addr, ok := event.ParseAddress(value)
		if !ok || addr.Pubkey != del.PubKey {
			continue
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE scope = ? AND pubkey = ? AND kind = ? AND d_tag = ? AND created_at <= ?`,
			scope, addr.Pubkey, addr.Kind, addr.D, int64(del.CreatedAt)); err != nil {
			return fmt.Errorf("delete referenced address: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO deletions (scope, target, pubkey, deleted_at) VALUES (?, ?, ?, ?)
			ON CONFLICT(scope, target, pubkey) DO UPDATE SET deleted_at = MAX(deleted_at, excluded.deleted_at)
		`, scope, address(addr.Kind, addr.Pubkey, addr.D), del.PubKey, int64(del.CreatedAt)); err != nil {
			return fmt.Errorf("record deletion: %w", err)
		}
	}
	return nil
}

func (s *SQLite) Query(ctx context.Context, scope string, f filter.Filter, limit int) ([]*nostr.Event, error) {
	if limit <= 0 {
		return nil, nil
	}
	where, args := whereFilter(f)
	query := fmt.Sprintf(`SELECT e.raw FROM events e WHERE e.scope = ? AND %s ORDER BY e.created_at DESC, e.id ASC LIMIT ?`, where)
	args = append(append([]any{scope}, args...), limit)
	return s.queryEvents(ctx, query, args...)
}

func (s *SQLite) Count(ctx context.Context, scope string, filters filter.Filters) (int64, error) {
	if len(filters) == 0 {
		return 0, nil
	}
	clauses := make([]string, 0, len(filters))
	args := []any{scope}
	for _, f := range filters {
		where, fargs := whereFilter(f)
		clauses = append(clauses, "("+where+")")
		args = append(args, fargs...)
	}
	query := fmt.Sprintf(`SELECT COUNT(*) FROM events e WHERE e.scope = ? AND (%s)`, strings.Join(clauses, " OR "))
	var n int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

func (s *SQLite) Items(ctx context.Context, scope string, f filter.Filter) ([]Item, error) {
	where, args := whereFilter(f)
	query := fmt.Sprintf(`SELECT e.id, e.created_at FROM events e WHERE e.scope = ? AND %s ORDER BY e.created_at ASC, e.id ASC`, where)
	rows, err := s.db.QueryContext(ctx, query, append([]any{scope}, args...)...)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	defer rows.Close()

	var out []Item
	for rows.Next() {
		var item Item
		var createdAt int64
		if err := rows.Scan(&item.ID, &createdAt); err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		item.CreatedAt = nostr.Timestamp(createdAt)
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate items: %w", err)
	}
	return out, nil
}

func (s *SQLite) Get(ctx context.Context, scope string, ids []string) ([]*nostr.Event, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := []any{scope}
	for _, id := range ids {
		args = append(args, id)
	}
	query := fmt.Sprintf(`SELECT e.raw FROM events e WHERE e.scope = ? AND e.id IN (%s) ORDER BY e.created_at ASC, e.id ASC`, placeholders(len(ids)))
	return s.queryEvents(ctx, query, args...)
}

func (s *SQLite) queryEvents(ctx context.Context, query string, args ...any) ([]*nostr.Event, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []*nostr.Event
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		var evt nostr.Event
		if err := json.Unmarshal([]byte(raw), &evt); err != nil {
			return nil, fmt.Errorf("decode stored event: %w", err)
		}
		out = append(out, &evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}

// whereFilter renders f as a condition over the events table aliased e.
func whereFilter(f filter.Filter) (string, []any) {
	conds := []string{"1 = 1"}
	var args []any
	in := func(column string, values []any) {
		conds = append(conds, fmt.Sprintf("%s IN (%s)", column, placeholders(len(values))))
		args = append(args, values...)
	}
	if len(f.IDs) > 0 {
		in("e.id", toAny(f.IDs))
	}
	if len(f.Authors) > 0 {
		in("e.pubkey", toAny(f.Authors))
	}
	if len(f.Kinds) > 0 {
		kinds := make([]any, len(f.Kinds))
		for i, k := range f.Kinds {
			kinds[i] = k
		}
		in("e.kind", kinds)
	}
	if f.Since != nil {
		conds = append(conds, "e.created_at >= ?")
		args = append(args, int64(*f.Since))
	}
	if f.Until != nil {
		conds = append(conds, "e.created_at <= ?")
		args = append(args, int64(*f.Until))
	}
	for name, values := range f.Tags {
		if len(values) == 0 {
			continue
		}
		conds = append(conds, fmt.Sprintf(
			"EXISTS (SELECT 1 FROM event_tags t WHERE t.scope = e.scope AND t.event_id = e.id AND t.name = ? AND t.value IN (%s))",
			placeholders(len(values))))
		args = append(args, name)
		args = append(args, toAny(values)...)
	}
	return strings.Join(conds, " AND "), args
}

func address(kind int, pubkey, d string) string {
	return fmt.Sprintf("%d:%s:%s", kind, pubkey, d)
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func toAny(values []string) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}
