// Package reconcile syncs a scope's stored events with another relay. The
// comparison itself sits behind Reconciler; whatever it decides is fed
// through the relay's publish path and the store's read path.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/flitsinc/go-relay/internal/filter"
	"github.com/flitsinc/go-relay/internal/relay"
	"github.com/flitsinc/go-relay/internal/store"
)

// Delta is the outcome of a reconciliation: Have lists ids the peer is
// missing, Need lists ids to fetch from the peer.
type Delta struct {
	Have []string
	Need []string
}

type Reconciler interface {
	Reconcile(ctx context.Context, local []store.Item) (Delta, error)
}

type Peer interface {
	Items(ctx context.Context, f filter.Filter) ([]store.Item, error)
	Fetch(ctx context.Context, ids []string) ([]*nostr.Event, error)
	// Send publishes events to the peer and reports how many it accepted.
	Send(ctx context.Context, events []*nostr.Event) (int, error)
}

// Ingester is the relay's publish path. *relay.Dispatcher implements it.
type Ingester interface {
	Ingest(ctx context.Context, scope string, evt *nostr.Event) (store.Result, error)
}

// ListDiff compares the full local list with the peer's full list.
type ListDiff struct {
	Peer   Peer
	Filter filter.Filter
}

func (l ListDiff) Reconcile(ctx context.Context, local []store.Item) (Delta, error) {
	remote, err := l.Peer.Items(ctx, l.Filter)
	if err != nil {
		return Delta{}, fmt.Errorf("list peer items: %w", err)
	}
	return Diff(local, remote), nil
}

// Diff returns the symmetric difference of two item lists, oldest first.
func Diff(local, remote []store.Item) Delta {
	inLocal := make(map[string]struct{}, len(local))
	for _, item := range local {
		inLocal[item.ID] = struct{}{}
	}
	inRemote := make(map[string]struct{}, len(remote))
	for _, item := range remote {
		inRemote[item.ID] = struct{}{}
	}

	var have, need []store.Item
	for _, item := range local {
		if _, ok := inRemote[item.ID]; !ok {
			have = append(have, item)
		}
	}
	for _, item := range remote {
		if _, ok := inLocal[item.ID]; !ok {
			need = append(need, item)
			inLocal[item.ID] = struct{}{}
		}
	}
	return Delta{Have: ids(have), Need: ids(need)}
}

func ids(items []store.Item) []string {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].CreatedAt != items[j].CreatedAt {
			return items[i].CreatedAt < items[j].CreatedAt
		}
		return items[i].ID < items[j].ID
	})
	out := make([]string, len(items))
	for i, item := range items {
		out[i] = item.ID
	}
	return out
}

type Direction uint8

const (
	Both Direction = iota
	Down
	Up
)

func ParseDirection(s string) (Direction, error) {
	switch s {
	case "", "both":
		return Both, nil
	case "down":
		return Down, nil
	case "up":
		return Up, nil
	}
	return 0, fmt.Errorf("unknown sync direction %q", s)
}

func (d Direction) String() string {
	switch d {
	case Down:
		return "down"
	case Up:
		return "up"
	default:
		return "both"
	}
}

type Stats struct {
	Local      int `json:"local"`
	Need       int `json:"need"`
	Have       int `json:"have"`
	Fetched    int `json:"fetched"`
	Stored     int `json:"stored"`
	Duplicates int `json:"duplicates"`
	Rejected   int `json:"rejected"`
	Sent       int `json:"sent"`
}

// Session syncs one scope and filter with one peer.
type Session struct {
	Scope      string
	Filter     filter.Filter
	Store      store.Store
	Ingester   Ingester
	Peer       Peer
	Reconciler Reconciler
	Direction  Direction
	// BatchSize bounds ids per Fetch and events per Send.
	BatchSize int
	Log       *zap.Logger
}

const defaultBatchSize = 500

func (s *Session) Run(ctx context.Context) (Stats, error) {
	var st Stats
	log := s.Log
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("scope", s.Scope), zap.Stringer("direction", s.Direction))
	batch := s.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	reconciler := s.Reconciler
	if reconciler == nil {
		reconciler = ListDiff{Peer: s.Peer, Filter: s.Filter}
	}

	local, err := s.Store.Items(ctx, s.Scope, s.Filter)
	if err != nil {
		return st, fmt.Errorf("snapshot local items: %w", err)
	}
	st.Local = len(local)
	delta, err := reconciler.Reconcile(ctx, local)
	if err != nil {
		return st, err
	}
	st.Need, st.Have = len(delta.Need), len(delta.Have)
	log.Info("reconciled", zap.Int("local", st.Local), zap.Int("need", st.Need), zap.Int("have", st.Have))

	g, gctx := errgroup.WithContext(ctx)
	if s.Direction != Up {
		g.Go(func() error { return s.pull(gctx, log, delta.Need, batch, &st) })
	}
	if s.Direction != Down {
		g.Go(func() error { return s.push(gctx, delta.Have, batch, &st) })
	}
	err = g.Wait()
	log.Info("sync finished",
		zap.Int("fetched", st.Fetched),
		zap.Int("stored", st.Stored),
		zap.Int("duplicates", st.Duplicates),
		zap.Int("rejected", st.Rejected),
		zap.Int("sent", st.Sent),
		zap.Error(err))
	return st, err
}

// pull fetches needed events and runs each through the publish path. Events
// refused by validation or policy are counted; storage failures abort.
func (s *Session) pull(ctx context.Context, log *zap.Logger, need []string, batch int, st *Stats) error {
	for start := 0; start < len(need); start += batch {
		chunk := need[start:min(start+batch, len(need))]
		wanted := make(map[string]struct{}, len(chunk))
		for _, id := range chunk {
			wanted[id] = struct{}{}
		}
		events, err := s.Peer.Fetch(ctx, chunk)
		if err != nil {
			return fmt.Errorf("fetch from peer: %w", err)
		}
		sort.SliceStable(events, func(i, j int) bool { return events[i].CreatedAt < events[j].CreatedAt })
		for _, evt := range events {
			if _, ok := wanted[evt.ID]; !ok {
				continue
			}
			delete(wanted, evt.ID)
			st.Fetched++
			res, err := s.Ingester.Ingest(ctx, s.Scope, evt)
			switch {
			case errors.Is(err, relay.ErrStorage):
				return fmt.Errorf("ingest %s: %w", evt.ID, err)
			case err != nil:
				st.Rejected++
				log.Debug("event refused", zap.String("event", evt.ID), zap.Error(err))
			case res.Status == store.Inserted:
				st.Stored++
			case res.Status == store.Duplicate:
				st.Duplicates++
			default:
				st.Rejected++
				log.Debug("event refused", zap.String("event", evt.ID), zap.String("reason", res.Reason))
			}
		}
	}
	return nil
}

func (s *Session) push(ctx context.Context, have []string, batch int, st *Stats) error {
	for start := 0; start < len(have); start += batch {
		events, err := s.Store.Get(ctx, s.Scope, have[start:min(start+batch, len(have))])
		if err != nil {
			return fmt.Errorf("read local events: %w", err)
		}
		sent, err := s.Peer.Send(ctx, events)
		st.Sent += sent
		if err != nil {
			return fmt.Errorf("send to peer: %w", err)
		}
	}
	return nil
}

// Periodic calls run every interval until ctx is done. The first run starts
// immediately.
func Periodic(ctx context.Context, clk clock.Clock, interval time.Duration, run func(context.Context)) {
	if clk == nil {
		clk = clock.New()
	}
	ticker := clk.Ticker(interval)
	defer ticker.Stop()
	for {
		run(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
