// Package subscription keeps the named subscriptions of one connection.
//
// Readers never block: Matching and Get load an immutable snapshot, while
// writers serialize on a mutex and publish a fresh snapshot on every change.
// Fan-out can therefore evaluate a connection's subscriptions concurrently
// with that connection opening or closing them.
package subscription

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/flitsinc/go-relay/internal/filter"
)

var ErrLimitExceeded = errors.New("subscription limit exceeded")

// Limits bounds what one connection may register. Zero means unlimited.
type Limits struct {
	MaxSubscriptions int
	MaxFilters       int
	MaxFilterValues  int
}

type Subscription struct {
	Name      string
	Filters   filter.Filters
	CreatedAt time.Time
}

type snapshot struct {
	// order is creation order; replacing keeps the original position.
	order  []string
	byName map[string]*Subscription
}

type Registry struct {
	limits Limits
	now    func() time.Time

	mu   sync.Mutex
	snap atomic.Pointer[snapshot]
}

func NewRegistry(limits Limits) *Registry {
	r := &Registry{limits: limits, now: time.Now}
	r.snap.Store(&snapshot{byName: map[string]*Subscription{}})
	return r
}

// Check reports whether registering filters under name would stay within
// the limits, without touching the registry.
func (r *Registry) Check(name string, filters filter.Filters) error {
	if err := r.CheckFilters(filters); err != nil {
		return err
	}
	return r.checkCount(r.snap.Load(), name)
}

// CheckFilters applies only the per-request limits, for one-shot queries
// that never register.
func (r *Registry) CheckFilters(filters filter.Filters) error {
	if r.limits.MaxFilters > 0 && len(filters) > r.limits.MaxFilters {
		return fmt.Errorf("%w: %d filters, at most %d allowed", ErrLimitExceeded, len(filters), r.limits.MaxFilters)
	}
	if r.limits.MaxFilterValues > 0 {
		for _, f := range filters {
			if n := f.Complexity(); n > r.limits.MaxFilterValues {
				return fmt.Errorf("%w: filter has %d values, at most %d allowed", ErrLimitExceeded, n, r.limits.MaxFilterValues)
			}
		}
	}
	return nil
}

// checkCount allows replacing an existing name even at the cap.
func (r *Registry) checkCount(cur *snapshot, name string) error {
	if _, ok := cur.byName[name]; ok || r.limits.MaxSubscriptions <= 0 {
		return nil
	}
	if len(cur.order) >= r.limits.MaxSubscriptions {
		return fmt.Errorf("%w: at most %d subscriptions per connection", ErrLimitExceeded, r.limits.MaxSubscriptions)
	}
	return nil
}

// Upsert registers filters under name, replacing any subscription already
// registered with that name.
func (r *Registry) Upsert(name string, filters filter.Filters) (replaced bool, err error) {
	if err := r.CheckFilters(filters); err != nil {
		return false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.snap.Load()
	if err := r.checkCount(cur, name); err != nil {
		return false, err
	}
	_, replaced = cur.byName[name]

	next := &snapshot{
		order:  cur.order,
		byName: make(map[string]*Subscription, len(cur.byName)+1),
	}
	for k, v := range cur.byName {
		next.byName[k] = v
	}
	sub := &Subscription{Name: name, Filters: append(filter.Filters(nil), filters...), CreatedAt: r.now()}
	if replaced {
		sub.CreatedAt = cur.byName[name].CreatedAt
	} else {
		next.order = append(append([]string(nil), cur.order...), name)
	}
	next.byName[name] = sub
	r.snap.Store(next)
	return replaced, nil
}

// Remove deletes name and reports whether it existed.
func (r *Registry) Remove(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.snap.Load()
	if _, ok := cur.byName[name]; !ok {
		return false
	}
	next := &snapshot{
		order:  make([]string, 0, len(cur.order)-1),
		byName: make(map[string]*Subscription, len(cur.byName)-1),
	}
	for _, n := range cur.order {
		if n != name {
			next.order = append(next.order, n)
			next.byName[n] = cur.byName[n]
		}
	}
	r.snap.Store(next)
	return true
}

// RemoveAll clears the registry and returns how many subscriptions it held.
func (r *Registry) RemoveAll() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.snap.Load().order)
	r.snap.Store(&snapshot{byName: map[string]*Subscription{}})
	return n
}

// Matching returns the names of the subscriptions with at least one filter
// matching evt, in creation order.
func (r *Registry) Matching(evt *nostr.Event) []string {
	cur := r.snap.Load()
	var out []string
	for _, name := range cur.order {
		if cur.byName[name].Filters.Matches(evt) {
			out = append(out, name)
		}
	}
	return out
}

func (r *Registry) Get(name string) (Subscription, bool) {
	sub, ok := r.snap.Load().byName[name]
	if !ok {
		return Subscription{}, false
	}
	return *sub, true
}

func (r *Registry) Len() int {
	return len(r.snap.Load().order)
}

// Names lists subscription names in creation order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.snap.Load().order...)
}
