package relay

import (
	"sort"
	"sync"
)

// Index is the set of live connections, partitioned by scope. The lock is
// held only to add, remove or copy; fan-out works on the copy.
type Index struct {
	mu     sync.RWMutex
	scopes map[string]map[string]*Conn
}

func NewIndex() *Index {
	return &Index{scopes: map[string]map[string]*Conn{}}
}

func (x *Index) Add(c *Conn) {
	x.mu.Lock()
	defer x.mu.Unlock()
	conns, ok := x.scopes[c.scope]
	if !ok {
		conns = map[string]*Conn{}
		x.scopes[c.scope] = conns
	}
	conns[c.id] = c
}

func (x *Index) Remove(c *Conn) {
	x.mu.Lock()
	defer x.mu.Unlock()
	conns := x.scopes[c.scope]
	delete(conns, c.id)
	if len(conns) == 0 {
		delete(x.scopes, c.scope)
	}
}

// Snapshot copies the connections of one scope.
func (x *Index) Snapshot(scope string) []*Conn {
	x.mu.RLock()
	defer x.mu.RUnlock()
	conns := x.scopes[scope]
	out := make([]*Conn, 0, len(conns))
	for _, c := range conns {
		out = append(out, c)
	}
	return out
}

// All copies every connection.
func (x *Index) All() []*Conn {
	x.mu.RLock()
	defer x.mu.RUnlock()
	var out []*Conn
	for _, conns := range x.scopes {
		for _, c := range conns {
			out = append(out, c)
		}
	}
	return out
}

func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	n := 0
	for _, conns := range x.scopes {
		n += len(conns)
	}
	return n
}

type ScopeStats struct {
	Scope         string `json:"scope"`
	Connections   int    `json:"connections"`
	Subscriptions int    `json:"subscriptions"`
}

// Stats summarizes each scope, sorted by scope name.
func (x *Index) Stats() []ScopeStats {
	x.mu.RLock()
	out := make([]ScopeStats, 0, len(x.scopes))
	for scope, conns := range x.scopes {
		st := ScopeStats{Scope: scope, Connections: len(conns)}
		for _, c := range conns {
			st.Subscriptions += c.subs.Len()
		}
		out = append(out, st)
	}
	x.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Scope < out[j].Scope })
	return out
}
