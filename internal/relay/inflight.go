package relay

import "sync"

// inflight tracks publishes from storage to the end of their fanout. Each
// publish holds a ticket so a caller can wait for the ones already running
// without waiting on publishes that start later.
type inflight struct {
	mu     sync.Mutex
	cond   *sync.Cond
	next   uint64
	active map[uint64]struct{}
}

func newInflight() *inflight {
	f := &inflight{active: map[uint64]struct{}{}}
	f.cond = sync.NewCond(&f.mu)
	return f
}

// begin registers a publish; the returned func marks it finished.
func (f *inflight) begin() func() {
	f.mu.Lock()
	f.next++
	ticket := f.next
	f.active[ticket] = struct{}{}
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		delete(f.active, ticket)
		f.mu.Unlock()
		f.cond.Broadcast()
	}
}

// wait blocks until every publish begun before the call has finished.
func (f *inflight) wait() {
	f.waitFor(f.mark())
}

func (f *inflight) mark() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.next
}

func (f *inflight) waitFor(mark uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for f.runningThrough(mark) {
		f.cond.Wait()
	}
}

func (f *inflight) runningThrough(mark uint64) bool {
	for ticket := range f.active {
		if ticket <= mark {
			return true
		}
	}
	return false
}
