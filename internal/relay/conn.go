package relay

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/flitsinc/go-relay/internal/idgen"
	"github.com/flitsinc/go-relay/internal/metrics"
	"github.com/flitsinc/go-relay/internal/protocol"
	"github.com/flitsinc/go-relay/internal/subscription"
)

// ErrPeerClosed is returned by transports whose peer closed cleanly.
var ErrPeerClosed = errors.New("peer closed the connection")

// Transport is one client connection's framed byte stream. Read returns
// io.EOF or ErrPeerClosed once the peer is gone. Close must unblock a
// pending Read.
type Transport interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close(reason string) error
}

// Params describes a connection at admission time.
type Params struct {
	Scope      string
	RemoteAddr string
}

type State int32

const (
	StateUnauthenticated State = iota
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	default:
		return "closed"
	}
}

// Conn is the relay's view of one client. State only moves forward, except
// Unauthenticated to Active on successful authentication.
type Conn struct {
	id         string
	scope      string
	remoteAddr string
	challenge  string

	pubkey atomic.Pointer[string]
	state  atomic.Int32

	subs      *subscription.Registry
	outbox    *Outbox
	transport Transport
	d         *Dispatcher
	log       *zap.Logger

	// drainCtx bounds the writer once closing starts.
	drainCtx    context.Context
	drainCancel context.CancelFunc
	writerDone  chan struct{}

	closeOnce sync.Once
	reason    atomic.Pointer[string]
	closed    chan struct{}

	// held buffers live events per subscription while its stored results
	// are still being sent.
	heldMu sync.Mutex
	held   map[string][]protocol.EventMessage
}

func newConn(d *Dispatcher, t Transport, p Params) *Conn {
	c := &Conn{
		id:         idgen.ConnID(),
		scope:      p.Scope,
		remoteAddr: p.RemoteAddr,
		challenge:  idgen.Challenge(),
		subs:       subscription.NewRegistry(d.cfg.Limits),
		outbox:     NewOutbox(d.cfg.OutboxSize, d.cfg.Overflow),
		transport:  t,
		d:          d,
		writerDone: make(chan struct{}),
		closed:     make(chan struct{}),
	}
	c.drainCtx, c.drainCancel = context.WithCancel(context.Background())
	c.log = d.log.With(zap.String("conn", c.id), zap.String("scope", c.scope), zap.String("remote", c.remoteAddr))
	initial := StateActive
	if d.chain.RequiresAuth() {
		initial = StateUnauthenticated
	}
	c.state.Store(int32(initial))
	return c
}

func (c *Conn) ID() string         { return c.id }
func (c *Conn) Scope() string      { return c.scope }
func (c *Conn) Challenge() string  { return c.challenge }
func (c *Conn) RemoteAddr() string { return c.remoteAddr }

func (c *Conn) Pubkey() string {
	if pk := c.pubkey.Load(); pk != nil {
		return *pk
	}
	return ""
}

func (c *Conn) State() State {
	return State(c.state.Load())
}

func (c *Conn) Subscriptions() int {
	return c.subs.Len()
}

// Done is closed once the connection reached StateClosed.
func (c *Conn) Done() <-chan struct{} {
	return c.closed
}

func (c *Conn) authenticate(pubkey string) {
	c.pubkey.Store(&pubkey)
	c.state.CompareAndSwap(int32(StateUnauthenticated), int32(StateActive))
}

func (c *Conn) closing() bool {
	return c.State() >= StateClosing
}

// send queues m without blocking. A message refused by a full outbox is
// dropped when it is a live event under DropOldest; anything else closes
// the connection as a slow consumer.
func (c *Conn) send(m protocol.Message) error {
	err := c.outbox.Push(m)
	if errors.Is(err, ErrOutboxFull) && (m.Critical() || c.d.cfg.Overflow == Strict) {
		c.log.Warn("outbox overflow, closing slow consumer", zap.String("message", m.Label()), zap.Int("queued", c.outbox.Len()))
		c.Close(protocol.Reasonf(protocol.PrefixError, "slow consumer"))
	}
	return err
}

// holdLive starts buffering live events for sub instead of queueing them.
func (c *Conn) holdLive(sub string) {
	c.heldMu.Lock()
	defer c.heldMu.Unlock()
	if c.held == nil {
		c.held = map[string][]protocol.EventMessage{}
	}
	c.held[sub] = nil
}

// pushLive queues a live event, or buffers it while its subscription is
// held. The buffer is bounded by the outbox size and follows the overflow
// policy.
func (c *Conn) pushLive(m protocol.EventMessage) error {
	c.heldMu.Lock()
	buf, ok := c.held[m.SubscriptionID]
	if !ok {
		c.heldMu.Unlock()
		return c.send(m)
	}
	var err error
	if len(buf) >= c.d.cfg.OutboxSize {
		if c.d.cfg.Overflow == Strict {
			c.heldMu.Unlock()
			c.log.Warn("held events overflow, closing slow consumer", zap.String("subscription", m.SubscriptionID))
			c.Close(protocol.Reasonf(protocol.PrefixError, "slow consumer"))
			return ErrOutboxFull
		}
		buf = buf[1:]
		err = ErrOutboxFull
	}
	c.held[m.SubscriptionID] = append(buf, m)
	c.heldMu.Unlock()
	return err
}

// releaseLive queues the events held for sub, skipping ids already sent as
// stored results, and stops holding.
func (c *Conn) releaseLive(sub string, sent map[string]struct{}) {
	c.heldMu.Lock()
	defer c.heldMu.Unlock()
	buf, ok := c.held[sub]
	if !ok {
		return
	}
	delete(c.held, sub)
	for _, m := range buf {
		if _, dup := sent[m.Event.ID]; dup {
			continue
		}
		if err := c.send(m); err != nil && !errors.Is(err, ErrOutboxFull) {
			return
		}
	}
}

// dropLive discards anything still held for sub.
func (c *Conn) dropLive(sub string) {
	c.heldMu.Lock()
	delete(c.held, sub)
	c.heldMu.Unlock()
}

// sendWait queues m, blocking this connection's reader until there is room.
func (c *Conn) sendWait(ctx context.Context, m protocol.Message) error {
	return c.outbox.PushWait(ctx, m)
}

// Close moves the connection to Closing. Queued messages are flushed until
// the outbox drains or the close grace elapses, then the connection is
// finalized. Close is idempotent and never blocks.
func (c *Conn) Close(reason string) {
	c.closeOnce.Do(func() {
		c.reason.Store(&reason)
		c.state.Store(int32(StateClosing))
		c.outbox.Close()
		go c.awaitDrain()
	})
}

func (c *Conn) awaitDrain() {
	timer := c.d.clock.Timer(c.d.cfg.CloseGrace)
	defer timer.Stop()
	select {
	case <-c.writerDone:
	case <-timer.C:
		c.drainCancel()
		<-c.writerDone
	}
	c.finalize()
}

func (c *Conn) finalize() {
	c.drainCancel()
	c.state.Store(int32(StateClosed))
	removed := c.subs.RemoveAll()
	metrics.SubscriptionsActive.Sub(float64(removed))
	c.d.index.Remove(c)
	c.d.chain.ConnClosed(c.id)
	reason := ""
	if r := c.reason.Load(); r != nil {
		reason = *r
	}
	if err := c.transport.Close(reason); err != nil {
		c.log.Debug("close transport", zap.Error(err))
	}
	metrics.ConnectionsActive.Dec()
	c.log.Debug("connection closed", zap.String("reason", reason))
	close(c.closed)
}

func (c *Conn) writeLoop() {
	defer close(c.writerDone)
	for {
		m, err := c.outbox.Pop(c.drainCtx)
		if err != nil {
			return
		}
		data, err := protocol.Encode(m)
		if err != nil {
			c.log.Error("encode message", zap.Error(err))
			continue
		}
		ctx, cancel := context.WithTimeout(c.drainCtx, c.d.cfg.WriteTimeout)
		err = c.transport.Write(ctx, data)
		cancel()
		if err != nil {
			if !c.closing() {
				c.log.Info("write failed", zap.Error(err))
			}
			c.Close(protocol.Reasonf(protocol.PrefixError, "write failed"))
			return
		}
	}
}
