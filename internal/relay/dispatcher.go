// Package relay is the core: it admits connections, runs each client's
// commands in order through the middleware chain, stores accepted events and
// fans them out to matching subscriptions in the same scope.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/nbd-wtf/go-nostr"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/flitsinc/go-relay/internal/event"
	"github.com/flitsinc/go-relay/internal/metrics"
	"github.com/flitsinc/go-relay/internal/middleware"
	"github.com/flitsinc/go-relay/internal/protocol"
	"github.com/flitsinc/go-relay/internal/store"
	"github.com/flitsinc/go-relay/internal/subscription"
)

// Config tunes a Dispatcher. Unset sizes and timeouts take DefaultConfig values.
type Config struct {
	Limits subscription.Limits
	// DefaultLimit applies to filters without a limit; MaxLimit caps any
	// requested limit.
	DefaultLimit int
	MaxLimit     int

	OutboxSize   int
	Overflow     OverflowPolicy
	CloseGrace   time.Duration
	WriteTimeout time.Duration

	FanoutConcurrency int
	SeenCacheSize     int
	// MaxQueryWindows bounds how many older windows a filter re-queries
	// when the outbound chain dropped stored results.
	MaxQueryWindows int
}

// DefaultConfig returns the limits a relay runs with when nothing is configured.
func DefaultConfig() Config {
	return Config{
		Limits:            subscription.Limits{MaxSubscriptions: 20, MaxFilters: 10, MaxFilterValues: 1000},
		DefaultLimit:      500,
		MaxLimit:          5000,
		OutboxSize:        256,
		Overflow:          DropOldest,
		CloseGrace:        2 * time.Second,
		WriteTimeout:      10 * time.Second,
		FanoutConcurrency: 16,
		SeenCacheSize:     65536,
		MaxQueryWindows:   8,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.DefaultLimit <= 0 {
		c.DefaultLimit = def.DefaultLimit
	}
	if c.MaxLimit <= 0 {
		c.MaxLimit = def.MaxLimit
	}
	if c.OutboxSize <= 0 {
		c.OutboxSize = def.OutboxSize
	}
	if c.CloseGrace <= 0 {
		c.CloseGrace = def.CloseGrace
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.FanoutConcurrency <= 0 {
		c.FanoutConcurrency = def.FanoutConcurrency
	}
	if c.SeenCacheSize <= 0 {
		c.SeenCacheSize = def.SeenCacheSize
	}
	if c.MaxQueryWindows <= 0 {
		c.MaxQueryWindows = def.MaxQueryWindows
	}
	return c
}

// Option customizes a Dispatcher built by New.
type Option func(*Dispatcher)

// WithLogger sets the logger; connections log through children of it.
func WithLogger(log *zap.Logger) Option {
	return func(d *Dispatcher) { d.log = log }
}

// WithClock replaces the wall clock, mainly for tests.
func WithClock(clk clock.Clock) Option {
	return func(d *Dispatcher) { d.clock = clk }
}

// Dispatcher owns the live connections, the subscription index and the
// publish path into the store.
type Dispatcher struct {
	store store.Store
	chain *middleware.Chain
	cfg   Config
	log   *zap.Logger
	clock clock.Clock
	index *Index
	// publishing lets a new subscription wait out publishes whose events
	// its stored results may already include.
	publishing *inflight
	// seen holds scope-qualified ids of ephemeral events already relayed.
	seen *lru.Cache[string, struct{}]
}

// New returns a Dispatcher over st. A nil chain runs no middleware.
func New(st store.Store, chain *middleware.Chain, cfg Config, opts ...Option) (*Dispatcher, error) {
	if st == nil {
		return nil, errors.New("relay: store is required")
	}
	if chain == nil {
		chain = middleware.NewChain()
	}
	d := &Dispatcher{
		store: st,
		chain: chain,
		cfg:   cfg.withDefaults(),
		log:   zap.NewNop(),
		clock: clock.New(),
		index: NewIndex(),

		publishing: newInflight(),
	}
	for _, opt := range opts {
		opt(d)
	}
	seen, err := lru.New[string, struct{}](d.cfg.SeenCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create seen cache: %w", err)
	}
	d.seen = seen
	return d, nil
}

func (d *Dispatcher) Config() Config { return d.cfg }

func (d *Dispatcher) Chain() *middleware.Chain { return d.chain }

// Serve runs one connection until it is closed. Commands are handled one at
// a time in arrival order; writes happen on a separate goroutine.
func (d *Dispatcher) Serve(ctx context.Context, t Transport, p Params) error {
	c := newConn(d, t, p)
	d.index.Add(c)
	metrics.ConnectionsActive.Inc()
	c.log.Debug("connection opened", zap.Stringer("state", c.State()))

	go c.writeLoop()
	if d.chain.AuthMode() != middleware.AuthOff {
		_ = c.send(protocol.AuthChallenge{Challenge: c.challenge})
	}

	err := d.readLoop(ctx, c)
	<-c.closed
	return err
}

func (d *Dispatcher) readLoop(ctx context.Context, c *Conn) error {
	for !c.closing() {
		raw, err := c.transport.Read(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, ErrPeerClosed) {
				d.handle(ctx, c, protocol.Close{Reason: "client closed the connection"})
				return nil
			}
			if c.closing() {
				return nil
			}
			c.Close(protocol.Reasonf(protocol.PrefixError, "read failed"))
			if ctx.Err() != nil {
				return nil
			}
			return newError(TransportFailure, "read failed", err)
		}
		cmd, err := protocol.Decode(raw)
		if err != nil {
			metrics.Commands.WithLabelValues("UNKNOWN", "invalid").Inc()
			_ = c.send(protocol.Notice{Message: protocol.Reasonf(protocol.PrefixInvalid, "%s", trimInvalid(err))})
			continue
		}
		if cmd == nil {
			continue
		}
		d.handle(ctx, c, cmd)
	}
	return nil
}

func trimInvalid(err error) string {
	msg := err.Error()
	prefix := protocol.ErrInvalid.Error() + ": "
	if len(msg) > len(prefix) && msg[:len(prefix)] == prefix {
		return msg[len(prefix):]
	}
	return msg
}

// handle runs one command. A panic while handling closes only this
// connection.
func (d *Dispatcher) handle(ctx context.Context, c *Conn, cmd protocol.Command) {
	start := time.Now()
	outcome := "ok"
	defer func() {
		if r := recover(); r != nil {
			outcome = "panic"
			c.log.Error("command panicked", zap.String("command", cmd.Verb()), zap.Any("panic", r), zap.Stack("stack"))
			c.Close(protocol.Reasonf(protocol.PrefixError, "internal error"))
		}
		metrics.Commands.WithLabelValues(cmd.Verb(), outcome).Inc()
		metrics.CommandDuration.WithLabelValues(cmd.Verb()).Observe(float64(time.Since(start).Microseconds()) / 1000)
	}()

	if c.State() == StateUnauthenticated {
		switch cmd.(type) {
		case protocol.AuthResponse, protocol.Unsubscribe, protocol.Close:
		default:
			outcome = "auth-required"
			d.reply(c, cmd, protocol.Reasonf(protocol.PrefixAuthRequired, "authenticate first"))
			return
		}
	}

	switch cmd := cmd.(type) {
	case protocol.Publish:
		outcome = d.publish(ctx, c, cmd)
	case protocol.Subscribe:
		outcome = d.subscribe(ctx, c, cmd)
	case protocol.Unsubscribe:
		outcome = d.unsubscribe(ctx, c, cmd)
	case protocol.Count:
		outcome = d.count(ctx, c, cmd)
	case protocol.AuthResponse:
		outcome = d.auth(ctx, c, cmd)
	case protocol.Close:
		c.Close(cmd.Reason)
	default:
		outcome = "unsupported"
		_ = c.send(protocol.Notice{Message: protocol.Reasonf(protocol.PrefixInvalid, "unsupported command %s", cmd.Verb())})
	}
}

// reply reports a refused command in the form its verb expects.
func (d *Dispatcher) reply(c *Conn, cmd protocol.Command, reason string) {
	switch cmd := cmd.(type) {
	case protocol.Publish:
		_ = c.send(protocol.OK{EventID: cmd.Event.ID, Reason: reason})
	case protocol.AuthResponse:
		_ = c.send(protocol.OK{EventID: cmd.Event.ID, Reason: reason})
	case protocol.Subscribe:
		_ = c.send(protocol.Closed{SubscriptionID: cmd.ID, Reason: reason})
	case protocol.Count:
		_ = c.send(protocol.Closed{SubscriptionID: cmd.ID, Reason: reason})
	default:
		_ = c.send(protocol.Notice{Message: reason})
	}
}

// inbound runs the chain and handles refusals. It returns the possibly
// rewritten command and whether processing should continue.
func (d *Dispatcher) inbound(ctx context.Context, c *Conn, cmd protocol.Command) (protocol.Command, string, bool) {
	res := d.chain.Inbound(ctx, c, cmd)
	switch res.Verdict {
	case middleware.VerdictReject:
		c.log.Debug("command rejected", zap.String("command", cmd.Verb()), zap.String("unit", res.Unit), zap.String("reason", res.Reason))
		d.reply(c, cmd, res.Reason)
		return nil, "rejected", false
	case middleware.VerdictTerminate:
		d.terminate(c, res.Unit, res.Reason)
		return nil, "terminated", false
	}
	return res.Command, "", true
}

func (d *Dispatcher) terminate(c *Conn, unit, reason string) {
	c.log.Info("terminating connection", zap.String("unit", unit), zap.String("reason", reason))
	_ = c.send(protocol.Notice{Message: reason})
	c.Close(reason)
}

func (d *Dispatcher) publish(ctx context.Context, c *Conn, cmd protocol.Publish) string {
	defer d.publishing.begin()()
	res, evt, err := d.accept(ctx, c, cmd.Event)
	if err != nil {
		var rerr *Error
		if !errors.As(err, &rerr) {
			rerr = newError(StorageFailure, protocol.Reasonf(protocol.PrefixError, "internal error"), err)
		}
		switch rerr.Kind {
		case FatalProtocolViolation:
			d.terminate(c, "", rerr.Reason)
		case StorageFailure:
			c.log.Error("store event", zap.String("event", cmd.Event.ID), zap.Error(rerr.Err))
			_ = c.send(protocol.OK{EventID: cmd.Event.ID, Reason: rerr.Reason})
		default:
			_ = c.send(protocol.OK{EventID: cmd.Event.ID, Reason: rerr.Reason})
		}
		return rerr.Kind.String()
	}

	switch res.Status {
	case store.Inserted:
		_ = c.send(protocol.OK{EventID: evt.ID, Accepted: true})
		d.fanout(ctx, c.scope, evt)
	case store.Duplicate:
		_ = c.send(protocol.OK{EventID: evt.ID, Accepted: true, Reason: res.Reason})
	default:
		_ = c.send(protocol.OK{EventID: evt.ID, Reason: res.Reason})
	}
	return res.Status.String()
}

// accept is the publish path up to storage, shared by client publishes and
// Ingest. Refusals come back as *Error.
func (d *Dispatcher) accept(ctx context.Context, conn middleware.ConnInfo, evt *nostr.Event) (store.Result, *nostr.Event, error) {
	if err := event.Verify(evt); err != nil {
		return store.Result{}, nil, newError(ValidationError, protocol.Reasonf(protocol.PrefixInvalid, "%v", err), err)
	}
	res := d.chain.Inbound(ctx, conn, protocol.Publish{Event: evt})
	switch res.Verdict {
	case middleware.VerdictReject:
		return store.Result{}, nil, newError(PolicyRejection, res.Reason, nil)
	case middleware.VerdictTerminate:
		return store.Result{}, nil, newError(FatalProtocolViolation, res.Reason, nil)
	}
	if pub, ok := res.Command.(protocol.Publish); ok && pub.Event != nil && pub.Event != evt {
		if err := event.Verify(pub.Event); err != nil {
			return store.Result{}, nil, newError(ValidationError, protocol.Reasonf(protocol.PrefixInvalid, "rewritten event: %v", err), err)
		}
		evt = pub.Event
	}

	// Only ephemeral ids are cached; stored kinds get duplicate and deletion
	// checks from the store.
	if event.Classify(evt.Kind) == event.Ephemeral {
		if seen, _ := d.seen.ContainsOrAdd(conn.Scope()+"\x00"+evt.ID, struct{}{}); seen {
			return store.Result{Status: store.Duplicate, Reason: protocol.Reasonf(protocol.PrefixDuplicate, "already have this event")}, evt, nil
		}
		return store.Result{Status: store.Inserted}, evt, nil
	}

	result, err := d.store.Insert(ctx, conn.Scope(), evt)
	if err != nil {
		metrics.EventsStored.WithLabelValues("error").Inc()
		return store.Result{}, nil, newError(StorageFailure, protocol.Reasonf(protocol.PrefixError, "could not store event"), err)
	}
	metrics.EventsStored.WithLabelValues(result.Status.String()).Inc()
	return result, evt, nil
}

// fanout delivers evt to every matching subscription in scope. Matching runs
// here; the outbound chain and the non-blocking push run per destination.
func (d *Dispatcher) fanout(ctx context.Context, scope string, evt *nostr.Event) {
	ctx = context.WithoutCancel(ctx)
	var g errgroup.Group
	g.SetLimit(d.cfg.FanoutConcurrency)
	for _, dest := range d.index.Snapshot(scope) {
		if dest.closing() {
			continue
		}
		subs := dest.subs.Matching(evt)
		if len(subs) == 0 {
			continue
		}
		g.Go(func() error {
			d.deliver(ctx, dest, subs, evt)
			return nil
		})
	}
	_ = g.Wait()
}

func (d *Dispatcher) deliver(ctx context.Context, dest *Conn, subs []string, evt *nostr.Event) {
	for _, sub := range subs {
		res := d.chain.Outbound(ctx, dest, middleware.Outgoing{Event: evt, Scope: dest.scope, Subscription: sub})
		switch res.Action {
		case middleware.ActionDrop:
			metrics.Deliveries.WithLabelValues("dropped").Inc()
			continue
		case middleware.ActionTerminate:
			metrics.Deliveries.WithLabelValues("terminated").Inc()
			d.terminate(dest, res.Unit, res.Reason)
			return
		}
		err := dest.pushLive(protocol.EventMessage{SubscriptionID: sub, Event: res.Event})
		switch {
		case err == nil:
			metrics.Deliveries.WithLabelValues("sent").Inc()
		case errors.Is(err, ErrOutboxFull):
			metrics.Deliveries.WithLabelValues("overflow").Inc()
		default:
			metrics.Deliveries.WithLabelValues("closed").Inc()
			return
		}
	}
}

func (d *Dispatcher) subscribe(ctx context.Context, c *Conn, cmd protocol.Subscribe) string {
	if err := c.subs.Check(cmd.ID, cmd.Filters); err != nil {
		_ = c.send(protocol.Closed{SubscriptionID: cmd.ID, Reason: limitReason(err)})
		return ResourceLimitExceeded.String()
	}
	next, outcome, ok := d.inbound(ctx, c, cmd)
	if !ok {
		return outcome
	}
	cmd = next.(protocol.Subscribe)

	// Live matches are held from the moment the subscription is visible to
	// fanout until its EOSE is queued.
	c.holdLive(cmd.ID)
	defer c.dropLive(cmd.ID)
	replaced, err := c.subs.Upsert(cmd.ID, cmd.Filters)
	if err != nil {
		_ = c.send(protocol.Closed{SubscriptionID: cmd.ID, Reason: limitReason(err)})
		return ResourceLimitExceeded.String()
	}
	if !replaced {
		metrics.SubscriptionsActive.Inc()
	}

	sent, err := d.replay(ctx, c, cmd)
	if err != nil {
		if KindOf(err) == StorageFailure {
			c.log.Error("query stored events", zap.String("subscription", cmd.ID), zap.Error(err))
			if c.subs.Remove(cmd.ID) {
				metrics.SubscriptionsActive.Dec()
			}
			_ = c.send(protocol.Closed{SubscriptionID: cmd.ID, Reason: protocol.Reasonf(protocol.PrefixError, "could not query stored events")})
			return StorageFailure.String()
		}
		return "aborted"
	}
	// A publish stored before the query above may still be fanning out;
	// once it finishes its live copy sits in the held buffer and is deduped.
	d.publishing.wait()
	if err := c.sendWait(ctx, protocol.EOSE{SubscriptionID: cmd.ID}); err != nil {
		return "aborted"
	}
	c.releaseLive(cmd.ID, sent)
	return "ok"
}

func limitReason(err error) string {
	return protocol.Reasonf(protocol.PrefixRestricted, "%v", err)
}

// replay sends stored results for each filter, newest first and at most once
// per event across the filters. When the outbound chain drops results, older
// windows are queried until the filter's limit is met, the store runs dry,
// or MaxQueryWindows is reached. It returns the ids it sent.
func (d *Dispatcher) replay(ctx context.Context, c *Conn, cmd protocol.Subscribe) (map[string]struct{}, error) {
	sent := map[string]struct{}{}
	for _, f := range cmd.Filters {
		limit := min(f.LimitOr(d.cfg.DefaultLimit), d.cfg.MaxLimit)
		if limit <= 0 {
			continue
		}
		considered := map[string]struct{}{}
		window := f
		delivered := 0
		for w := 0; w < d.cfg.MaxQueryWindows && delivered < limit; w++ {
			batch, err := d.store.Query(ctx, c.scope, window, limit)
			if err != nil {
				return nil, newError(StorageFailure, "query", err)
			}
			fresh := 0
			var oldest nostr.Timestamp
			for _, evt := range batch {
				if _, ok := considered[evt.ID]; ok {
					continue
				}
				considered[evt.ID] = struct{}{}
				fresh++
				oldest = evt.CreatedAt
				if _, ok := sent[evt.ID]; ok || delivered >= limit {
					continue
				}
				res := d.chain.Outbound(ctx, c, middleware.Outgoing{Event: evt, Scope: c.scope, Subscription: cmd.ID, Stored: true})
				switch res.Action {
				case middleware.ActionDrop:
					continue
				case middleware.ActionTerminate:
					d.terminate(c, res.Unit, res.Reason)
					return nil, newError(FatalProtocolViolation, res.Reason, nil)
				}
				sent[evt.ID] = struct{}{}
				if err := c.sendWait(ctx, protocol.EventMessage{SubscriptionID: cmd.ID, Event: res.Event, Stored: true}); err != nil {
					return nil, newError(TransportFailure, "send stored event", err)
				}
				delivered++
			}
			if fresh == 0 || len(batch) < limit {
				break
			}
			window = f.WithUntil(oldest)
		}
	}
	return sent, nil
}

func (d *Dispatcher) unsubscribe(ctx context.Context, c *Conn, cmd protocol.Unsubscribe) string {
	if _, outcome, ok := d.inbound(ctx, c, cmd); !ok {
		return outcome
	}
	if c.subs.Remove(cmd.ID) {
		metrics.SubscriptionsActive.Dec()
		return "ok"
	}
	return "unknown"
}

func (d *Dispatcher) count(ctx context.Context, c *Conn, cmd protocol.Count) string {
	if err := c.subs.CheckFilters(cmd.Filters); err != nil {
		_ = c.send(protocol.Closed{SubscriptionID: cmd.ID, Reason: limitReason(err)})
		return ResourceLimitExceeded.String()
	}
	next, outcome, ok := d.inbound(ctx, c, cmd)
	if !ok {
		return outcome
	}
	cmd = next.(protocol.Count)
	n, err := d.store.Count(ctx, c.scope, cmd.Filters)
	if err != nil {
		c.log.Error("count events", zap.String("subscription", cmd.ID), zap.Error(err))
		_ = c.send(protocol.Closed{SubscriptionID: cmd.ID, Reason: protocol.Reasonf(protocol.PrefixError, "could not count events")})
		return StorageFailure.String()
	}
	_ = c.send(protocol.CountResult{SubscriptionID: cmd.ID, Count: n})
	return "ok"
}

func (d *Dispatcher) auth(ctx context.Context, c *Conn, cmd protocol.AuthResponse) string {
	next, outcome, ok := d.inbound(ctx, c, cmd)
	if !ok {
		return outcome
	}
	verified := next.(protocol.AuthResponse)
	if verified.Pubkey == "" {
		_ = c.send(protocol.OK{EventID: cmd.Event.ID, Reason: protocol.Reasonf(protocol.PrefixRestricted, "authentication is not supported")})
		return "unsupported"
	}
	c.authenticate(verified.Pubkey)
	c.log.Info("authenticated", zap.String("pubkey", verified.Pubkey))
	_ = c.send(protocol.OK{EventID: cmd.Event.ID, Accepted: true})
	return "ok"
}

// Ingest runs evt through the publish path on behalf of the relay itself,
// as used by reconciliation. Accepted events are fanned out like client
// publishes.
func (d *Dispatcher) Ingest(ctx context.Context, scope string, evt *nostr.Event) (store.Result, error) {
	defer d.publishing.begin()()
	res, accepted, err := d.accept(ctx, systemConn{scope: scope}, evt)
	if err != nil {
		return store.Result{}, err
	}
	if res.Status == store.Inserted {
		d.fanout(ctx, scope, accepted)
	}
	return res, nil
}

type systemConn struct {
	scope string
}

func (systemConn) ID() string         { return middleware.SystemConnID }
func (s systemConn) Scope() string    { return s.scope }
func (systemConn) Pubkey() string     { return "" }
func (systemConn) Challenge() string  { return "" }
func (systemConn) RemoteAddr() string { return "" }

type Stats struct {
	Connections   int          `json:"connections"`
	Subscriptions int          `json:"subscriptions"`
	Scopes        []ScopeStats `json:"scopes"`
}

func (d *Dispatcher) Stats() Stats {
	scopes := d.index.Stats()
	st := Stats{Scopes: scopes}
	for _, s := range scopes {
		st.Connections += s.Connections
		st.Subscriptions += s.Subscriptions
	}
	return st
}

// Shutdown closes every connection and waits for them to finish draining.
func (d *Dispatcher) Shutdown(ctx context.Context, reason string) error {
	conns := d.index.All()
	for _, c := range conns {
		_ = c.send(protocol.Notice{Message: reason})
		c.Close(reason)
	}
	var errs error
	for _, c := range conns {
		select {
		case <-c.closed:
		case <-ctx.Done():
			errs = multierr.Append(errs, fmt.Errorf("connection %s: %w", c.id, ctx.Err()))
		}
	}
	return errs
}
