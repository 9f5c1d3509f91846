package relay_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/flitsinc/go-relay/internal/filter"
	"github.com/flitsinc/go-relay/internal/middleware"
	"github.com/flitsinc/go-relay/internal/protocol"
	"github.com/flitsinc/go-relay/internal/relay"
	"github.com/flitsinc/go-relay/internal/store"
	"github.com/flitsinc/go-relay/internal/testutil"
)

type harness struct {
	d     *relay.Dispatcher
	store store.Store
	ctx   context.Context
}

func newHarness(t *testing.T, st store.Store, chain *middleware.Chain, tweak func(*relay.Config)) *harness {
	t.Helper()
	if st == nil {
		st = testutil.OpenTestStore(t)
	}
	cfg := relay.DefaultConfig()
	cfg.CloseGrace = 200 * time.Millisecond
	if tweak != nil {
		tweak(&cfg)
	}
	d, err := relay.New(st, chain, cfg, relay.WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return &harness{d: d, store: st, ctx: ctx}
}

func (h *harness) connect(t *testing.T, p relay.Params) *testutil.Transport {
	t.Helper()
	tr := testutil.NewTransport()
	done := make(chan error, 1)
	go func() { done <- h.d.Serve(h.ctx, tr, p) }()
	t.Cleanup(func() {
		tr.Resume()
		tr.Hangup()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Errorf("serve did not return")
		}
	})
	return tr
}

func subscribe(t *testing.T, tr *testutil.Transport, id string, filters ...map[string]any) {
	t.Helper()
	parts := []any{"REQ", id}
	for _, f := range filters {
		parts = append(parts, f)
	}
	tr.Send(t, parts...)
}

// settle waits until every command sent before it has been handled.
func settle(t *testing.T, tr *testutil.Transport) {
	t.Helper()
	tr.Send(t, "COUNT", "settle", map[string]any{"kinds": []int{65000}})
	tr.Expect(t, "COUNT")
}

func publish(t *testing.T, tr *testutil.Transport, evt *nostr.Event) []json.RawMessage {
	t.Helper()
	tr.Send(t, "EVENT", evt)
	return tr.Expect(t, "OK")
}

func eventOf(t *testing.T, frame []json.RawMessage) (string, *nostr.Event) {
	t.Helper()
	require.Len(t, frame, 3)
	var evt nostr.Event
	require.NoError(t, json.Unmarshal(frame[2], &evt))
	return testutil.String(t, frame, 1), &evt
}

func accepted(t *testing.T, frame []json.RawMessage) (bool, string) {
	t.Helper()
	require.Len(t, frame, 4)
	var ok bool
	require.NoError(t, json.Unmarshal(frame[2], &ok))
	return ok, testutil.String(t, frame, 3)
}

func TestPublishReachesMatchingSubscriptionOnly(t *testing.T) {
	h := newHarness(t, nil, nil, nil)
	keys := testutil.NewKeys(t)
	reader := h.connect(t, relay.Params{})
	writer := h.connect(t, relay.Params{})

	subscribe(t, reader, "notes", map[string]any{"kinds": []int{1}})
	reader.Expect(t, "EOSE")

	note := keys.Sign(t, nostr.Event{Kind: 1, Content: "hello"})
	reaction := keys.Sign(t, nostr.Event{Kind: 7, Content: "+"})
	ok, _ := accepted(t, publish(t, writer, note))
	assert.True(t, ok)
	ok, _ = accepted(t, publish(t, writer, reaction))
	assert.True(t, ok)

	sub, got := eventOf(t, reader.Expect(t, "EVENT"))
	assert.Equal(t, "notes", sub)
	assert.Equal(t, note.ID, got.ID)
	reader.ExpectNone(t, 100*time.Millisecond)
}

func TestStoredResultsThenEOSEThenLive(t *testing.T) {
	h := newHarness(t, nil, nil, nil)
	keys := testutil.NewKeys(t)
	writer := h.connect(t, relay.Params{})

	var events []*nostr.Event
	for i := 0; i < 3; i++ {
		evt := keys.Sign(t, nostr.Event{Kind: 1, CreatedAt: nostr.Timestamp(1000 + i), Content: fmt.Sprint(i)})
		publish(t, writer, evt)
		events = append(events, evt)
	}

	reader := h.connect(t, relay.Params{})
	subscribe(t, reader, "s", map[string]any{"kinds": []int{1}, "limit": 2})
	_, first := eventOf(t, reader.Expect(t, "EVENT"))
	_, second := eventOf(t, reader.Expect(t, "EVENT"))
	assert.Equal(t, events[2].ID, first.ID)
	assert.Equal(t, events[1].ID, second.ID)
	reader.Expect(t, "EOSE")

	liveEvt := keys.Sign(t, nostr.Event{Kind: 1, Content: "live"})
	publish(t, writer, liveEvt)
	_, got := eventOf(t, reader.Expect(t, "EVENT"))
	assert.Equal(t, liveEvt.ID, got.ID)
}

func TestLimitZeroIsLiveOnly(t *testing.T) {
	h := newHarness(t, nil, nil, nil)
	keys := testutil.NewKeys(t)
	conn := h.connect(t, relay.Params{})
	publish(t, conn, keys.Sign(t, nostr.Event{Kind: 1}))

	subscribe(t, conn, "s", map[string]any{"kinds": []int{1}, "limit": 0})
	conn.Expect(t, "EOSE")
}

func TestOverlappingSubscriptionsEachReceive(t *testing.T) {
	h := newHarness(t, nil, nil, nil)
	keys := testutil.NewKeys(t)
	reader := h.connect(t, relay.Params{})
	writer := h.connect(t, relay.Params{})

	subscribe(t, reader, "by-kind", map[string]any{"kinds": []int{1}})
	reader.Expect(t, "EOSE")
	subscribe(t, reader, "by-author", map[string]any{"authors": []string{keys.Public}})
	reader.Expect(t, "EOSE")

	evt := keys.Sign(t, nostr.Event{Kind: 1})
	publish(t, writer, evt)

	sub1, got1 := eventOf(t, reader.Expect(t, "EVENT"))
	sub2, got2 := eventOf(t, reader.Expect(t, "EVENT"))
	assert.Equal(t, "by-kind", sub1)
	assert.Equal(t, "by-author", sub2)
	assert.Equal(t, evt.ID, got1.ID)
	assert.Equal(t, evt.ID, got2.ID)
}

func TestDuplicatePublishFansOutOnce(t *testing.T) {
	h := newHarness(t, nil, nil, nil)
	keys := testutil.NewKeys(t)
	reader := h.connect(t, relay.Params{})
	writer := h.connect(t, relay.Params{})
	subscribe(t, reader, "s", map[string]any{"kinds": []int{1}})
	reader.Expect(t, "EOSE")

	evt := keys.Sign(t, nostr.Event{Kind: 1})
	ok, _ := accepted(t, publish(t, writer, evt))
	assert.True(t, ok)
	ok, reason := accepted(t, publish(t, writer, evt))
	assert.True(t, ok)
	assert.Contains(t, reason, "duplicate:")

	reader.Expect(t, "EVENT")
	reader.ExpectNone(t, 100*time.Millisecond)
}

func TestRepublishedEventPassesInboundChain(t *testing.T) {
	counter := &countingUnit{}
	policy := middleware.NewPolicy(middleware.PolicyConfig{}, nil)
	h := newHarness(t, nil, middleware.NewChain(counter, policy), nil)
	keys := testutil.NewKeys(t)
	conn := h.connect(t, relay.Params{})

	evt := keys.Sign(t, nostr.Event{Kind: 1})
	ok, _ := accepted(t, publish(t, conn, evt))
	require.True(t, ok)
	ok, reason := accepted(t, publish(t, conn, evt))
	assert.True(t, ok)
	assert.Contains(t, reason, "duplicate:")

	policy.SetBlocked([]string{keys.Public})
	for i := 0; i < 3; i++ {
		ok, reason = accepted(t, publish(t, conn, evt))
		assert.False(t, ok)
		assert.Contains(t, reason, "blocked:")
	}
	assert.Equal(t, 5, counter.calls)
}

func TestRepublishingCountsAgainstRateLimit(t *testing.T) {
	limit := middleware.NewRateLimit(middleware.RateLimitConfig{EventsPerSecond: 0.001, EventBurst: 1, MaxViolations: 3}, nil)
	h := newHarness(t, nil, middleware.NewChain(limit), nil)
	keys := testutil.NewKeys(t)
	conn := h.connect(t, relay.Params{})

	evt := keys.Sign(t, nostr.Event{Kind: 1})
	ok, _ := accepted(t, publish(t, conn, evt))
	require.True(t, ok)
	for i := 0; i < 2; i++ {
		ok, reason := accepted(t, publish(t, conn, evt))
		assert.False(t, ok)
		assert.Contains(t, reason, "rate-limited:")
	}

	conn.Send(t, "EVENT", evt)
	assert.Contains(t, testutil.String(t, conn.Expect(t, "NOTICE"), 1), "rate-limited:")
	select {
	case <-conn.Closed():
	case <-time.After(5 * time.Second):
		t.Fatal("connection was not closed")
	}
}

func TestRepublishingDeletedEventIsRefused(t *testing.T) {
	h := newHarness(t, nil, nil, nil)
	keys := testutil.NewKeys(t)
	conn := h.connect(t, relay.Params{})

	note := keys.Sign(t, nostr.Event{Kind: 1, CreatedAt: 100})
	ok, _ := accepted(t, publish(t, conn, note))
	require.True(t, ok)
	del := keys.Sign(t, nostr.Event{Kind: 5, CreatedAt: 200, Tags: nostr.Tags{{"e", note.ID}}})
	ok, _ = accepted(t, publish(t, conn, del))
	require.True(t, ok)

	ok, reason := accepted(t, publish(t, conn, note))
	assert.False(t, ok)
	assert.Equal(t, "blocked: event was deleted", reason)
}

func TestInvalidEventRejected(t *testing.T) {
	h := newHarness(t, nil, nil, nil)
	keys := testutil.NewKeys(t)
	conn := h.connect(t, relay.Params{})

	evt := keys.Sign(t, nostr.Event{Kind: 1, Content: "signed"})
	evt.Content = "tampered"
	ok, reason := accepted(t, publish(t, conn, evt))
	assert.False(t, ok)
	assert.Contains(t, reason, "invalid:")
}

type countingUnit struct {
	middleware.Passthrough
	calls int
}

func (u *countingUnit) Name() string { return "counting" }

func (u *countingUnit) Inbound(_ context.Context, _ middleware.ConnInfo, cmd protocol.Command) middleware.InboundResult {
	u.calls++
	return middleware.Allow(cmd)
}

type rejectPublishes struct {
	middleware.Passthrough
}

func (rejectPublishes) Name() string { return "reject-publishes" }

func (rejectPublishes) Inbound(_ context.Context, _ middleware.ConnInfo, cmd protocol.Command) middleware.InboundResult {
	if _, ok := cmd.(protocol.Publish); ok {
		return middleware.Reject("blocked: read only")
	}
	return middleware.Allow(cmd)
}

func TestInboundRejectShortCircuits(t *testing.T) {
	counter := &countingUnit{}
	h := newHarness(t, nil, middleware.NewChain(rejectPublishes{}, counter), nil)
	keys := testutil.NewKeys(t)
	conn := h.connect(t, relay.Params{})

	evt := keys.Sign(t, nostr.Event{Kind: 1})
	ok, reason := accepted(t, publish(t, conn, evt))
	assert.False(t, ok)
	assert.Equal(t, "blocked: read only", reason)
	assert.Equal(t, 0, counter.calls)

	got, err := h.store.Get(h.ctx, "", []string{evt.ID})
	require.NoError(t, err)
	assert.Empty(t, got)
}

type dropForRemote struct {
	middleware.Passthrough
	remote string
}

func (dropForRemote) Name() string { return "drop-for-remote" }

func (u dropForRemote) Outbound(_ context.Context, conn middleware.ConnInfo, out middleware.Outgoing) middleware.OutboundResult {
	if conn.RemoteAddr() == u.remote {
		return middleware.Drop()
	}
	return middleware.Forward(out.Event)
}

func TestOutboundDropIsPerDestination(t *testing.T) {
	h := newHarness(t, nil, middleware.NewChain(dropForRemote{remote: "10.0.0.2"}), nil)
	keys := testutil.NewKeys(t)
	allowed := h.connect(t, relay.Params{RemoteAddr: "10.0.0.1"})
	dropped := h.connect(t, relay.Params{RemoteAddr: "10.0.0.2"})
	writer := h.connect(t, relay.Params{})

	for _, tr := range []*testutil.Transport{allowed, dropped} {
		subscribe(t, tr, "s", map[string]any{"kinds": []int{1}})
		tr.Expect(t, "EOSE")
	}
	evt := keys.Sign(t, nostr.Event{Kind: 1})
	publish(t, writer, evt)

	_, got := eventOf(t, allowed.Expect(t, "EVENT"))
	assert.Equal(t, evt.ID, got.ID)
	dropped.ExpectNone(t, 100*time.Millisecond)
}

type hideContent struct {
	middleware.Passthrough
}

func (hideContent) Name() string { return "hide" }

func (hideContent) Outbound(_ context.Context, _ middleware.ConnInfo, out middleware.Outgoing) middleware.OutboundResult {
	if out.Event.Content == "hidden" {
		return middleware.Drop()
	}
	return middleware.Forward(out.Event)
}

func TestReplayRefillsWindowsAfterDrops(t *testing.T) {
	h := newHarness(t, nil, middleware.NewChain(hideContent{}), nil)
	keys := testutil.NewKeys(t)
	writer := h.connect(t, relay.Params{})

	var visible []*nostr.Event
	for i := 0; i < 6; i++ {
		content := "visible"
		if i >= 3 {
			content = "hidden"
		}
		evt := keys.Sign(t, nostr.Event{Kind: 1, CreatedAt: nostr.Timestamp(100 + i), Content: content})
		publish(t, writer, evt)
		if content == "visible" {
			visible = append(visible, evt)
		}
	}

	reader := h.connect(t, relay.Params{})
	subscribe(t, reader, "s", map[string]any{"kinds": []int{1}, "limit": 3})
	for i := 2; i >= 0; i-- {
		_, got := eventOf(t, reader.Expect(t, "EVENT"))
		assert.Equal(t, visible[i].ID, got.ID)
	}
	reader.Expect(t, "EOSE")
}

func TestStoredResultsDedupedAcrossFilters(t *testing.T) {
	h := newHarness(t, nil, nil, nil)
	keys := testutil.NewKeys(t)
	conn := h.connect(t, relay.Params{})
	evt := keys.Sign(t, nostr.Event{Kind: 1})
	publish(t, conn, evt)

	subscribe(t, conn, "s", map[string]any{"kinds": []int{1}}, map[string]any{"authors": []string{keys.Public}})
	conn.Expect(t, "EVENT")
	conn.Expect(t, "EOSE")
}

func TestSameSubscriptionIDIsPerConnection(t *testing.T) {
	h := newHarness(t, nil, nil, nil)
	keys := testutil.NewKeys(t)
	a := h.connect(t, relay.Params{})
	b := h.connect(t, relay.Params{})
	writer := h.connect(t, relay.Params{})

	for _, tr := range []*testutil.Transport{a, b} {
		subscribe(t, tr, "feed", map[string]any{"kinds": []int{1}})
		tr.Expect(t, "EOSE")
	}
	a.Send(t, "CLOSE", "feed")
	settle(t, a)

	publish(t, writer, keys.Sign(t, nostr.Event{Kind: 1}))
	b.Expect(t, "EVENT")
	a.ExpectNone(t, 100*time.Millisecond)
}

func TestReplacingSubscriptionSwapsFilters(t *testing.T) {
	h := newHarness(t, nil, nil, nil)
	keys := testutil.NewKeys(t)
	reader := h.connect(t, relay.Params{})
	writer := h.connect(t, relay.Params{})

	subscribe(t, reader, "s", map[string]any{"kinds": []int{1}})
	reader.Expect(t, "EOSE")
	subscribe(t, reader, "s", map[string]any{"kinds": []int{7}, "limit": 0})
	reader.Expect(t, "EOSE")

	publish(t, writer, keys.Sign(t, nostr.Event{Kind: 1}))
	reaction := keys.Sign(t, nostr.Event{Kind: 7})
	publish(t, writer, reaction)

	_, got := eventOf(t, reader.Expect(t, "EVENT"))
	assert.Equal(t, reaction.ID, got.ID)
	reader.ExpectNone(t, 100*time.Millisecond)
	assert.Equal(t, 1, h.d.Stats().Subscriptions)
}

func TestScopesAreIsolated(t *testing.T) {
	h := newHarness(t, nil, nil, nil)
	keys := testutil.NewKeys(t)
	tenant := h.connect(t, relay.Params{Scope: "acme"})
	public := h.connect(t, relay.Params{})

	subscribe(t, tenant, "s", map[string]any{"kinds": []int{1}})
	tenant.Expect(t, "EOSE")

	publish(t, public, keys.Sign(t, nostr.Event{Kind: 1}))
	tenant.ExpectNone(t, 100*time.Millisecond)

	subscribe(t, public, "s", map[string]any{"kinds": []int{1}})
	public.Expect(t, "EVENT")
	public.Expect(t, "EOSE")

	stats := h.d.Stats()
	assert.Equal(t, 2, stats.Connections)
	require.Len(t, stats.Scopes, 2)
	assert.Equal(t, "", stats.Scopes[0].Scope)
	assert.Equal(t, "acme", stats.Scopes[1].Scope)
}

func TestDeliveryOrderMatchesPublishOrder(t *testing.T) {
	h := newHarness(t, nil, nil, nil)
	keys := testutil.NewKeys(t)
	reader := h.connect(t, relay.Params{})
	writer := h.connect(t, relay.Params{})
	subscribe(t, reader, "s", map[string]any{"kinds": []int{1}})
	reader.Expect(t, "EOSE")

	var ids []string
	for i := 0; i < 25; i++ {
		evt := keys.Sign(t, nostr.Event{Kind: 1, Content: fmt.Sprint(i)})
		writer.Send(t, "EVENT", evt)
		ids = append(ids, evt.ID)
	}
	for _, id := range ids {
		_, got := eventOf(t, reader.Expect(t, "EVENT"))
		assert.Equal(t, id, got.ID)
	}
}

func TestSlowConsumerDropsOldestLiveEvents(t *testing.T) {
	h := newHarness(t, nil, nil, func(cfg *relay.Config) { cfg.OutboxSize = 4 })
	keys := testutil.NewKeys(t)
	slow := h.connect(t, relay.Params{})
	writer := h.connect(t, relay.Params{})
	subscribe(t, slow, "s", map[string]any{"kinds": []int{1}})
	slow.Expect(t, "EOSE")

	slow.Stall()
	var ids []string
	for i := 0; i < 20; i++ {
		evt := keys.Sign(t, nostr.Event{Kind: 1, Content: fmt.Sprint(i)})
		ok, _ := accepted(t, publish(t, writer, evt))
		require.True(t, ok, "publisher must not be blocked by a slow consumer")
		ids = append(ids, evt.ID)
	}
	settle(t, writer)
	slow.Resume()

	position := map[string]int{}
	for i, id := range ids {
		position[id] = i
	}
	_, first := eventOf(t, slow.Expect(t, "EVENT"))
	received := []int{position[first.ID]}
	for idle := 0; idle < 3; {
		time.Sleep(30 * time.Millisecond)
		frames := slow.Drain(t)
		if len(frames) == 0 {
			idle++
			continue
		}
		idle = 0
		for _, frame := range frames {
			_, evt := eventOf(t, frame)
			received = append(received, position[evt.ID])
		}
	}
	assert.LessOrEqual(t, len(received), 5)
	assert.Equal(t, 19, received[len(received)-1])
	for i := 1; i < len(received); i++ {
		assert.Less(t, received[i-1], received[i])
	}

	// The connection survives and keeps receiving.
	evt := keys.Sign(t, nostr.Event{Kind: 1, Content: "after"})
	publish(t, writer, evt)
	_, got := eventOf(t, slow.Expect(t, "EVENT"))
	assert.Equal(t, evt.ID, got.ID)
}

func TestSlowConsumerStrictCloses(t *testing.T) {
	h := newHarness(t, nil, nil, func(cfg *relay.Config) {
		cfg.OutboxSize = 2
		cfg.Overflow = relay.Strict
	})
	keys := testutil.NewKeys(t)
	slow := h.connect(t, relay.Params{})
	writer := h.connect(t, relay.Params{})
	subscribe(t, slow, "s", map[string]any{"kinds": []int{1}})
	slow.Expect(t, "EOSE")

	slow.Stall()
	for i := 0; i < 6; i++ {
		ok, _ := accepted(t, publish(t, writer, keys.Sign(t, nostr.Event{Kind: 1, Content: fmt.Sprint(i)})))
		require.True(t, ok)
	}
	select {
	case <-slow.Closed():
	case <-time.After(5 * time.Second):
		t.Fatal("slow consumer was not closed")
	}
	assert.Contains(t, slow.CloseReason(), "slow consumer")

	// Other connections are unaffected.
	publish(t, writer, keys.Sign(t, nostr.Event{Kind: 1, Content: "still here"}))
}

func TestFastSubscribersUnaffectedBySlowOne(t *testing.T) {
	for _, policy := range []relay.OverflowPolicy{relay.DropOldest, relay.Strict} {
		t.Run(policy.String(), func(t *testing.T) {
			h := newHarness(t, nil, nil, func(cfg *relay.Config) {
				cfg.OutboxSize = 8
				cfg.Overflow = policy
			})
			keys := testutil.NewKeys(t)
			slow := h.connect(t, relay.Params{})
			var fast []*testutil.Transport
			for i := 0; i < 3; i++ {
				fast = append(fast, h.connect(t, relay.Params{}))
			}
			writer := h.connect(t, relay.Params{})
			for _, tr := range append([]*testutil.Transport{slow}, fast...) {
				subscribe(t, tr, "s", map[string]any{"kinds": []int{1}})
				tr.Expect(t, "EOSE")
			}

			slow.Stall()
			for i := 0; i < 40; i++ {
				evt := keys.Sign(t, nostr.Event{Kind: 1, Content: fmt.Sprint(i)})
				ok, _ := accepted(t, publish(t, writer, evt))
				require.True(t, ok)
				for _, tr := range fast {
					_, got := eventOf(t, tr.Expect(t, "EVENT"))
					require.Equal(t, evt.ID, got.ID, "event %d", i)
				}
			}
			for _, tr := range fast {
				tr.ExpectNone(t, 50*time.Millisecond)
				select {
				case <-tr.Closed():
					t.Fatal("fast subscriber was closed")
				default:
				}
			}

			if policy == relay.Strict {
				select {
				case <-slow.Closed():
				case <-time.After(5 * time.Second):
					t.Fatal("slow consumer was not closed")
				}
				assert.Contains(t, slow.CloseReason(), "slow consumer")
			}
		})
	}
}

// gateStore blocks queries for one kind until release is closed.
type gateStore struct {
	store.Store
	kind    int
	entered chan struct{}
	release chan struct{}
}

func (g *gateStore) Query(ctx context.Context, scope string, f filter.Filter, limit int) ([]*nostr.Event, error) {
	if slices.Contains(f.Kinds, g.kind) {
		select {
		case g.entered <- struct{}{}:
		default:
		}
		select {
		case <-g.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return g.Store.Query(ctx, scope, f, limit)
}

func TestEventPublishedDuringReplayArrivesOnce(t *testing.T) {
	gate := &gateStore{Store: testutil.OpenTestStore(t), kind: 7, entered: make(chan struct{}, 1), release: make(chan struct{})}
	h := newHarness(t, gate, nil, nil)
	keys := testutil.NewKeys(t)
	reader := h.connect(t, relay.Params{})
	writer := h.connect(t, relay.Params{})

	subscribe(t, reader, "s", map[string]any{"kinds": []int{7}})
	select {
	case <-gate.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("stored results were never queried")
	}
	evt := keys.Sign(t, nostr.Event{Kind: 7, Content: "+"})
	ok, _ := accepted(t, publish(t, writer, evt))
	require.True(t, ok)
	settle(t, writer)
	reader.ExpectNone(t, 50*time.Millisecond)
	close(gate.release)

	_, got := eventOf(t, reader.Expect(t, "EVENT"))
	assert.Equal(t, evt.ID, got.ID)
	reader.Expect(t, "EOSE")
	reader.ExpectNone(t, 100*time.Millisecond)

	later := keys.Sign(t, nostr.Event{Kind: 7, Content: "-"})
	publish(t, writer, later)
	_, got = eventOf(t, reader.Expect(t, "EVENT"))
	assert.Equal(t, later.ID, got.ID)
}

func TestLiveEventsDuringReplayFollowEOSE(t *testing.T) {
	gate := &gateStore{Store: testutil.OpenTestStore(t), kind: 7, entered: make(chan struct{}, 1), release: make(chan struct{})}
	h := newHarness(t, gate, nil, nil)
	keys := testutil.NewKeys(t)
	reader := h.connect(t, relay.Params{})
	writer := h.connect(t, relay.Params{})

	// An ephemeral event never reaches the store, so it can only arrive live.
	subscribe(t, reader, "s", map[string]any{"kinds": []int{7, 20007}})
	select {
	case <-gate.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("stored results were never queried")
	}
	evt := keys.Sign(t, nostr.Event{Kind: 20007, Content: "typing"})
	ok, _ := accepted(t, publish(t, writer, evt))
	require.True(t, ok)
	settle(t, writer)
	close(gate.release)

	reader.Expect(t, "EOSE")
	_, got := eventOf(t, reader.Expect(t, "EVENT"))
	assert.Equal(t, evt.ID, got.ID)
	reader.ExpectNone(t, 100*time.Millisecond)
}

func TestAuthRequiredFlow(t *testing.T) {
	chain := middleware.NewChain(middleware.NewAuth(middleware.AuthConfig{Mode: middleware.AuthRequired}, nil))
	h := newHarness(t, nil, chain, nil)
	keys := testutil.NewKeys(t)
	conn := h.connect(t, relay.Params{})

	challenge := testutil.String(t, conn.Expect(t, "AUTH"), 1)
	require.NotEmpty(t, challenge)

	subscribe(t, conn, "s", map[string]any{"kinds": []int{1}})
	closed := conn.Expect(t, "CLOSED")
	assert.Contains(t, testutil.String(t, closed, 2), "auth-required:")

	wrong := keys.Sign(t, nostr.Event{Kind: 22242, Tags: nostr.Tags{{"challenge", "nope"}}})
	conn.Send(t, "AUTH", wrong)
	ok, reason := accepted(t, conn.Expect(t, "OK"))
	assert.False(t, ok)
	assert.Contains(t, reason, "invalid:")

	good := keys.Sign(t, nostr.Event{Kind: 22242, Tags: nostr.Tags{{"challenge", challenge}}})
	conn.Send(t, "AUTH", good)
	ok, _ = accepted(t, conn.Expect(t, "OK"))
	assert.True(t, ok)

	subscribe(t, conn, "s", map[string]any{"kinds": []int{1}})
	conn.Expect(t, "EOSE")
}

func TestAuthWithoutAuthUnit(t *testing.T) {
	h := newHarness(t, nil, nil, nil)
	keys := testutil.NewKeys(t)
	conn := h.connect(t, relay.Params{})

	conn.Send(t, "AUTH", keys.Sign(t, nostr.Event{Kind: 22242, Tags: nostr.Tags{{"challenge", "x"}}}))
	ok, reason := accepted(t, conn.Expect(t, "OK"))
	assert.False(t, ok)
	assert.Equal(t, "restricted: authentication is not supported", reason)
}

func TestPrivateKindsNeedAuthenticatedRecipient(t *testing.T) {
	chain := middleware.NewChain(
		middleware.NewAuth(middleware.AuthConfig{Mode: middleware.AuthOptional}, nil),
		middleware.NewPrivateKinds(4),
	)
	h := newHarness(t, nil, chain, nil)
	alice := testutil.NewKeys(t)
	bob := testutil.NewKeys(t)
	carol := testutil.NewKeys(t)

	login := func(keys testutil.Keys) *testutil.Transport {
		tr := h.connect(t, relay.Params{})
		challenge := testutil.String(t, tr.Expect(t, "AUTH"), 1)
		tr.Send(t, "AUTH", keys.Sign(t, nostr.Event{Kind: 22242, Tags: nostr.Tags{{"challenge", challenge}}}))
		ok, _ := accepted(t, tr.Expect(t, "OK"))
		require.True(t, ok)
		subscribe(t, tr, "dms", map[string]any{"kinds": []int{4}})
		tr.Expect(t, "EOSE")
		return tr
	}
	bobConn := login(bob)
	carolConn := login(carol)

	anon := h.connect(t, relay.Params{})
	anon.Expect(t, "AUTH")
	subscribe(t, anon, "dms", map[string]any{"kinds": []int{4}})
	assert.Contains(t, testutil.String(t, anon.Expect(t, "CLOSED"), 2), "auth-required:")

	dm := alice.Sign(t, nostr.Event{Kind: 4, Content: "secret", Tags: nostr.Tags{{"p", bob.Public}}})
	publish(t, anon, dm)

	_, got := eventOf(t, bobConn.Expect(t, "EVENT"))
	assert.Equal(t, dm.ID, got.ID)
	carolConn.ExpectNone(t, 100*time.Millisecond)
}

func TestCountAndUnsubscribe(t *testing.T) {
	h := newHarness(t, nil, nil, nil)
	keys := testutil.NewKeys(t)
	conn := h.connect(t, relay.Params{})
	for i := 0; i < 3; i++ {
		publish(t, conn, keys.Sign(t, nostr.Event{Kind: 1, Content: fmt.Sprint(i)}))
	}
	publish(t, conn, keys.Sign(t, nostr.Event{Kind: 7}))

	conn.Send(t, "COUNT", "c", map[string]any{"kinds": []int{1}})
	frame := conn.Expect(t, "COUNT")
	assert.JSONEq(t, `{"count":3}`, string(frame[2]))

	subscribe(t, conn, "live", map[string]any{"kinds": []int{1}, "limit": 0})
	conn.Expect(t, "EOSE")
	conn.Send(t, "CLOSE", "live")
	conn.Send(t, "CLOSE", "never-opened")
	settle(t, conn)
	assert.Equal(t, 0, h.d.Stats().Subscriptions)

	publish(t, conn, keys.Sign(t, nostr.Event{Kind: 1, Content: "late"}))
	conn.ExpectNone(t, 100*time.Millisecond)
}

func TestMalformedFramesKeepConnectionOpen(t *testing.T) {
	h := newHarness(t, nil, nil, nil)
	conn := h.connect(t, relay.Params{})

	conn.SendRaw(t, "this is not json")
	assert.Contains(t, testutil.String(t, conn.Expect(t, "NOTICE"), 1), "invalid:")
	conn.SendRaw(t, "   ")
	conn.SendRaw(t, `["REQ","s"]`)
	assert.Contains(t, testutil.String(t, conn.Expect(t, "NOTICE"), 1), "invalid:")

	subscribe(t, conn, "s", map[string]any{"kinds": []int{1}})
	conn.Expect(t, "EOSE")
}

func TestSubscriptionLimits(t *testing.T) {
	h := newHarness(t, nil, nil, func(cfg *relay.Config) {
		cfg.Limits.MaxSubscriptions = 1
		cfg.Limits.MaxFilters = 1
	})
	conn := h.connect(t, relay.Params{})

	subscribe(t, conn, "a", map[string]any{"kinds": []int{1}})
	conn.Expect(t, "EOSE")
	subscribe(t, conn, "b", map[string]any{"kinds": []int{1}})
	assert.Contains(t, testutil.String(t, conn.Expect(t, "CLOSED"), 2), "restricted:")
	subscribe(t, conn, "a", map[string]any{"kinds": []int{1}}, map[string]any{"kinds": []int{2}})
	assert.Contains(t, testutil.String(t, conn.Expect(t, "CLOSED"), 2), "restricted:")
}

type terminateOnKind struct {
	middleware.Passthrough
	kind int
}

func (terminateOnKind) Name() string { return "terminate" }

func (u terminateOnKind) Inbound(_ context.Context, _ middleware.ConnInfo, cmd protocol.Command) middleware.InboundResult {
	if p, ok := cmd.(protocol.Publish); ok && p.Event.Kind == u.kind {
		return middleware.Terminate("blocked: goodbye")
	}
	return middleware.Allow(cmd)
}

func TestTerminateSendsNoticeAndCloses(t *testing.T) {
	h := newHarness(t, nil, middleware.NewChain(terminateOnKind{kind: 666}), nil)
	keys := testutil.NewKeys(t)
	conn := h.connect(t, relay.Params{})

	conn.Send(t, "EVENT", keys.Sign(t, nostr.Event{Kind: 666}))
	assert.Equal(t, "blocked: goodbye", testutil.String(t, conn.Expect(t, "NOTICE"), 1))
	select {
	case <-conn.Closed():
	case <-time.After(5 * time.Second):
		t.Fatal("connection was not closed")
	}
}

func TestTenantAdmission(t *testing.T) {
	chain := middleware.NewChain(middleware.NewTenants(middleware.TenantsConfig{Allowed: []string{""}}))
	h := newHarness(t, nil, chain, nil)
	conn := h.connect(t, relay.Params{Scope: "unknown"})

	subscribe(t, conn, "s", map[string]any{"kinds": []int{1}})
	assert.Contains(t, testutil.String(t, conn.Expect(t, "NOTICE"), 1), "restricted:")
	<-conn.Closed()
}

func TestEphemeralEventsAreRelayedNotStored(t *testing.T) {
	h := newHarness(t, nil, nil, nil)
	keys := testutil.NewKeys(t)
	reader := h.connect(t, relay.Params{})
	writer := h.connect(t, relay.Params{})
	subscribe(t, reader, "s", map[string]any{"kinds": []int{20001}})
	reader.Expect(t, "EOSE")

	evt := keys.Sign(t, nostr.Event{Kind: 20001, Content: "typing"})
	ok, _ := accepted(t, publish(t, writer, evt))
	assert.True(t, ok)
	_, got := eventOf(t, reader.Expect(t, "EVENT"))
	assert.Equal(t, evt.ID, got.ID)

	_, reason := accepted(t, publish(t, writer, evt))
	assert.Contains(t, reason, "duplicate:")
	reader.ExpectNone(t, 100*time.Millisecond)

	later := h.connect(t, relay.Params{})
	subscribe(t, later, "s", map[string]any{"kinds": []int{20001}})
	later.Expect(t, "EOSE")
}

func TestIngestRunsPublishPath(t *testing.T) {
	h := newHarness(t, nil, nil, nil)
	keys := testutil.NewKeys(t)
	reader := h.connect(t, relay.Params{Scope: "acme"})
	subscribe(t, reader, "s", map[string]any{"kinds": []int{1}})
	reader.Expect(t, "EOSE")

	evt := keys.Sign(t, nostr.Event{Kind: 1})
	res, err := h.d.Ingest(h.ctx, "acme", evt)
	require.NoError(t, err)
	assert.Equal(t, store.Inserted, res.Status)
	reader.Expect(t, "EVENT")

	res, err = h.d.Ingest(h.ctx, "acme", evt)
	require.NoError(t, err)
	assert.Equal(t, store.Duplicate, res.Status)

	bad := *evt
	bad.Content = "tampered"
	_, err = h.d.Ingest(h.ctx, "acme", &bad)
	assert.ErrorIs(t, err, relay.ErrValidation)
}

type failingStore struct{}

var errDiskFull = errors.New("disk full")

func (failingStore) Insert(context.Context, string, *nostr.Event) (store.Result, error) {
	return store.Result{}, errDiskFull
}

func (failingStore) Query(context.Context, string, filter.Filter, int) ([]*nostr.Event, error) {
	return nil, errDiskFull
}

func (failingStore) Count(context.Context, string, filter.Filters) (int64, error) {
	return 0, errDiskFull
}

func (failingStore) Items(context.Context, string, filter.Filter) ([]store.Item, error) {
	return nil, errDiskFull
}

func (failingStore) Get(context.Context, string, []string) ([]*nostr.Event, error) {
	return nil, errDiskFull
}

func TestStorageFailuresAreReportedNotFatal(t *testing.T) {
	h := newHarness(t, failingStore{}, nil, nil)
	keys := testutil.NewKeys(t)
	conn := h.connect(t, relay.Params{})

	ok, reason := accepted(t, publish(t, conn, keys.Sign(t, nostr.Event{Kind: 1})))
	assert.False(t, ok)
	assert.Contains(t, reason, "error:")

	subscribe(t, conn, "s", map[string]any{"kinds": []int{1}})
	closed := conn.Expect(t, "CLOSED")
	assert.Equal(t, "s", testutil.String(t, closed, 1))
	assert.Contains(t, testutil.String(t, closed, 2), "error:")
	assert.Equal(t, 0, h.d.Stats().Subscriptions)

	conn.Send(t, "COUNT", "c", map[string]any{})
	assert.Contains(t, testutil.String(t, conn.Expect(t, "CLOSED"), 2), "error:")

	_, err := h.d.Ingest(h.ctx, "", keys.Sign(t, nostr.Event{Kind: 1}))
	assert.ErrorIs(t, err, relay.ErrStorage)
}

func TestCloseIsIdempotentAndCleansUp(t *testing.T) {
	h := newHarness(t, nil, nil, nil)
	conn := h.connect(t, relay.Params{})
	subscribe(t, conn, "s", map[string]any{"kinds": []int{1}})
	conn.Expect(t, "EOSE")
	assert.Equal(t, 1, h.d.Stats().Subscriptions)

	conn.Hangup()
	conn.Hangup()
	<-conn.Closed()
	require.Eventually(t, func() bool { return h.d.Stats().Connections == 0 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, h.d.Stats().Subscriptions)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, h.d.Shutdown(ctx, "bye"))
}

func TestShutdownClosesConnections(t *testing.T) {
	h := newHarness(t, nil, nil, nil)
	a := h.connect(t, relay.Params{})
	b := h.connect(t, relay.Params{Scope: "acme"})
	settle(t, a)
	settle(t, b)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.d.Shutdown(ctx, "restarting"))
	assert.Equal(t, "restarting", testutil.String(t, a.Expect(t, "NOTICE"), 1))
	<-a.Closed()
	<-b.Closed()
	assert.Equal(t, 0, h.d.Stats().Connections)
}
