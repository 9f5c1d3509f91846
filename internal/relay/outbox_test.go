package relay

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flitsinc/go-relay/internal/protocol"
)

func live(id string) protocol.Message {
	return protocol.EventMessage{SubscriptionID: "s", Event: &nostr.Event{ID: id}}
}

func popID(t *testing.T, o *Outbox) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	m, err := o.Pop(ctx)
	require.NoError(t, err)
	switch m := m.(type) {
	case protocol.EventMessage:
		return m.Event.ID
	default:
		return m.Label()
	}
}

func TestOutboxDropOldestEvictsLiveEvents(t *testing.T) {
	o := NewOutbox(3, DropOldest)
	require.NoError(t, o.Push(protocol.EOSE{SubscriptionID: "s"}))
	require.NoError(t, o.Push(live("a")))
	require.NoError(t, o.Push(live("b")))
	require.NoError(t, o.Push(live("c")))

	assert.Equal(t, 3, o.Len())
	assert.EqualValues(t, 1, o.Evicted())
	assert.Equal(t, "EOSE", popID(t, o))
	assert.Equal(t, "b", popID(t, o))
	assert.Equal(t, "c", popID(t, o))
}

func TestOutboxRefusesLiveWhenOnlyCriticalQueued(t *testing.T) {
	o := NewOutbox(2, DropOldest)
	require.NoError(t, o.Push(protocol.Notice{Message: "one"}))
	require.NoError(t, o.Push(protocol.Notice{Message: "two"}))

	assert.ErrorIs(t, o.Push(live("x")), ErrOutboxFull)
	assert.EqualValues(t, 0, o.Evicted())

	// Critical messages overflow up to twice the capacity.
	require.NoError(t, o.Push(protocol.OK{EventID: "1"}))
	require.NoError(t, o.Push(protocol.OK{EventID: "2"}))
	assert.ErrorIs(t, o.Push(protocol.OK{EventID: "3"}), ErrOutboxFull)
}

func TestOutboxStrictRefuses(t *testing.T) {
	o := NewOutbox(1, Strict)
	require.NoError(t, o.Push(live("a")))
	assert.ErrorIs(t, o.Push(live("b")), ErrOutboxFull)
	assert.Equal(t, "a", popID(t, o))
}

func TestOutboxPushWaitBlocksUntilSpace(t *testing.T) {
	o := NewOutbox(1, DropOldest)
	require.NoError(t, o.Push(live("a")))

	done := make(chan error, 1)
	go func() {
		done <- o.PushWait(context.Background(), protocol.EOSE{SubscriptionID: "s"})
	}()
	select {
	case <-done:
		t.Fatal("push should wait while the outbox is full")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, "a", popID(t, o))
	require.NoError(t, <-done)
	assert.Equal(t, "EOSE", popID(t, o))

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, o.Push(live("b")))
	cancel()
	assert.ErrorIs(t, o.PushWait(ctx, live("c")), context.Canceled)
}

func TestOutboxCloseDrainsThenStops(t *testing.T) {
	o := NewOutbox(4, DropOldest)
	require.NoError(t, o.Push(live("a")))
	o.Close()
	o.Close()

	assert.ErrorIs(t, o.Push(live("b")), ErrOutboxClosed)
	assert.ErrorIs(t, o.PushWait(context.Background(), live("b")), ErrOutboxClosed)
	assert.Equal(t, "a", popID(t, o))
	_, err := o.Pop(context.Background())
	assert.True(t, errors.Is(err, ErrOutboxClosed))
}

func TestOutboxPopWakesOnPush(t *testing.T) {
	o := NewOutbox(4, DropOldest)
	got := make(chan string, 1)
	go func() {
		m, err := o.Pop(context.Background())
		if err == nil {
			got <- m.(protocol.EventMessage).Event.ID
		}
		close(got)
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, o.Push(live("late")))
	select {
	case id := <-got:
		assert.Equal(t, "late", id)
	case <-time.After(time.Second):
		t.Fatal("pop did not wake")
	}
}

func TestErrorKinds(t *testing.T) {
	err := newError(StorageFailure, "error: disk", errors.New("boom"))
	assert.ErrorIs(t, err, ErrStorage)
	assert.NotErrorIs(t, err, ErrValidation)
	assert.Equal(t, StorageFailure, KindOf(err))
	assert.Contains(t, err.Error(), "boom")
	assert.Equal(t, Kind(0), KindOf(errors.New("plain")))
}
