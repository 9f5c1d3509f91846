package testutil

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"
)

var ErrTransportClosed = errors.New("transport closed")

// Transport is an in-memory client connection. Frames sent by the test are
// returned by Read in order; frames written by the relay are collected for
// Next and Expect.
type Transport struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}

	mu     sync.Mutex
	hungUp bool
	reason string
	gate   chan struct{}
}

func NewTransport() *Transport {
	return &Transport{
		in:     make(chan []byte, 256),
		out:    make(chan []byte, 4096),
		closed: make(chan struct{}),
	}
}

func (tr *Transport) Read(ctx context.Context) ([]byte, error) {
	select {
	case data, ok := <-tr.in:
		if !ok {
			return nil, io.EOF
		}
		return data, nil
	case <-tr.closed:
		return nil, ErrTransportClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (tr *Transport) Write(ctx context.Context, data []byte) error {
	tr.mu.Lock()
	gate := tr.gate
	tr.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-tr.closed:
			return ErrTransportClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	select {
	case <-tr.closed:
		return ErrTransportClosed
	default:
	}
	select {
	case tr.out <- append([]byte(nil), data...):
		return nil
	case <-tr.closed:
		return ErrTransportClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (tr *Transport) Close(reason string) error {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	select {
	case <-tr.closed:
		return nil
	default:
	}
	tr.reason = reason
	close(tr.closed)
	return nil
}

// Send queues a client frame built from parts, e.g. Send(t, "REQ", "sub", f).
func (tr *Transport) Send(t testing.TB, parts ...any) {
	t.Helper()
	data, err := json.Marshal(parts)
	if err != nil {
		t.Fatalf("encode frame: %v", err)
	}
	tr.SendRaw(t, string(data))
}

func (tr *Transport) SendRaw(t testing.TB, frame string) {
	t.Helper()
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.hungUp {
		t.Fatalf("send after hangup")
	}
	tr.in <- []byte(frame)
}

// Hangup simulates the client going away after its queued frames.
func (tr *Transport) Hangup() {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if !tr.hungUp {
		tr.hungUp = true
		close(tr.in)
	}
}

// Stall blocks relay writes until Resume, emulating a slow consumer.
func (tr *Transport) Stall() {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.gate == nil {
		tr.gate = make(chan struct{})
	}
}

func (tr *Transport) Resume() {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.gate != nil {
		close(tr.gate)
		tr.gate = nil
	}
}

func (tr *Transport) Closed() <-chan struct{} {
	return tr.closed
}

func (tr *Transport) CloseReason() string {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.reason
}

// Next returns the next frame written by the relay.
func (tr *Transport) Next(t testing.TB) []json.RawMessage {
	t.Helper()
	select {
	case data := <-tr.out:
		var frame []json.RawMessage
		if err := json.Unmarshal(data, &frame); err != nil {
			t.Fatalf("decode frame %s: %v", data, err)
		}
		return frame
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for a frame")
		return nil
	}
}

// Expect reads the next frame and checks its label.
func (tr *Transport) Expect(t testing.TB, label string) []json.RawMessage {
	t.Helper()
	frame := tr.Next(t)
	if got := Label(frame); got != label {
		t.Fatalf("expected %s frame, got %s", label, frameString(frame))
	}
	return frame
}

// ExpectNone asserts nothing is written within wait.
func (tr *Transport) ExpectNone(t testing.TB, wait time.Duration) {
	t.Helper()
	select {
	case data := <-tr.out:
		t.Fatalf("expected no frame, got %s", data)
	case <-time.After(wait):
	}
}

// Drain returns every frame written so far without waiting.
func (tr *Transport) Drain(t testing.TB) [][]json.RawMessage {
	t.Helper()
	var out [][]json.RawMessage
	for {
		select {
		case data := <-tr.out:
			var frame []json.RawMessage
			if err := json.Unmarshal(data, &frame); err != nil {
				t.Fatalf("decode frame %s: %v", data, err)
			}
			out = append(out, frame)
		default:
			return out
		}
	}
}

func Label(frame []json.RawMessage) string {
	if len(frame) == 0 {
		return ""
	}
	var label string
	_ = json.Unmarshal(frame[0], &label)
	return label
}

// String decodes element i of frame as a string.
func String(t testing.TB, frame []json.RawMessage, i int) string {
	t.Helper()
	if i >= len(frame) {
		t.Fatalf("frame %s has no element %d", frameString(frame), i)
	}
	var s string
	if err := json.Unmarshal(frame[i], &s); err != nil {
		t.Fatalf("element %d of %s is not a string", i, frameString(frame))
	}
	return s
}

func frameString(frame []json.RawMessage) string {
	data, _ := json.Marshal(frame)
	return string(data)
}
