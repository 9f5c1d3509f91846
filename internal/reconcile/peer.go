package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"

	"github.com/flitsinc/go-relay/internal/event"
	"github.com/flitsinc/go-relay/internal/filter"
	"github.com/flitsinc/go-relay/internal/idgen"
	"github.com/flitsinc/go-relay/internal/store"
)

var ErrPeerGone = errors.New("peer connection closed")

type PeerOptions struct {
	// SecretKey signs NIP-42 responses when the peer challenges us.
	SecretKey string
	Header    http.Header
	// ReplyTimeout bounds the wait for an OK after each published event.
	ReplyTimeout time.Duration
	// ItemLimit is the limit sent with Items requests.
	ItemLimit int
	Log       *zap.Logger
}

// RelayPeer talks to another relay over a websocket.
type RelayPeer struct {
	url  string
	ws   *websocket.Conn
	opts PeerOptions
	log  *zap.Logger

	writeMu sync.Mutex

	mu   sync.Mutex
	subs map[string]*pending
	oks  map[string]chan okReply

	done chan struct{}
	err  error
}

type pending struct {
	frames chan []json.RawMessage
	gone   chan struct{}
}

type okReply struct {
	accepted bool
	reason   string
}

func DialRelay(ctx context.Context, url string, opts PeerOptions) (*RelayPeer, error) {
	if opts.ReplyTimeout <= 0 {
		opts.ReplyTimeout = 10 * time.Second
	}
	if opts.ItemLimit <= 0 {
		opts.ItemLimit = 100000
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, url, opts.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %s: %w", url, resp.Status, err)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	p := &RelayPeer{
		url:  url,
		ws:   ws,
		opts: opts,
		log:  opts.Log.With(zap.String("peer", url)),
		subs: map[string]*pending{},
		oks:  map[string]chan okReply{},
		done: make(chan struct{}),
	}
	go p.readLoop()
	return p, nil
}

func (p *RelayPeer) readLoop() {
	defer close(p.done)
	for {
		_, data, err := p.ws.ReadMessage()
		if err != nil {
			p.mu.Lock()
			p.err = err
			p.mu.Unlock()
			return
		}
		var frame []json.RawMessage
		if err := json.Unmarshal(data, &frame); err != nil || len(frame) < 2 {
			p.log.Debug("unreadable frame", zap.ByteString("frame", data))
			continue
		}
		var label, key string
		_ = json.Unmarshal(frame[0], &label)
		_ = json.Unmarshal(frame[1], &key)

		switch label {
		case "EVENT", "EOSE", "CLOSED":
			p.mu.Lock()
			sub := p.subs[key]
			p.mu.Unlock()
			if sub == nil {
				continue
			}
			select {
			case sub.frames <- frame:
			case <-sub.gone:
			}
		case "OK":
			reply := okReply{}
			if len(frame) >= 3 {
				_ = json.Unmarshal(frame[2], &reply.accepted)
			}
			if len(frame) >= 4 {
				_ = json.Unmarshal(frame[3], &reply.reason)
			}
			p.mu.Lock()
			ch := p.oks[key]
			p.mu.Unlock()
			if ch != nil {
				select {
				case ch <- reply:
				default:
				}
			}
		case "AUTH":
			p.respondAuth(key)
		case "NOTICE":
			p.log.Info("peer notice", zap.String("message", key))
		}
	}
}

func (p *RelayPeer) respondAuth(challenge string) {
	if p.opts.SecretKey == "" {
		p.log.Debug("peer asked for authentication, no key configured")
		return
	}
	pub, err := nostr.GetPublicKey(p.opts.SecretKey)
	if err != nil {
		p.log.Warn("derive public key", zap.Error(err))
		return
	}
	evt := nostr.Event{
		PubKey:    pub,
		CreatedAt: nostr.Now(),
		Kind:      event.KindClientAuth,
		Tags:      nostr.Tags{{"relay", p.url}, {"challenge", challenge}},
	}
	if err := evt.Sign(p.opts.SecretKey); err != nil {
		p.log.Warn("sign auth event", zap.Error(err))
		return
	}
	if err := p.write(context.Background(), "AUTH", &evt); err != nil {
		p.log.Warn("send auth", zap.Error(err))
	}
}

func (p *RelayPeer) write(ctx context.Context, parts ...any) error {
	data, err := json.Marshal(parts)
	if err != nil {
		return err
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	deadline := time.Now().Add(p.opts.ReplyTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = p.ws.SetWriteDeadline(deadline)
	return p.ws.WriteMessage(websocket.TextMessage, data)
}

func (p *RelayPeer) gone() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return fmt.Errorf("%w: %v", ErrPeerGone, p.err)
	}
	return ErrPeerGone
}

// query runs a REQ and collects events until EOSE.
func (p *RelayPeer) query(ctx context.Context, filters ...filter.Filter) ([]*nostr.Event, error) {
	id := "sync-" + idgen.New()
	sub := &pending{frames: make(chan []json.RawMessage, 64), gone: make(chan struct{})}
	p.mu.Lock()
	p.subs[id] = sub
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.subs, id)
		p.mu.Unlock()
		close(sub.gone)
	}()

	parts := []any{"REQ", id}
	for _, f := range filters {
		parts = append(parts, f)
	}
	if err := p.write(ctx, parts...); err != nil {
		return nil, fmt.Errorf("send REQ: %w", err)
	}

	var out []*nostr.Event
	for {
		select {
		case frame := <-sub.frames:
			var label string
			_ = json.Unmarshal(frame[0], &label)
			switch label {
			case "EVENT":
				if len(frame) < 3 {
					continue
				}
				var evt nostr.Event
				if err := json.Unmarshal(frame[2], &evt); err != nil {
					p.log.Debug("skip undecodable event", zap.Error(err))
					continue
				}
				out = append(out, &evt)
			case "EOSE":
				if err := p.write(ctx, "CLOSE", id); err != nil {
					p.log.Debug("send CLOSE", zap.Error(err))
				}
				return out, nil
			case "CLOSED":
				var reason string
				if len(frame) >= 3 {
					_ = json.Unmarshal(frame[2], &reason)
				}
				return nil, fmt.Errorf("peer closed subscription: %s", reason)
			}
		case <-p.done:
			return nil, p.gone()
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (p *RelayPeer) Items(ctx context.Context, f filter.Filter) ([]store.Item, error) {
	limit := p.opts.ItemLimit
	f.Limit = &limit
	events, err := p.query(ctx, f)
	if err != nil {
		return nil, err
	}
	items := make([]store.Item, len(events))
	for i, evt := range events {
		items[i] = store.Item{ID: evt.ID, CreatedAt: evt.CreatedAt}
	}
	return items, nil
}

func (p *RelayPeer) Fetch(ctx context.Context, ids []string) ([]*nostr.Event, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	limit := len(ids)
	return p.query(ctx, filter.Filter{IDs: ids, Limit: &limit})
}

// Send publishes events one at a time, waiting for each OK. Refusals are
// logged and skipped; only transport failures are returned.
func (p *RelayPeer) Send(ctx context.Context, events []*nostr.Event) (int, error) {
	accepted := 0
	for _, evt := range events {
		ch := make(chan okReply, 1)
		p.mu.Lock()
		p.oks[evt.ID] = ch
		p.mu.Unlock()

		reply, err := p.publish(ctx, evt, ch)

		p.mu.Lock()
		delete(p.oks, evt.ID)
		p.mu.Unlock()
		if err != nil {
			return accepted, err
		}
		if reply.accepted {
			accepted++
		} else {
			p.log.Debug("peer refused event", zap.String("event", evt.ID), zap.String("reason", reply.reason))
		}
	}
	return accepted, nil
}

func (p *RelayPeer) publish(ctx context.Context, evt *nostr.Event, ch chan okReply) (okReply, error) {
	if err := p.write(ctx, "EVENT", evt); err != nil {
		return okReply{}, fmt.Errorf("send EVENT: %w", err)
	}
	timer := time.NewTimer(p.opts.ReplyTimeout)
	defer timer.Stop()
	select {
	case reply := <-ch:
		return reply, nil
	case <-timer.C:
		return okReply{}, fmt.Errorf("no OK for %s within %s", evt.ID, p.opts.ReplyTimeout)
	case <-p.done:
		return okReply{}, p.gone()
	case <-ctx.Done():
		return okReply{}, ctx.Err()
	}
}

// Close sends a close frame and waits for the reader to stop.
func (p *RelayPeer) Close() error {
	p.writeMu.Lock()
	_ = p.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	p.writeMu.Unlock()
	err := p.ws.Close()
	<-p.done
	return err
}
