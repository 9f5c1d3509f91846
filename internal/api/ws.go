package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/flitsinc/go-relay/internal/protocol"
	"github.com/flitsinc/go-relay/internal/relay"
)

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	if s.Relay == nil {
		writeError(w, http.StatusServiceUnavailable, errNotFound("relay"))
		return
	}
	scope, err := s.Tenants.Resolve(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return
	}
	if s.MaxMessageBytes > 0 {
		conn.SetReadLimit(s.MaxMessageBytes)
	}

	remote := clientIP(r)
	err = s.Relay.Serve(r.Context(), &wsTransport{conn: conn}, relay.Params{Scope: scope, RemoteAddr: remote})
	if err != nil {
		s.logger().Debug("connection ended", zap.String("remote", remote), zap.Error(err))
	}
}

// wsTransport adapts a websocket to relay.Transport.
type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) Read(ctx context.Context) ([]byte, error) {
	_, data, err := t.conn.Read(ctx)
	if err != nil {
		switch websocket.CloseStatus(err) {
		case websocket.StatusNormalClosure, websocket.StatusGoingAway, websocket.StatusNoStatusRcvd:
			return nil, relay.ErrPeerClosed
		}
		if errors.Is(err, io.EOF) {
			return nil, relay.ErrPeerClosed
		}
		return nil, err
	}
	return data, nil
}

func (t *wsTransport) Write(ctx context.Context, data []byte) error {
	return t.conn.Write(ctx, websocket.MessageText, data)
}

func (t *wsTransport) Close(reason string) error {
	code := websocket.StatusNormalClosure
	switch {
	case strings.HasPrefix(reason, protocol.PrefixError+":"):
		code = websocket.StatusInternalError
	case strings.HasPrefix(reason, protocol.PrefixRestricted+":"),
		strings.HasPrefix(reason, protocol.PrefixBlocked+":"),
		strings.HasPrefix(reason, protocol.PrefixRateLimited+":"):
		code = websocket.StatusPolicyViolation
	}
	if err := t.conn.Close(code, truncateReason(reason)); err != nil {
		return fmt.Errorf("close websocket: %w", err)
	}
	return nil
}

// truncateReason keeps a close reason within the 123 bytes a close frame
// allows, without splitting a rune.
func truncateReason(reason string) string {
	const max = 123
	if len(reason) <= max {
		return reason
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(reason[cut]) {
		cut--
	}
	return reason[:cut]
}

// clientIP prefers proxy headers over the socket address.
func clientIP(r *http.Request) string {
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
