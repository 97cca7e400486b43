package channel

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/go-go-golems/agentdeck/pkg/protocol"
)

// Conn is the subset of *websocket.Conn a supervisor drives.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Dialer opens the transport for one channel key. Dial must honour ctx cancellation.
type Dialer interface {
	Dial(ctx context.Context, key protocol.ChannelKey) (Conn, error)
}

type DialerFunc func(ctx context.Context, key protocol.ChannelKey) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, key protocol.ChannelKey) (Conn, error) {
	return f(ctx, key)
}

const (
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultReadLimit        = 1 << 20
)

// WebSocketDialer connects channels to ws://<base>/ws/{clientId}[/agent/{agentId}].
type WebSocketDialer struct {
	BaseURL   string
	Header    http.Header
	ReadLimit int64

	dialer *websocket.Dialer
}

var _ Dialer = &WebSocketDialer{}

func NewWebSocketDialer(baseURL string, handshakeTimeout time.Duration) (*WebSocketDialer, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, errors.New("websocket dialer: empty base url")
	}
	if handshakeTimeout <= 0 {
		handshakeTimeout = DefaultHandshakeTimeout
	}
	return &WebSocketDialer{
		BaseURL:   baseURL,
		ReadLimit: DefaultReadLimit,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
		},
	}, nil
}

func (d *WebSocketDialer) Dial(ctx context.Context, key protocol.ChannelKey) (Conn, error) {
	u, err := key.URL(d.BaseURL)
	if err != nil {
		return nil, err
	}
	conn, resp, err := d.dialer.DialContext(ctx, u, d.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, errors.Wrapf(err, "dial %s (http %d)", u, resp.StatusCode)
		}
		return nil, errors.Wrapf(err, "dial %s", u)
	}
	if d.ReadLimit > 0 {
		conn.SetReadLimit(d.ReadLimit)
	}
	return conn, nil
}
