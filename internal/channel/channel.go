// Package channel opens the result channel that delivers an extraction result
// for a correlation token.
package channel

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// TokenParam is the query parameter carrying the correlation token.
const TokenParam = "key"

// ErrClosed is returned by ReadMessage once the channel was closed locally.
var ErrClosed = errors.New("channel closed")

// Conn is an open result channel. The client only reads from it.
type Conn interface {
	ReadMessage() ([]byte, error)
	Close() error
}

// Dialer opens a channel for a token.
type Dialer interface {
	Dial(ctx context.Context, token string) (Conn, error)
}

// WSDialer dials the channel endpoint over WebSocket.
type WSDialer struct {
	baseURL      string
	dialer       *websocket.Dialer
	maxMessage   int64
	closeTimeout time.Duration
	log          *zap.Logger
}

// NewWSDialer creates a dialer for the channel endpoint at baseURL.
func NewWSDialer(baseURL string, handshakeTimeout time.Duration, log *zap.Logger) *WSDialer {
	if log == nil {
		log = zap.NewNop()
	}
	return &WSDialer{
		baseURL: baseURL,
		dialer: &websocket.Dialer{
			HandshakeTimeout: handshakeTimeout,
			ReadBufferSize:   4 * 1024,
			WriteBufferSize:  1024,
		},
		maxMessage:   64 * 1024,
		closeTimeout: time.Second,
		log:          log.Named("channel"),
	}
}

// URL returns the channel address for token.
func (d *WSDialer) URL(token string) (string, error) {
	return channelURL(d.baseURL, token)
}

// Dial opens the channel. It returns once the handshake completed.
func (d *WSDialer) Dial(ctx context.Context, token string) (Conn, error) {
	target, err := channelURL(d.baseURL, token)
	if err != nil {
		return nil, err
	}

	ws, resp, err := d.dialer.DialContext(ctx, target, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		d.log.Warn("dial failed", zap.Error(err))
		return nil, fmt.Errorf("dialing channel: %w", err)
	}
	ws.SetReadLimit(d.maxMessage)

	d.log.Debug("connected")
	return &wsConn{ws: ws, closeTimeout: d.closeTimeout, log: d.log, closed: make(chan struct{})}, nil
}

func channelURL(base, token string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parsing channel url: %w", err)
	}
	q := u.Query()
	q.Set(TokenParam, token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

type wsConn struct {
	ws           *websocket.Conn
	closeTimeout time.Duration
	log          *zap.Logger

	once   sync.Once
	closed chan struct{}
}

// ReadMessage blocks until a data message arrives. After Close it returns
// ErrClosed rather than the raw socket error.
func (c *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		select {
		case <-c.closed:
			return nil, ErrClosed
		default:
		}
		return nil, err
	}
	return data, nil
}

// Close sends a normal closure frame and closes the socket. Only the first
// call has an effect.
func (c *wsConn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.closed)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		if werr := c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.closeTimeout)); werr != nil {
			c.log.Debug("sending close frame", zap.Error(werr))
		}
		err = c.ws.Close()
	})
	return err
}

// IsRemoteClose reports whether err is the remote side ending the channel
// with a close frame, whatever its code. A dropped connection surfaces as
// CloseAbnormalClosure, which is never sent on the wire, and counts as a
// channel failure.
func IsRemoteClose(err error) bool {
	var ce *websocket.CloseError
	return errors.As(err, &ce) && ce.Code != websocket.CloseAbnormalClosure
}
