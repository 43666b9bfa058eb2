// Package testutil provides fake collaborators for session and api tests.
package testutil

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/passport-extract/client/internal/channel"
	"github.com/passport-extract/client/internal/models"
)

// NormalClose is what a channel read returns when the remote side ends the
// channel cleanly.
var NormalClose error = &websocket.CloseError{Code: websocket.CloseNormalClosure}

// FakeSubmitter answers submissions without a network.
type FakeSubmitter struct {
	// Respond produces the answer for the n-th call (1-based). When nil every
	// call succeeds with Token.
	Respond func(call int, candidate *models.CandidateFile) (models.SubmissionResult, error)
	Token   string
	// Hold, when set, blocks each call until a value is received or ctx ends.
	Hold chan struct{}

	calls atomic.Int32
}

func (f *FakeSubmitter) Submit(ctx context.Context, candidate *models.CandidateFile) (models.SubmissionResult, error) {
	n := int(f.calls.Add(1))
	if f.Hold != nil {
		select {
		case <-f.Hold:
		case <-ctx.Done():
			return models.SubmissionResult{}, ctx.Err()
		}
	}
	if f.Respond != nil {
		return f.Respond(n, candidate)
	}
	return models.SubmissionResult{OK: true, Token: f.Token, StatusCode: 200}, nil
}

// Calls returns how many submissions were made.
func (f *FakeSubmitter) Calls() int {
	return int(f.calls.Load())
}

// FakeDialer hands out FakeConns and tracks how many are open at once.
type FakeDialer struct {
	// Err, when set, fails every dial.
	Err error
	// Gate, when set, holds each dial after its context check until a value
	// is received, so the handshake completes regardless of cancellation.
	Gate chan struct{}
	// Pending, when set, receives a value as each dial starts waiting on Gate.
	Pending chan struct{}

	mu      sync.Mutex
	conns   []*FakeConn
	dialed  chan *FakeConn
	open    atomic.Int32
	maxOpen atomic.Int32
	once    sync.Once
}

func (d *FakeDialer) setup() {
	d.once.Do(func() { d.dialed = make(chan *FakeConn, 64) })
}

func (d *FakeDialer) Dial(ctx context.Context, token string) (channel.Conn, error) {
	d.setup()
	if d.Err != nil {
		return nil, d.Err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.Gate != nil {
		if d.Pending != nil {
			d.Pending <- struct{}{}
		}
		<-d.Gate
	}

	conn := &FakeConn{
		Token:    token,
		incoming: make(chan []byte, 8),
		remote:   make(chan error, 1),
		closed:   make(chan struct{}),
		dialer:   d,
	}
	n := d.open.Add(1)
	for {
		peak := d.maxOpen.Load()
		if n <= peak || d.maxOpen.CompareAndSwap(peak, n) {
			break
		}
	}

	d.mu.Lock()
	d.conns = append(d.conns, conn)
	d.mu.Unlock()
	d.dialed <- conn
	return conn, nil
}

// Next waits for the next dialed connection.
func (d *FakeDialer) Next(t *testing.T, timeout time.Duration) *FakeConn {
	t.Helper()
	d.setup()
	select {
	case c := <-d.dialed:
		return c
	case <-time.After(timeout):
		t.Fatalf("no channel dialed within %v", timeout)
		return nil
	}
}

// Conns returns every connection dialed so far.
func (d *FakeDialer) Conns() []*FakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*FakeConn(nil), d.conns...)
}

// Open is the number of connections not yet closed.
func (d *FakeDialer) Open() int {
	return int(d.open.Load())
}

// MaxOpen is the highest number of simultaneously open connections seen.
func (d *FakeDialer) MaxOpen() int {
	return int(d.maxOpen.Load())
}

// FakeConn is a scripted result channel.
type FakeConn struct {
	Token string

	incoming chan []byte
	remote   chan error
	closed   chan struct{}
	once     sync.Once
	closes   atomic.Int32
	dialer   *FakeDialer
}

// Send delivers a message to the reader.
func (c *FakeConn) Send(data string) {
	c.incoming <- []byte(data)
}

// RemoteClose makes the next read fail with err, as if the server ended the
// channel.
func (c *FakeConn) RemoteClose(err error) {
	c.remote <- err
}

func (c *FakeConn) ReadMessage() ([]byte, error) {
	select {
	case <-c.closed:
		return nil, channel.ErrClosed
	default:
	}
	select {
	case data := <-c.incoming:
		return data, nil
	case err := <-c.remote:
		return nil, err
	case <-c.closed:
		return nil, channel.ErrClosed
	}
}

func (c *FakeConn) Close() error {
	c.closes.Add(1)
	c.once.Do(func() {
		c.dialer.open.Add(-1)
		close(c.closed)
	})
	return nil
}

// Closes returns how many times Close was called.
func (c *FakeConn) Closes() int {
	return int(c.closes.Load())
}

// IsClosed reports whether Close was called.
func (c *FakeConn) IsClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}
