package testutil

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/rnp-monitoreo/backend/internal/session"
)

// ErrConnClosed is returned by a ScriptedConn after Close.
var ErrConnClosed = errors.New("scripted conn closed")

// ScriptedConn is an in-memory session.Conn. The test pushes inbound frames
// and inspects what the link wrote.
type ScriptedConn struct {
	// AutoPong answers every "ping" write with a "pong" frame.
	AutoPong bool

	inbound   chan []byte
	closed    chan struct{}
	hangup    chan struct{}
	closeOnce sync.Once
	hangOnce  sync.Once

	mu     sync.Mutex
	writes []string
}

// NewScriptedConn returns an open connection.
func NewScriptedConn() *ScriptedConn {
	return &ScriptedConn{
		inbound: make(chan []byte, 64),
		closed:  make(chan struct{}),
		hangup:  make(chan struct{}),
	}
}

// Push queues an inbound text frame.
func (c *ScriptedConn) Push(frame string) {
	c.inbound <- []byte(frame)
}

// Hangup simulates a remote close: the next read fails once queued frames are drained.
func (c *ScriptedConn) Hangup() {
	c.hangOnce.Do(func() { close(c.hangup) })
}

func (c *ScriptedConn) ReadMessage() (int, []byte, error) {
	select {
	case frame := <-c.inbound:
		return websocket.TextMessage, frame, nil
	default:
	}
	select {
	case frame := <-c.inbound:
		return websocket.TextMessage, frame, nil
	case <-c.hangup:
		return 0, nil, io.EOF
	case <-c.closed:
		return 0, nil, ErrConnClosed
	}
}

func (c *ScriptedConn) WriteMessage(_ int, data []byte) error {
	select {
	case <-c.closed:
		return ErrConnClosed
	default:
	}
	c.mu.Lock()
	c.writes = append(c.writes, string(data))
	c.mu.Unlock()

	if c.AutoPong && string(data) == "ping" {
		c.inbound <- []byte("pong")
	}
	return nil
}

func (c *ScriptedConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// IsClosed reports whether Close was called.
func (c *ScriptedConn) IsClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Writes returns every frame written so far.
func (c *ScriptedConn) Writes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.writes...)
}

// DialResult is one scripted outcome of ScriptedDialer.Dial.
type DialResult struct {
	Conn *ScriptedConn
	Err  error
}

// ScriptedDialer hands out results in order. Once the script is exhausted
// every dial fails.
type ScriptedDialer struct {
	mu      sync.Mutex
	results []DialResult
	dials   int
	urls    []string
}

func NewScriptedDialer(results ...DialResult) *ScriptedDialer {
	return &ScriptedDialer{results: results}
}

func (d *ScriptedDialer) Dial(_ context.Context, url string) (session.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.dials++
	d.urls = append(d.urls, url)
	if len(d.results) == 0 {
		return nil, errors.New("dial refused")
	}
	r := d.results[0]
	d.results = d.results[1:]
	if r.Err != nil {
		return nil, r.Err
	}
	return r.Conn, nil
}

// Dials returns how many times Dial was called.
func (d *ScriptedDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}
