// Package transport implements the byte-level connection: a TCP socket
// that may be secured immediately or upgraded in place via STARTTLS, a
// keepalive ping timer, and a single outstanding reply watchdog. The
// connection is swapped in place by StartTLS (the underlying net.Conn is
// replaced rather than recreating the transport), and dialing takes a
// context the caller can cancel.
//
// Transport never parses XML; it is pure bytes in, bytes out, plus a stream
// of lifecycle Events fed to a channel so the owning session can run a
// single-goroutine event loop.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/ralfstrobel/coopfox-sub000/clock"
)

// EventKind identifies the lifecycle events a Transport emits.
type EventKind int

const (
	// Connected is emitted once the TCP (or TLS) socket is up.
	Connected EventKind = iota
	// Disconnected is emitted after Close or a clean peer-initiated close.
	Disconnected
	// TCPError is emitted when the socket fails outside of a requested close.
	TCPError
	// ReplyTimeout is emitted when SetReplyTimeout's deadline elapses before
	// ClearReplyTimeout was called.
	ReplyTimeout
	// KeepAliveDue is emitted when the idle keepalive interval elapses; the
	// caller is expected to send a whitespace ping or similar and reset the
	// timer via ResetKeepAlive.
	KeepAliveDue
)

// Event is a single lifecycle notification from the transport's background
// goroutines.
type Event struct {
	Kind EventKind
	Err  error
}

// Options configures a dial.
type Options struct {
	// Addr is the "host:port" to connect to.
	Addr string
	// TLSConfig, if non-nil, causes Dial to negotiate TLS immediately
	// (a "direct TLS" connection, as opposed to opportunistic STARTTLS).
	TLSConfig *tls.Config
	// KeepAlive is the idle interval after which KeepAliveDue fires. Zero
	// disables the keepalive timer.
	KeepAlive time.Duration
	// Clock supplies timers; defaults to clock.Real{} when nil.
	Clock clock.Clock
}

// Transport owns one underlying net.Conn and the timers layered over it.
type Transport struct {
	mu     sync.Mutex
	conn   net.Conn
	clock  clock.Clock
	events chan Event

	keepAliveDur time.Duration
	keepAlive    clock.Timer

	replyTimer clock.Timer

	closed bool
}

// ErrClosed is returned by operations attempted after Close.
var ErrClosed = errors.New("transport: closed")

// Dial opens a TCP connection to opts.Addr, optionally wrapping it in TLS
// immediately, and starts the background read/keepalive goroutines. Events
// are delivered on the returned channel until Close is called.
func Dial(ctx context.Context, opts Options) (*Transport, <-chan Event, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", opts.Addr)
	if err != nil {
		return nil, nil, fmt.Errorf("transport: dial %s: %w", opts.Addr, err)
	}
	if opts.TLSConfig != nil {
		tlsConn := tls.Client(conn, opts.TLSConfig)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, nil, fmt.Errorf("transport: tls handshake: %w", err)
		}
		conn = tlsConn
	}
	return newTransport(conn, opts)
}

func newTransport(conn net.Conn, opts Options) (*Transport, <-chan Event, error) {
	c := opts.Clock
	if c == nil {
		c = clock.Real{}
	}
	t := &Transport{
		conn:         conn,
		clock:        c,
		events:       make(chan Event, 16),
		keepAliveDur: opts.KeepAlive,
	}
	if t.keepAliveDur > 0 {
		t.keepAlive = c.NewTimer(t.keepAliveDur)
		go t.watchKeepAlive()
	}
	t.emit(Event{Kind: Connected})
	return t, t.events, nil
}

// Reader exposes the underlying connection as an io.Reader for the stream
// codec layer to decode XML tokens from directly; Transport itself never
// buffers or interprets incoming bytes.
func (t *Transport) Reader() net.Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn
}

// WriteBytes writes raw bytes to the connection.
func (t *Transport) WriteBytes(b []byte) error {
	t.mu.Lock()
	conn := t.conn
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return ErrClosed
	}
	_, err := conn.Write(b)
	if err != nil {
		t.fail(err)
	}
	return err
}

// StartTLS replaces the underlying connection with a TLS client connection
// wrapping it, performing the handshake synchronously. The connection is
// swapped in place rather than tearing down and redialing.
func (t *Transport) StartTLS(ctx context.Context, cfg *tls.Config) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()

	tlsConn := tls.Client(conn, cfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		t.fail(err)
		return fmt.Errorf("transport: starttls handshake: %w", err)
	}

	t.mu.Lock()
	t.conn = tlsConn
	t.mu.Unlock()
	return nil
}

// ConnectionState reports the negotiated TLS state, or the zero value if the
// connection is not (yet) secured.
func (t *Transport) ConnectionState() tls.ConnectionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	if tc, ok := t.conn.(*tls.Conn); ok {
		return tc.ConnectionState()
	}
	return tls.ConnectionState{}
}

// SetReplyTimeout arms a single-shot watchdog: if ClearReplyTimeout is not
// called within d, a ReplyTimeout event is emitted exactly once — e.g.
// guarding a pending stream restart or a feature negotiation step that
// must elicit a server reply.
func (t *Transport) SetReplyTimeout(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.replyTimer != nil {
		t.replyTimer.Stop()
	}
	t.replyTimer = t.clock.NewTimer(d)
	timer := t.replyTimer
	go func() {
		select {
		case _, ok := <-timer.C():
			if ok {
				t.emit(Event{Kind: ReplyTimeout})
			}
		}
	}()
}

// ClearReplyTimeout disarms the reply watchdog set by SetReplyTimeout.
func (t *Transport) ClearReplyTimeout() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.replyTimer != nil {
		t.replyTimer.Stop()
		t.replyTimer = nil
	}
}

// ResetKeepAlive rearms the keepalive timer, called after any outbound write
// since a write itself demonstrates liveness.
func (t *Transport) ResetKeepAlive() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.keepAlive != nil {
		t.keepAlive.Reset(t.keepAliveDur)
	}
}

func (t *Transport) watchKeepAlive() {
	for {
		t.mu.Lock()
		timer := t.keepAlive
		closed := t.closed
		t.mu.Unlock()
		if closed || timer == nil {
			return
		}
		_, ok := <-timer.C()
		if !ok {
			return
		}
		t.mu.Lock()
		closed = t.closed
		t.mu.Unlock()
		if closed {
			return
		}
		t.emit(Event{Kind: KeepAliveDue})
		t.mu.Lock()
		if t.keepAlive != nil {
			t.keepAlive.Reset(t.keepAliveDur)
		}
		t.mu.Unlock()
	}
}

func (t *Transport) fail(err error) {
	t.mu.Lock()
	already := t.closed
	t.closed = true
	t.mu.Unlock()
	if already {
		return
	}
	t.emit(Event{Kind: TCPError, Err: err})
}

func (t *Transport) emit(ev Event) {
	select {
	case t.events <- ev:
	default:
	}
}

// Close tears down the connection and stops all timers, emitting
// Disconnected exactly once.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conn := t.conn
	if t.keepAlive != nil {
		t.keepAlive.Stop()
	}
	if t.replyTimer != nil {
		t.replyTimer.Stop()
	}
	t.mu.Unlock()

	err := conn.Close()
	t.emit(Event{Kind: Disconnected})
	return err
}
