// Package failsafe wraps an XMPP client with reconnect policy, offline/sleep
// handling, deferred method calls during outages, and event re-arming.
// Rather than intercept arbitrary method calls (which Go cannot do
// dynamically), this package exposes the client trait explicitly through
// Do, and queues deferred work as a `[]func(Inner)` buffer replayed against
// the next live client.
package failsafe

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ralfstrobel/coopfox-sub000/clock"
)

// Inner is the subset of *client.Client the facade depends on. Depending on
// this narrow interface rather than the concrete client type lets tests
// drive the reconnect/deferred-call/offline machinery with a fake, without
// a live socket.
type Inner interface {
	On(event string, fn func(interface{})) func()
	Start() error
	Close()
}

// Dialer negotiates a fresh session and wraps it in a Client. Supplied by
// the caller so failsafe never hard-codes a host/credential source.
type Dialer func(ctx context.Context) (Inner, error)

// Options configures a Facade.
type Options struct {
	Dialer Dialer
	// ReconnectDelay is used by Reconnect (disconnect + connect(delay)).
	ReconnectDelay time.Duration
	Clock          clock.Clock

	// runner drives a freshly dialed Client until it disconnects. It
	// defaults to Inner.Start, and exists as a seam so tests can observe
	// the reconnect/deferred-call/offline machinery without a live socket.
	runner func(Inner) error
}

func defaultOptions() Options {
	return Options{
		ReconnectDelay: 500 * time.Millisecond,
		runner:         func(c Inner) error { return c.Start() },
	}
}

// ErrLoginRequired is surfaced (via the loginRequired event) when Connect is
// called with no dialer capable of producing credentials.
var ErrLoginRequired = errors.New("failsafe: login required")

// subscription records a forwarded-event registration so it can be
// re-armed against a freshly dialed Client after reconnect.
type subscription struct {
	event string
	fn    func(interface{})
}

// Facade owns at most one live Inner client and presents a stable surface
// across reconnects, outages, and offline transitions.
type Facade struct {
	mu    sync.Mutex
	opts  Options
	clock clock.Clock

	inner Inner

	connected    bool
	wasConnected bool
	offlineRemembered bool

	deferred []func(Inner)
	subs     []subscription
	unsubs   []func()

	loginRequired []func()
	lost          []func(reason string)
	failed        []func(reason string)

	reconnectTimer clock.Timer
}

// New creates a disconnected Facade.
func New(opt ...func(*Options)) *Facade {
	opts := defaultOptions()
	for _, o := range opt {
		o(&opts)
	}
	c := opts.Clock
	if c == nil {
		c = clock.Real{}
	}
	return &Facade{opts: opts, clock: c}
}

// WithDialer sets the Dialer used to create new Clients.
func WithDialer(d Dialer) func(*Options) { return func(o *Options) { o.Dialer = d } }

// WithReconnectDelay overrides the default 500ms reconnect delay.
func WithReconnectDelay(d time.Duration) func(*Options) {
	return func(o *Options) { o.ReconnectDelay = d }
}

// WithClock overrides the real-time clock, used by tests to drive the
// reconnect delay deterministically.
func WithClock(c clock.Clock) func(*Options) {
	return func(o *Options) { o.Clock = c }
}

// OnLoginRequired registers an observer asked to supply credentials (e.g.
// configure the dialer) when Connect finds none available.
func (f *Facade) OnLoginRequired(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loginRequired = append(f.loginRequired, fn)
}

// OnConnectionLost registers an observer for xmppConnectionLost, emitted
// when the inner client errors after having been connected.
func (f *Facade) OnConnectionLost(fn func(reason string)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lost = append(f.lost, fn)
}

// OnConnectionFailed registers an observer for xmppConnectionFailed,
// emitted when the inner client errors without ever having connected.
func (f *Facade) OnConnectionFailed(fn func(reason string)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, fn)
}

// On subscribes to a forwarded Client event. The subscription is
// transparently re-armed against each new Client produced by reconnection.
func (f *Facade) On(event string, fn func(interface{})) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs = append(f.subs, subscription{event, fn})
	if f.inner != nil {
		f.unsubs = append(f.unsubs, f.inner.On(event, fn))
	}
}

// Connect asks for a Client if one doesn't already exist. If delay is
// non-zero, the dial is scheduled on a timer instead of performed inline.
// quiet suppresses the loginRequired notification, used by silent retry
// paths.
func (f *Facade) Connect(ctx context.Context, delay time.Duration, quiet bool) error {
	f.mu.Lock()
	if f.offlineRemembered {
		// Offline mode: only adjust the remember flag.
		f.wasConnected = true
		f.mu.Unlock()
		return nil
	}
	if f.inner != nil {
		f.mu.Unlock()
		return nil
	}
	dialer := f.opts.Dialer
	f.mu.Unlock()

	if dialer == nil {
		if !quiet {
			f.notifyLoginRequired()
		}
		return ErrLoginRequired
	}

	if delay > 0 {
		f.mu.Lock()
		if f.reconnectTimer != nil {
			f.reconnectTimer.Stop()
		}
		f.reconnectTimer = f.clock.NewTimer(delay)
		timer := f.reconnectTimer
		f.mu.Unlock()
		go func() {
			if _, ok := <-timer.C(); ok {
				_ = f.dialAndRun(ctx, dialer)
			}
		}()
		return nil
	}
	return f.dialAndRun(ctx, dialer)
}

func (f *Facade) notifyLoginRequired() {
	f.mu.Lock()
	fns := append([]func(){}, f.loginRequired...)
	f.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (f *Facade) dialAndRun(ctx context.Context, dialer Dialer) error {
	c, err := dialer(ctx)
	if err != nil {
		f.mu.Lock()
		wasConnected := f.wasConnected
		f.mu.Unlock()
		f.notifyDisconnect(wasConnected, err.Error())
		return err
	}

	f.mu.Lock()
	f.inner = c
	f.connected = true
	f.wasConnected = true
	f.unsubs = nil
	for _, s := range f.subs {
		f.unsubs = append(f.unsubs, c.On(s.event, s.fn))
	}
	toReplay := f.deferred
	f.deferred = nil
	f.mu.Unlock()

	for _, call := range toReplay {
		call(c)
	}

	go func() {
		err := f.opts.runner(c)
		f.handleDisconnect(c, err)
	}()
	return nil
}

// handleDisconnect processes a runner exit for c. If c is no longer the
// active inner client, Disconnect/SetOffline already tore it down and
// notified observers synchronously, so this is a no-op.
func (f *Facade) handleDisconnect(c Inner, err error) {
	f.mu.Lock()
	if f.inner != c {
		f.mu.Unlock()
		return
	}
	wasConnected := f.connected
	f.inner = nil
	f.connected = false
	for _, u := range f.unsubs {
		u()
	}
	f.unsubs = nil
	f.mu.Unlock()

	reason := ""
	if err != nil {
		reason = err.Error()
	}
	f.notifyDisconnect(wasConnected, reason)
}

func (f *Facade) notifyDisconnect(wasConnected bool, reason string) {
	f.mu.Lock()
	lost := append([]func(reason string){}, f.lost...)
	failed := append([]func(reason string){}, f.failed...)
	f.mu.Unlock()
	if wasConnected {
		for _, fn := range lost {
			fn(reason)
		}
		return
	}
	for _, fn := range failed {
		fn(reason)
	}
}

// teardown synchronously clears the active inner client's bookkeeping (so a
// following Connect sees f.inner as nil immediately, without waiting for
// the run-loop goroutine) and returns it for the caller to close and
// notify about outside the lock. Returns nil if already disconnected.
func (f *Facade) teardown() (Inner, bool) {
	f.mu.Lock()
	inner := f.inner
	if inner == nil {
		f.mu.Unlock()
		return nil, false
	}
	wasConnected := f.connected
	f.inner = nil
	f.connected = false
	for _, u := range f.unsubs {
		u()
	}
	f.unsubs = nil
	f.mu.Unlock()
	return inner, wasConnected
}

// Disconnect tears down the inner Client but keeps the facade.
func (f *Facade) Disconnect() {
	f.mu.Lock()
	if f.offlineRemembered {
		f.wasConnected = false
		f.mu.Unlock()
		return
	}
	f.mu.Unlock()
	if inner, wasConnected := f.teardown(); inner != nil {
		inner.Close()
		f.notifyDisconnect(wasConnected, "")
	}
}

// Reconnect is disconnect followed by connect(ReconnectDelay).
func (f *Facade) Reconnect(ctx context.Context) error {
	f.Disconnect()
	return f.Connect(ctx, f.opts.ReconnectDelay, true)
}

// SetOffline implements the "about-to-go-offline"/"offline"/"sleep" system
// signals: remember whether we were connected, then disconnect. This tears
// down the inner client directly rather than going through
// Disconnect, whose offline short-circuit exists for the opposite case (a
// caller invoking Disconnect while already in offline mode).
func (f *Facade) SetOffline(ctx context.Context) {
	f.mu.Lock()
	f.offlineRemembered = true
	f.wasConnected = f.connected
	f.mu.Unlock()
	if inner, wasConnected := f.teardown(); inner != nil {
		inner.Close()
		f.notifyDisconnect(wasConnected, "")
	}
}

// SetOnline implements the "online"/"wake" signals: restore the connection
// if it was remembered as active.
func (f *Facade) SetOnline(ctx context.Context) {
	f.mu.Lock()
	f.offlineRemembered = false
	shouldReconnect := f.wasConnected
	f.mu.Unlock()
	if shouldReconnect {
		_ = f.Connect(ctx, 0, true)
	}
}

// Do runs fn against the live Inner client, or queues it for replay after
// reconnection if currently disconnected.
func (f *Facade) Do(fn func(Inner)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.inner != nil {
		fn(f.inner)
		return
	}
	f.deferred = append(f.deferred, fn)
}

// Connected reports whether a live Inner client is currently attached.
func (f *Facade) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inner != nil
}

// Client returns the live Inner client, or nil while disconnected. Prefer Do
// for anything that should be queued rather than dropped while offline.
func (f *Facade) Client() Inner {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inner
}
