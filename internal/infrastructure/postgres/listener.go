package postgres

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/example/es-aggregate-store/internal/es"
	"github.com/lib/pq"
)

// State is the connection state of a Listener.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// ErrListenerClosed is returned once Close has been called.
var ErrListenerClosed = errors.New("postgres: listener closed")

// Handler receives the raw payload of a notification. Handlers run on the
// connection's read loop and must not block; a slow handler stalls delivery
// for every channel once the driver's notification buffer is full.
type Handler func(payload string)

// Conn is a dedicated LISTEN/NOTIFY connection. Notifications is closed when
// the connection is lost or closed.
type Conn interface {
	Listen(channel string) error
	Unlisten(channel string) error
	UnlistenAll() error
	Notifications() <-chan *pq.Notification
	Close() error
}

// Dialer opens listener connections.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

type session struct {
	conn Conn
	done chan struct{}
}

// Listener multiplexes notification channels over one connection.
// The handler registry outlives connections: every registered channel is
// listened again after a reconnect.
type Listener struct {
	dialer Dialer
	logger es.Logger

	handlersMu sync.RWMutex
	handlers   map[string]Handler

	mu    sync.Mutex
	sess  *session
	state State

	reconnect chan struct{}
	closed    atomic.Bool
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// NewListener creates a disconnected listener and starts its reconnect loop.
// No connection is made until the first channel is registered.
func NewListener(dialer Dialer, logger es.Logger) *Listener {
	if logger == nil {
		logger = es.NoOpLogger{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	l := &Listener{
		dialer:    dialer,
		logger:    logger,
		handlers:  make(map[string]Handler),
		reconnect: make(chan struct{}, 1),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	go l.run()
	return l
}

// State returns the current connection state.
func (l *Listener) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Channels returns the registered channels, sorted.
func (l *Listener) Channels() []string {
	l.handlersMu.RLock()
	defer l.handlersMu.RUnlock()
	channels := make([]string, 0, len(l.handlers))
	for ch := range l.handlers {
		channels = append(channels, ch)
	}
	sort.Strings(channels)
	return channels
}

// Listen registers or replaces the handler of channel. It never waits for a
// connection: while disconnected the registration is kept and a reconnect
// is requested.
func (l *Listener) Listen(ctx context.Context, channel string, handler Handler) error {
	if l.closed.Load() {
		return ErrListenerClosed
	}

	l.handlersMu.Lock()
	l.handlers[channel] = handler
	l.handlersMu.Unlock()

	conn := l.current()
	if conn == nil {
		l.requestReconnect()
		return nil
	}
	if err := conn.Listen(channel); err != nil {
		l.logger.Error(ctx, "listen failed", "channel", channel, "error", err)
		return fmt.Errorf("listen %s: %w", channel, err)
	}
	l.logger.Debug(ctx, "listening", "channel", channel)
	return nil
}

// Unlisten removes channel. UNLISTEN is only sent while connected.
func (l *Listener) Unlisten(ctx context.Context, channel string) error {
	l.handlersMu.Lock()
	delete(l.handlers, channel)
	l.handlersMu.Unlock()

	conn := l.current()
	if conn == nil {
		return nil
	}
	if err := conn.Unlisten(channel); err != nil {
		return fmt.Errorf("unlisten %s: %w", channel, err)
	}
	l.logger.Debug(ctx, "unlistened", "channel", channel)
	return nil
}

// UnlistenAll removes every channel.
func (l *Listener) UnlistenAll(ctx context.Context) error {
	l.handlersMu.Lock()
	l.handlers = make(map[string]Handler)
	l.handlersMu.Unlock()

	conn := l.current()
	if conn == nil {
		return nil
	}
	if err := conn.UnlistenAll(); err != nil {
		return fmt.Errorf("unlisten all: %w", err)
	}
	l.logger.Debug(ctx, "unlistened all channels")
	return nil
}

// Close stops the reconnect loop and closes the live connection. Later
// connection losses do not trigger a reconnect.
func (l *Listener) Close() error {
	l.closeOnce.Do(func() {
		l.closed.Store(true)
		l.cancel()

		l.mu.Lock()
		sess := l.sess
		l.sess = nil
		l.state = Disconnected
		l.mu.Unlock()

		if sess != nil {
			l.closeErr = sess.conn.Close()
		}
		<-l.done
	})
	return l.closeErr
}

func (l *Listener) current() Conn {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sess == nil {
		return nil
	}
	return l.sess.conn
}

func (l *Listener) requestReconnect() {
	if l.closed.Load() {
		return
	}
	select {
	case l.reconnect <- struct{}{}:
	default:
	}
}

// run owns reconnection: one attempt per signal, no backoff.
func (l *Listener) run() {
	defer close(l.done)
	for {
		select {
		case <-l.ctx.Done():
			return
		case <-l.reconnect:
		}
		if err := l.connect(); err != nil {
			if l.closed.Load() {
				return
			}
			l.logger.Error(l.ctx, "reconnect failed", "error", err)
		}
	}
}

func (l *Listener) connect() error {
	l.mu.Lock()
	if l.state != Disconnected || l.closed.Load() {
		l.mu.Unlock()
		return nil
	}
	l.state = Connecting
	l.mu.Unlock()

	conn, err := l.dialer.Dial(l.ctx)
	if err != nil {
		l.setState(Disconnected)
		return fmt.Errorf("dial: %w", err)
	}

	// The pump must drain notifications before any LISTEN round trip,
	// otherwise the connection blocks on an undelivered notification.
	sess := &session{conn: conn, done: make(chan struct{})}
	go l.pump(sess)

	listened := make(map[string]bool)
	for {
		for _, ch := range l.unlistened(listened) {
			if err := conn.Listen(ch); err != nil {
				_ = conn.Close()
				l.setState(Disconnected)
				return fmt.Errorf("listen %s: %w", ch, err)
			}
			listened[ch] = true
		}

		l.mu.Lock()
		if len(l.unlistened(listened)) > 0 {
			// registered while replaying
			l.mu.Unlock()
			continue
		}
		select {
		case <-sess.done:
			l.state = Disconnected
			l.mu.Unlock()
			return errors.New("connection lost while subscribing")
		default:
		}
		if l.closed.Load() {
			l.state = Disconnected
			l.mu.Unlock()
			_ = conn.Close()
			return ErrListenerClosed
		}
		l.sess = sess
		l.state = Connected
		l.mu.Unlock()

		l.logger.Info(l.ctx, "listener connected", "channels", len(listened))
		return nil
	}
}

func (l *Listener) unlistened(listened map[string]bool) []string {
	l.handlersMu.RLock()
	defer l.handlersMu.RUnlock()
	var channels []string
	for ch := range l.handlers {
		if !listened[ch] {
			channels = append(channels, ch)
		}
	}
	sort.Strings(channels)
	return channels
}

func (l *Listener) setState(s State) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}

func (l *Listener) pump(sess *session) {
	for n := range sess.conn.Notifications() {
		if n == nil {
			continue
		}
		l.dispatch(n)
	}
	close(sess.done)

	l.mu.Lock()
	live := l.sess == sess
	if live {
		l.sess = nil
		l.state = Disconnected
	}
	l.mu.Unlock()

	if !live {
		return
	}
	_ = sess.conn.Close()
	if l.closed.Load() {
		return
	}
	l.logger.Info(l.ctx, "listener connection lost, reconnecting")
	l.requestReconnect()
}

func (l *Listener) dispatch(n *pq.Notification) {
	l.handlersMu.RLock()
	handler, ok := l.handlers[n.Channel]
	l.handlersMu.RUnlock()

	if !ok {
		l.logger.Debug(l.ctx, "dropping notification for unknown channel", "channel", n.Channel)
		return
	}
	handler(n.Extra)
}
