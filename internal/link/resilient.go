package link

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// resilient implements Link over gorilla/websocket.
type resilient struct {
	id     int
	cfg    Config
	logger *slog.Logger
	dialer websocket.Dialer

	// Write serialization
	writeMu sync.Mutex

	// State
	mu         sync.RWMutex
	conn       *websocket.Conn
	connected  bool
	userClosed bool
	started    bool
	lastPingAt time.Time
	lastErr    error
	cancel     context.CancelFunc

	// Callback slots
	cbMu        sync.RWMutex
	onMessage   func(Message)
	onReconnect func()
	onError     func(error)

	// Stats
	connects   atomic.Int64
	reconnects atomic.Int64
	received   atomic.Int64
}

// New creates a link that is not yet connected.
func New(id int, cfg Config, logger *slog.Logger) Link {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()

	return &resilient{
		id:     id,
		cfg:    cfg,
		logger: logger,
		dialer: websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
	}
}

func (l *resilient) ID() int     { return l.id }
func (l *resilient) URL() string { return l.cfg.URL }

// Connect starts the connection loop.
func (l *resilient) Connect(ctx context.Context) error {
	l.mu.Lock()
	if l.userClosed {
		l.mu.Unlock()
		return ErrAlreadyClosed
	}
	if l.started {
		l.mu.Unlock()
		return nil
	}
	l.started = true
	ctx, l.cancel = context.WithCancel(ctx)
	l.mu.Unlock()

	go l.run(ctx)
	return nil
}

// Close gracefully closes the connection and stops reconnecting.
func (l *resilient) Close() error {
	l.mu.Lock()
	if l.userClosed {
		l.mu.Unlock()
		return nil
	}
	l.userClosed = true
	l.connected = false
	conn := l.conn
	cancel := l.cancel
	l.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	if conn != nil {
		conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		return conn.Close()
	}

	return nil
}

// Send writes a text frame to the current connection.
func (l *resilient) Send(data []byte) error {
	l.mu.RLock()
	conn := l.conn
	if !l.connected || conn == nil {
		l.mu.RUnlock()
		return ErrNotConnected
	}
	l.mu.RUnlock()

	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(l.cfg.WriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (l *resilient) OnMessage(fn func(Message)) {
	l.cbMu.Lock()
	l.onMessage = fn
	l.cbMu.Unlock()
}

func (l *resilient) OnReconnect(fn func()) {
	l.cbMu.Lock()
	l.onReconnect = fn
	l.cbMu.Unlock()
}

func (l *resilient) OnError(fn func(error)) {
	l.cbMu.Lock()
	l.onError = fn
	l.cbMu.Unlock()
}

func (l *resilient) UserClosed() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.userClosed
}

func (l *resilient) IsConnected() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.connected
}

func (l *resilient) Stats() Stats {
	l.mu.RLock()
	s := Stats{
		ID:         l.id,
		URL:        l.cfg.URL,
		Connected:  l.connected,
		UserClosed: l.userClosed,
	}
	if l.lastErr != nil {
		s.LastError = l.lastErr.Error()
	}
	l.mu.RUnlock()

	s.Connects = l.connects.Load()
	s.Reconnects = l.reconnects.Load()
	s.MessagesReceived = l.received.Load()
	return s
}

// run dials, serves and redials until the link is closed.
func (l *resilient) run(ctx context.Context) {
	bo := newBackoff(l.cfg.ReconnectBaseDelay, l.cfg.ReconnectMaxDelay)

	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := l.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			l.reportError(fmt.Errorf("dial %s: %w", l.cfg.URL, err))
			if !sleepCtx(ctx, bo.Next()) {
				return
			}
			continue
		}
		bo.Reset()

		// Counted before attach: Stats().Connects must never lag a
		// connection that Send can already write to.
		n := l.connects.Add(1)
		if !l.attach(conn) {
			// Closed while dialing.
			conn.Close()
			return
		}

		if n > 1 {
			l.reconnects.Add(1)
			l.logger.Info("websocket reconnected", "url", l.cfg.URL)
		} else {
			l.logger.Debug("websocket connected", "url", l.cfg.URL)
		}

		if fn := l.reconnectHandler(); fn != nil {
			fn()
		}

		err = l.serve(ctx, conn)
		l.detach(conn)

		if ctx.Err() != nil || l.UserClosed() {
			return
		}

		l.reportError(err)
		if !sleepCtx(ctx, bo.Next()) {
			return
		}
	}
}

// dial opens a new WebSocket connection.
func (l *resilient) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	header.Set("Accept", "application/json")
	for k, v := range l.cfg.Header {
		header[k] = v
	}

	conn, _, err := l.dialer.DialContext(ctx, l.cfg.URL, header)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// attach installs conn as the live connection unless the link was closed.
func (l *resilient) attach(conn *websocket.Conn) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.userClosed {
		return false
	}
	l.conn = conn
	l.connected = true
	l.lastPingAt = time.Now()
	return true
}

// detach marks the link down if conn is still the live connection.
func (l *resilient) detach(conn *websocket.Conn) {
	l.mu.Lock()
	if l.conn == conn {
		l.conn = nil
		l.connected = false
	}
	l.mu.Unlock()

	conn.Close()
}

// serve runs the read loop and heartbeat for one connection. It returns the
// error that ended the connection.
func (l *resilient) serve(ctx context.Context, conn *websocket.Conn) error {
	// Server sends ping, we respond with pong
	conn.SetPingHandler(func(data string) error {
		l.touch()
		return conn.WriteControl(
			websocket.PongMessage,
			[]byte(data),
			time.Now().Add(time.Second),
		)
	})

	// Server responds to our ping
	conn.SetPongHandler(func(string) error {
		l.touch()
		return nil
	})

	done := make(chan struct{})
	defer close(done)

	var stale atomic.Bool
	go l.heartbeatLoop(ctx, conn, done, &stale)

	for {
		mt, data, err := conn.ReadMessage()
		receivedAt := time.Now()

		if err != nil {
			if stale.Load() {
				return ErrStaleConnection
			}
			return err
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}

		l.received.Add(1)

		if fn := l.messageHandler(); fn != nil {
			fn(Message{
				Data:       data,
				Binary:     mt == websocket.BinaryMessage,
				ReceivedAt: receivedAt,
			})
		}
	}
}

// heartbeatLoop pings the server and drops the connection when it goes stale.
func (l *resilient) heartbeatLoop(ctx context.Context, conn *websocket.Conn, done <-chan struct{}, stale *atomic.Bool) {
	ticker := time.NewTicker(l.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(l.cfg.WriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, []byte("keepalive"), deadline); err != nil {
				l.logger.Debug("failed to send ping", "error", err)
			}

			l.mu.RLock()
			lastPing := l.lastPingAt
			l.mu.RUnlock()

			if time.Since(lastPing) > l.cfg.PingTimeout {
				l.logger.Warn("no ping received, connection stale",
					"last_ping", lastPing,
					"timeout", l.cfg.PingTimeout,
				)
				stale.Store(true)
				conn.Close()
				return
			}
		}
	}
}

func (l *resilient) touch() {
	l.mu.Lock()
	l.lastPingAt = time.Now()
	l.mu.Unlock()
}

func (l *resilient) reportError(err error) {
	if err == nil {
		return
	}

	l.mu.Lock()
	l.lastErr = err
	l.mu.Unlock()

	l.logger.Warn("websocket error", "url", l.cfg.URL, "error", err)

	l.cbMu.RLock()
	fn := l.onError
	l.cbMu.RUnlock()
	if fn != nil {
		fn(err)
	}
}

func (l *resilient) messageHandler() func(Message) {
	l.cbMu.RLock()
	defer l.cbMu.RUnlock()
	return l.onMessage
}

func (l *resilient) reconnectHandler() func() {
	l.cbMu.RLock()
	defer l.cbMu.RUnlock()
	return l.onReconnect
}

// sleepCtx waits for d or until ctx is done. Returns false if ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
