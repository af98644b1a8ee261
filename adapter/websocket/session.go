package websocket

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	senderPollInterval   = 2 * time.Second
	receiverPollInterval = 2 * time.Second
	closeTimeout         = 5 * time.Second
)

// ReplayFunc returns frames to write on a fresh connection before queued
// traffic resumes.
type ReplayFunc func(ctx context.Context) [][]byte

// DuplexSession owns one streamer connection and moves frames between it and
// two FIFO queues. Outbound frames are written in Produce order by a single
// sender goroutine; inbound frames are queued in arrival order by a single
// receiver goroutine.
type DuplexSession struct {
	logger *slog.Logger
	cm     *connectionManager

	connMu      sync.Mutex
	conn        *websocket.Conn
	broken      bool
	connChanged chan struct{} // closed and replaced whenever conn changes

	// gorilla allows one concurrent writer; WriteControl and Close are exempt.
	writeMu sync.Mutex

	queueCapacity int
	outbound      *messageQueue
	inbound       *messageQueue

	sent       atomic.Int64
	received   atomic.Int64
	sendErrors atomic.Int64
	dropped    atomic.Int64
	reconnects atomic.Int64

	reconnectEnabled bool
	reconnecting     atomic.Bool
	hookMu           sync.Mutex
	replay           ReplayFunc

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
	closeOnce sync.Once
	closed    atomic.Bool
}

// SessionOption configures a DuplexSession.
type SessionOption func(*DuplexSession)

// WithQueueCapacity bounds both queues to n frames. Produce then fails with
// ErrQueueFull instead of growing, and inbound overflow drops the newest frame.
func WithQueueCapacity(n int) SessionOption {
	return func(s *DuplexSession) {
		if n > 0 {
			s.queueCapacity = n
		}
	}
}

// WithReconnect makes the session redial after a connection failure, giving
// up after maxAttempts dials (0 retries until Close).
func WithReconnect(maxAttempts int) SessionOption {
	return func(s *DuplexSession) {
		s.reconnectEnabled = true
		if maxAttempts > 0 {
			s.cm.maxReconnectAttempts = uint(maxAttempts)
		}
	}
}

// WithReconnectDelay sets the first and the largest delay between redials.
func WithReconnectDelay(initial, max time.Duration) SessionOption {
	return func(s *DuplexSession) {
		if initial > 0 {
			s.cm.baseReconnectDelay = initial
		}
		if max > 0 {
			s.cm.maxReconnectDelay = max
		}
	}
}

// WithTLSConfig sets the TLS configuration used when dialing wss:// URLs.
func WithTLSConfig(cfg *tls.Config) SessionOption {
	return func(s *DuplexSession) {
		s.cm.setTLSConfig(cfg)
	}
}

// NewDuplexSession returns an idle session. Call Dial to connect.
func NewDuplexSession(logger *slog.Logger, opts ...SessionOption) *DuplexSession {
	if logger == nil {
		logger = discardLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &DuplexSession{
		logger:      logger,
		cm:          newConnectionManager(logger),
		connChanged: make(chan struct{}),
		ctx:         ctx,
		cancel:      cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.outbound = newMessageQueue(s.queueCapacity)
	s.inbound = newMessageQueue(s.queueCapacity)
	return s
}

// OnReconnect registers fn to run after every successful redial. The frames
// it returns are written before any queued outbound frame.
func (s *DuplexSession) OnReconnect(fn ReplayFunc) {
	s.hookMu.Lock()
	s.replay = fn
	s.hookMu.Unlock()
}

// Dial connects to url and starts the sender and receiver on first use. A
// second Dial replaces the current connection.
func (s *DuplexSession) Dial(ctx context.Context, url string, header http.Header) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	conn, err := s.cm.dial(ctx, url, header)
	if err != nil {
		return err
	}
	if !s.install(conn) {
		return ErrSessionClosed
	}
	s.startOnce.Do(func() {
		s.wg.Add(2)
		go s.sendLoop()
		go s.receiveLoop()
	})
	return nil
}

// Produce queues msg for sending. It never blocks.
func (s *DuplexSession) Produce(msg []byte) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	frame := make([]byte, len(msg))
	copy(frame, msg)
	return s.outbound.push(frame)
}

// Consume returns the oldest inbound frame, waiting until one arrives, ctx
// ends or the session is closed and drained.
func (s *DuplexSession) Consume(ctx context.Context) ([]byte, error) {
	return s.inbound.pop(ctx, s.ctx.Done(), 0)
}

// TryConsume is Consume bounded by timeout; it returns ErrNoMessage when
// nothing arrived in time.
func (s *DuplexSession) TryConsume(ctx context.Context, timeout time.Duration) ([]byte, error) {
	if timeout <= 0 {
		if msg, ok := s.inbound.tryPop(); ok {
			return msg, nil
		}
		return nil, ErrNoMessage
	}
	return s.inbound.pop(ctx, s.ctx.Done(), timeout)
}

// Connected reports whether a usable connection is installed.
func (s *DuplexSession) Connected() bool {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return s.conn != nil && !s.broken
}

// Stats returns a snapshot of the session counters.
func (s *DuplexSession) Stats() SessionStats {
	return SessionStats{
		Connected:     s.Connected(),
		OutboundDepth: s.outbound.len(),
		InboundDepth:  s.inbound.len(),
		Sent:          s.sent.Load(),
		Received:      s.received.Load(),
		SendErrors:    s.sendErrors.Load(),
		Dropped:       s.dropped.Load(),
		Reconnects:    s.reconnects.Load(),
	}
}

// Close stops both loops, sends a close frame and closes the socket. It waits
// up to five seconds for the goroutines to exit.
func (s *DuplexSession) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.cancel()

		s.connMu.Lock()
		conn, broken := s.conn, s.broken
		s.conn = nil
		s.connMu.Unlock()

		if conn != nil {
			if !broken {
				msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
				if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
					s.logger.Debug("Close frame not sent",
						"function", "Close",
						"error", err)
				}
			}
			conn.Close()
		}

		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
			s.logger.Info("Streamer session closed",
				"function", "Close",
				"sent", s.sent.Load(),
				"received", s.received.Load())
		case <-time.After(closeTimeout):
			s.logger.Warn("Session goroutines did not exit in time",
				"function", "Close")
		}
	})
	return nil
}

// install makes conn the current connection. It returns false and closes conn
// when the session is already closed.
func (s *DuplexSession) install(conn *websocket.Conn) bool {
	s.connMu.Lock()
	if s.closed.Load() {
		s.connMu.Unlock()
		conn.Close()
		return false
	}
	old := s.conn
	s.conn = conn
	s.broken = false
	close(s.connChanged)
	s.connChanged = make(chan struct{})
	s.connMu.Unlock()

	if old != nil && old != conn {
		old.Close()
	}
	return true
}

// liveConn returns the usable connection, or nil together with a channel
// that is closed when the connection changes.
func (s *DuplexSession) liveConn() (*websocket.Conn, <-chan struct{}) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil || s.broken {
		return nil, s.connChanged
	}
	return s.conn, nil
}

// markBroken retires conn after a read or write failure. A gorilla connection
// must not be read again once ReadMessage has failed.
func (s *DuplexSession) markBroken(conn *websocket.Conn, cause error) {
	s.connMu.Lock()
	if s.conn != conn || s.broken {
		s.connMu.Unlock()
		return
	}
	s.broken = true
	s.connMu.Unlock()
	conn.Close()

	if !s.reconnectEnabled {
		s.logger.Error("Streamer connection lost, reconnect disabled",
			"function", "markBroken",
			"error", cause)
		return
	}
	if s.closed.Load() || !s.reconnecting.CompareAndSwap(false, true) {
		return
	}
	s.wg.Add(1)
	go s.reconnect()
}

func (s *DuplexSession) reconnect() {
	defer s.wg.Done()
	defer s.reconnecting.Store(false)
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Panic in reconnect",
				"function", "reconnect",
				"panic", r)
		}
	}()

	s.logger.Warn("Reconnecting to streamer",
		"function", "reconnect")

	conn, err := s.cm.redial(s.ctx)
	if err != nil {
		if s.ctx.Err() == nil {
			s.logger.Error("Giving up on streamer reconnection",
				"function", "reconnect",
				"error", err)
		}
		return
	}

	s.hookMu.Lock()
	replay := s.replay
	s.hookMu.Unlock()

	// Replay goes out before the sender sees the new connection.
	if replay != nil {
		for _, frame := range replay(s.ctx) {
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				s.logger.Error("Replay write failed",
					"function", "reconnect",
					"error", err)
				conn.Close()
				return
			}
			s.sent.Add(1)
		}
	}

	if !s.install(conn) {
		return
	}
	n := s.reconnects.Add(1)
	s.logger.Info("Streamer reconnected",
		"function", "reconnect",
		"reconnects", n)
}

// sendLoop writes outbound frames in FIFO order. A frame whose write fails is
// counted and dropped; later frames wait for the next connection.
func (s *DuplexSession) sendLoop() {
	defer s.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Panic in sendLoop",
				"function", "sendLoop",
				"panic", r)
		}
	}()

	for {
		msg, err := s.outbound.pop(s.ctx, nil, senderPollInterval)
		if errors.Is(err, ErrNoMessage) {
			s.logger.Debug("Sender idle",
				"function", "sendLoop",
				"connected", s.Connected())
			continue
		}
		if err != nil {
			return
		}

		conn := s.waitConn()
		if conn == nil {
			return
		}

		s.writeMu.Lock()
		err = conn.WriteMessage(websocket.TextMessage, msg)
		s.writeMu.Unlock()
		if err != nil {
			s.sendErrors.Add(1)
			s.logger.Error("Failed to send frame",
				"function", "sendLoop",
				"size", len(msg),
				"error", err)
			s.markBroken(conn, err)
			continue
		}
		s.sent.Add(1)
	}
}

// waitConn blocks until a usable connection exists or the session stops.
func (s *DuplexSession) waitConn() *websocket.Conn {
	for {
		conn, changed := s.liveConn()
		if conn != nil {
			return conn
		}
		timer := time.NewTimer(senderPollInterval)
		select {
		case <-s.ctx.Done():
			timer.Stop()
			return nil
		case <-changed:
		case <-timer.C:
		}
		timer.Stop()
	}
}

// receiveLoop queues inbound frames in arrival order.
func (s *DuplexSession) receiveLoop() {
	defer s.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Panic in receiveLoop",
				"function", "receiveLoop",
				"panic", r)
		}
	}()

	for {
		if s.ctx.Err() != nil {
			return
		}
		conn, changed := s.liveConn()
		if conn == nil {
			timer := time.NewTimer(receiverPollInterval)
			select {
			case <-s.ctx.Done():
				timer.Stop()
				return
			case <-changed:
			case <-timer.C:
			}
			timer.Stop()
			continue
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			attrs := []any{"function", "receiveLoop", "error", err}
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				attrs = append(attrs, "close_code", closeErr.Code, "close_text", closeErr.Text)
			}
			s.logger.Error("Streamer read failed", attrs...)
			s.markBroken(conn, err)
			continue
		}

		s.received.Add(1)
		if err := s.inbound.push(data); err != nil {
			s.dropped.Add(1)
			s.logger.Warn("Inbound queue full, dropping frame",
				"function", "receiveLoop",
				"size", len(data),
				"queue_length", s.inbound.len())
		}
	}
}
