package websocket

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Consumer yields inbound frames. DuplexSession and StreamClient implement it.
type Consumer interface {
	Consume(ctx context.Context) ([]byte, error)
}

// MessageHandler routes inbound frames to per-service callbacks.
type MessageHandler struct {
	logger *slog.Logger

	mu          sync.RWMutex
	handlers    map[Service]func(Data)
	onResponse  func(Response)
	onHeartbeat func(time.Time)
}

// NewMessageHandler returns a handler with no callbacks. Responses and
// heartbeats are logged until callbacks are registered.
func NewMessageHandler(logger *slog.Logger) *MessageHandler {
	if logger == nil {
		logger = discardLogger()
	}
	return &MessageHandler{
		logger:   logger,
		handlers: make(map[Service]func(Data)),
	}
}

// Handle registers fn for data from service, replacing any earlier callback.
func (mh *MessageHandler) Handle(service Service, fn func(Data)) {
	mh.mu.Lock()
	mh.handlers[service] = fn
	mh.mu.Unlock()
}

// OnResponse registers fn for command acknowledgements.
func (mh *MessageHandler) OnResponse(fn func(Response)) {
	mh.mu.Lock()
	mh.onResponse = fn
	mh.mu.Unlock()
}

// OnHeartbeat registers fn for heartbeat notifications.
func (mh *MessageHandler) OnHeartbeat(fn func(time.Time)) {
	mh.mu.Lock()
	mh.onHeartbeat = fn
	mh.mu.Unlock()
}

// Dispatch parses raw and invokes the matching callbacks in frame order.
func (mh *MessageHandler) Dispatch(raw []byte) error {
	msg, err := ParseMessage(raw)
	if err != nil {
		return err
	}

	mh.mu.RLock()
	onResponse, onHeartbeat := mh.onResponse, mh.onHeartbeat
	mh.mu.RUnlock()

	for _, r := range msg.Responses {
		if r.Code != 0 {
			mh.logger.Warn("Command rejected",
				"function", "Dispatch",
				"service", r.Service,
				"command", r.Command,
				"request_id", r.RequestID,
				"code", r.Code,
				"msg", r.Msg)
		} else {
			mh.logger.Debug("Command acknowledged",
				"function", "Dispatch",
				"service", r.Service,
				"command", r.Command,
				"request_id", r.RequestID)
		}
		if onResponse != nil {
			onResponse(r)
		}
	}

	for _, d := range msg.Data {
		mh.mu.RLock()
		fn := mh.handlers[d.Service]
		mh.mu.RUnlock()
		if fn == nil {
			mh.logger.Debug("No handler for service",
				"function", "Dispatch",
				"service", d.Service,
				"items", len(d.Content))
			continue
		}
		fn(d)
	}

	for _, n := range msg.Notify {
		mh.logger.Debug("Heartbeat",
			"function", "Dispatch",
			"at", n.Heartbeat)
		if onHeartbeat != nil && !n.Heartbeat.IsZero() {
			onHeartbeat(n.Heartbeat)
		}
	}
	return nil
}

// Run dispatches frames from c until ctx ends or the session closes. Frames
// that fail to parse are logged and skipped.
func (mh *MessageHandler) Run(ctx context.Context, c Consumer) error {
	for {
		raw, err := c.Consume(ctx)
		if err != nil {
			if errors.Is(err, ErrSessionClosed) {
				return nil
			}
			return err
		}
		if err := mh.Dispatch(raw); err != nil {
			mh.logger.Warn("Skipping unparseable frame",
				"function", "Run",
				"size", len(raw),
				"error", err)
		}
	}
}
