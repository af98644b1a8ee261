package websocket

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	schwab "github.com/bjoelf/schwab-adapter/adapter"
	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
)

// connectionManager dials the streamer and redials it after a failure.
type connectionManager struct {
	dialer *websocket.Dialer
	logger *slog.Logger

	url    string
	header http.Header

	maxReconnectAttempts uint
	baseReconnectDelay   time.Duration
	maxReconnectDelay    time.Duration
}

func newConnectionManager(logger *slog.Logger) *connectionManager {
	return &connectionManager{
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 30 * time.Second,
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
		},
		logger:             logger,
		baseReconnectDelay: 500 * time.Millisecond,
		maxReconnectDelay:  30 * time.Second,
	}
}

func (cm *connectionManager) setTLSConfig(cfg *tls.Config) {
	cm.dialer.TLSClientConfig = cfg
}

// dial opens a connection to url and remembers the target for redial.
func (cm *connectionManager) dial(ctx context.Context, url string, header http.Header) (*websocket.Conn, error) {
	cm.url = url
	cm.header = header.Clone()
	return cm.establish(ctx)
}

func (cm *connectionManager) establish(ctx context.Context) (*websocket.Conn, error) {
	cm.logger.Debug("Dialing streamer",
		"function", "establish",
		"url", cm.url)

	conn, resp, err := cm.dialer.DialContext(ctx, cm.url, cm.header)
	if err != nil {
		if resp != nil {
			cm.logger.Error("Streamer handshake failed",
				"function", "establish",
				"status", resp.StatusCode)
			return nil, fmt.Errorf("streamer handshake failed with HTTP %d: %w: %w", resp.StatusCode, schwab.ErrTransportFailure, err)
		}
		cm.logger.Error("Streamer dial failed",
			"function", "establish",
			"error", err)
		return nil, fmt.Errorf("failed to dial streamer: %w: %w", schwab.ErrTransportFailure, err)
	}

	// Reads block without a deadline; liveness comes from the provider's heartbeats.
	conn.SetReadDeadline(time.Time{})

	cm.logger.Info("Streamer connection established",
		"function", "establish",
		"local_addr", conn.LocalAddr().String(),
		"remote_addr", conn.RemoteAddr().String())
	return conn, nil
}

// redial retries establish with exponential backoff until it succeeds, ctx
// ends or maxReconnectAttempts is exhausted.
func (cm *connectionManager) redial(ctx context.Context) (*websocket.Conn, error) {
	if cm.url == "" {
		return nil, fmt.Errorf("redial before dial: %w", schwab.ErrConfigurationFailure)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cm.baseReconnectDelay
	b.MaxInterval = cm.maxReconnectDelay

	opts := []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			cm.logger.Warn("Reconnection attempt failed",
				"function", "redial",
				"error", err,
				"next_attempt_in", next)
		}),
	}
	if cm.maxReconnectAttempts > 0 {
		opts = append(opts, backoff.WithMaxTries(cm.maxReconnectAttempts))
	}

	conn, err := backoff.Retry(ctx, func() (*websocket.Conn, error) {
		return cm.establish(ctx)
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("reconnect to %s: %w", cm.url, err)
	}
	return conn, nil
}
