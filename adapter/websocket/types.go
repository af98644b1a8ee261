package websocket

import (
	"errors"
	"fmt"
	"time"

	schwab "github.com/bjoelf/schwab-adapter/adapter"
)

var (
	// ErrQueueFull is returned by Produce when a bounded queue is at capacity.
	ErrQueueFull = errors.New("queue full")

	// ErrSessionClosed is returned once Close has been called.
	ErrSessionClosed = errors.New("session closed")

	// ErrNoMessage is returned by TryConsume when nothing arrived in time.
	ErrNoMessage = errors.New("no message before timeout")

	// ErrNotReady is returned by subscription calls before a successful login.
	ErrNotReady = errors.New("stream client not logged in")

	// ErrLoginTimeout means the login response never arrived.
	ErrLoginTimeout = fmt.Errorf("login response not received: %w", schwab.ErrProtocolFailure)

	// ErrInvalidOptionSymbol is returned for option identifiers that do not
	// have the ROOT YYMMDD C|P STRIKE shape.
	ErrInvalidOptionSymbol = errors.New("invalid option symbol")
)

// Envelope is the outbound wire document.
type Envelope struct {
	Requests []Request `json:"requests"`
}

// Request is one outbound command.
type Request struct {
	Service    Service           `json:"service"`
	RequestID  string            `json:"requestid"`
	Command    Command           `json:"command"`
	CustomerID string            `json:"SchwabClientCustomerId"`
	CorrelID   string            `json:"SchwabClientCorrelId"`
	Parameters map[string]string `json:"parameters"`
}

// SessionStats is a snapshot of the session counters.
type SessionStats struct {
	Connected     bool
	OutboundDepth int
	InboundDepth  int
	Sent          int64 // frames written to the socket
	Received      int64 // frames read from the socket
	SendErrors    int64 // frames lost to write failures
	Dropped       int64 // inbound frames rejected by a full queue
	Reconnects    int64
}

// Subscription is an active subscription, kept for replay after a reconnect.
type Subscription struct {
	Service      Service
	Keys         []string // wire form
	Fields       []int
	SubscribedAt time.Time
}
