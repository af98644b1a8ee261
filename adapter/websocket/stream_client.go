package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	schwab "github.com/bjoelf/schwab-adapter/adapter"
	"github.com/cenkalti/backoff/v5"
)

// DefaultLoginAttempts bounds the polls for the login response.
const DefaultLoginAttempts = 10

// StreamState is the login state of a StreamClient.
type StreamState int32

const (
	StateDisconnected StreamState = iota
	StateConnecting
	StateReady
	StateFailed
	StateClosed
)

func (s StreamState) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateReady:
		return "READY"
	case StateFailed:
		return "FAILED"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// StreamClient speaks the streamer protocol over a DuplexSession: it logs in
// with the identifiers from the user preference document and issues
// subscription commands.
type StreamClient struct {
	auth   schwab.AuthClient
	prefs  schwab.PreferenceSource
	logger *slog.Logger

	sessionOpts   []SessionOption
	loginAttempts int
	loginPoll     time.Duration
	now           func() time.Time

	mu      sync.RWMutex
	session *DuplexSession
	info    schwab.StreamerInfo

	state     atomic.Int32
	requestID atomic.Int64
	sendMu    sync.Mutex // held from request id assignment until the frame is queued

	subsMu sync.Mutex
	subs   map[Service]*Subscription
	order  []Service
}

// StreamOption configures a StreamClient.
type StreamOption func(*StreamClient)

// WithSessionOptions passes options to the DuplexSession created by Connect.
func WithSessionOptions(opts ...SessionOption) StreamOption {
	return func(c *StreamClient) {
		c.sessionOpts = append(c.sessionOpts, opts...)
	}
}

// WithLoginAttempts bounds how many times Connect polls for the login response.
func WithLoginAttempts(n int) StreamOption {
	return func(c *StreamClient) {
		if n > 0 {
			c.loginAttempts = n
		}
	}
}

// WithLoginPollInterval sets the first login poll wait; later polls grow from it.
func WithLoginPollInterval(d time.Duration) StreamOption {
	return func(c *StreamClient) {
		if d > 0 {
			c.loginPoll = d
		}
	}
}

// WithStreamConfig applies the stream section of the configuration.
func WithStreamConfig(cfg schwab.StreamConfig) StreamOption {
	return func(c *StreamClient) {
		if cfg.QueueCapacity > 0 {
			c.sessionOpts = append(c.sessionOpts, WithQueueCapacity(cfg.QueueCapacity))
		}
		if cfg.Reconnect {
			c.sessionOpts = append(c.sessionOpts, WithReconnect(cfg.MaxReconnectAttempts))
		}
		if cfg.LoginAttempts > 0 {
			c.loginAttempts = cfg.LoginAttempts
		}
	}
}

// NewStreamClient returns a disconnected client.
func NewStreamClient(auth schwab.AuthClient, prefs schwab.PreferenceSource, logger *slog.Logger, opts ...StreamOption) *StreamClient {
	if logger == nil {
		logger = discardLogger()
	}
	c := &StreamClient{
		auth:          auth,
		prefs:         prefs,
		logger:        logger,
		loginAttempts: DefaultLoginAttempts,
		loginPoll:     100 * time.Millisecond,
		now:           time.Now,
		subs:          make(map[Service]*Subscription),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the current login state.
func (c *StreamClient) State() StreamState {
	return StreamState(c.state.Load())
}

// Session returns the underlying session, or nil before Connect.
func (c *StreamClient) Session() *DuplexSession {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session
}

// Connect fetches the streamer identifiers, dials the socket and logs in. It
// returns once the login response arrives or the poll bound is exhausted.
func (c *StreamClient) Connect(ctx context.Context) error {
	if c.State() == StateReady {
		return nil
	}
	c.state.Store(int32(StateConnecting))

	info, err := c.streamerInfo(ctx)
	if err != nil {
		c.state.Store(int32(StateFailed))
		return err
	}

	token, err := c.auth.GetAccessToken(ctx)
	if err != nil {
		c.state.Store(int32(StateFailed))
		return fmt.Errorf("streamer login needs an access token: %w", err)
	}

	c.mu.Lock()
	old := c.session
	session := NewDuplexSession(c.logger, c.sessionOpts...)
	session.OnReconnect(c.replayFrames)
	c.session = session
	c.info = info
	c.mu.Unlock()
	if old != nil {
		old.Close()
	}

	c.logger.Info("Connecting to streamer",
		"function", "Connect",
		"url", info.StreamerSocketURL,
		"channel", info.SchwabClientChannel)

	if err := session.Dial(ctx, info.StreamerSocketURL, nil); err != nil {
		return c.failConnect(session, err)
	}

	c.sendMu.Lock()
	login, err := c.loginFrame(token)
	if err == nil {
		if err = session.Produce(login); err != nil {
			err = fmt.Errorf("queue login: %w", err)
		}
	}
	c.sendMu.Unlock()
	if err != nil {
		return c.failConnect(session, err)
	}

	if err := c.awaitLogin(ctx, session); err != nil {
		return c.failConnect(session, err)
	}
	c.state.Store(int32(StateReady))
	c.logger.Info("Streamer login succeeded",
		"function", "Connect")
	return nil
}

// failConnect closes the session of a failed Connect and records the failure.
func (c *StreamClient) failConnect(session *DuplexSession, err error) error {
	c.state.Store(int32(StateFailed))
	if cerr := session.Close(); cerr != nil {
		c.logger.Debug("Closing session after failed connect",
			"function", "Connect",
			"error", cerr)
	}
	return err
}

func (c *StreamClient) streamerInfo(ctx context.Context) (schwab.StreamerInfo, error) {
	pref, err := c.prefs.GetUserPreference(ctx)
	if err != nil {
		return schwab.StreamerInfo{}, fmt.Errorf("fetch user preference: %w", err)
	}
	info, ok := pref.Primary()
	if !ok {
		return schwab.StreamerInfo{}, fmt.Errorf("user preference has no streamerInfo: %w", schwab.ErrConfigurationFailure)
	}
	var missing []string
	if info.StreamerSocketURL == "" {
		missing = append(missing, "streamerSocketUrl")
	}
	if info.SchwabClientCustomerID == "" {
		missing = append(missing, "schwabClientCustomerId")
	}
	if info.SchwabClientCorrelID == "" {
		missing = append(missing, "schwabClientCorrelId")
	}
	if info.SchwabClientChannel == "" {
		missing = append(missing, "schwabClientChannel")
	}
	if info.SchwabClientFunctionID == "" {
		missing = append(missing, "schwabClientFunctionId")
	}
	if len(missing) > 0 {
		return schwab.StreamerInfo{}, fmt.Errorf("streamerInfo missing %v: %w", missing, schwab.ErrConfigurationFailure)
	}
	return info, nil
}

// awaitLogin polls the inbound queue with growing waits until the login
// response arrives or loginAttempts polls came back empty.
func (c *StreamClient) awaitLogin(ctx context.Context, session *DuplexSession) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.loginPoll
	b.MaxInterval = 2 * time.Second
	b.RandomizationFactor = 0

	for attempt := 1; attempt <= c.loginAttempts; attempt++ {
		raw, err := session.TryConsume(ctx, b.NextBackOff())
		if errors.Is(err, ErrNoMessage) {
			c.logger.Debug("Waiting for login response",
				"function", "awaitLogin",
				"attempt", attempt,
				"max_attempts", c.loginAttempts)
			continue
		}
		if err != nil {
			return fmt.Errorf("await login: %w", err)
		}

		msg, err := ParseMessage(raw)
		if err != nil {
			c.logger.Warn("Ignoring unparseable frame during login",
				"function", "awaitLogin",
				"error", err)
			continue
		}
		resp, ok := msg.LoginResponse()
		if !ok {
			c.logger.Debug("Ignoring non-login frame during login",
				"function", "awaitLogin")
			continue
		}
		if resp.Code != 0 {
			c.logger.Error("Streamer login rejected",
				"function", "awaitLogin",
				"code", resp.Code,
				"msg", resp.Msg)
			return &schwab.ProtocolError{Op: "streamer login", Code: resp.Code, Reason: resp.Msg}
		}
		return nil
	}
	return ErrLoginTimeout
}

// Subscribe replaces the subscription of service with symbols. Nil fields
// select the service's full field catalogue.
func (c *StreamClient) Subscribe(ctx context.Context, service Service, symbols []string, fields []int) error {
	return c.send(ctx, service, CommandSubscribe, symbols, fields)
}

// Add extends the subscription of service with symbols.
func (c *StreamClient) Add(ctx context.Context, service Service, symbols []string, fields []int) error {
	return c.send(ctx, service, CommandAdd, symbols, fields)
}

// Unsubscribe removes symbols from the subscription of service.
func (c *StreamClient) Unsubscribe(ctx context.Context, service Service, symbols []string) error {
	return c.send(ctx, service, CommandUnsubscribe, symbols, nil)
}

// View changes the fields delivered for service.
func (c *StreamClient) View(ctx context.Context, service Service, fields []int) error {
	return c.send(ctx, service, CommandView, nil, fields)
}

// Logout ends the streamer login. The socket stays open until Close.
func (c *StreamClient) Logout(ctx context.Context) error {
	if err := c.ready(); err != nil {
		return err
	}
	c.sendMu.Lock()
	frame, err := c.frame(ServiceAdmin, CommandLogout, map[string]string{})
	if err == nil {
		err = c.Session().Produce(frame)
	}
	c.sendMu.Unlock()
	if err != nil {
		return err
	}
	c.state.Store(int32(StateDisconnected))
	return nil
}

// SubscribeLevelOneEquities subscribes to top-of-book equity quotes.
func (c *StreamClient) SubscribeLevelOneEquities(ctx context.Context, symbols []string, fields []int) error {
	return c.Subscribe(ctx, ServiceLevelOneEquities, symbols, fields)
}

// SubscribeLevelOneOptions subscribes to top-of-book option quotes. Symbols
// may be compact (AAPL241115C00200) or already in streamer form.
func (c *StreamClient) SubscribeLevelOneOptions(ctx context.Context, symbols []string, fields []int) error {
	return c.Subscribe(ctx, ServiceLevelOneOptions, symbols, fields)
}

// SubscribeBook subscribes to one of the order book services.
func (c *StreamClient) SubscribeBook(ctx context.Context, service Service, symbols []string, fields []int) error {
	if !service.IsBook() {
		return fmt.Errorf("%s is not a book service: %w", service, schwab.ErrConfigurationFailure)
	}
	return c.Subscribe(ctx, service, symbols, fields)
}

// Subscriptions returns a copy of the active subscriptions in the order
// they were first made.
func (c *StreamClient) Subscriptions() []Subscription {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	out := make([]Subscription, 0, len(c.order))
	for _, svc := range c.order {
		sub := c.subs[svc]
		out = append(out, Subscription{
			Service:      sub.Service,
			Keys:         append([]string(nil), sub.Keys...),
			Fields:       append([]int(nil), sub.Fields...),
			SubscribedAt: sub.SubscribedAt,
		})
	}
	return out
}

// Consume returns the next inbound frame.
func (c *StreamClient) Consume(ctx context.Context) ([]byte, error) {
	session := c.Session()
	if session == nil {
		return nil, ErrNotReady
	}
	return session.Consume(ctx)
}

// TryConsume returns the next inbound frame or ErrNoMessage after timeout.
func (c *StreamClient) TryConsume(ctx context.Context, timeout time.Duration) ([]byte, error) {
	session := c.Session()
	if session == nil {
		return nil, ErrNotReady
	}
	return session.TryConsume(ctx, timeout)
}

// Close closes the session.
func (c *StreamClient) Close() error {
	c.state.Store(int32(StateClosed))
	if session := c.Session(); session != nil {
		return session.Close()
	}
	return nil
}

func (c *StreamClient) ready() error {
	if c.State() != StateReady {
		return ErrNotReady
	}
	return nil
}

func (c *StreamClient) send(ctx context.Context, service Service, cmd Command, symbols []string, fields []int) error {
	if err := c.ready(); err != nil {
		return err
	}
	if !service.Known() {
		return fmt.Errorf("unknown service %q: %w", service, schwab.ErrConfigurationFailure)
	}

	params := map[string]string{}
	var keys []string
	if cmd != CommandView {
		var err error
		keys, err = wireKeys(service, symbols)
		if err != nil {
			return err
		}
		if len(keys) == 0 {
			return fmt.Errorf("%s %s: no symbols", cmd, service)
		}
		params["keys"] = joinKeys(keys)
	}
	if cmd != CommandUnsubscribe {
		if len(fields) == 0 {
			fields = DefaultFields(service)
		}
		params["fields"] = joinFields(fields)
	}

	c.sendMu.Lock()
	frame, err := c.frame(service, cmd, params)
	if err == nil {
		if err = c.Session().Produce(frame); err != nil {
			err = fmt.Errorf("queue %s %s: %w", cmd, service, err)
		} else {
			c.record(service, cmd, keys, fields)
		}
	}
	c.sendMu.Unlock()
	if err != nil {
		return err
	}

	c.logger.Info("Subscription command queued",
		"function", "send",
		"service", service,
		"command", cmd,
		"keys", len(keys))
	return nil
}

// wireKeys normalizes symbols and converts option identifiers to streamer form.
func wireKeys(service Service, symbols []string) ([]string, error) {
	keys := normalizeSymbols(symbols)
	if !service.IsOption() {
		return keys, nil
	}
	for i, k := range keys {
		formatted, err := FormatOptionSymbol(k)
		if err != nil {
			return nil, err
		}
		keys[i] = formatted
	}
	return keys, nil
}

// record keeps the subscription table in step with the commands sent.
func (c *StreamClient) record(service Service, cmd Command, keys []string, fields []int) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()

	sub, exists := c.subs[service]
	switch cmd {
	case CommandSubscribe:
		if !exists {
			c.order = append(c.order, service)
		}
		c.subs[service] = &Subscription{
			Service:      service,
			Keys:         append([]string(nil), keys...),
			Fields:       append([]int(nil), fields...),
			SubscribedAt: c.now(),
		}
	case CommandAdd:
		if !exists {
			c.order = append(c.order, service)
			c.subs[service] = &Subscription{Service: service, Fields: append([]int(nil), fields...), SubscribedAt: c.now()}
			sub = c.subs[service]
		}
		for _, k := range keys {
			if !containsKey(sub.Keys, k) {
				sub.Keys = append(sub.Keys, k)
			}
		}
	case CommandUnsubscribe:
		if !exists {
			return
		}
		kept := sub.Keys[:0]
		for _, k := range sub.Keys {
			if !containsKey(keys, k) {
				kept = append(kept, k)
			}
		}
		sub.Keys = kept
		if len(sub.Keys) == 0 {
			delete(c.subs, service)
			for i, s := range c.order {
				if s == service {
					c.order = append(c.order[:i], c.order[i+1:]...)
					break
				}
			}
		}
	case CommandView:
		if exists {
			sub.Fields = append([]int(nil), fields...)
		}
	}
}

func containsKey(keys []string, k string) bool {
	for _, x := range keys {
		if x == k {
			return true
		}
	}
	return false
}

// replayFrames builds the login and the recorded subscriptions for a fresh
// connection. Responses are not awaited.
func (c *StreamClient) replayFrames(ctx context.Context) [][]byte {
	token, err := c.auth.GetAccessToken(ctx)
	if err != nil {
		c.logger.Error("Cannot replay login without access token",
			"function", "replayFrames",
			"error", err)
		return nil
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	login, err := c.loginFrame(token)
	if err != nil {
		return nil
	}
	frames := [][]byte{login}
	for _, sub := range c.Subscriptions() {
		frame, err := c.frame(sub.Service, CommandSubscribe, map[string]string{
			"keys":   joinKeys(sub.Keys),
			"fields": joinFields(sub.Fields),
		})
		if err != nil {
			continue
		}
		frames = append(frames, frame)
	}
	c.logger.Info("Replaying login and subscriptions",
		"function", "replayFrames",
		"subscriptions", len(frames)-1)
	return frames
}

func (c *StreamClient) loginFrame(token string) ([]byte, error) {
	c.mu.RLock()
	info := c.info
	c.mu.RUnlock()
	return c.frame(ServiceAdmin, CommandLogin, map[string]string{
		"Authorization":          token,
		"SchwabClientChannel":    info.SchwabClientChannel,
		"SchwabClientFunctionId": info.SchwabClientFunctionID,
	})
}

// frame encodes one request with the next request id.
func (c *StreamClient) frame(service Service, cmd Command, params map[string]string) ([]byte, error) {
	c.mu.RLock()
	info := c.info
	c.mu.RUnlock()

	id := c.requestID.Add(1) - 1
	env := Envelope{Requests: []Request{{
		Service:    service,
		RequestID:  strconv.FormatInt(id, 10),
		Command:    cmd,
		CustomerID: info.SchwabClientCustomerID,
		CorrelID:   info.SchwabClientCorrelID,
		Parameters: params,
	}}}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode %s %s: %w", service, cmd, err)
	}
	return data, nil
}
