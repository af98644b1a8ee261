package schwab

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

const (
	// earlyRefreshTime is how long before access expiry the keeper refreshes.
	earlyRefreshTime = time.Minute
	// refreshWarnWindow starts the warnings about an expiring refresh token.
	refreshWarnWindow = 12 * time.Hour

	flightKey = "ensure-authenticated"
	// DefaultFlightTimeout bounds one load, refresh or manual re-authorization.
	DefaultFlightTimeout = 10 * time.Minute
)

// TokenState is the lifecycle state of the credential.
type TokenState int

const (
	StateNoCredential TokenState = iota
	StateLoading
	StateLoadFailed
	StateValid
	StateAccessExpired
	StateRefreshing
	StateRefreshTokenExpired
	StateManualReauth
)

func (s TokenState) String() string {
	switch s {
	case StateNoCredential:
		return "NO_CREDENTIAL"
	case StateLoading:
		return "LOADING"
	case StateLoadFailed:
		return "LOAD_FAILED"
	case StateValid:
		return "VALID"
	case StateAccessExpired:
		return "ACCESS_EXPIRED"
	case StateRefreshing:
		return "REFRESHING"
	case StateRefreshTokenExpired:
		return "REFRESH_TOKEN_EXPIRED"
	case StateManualReauth:
		return "MANUAL_REAUTH"
	default:
		return "UNKNOWN(" + strconv.Itoa(int(s)) + ")"
	}
}

// NewOAuthConfig builds the oauth2 configuration for the provider.
func NewOAuthConfig(cfg *Config) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     cfg.AppKey,
		ClientSecret: cfg.AppSecret,
		RedirectURL:  cfg.CallbackURL,
		Endpoint: oauth2.Endpoint{
			AuthURL:   cfg.AuthURL,
			TokenURL:  cfg.TokenURL,
			AuthStyle: oauth2.AuthStyleInHeader,
		},
	}
}

// CreateSchwabAuthClient wires storage, authorizer and oauth configuration from cfg.
func CreateSchwabAuthClient(cfg *Config, logger *slog.Logger) (*SchwabAuthClient, error) {
	if logger == nil {
		logger = discardLogger()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	storage, err := NewTokenStorage(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("failed to create token storage: %w", err)
	}

	var authorizer Authorizer
	switch cfg.Token.Authorizer {
	case "callback":
		authorizer, err = NewCallbackAuthorizer(cfg.Token.CallbackListen, cfg.CallbackURL, os.Stdout, logger,
			WithCallbackTimeout(cfg.Token.AuthorizeTimeout))
		if err != nil {
			return nil, err
		}
	default:
		authorizer = NewConsoleAuthorizer(os.Stdout, os.Stdin)
	}

	logger.Info("Schwab auth configured",
		"function", "CreateSchwabAuthClient",
		"app_key", maskClientID(cfg.AppKey),
		"token_store", cfg.Token.Store,
		"token_key", cfg.Token.Key,
		"authorizer", cfg.Token.Authorizer)

	return NewSchwabAuthClient(NewOAuthConfig(cfg), storage, cfg.Token.Key, authorizer, logger), nil
}

// maskClientID masks the app key for logging.
func maskClientID(clientID string) string {
	if len(clientID) <= 8 {
		return "****"
	}
	return clientID[:4] + "****" + clientID[len(clientID)-4:]
}

// SchwabAuthClient owns the access/refresh credential pair. All mutation of
// the credential happens inside a single-flight region, so concurrent callers
// of EnsureAuthenticated share one load, refresh or re-authorization.
type SchwabAuthClient struct {
	config     *oauth2.Config
	storage    TokenStorage
	tokenKey   string
	authorizer Authorizer
	httpClient *http.Client
	logger     *slog.Logger
	now        func() time.Time

	flightTimeout time.Duration

	mu       sync.RWMutex
	current  *Credential
	state    TokenState
	rejected string // access token the provider answered 401 for

	group singleflight.Group
}

// AuthOption configures a SchwabAuthClient.
type AuthOption func(*SchwabAuthClient)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) AuthOption {
	return func(c *SchwabAuthClient) { c.now = now }
}

// WithFlightTimeout bounds each shared authentication attempt.
func WithFlightTimeout(d time.Duration) AuthOption {
	return func(c *SchwabAuthClient) {
		if d > 0 {
			c.flightTimeout = d
		}
	}
}

// WithOAuthHTTPClient sets the HTTP client used for token endpoint calls.
func WithOAuthHTTPClient(client *http.Client) AuthOption {
	return func(c *SchwabAuthClient) { c.httpClient = client }
}

func NewSchwabAuthClient(
	config *oauth2.Config,
	storage TokenStorage,
	tokenKey string,
	authorizer Authorizer,
	logger *slog.Logger,
	opts ...AuthOption,
) *SchwabAuthClient {
	if tokenKey == "" {
		tokenKey = DefaultTokenKey
	}
	if logger == nil {
		logger = discardLogger()
	}
	c := &SchwabAuthClient{
		config:     config,
		storage:    storage,
		tokenKey:   tokenKey,
		authorizer: authorizer,
		logger:     logger,
		now:        time.Now,
		state:      StateNoCredential,

		flightTimeout: DefaultFlightTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the current lifecycle state.
func (c *SchwabAuthClient) State() TokenState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Credential returns the in-memory credential, or nil.
func (c *SchwabAuthClient) Credential() *Credential {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// IsAccessValid reports whether the in-memory access token is still usable.
// The exact expiry instant counts as expired.
func (c *SchwabAuthClient) IsAccessValid() bool {
	return c.accessValid(c.Credential())
}

// IsRefreshValid reports whether the refresh token is younger than seven days.
func (c *SchwabAuthClient) IsRefreshValid() bool {
	return c.refreshValid(c.Credential())
}

func (c *SchwabAuthClient) accessValid(cred *Credential) bool {
	if cred == nil || cred.Token.AccessToken == "" {
		return false
	}
	c.mu.RLock()
	rejected := c.rejected
	c.mu.RUnlock()
	return cred.Token.AccessToken != rejected && c.now().Before(cred.AccessExpiry())
}

func (c *SchwabAuthClient) refreshValid(cred *Credential) bool {
	return cred != nil && cred.Token.RefreshToken != "" && c.now().Before(cred.RefreshExpiry())
}

func (c *SchwabAuthClient) setState(s TokenState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *SchwabAuthClient) setCurrent(cred *Credential, s TokenState) {
	c.mu.Lock()
	c.current = cred
	c.state = s
	if s == StateValid && cred != nil && cred.Token.AccessToken != c.rejected {
		c.rejected = ""
	}
	c.mu.Unlock()
}

// InvalidateAccessToken marks token as rejected by the provider. The next
// EnsureAuthenticated treats it as expired even if its expiry lies ahead.
func (c *SchwabAuthClient) InvalidateAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rejected = token
	if c.current != nil && c.current.Token.AccessToken == token {
		c.state = StateAccessExpired
	}
}

// GetAccessToken returns a valid bearer token, refreshing or re-authorizing first if needed.
func (c *SchwabAuthClient) GetAccessToken(ctx context.Context) (string, error) {
	cred, err := c.EnsureAuthenticated(ctx)
	if err != nil {
		return "", err
	}
	return cred.Token.AccessToken, nil
}

// EnsureAuthenticated returns a credential whose access token is valid.
//
// Missing or expired credentials are reloaded from the store. An empty store
// or an expired refresh token leads to manual re-authorization; an expired
// access token with a valid refresh token leads to a refresh. A store that
// cannot be reached is an error. Concurrent callers wait for the in-flight
// attempt and receive its result.
func (c *SchwabAuthClient) EnsureAuthenticated(ctx context.Context) (*Credential, error) {
	if cred := c.Credential(); c.accessValid(cred) {
		return cred, nil
	}
	return c.do(ctx, c.ensureAuthenticated)
}

// do runs fn once for all concurrent callers. fn gets a context detached from
// the caller that started it, so one caller giving up does not fail the
// others; each caller still returns as soon as its own ctx is done.
func (c *SchwabAuthClient) do(ctx context.Context, fn func(context.Context) (*Credential, error)) (*Credential, error) {
	results := c.group.DoChan(flightKey, func() (interface{}, error) {
		flightCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.flightTimeout)
		defer cancel()
		return fn(flightCtx)
	})

	select {
	case <-ctx.Done():
		c.logger.Debug("Stopped waiting for authentication",
			"function", "EnsureAuthenticated",
			"error", ctx.Err())
		return nil, ctx.Err()
	case res := <-results:
		if res.Shared {
			c.logger.Debug("Joined in-flight authentication",
				"function", "EnsureAuthenticated")
		}
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Credential), nil
	}
}

func (c *SchwabAuthClient) ensureAuthenticated(ctx context.Context) (*Credential, error) {
	cred := c.Credential()
	if c.accessValid(cred) {
		return cred, nil
	}

	c.setState(StateLoading)
	loaded, err := c.storage.LoadToken(ctx, c.tokenKey)
	switch {
	case errors.Is(err, ErrTokenNotFound):
		c.logger.Warn("No stored credential, manual authorization required",
			"function", "EnsureAuthenticated",
			"token_key", c.tokenKey,
			"error", err)
		return c.manualReauthorize(ctx)
	case err != nil:
		c.setState(StateLoadFailed)
		c.logger.Error("Credential store unreachable",
			"function", "EnsureAuthenticated",
			"token_key", c.tokenKey,
			"error", err)
		return nil, fmt.Errorf("loading credential: %w", err)
	}
	cred = loaded

	if c.accessValid(cred) {
		c.setCurrent(cred, StateValid)
		c.logger.Info("Loaded valid credential from store",
			"function", "EnsureAuthenticated",
			"access_expires", cred.AccessExpiry(),
			"refresh_expires", cred.RefreshExpiry())
		return cred, nil
	}

	c.setCurrent(cred, StateAccessExpired)
	if !c.refreshValid(cred) {
		c.setState(StateRefreshTokenExpired)
		c.logger.Warn("Refresh token expired, manual authorization required",
			"function", "EnsureAuthenticated",
			"created", cred.CreatedAt(),
			"refresh_expired", cred.RefreshExpiry())
		return c.manualReauthorize(ctx)
	}

	refreshed, err := c.refresh(ctx, cred)
	if err == nil {
		return refreshed, nil
	}
	if !errors.Is(err, ErrAuthFailure) {
		return nil, err
	}
	c.logger.Warn("Refresh token rejected, manual authorization required",
		"function", "EnsureAuthenticated",
		"error", err)
	return c.manualReauthorize(ctx)
}

// Refresh exchanges the refresh token for a new access token regardless of
// the current access expiry. The creation timestamp is preserved.
func (c *SchwabAuthClient) Refresh(ctx context.Context) (*Credential, error) {
	return c.do(ctx, func(ctx context.Context) (*Credential, error) {
		cred := c.Credential()
		if cred == nil {
			loaded, err := c.Load(ctx)
			if err != nil {
				return nil, err
			}
			cred = loaded
		}
		if !c.refreshValid(cred) {
			c.setState(StateRefreshTokenExpired)
			return nil, fmt.Errorf("%w: refresh token expired at %v", ErrAuthFailure, cred.RefreshExpiry())
		}
		return c.refresh(ctx, cred)
	})
}

func (c *SchwabAuthClient) oauthContext(ctx context.Context) context.Context {
	if c.httpClient != nil {
		return context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	}
	return ctx
}

func (c *SchwabAuthClient) refresh(ctx context.Context, cred *Credential) (*Credential, error) {
	c.setState(StateRefreshing)

	// An empty access token forces the token source to hit the token endpoint.
	src := c.config.TokenSource(c.oauthContext(ctx), &oauth2.Token{RefreshToken: cred.Token.RefreshToken})
	tok, err := src.Token()
	if err != nil {
		c.setState(StateAccessExpired)
		c.logger.Error("Unable to refresh token",
			"function", "refresh",
			"error", err)
		return nil, classifyTokenError("refresh token", err)
	}

	refreshed := c.credentialFromToken(tok, cred.CreatedTimestamp)
	if refreshed.Token.RefreshToken == "" {
		refreshed.Token.RefreshToken = cred.Token.RefreshToken
	}
	c.setCurrent(refreshed, StateValid)
	if err := c.save(ctx, refreshed); err != nil {
		return nil, err
	}

	c.logger.Info("Access token refreshed",
		"function", "refresh",
		"access_expires", refreshed.AccessExpiry(),
		"refresh_expires", refreshed.RefreshExpiry())
	return refreshed, nil
}

// classifyTokenError separates a rejected grant (auth failure) from
// everything else (transport failure).
func classifyTokenError(op string, err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		if re.ErrorCode == "invalid_grant" || re.ErrorCode == "invalid_client" ||
			re.ErrorCode == "unauthorized_client" ||
			(re.Response != nil && (re.Response.StatusCode == http.StatusUnauthorized || re.Response.StatusCode == http.StatusBadRequest)) {
			return fmt.Errorf("%s: %w: %w", op, ErrAuthFailure, err)
		}
	}
	return fmt.Errorf("%s: %w: %w", op, ErrTransportFailure, err)
}

// ManualReauthorize runs the interactive authorization code flow. It blocks
// until the operator completes the login or ctx ends.
func (c *SchwabAuthClient) ManualReauthorize(ctx context.Context) (*Credential, error) {
	return c.do(ctx, c.manualReauthorize)
}

func (c *SchwabAuthClient) manualReauthorize(ctx context.Context) (*Credential, error) {
	if c.authorizer == nil {
		c.setState(StateRefreshTokenExpired)
		return nil, ErrNoAuthorizer
	}
	c.setState(StateManualReauth)

	state := uuid.NewString()
	authURL := c.GenerateAuthURL(state)
	c.logger.Info("Starting manual authorization",
		"function", "ManualReauthorize")

	redirect, err := c.authorizer.Authorize(ctx, authURL)
	if err != nil {
		return nil, fmt.Errorf("manual authorization: %w", err)
	}
	code, err := ExtractAuthCode(redirect, state)
	if err != nil {
		return nil, err
	}
	return c.ExchangeCode(ctx, code)
}

// GenerateAuthURL creates the authorization URL with a state parameter.
func (c *SchwabAuthClient) GenerateAuthURL(state string) string {
	return c.config.AuthCodeURL(state, oauth2.AccessTypeOffline)
}

// ExchangeCode trades an authorization code for a new credential, stamps its
// creation time and persists it.
func (c *SchwabAuthClient) ExchangeCode(ctx context.Context, code string) (*Credential, error) {
	tok, err := c.config.Exchange(c.oauthContext(ctx), code)
	if err != nil {
		c.logger.Error("Token exchange failed",
			"function", "ExchangeCode",
			"error", err)
		return nil, classifyTokenError("exchange code", err)
	}

	cred := c.credentialFromToken(tok, timeToEpoch(c.now()))
	c.setCurrent(cred, StateValid)
	if err := c.save(ctx, cred); err != nil {
		return nil, err
	}

	c.logger.Info("Credential obtained",
		"function", "ExchangeCode",
		"access_expires", cred.AccessExpiry(),
		"refresh_expires", cred.RefreshExpiry())
	return cred, nil
}

func (c *SchwabAuthClient) credentialFromToken(tok *oauth2.Token, created float64) *Credential {
	expiresIn := extraInt(tok, "expires_in")
	expiresAt := timeToEpoch(tok.Expiry)
	if expiresIn > 0 {
		expiresAt = timeToEpoch(c.now().Add(time.Duration(expiresIn) * time.Second))
	} else if !tok.Expiry.IsZero() {
		expiresIn = int(tok.Expiry.Sub(c.now()).Seconds())
	}
	return &Credential{
		CreatedTimestamp: created,
		Token: TokenPayload{
			AccessToken:  tok.AccessToken,
			RefreshToken: tok.RefreshToken,
			ExpiresIn:    expiresIn,
			ExpiresAt:    float64(int64(expiresAt)),
			TokenType:    tok.TokenType,
			Scope:        extraString(tok, "scope"),
			IDToken:      extraString(tok, "id_token"),
		},
	}
}

func extraInt(tok *oauth2.Token, key string) int {
	switch v := tok.Extra(key).(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	case string:
		n, _ := strconv.Atoi(v)
		return n
	}
	return 0
}

func extraString(tok *oauth2.Token, key string) string {
	if s, ok := tok.Extra(key).(string); ok {
		return s
	}
	return ""
}

// Save persists the in-memory credential.
func (c *SchwabAuthClient) Save(ctx context.Context) error {
	cred := c.Credential()
	if cred == nil {
		return fmt.Errorf("%w: no credential to save", ErrAuthFailure)
	}
	return c.save(ctx, cred)
}

func (c *SchwabAuthClient) save(ctx context.Context, cred *Credential) error {
	if err := c.storage.SaveToken(ctx, c.tokenKey, cred); err != nil {
		c.logger.Error("Unable to save credential",
			"function", "save",
			"token_key", c.tokenKey,
			"error", err)
		return fmt.Errorf("saving credential: %w", err)
	}
	return nil
}

// Load reads the credential from the store into memory. The returned error
// matches ErrTokenNotFound when nothing is stored.
func (c *SchwabAuthClient) Load(ctx context.Context) (*Credential, error) {
	cred, err := c.storage.LoadToken(ctx, c.tokenKey)
	if err != nil {
		if !errors.Is(err, ErrTokenNotFound) {
			c.setState(StateLoadFailed)
		}
		return nil, err
	}
	state := StateAccessExpired
	if c.accessValid(cred) {
		state = StateValid
	}
	c.setCurrent(cred, state)
	return cred, nil
}

// StartAuthenticationKeeper refreshes the access token shortly before it
// expires, for as long as ctx lives. Once the refresh token has expired it
// falls back to EnsureAuthenticated, which re-authorizes manually.
func (c *SchwabAuthClient) StartAuthenticationKeeper(ctx context.Context) {
	c.logger.Info("Authentication keeper started",
		"function", "StartAuthenticationKeeper")

	go func() {
		defer func() {
			if r := recover(); r != nil {
				c.logger.Error("Panic in authentication keeper",
					"function", "StartAuthenticationKeeper",
					"panic", r)
			}
		}()

		timer := time.NewTimer(c.nextKeeperWait())
		defer timer.Stop()

		for {
			select {
			case <-ctx.Done():
				c.logger.Info("Context cancelled, stopping authentication keeper",
					"function", "StartAuthenticationKeeper")
				return
			case <-timer.C:
				c.keep(ctx)
				timer.Reset(c.nextKeeperWait())
			}
		}
	}()
}

func (c *SchwabAuthClient) keep(ctx context.Context) {
	var err error
	if c.refreshValid(c.Credential()) {
		_, err = c.Refresh(ctx)
	} else {
		_, err = c.EnsureAuthenticated(ctx)
	}
	if err != nil {
		c.logger.Error("Unable to keep credential fresh",
			"function", "StartAuthenticationKeeper",
			"error", err)
		return
	}

	if cred := c.Credential(); cred != nil {
		left := cred.RefreshExpiry().Sub(c.now())
		if left < refreshWarnWindow {
			c.logger.Warn("Refresh token expires soon, manual authorization will be required",
				"function", "StartAuthenticationKeeper",
				"refresh_expires", cred.RefreshExpiry(),
				"remaining", left.Round(time.Minute))
		}
	}
}

func (c *SchwabAuthClient) nextKeeperWait() time.Duration {
	cred := c.Credential()
	if cred == nil {
		return 30 * time.Second
	}
	wait := cred.AccessExpiry().Sub(c.now()) - earlyRefreshTime
	if wait < 5*time.Second {
		return 5 * time.Second
	}
	return wait
}
