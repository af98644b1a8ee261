package schwab

import (
	"context"
)

// ============================================================================
// INTERFACES - contracts between the token lifecycle, the REST client and
// the streamer
// ============================================================================

// AuthClient supplies valid bearer credentials.
type AuthClient interface {
	EnsureAuthenticated(ctx context.Context) (*Credential, error)
	GetAccessToken(ctx context.Context) (string, error)
	IsAccessValid() bool
	IsRefreshValid() bool
	// InvalidateAccessToken is called when the provider rejects token.
	InvalidateAccessToken(token string)
}

// TokenStorage persists a Credential under a key. LoadToken must return an
// error matching ErrTokenNotFound when the key holds nothing; any other error
// is treated as the store being unreachable.
type TokenStorage interface {
	SaveToken(ctx context.Context, key string, cred *Credential) error
	LoadToken(ctx context.Context, key string) (*Credential, error)
}

// Authorizer performs the interactive part of the authorization code flow: it
// presents authURL to the operator and returns the URL the browser was
// redirected to after login.
type Authorizer interface {
	Authorize(ctx context.Context, authURL string) (redirectURL string, err error)
}

// PreferenceSource returns the user preference document used by the streamer login.
type PreferenceSource interface {
	GetUserPreference(ctx context.Context) (*UserPreference, error)
}

// MarketHoursSource returns the current session window for a market.
type MarketHoursSource interface {
	GetMarketHours(ctx context.Context, market string) (*MarketHours, error)
}

// MarketDataClient groups the REST market data calls.
type MarketDataClient interface {
	PreferenceSource
	MarketHoursSource
	GetQuotes(ctx context.Context, symbols []string, fields string) (map[string]Quote, error)
	GetOptionChain(ctx context.Context, params OptionChainParams) (*Response, error)
	GetOptionExpirationChain(ctx context.Context, symbol string) ([]Expiration, error)
}
