package schwab

import (
	"context"
	"testing"
	"time"
)

func TestSchwabIntegration_GetMarketHours(t *testing.T) {
	config := LoadTestConfig()

	if !config.IsIntegrationTestEnabled() {
		t.Skip("Integration tests disabled - set SCHWAB_APP_KEY, SCHWAB_APP_SECRET and SCHWAB_TOKEN_FILE_PATH")
	}

	storage, err := NewFileTokenStorage(config.TokenPath)
	if err != nil {
		t.Fatalf("Token storage: %v", err)
	}

	cfg := &Config{
		AppKey:      config.AppKey,
		AppSecret:   config.AppSecret,
		CallbackURL: DefaultCallbackURL,
		AuthURL:     DefaultAuthURL,
		TokenURL:    DefaultTokenURL,
	}
	// No authorizer: the test must not block on an interactive login.
	authClient := NewSchwabAuthClient(NewOAuthConfig(cfg), storage, DefaultTokenKey, nil, nil)
	client := NewSchwabClient(authClient, DefaultBaseURL, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	hours, err := client.GetMarketHours(ctx, MarketEquity)
	if err != nil {
		t.Fatalf("GetMarketHours failed: %v", err)
	}
	t.Logf("Market %s open=%v regular=%+v", hours.Market, hours.IsOpen, hours.Regular)
}
