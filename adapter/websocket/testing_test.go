package websocket

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	schwab "github.com/bjoelf/schwab-adapter/adapter"
	"github.com/bjoelf/schwab-adapter/adapter/websocket/mocktesting"
)

const testAccessToken = "stream_access_token"

// stubAuth hands out a fixed access token.
type stubAuth struct {
	calls atomic.Int64
	err   error
}

func (a *stubAuth) EnsureAuthenticated(ctx context.Context) (*schwab.Credential, error) {
	a.calls.Add(1)
	if a.err != nil {
		return nil, a.err
	}
	return &schwab.Credential{
		CreatedTimestamp: float64(time.Now().Unix()),
		Token: schwab.TokenPayload{
			AccessToken: testAccessToken,
			ExpiresAt:   float64(time.Now().Add(30 * time.Minute).Unix()),
		},
	}, nil
}

func (a *stubAuth) GetAccessToken(ctx context.Context) (string, error) {
	cred, err := a.EnsureAuthenticated(ctx)
	if err != nil {
		return "", err
	}
	return cred.Token.AccessToken, nil
}

func (a *stubAuth) IsAccessValid() bool               { return a.err == nil }
func (a *stubAuth) IsRefreshValid() bool              { return a.err == nil }
func (a *stubAuth) InvalidateAccessToken(token string) {}

// staticPrefs serves one streamer entry.
type staticPrefs struct {
	info schwab.StreamerInfo
	err  error
}

func (p staticPrefs) GetUserPreference(ctx context.Context) (*schwab.UserPreference, error) {
	if p.err != nil {
		return nil, p.err
	}
	return &schwab.UserPreference{StreamerInfo: []schwab.StreamerInfo{p.info}}, nil
}

func streamerInfo(url string) schwab.StreamerInfo {
	return schwab.StreamerInfo{
		StreamerSocketURL:      url,
		SchwabClientCustomerID: "customer-123",
		SchwabClientCorrelID:   "correl-456",
		SchwabClientChannel:    "N9",
		SchwabClientFunctionID: "APIAPP",
	}
}

func newMockStreamer(t *testing.T) *mocktesting.MockStreamerServer {
	t.Helper()
	server := mocktesting.NewMockStreamerServer()
	t.Cleanup(server.Close)
	return server
}

// newTestStreamClient returns a client pointed at server with fast login polls.
func newTestStreamClient(t *testing.T, server *mocktesting.MockStreamerServer, opts ...StreamOption) *StreamClient {
	t.Helper()
	base := []StreamOption{
		WithSessionOptions(WithTLSConfig(server.GetTLSConfig())),
		WithLoginPollInterval(20 * time.Millisecond),
	}
	client := NewStreamClient(&stubAuth{}, staticPrefs{info: streamerInfo(server.GetWebSocketURL())}, nil, append(base, opts...)...)
	t.Cleanup(func() { client.Close() })
	return client
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}
