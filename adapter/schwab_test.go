package schwab

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"testing"
)

// MockAuthClient for testing the REST client without a token endpoint
type MockAuthClient struct {
	authenticated bool
	accessToken   string
	shouldError   bool

	invalidated []string
	ensureCalls int
}

func (m *MockAuthClient) EnsureAuthenticated(ctx context.Context) (*Credential, error) {
	m.ensureCalls++
	if m.shouldError {
		return nil, fmt.Errorf("mock ensure error: %w", ErrAuthFailure)
	}
	m.authenticated = true
	return &Credential{Token: TokenPayload{AccessToken: m.accessToken}}, nil
}

func (m *MockAuthClient) GetAccessToken(ctx context.Context) (string, error) {
	if m.shouldError {
		return "", fmt.Errorf("mock token error: %w", ErrAuthFailure)
	}
	if !m.authenticated {
		return "", fmt.Errorf("not authenticated")
	}
	return m.accessToken, nil
}

func (m *MockAuthClient) IsAccessValid() bool  { return m.authenticated }
func (m *MockAuthClient) IsRefreshValid() bool { return m.authenticated }

func (m *MockAuthClient) InvalidateAccessToken(token string) {
	m.invalidated = append(m.invalidated, token)
}

func TestSchwabClient_GetMarketHours_MockAuth(t *testing.T) {
	mockServer := NewMockSchwabServer()
	defer mockServer.Close()

	authClient := &MockAuthClient{
		authenticated: true,
		accessToken:   "mock_token",
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	client := NewSchwabClient(authClient, mockServer.GetBaseURL(), logger)

	hours, err := client.GetMarketHours(context.Background(), MarketEquity)
	if err != nil {
		t.Fatalf("GetMarketHours failed: %v", err)
	}

	if !hours.IsOpen {
		t.Errorf("Expected market open, got closed")
	}
	if hours.Regular == nil {
		t.Fatalf("Expected regular session")
	}
	if got := hours.Regular.Start.Format("15:04"); got != "14:30" {
		t.Errorf("Expected regular start 14:30 UTC, got %s", got)
	}

	requests := mockServer.GetRequests()
	if len(requests) != 1 {
		t.Fatalf("Expected 1 request, got %d", len(requests))
	}

	req := requests[0]
	if req.Method != http.MethodGet {
		t.Errorf("Expected GET method, got %s", req.Method)
	}
	if req.Path != MarketDataPath+"/markets/equity" {
		t.Errorf("Expected market hours path, got %s", req.Path)
	}
	if req.Headers["Authorization"] != "Bearer mock_token" {
		t.Errorf("Expected bearer mock_token, got %s", req.Headers["Authorization"])
	}
}

func TestSchwabClient_401InvalidatesToken_MockAuth(t *testing.T) {
	mockServer := NewMockSchwabServer()
	defer mockServer.Close()
	mockServer.RejectAccessToken("mock_token")

	authClient := &MockAuthClient{
		authenticated: true,
		accessToken:   "mock_token",
	}
	client := NewSchwabClient(authClient, mockServer.GetBaseURL(), nil)

	_, err := client.Get(context.Background(), MarketDataPath+"/markets/equity", nil)
	if err == nil {
		t.Fatal("Expected error for rejected token")
	}

	if len(authClient.invalidated) != 1 || authClient.invalidated[0] != "mock_token" {
		t.Errorf("Expected mock_token to be invalidated, got %v", authClient.invalidated)
	}
	if authClient.ensureCalls != 1 {
		t.Errorf("Expected one re-validation, got %d", authClient.ensureCalls)
	}
}

func TestSchwabClient_AuthError_MockAuth(t *testing.T) {
	mockServer := NewMockSchwabServer()
	defer mockServer.Close()

	authClient := &MockAuthClient{shouldError: true}
	client := NewSchwabClient(authClient, mockServer.GetBaseURL(), nil)

	_, err := client.GetUserPreference(context.Background())
	if err == nil {
		t.Fatal("Expected error when auth client fails")
	}

	if len(mockServer.GetRequests()) != 0 {
		t.Errorf("Expected no request without a token, got %d", len(mockServer.GetRequests()))
	}
}
