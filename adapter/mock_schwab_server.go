package schwab

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"
)

// TokenPath is the token endpoint path, relative to the API domain.
const TokenPath = "/v1/oauth/token"

// MockSchwabServer is an HTTP mock of the provider REST API and token
// endpoint for unit tests.
type MockSchwabServer struct {
	server *httptest.Server

	mu         sync.Mutex
	responses  map[string]MockResponse
	requests   []MockRequest
	rejected   map[string]bool
	tokenCalls int
	tokenDelay time.Duration
}

// MockResponse represents a configured mock response.
type MockResponse struct {
	StatusCode int
	Body       interface{}
	Headers    map[string]string
}

// MockRequest tracks incoming requests for verification.
type MockRequest struct {
	Method  string
	Path    string
	Query   string
	Body    string
	Headers map[string]string
}

// NewMockSchwabServer starts the mock with default responses.
func NewMockSchwabServer() *MockSchwabServer {
	mock := &MockSchwabServer{
		responses: make(map[string]MockResponse),
		rejected:  make(map[string]bool),
	}
	mock.server = httptest.NewServer(http.HandlerFunc(mock.handleRequest))
	mock.setDefaultResponses()
	return mock
}

// Close shuts down the mock server.
func (m *MockSchwabServer) Close() {
	m.server.Close()
}

// GetBaseURL returns the mock API domain.
func (m *MockSchwabServer) GetBaseURL() string {
	return m.server.URL
}

// GetTokenURL returns the mock token endpoint.
func (m *MockSchwabServer) GetTokenURL() string {
	return m.server.URL + TokenPath
}

// SetResponse configures the answer for method and path.
func (m *MockSchwabServer) SetResponse(method, path string, statusCode int, body interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[method+" "+path] = MockResponse{
		StatusCode: statusCode,
		Body:       body,
		Headers:    map[string]string{"Content-Type": "application/json"},
	}
}

// SetTokenResponse configures the token endpoint answer.
func (m *MockSchwabServer) SetTokenResponse(statusCode int, body interface{}) {
	m.SetResponse(http.MethodPost, TokenPath, statusCode, body)
}

// SetTokenDelay makes the token endpoint slow, to hold a refresh in flight.
func (m *MockSchwabServer) SetTokenDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokenDelay = d
}

// RejectAccessToken answers 401 to any API request bearing token.
func (m *MockSchwabServer) RejectAccessToken(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejected[token] = true
}

// TokenCalls returns how many times the token endpoint was hit.
func (m *MockSchwabServer) TokenCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tokenCalls
}

// GetRequests returns all captured requests for verification.
func (m *MockSchwabServer) GetRequests() []MockRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockRequest, len(m.requests))
	copy(out, m.requests)
	return out
}

// ClearRequests clears the request history.
func (m *MockSchwabServer) ClearRequests() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = nil
}

func (m *MockSchwabServer) handleRequest(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	headers := make(map[string]string)
	for key, values := range r.Header {
		headers[key] = strings.Join(values, ", ")
	}

	m.mu.Lock()
	m.requests = append(m.requests, MockRequest{
		Method:  r.Method,
		Path:    r.URL.Path,
		Query:   r.URL.RawQuery,
		Body:    string(body),
		Headers: headers,
	})
	isToken := r.URL.Path == TokenPath
	delay := m.tokenDelay
	if isToken {
		m.tokenCalls++
	}
	bearer := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	reject := !isToken && m.rejected[bearer]
	response, exists := m.responses[fmt.Sprintf("%s %s", r.Method, r.URL.Path)]
	m.mu.Unlock()

	if isToken && delay > 0 {
		time.Sleep(delay)
	}

	if reject {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]string{"message": "Unauthorized"})
		return
	}

	if !exists {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{
			"message": "Endpoint not found",
		})
		return
	}

	for key, value := range response.Headers {
		w.Header().Set(key, value)
	}
	w.WriteHeader(response.StatusCode)
	if response.Body != nil {
		json.NewEncoder(w).Encode(response.Body)
	}
}

// MockTokenResponse is a token endpoint body.
func MockTokenResponse(access, refresh string, expiresIn int) map[string]interface{} {
	return map[string]interface{}{
		"access_token":  access,
		"refresh_token": refresh,
		"token_type":    "Bearer",
		"expires_in":    expiresIn,
		"scope":         "api",
		"id_token":      "mock_id_token",
	}
}

// MockUserPreference is a user preference body pointing the streamer at socketURL.
func MockUserPreference(socketURL string) map[string]interface{} {
	return map[string]interface{}{
		"accounts": []map[string]interface{}{
			{"accountNumber": "12345678", "primaryAccount": true, "type": "BROKERAGE", "nickName": "Individual"},
		},
		"streamerInfo": []map[string]interface{}{
			{
				"streamerSocketUrl":      socketURL,
				"schwabClientCustomerId": "customer-123",
				"schwabClientCorrelId":   "correl-456",
				"schwabClientChannel":    "N9",
				"schwabClientFunctionId": "APIAPP",
			},
		},
	}
}

// MockMarketHours is a market hours body. productKey is "EQ" for an open day
// and "equity" for a closed one.
func MockMarketHours(productKey string, isOpen bool, start, end string) map[string]interface{} {
	product := map[string]interface{}{
		"date":       "2024-11-15",
		"marketType": "EQUITY",
		"product":    productKey,
		"isOpen":     isOpen,
	}
	if isOpen {
		product["sessionHours"] = map[string]interface{}{
			"preMarket":     []map[string]string{{"start": "2024-11-15T07:00:00-05:00", "end": start}},
			"regularMarket": []map[string]string{{"start": start, "end": end}},
			"postMarket":    []map[string]string{{"start": end, "end": "2024-11-15T20:00:00-05:00"}},
		}
	}
	return map[string]interface{}{
		"equity": map[string]interface{}{productKey: product},
	}
}

func (m *MockSchwabServer) setDefaultResponses() {
	m.SetTokenResponse(http.StatusOK, MockTokenResponse("mock_access_token", "mock_refresh_token", 1800))
	m.SetResponse(http.MethodGet, AccountTraderPath+"/userPreference", http.StatusOK,
		MockUserPreference("wss://streamer-api.schwab.com/ws"))
	m.SetResponse(http.MethodGet, MarketDataPath+"/markets/equity", http.StatusOK,
		MockMarketHours("EQ", true, "2024-11-15T09:30:00-05:00", "2024-11-15T16:00:00-05:00"))
}
