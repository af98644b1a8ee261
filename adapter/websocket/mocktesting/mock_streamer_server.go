package mocktesting

import (
	"crypto/tls"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
)

// MockStreamRequest is one request received by the mock streamer.
type MockStreamRequest struct {
	Service    string
	Command    string
	RequestID  string
	CustomerID string
	CorrelID   string
	Parameters map[string]string
	Conn       int // 1 for the first connection, 2 after one reconnect, ...
}

// MockStreamerServer is a TLS websocket server speaking the streamer
// protocol. It answers LOGIN with a configurable code and acknowledges every
// other command with code 0.
type MockStreamerServer struct {
	server   *httptest.Server
	upgrader websocket.Upgrader

	clientsMu sync.Mutex
	clients   map[*websocket.Conn]*sync.Mutex // per connection write lock

	requestsMu sync.Mutex
	requests   []MockStreamRequest
	arrived    chan struct{}

	loginCode   atomic.Int64
	silentLogin atomic.Bool
	silentAcks  atomic.Bool
	connections atomic.Int64
	rejectDials atomic.Int64 // HTTP status, 0 accepts
}

// NewMockStreamerServer starts the server.
func NewMockStreamerServer() *MockStreamerServer {
	m := &MockStreamerServer{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*websocket.Conn]*sync.Mutex),
		arrived: make(chan struct{}, 1),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", m.handleWebSocket)
	m.server = httptest.NewTLSServer(mux)
	return m
}

// GetWebSocketURL returns the wss:// URL of the streamer endpoint.
func (m *MockStreamerServer) GetWebSocketURL() string {
	return strings.Replace(m.server.URL, "https://", "wss://", 1) + "/ws"
}

// GetHTTPClient returns a client that trusts the test certificate.
func (m *MockStreamerServer) GetHTTPClient() *http.Client {
	return m.server.Client()
}

// GetTLSConfig returns the TLS configuration trusting the test certificate.
func (m *MockStreamerServer) GetTLSConfig() *tls.Config {
	if t, ok := m.server.Client().Transport.(*http.Transport); ok {
		return t.TLSClientConfig
	}
	return nil
}

// SetLoginCode sets the code returned for LOGIN. Zero means success.
func (m *MockStreamerServer) SetLoginCode(code int) {
	m.loginCode.Store(int64(code))
}

// SetLoginSilent makes the server never answer LOGIN.
func (m *MockStreamerServer) SetLoginSilent(silent bool) {
	m.silentLogin.Store(silent)
}

// SetAcksSilent stops acknowledgements for non-login commands.
func (m *MockStreamerServer) SetAcksSilent(silent bool) {
	m.silentAcks.Store(silent)
}

// RejectDials makes the upgrade handshake fail with status until called
// again with zero.
func (m *MockStreamerServer) RejectDials(status int) {
	m.rejectDials.Store(int64(status))
}

// Connections returns how many websocket connections were accepted.
func (m *MockStreamerServer) Connections() int {
	return int(m.connections.Load())
}

// Requests returns a copy of every request received so far.
func (m *MockStreamerServer) Requests() []MockStreamRequest {
	m.requestsMu.Lock()
	defer m.requestsMu.Unlock()
	out := make([]MockStreamRequest, len(m.requests))
	copy(out, m.requests)
	return out
}

// WaitForRequests waits until at least n requests arrived or timeout elapses
// and returns what was received.
func (m *MockStreamerServer) WaitForRequests(n int, timeout time.Duration) []MockStreamRequest {
	deadline := time.After(timeout)
	for {
		reqs := m.Requests()
		if len(reqs) >= n {
			return reqs
		}
		select {
		case <-m.arrived:
		case <-time.After(20 * time.Millisecond):
		case <-deadline:
			return m.Requests()
		}
	}
}

// SendData pushes a data frame for service to every client. Each content
// entry is keyed by field index and must carry "key".
func (m *MockStreamerServer) SendData(service string, content []map[string]interface{}) error {
	return m.broadcastJSON(map[string]interface{}{
		"data": []map[string]interface{}{{
			"service":   service,
			"timestamp": time.Now().UnixMilli(),
			"command":   "SUBS",
			"content":   content,
		}},
	})
}

// SendHeartbeat pushes a heartbeat notification to every client.
func (m *MockStreamerServer) SendHeartbeat() error {
	return m.broadcastJSON(map[string]interface{}{
		"notify": []map[string]interface{}{{
			"heartbeat": strconv.FormatInt(time.Now().UnixMilli(), 10),
		}},
	})
}

// SendRaw pushes raw as a text frame to every client.
func (m *MockStreamerServer) SendRaw(raw []byte) error {
	return m.broadcast(raw)
}

// DropConnections closes every client connection without a close frame.
func (m *MockStreamerServer) DropConnections() {
	m.clientsMu.Lock()
	defer m.clientsMu.Unlock()
	for conn := range m.clients {
		conn.Close()
	}
	m.clients = make(map[*websocket.Conn]*sync.Mutex)
}

// Close shuts the server down.
func (m *MockStreamerServer) Close() {
	m.DropConnections()
	m.server.Close()
}

func (m *MockStreamerServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if status := m.rejectDials.Load(); status != 0 {
		http.Error(w, "unavailable", int(status))
		return
	}
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	id := int(m.connections.Add(1))
	writeMu := &sync.Mutex{}

	m.clientsMu.Lock()
	m.clients[conn] = writeMu
	m.clientsMu.Unlock()

	defer func() {
		m.clientsMu.Lock()
		delete(m.clients, conn)
		m.clientsMu.Unlock()
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		for _, req := range parseRequests(data, id) {
			m.record(req)
			if reply := m.reply(req); reply != nil {
				writeMu.Lock()
				err := conn.WriteMessage(websocket.TextMessage, reply)
				writeMu.Unlock()
				if err != nil {
					return
				}
			}
		}
	}
}

func parseRequests(data []byte, conn int) []MockStreamRequest {
	var out []MockStreamRequest
	gjson.GetBytes(data, "requests").ForEach(func(_, r gjson.Result) bool {
		params := make(map[string]string)
		r.Get("parameters").ForEach(func(k, v gjson.Result) bool {
			params[k.String()] = v.String()
			return true
		})
		out = append(out, MockStreamRequest{
			Service:    r.Get("service").String(),
			Command:    r.Get("command").String(),
			RequestID:  r.Get("requestid").String(),
			CustomerID: r.Get("SchwabClientCustomerId").String(),
			CorrelID:   r.Get("SchwabClientCorrelId").String(),
			Parameters: params,
			Conn:       conn,
		})
		return true
	})
	return out
}

func (m *MockStreamerServer) record(req MockStreamRequest) {
	m.requestsMu.Lock()
	m.requests = append(m.requests, req)
	m.requestsMu.Unlock()
	select {
	case m.arrived <- struct{}{}:
	default:
	}
}

func (m *MockStreamerServer) reply(req MockStreamRequest) []byte {
	code := 0
	msg := "SUCCESS"
	if req.Command == "LOGIN" {
		if m.silentLogin.Load() {
			return nil
		}
		code = int(m.loginCode.Load())
		msg = "server=mock;status=PN"
		if code != 0 {
			msg = "Login denied"
		}
	} else if m.silentAcks.Load() {
		return nil
	}
	data, _ := json.Marshal(map[string]interface{}{
		"response": []map[string]interface{}{{
			"service":              req.Service,
			"command":              req.Command,
			"requestid":            req.RequestID,
			"SchwabClientCorrelId": req.CorrelID,
			"timestamp":            time.Now().UnixMilli(),
			"content": map[string]interface{}{
				"code": code,
				"msg":  msg,
			},
		}},
	})
	return data
}

func (m *MockStreamerServer) broadcastJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return m.broadcast(data)
}

func (m *MockStreamerServer) broadcast(data []byte) error {
	m.clientsMu.Lock()
	defer m.clientsMu.Unlock()
	for conn, mu := range m.clients {
		mu.Lock()
		err := conn.WriteMessage(websocket.TextMessage, data)
		mu.Unlock()
		if err != nil {
			return err
		}
	}
	return nil
}

