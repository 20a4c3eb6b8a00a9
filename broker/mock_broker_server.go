package broker

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
)

// MockBrokerServer is an httptest-backed stand-in for the broker's HTTP
// surface, currently just the OAuth token endpoint. Used by auth tests.
type MockBrokerServer struct {
	server *httptest.Server

	mu           sync.Mutex
	rejectLogin  bool
	issuedToken  string
	capturedForm map[string]string
}

func NewMockBrokerServer() *MockBrokerServer {
	m := &MockBrokerServer{issuedToken: "mock-access-token"}
	mux := http.NewServeMux()
	mux.HandleFunc("/v2/oauth/token", m.handleToken)
	m.server = httptest.NewServer(mux)
	return m
}

func (m *MockBrokerServer) URL() string { return m.server.URL }

func (m *MockBrokerServer) Close() { m.server.Close() }

// RejectLogin makes the token endpoint answer 401.
func (m *MockBrokerServer) RejectLogin(reject bool) {
	m.mu.Lock()
	m.rejectLogin = reject
	m.mu.Unlock()
}

// SetToken changes the access token the endpoint issues.
func (m *MockBrokerServer) SetToken(token string) {
	m.mu.Lock()
	m.issuedToken = token
	m.mu.Unlock()
}

// LastForm returns the form fields of the most recent token request.
func (m *MockBrokerServer) LastForm() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.capturedForm))
	for k, v := range m.capturedForm {
		out[k] = v
	}
	return out
}

func (m *MockBrokerServer) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}

	m.mu.Lock()
	m.capturedForm = make(map[string]string)
	for k := range r.PostForm {
		m.capturedForm[k] = r.PostForm.Get(k)
	}
	reject := m.rejectLogin
	token := m.issuedToken
	m.mu.Unlock()

	if reject {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]string{"error": "invalid_grant"})
		return
	}

	// Session cookie alongside the token, like the real broker.
	http.SetCookie(w, &http.Cookie{Name: "ssid", Value: token, Path: "/"})
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"access_token": token,
		"token_type":   "Bearer",
		"expires_in":   3600,
	})
}
