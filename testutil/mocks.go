// Package testutil provides httptest-backed mocks for the three external
// surfaces: the Panopto listing API, the OAuth2 token endpoint, and the
// Discord incoming webhook.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// MockPanoptoServer mocks the Panopto REST API and token endpoint.
type MockPanoptoServer struct {
	*httptest.Server
	Handlers map[string]http.HandlerFunc
}

// NewMockPanoptoServer creates a mock Panopto instance. Register responses
// via the Mock* helpers or directly in Handlers (keyed by URL path).
func NewMockPanoptoServer(t *testing.T) *MockPanoptoServer {
	t.Helper()
	m := &MockPanoptoServer{
		Handlers: make(map[string]http.HandlerFunc),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := m.Handlers[r.URL.Path]; ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

// BaseURL returns the instance root with trailing slash, as the client and
// config expect.
func (m *MockPanoptoServer) BaseURL() string {
	return m.URL + "/"
}

// MockSessionsResponse registers a folder listing with raw PascalCase
// session objects.
func (m *MockPanoptoServer) MockSessionsResponse(folderID string, sessions []map[string]any) {
	path := fmt.Sprintf("/Panopto/api/v1/folders/%s/sessions", folderID)
	m.Handlers[path] = func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"Results": sessions}) //nolint:errcheck // test mock response
	}
}

// MockSessionsError registers a failing folder listing.
func (m *MockPanoptoServer) MockSessionsError(folderID string, status int) {
	path := fmt.Sprintf("/Panopto/api/v1/folders/%s/sessions", folderID)
	m.Handlers[path] = func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(status), status)
	}
}

// MockTokenResponse registers a successful refresh grant at
// /Panopto/oauth2/connect/token.
func (m *MockPanoptoServer) MockTokenResponse(accessToken, refreshToken string, expiresIn int) {
	m.Handlers["/Panopto/oauth2/connect/token"] = func(w http.ResponseWriter, r *http.Request) {
		response := map[string]any{
			"access_token": accessToken,
			"expires_in":   expiresIn,
			"token_type":   "Bearer",
		}
		if refreshToken != "" {
			response["refresh_token"] = refreshToken
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response) //nolint:errcheck // test mock response
	}
}

// MockTokenError registers a structured OAuth2 error response.
func (m *MockPanoptoServer) MockTokenError(status int, code, description string) {
	m.Handlers["/Panopto/oauth2/connect/token"] = func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]string{ //nolint:errcheck // test mock response
			"error":             code,
			"error_description": description,
		})
	}
}

// TokenURL returns the mock token endpoint.
func (m *MockPanoptoServer) TokenURL() string {
	return m.URL + "/Panopto/oauth2/connect/token"
}

// MockDiscordServer records webhook deliveries.
type MockDiscordServer struct {
	*httptest.Server

	mu       sync.Mutex
	status   int
	payloads []DiscordPayload
}

// DiscordPayload is the decoded body of one webhook delivery.
type DiscordPayload struct {
	Content *string          `json:"content"`
	Embeds  []map[string]any `json:"embeds"`

	// WaitParam is the raw ?wait query value the client sent.
	WaitParam string `json:"-"`
}

// NewMockDiscordServer creates a webhook sink answering with 200.
func NewMockDiscordServer(t *testing.T) *MockDiscordServer {
	t.Helper()
	m := &MockDiscordServer{status: http.StatusOK}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p DiscordPayload
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			http.Error(w, "bad payload", http.StatusBadRequest)
			return
		}
		p.WaitParam = r.URL.Query().Get("wait")
		m.mu.Lock()
		m.payloads = append(m.payloads, p)
		status := m.status
		m.mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(m.Close)
	return m
}

// SetStatus changes the response status for subsequent deliveries.
func (m *MockDiscordServer) SetStatus(status int) {
	m.mu.Lock()
	m.status = status
	m.mu.Unlock()
}

// Payloads returns a copy of the recorded deliveries.
func (m *MockDiscordServer) Payloads() []DiscordPayload {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]DiscordPayload, len(m.payloads))
	copy(out, m.payloads)
	return out
}
