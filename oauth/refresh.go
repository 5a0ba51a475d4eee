// Package oauth owns the access/refresh token pair persisted in the cache
// file. It performs the refresh-token grant against the configured token
// endpoint, detects operator-initiated credential rotation in the config,
// and classifies refresh failures into a small taxonomy the poll engine can
// report without dying.
package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/duskhorn/panoptocord/cache"
	"github.com/duskhorn/panoptocord/config"
)

// ExpiryMargin is subtracted from the server-reported token lifetime so the
// token is rotated comfortably before the upstream rejects it.
const ExpiryMargin = 5 * time.Minute

// scopes requested on every refresh grant.
const scopes = "api offline_access"

// Kind classifies a refresh failure.
type Kind int

const (
	// KindServerResponse: the endpoint returned a structured OAuth2 error.
	KindServerResponse Kind = iota
	// KindTransport: send/receive failure below the protocol.
	KindTransport
	// KindParse: the endpoint answered, but not with a valid token response.
	KindParse
	// KindOther: anything else, including unexpected response shapes.
	KindOther
)

// String returns a human-readable name for the failure kind.
func (k Kind) String() string {
	switch k {
	case KindServerResponse:
		return "server_response"
	case KindTransport:
		return "transport"
	case KindParse:
		return "parse"
	default:
		return "other"
	}
}

// RefreshError is a classified token refresh failure. All kinds are
// non-fatal to the process.
type RefreshError struct {
	Kind        Kind
	Description string
	Err         error
}

func (e *RefreshError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("token refresh (%s): %s: %v", e.Kind, e.Description, e.Err)
	}
	return fmt.Sprintf("token refresh (%s): %s", e.Kind, e.Description)
}

func (e *RefreshError) Unwrap() error { return e.Err }

// tokenResponse is the RFC 6749 success shape.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	Scope        string `json:"scope"`
}

// tokenError is the RFC 6749 error shape.
type tokenError struct {
	Code        string `json:"error"`
	Description string `json:"error_description"`
}

// Manager executes the refresh-token grant and mutates cache credentials.
// Credentials are mutated by this type only.
type Manager struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	HTTPClient   *http.Client

	// Now is a clock hook for tests; defaults to time.Now.
	Now func() time.Time
}

func (m *Manager) http() *http.Client {
	if m.HTTPClient != nil {
		return m.HTTPClient
	}
	return http.DefaultClient
}

func (m *Manager) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

// EnsureFresh refreshes the token iff its stored expiry has passed.
// Idempotent: with a live token it does nothing.
func (m *Manager) EnsureFresh(ctx context.Context, c *cache.File) error {
	if m.now().Before(c.AccessTokenExpires) {
		return nil
	}
	return m.Refresh(ctx, c)
}

// ReconcileWithConfig detects operator-initiated credential rotation: if
// either config token differs from the value recorded at the last forced
// refresh, the config values overwrite both the current and the recorded
// fields and a refresh is forced. Returns whether a rotation was applied.
func (m *Manager) ReconcileWithConfig(ctx context.Context, c *cache.File, cfg *config.Config) (bool, error) {
	if c.LastChangedRefreshToken == cfg.RefreshToken && c.LastChangedAccessToken == cfg.AccessToken {
		return false, nil
	}
	slog.Info("token invalidated by config change, refreshing")
	c.LastChangedRefreshToken = cfg.RefreshToken
	c.LastChangedAccessToken = cfg.AccessToken
	c.RefreshToken = cfg.RefreshToken
	c.AccessToken = cfg.AccessToken
	if err := m.Refresh(ctx, c); err != nil {
		return true, err
	}
	return true, nil
}

// Refresh executes the refresh-token grant with client credentials in the
// request body (Panopto rejects Basic auth here). On success the cache is
// updated in place: the refresh token only when the server rotates it, the
// expiry only when the server reports a lifetime.
func (m *Manager) Refresh(ctx context.Context, c *cache.File) error {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", c.RefreshToken)
	form.Set("client_id", m.ClientID)
	form.Set("client_secret", m.ClientSecret)
	form.Set("scope", scopes)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return &RefreshError{Kind: KindOther, Description: "building request", Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.http().Do(req)
	if err != nil {
		return &RefreshError{Kind: KindTransport, Description: "failed to send/recv request", Err: err}
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &RefreshError{Kind: KindTransport, Description: "failed to read response", Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var te tokenError
		if err := json.Unmarshal(body, &te); err == nil && te.Code != "" {
			desc := te.Description
			if desc == "" {
				desc = te.Code
			}
			return &RefreshError{Kind: KindServerResponse, Description: desc}
		}
		return &RefreshError{Kind: KindOther, Description: fmt.Sprintf("unexpected response: %s", resp.Status)}
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return &RefreshError{Kind: KindParse, Description: "failed to parse token response", Err: err}
	}
	if tr.AccessToken == "" {
		return &RefreshError{Kind: KindParse, Description: "token response missing access_token"}
	}

	c.AccessToken = tr.AccessToken
	if tr.RefreshToken != "" {
		c.RefreshToken = tr.RefreshToken
	}
	if tr.ExpiresIn > 0 {
		c.AccessTokenExpires = m.now().Add(time.Duration(tr.ExpiresIn)*time.Second - ExpiryMargin)
	}
	return nil
}

// KindOf extracts the failure kind from any error chain containing a
// RefreshError; errors outside the taxonomy report KindOther.
func KindOf(err error) Kind {
	var re *RefreshError
	if errors.As(err, &re) {
		return re.Kind
	}
	return KindOther
}
