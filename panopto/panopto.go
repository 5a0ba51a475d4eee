// Package panopto contains a minimal client for the Panopto REST API,
// limited to listing the sessions of a folder with a bearer access token.
package panopto

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"golang.org/x/oauth2"
)

// Client issues authenticated listing requests against one Panopto instance.
// BaseURL is the instance root including trailing slash, e.g.
// "https://uni.hosted.panopto.com/".
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

func (c *Client) base() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

// http returns a client that injects the bearer token into every request,
// layered over the configured base transport.
func (c *Client) http(ctx context.Context, accessToken string) *http.Client {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.base())
	return oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken}))
}

// ListSessions fetches the sessions of a folder, newest first as the
// upstream sorts them. The caller re-sorts; this just decodes.
func (c *Client) ListSessions(ctx context.Context, accessToken, folderID string) ([]Session, error) {
	if folderID == "" {
		return nil, fmt.Errorf("folderID empty")
	}
	url := fmt.Sprintf("%sPanopto/api/v1/folders/%s/sessions?sortField=CreatedDate&sortOrder=Desc", c.BaseURL, folderID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http(ctx, accessToken).Do(req)
	if err != nil {
		return nil, fmt.Errorf("list folder %s: %w", folderID, err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("list folder %s: %s: %s", folderID, resp.Status, string(b))
	}
	var body listResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode folder %s listing: %w", folderID, err)
	}
	return body.Results, nil
}

// FolderURL builds the web UI link for a folder, used as the embed author
// link. The folder id is quoted inside the fragment as the UI expects.
func FolderURL(baseURL, folderID string) string {
	return fmt.Sprintf("%sPanopto/Pages/Sessions/List.aspx#folderID=%%22%s%%22", baseURL, folderID)
}
