// Package discord posts recording announcements and plain operational alerts
// through a Discord incoming webhook. Posts use ?wait=true so the call
// blocks until Discord acknowledges delivery, which keeps the caller's
// ordering guarantees meaningful.
package discord

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/duskhorn/panoptocord/panopto"
)

// FooterText identifies the bot in every embed.
const FooterText = "panoptocord"

type request struct {
	Content *string `json:"content,omitempty"`
	Embeds  []embed `json:"embeds,omitempty"`
}

type embed struct {
	Title       string    `json:"title"`
	Description *string   `json:"description"`
	URL         string    `json:"url"`
	Color       int       `json:"color"`
	Timestamp   time.Time `json:"timestamp"`
	Footer      footer    `json:"footer"`
	Image       image     `json:"image"`
	Author      author    `json:"author"`
	Fields      []field   `json:"fields"`
}

type footer struct {
	Text string `json:"text"`
}

type image struct {
	URL string `json:"url"`
}

type author struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

type field struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Webhook posts payloads to one incoming-webhook URL.
type Webhook struct {
	URL        string
	HTTPClient *http.Client

	// Now supplies the embed timestamp when a recording has no start time.
	Now func() time.Time
}

func (w *Webhook) http() *http.Client {
	if w.HTTPClient != nil {
		return w.HTTPClient
	}
	return http.DefaultClient
}

func (w *Webhook) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now().UTC()
}

// PostRecording announces one recording as an embed with the folder's color.
// folderURL links the author line back to the folder listing page.
func (w *Webhook) PostRecording(ctx context.Context, s *panopto.Session, folderURL string, color int) error {
	ts := w.now()
	if s.StartTime != nil {
		ts = s.StartTime.UTC()
	}
	return w.post(ctx, request{
		Embeds: []embed{{
			Title:       s.Name,
			Description: s.Description,
			URL:         s.Urls.ViewerURL,
			Color:       color,
			Timestamp:   ts,
			Footer:      footer{Text: FooterText},
			Image:       image{URL: s.Urls.ThumbnailURL},
			Author:      author{Name: s.FolderDetails.Name, URL: folderURL},
			Fields: []field{{
				Name:  "Duration",
				Value: FormatDuration(int(s.Duration)),
			}},
		}},
	})
}

// PostMessage posts a plain content-only message; used for operational
// alerts such as refresh failures.
func (w *Webhook) PostMessage(ctx context.Context, text string) error {
	return w.post(ctx, request{Content: &text})
}

func (w *Webhook) post(ctx context.Context, payload request) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode webhook payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL+"?wait=true", bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.http().Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("post webhook: %s: %s", resp.Status, string(b))
	}
	return nil
}

// FormatDuration renders whole seconds as "1h 2m 3s", skipping zero-valued
// leading units. Zero renders as "0s".
func FormatDuration(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	h := seconds / 3600
	m := seconds % 3600 / 60
	s := seconds % 60
	parts := make([]string, 0, 3)
	if h > 0 {
		parts = append(parts, fmt.Sprintf("%dh", h))
	}
	if m > 0 {
		parts = append(parts, fmt.Sprintf("%dm", m))
	}
	if s > 0 || len(parts) == 0 {
		parts = append(parts, fmt.Sprintf("%ds", s))
	}
	return strings.Join(parts, " ")
}
