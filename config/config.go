// Package config loads the JSON configuration file and provides a typed Config
// used across the service. The schema is fixed; operational knobs (poll
// interval, HTTP address, log level) come from the environment instead.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Config mirrors the camelCase config.json schema. It is immutable after Load.
type Config struct {
	AuthorizationURL string   `json:"authorizationUrl"`
	AccessTokenURL   string   `json:"accessTokenUrl"`
	ClientID         string   `json:"clientId"`
	ClientSecret     string   `json:"clientSecret"`
	RefreshToken     string   `json:"refreshToken"`
	AccessToken      string   `json:"accessToken"`
	Folders          []string `json:"folders"`
	WebhookURL       string   `json:"webhookUrl"`
	WebhookErrorURL  string   `json:"webhookErrorUrl"`
	PanoptoBase      string   `json:"panoptoBase"`
	FilterSinceDate  string   `json:"filterSinceDate,omitempty"`

	// FilterSince is the parsed form of FilterSinceDate; nil when unset.
	FilterSince *time.Time `json:"-"`
}

// Load reads and decodes the config file at path. Any failure here is fatal
// to the caller: the daemon cannot run without upstream credentials.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := &Config{}
	if err := json.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	if cfg.FilterSinceDate != "" {
		t, err := parseISOInstant(cfg.FilterSinceDate)
		if err != nil {
			return nil, fmt.Errorf("config %s: invalid filterSinceDate: %w", path, err)
		}
		cfg.FilterSince = &t
	}
	return cfg, nil
}

// Validate checks the fields without which no request can be made.
func (c *Config) Validate() error {
	switch {
	case c.AccessTokenURL == "":
		return fmt.Errorf("missing accessTokenUrl")
	case c.ClientID == "":
		return fmt.Errorf("missing clientId")
	case c.ClientSecret == "":
		return fmt.Errorf("missing clientSecret")
	case c.RefreshToken == "":
		return fmt.Errorf("missing refreshToken")
	case c.WebhookURL == "":
		return fmt.Errorf("missing webhookUrl")
	case c.PanoptoBase == "":
		return fmt.Errorf("missing panoptoBase")
	case len(c.Folders) == 0:
		return fmt.Errorf("no folders configured")
	}
	return nil
}

// parseISOInstant accepts a full RFC3339 timestamp or a bare date, both
// interpreted as UTC.
func parseISOInstant(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("want RFC3339 or YYYY-MM-DD: %w", err)
	}
	return t.UTC(), nil
}
