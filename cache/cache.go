// Package cache persists the daemon's mutable state as a single JSON document:
// current credentials and their expiry, the set of recording ids already
// announced, and the per-folder embed colors. Saves are atomic (temp sibling,
// fsync, rename) so a crashed write never leaves a truncated file behind.
package cache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultFileName is the cache document written to the working directory.
const DefaultFileName = "panoptocord-cache.json"

// File is the persisted camelCase cache document.
type File struct {
	LastUpdated             time.Time      `json:"lastUpdated"`
	RefreshToken            string         `json:"refreshToken"`
	AccessToken             string         `json:"accessToken"`
	AccessTokenExpires      time.Time      `json:"accessTokenExpires"`
	CachedRecordings        []string       `json:"cachedRecordings"`
	ColorMap                map[string]int `json:"colorMap"`
	LastChangedRefreshToken string         `json:"lastChangedRefreshToken"`
	LastChangedAccessToken  string         `json:"lastChangedAccessToken"`

	// seen mirrors CachedRecordings for O(1) membership tests. The slice
	// stays append-only for diagnostic readability of the JSON file.
	seen map[string]struct{}
}

// sentinel instant in the past; forces a refresh on the first cycle of a
// fresh cache.
var epoch = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

// New builds a fresh cache from the configured credentials with an expiry in
// the past, so the next cycle refreshes before listing.
func New(refreshToken, accessToken string) *File {
	return &File{
		LastUpdated:             epoch,
		RefreshToken:            refreshToken,
		AccessToken:             accessToken,
		AccessTokenExpires:      epoch,
		CachedRecordings:        []string{},
		ColorMap:                map[string]int{},
		LastChangedRefreshToken: refreshToken,
		LastChangedAccessToken:  accessToken,
		seen:                    map[string]struct{}{},
	}
}

// Seen reports whether a recording id has already been announced.
func (f *File) Seen(id string) bool {
	_, ok := f.seen[id]
	return ok
}

// MarkSeen appends a recording id to the seen-set. Ids are never removed,
// even for folders dropped from the config, so a re-added folder is not
// re-announced.
func (f *File) MarkSeen(id string) {
	if f.Seen(id) {
		return
	}
	f.CachedRecordings = append(f.CachedRecordings, id)
	f.seen[id] = struct{}{}
}

// SeenCount returns the number of announced recording ids.
func (f *File) SeenCount() int { return len(f.seen) }

// reindex rebuilds the membership index after unmarshaling.
func (f *File) reindex() {
	f.seen = make(map[string]struct{}, len(f.CachedRecordings))
	for _, id := range f.CachedRecordings {
		f.seen[id] = struct{}{}
	}
	if f.CachedRecordings == nil {
		f.CachedRecordings = []string{}
	}
	if f.ColorMap == nil {
		f.ColorMap = map[string]int{}
	}
}

// Store reads and writes the cache document at a fixed path.
type Store struct {
	Path string
}

// NewStore returns a store for path, defaulting to DefaultFileName in the
// working directory.
func NewStore(path string) *Store {
	if path == "" {
		path = DefaultFileName
	}
	return &Store{Path: path}
}

// Load reads the cache document. Any failure (missing file, malformed JSON)
// is returned to the caller, which recovers by synthesizing a fresh cache
// from the config.
func (s *Store) Load() (*File, error) {
	raw, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("read cache %s: %w", s.Path, err)
	}
	f := &File{}
	if err := json.Unmarshal(raw, f); err != nil {
		return nil, fmt.Errorf("parse cache %s: %w", s.Path, err)
	}
	f.reindex()
	return f, nil
}

// Save writes the document atomically: a reader opening the file mid-save
// sees either the prior or the new complete document, never a partial one.
func (s *Store) Save(f *File) error {
	raw, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("encode cache: %w", err)
	}
	dir := filepath.Dir(s.Path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.Path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp cache: %w", err)
	}
	defer func() {
		// No-ops after a successful rename.
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}()
	if _, err := tmp.Write(raw); err != nil {
		return fmt.Errorf("write temp cache: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp cache: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp cache: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.Path); err != nil {
		return fmt.Errorf("rename temp cache: %w", err)
	}
	return nil
}
