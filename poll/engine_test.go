package poll

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/duskhorn/panoptocord/cache"
	"github.com/duskhorn/panoptocord/config"
	"github.com/duskhorn/panoptocord/oauth"
	"github.com/duskhorn/panoptocord/panopto"
	"github.com/duskhorn/panoptocord/telemetry"
)

func TestMain(m *testing.M) {
	telemetry.Init()
	os.Exit(m.Run())
}

var testNow = time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)

func session(id, folder string, start *time.Time) panopto.Session {
	return panopto.Session{
		ID:        id,
		Name:      "Recording " + id,
		StartTime: start,
		Duration:  60,
		Folder:    folder,
		Urls: panopto.Urls{
			ViewerURL:    "https://v.example/" + id,
			ThumbnailURL: "https://t.example/" + id + ".jpg",
		},
		FolderDetails: panopto.FolderDetails{ID: folder, Name: "Folder " + folder},
	}
}

func at(t time.Time) *time.Time { return &t }

type fakeLister struct {
	mu        sync.Mutex
	byFolder  map[string][]panopto.Session
	errFolder map[string]error
	tokens    []string
}

func (f *fakeLister) ListSessions(ctx context.Context, accessToken, folderID string) ([]panopto.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens = append(f.tokens, accessToken)
	if err := f.errFolder[folderID]; err != nil {
		return nil, err
	}
	return f.byFolder[folderID], nil
}

type listerFunc func(ctx context.Context, accessToken, folderID string) ([]panopto.Session, error)

func (f listerFunc) ListSessions(ctx context.Context, accessToken, folderID string) ([]panopto.Session, error) {
	return f(ctx, accessToken, folderID)
}

type post struct {
	id    string
	color int
	url   string
}

type fakeAnnouncer struct {
	posts    []post
	messages []string
	failOn   map[string]error
	slept    []time.Duration // gap requests observed before each post
}

func (f *fakeAnnouncer) PostRecording(ctx context.Context, s *panopto.Session, folderURL string, color int) error {
	if err := f.failOn[s.ID]; err != nil {
		return err
	}
	f.posts = append(f.posts, post{id: s.ID, color: color, url: folderURL})
	return nil
}

func (f *fakeAnnouncer) PostMessage(ctx context.Context, text string) error {
	f.messages = append(f.messages, text)
	return nil
}

func (f *fakeAnnouncer) ids() []string {
	out := make([]string, len(f.posts))
	for i, p := range f.posts {
		out[i] = p.id
	}
	return out
}

type fixture struct {
	engine *Engine
	lister *fakeLister
	hook   *fakeAnnouncer
	alerts *fakeAnnouncer
	sleeps *[]time.Duration
}

func newFixture(t *testing.T, cfg *config.Config) *fixture {
	t.Helper()
	lister := &fakeLister{byFolder: map[string][]panopto.Session{}, errFolder: map[string]error{}}
	hook := &fakeAnnouncer{failOn: map[string]error{}}
	alerts := &fakeAnnouncer{failOn: map[string]error{}}
	c := cache.New(cfg.RefreshToken, cfg.AccessToken)
	c.AccessTokenExpires = testNow.Add(time.Hour) // live unless a test expires it
	sleeps := &[]time.Duration{}
	e := &Engine{
		Config:    cfg,
		Store:     cache.NewStore(filepath.Join(t.TempDir(), "cache.json")),
		Cache:     c,
		Tokens:    &oauth.Manager{TokenURL: "http://127.0.0.1:1/token", ClientID: "i", ClientSecret: "s"},
		Upstream:  lister,
		Hook:      hook,
		AlertHook: alerts,
		Now:       func() time.Time { return testNow },
		Sleep: func(ctx context.Context, d time.Duration) error {
			*sleeps = append(*sleeps, d)
			return ctx.Err()
		},
		Rand: rand.New(rand.NewSource(1)),
	}
	return &fixture{engine: e, lister: lister, hook: hook, alerts: alerts, sleeps: sleeps}
}

func testConfig(folders ...string) *config.Config {
	return &config.Config{
		AccessTokenURL:  "https://token.example/token",
		ClientID:        "client-id",
		ClientSecret:    "client-secret",
		RefreshToken:    "refresh-1",
		AccessToken:     "access-1",
		Folders:         folders,
		WebhookURL:      "https://hook.example/1",
		WebhookErrorURL: "https://hook.example/2",
		PanoptoBase:     "https://uni.example/",
	}
}

// A cold start announces the one new recording and records its color and id.
func TestColdStart(t *testing.T) {
	fx := newFixture(t, testConfig("F1"))
	fx.lister.byFolder["F1"] = []panopto.Session{
		session("R1", "F1", at(time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC))),
	}

	fx.engine.RunOnce(context.Background())

	if got := fx.hook.ids(); len(got) != 1 || got[0] != "R1" {
		t.Fatalf("announced = %v, want [R1]", got)
	}
	if !fx.engine.Cache.Seen("R1") {
		t.Error("R1 missing from seen-set")
	}
	color, ok := fx.engine.Cache.ColorMap["F1"]
	if !ok {
		t.Fatal("no color assigned for F1")
	}
	if color < 0 || color > 0xFFFFFF {
		t.Errorf("color = %#x, out of 24-bit range", color)
	}
	if fx.hook.posts[0].color != color {
		t.Errorf("announced color %#x != cached color %#x", fx.hook.posts[0].color, color)
	}
	if want := "https://uni.example/Panopto/Pages/Sessions/List.aspx#folderID=%22F1%22"; fx.hook.posts[0].url != want {
		t.Errorf("folder url = %q, want %q", fx.hook.posts[0].url, want)
	}

	// the cycle result must be on disk
	persisted, err := fx.engine.Store.Load()
	if err != nil {
		t.Fatalf("load persisted cache: %v", err)
	}
	if !persisted.Seen("R1") || persisted.ColorMap["F1"] != color {
		t.Error("persisted cache missing seen id or color")
	}
}

// A second tick with the same upstream response announces nothing.
func TestDedupAcrossTicks(t *testing.T) {
	fx := newFixture(t, testConfig("F1"))
	fx.lister.byFolder["F1"] = []panopto.Session{
		session("R1", "F1", at(time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC))),
	}

	fx.engine.RunOnce(context.Background())
	fx.engine.RunOnce(context.Background())

	if got := fx.hook.ids(); len(got) != 1 {
		t.Errorf("announced = %v, want exactly one R1", got)
	}
}

// Restart simulation: a fresh engine loading the persisted cache must not
// re-announce.
func TestDedupAcrossRestart(t *testing.T) {
	cfg := testConfig("F1")
	fx := newFixture(t, cfg)
	fx.lister.byFolder["F1"] = []panopto.Session{
		session("R1", "F1", at(time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC))),
	}
	fx.engine.RunOnce(context.Background())

	reloaded, err := fx.engine.Store.Load()
	if err != nil {
		t.Fatalf("reload cache: %v", err)
	}
	fx2 := newFixture(t, cfg)
	fx2.engine.Store = fx.engine.Store
	fx2.engine.Cache = reloaded
	fx2.engine.Cache.AccessTokenExpires = testNow.Add(time.Hour)
	fx2.lister.byFolder["F1"] = fx.lister.byFolder["F1"]

	fx2.engine.RunOnce(context.Background())

	if got := fx2.hook.ids(); len(got) != 0 {
		t.Errorf("announced after restart = %v, want none", got)
	}
}

// Recordings older than the cutoff are never announced.
func TestCutoff(t *testing.T) {
	cfg := testConfig("F1")
	since := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	cfg.FilterSince = &since
	fx := newFixture(t, cfg)
	fx.lister.byFolder["F1"] = []panopto.Session{
		session("R3", "F1", at(time.Date(2024, 6, 1, 0, 1, 0, 0, time.UTC))),
		session("R2", "F1", at(time.Date(2024, 5, 31, 23, 59, 0, 0, time.UTC))),
		session("R0", "F1", nil), // undated: excluded while a cutoff is set
	}

	fx.engine.RunOnce(context.Background())

	if got := fx.hook.ids(); len(got) != 1 || got[0] != "R3" {
		t.Errorf("announced = %v, want [R3]", got)
	}
	if fx.engine.Cache.Seen("R2") || fx.engine.Cache.Seen("R0") {
		t.Error("cutoff-excluded recordings must not enter the seen-set")
	}
}

// Undated recordings are announced (first) when no cutoff is configured.
func TestUndatedAnnouncedWithoutCutoff(t *testing.T) {
	fx := newFixture(t, testConfig("F1"))
	fx.lister.byFolder["F1"] = []panopto.Session{
		session("R2", "F1", at(time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC))),
		session("R1", "F1", nil),
	}

	fx.engine.RunOnce(context.Background())

	if got := fx.hook.ids(); len(got) != 2 || got[0] != "R1" || got[1] != "R2" {
		t.Errorf("announced = %v, want [R1 R2]", got)
	}
}

// Announcements across folders are merged in ascending start order with the
// inter-message gap between consecutive posts.
func TestOrderingAcrossFolders(t *testing.T) {
	fx := newFixture(t, testConfig("F1", "F2"))
	fx.lister.byFolder["F1"] = []panopto.Session{
		session("R4", "F1", at(time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC))),
	}
	fx.lister.byFolder["F2"] = []panopto.Session{
		session("R5", "F2", at(time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC))),
	}

	fx.engine.RunOnce(context.Background())

	if got := fx.hook.ids(); len(got) != 2 || got[0] != "R5" || got[1] != "R4" {
		t.Fatalf("announced = %v, want [R5 R4]", got)
	}
	if len(*fx.sleeps) != 1 || (*fx.sleeps)[0] != DefaultGap {
		t.Errorf("gaps = %v, want one %v gap between the two posts", *fx.sleeps, DefaultGap)
	}
	if fx.hook.posts[0].color == fx.hook.posts[1].color {
		t.Error("distinct folders drew the same color from the seeded palette")
	}
}

// One failing listing aborts the whole tick without partial announcements.
func TestListingFailureAbortsTick(t *testing.T) {
	fx := newFixture(t, testConfig("F1", "F2"))
	fx.lister.byFolder["F1"] = []panopto.Session{
		session("R1", "F1", at(time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC))),
	}
	fx.lister.errFolder["F2"] = fmt.Errorf("upstream 503")

	fx.engine.RunOnce(context.Background())

	if len(fx.hook.posts) != 0 {
		t.Errorf("announced = %v, want none on listing failure", fx.hook.ids())
	}
	if fx.engine.Cache.Seen("R1") {
		t.Error("seen-set must not change on an aborted tick")
	}
	if got := fx.engine.Snapshot().LastError; !strings.Contains(got, "upstream 503") {
		t.Errorf("LastError = %q, want listing failure", got)
	}
}

// An announcement failure aborts mid-batch; announced ids stay persisted and
// the remainder is retried next tick.
func TestAnnounceFailureKeepsPartialProgress(t *testing.T) {
	fx := newFixture(t, testConfig("F1"))
	early := session("R1", "F1", at(time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC)))
	late := session("R2", "F1", at(time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC)))
	fx.lister.byFolder["F1"] = []panopto.Session{late, early}
	fx.hook.failOn["R2"] = fmt.Errorf("webhook 500")

	fx.engine.RunOnce(context.Background())

	if got := fx.hook.ids(); len(got) != 1 || got[0] != "R1" {
		t.Fatalf("announced = %v, want [R1]", got)
	}
	persisted, err := fx.engine.Store.Load()
	if err != nil {
		t.Fatalf("load persisted cache: %v", err)
	}
	if !persisted.Seen("R1") {
		t.Error("partial progress R1 not persisted")
	}
	if persisted.Seen("R2") {
		t.Error("failed announcement R2 must not be in the seen-set")
	}

	// next tick retries only R2
	delete(fx.hook.failOn, "R2")
	fx.engine.RunOnce(context.Background())
	if got := fx.hook.ids(); len(got) != 2 || got[1] != "R2" {
		t.Errorf("announced after retry = %v, want [R1 R2]", got)
	}
}

// A folder's color never changes once assigned.
func TestColorStability(t *testing.T) {
	fx := newFixture(t, testConfig("F1"))
	fx.lister.byFolder["F1"] = []panopto.Session{
		session("R1", "F1", at(time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC))),
	}
	fx.engine.RunOnce(context.Background())
	first := fx.engine.Cache.ColorMap["F1"]

	fx.lister.byFolder["F1"] = append(fx.lister.byFolder["F1"],
		session("R2", "F1", at(time.Date(2024, 1, 3, 10, 0, 0, 0, time.UTC))))
	fx.engine.RunOnce(context.Background())

	if got := fx.engine.Cache.ColorMap["F1"]; got != first {
		t.Errorf("color changed %#x -> %#x", first, got)
	}
	if fx.hook.posts[1].color != first {
		t.Errorf("second announcement color = %#x, want %#x", fx.hook.posts[1].color, first)
	}
}

// A refresh failure posts an operational alert with the server's description
// and the tick still proceeds to the listings.
func TestRefreshFailureAlertsAndContinues(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant","error_description":"invalid_grant"}`))
	}))
	t.Cleanup(srv.Close)

	fx := newFixture(t, testConfig("F1"))
	fx.engine.Tokens = &oauth.Manager{TokenURL: srv.URL, ClientID: "i", ClientSecret: "s"}
	fx.engine.Cache.AccessTokenExpires = testNow.Add(-time.Minute) // expired
	fx.lister.byFolder["F1"] = []panopto.Session{
		session("R1", "F1", at(time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC))),
	}

	fx.engine.RunOnce(context.Background())

	if len(fx.alerts.messages) != 1 || !strings.Contains(fx.alerts.messages[0], "invalid_grant") {
		t.Errorf("alerts = %v, want one containing invalid_grant", fx.alerts.messages)
	}
	// stale token carried into the fan-out anyway
	if got := fx.hook.ids(); len(got) != 1 || got[0] != "R1" {
		t.Errorf("announced = %v, want [R1] with stale token", got)
	}
	if len(fx.lister.tokens) != 1 || fx.lister.tokens[0] != "access-1" {
		t.Errorf("listing tokens = %v, want the prior token", fx.lister.tokens)
	}
}

// A successful mid-tick refresh is visible to the same tick's listings.
func TestRefreshBeforeFanOut(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"access_token":"access-2","expires_in":3600}`))
	}))
	t.Cleanup(srv.Close)

	fx := newFixture(t, testConfig("F1"))
	fx.engine.Tokens = &oauth.Manager{TokenURL: srv.URL, ClientID: "i", ClientSecret: "s", Now: func() time.Time { return testNow }}
	fx.engine.Cache.AccessTokenExpires = testNow.Add(-time.Minute)

	fx.engine.RunOnce(context.Background())

	if len(fx.lister.tokens) != 1 || fx.lister.tokens[0] != "access-2" {
		t.Errorf("listing tokens = %v, want the refreshed token", fx.lister.tokens)
	}
	want := testNow.Add(3600*time.Second - oauth.ExpiryMargin)
	if !fx.engine.Cache.AccessTokenExpires.Equal(want) {
		t.Errorf("expiry = %v, want %v", fx.engine.Cache.AccessTokenExpires, want)
	}
}

// Folders removed from config keep their seen entries: re-adding a folder
// must not re-announce old recordings.
func TestSeenSetRetainedForRemovedFolders(t *testing.T) {
	cfg := testConfig("F1", "F2")
	fx := newFixture(t, cfg)
	fx.lister.byFolder["F1"] = []panopto.Session{
		session("R1", "F1", at(time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC))),
	}
	fx.lister.byFolder["F2"] = []panopto.Session{
		session("R2", "F2", at(time.Date(2024, 1, 2, 11, 0, 0, 0, time.UTC))),
	}
	fx.engine.RunOnce(context.Background())

	// drop F2, poll, re-add F2
	fx.engine.Config = testConfig("F1")
	fx.engine.RunOnce(context.Background())
	fx.engine.Config = cfg
	fx.engine.RunOnce(context.Background())

	if got := fx.hook.ids(); len(got) != 2 {
		t.Errorf("announced = %v, want [R1 R2] exactly once each", got)
	}
}

// Run executes the first cycle immediately, keeps ticking on the interval,
// and returns promptly once the context is canceled. Cycles never overlap.
func TestRunTicksAndStopsOnCancel(t *testing.T) {
	fx := newFixture(t, testConfig("F1"))
	fx.engine.Interval = 20 * time.Millisecond

	type span struct{ start, end time.Time }
	spans := make(chan span, 64)
	fx.engine.Upstream = listerFunc(func(ctx context.Context, accessToken, folderID string) ([]panopto.Session, error) {
		s := time.Now()
		time.Sleep(5 * time.Millisecond)
		spans <- span{start: s, end: time.Now()}
		return nil, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	started := time.Now()
	go func() { done <- fx.engine.Run(ctx) }()

	next := func(what string) span {
		t.Helper()
		select {
		case sp := <-spans:
			return sp
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for the %s cycle", what)
			return span{}
		}
	}
	first := next("first")
	if elapsed := first.start.Sub(started); elapsed >= fx.engine.Interval {
		t.Errorf("first cycle started after %v, want before the first %v tick", elapsed, fx.engine.Interval)
	}
	second := next("second")
	third := next("third")
	for i, pair := range [][2]span{{first, second}, {second, third}} {
		if pair[1].start.Before(pair[0].end) {
			t.Errorf("cycle %d started before cycle %d finished", i+2, i+1)
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v, want nil on cancel", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}

func TestStartsBefore(t *testing.T) {
	early := session("a", "F", at(time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)))
	late := session("b", "F", at(time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)))
	undated := session("c", "F", nil)

	tests := []struct {
		name string
		a, b *panopto.Session
		want bool
	}{
		{"earlier before later", &early, &late, true},
		{"later not before earlier", &late, &early, false},
		{"undated before dated", &undated, &early, true},
		{"dated not before undated", &early, &undated, false},
		{"undated tie keeps order", &undated, &undated, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := startsBefore(tt.a, tt.b); got != tt.want {
				t.Errorf("startsBefore = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSnapshot(t *testing.T) {
	fx := newFixture(t, testConfig("F1"))
	fx.lister.byFolder["F1"] = []panopto.Session{
		session("R1", "F1", at(time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC))),
	}
	fx.engine.RunOnce(context.Background())

	s := fx.engine.Snapshot()
	if s.CyclesRun != 1 || s.Announced != 1 || s.SeenRecordings != 1 || s.Folders != 1 {
		t.Errorf("snapshot = %+v", s)
	}
	if s.LastError != "" {
		t.Errorf("LastError = %q, want empty", s.LastError)
	}
	if !s.LastCycle.Equal(testNow) {
		t.Errorf("LastCycle = %v, want %v", s.LastCycle, testNow)
	}
}
