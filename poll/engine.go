// Package poll runs the control loop: on a fixed interval it ensures the
// access token is fresh, fans out folder listings, merges and orders the
// observed recordings, announces the ones not yet in the seen-set, and
// persists the cache. One cycle never overlaps another.
package poll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/duskhorn/panoptocord/cache"
	"github.com/duskhorn/panoptocord/config"
	"github.com/duskhorn/panoptocord/oauth"
	"github.com/duskhorn/panoptocord/panopto"
	"github.com/duskhorn/panoptocord/telemetry"
)

const (
	// DefaultInterval between poll cycles.
	DefaultInterval = 10 * time.Minute
	// DefaultGap between consecutive announcements. Discord does not
	// guarantee webhook ordering inside a reorder window of a few hundred
	// milliseconds; two seconds clears it with margin.
	DefaultGap = 2 * time.Second
)

// Lister issues one authenticated folder listing (the upstream client, or a
// mock in tests).
type Lister interface {
	ListSessions(ctx context.Context, accessToken, folderID string) ([]panopto.Session, error)
}

// Announcer posts recordings and plain messages to a chat webhook.
type Announcer interface {
	PostRecording(ctx context.Context, s *panopto.Session, folderURL string, color int) error
	PostMessage(ctx context.Context, text string) error
}

// Engine owns one cache and drives the poll loop. All cache mutation happens
// on the loop goroutine; only Snapshot crosses goroutines.
type Engine struct {
	Config    *config.Config
	Store     *cache.Store
	Cache     *cache.File
	Tokens    *oauth.Manager
	Upstream  Lister
	Hook      Announcer // announcement webhook
	AlertHook Announcer // operational-alert webhook

	// Interval and Gap default to DefaultInterval / DefaultGap when zero.
	Interval time.Duration
	Gap      time.Duration

	// Test seams; nil means wall clock / real sleep / global rand.
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
	Rand  *rand.Rand

	mu        sync.Mutex
	status    Status
	seenCount int
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now().UTC()
}

func (e *Engine) sleep(ctx context.Context, d time.Duration) error {
	if e.Sleep != nil {
		return e.Sleep(ctx, d)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

func (e *Engine) interval() time.Duration {
	if e.Interval > 0 {
		return e.Interval
	}
	return DefaultInterval
}

func (e *Engine) gap() time.Duration {
	if e.Gap > 0 {
		return e.Gap
	}
	return DefaultGap
}

func (e *Engine) randomColor() int {
	if e.Rand != nil {
		return randomColor(e.Rand)
	}
	return randomColor(paletteRand)
}

// Run executes the first cycle immediately, then one per interval until ctx
// is canceled. A cycle that overruns the interval is followed by the pending
// tick right away; cycles never overlap.
func (e *Engine) Run(ctx context.Context) error {
	slog.Info("starting request loop",
		slog.Duration("interval", e.interval()),
		slog.Int("folders", len(e.Config.Folders)))
	e.RunOnce(ctx)
	ticker := time.NewTicker(e.interval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("request loop stopped")
			return nil
		case <-ticker.C:
			e.RunOnce(ctx)
		}
	}
}

// RunOnce executes a single poll cycle with telemetry and status accounting.
func (e *Engine) RunOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	ctx = telemetry.WithCorrelation(ctx, uuid.New().String())
	ctx, span := telemetry.StartSpan(ctx, "poll", "poll.cycle",
		attribute.Int("folders", len(e.Config.Folders)))
	defer span.End()
	logger := telemetry.LoggerWithCorr(ctx)

	telemetry.PollCycles.Inc()
	var err error
	telemetry.TimeFunc(telemetry.CycleDuration, func() {
		err = e.cycle(ctx, logger)
	})
	switch {
	case err == nil:
		telemetry.SetSpanSuccess(span)
	case errors.Is(err, context.Canceled):
		// shutdown mid-cycle; partial progress is already persisted
	default:
		telemetry.PollCyclesFailed.Inc()
		telemetry.RecordError(span, err)
		logger.Error("poll cycle failed", slog.Any("err", err))
	}
	e.noteCycle(err)
	telemetry.SetTokenExpiry(e.Cache.AccessTokenExpires, e.now())
}

// cycle is one tick: refresh, colors, fan-out, order, announce, persist.
func (e *Engine) cycle(ctx context.Context, logger *slog.Logger) error {
	if !e.now().Before(e.Cache.AccessTokenExpires) {
		logger.Info("token expired, refreshing")
		if err := e.Tokens.Refresh(ctx, e.Cache); err != nil {
			telemetry.TokenRefreshFailures.Inc()
			logger.Error("token refresh failed",
				slog.String("kind", oauth.KindOf(err).String()),
				slog.Any("err", err))
			e.alert(ctx, logger, fmt.Sprintf("Failed to refresh access token: %v", err))
			// The prior token may still be accepted upstream; the listing
			// below decides, not us.
		} else {
			telemetry.TokenRefreshes.Inc()
			logger.Info("token refreshed")
			e.saveCache(logger)
		}
	}

	for _, folder := range e.Config.Folders {
		if _, ok := e.Cache.ColorMap[folder]; !ok {
			e.Cache.ColorMap[folder] = e.randomColor()
		}
	}

	// All listings share the token current at the start of the fan-out.
	// A single listing failure fails the whole tick: partial fan-out output
	// must never be announced, or cross-folder ordering breaks.
	token := e.Cache.AccessToken
	results := make([][]panopto.Session, len(e.Config.Folders))
	g, gctx := errgroup.WithContext(ctx)
	for i, folder := range e.Config.Folders {
		g.Go(func() error {
			sessions, err := e.Upstream.ListSessions(gctx, token, folder)
			if err != nil {
				return err
			}
			results[i] = sessions
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		telemetry.ListingFailures.Inc()
		return fmt.Errorf("folder listing: %w", err)
	}

	var all []panopto.Session
	for _, rs := range results {
		all = append(all, rs...)
	}
	sort.SliceStable(all, func(i, j int) bool {
		return startsBefore(&all[i], &all[j])
	})

	// Whatever happens below, announced ids must reach disk so they are
	// never announced twice.
	defer e.saveCache(logger)

	announced := 0
	for i := range all {
		s := &all[i]
		if e.beforeCutoff(s) {
			continue
		}
		if e.Cache.Seen(s.ID) {
			continue
		}
		if announced > 0 {
			if err := e.sleep(ctx, e.gap()); err != nil {
				return err
			}
		}
		folderURL := panopto.FolderURL(e.Config.PanoptoBase, s.FolderID())
		if err := e.Hook.PostRecording(ctx, s, folderURL, e.colorFor(s)); err != nil {
			telemetry.AnnounceFailures.Inc()
			return fmt.Errorf("announce %s: %w", s.ID, err)
		}
		e.Cache.MarkSeen(s.ID)
		announced++
		telemetry.RecordingsAnnounced.Inc()
		e.noteAnnounced()
		logger.Info("announced recording",
			slog.String("id", s.ID),
			slog.String("name", s.Name),
			slog.String("folder", s.FolderID()))
	}

	e.Cache.LastUpdated = e.now()
	return nil
}

// beforeCutoff reports whether the cutoff excludes a session. A session with
// no start time is excluded whenever a cutoff is set: the comparison is
// undefined, and undated uploads predate the platform's start-time stamping.
func (e *Engine) beforeCutoff(s *panopto.Session) bool {
	since := e.Config.FilterSince
	if since == nil {
		return false
	}
	return s.StartTime == nil || s.StartTime.Before(*since)
}

// colorFor resolves the stable embed color for a session's folder, assigning
// one on first observation of a folder id outside the configured set.
func (e *Engine) colorFor(s *panopto.Session) int {
	if c, ok := e.Cache.ColorMap[s.FolderDetails.ID]; ok {
		return c
	}
	if c, ok := e.Cache.ColorMap[s.Folder]; ok {
		return c
	}
	c := e.randomColor()
	e.Cache.ColorMap[s.FolderID()] = c
	return c
}

func (e *Engine) alert(ctx context.Context, logger *slog.Logger, text string) {
	if e.AlertHook == nil {
		return
	}
	if err := e.AlertHook.PostMessage(ctx, text); err != nil {
		logger.Warn("operational alert failed", slog.Any("err", err))
	}
}

func (e *Engine) saveCache(logger *slog.Logger) {
	if err := e.Store.Save(e.Cache); err != nil {
		telemetry.CacheSaveFailures.Inc()
		logger.Warn("cache save failed", slog.Any("err", err))
	}
	e.noteSeenCount(e.Cache.SeenCount())
	telemetry.SetSeenSetSize(e.Cache.SeenCount())
}

// startsBefore orders sessions ascending by start time; sessions without one
// sort first, ties keep upstream order.
func startsBefore(a, b *panopto.Session) bool {
	if a.StartTime == nil {
		return b.StartTime != nil
	}
	if b.StartTime == nil {
		return false
	}
	return a.StartTime.Before(*b.StartTime)
}
