// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	PollCycles           prometheus.Counter
	PollCyclesFailed     prometheus.Counter
	RecordingsAnnounced  prometheus.Counter
	AnnounceFailures     prometheus.Counter
	ListingFailures      prometheus.Counter
	TokenRefreshes       prometheus.Counter
	TokenRefreshFailures prometheus.Counter
	CacheSaveFailures    prometheus.Counter

	// Histograms (seconds)
	CycleDuration prometheus.Observer

	// Gauges
	SeenSetSize        prometheus.Gauge
	TokenExpirySeconds prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		PollCycles = promauto.NewCounter(prometheus.CounterOpts{Name: "panoptocord_poll_cycles_total", Help: "Number of poll cycles started"})
		PollCyclesFailed = promauto.NewCounter(prometheus.CounterOpts{Name: "panoptocord_poll_cycles_failed_total", Help: "Number of poll cycles aborted by an error"})
		RecordingsAnnounced = promauto.NewCounter(prometheus.CounterOpts{Name: "panoptocord_recordings_announced_total", Help: "Number of recordings announced to the webhook"})
		AnnounceFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "panoptocord_announce_failures_total", Help: "Number of failed webhook announcements"})
		ListingFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "panoptocord_listing_failures_total", Help: "Number of failed folder listing requests"})
		TokenRefreshes = promauto.NewCounter(prometheus.CounterOpts{Name: "panoptocord_token_refreshes_total", Help: "Number of successful OAuth token refreshes"})
		TokenRefreshFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "panoptocord_token_refresh_failures_total", Help: "Number of failed OAuth token refreshes"})
		CacheSaveFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "panoptocord_cache_save_failures_total", Help: "Number of failed cache persists"})
		CycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "panoptocord_cycle_duration_seconds", Help: "Poll cycle duration seconds", Buckets: prometheus.DefBuckets})
		SeenSetSize = promauto.NewGauge(prometheus.GaugeOpts{Name: "panoptocord_seen_recordings", Help: "Number of recording ids in the persisted seen-set"})
		TokenExpirySeconds = promauto.NewGauge(prometheus.GaugeOpts{Name: "panoptocord_token_expiry_seconds", Help: "Seconds until the cached access token expires (negative when expired)"})
	})
}

// SetSeenSetSize records the current seen-set cardinality.
func SetSeenSetSize(n int) {
	if SeenSetSize != nil {
		SeenSetSize.Set(float64(n))
	}
}

// SetTokenExpiry records the remaining token lifetime.
func SetTokenExpiry(expires, now time.Time) {
	if TokenExpirySeconds != nil {
		TokenExpirySeconds.Set(expires.Sub(now).Seconds())
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding correlation id (if absent) and the id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
