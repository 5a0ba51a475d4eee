package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestCountersInitialized(t *testing.T) {
	Init()

	if PollCycles == nil {
		t.Error("PollCycles counter not initialized")
	}
	if RecordingsAnnounced == nil {
		t.Error("RecordingsAnnounced counter not initialized")
	}
	if TokenRefreshFailures == nil {
		t.Error("TokenRefreshFailures counter not initialized")
	}
	if CycleDuration == nil {
		t.Error("CycleDuration histogram not initialized")
	}
	if SeenSetSize == nil {
		t.Error("SeenSetSize gauge not initialized")
	}
}

func TestGaugeHelpers(t *testing.T) {
	Init()

	SetSeenSetSize(42)
	metric := &dto.Metric{}
	if err := SeenSetSize.Write(metric); err != nil {
		t.Fatalf("write gauge: %v", err)
	}
	if metric.Gauge == nil || *metric.Gauge.Value != 42 {
		t.Errorf("SeenSetSize = %v, want 42", metric.Gauge)
	}

	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	SetTokenExpiry(now.Add(90*time.Second), now)
	metric = &dto.Metric{}
	if err := TokenExpirySeconds.Write(metric); err != nil {
		t.Fatalf("write gauge: %v", err)
	}
	if metric.Gauge == nil || *metric.Gauge.Value != 90 {
		t.Errorf("TokenExpirySeconds = %v, want 90", metric.Gauge)
	}
}

func TestTimeFuncRecordsObservation(t *testing.T) {
	Init()

	testHistogram := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "test_duration_seconds",
		Help:    "Test duration",
		Buckets: prometheus.DefBuckets,
	})
	prometheus.MustRegister(testHistogram)
	defer prometheus.Unregister(testHistogram)

	executed := false
	duration := TimeFunc(testHistogram, func() {
		time.Sleep(10 * time.Millisecond)
		executed = true
	})

	if !executed {
		t.Error("TimeFunc did not execute provided function")
	}
	if duration < 10*time.Millisecond {
		t.Errorf("TimeFunc duration = %v, want >= 10ms", duration)
	}

	metric := &dto.Metric{}
	if err := testHistogram.Write(metric); err != nil {
		t.Fatalf("Failed to write metric: %v", err)
	}
	if metric.Histogram == nil || *metric.Histogram.SampleCount == 0 {
		t.Error("TimeFunc did not record observation in histogram")
	}
}

func TestCorrelation(t *testing.T) {
	ctx := context.Background()
	if got := GetCorrelation(ctx); got != "" {
		t.Errorf("GetCorrelation(empty ctx) = %q, want empty", got)
	}
	ctx = WithCorrelation(ctx, "corr-123")
	if got := GetCorrelation(ctx); got != "corr-123" {
		t.Errorf("GetCorrelation() = %q, want corr-123", got)
	}
	if LoggerWithCorr(ctx) == nil {
		t.Error("LoggerWithCorr returned nil")
	}
}
