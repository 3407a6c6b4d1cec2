// Package telemetry provides Prometheus metrics, OpenTelemetry tracing setup,
// and correlation-id aware logging helpers.
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
	CyclesTotal         prometheus.Counter
	BatchesTotal        prometheus.Counter
	BatchErrorsTotal    prometheus.Counter
	TransitionsLive     prometheus.Counter
	TransitionsOffline  prometheus.Counter
	NotificationsSent   prometheus.Counter
	NotificationsFailed prometheus.Counter
	TokenRefreshes      prometheus.Counter

	// Histograms (seconds)
	CycleDuration prometheus.Observer

	// Gauges
	TrackedChannelsGauge prometheus.Gauge
	LiveChannelsGauge    prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		CyclesTotal = promauto.NewCounter(prometheus.CounterOpts{Name: "herald_cycles_total", Help: "Number of completed poll cycles"})
		BatchesTotal = promauto.NewCounter(prometheus.CounterOpts{Name: "herald_batches_total", Help: "Number of successful upstream batch queries"})
		BatchErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{Name: "herald_batch_errors_total", Help: "Number of failed upstream batch queries"})
		TransitionsLive = promauto.NewCounter(prometheus.CounterOpts{Name: "herald_transitions_live_total", Help: "Number of went-live transitions detected"})
		TransitionsOffline = promauto.NewCounter(prometheus.CounterOpts{Name: "herald_transitions_offline_total", Help: "Number of went-offline transitions detected"})
		NotificationsSent = promauto.NewCounter(prometheus.CounterOpts{Name: "herald_notifications_sent_total", Help: "Number of go-live notifications delivered"})
		NotificationsFailed = promauto.NewCounter(prometheus.CounterOpts{Name: "herald_notifications_failed_total", Help: "Number of go-live notifications that failed to deliver"})
		TokenRefreshes = promauto.NewCounter(prometheus.CounterOpts{Name: "herald_token_refreshes_total", Help: "Number of Twitch app token exchanges"})
		CycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "herald_cycle_duration_seconds", Help: "Poll cycle duration seconds", Buckets: prometheus.DefBuckets})
		TrackedChannelsGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "herald_tracked_channels", Help: "Distinct channels currently watched across all groups"})
		LiveChannelsGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "herald_live_channels", Help: "Tracked channels currently live"})
	})
}

// The Inc/Set helpers are nil-safe so packages can record metrics without
// caring whether Init ran (unit tests skip it).

func IncCycle() {
	if CyclesTotal != nil {
		CyclesTotal.Inc()
	}
}

func ObserveCycleDuration(d time.Duration) {
	if CycleDuration != nil {
		CycleDuration.Observe(d.Seconds())
	}
}

func IncBatch(failed bool) {
	if failed {
		if BatchErrorsTotal != nil {
			BatchErrorsTotal.Inc()
		}
		return
	}
	if BatchesTotal != nil {
		BatchesTotal.Inc()
	}
}

func IncTransition(live bool) {
	if live {
		if TransitionsLive != nil {
			TransitionsLive.Inc()
		}
		return
	}
	if TransitionsOffline != nil {
		TransitionsOffline.Inc()
	}
}

func IncNotificationSent() {
	if NotificationsSent != nil {
		NotificationsSent.Inc()
	}
}

func IncNotificationFailed() {
	if NotificationsFailed != nil {
		NotificationsFailed.Inc()
	}
}

func IncTokenRefresh() {
	if TokenRefreshes != nil {
		TokenRefreshes.Inc()
	}
}

func SetTrackedChannels(n int) {
	if TrackedChannelsGauge != nil {
		TrackedChannelsGauge.Set(float64(n))
	}
}

func SetLiveChannels(n int) {
	if LiveChannelsGauge != nil {
		LiveChannelsGauge.Set(float64(n))
	}
}

// Correlation ID helpers ----------------------------------------------------

type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns the correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with a corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
