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
	APICalls      *prometheus.CounterVec
	EventsFired   *prometheus.CounterVec
	EventsDropped prometheus.Counter
	PollTicks     *prometheus.CounterVec

	// Histograms (seconds)
	APICallDuration *prometheus.HistogramVec

	// Gauges
	RateBudgetRemaining prometheus.Gauge
	StreamOnlineGauge   prometheus.Gauge // 1=online,0=offline
	FollowQueueDepth    prometheus.Gauge
	APIConnectedGauge   prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		APICalls = promauto.NewCounterVec(prometheus.CounterOpts{Name: "streamsync_api_calls_total", Help: "Platform API calls by call kind and result code"}, []string{"call", "code"})
		EventsFired = promauto.NewCounterVec(prometheus.CounterOpts{Name: "streamsync_events_total", Help: "Domain events fired"}, []string{"event"})
		EventsDropped = promauto.NewCounter(prometheus.CounterOpts{Name: "streamsync_events_dropped_total", Help: "Events dropped because a subscriber buffer was full"})
		PollTicks = promauto.NewCounterVec(prometheus.CounterOpts{Name: "streamsync_poll_ticks_total", Help: "Poll task ticks by task and outcome"}, []string{"task", "outcome"})
		APICallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{Name: "streamsync_api_call_duration_seconds", Help: "Platform API call duration seconds", Buckets: prometheus.DefBuckets}, []string{"call"})
		RateBudgetRemaining = promauto.NewGauge(prometheus.GaugeOpts{Name: "streamsync_rate_budget_remaining", Help: "Last observed Helix rate-limit remaining"})
		StreamOnlineGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "streamsync_stream_online", Help: "Stream online=1 offline=0"})
		FollowQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{Name: "streamsync_follow_queue_depth", Help: "Pending single-user follower checks"})
		APIConnectedGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "streamsync_api_connected", Help: "API connectivity connected=1 disconnected=0"})
	})
}

// ObserveAPICall counts one API call and records its duration.
func ObserveAPICall(call, code string, d time.Duration) {
	if APICalls != nil {
		APICalls.WithLabelValues(call, code).Inc()
	}
	if APICallDuration != nil {
		APICallDuration.WithLabelValues(call).Observe(d.Seconds())
	}
}

// CountEvent records a fired domain event.
func CountEvent(name string) {
	if EventsFired != nil {
		EventsFired.WithLabelValues(name).Inc()
	}
}

// CountDroppedEvent records an event a subscriber did not receive.
func CountDroppedEvent() {
	if EventsDropped != nil {
		EventsDropped.Inc()
	}
}

// CountTick records one poll tick outcome (ok, error, gated).
func CountTick(task, outcome string) {
	if PollTicks != nil {
		PollTicks.WithLabelValues(task, outcome).Inc()
	}
}

// SetRateBudget records the last observed remaining call allowance.
func SetRateBudget(n int) {
	if RateBudgetRemaining != nil {
		RateBudgetRemaining.Set(float64(n))
	}
}

// SetStreamOnline sets gauge to 1 if online else 0.
func SetStreamOnline(online bool) { setBool(StreamOnlineGauge, online) }

// SetAPIConnected sets gauge to 1 if connected else 0.
func SetAPIConnected(connected bool) { setBool(APIConnectedGauge, connected) }

// SetFollowQueueDepth records pending single-user follower checks.
func SetFollowQueueDepth(n int) {
	if FollowQueueDepth != nil {
		FollowQueueDepth.Set(float64(n))
	}
}

func setBool(g prometheus.Gauge, v bool) {
	if g == nil {
		return
	}
	if v {
		g.Set(1)
	} else {
		g.Set(0)
	}
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
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
