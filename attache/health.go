package attache

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lmittmann/tint"
)

// ErrorTrend is the coarse direction of the handled-error rate, derived
// from hour-resolution buckets. Display only - no alerting hangs off it.
type ErrorTrend string

const (
	ErrorTrendStable     ErrorTrend = "stable"
	ErrorTrendIncreasing ErrorTrend = "increasing"
	ErrorTrendRecovering ErrorTrend = "recovering"
)

// HealthTracker accumulates liveness state shared across concurrently
// executing message handlers: error counts, last-ping and last-message
// stamps, and an hour-bucketed error trend. All counters are atomic;
// lost updates would otherwise be routine under concurrent handling.
type HealthTracker struct {
	errorCount  atomic.Int64
	lastPing    atomic.Int64 // unix millis, 0 = never
	lastMessage atomic.Int64 // unix millis, 0 = never

	trendMu      sync.Mutex
	hourlyErrors map[int64]int64
}

// NewHealthTracker returns a tracker with zeroed counters.
func NewHealthTracker() *HealthTracker {
	return &HealthTracker{
		hourlyErrors: map[int64]int64{},
	}
}

// RecordError increments the monotonic error counter and buckets the
// error into the current hour for trend display.
func (h *HealthTracker) RecordError() {
	h.errorCount.Add(1)

	hour := time.Now().UTC().Truncate(time.Hour).Unix()
	h.trendMu.Lock()
	h.hourlyErrors[hour]++
	// only the current and previous hour matter for the trend
	for bucket := range h.hourlyErrors {
		if bucket < hour-int64((2 * time.Hour).Seconds()) {
			delete(h.hourlyErrors, bucket)
		}
	}
	h.trendMu.Unlock()
}

// ErrorCount returns the total number of handled errors.
func (h *HealthTracker) ErrorCount() int64 {
	return h.errorCount.Load()
}

// MarkPing records the current time as the last liveness ping.
func (h *HealthTracker) MarkPing() {
	h.lastPing.Store(time.Now().UTC().UnixMilli())
}

// MarkMessage records the current time as the last inbound message.
func (h *HealthTracker) MarkMessage() {
	h.lastMessage.Store(time.Now().UTC().UnixMilli())
}

// LastPing returns the last ping time, or nil if none was recorded.
func (h *HealthTracker) LastPing() *time.Time {
	return millisToTime(h.lastPing.Load())
}

// LastMessage returns the last inbound message time, or nil if none was
// recorded.
func (h *HealthTracker) LastMessage() *time.Time {
	return millisToTime(h.lastMessage.Load())
}

// Trend compares the current hour's error bucket against the previous
// hour's.
func (h *HealthTracker) Trend() ErrorTrend {
	hour := time.Now().UTC().Truncate(time.Hour).Unix()
	previous := hour - int64(time.Hour.Seconds())

	h.trendMu.Lock()
	current := h.hourlyErrors[hour]
	prior := h.hourlyErrors[previous]
	h.trendMu.Unlock()

	switch {
	case current > prior:
		return ErrorTrendIncreasing
	case current < prior:
		return ErrorTrendRecovering
	default:
		return ErrorTrendStable
	}
}

// Report builds the health snapshot posted to the endpoint.
func (h *HealthTracker) Report(cache *ConfigCache, online bool) HealthReport {
	report := HealthReport{
		LastPing:    h.LastPing(),
		LastMessage: h.LastMessage(),
		ErrorCount:  h.errorCount.Load(),
		IsOnline:    online,
	}
	if cache != nil {
		report.CacheAgeSeconds = int64(cache.Age().Seconds())
		report.CacheHits = cache.Hits()
		report.CacheMisses = cache.Misses()
	}
	return report
}

func millisToTime(millis int64) *time.Time {
	if millis == 0 {
		return nil
	}
	t := time.UnixMilli(millis).UTC()
	return &t
}

// HeartbeatReporter periodically posts health snapshots to the endpoint.
// Reporting is best-effort: a failed report is logged and never affects
// message handling.
type HeartbeatReporter struct {
	tracker  *HealthTracker
	cache    *ConfigCache
	client   *EndpointClient
	interval time.Duration
	logger   *slog.Logger
}

// NewHeartbeatReporter wires a reporter over the given tracker and
// endpoint client.
func NewHeartbeatReporter(
	tracker *HealthTracker,
	cache *ConfigCache,
	client *EndpointClient,
	interval time.Duration,
	logger *slog.Logger,
) *HeartbeatReporter {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	return &HeartbeatReporter{
		tracker:  tracker,
		cache:    cache,
		client:   client,
		interval: interval,
		logger:   logger.With(loggerNameKey, "heartbeat"),
	}
}

// Run reports on the configured interval until the context is canceled,
// then makes one bounded attempt to report offline before returning.
func (r *HeartbeatReporter) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.report(ctx, true)

	for {
		select {
		case <-ctx.Done():
			r.reportOffline()
			return
		case <-ticker.C:
			r.report(ctx, true)
		}
	}
}

func (r *HeartbeatReporter) report(ctx context.Context, online bool) {
	r.tracker.MarkPing()
	if err := r.client.ReportHealth(
		ctx,
		r.tracker.Report(r.cache, online),
	); err != nil {
		r.logger.WarnContext(ctx, "health report failed", tint.Err(err))
	}
}

// reportOffline posts a final is_online=false snapshot with a bounded
// wait, so shutdown never hangs on the endpoint.
func (r *HeartbeatReporter) reportOffline() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.client.ReportHealth(
		ctx,
		r.tracker.Report(r.cache, false),
	); err != nil {
		r.logger.Warn("offline health report failed", tint.Err(err))
	} else {
		r.logger.Info("reported offline before exit")
	}
}
