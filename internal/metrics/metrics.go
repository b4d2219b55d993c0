// Package metrics emits lightweight counter and timer measurements as
// structured log lines, mirroring the metric messages downstream tooling
// scrapes from extractor output.
package metrics

import (
	"log/slog"
	"sync"
	"time"
)

// Timer measures one operation and logs its duration on Stop.
type Timer struct {
	metric string
	attrs  []any
	start  time.Time
}

// StartTimer begins timing the named metric. attrs are extra slog key-value
// pairs attached to the emitted measurement.
func StartTimer(metric string, attrs ...any) *Timer {
	return &Timer{metric: metric, attrs: attrs, start: time.Now()}
}

// Stop logs the elapsed duration.
func (t *Timer) Stop() {
	attrs := append([]any{
		"metric", t.metric,
		"duration_ms", time.Since(t.start).Milliseconds(),
	}, t.attrs...)
	slog.Debug("[Metrics] timer", attrs...)
}

// Counter accumulates a count and logs the total on Close.
type Counter struct {
	mu     sync.Mutex
	metric string
	attrs  []any
	n      int64
}

// NewCounter creates a counter for the named metric.
func NewCounter(metric string, attrs ...any) *Counter {
	return &Counter{metric: metric, attrs: attrs}
}

// Add increments the counter by n.
func (c *Counter) Add(n int64) {
	c.mu.Lock()
	c.n += n
	c.mu.Unlock()
}

// Value returns the current count.
func (c *Counter) Value() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

// Close logs the accumulated count.
func (c *Counter) Close() {
	attrs := append([]any{
		"metric", c.metric,
		"count", c.Value(),
	}, c.attrs...)
	slog.Info("[Metrics] counter", attrs...)
}
