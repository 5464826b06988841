package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Timer measures the duration of an operation
type Timer struct {
	start time.Time
}

// NewTimer starts a timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the time elapsed since the timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration records the elapsed seconds on o
func (t *Timer) ObserveDuration(o prometheus.Observer) {
	o.Observe(t.Duration().Seconds())
}

// ObserveDurationVec records the elapsed seconds on the labelled histogram
func (t *Timer) ObserveDurationVec(h *prometheus.HistogramVec, labels ...string) {
	h.WithLabelValues(labels...).Observe(t.Duration().Seconds())
}
