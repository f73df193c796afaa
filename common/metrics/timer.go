package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type timerOptions struct {
	buckets []float64
	labels  map[string]string
}

type TimerOption func(*timerOptions)

func WithTimerBuckets(buk []float64) TimerOption {
	return func(o *timerOptions) {
		o.buckets = buk
	}
}

func WithTimerConstLabels(labels map[string]string) TimerOption {
	return func(o *timerOptions) {
		o.labels = labels
	}
}

func NewTimer(namespace, metricName, help string, labels []string, opts ...TimerOption) *Timer {
	timerOpts := timerOptions{}
	for _, opt := range opts {
		opt(&timerOpts)
	}

	histogram := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace:   namespace,
		Name:        metricName + "_h",
		Help:        help + " (histogram)",
		Buckets:     timerOpts.buckets,
		ConstLabels: timerOpts.labels,
	}, labels)

	prometheus.MustRegister(histogram)
	return &Timer{
		name:      metricName,
		histogram: histogram,
	}
}

type Timer struct {
	name      string
	histogram *prometheus.HistogramVec
}

// Timer starts timing and returns a function that stops the clock and
// observes the elapsed seconds with the given label values.
func (t *Timer) Timer() func(values ...string) {
	if t == nil {
		return func(values ...string) {}
	}

	now := time.Now()

	return func(values ...string) {
		seconds := float64(time.Since(now)) / float64(time.Second)
		t.histogram.WithLabelValues(values...).Observe(seconds)
	}
}

func (t *Timer) Observe(duration time.Duration, label ...string) {
	if t == nil {
		return
	}
	seconds := float64(duration) / float64(time.Second)
	t.histogram.WithLabelValues(label...).Observe(seconds)
}
