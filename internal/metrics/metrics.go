// Package metrics exposes prometheus counters for the automator.
// A nil *Recorder is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "automator"

type Recorder struct {
	registry        *prometheus.Registry
	publishTotal    *prometheus.CounterVec
	publishErrors   *prometheus.CounterVec
	feedbackTotal   *prometheus.CounterVec
	feedbackUnknown prometheus.Counter
	tickDuration    prometheus.Histogram
}

// New registers the automator metrics, plus the Go and process collectors,
// on a dedicated registry.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		publishTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_total",
			Help:      "Publish attempts by device and outcome.",
		}, []string{"device", "outcome"}),
		publishErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_errors_total",
			Help:      "Failed publishes by device.",
		}, []string{"device"}),
		feedbackTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feedback_total",
			Help:      "Feedback messages routed to a device.",
		}, []string{"device"}),
		feedbackUnknown: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feedback_unknown_total",
			Help:      "Feedback messages on topics no device subscribed to.",
		}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tick_duration_seconds",
			Help:      "Duration of a scheduler tick across all devices.",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	r.registry.MustRegister(
		r.publishTotal,
		r.publishErrors,
		r.feedbackTotal,
		r.feedbackUnknown,
		r.tickDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Handler serves the registry in the prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Publish counts a publish attempt. outcome is the device outcome name.
func (r *Recorder) Publish(device, outcome string, err error) {
	if r == nil {
		return
	}
	r.publishTotal.WithLabelValues(device, outcome).Inc()
	if err != nil {
		r.publishErrors.WithLabelValues(device).Inc()
	}
}

func (r *Recorder) Feedback(device string) {
	if r == nil {
		return
	}
	r.feedbackTotal.WithLabelValues(device).Inc()
}

func (r *Recorder) FeedbackUnknown() {
	if r == nil {
		return
	}
	r.feedbackUnknown.Inc()
}

func (r *Recorder) Tick(d time.Duration) {
	if r == nil {
		return
	}
	r.tickDuration.Observe(d.Seconds())
}
