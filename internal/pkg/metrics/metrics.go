// Package metrics exposes webhook reconciliation counters in Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Provider owns a dedicated registry and the worker collectors.
type Provider struct {
	registry     *prometheus.Registry
	events       *prometheus.CounterVec
	duration     prometheus.Histogram
	popFailures  prometheus.Counter
	stuckRequeue prometheus.Counter
}

// NewProvider registers all collectors under the given namespace (e.g. "webhook").
func NewProvider(namespace string) *Provider {
	registry := prometheus.NewRegistry()

	p := &Provider{
		registry: registry,
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Webhook events by terminal disposition.",
		}, []string{"disposition"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "event_processing_seconds",
			Help:      "Time spent processing a single webhook event.",
			Buckets:   prometheus.DefBuckets,
		}),
		popFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_pop_failures_total",
			Help:      "Failed blocking pops against the event queue.",
		}),
		stuckRequeue: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stuck_events_requeued_total",
			Help:      "Events moved back from the processing list by the sweeper.",
		}),
	}

	registry.MustRegister(
		p.events,
		p.duration,
		p.popFailures,
		p.stuckRequeue,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return p
}

// Handler serves the registry in Prometheus exposition format.
func (p *Provider) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Registry returns the underlying registry
func (p *Provider) Registry() *prometheus.Registry {
	return p.registry
}

func (p *Provider) RecordDisposition(disposition string, elapsed time.Duration) {
	p.events.WithLabelValues(disposition).Inc()
	p.duration.Observe(elapsed.Seconds())
}

func (p *Provider) RecordPopFailure() {
	p.popFailures.Inc()
}

func (p *Provider) RecordRecovered(n int) {
	if n > 0 {
		p.stuckRequeue.Add(float64(n))
	}
}
