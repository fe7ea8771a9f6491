// Package metrics exposes delivery-pipeline counters over Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns its registry so repeated construction (tests, config
// re-apply) never trips duplicate registration.
//
// A nil *Collector is valid and counts nothing.
type Collector struct {
	reg *prometheus.Registry

	published       prometheus.Counter
	publishFailures prometheus.Counter
	mediaDowngrades prometheus.Counter
	sweeps          prometheus.Counter
	queuePending    prometheus.Gauge
}

func New() *Collector {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Collector{
		reg: reg,
		published: f.NewCounter(prometheus.CounterOpts{
			Name: "autopost_published_total",
			Help: "Items successfully delivered to the external API.",
		}),
		publishFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "autopost_publish_failures_total",
			Help: "Delivery attempts that failed.",
		}),
		mediaDowngrades: f.NewCounter(prometheus.CounterOpts{
			Name: "autopost_media_downgrades_total",
			Help: "Deliveries that fell back to text-only after a media upload failure.",
		}),
		sweeps: f.NewCounter(prometheus.CounterOpts{
			Name: "autopost_sweeps_total",
			Help: "Periodic queue sweeps executed.",
		}),
		queuePending: f.NewGauge(prometheus.GaugeOpts{
			Name: "autopost_queue_pending",
			Help: "Pending entries observed at the start of the last sweep.",
		}),
	}
}

// Handler serves this collector's registry.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{})
}

func (c *Collector) IncPublished() {
	if c != nil {
		c.published.Inc()
	}
}

func (c *Collector) IncPublishFailure() {
	if c != nil {
		c.publishFailures.Inc()
	}
}

func (c *Collector) IncMediaDowngrade() {
	if c != nil {
		c.mediaDowngrades.Inc()
	}
}

func (c *Collector) IncSweep() {
	if c != nil {
		c.sweeps.Inc()
	}
}

func (c *Collector) SetQueuePending(n int) {
	if c != nil {
		c.queuePending.Set(float64(n))
	}
}
