// Package metrics exposes key placement counters in Prometheus format.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector counts where keys land. It satisfies pool.Observer.
type Collector struct {
	registry *prometheus.Registry

	locates     *prometheus.CounterVec
	jumps       prometheus.Counter
	jumpBuckets prometheus.Histogram
	poolSize    prometheus.Gauge
	healthy     *prometheus.GaugeVec
}

func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{
		registry: reg,
		locates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nservers_locate_total",
			Help: "Keys located per server, labelled with its configured index.",
		}, []string{"server", "index"}),
		jumps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nservers_jump_total",
			Help: "Raw jump hash evaluations served.",
		}),
		jumpBuckets: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "nservers_jump_buckets",
			Help:    "Bucket counts requested in jump calls.",
			Buckets: prometheus.ExponentialBuckets(1, 4, 12),
		}),
		poolSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nservers_pool_servers",
			Help: "Configured servers in the pool.",
		}),
		healthy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "nservers_pool_server_healthy",
			Help: "1 when the server is eligible for placement.",
		}, []string{"server"}),
	}
	reg.MustRegister(
		c.locates, c.jumps, c.jumpBuckets, c.poolSize, c.healthy,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

func (c *Collector) ObserveLocate(server string, index int) {
	c.locates.WithLabelValues(server, strconv.Itoa(index)).Inc()
}

// ObserveJump records n jump evaluations over numBuckets.
func (c *Collector) ObserveJump(numBuckets int32, n int) {
	c.jumps.Add(float64(n))
	c.jumpBuckets.Observe(float64(numBuckets))
}

// SetPool publishes pool size and per-server health.
func (c *Collector) SetPool(health map[string]bool) {
	c.poolSize.Set(float64(len(health)))
	c.healthy.Reset()
	for name, ok := range health {
		v := 0.0
		if ok {
			v = 1
		}
		c.healthy.WithLabelValues(name).Set(v)
	}
}

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}
