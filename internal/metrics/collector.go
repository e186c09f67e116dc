package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/saveenergy/egresswatch/pkg/types"
)

// Collector exposes ingestion, decimation and outage counters to
// Prometheus.
type Collector struct {
	ingested      *prometheus.CounterVec
	rejected      *prometheus.CounterVec
	transitions   *prometheus.CounterVec
	responseTime  *prometheus.HistogramVec
	seriesPoints  *prometheus.GaugeVec
	openOutages   prometheus.Gauge
	decimations   prometheus.Counter
	reconnects    prometheus.Counter
	viewers       prometheus.Gauge
	probesEmitted *prometheus.CounterVec
}

// NewCollector registers the metric set on reg. A nil reg uses the
// default registerer.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &Collector{
		ingested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "egresswatch_samples_ingested_total",
			Help: "Probe samples appended to the live series.",
		}, []string{"protocol", "outcome"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "egresswatch_events_rejected_total",
			Help: "Inbound probe events dropped before ingestion.",
		}, []string{"reason"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "egresswatch_outage_transitions_total",
			Help: "Outage interval transitions per protocol.",
		}, []string{"protocol", "transition"}),
		responseTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "egresswatch_response_time_ms",
			Help:    "Response time of successful probes in milliseconds.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"protocol"}),
		seriesPoints: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "egresswatch_series_points",
			Help: "Points currently retained per protocol series.",
		}, []string{"protocol"}),
		openOutages: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "egresswatch_open_outages",
			Help: "Protocols with an open no-response interval.",
		}),
		decimations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "egresswatch_decimations_total",
			Help: "Synchronized decimation passes over all series.",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "egresswatch_feed_reconnects_total",
			Help: "Reconnect attempts of the probe feed subscriber.",
		}),
		viewers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "egresswatch_live_viewers",
			Help: "Connected live dashboard websocket clients.",
		}),
		probesEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "egresswatch_probes_emitted_total",
			Help: "Probe results produced by the local prober.",
		}, []string{"protocol", "outcome"}),
	}

	reg.MustRegister(
		c.ingested, c.rejected, c.transitions, c.responseTime, c.seriesPoints,
		c.openOutages, c.decimations, c.reconnects, c.viewers, c.probesEmitted,
	)
	return c
}

func outcome(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

func (c *Collector) SampleIngested(p types.Protocol, success bool, responseTimeMs float64) {
	c.ingested.WithLabelValues(string(p), outcome(success)).Inc()
	if success {
		c.responseTime.WithLabelValues(string(p)).Observe(responseTimeMs)
	}
}

func (c *Collector) EventRejected(reason string) {
	c.rejected.WithLabelValues(reason).Inc()
}

func (c *Collector) OutageTransition(p types.Protocol, transition string) {
	c.transitions.WithLabelValues(string(p), transition).Inc()
}

func (c *Collector) SetSeriesPoints(p types.Protocol, n int) {
	c.seriesPoints.WithLabelValues(string(p)).Set(float64(n))
}

func (c *Collector) SetOpenOutages(n int) {
	c.openOutages.Set(float64(n))
}

func (c *Collector) Decimated(passes int) {
	if passes > 0 {
		c.decimations.Add(float64(passes))
	}
}

func (c *Collector) Reconnect() {
	c.reconnects.Inc()
}

func (c *Collector) SetViewers(n int) {
	c.viewers.Set(float64(n))
}

func (c *Collector) ProbeEmitted(p types.Protocol, success bool) {
	c.probesEmitted.WithLabelValues(string(p), outcome(success)).Inc()
}
