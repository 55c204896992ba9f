package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the journey metrics on a registry of its own.
// It implements journey.Metrics.
type Collector struct {
	reg *prometheus.Registry

	Queries       *prometheus.CounterVec   // kind, result labels
	QueryDuration *prometheus.HistogramVec // kind label

	FeedLoads       *prometheus.CounterVec // result label: ok|error
	IndexTrips      *prometheus.GaugeVec   // source label
	IndexStops      *prometheus.GaugeVec   // source label
	IndexTransfers  *prometheus.GaugeVec   // source label
	RefreshDuration prometheus.Histogram
}

func NewCollector() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		Queries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "journey_queries_total",
			Help: "Total journey queries.",
		}, []string{"kind", "result"}),
		QueryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "journey_query_duration_seconds",
			Help:    "Duration of journey queries.",
			Buckets: prometheus.ExponentialBuckets(0.00001, 2, 18),
		}, []string{"kind"}),
		FeedLoads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "journey_feed_loads_total",
			Help: "Total feed loads.",
		}, []string{"result"}),
		IndexTrips: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "journey_index_trips",
			Help: "Trips in the current index.",
		}, []string{"source"}),
		IndexStops: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "journey_index_stops",
			Help: "Stops in the current index.",
		}, []string{"source"}),
		IndexTransfers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "journey_index_transfer_rules",
			Help: "Transfer rules in the current index.",
		}, []string{"source"}),
		RefreshDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "journey_refresh_duration_seconds",
			Help:    "Duration of feed refreshes.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 15),
		}),
	}

	reg.MustRegister(
		c.Queries, c.QueryDuration,
		c.FeedLoads, c.IndexTrips, c.IndexStops, c.IndexTransfers,
		c.RefreshDuration,
	)

	return c
}

func (c *Collector) ObserveQuery(kind string, found bool, d time.Duration) {
	result := "miss"
	if found {
		result = "found"
	}
	c.Queries.WithLabelValues(kind, result).Inc()
	c.QueryDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// Records the outcome of loading a feed. Counts are only set on
// success.
func (c *Collector) ObserveLoad(source string, err error, trips, stops, transfers int) {
	if err != nil {
		c.FeedLoads.WithLabelValues("error").Inc()
		return
	}
	c.FeedLoads.WithLabelValues("ok").Inc()
	c.IndexTrips.WithLabelValues(source).Set(float64(trips))
	c.IndexStops.WithLabelValues(source).Set(float64(stops))
	c.IndexTransfers.WithLabelValues(source).Set(float64(transfers))
}

func (c *Collector) ObserveRefresh(d time.Duration) {
	c.RefreshDuration.Observe(d.Seconds())
}

func (c *Collector) Registry() *prometheus.Registry { return c.reg }

func (c *Collector) Handler() http.Handler { return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}) }
