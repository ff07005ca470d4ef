package metrics

import (
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Collector struct {
	reg *prometheus.Registry

	Cycles        *prometheus.CounterVec // outcome label: stored|stale|incomplete|dry_run|failed
	CycleDuration prometheus.Histogram
	RowsWritten   *prometheus.CounterVec // table label

	FetchFailures    *prometheus.CounterVec // url label
	FailureStreak    *prometheus.GaugeVec   // url label
	LastSnapshotUnix prometheus.Gauge

	NATSPublished   prometheus.Counter
	NATSPublishErrs prometheus.Counter
	NATSConnected   prometheus.Gauge
	PublishDuration prometheus.Histogram

	PollInterval prometheus.Gauge // seconds
	FeedCount    prometheus.Gauge
}

func NewCollector(pollInterval time.Duration, feedCount int) *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		Cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingestor_cycles_total",
			Help: "Total poll cycles by outcome.",
		}, []string{"outcome"}),
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ingestor_cycle_duration_seconds",
			Help:    "Duration of a full poll cycle including the write transaction.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 15),
		}),
		RowsWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingestor_rows_written_total",
			Help: "Total rows written per table.",
		}, []string{"table"}),
		FetchFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingestor_fetch_failures_total",
			Help: "Total failed feed fetches per URL.",
		}, []string{"url"}),
		FailureStreak: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ingestor_fetch_failure_streak",
			Help: "Current consecutive fetch failures per URL.",
		}, []string{"url"}),
		LastSnapshotUnix: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ingestor_last_snapshot_timestamp_seconds",
			Help: "Unix time the last snapshot was stored.",
		}),
		NATSPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingestor_nats_published_total",
			Help: "Total NATS messages published.",
		}),
		NATSPublishErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingestor_nats_publish_errors_total",
			Help: "Total NATS publish errors.",
		}),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ingestor_nats_connected",
			Help: "1 if NATS connection is established, 0 otherwise.",
		}),
		PublishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ingestor_publish_duration_seconds",
			Help:    "Duration to marshal and publish a NATS message.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
		}),
		PollInterval: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ingestor_poll_interval_seconds",
			Help: "Configured poll interval in seconds.",
		}),
		FeedCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ingestor_feed_count",
			Help: "Number of configured feed URLs.",
		}),
	}

	// Register
	reg.MustRegister(
		c.Cycles, c.CycleDuration, c.RowsWritten,
		c.FetchFailures, c.FailureStreak, c.LastSnapshotUnix,
		c.NATSPublished, c.NATSPublishErrs, c.NATSConnected, c.PublishDuration,
		c.PollInterval, c.FeedCount,
	)

	c.PollInterval.Set(pollInterval.Seconds())
	c.FeedCount.Set(float64(feedCount))

	return c
}

func (c *Collector) Handler() http.Handler { return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}) }

// Serve starts an HTTP server exposing /metrics on the given address.
func (c *Collector) Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics server error: %v", err)
		}
	}()
	log.Printf("metrics listening on %s", addr)
	return srv
}
