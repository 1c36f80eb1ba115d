package postgres

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

var staticLabels = []string{"application_name"}

// poolStatsCollector is a prometheus.Collector over the statistics
// produced by pgxpool.Pool.Stat, adapted to the pgx/v5 Stat shape.
type poolStatsCollector struct {
	name string
	pool *pgxpool.Pool

	acquireCountDesc         *prometheus.Desc
	acquireDurationDesc      *prometheus.Desc
	acquiredConnsDesc        *prometheus.Desc
	canceledAcquireCountDesc *prometheus.Desc
	constructingConnsDesc    *prometheus.Desc
	emptyAcquireCountDesc    *prometheus.Desc
	idleConnsDesc            *prometheus.Desc
	maxConnsDesc             *prometheus.Desc
	totalConnsDesc           *prometheus.Desc
}

func newPoolStatsCollector(pool *pgxpool.Pool, appname string) *poolStatsCollector {
	return &poolStatsCollector{
		name: appname,
		pool: pool,
		acquireCountDesc: prometheus.NewDesc(
			"pgxpool_acquire_count",
			"Cumulative count of successful acquires from the pool.",
			staticLabels, nil),
		acquireDurationDesc: prometheus.NewDesc(
			"pgxpool_acquire_duration_seconds_total",
			"Total duration of all successful acquires from the pool in seconds.",
			staticLabels, nil),
		acquiredConnsDesc: prometheus.NewDesc(
			"pgxpool_acquired_conns",
			"Number of currently acquired connections in the pool.",
			staticLabels, nil),
		canceledAcquireCountDesc: prometheus.NewDesc(
			"pgxpool_canceled_acquire_count",
			"Cumulative count of acquires from the pool that were canceled by a context.",
			staticLabels, nil),
		constructingConnsDesc: prometheus.NewDesc(
			"pgxpool_constructing_conns",
			"Number of conns with construction in progress in the pool.",
			staticLabels, nil),
		emptyAcquireCountDesc: prometheus.NewDesc(
			"pgxpool_empty_acquire",
			"Cumulative count of successful acquires from the pool that waited for a resource because the pool was empty.",
			staticLabels, nil),
		idleConnsDesc: prometheus.NewDesc(
			"pgxpool_idle_conns",
			"Number of currently idle conns in the pool.",
			staticLabels, nil),
		maxConnsDesc: prometheus.NewDesc(
			"pgxpool_max_conns",
			"Maximum size of the pool.",
			staticLabels, nil),
		totalConnsDesc: prometheus.NewDesc(
			"pgxpool_total_conns",
			"Total number of resources currently in the pool.",
			staticLabels, nil),
	}
}

func (c *poolStatsCollector) Describe(ch chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(c, ch)
}

func (c *poolStatsCollector) Collect(metrics chan<- prometheus.Metric) {
	s := c.pool.Stat()
	metrics <- prometheus.MustNewConstMetric(c.acquireCountDesc, prometheus.CounterValue, float64(s.AcquireCount()), c.name)
	metrics <- prometheus.MustNewConstMetric(c.acquireDurationDesc, prometheus.CounterValue, s.AcquireDuration().Seconds(), c.name)
	metrics <- prometheus.MustNewConstMetric(c.acquiredConnsDesc, prometheus.GaugeValue, float64(s.AcquiredConns()), c.name)
	metrics <- prometheus.MustNewConstMetric(c.canceledAcquireCountDesc, prometheus.CounterValue, float64(s.CanceledAcquireCount()), c.name)
	metrics <- prometheus.MustNewConstMetric(c.constructingConnsDesc, prometheus.GaugeValue, float64(s.ConstructingConns()), c.name)
	metrics <- prometheus.MustNewConstMetric(c.emptyAcquireCountDesc, prometheus.CounterValue, float64(s.EmptyAcquireCount()), c.name)
	metrics <- prometheus.MustNewConstMetric(c.idleConnsDesc, prometheus.GaugeValue, float64(s.IdleConns()), c.name)
	metrics <- prometheus.MustNewConstMetric(c.maxConnsDesc, prometheus.GaugeValue, float64(s.MaxConns()), c.name)
	metrics <- prometheus.MustNewConstMetric(c.totalConnsDesc, prometheus.GaugeValue, float64(s.TotalConns()), c.name)
}
