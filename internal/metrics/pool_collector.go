package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/BaSui01/connpool/dbpool"
)

// PoolSource 提供连接池快照，*dbpool.Manager 满足该接口
type PoolSource interface {
	Stats() []dbpool.Stats
	ForcedReleases() int64
}

// poolCollector 在抓取时把连接池快照转换为常量指标
type poolCollector struct {
	source PoolSource

	capacity       *prometheus.Desc
	idle           *prometheus.Desc
	inUse          *prometheus.Desc
	acquired       *prometheus.Desc
	waited         *prometheus.Desc
	waitSeconds    *prometheus.Desc
	timeouts       *prometheus.Desc
	reconnects     *prometheus.Desc
	discarded      *prometheus.Desc
	forcedReleases *prometheus.Desc
}

func newPoolCollector(namespace string, source PoolSource) *poolCollector {
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "pool", name), help, labels, nil)
	}
	return &poolCollector{
		source:         source,
		capacity:       desc("capacity_connections", "Fixed capacity of the pool", "database"),
		idle:           desc("idle_connections", "Connections waiting in the pool", "database"),
		inUse:          desc("in_use_connections", "Connections checked out by tasks", "database"),
		acquired:       desc("acquired_total", "Total number of successful checkouts", "database"),
		waited:         desc("waited_total", "Total number of checkouts that had to wait", "database"),
		waitSeconds:    desc("wait_seconds_total", "Total time spent waiting for a connection", "database"),
		timeouts:       desc("acquire_timeouts_total", "Total number of checkouts that timed out", "database"),
		reconnects:     desc("reconnects_total", "Total number of dead connections replaced", "database"),
		discarded:      desc("discarded_total", "Total number of broken connections closed", "database"),
		forcedReleases: desc("forced_releases_total", "Total number of connections taken back from finished tasks"),
	}
}

func (c *poolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.capacity
	ch <- c.idle
	ch <- c.inUse
	ch <- c.acquired
	ch <- c.waited
	ch <- c.waitSeconds
	ch <- c.timeouts
	ch <- c.reconnects
	ch <- c.discarded
	ch <- c.forcedReleases
}

func (c *poolCollector) Collect(ch chan<- prometheus.Metric) {
	for _, s := range c.source.Stats() {
		ch <- prometheus.MustNewConstMetric(c.capacity, prometheus.GaugeValue, float64(s.Capacity), s.Name)
		ch <- prometheus.MustNewConstMetric(c.idle, prometheus.GaugeValue, float64(s.Idle), s.Name)
		ch <- prometheus.MustNewConstMetric(c.inUse, prometheus.GaugeValue, float64(s.InUse), s.Name)
		ch <- prometheus.MustNewConstMetric(c.acquired, prometheus.CounterValue, float64(s.Acquired), s.Name)
		ch <- prometheus.MustNewConstMetric(c.waited, prometheus.CounterValue, float64(s.Waited), s.Name)
		ch <- prometheus.MustNewConstMetric(c.waitSeconds, prometheus.CounterValue, s.WaitTime.Seconds(), s.Name)
		ch <- prometheus.MustNewConstMetric(c.timeouts, prometheus.CounterValue, float64(s.Timeouts), s.Name)
		ch <- prometheus.MustNewConstMetric(c.reconnects, prometheus.CounterValue, float64(s.Reconnects), s.Name)
		ch <- prometheus.MustNewConstMetric(c.discarded, prometheus.CounterValue, float64(s.Discarded), s.Name)
	}
	ch <- prometheus.MustNewConstMetric(c.forcedReleases, prometheus.CounterValue, float64(c.source.ForcedReleases()))
}
