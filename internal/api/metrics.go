package api

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/xfeldman/kvmnode/internal/vmm"
)

// Metrics holds the kvmd Prometheus registry.
type Metrics struct {
	registry   *prometheus.Registry
	operations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
}

// NewMetrics creates the registry with operation metrics, node capacity
// read from hv at scrape time, and the Go/process collectors.
func NewMetrics(hv vmm.Hypervisor) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kvmnode_operations_total",
			Help: "Lifecycle operations handled, by operation and outcome.",
		}, []string{"op", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kvmnode_operation_duration_seconds",
			Help:    "Lifecycle operation latency.",
			Buckets: []float64{0.05, 0.25, 1, 5, 15, 30, 60, 300, 1800},
		}, []string{"op"}),
	}
	m.registry.MustRegister(
		m.operations,
		m.duration,
		newNodeCollector(hv),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) observe(op string, err error, d time.Duration) {
	outcome := "ok"
	if err != nil {
		outcome = "failed"
		if kind, ok := vmm.KindOf(err); ok {
			outcome = kind.String()
		}
	}
	m.operations.WithLabelValues(op, outcome).Inc()
	m.duration.WithLabelValues(op).Observe(d.Seconds())
}

// nodeCollector reports host capacity and the running instance count.
// Failed reads are skipped for that scrape.
type nodeCollector struct {
	hv vmm.Hypervisor

	memTotal  *prometheus.Desc
	memFree   *prometheus.Desc
	memDom0   *prometheus.Desc
	cpuTotal  *prometheus.Desc
	instances *prometheus.Desc
}

func newNodeCollector(hv vmm.Hypervisor) *nodeCollector {
	return &nodeCollector{
		hv:        hv,
		memTotal:  prometheus.NewDesc("kvmnode_node_memory_total_mib", "Total host memory (MiB).", nil, nil),
		memFree:   prometheus.NewDesc("kvmnode_node_memory_free_mib", "Free host memory including buffers and cache (MiB).", nil, nil),
		memDom0:   prometheus.NewDesc("kvmnode_node_memory_active_mib", "Memory in active use on the host (MiB).", nil, nil),
		cpuTotal:  prometheus.NewDesc("kvmnode_node_cpus", "Host logical CPUs.", nil, nil),
		instances: prometheus.NewDesc("kvmnode_instances_running", "Instances with a live process.", nil, nil),
	}
}

func (c *nodeCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.memTotal
	ch <- c.memFree
	ch <- c.memDom0
	ch <- c.cpuTotal
	ch <- c.instances
}

func (c *nodeCollector) Collect(ch chan<- prometheus.Metric) {
	if info, err := c.hv.GetNodeInfo(); err == nil {
		ch <- prometheus.MustNewConstMetric(c.memTotal, prometheus.GaugeValue, float64(info.MemoryTotal))
		ch <- prometheus.MustNewConstMetric(c.memFree, prometheus.GaugeValue, float64(info.MemoryFree))
		ch <- prometheus.MustNewConstMetric(c.memDom0, prometheus.GaugeValue, float64(info.MemoryDom0))
		ch <- prometheus.MustNewConstMetric(c.cpuTotal, prometheus.GaugeValue, float64(info.CPUTotal))
	}
	if names, err := c.hv.ListInstances(); err == nil {
		ch <- prometheus.MustNewConstMetric(c.instances, prometheus.GaugeValue, float64(len(names)))
	}
}
