package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// resourceCollector samples CPU and memory of tracked services at scrape time.
type resourceCollector struct {
	mu   sync.Mutex
	pids map[string]int32

	cpu     *prometheus.Desc
	rss     *prometheus.Desc
	threads *prometheus.Desc
}

var resources = newResourceCollector()

func newResourceCollector() *resourceCollector {
	return &resourceCollector{
		pids: make(map[string]int32),
		cpu: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "service", "cpu_percent"),
			"CPU usage of the service process since it started.",
			[]string{"name"}, nil),
		rss: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "service", "memory_rss_bytes"),
			"Resident memory of the service process.",
			[]string{"name"}, nil),
		threads: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "service", "threads"),
			"Thread count of the service process.",
			[]string{"name"}, nil),
	}
}

func (c *resourceCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.cpu
	ch <- c.rss
	ch <- c.threads
}

func (c *resourceCollector) Collect(ch chan<- prometheus.Metric) {
	c.mu.Lock()
	snapshot := make(map[string]int32, len(c.pids))
	for k, v := range c.pids {
		snapshot[k] = v
	}
	c.mu.Unlock()

	for name, pid := range snapshot {
		p, err := gopsproc.NewProcess(pid)
		if err != nil {
			continue
		}
		if v, err := p.CPUPercent(); err == nil {
			ch <- prometheus.MustNewConstMetric(c.cpu, prometheus.GaugeValue, v, name)
		}
		if m, err := p.MemoryInfo(); err == nil && m != nil {
			ch <- prometheus.MustNewConstMetric(c.rss, prometheus.GaugeValue, float64(m.RSS), name)
		}
		if n, err := p.NumThreads(); err == nil {
			ch <- prometheus.MustNewConstMetric(c.threads, prometheus.GaugeValue, float64(n), name)
		}
	}
}

// TrackService starts sampling resources of pid under name.
func TrackService(name string, pid int) {
	if !regOK.Load() || pid <= 0 {
		return
	}
	resources.mu.Lock()
	resources.pids[name] = int32(pid)
	resources.mu.Unlock()
}

// UntrackService stops sampling name.
func UntrackService(name string) {
	resources.mu.Lock()
	delete(resources.pids, name)
	resources.mu.Unlock()
}
