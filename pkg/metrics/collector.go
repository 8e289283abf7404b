package metrics

import (
	"time"

	"github.com/aethercore/kernel/pkg/storage"
)

// Collector periodically samples the store's current state into gauges: a
// ticker-driven snapshot of process/cron/webhook/cluster-node counts into
// Prometheus metrics.
type Collector struct {
	store  storage.Store
	stopCh chan struct{}
}

// NewCollector creates a Collector over store.
func NewCollector(store storage.Store) *Collector {
	return &Collector{store: store, stopCh: make(chan struct{})}
}

// Start begins the periodic collection loop.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop ends the collection loop.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectProcesses()
	c.collectCronJobs()
	c.collectWebhooks()
	c.collectClusterNodes()
}

func (c *Collector) collectProcesses() {
	procs, err := c.store.ListProcesses()
	if err != nil {
		return
	}
	counts := make(map[string]int)
	for _, p := range procs {
		counts[string(p.State)]++
	}
	for state, n := range counts {
		ProcessesTotal.WithLabelValues(state).Set(float64(n))
	}
}

func (c *Collector) collectCronJobs() {
	jobs, err := c.store.ListCronJobs()
	if err != nil {
		return
	}
	CronJobsTotal.Set(float64(len(jobs)))
}

func (c *Collector) collectWebhooks() {
	dead, err := c.store.ListDeadLetters()
	if err != nil {
		return
	}
	WebhookDeadLettersTotal.Set(float64(len(dead)))
}

func (c *Collector) collectClusterNodes() {
	nodes, err := c.store.ListClusterNodes()
	if err != nil {
		return
	}
	counts := make(map[string]int)
	for _, n := range nodes {
		counts[string(n.Status)]++
	}
	for status, n := range counts {
		ClusterNodesTotal.WithLabelValues(status).Set(float64(n))
	}
}
