// Package metrics exposes the kernel's Prometheus instrumentation: gauges
// and counters for process, memory, cron, webhook, cluster and WebSocket
// state, a Collector that samples the Store into the process, cron-job,
// dead-letter and cluster-node gauges on a ticker, and a small component
// health registry backing /health and /ready.
//
// Metric names are namespaced "aether_*". Those four gauges are periodically
// reset from storage.Store by Collector rather than updated inline by every
// caller, so a crashed or restarted subsystem can't leave a stale value
// behind. The memory-record, snapshot and WebSocket-connection gauges are
// registered, but nothing in the kernel sets them.
package metrics
