// Package metrics provides Prometheus metrics for monitoring.
//
// Key metrics:
//   - Relay connection state, reconnect attempts and circuit opens
//   - Inbound message rates by type
//   - Subscribe/unsubscribe acknowledgment latency
//   - Writer inserts, conflicts and flush latency
//   - Queue depth between handlers and the writer
package metrics
