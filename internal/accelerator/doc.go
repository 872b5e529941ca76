// Package accelerator implements the Accelerator relay client.
//
// The Multiplexer:
//   - Owns exactly one WebSocket transport to the relay at a time
//   - Multiplexes account subscriptions (cluster + address) over it
//   - Correlates subscribe/unsubscribe requests with their acknowledgments
//   - Replaces the transport on close and replays every subscription
//   - Backs off with jitter between reconnect attempts and opens a circuit
//     after repeated failures
//
// Acknowledgments are matched by message type only. Two requests of the same
// type in flight are answered first-registered-first-served.
package accelerator
