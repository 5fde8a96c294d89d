// Package realtime implements the subscription multiplexer.
//
// The multiplexer:
//   - Maintains exactly one physical realtime channel per owner
//   - Fans incoming change events out to registered consumer callbacks
//     and to the cache bridge
//   - Retries channel setup with bounded exponential backoff, then
//     waits for a transport swap signal once the budget is spent
package realtime
