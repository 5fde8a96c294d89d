// Package connection implements the connection core.
//
// The core:
//   - Owns the single transport instance for the process
//   - Tracks connection status through an explicit state machine
//     (disconnected -> connecting -> connected, error on failure)
//   - Probes backend health in the background without flapping state
//   - Swaps the transport on credential refresh and notifies dependents
package connection
