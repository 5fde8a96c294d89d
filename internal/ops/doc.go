// Package ops implements the operation manager: every wrapped
// asynchronous operation gets a deadline and a cancellation token,
// duplicate keys cancel-then-replace, and tracked operations are
// bulk-cancelled when the application moves to the background.
//
// The manager exists to keep the UI from hanging on stalled promises:
// no wrapped operation can outlive its deadline, and no two operations
// with the same key are ever live at once.
package ops
