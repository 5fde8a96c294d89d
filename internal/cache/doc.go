// Package cache implements the reactive query cache and the bridge
// that reconciles it against server-pushed change events.
//
// The Store holds query results keyed by ordered tuples; observers
// refcount entries so teardown is automatic when a query is no longer
// watched. The Bridge maps (table, event type, filter) to invalidate,
// patch, or remove operations on the store.
package cache
