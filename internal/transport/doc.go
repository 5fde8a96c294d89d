// Package transport abstracts the hosted data backend behind a single
// interface: request/response queries and mutations, plus filtered
// realtime subscriptions that deliver change events.
//
// Two implementations are provided:
//   - WS: websocket realtime feed with a REST API for queries/mutations
//   - PG: direct Postgres access using LISTEN/NOTIFY as the change feed,
//     for self-hosted deployments
package transport
