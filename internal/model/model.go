// Package model defines the core domain types for Relay.
//
// Types correspond directly to the entities exchanged between the command
// router, the dispatch/reconciliation engine, and the ephemeral stores.
// Types use strong typing (UUIDs, time.Time, enums) and avoid interface{}
// wherever possible.
package model
