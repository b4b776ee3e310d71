// Package redis holds the multi-instance backends: a presence counter with
// per-instance contributions, a reservation ledger whose holds are guarded by
// Lua compare-and-set, a pub/sub relay that fans session events out to
// every instance's local hub, and a leader lease for cluster-wide maintenance.
package redis
