// Package app provides the application service layer.
//
// Orchestrates use cases: session lifecycle with host authorization, chat and
// reactions, pinning from the seller catalog, reservations, checkout, and the
// background maintenance passes (presence reconcile, sweeps, stale session reaper).
// Sits between HTTP handlers and the component packages. Depends on narrow
// interfaces, not concrete implementations.
package app
