// Package broadcast is the in-process fan-out hub. Each live session is a
// topic; every subscription owns a buffered queue drained by its own goroutine,
// so a publisher never waits on a slow subscriber.
package broadcast
