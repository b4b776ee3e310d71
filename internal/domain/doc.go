// Package domain defines the core domain types and interfaces of the live commerce engine.
//
// Concept-oriented files (session.go, chat.go, reservation.go, checkout.go, ...) hold the
// shared types and the cross-cutting interfaces. No implementation code - just contracts,
// so the component packages can depend on each other through this package only.
package domain
