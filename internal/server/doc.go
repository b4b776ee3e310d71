// Package server is the HTTP and WebSocket surface of the live engine.
//
// REST handlers under /api/v1 are thin: they authenticate the caller from a
// JWT, bind the body and delegate to the application service. The live
// socket at /api/v1/sessions/:id/live streams chat, reactions, the featured
// item, presence and lifecycle events to one viewer or host, and accepts
// chat and reaction frames back, each behind a per-connection rate limit.
package server
