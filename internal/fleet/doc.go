// Package fleet implements the core coordination logic for a tablet fleet:
// the in-memory registry of connected devices, one-way command routing,
// staleness eviction, and the persistence gateway.
//
// The registry is the source of truth for live state. Persistence is
// write-through and fire-and-forget; the durable store exists for audit and
// for remembering devices across restarts, never for answering "who is
// online right now". Observers receive state changes through the Notifier
// interface, with the originating connection excluded from each broadcast.
//
// Transport is deliberately absent from this package: connections appear
// only as the minimal Conn interface, so the registry and router can be
// exercised without a network.
package fleet
