// Package ratelimit is a fixed-window request counter keyed by identifier.
//
// Each identifier is owned by one actor (see internal/actor), so the
// read-decide-write sequence in CheckLimit never interleaves with another
// call for the same identifier, including the expiry sweep. State lives in a
// storage.Storage namespace and survives restarts.
//
// A window opens on the first accepted request and counts up to max. Once
// max is reached further requests are rejected without touching storage
// until the window elapses, and the next request opens a fresh window.
//
// Expired entries are reclaimed by a sweep that runs every CleanupInterval
// from the actor's alarm. The sweep always sets the next alarm, so an actor
// always has a pending wake-up once it has been activated.
package ratelimit
