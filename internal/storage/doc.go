// Package storage defines the keyed durable storage each rate limit actor owns.
//
// Every actor gets a namespace (its id). Inside a namespace, entries are keyed by
// identifier and there is at most one alarm deadline. Nothing outside the owning
// actor reads or writes a namespace, so backends do not need compare-and-swap.
//
// Backends:
//   - memstore: process-local maps, for tests and single-node development
//   - redisstore: hash per namespace plus a shared sorted set of alarms
//   - s3store: one object per entry, paced to stay under S3 request limits
package storage
