// Package actor runs single-threaded, addressable units of state.
//
// A Registry maps an id to at most one live actor. Each actor owns a
// storage.Storage namespace and processes its mailbox one job at a time on a
// dedicated goroutine, so an actor's handlers never interleave. Actors with no
// callers and an empty mailbox retire after an idle period and are recreated
// on the next call. Their durable state lives in storage and survives.
//
// Every actor may hold one alarm. Setting it through the actor's State
// persists the deadline and arms the Scheduler, which delivers the alarm
// through the same mailbox as regular calls.
package actor
