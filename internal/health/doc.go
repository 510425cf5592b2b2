// Package health has the probes behind /-/healthy and /-/ready.
//
// Probes compose with All and Any. ShutdownGate fails readiness as soon as
// shutdown starts so load balancers stop routing before listeners close.
// Pinger adapts a storage backend into a readiness probe with its own
// deadline.
package health
