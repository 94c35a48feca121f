// Package health holds the liveness and readiness probes served on /-/healthy and
// /-/ready, on both the public listener and the admin listener.
//
// Probes compose with [All] and [Any]. [ShutdownGate] fails readiness as soon as
// the process starts draining so the load balancer stops sending webhooks before
// in-flight relays finish.
package health
