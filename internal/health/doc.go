// Package health provides liveness/readiness probes and their HTTP handlers.
//
// Probes compose with [All] and [Any]; [Fixed] is a constant probe and
// [CheckFunc] adapts a function. [ShutdownGate] fails readiness during drain
// so the load balancer and CDN origin checks move traffic away before the
// listeners close.
package health
