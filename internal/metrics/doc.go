// Package metrics defines the engine's own Prometheus instrumentation,
// registered against an explicit registry so tests can construct
// isolated instances.
package metrics
