// Package dispatch groups routed alerts into notification groups,
// drives their flush timers (group_wait, group_interval,
// repeat_interval), and delivers rendered notifications through a
// bounded worker pool with exponential-backoff retry. Deadlines are
// explicit per-group fields scanned by one scheduler loop, which keeps
// cancellation and coalescing observable.
package dispatch
