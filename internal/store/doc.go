// Package store holds the in-memory time-series sample buffer queried
// by rule expressions. Samples are grouped per series (metric name plus
// label set), retained for a rolling window, and evicted by a
// background loop.
package store
