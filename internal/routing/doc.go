// Package routing implements the route tree: a matcher-driven decision
// tree mapping alerts to receivers and grouping policy. The tree is
// immutable once built; routing is a recursive descent over a snapshot,
// so concurrent passes need no coordination.
package routing
