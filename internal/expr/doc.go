// Package expr implements the alerting expression language: a series
// selector with optional label matchers and aggregation, compared
// against a numeric threshold.
//
// Examples:
//
//	cpu_usage > 90
//	http_errors_total{service="api"} >= 5
//	sum(queue_depth{tier=~"gold|silver"}) > 1000
//	rate(requests_total[5m]) < 0.1
//
// Expressions are compiled once at configuration load and evaluated
// against the sample store on every tick.
package expr
