// Package rules implements the rule evaluator and the alert lifecycle
// state machine. Rules are evaluated on a fixed tick against the sample
// store; each matching series becomes an alert instance that moves
// through Pending, Firing and Resolved according to its hold duration.
package rules
