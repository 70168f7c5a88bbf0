// Package labels provides label matchers: equality and regex predicates
// over label sets. Matchers are the shared vocabulary of expression
// selectors, the routing tree, silences, and API filters.
package labels
