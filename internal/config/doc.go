// Package config loads and validates the engine configuration: rule
// definitions, the routing tree, receivers, inhibition rules and
// engine tunables, all from one YAML document. Reload is atomic: a
// document that fails validation is rejected whole and the previous
// generation stays active.
package config
