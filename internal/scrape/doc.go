// Package scrape pulls Prometheus text-exposition metrics from
// configured targets and records every numeric sample into the sample
// store. It is the optional built-in stand-in for an external
// metrics-scraping collaborator feeding the ingest API.
package scrape
