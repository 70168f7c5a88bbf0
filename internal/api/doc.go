// Package api exposes the engine's HTTP surface: sample ingest, alert
// and notification-group queries, silence management and rule health.
// All endpoints speak JSON under /api/v1.
package api
