// Package notify defines the notification payload and the delivery
// sinks alerts are sent to: generic webhooks, Slack, and a log-only
// receiver for dry runs. Concrete transports report whether a failure
// is worth retrying.
package notify
