// Package ws streams alert and notification-group state to dashboard
// clients over WebSocket. The hub pushes a full state snapshot on
// connect and on every broadcast tick.
package ws
