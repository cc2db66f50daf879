// Package api exposes the HTTP surface of the daemon: the streaming chat
// endpoint, live-record polling, conversation history, queued agent runs,
// health and metrics.
package api
