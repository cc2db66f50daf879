// Package agent contains the orchestrator that turns one user message into a
// streamed assistant reply. It records the user message, replays recent
// history to the model, and drives the stream pipeline through as many
// tool-use rounds as the step budget allows.
package agent
