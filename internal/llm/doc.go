// Package llm defines the provider-neutral contract used by the agent to open
// a streaming model response. Provider adapters live in sub-packages and hand
// back a stream.Source whose raw events are decoded by the stream pipeline.
package llm
