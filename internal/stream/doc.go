// Package stream implements the streaming agent-response pipeline. It decodes
// incremental provider events into a closed set of variants, forwards text to
// the client as it arrives, reassembles fragmented tool invocations, executes
// each one exactly once and records the call/result pair in conversation
// history before telling the client about it. In-flight text is mirrored to a
// live-sync queue so pollers can observe progress before the turn completes.
package stream
