// Package exec provides the executable framework: the ExecutionContext with
// its event sink, cancellation, usage accounting and retry policy, plus the
// combinators executables compose with.
package exec

import (
	"github.com/haasonsaas/oxide/internal/output"
)

// SourceRef identifies the executable that emitted an event.
type SourceRef struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

// ArtifactSource is the event source kind used by terminal artifacts. The
// routing fallback keys on it to detect whether the primary turn produced
// anything user-visible.
const ArtifactSource = "artifact"

// AgentSourceContent is the chunk key used by agent content streams. Events
// sharing a key are ordered FIFO; the last chunk per key carries Finished.
const AgentSourceContent = "agent_source_content"

// EventKind discriminates event payloads.
type EventKind int

const (
	EventMessage EventKind = iota
	EventChunk
	EventError
	EventUsage
	EventArtifactStarted
	EventArtifactFinished
	EventReference
)

func (k EventKind) String() string {
	switch k {
	case EventMessage:
		return "message"
	case EventChunk:
		return "chunk"
	case EventError:
		return "error"
	case EventUsage:
		return "usage"
	case EventArtifactStarted:
		return "artifact_started"
	case EventArtifactFinished:
		return "artifact_finished"
	case EventReference:
		return "reference"
	}
	return "unknown"
}

// Event is the unit flowing through the execution sink.
type Event struct {
	Source SourceRef
	Kind   EventKind

	// Message is set for EventMessage and EventError.
	Message string

	// Chunk is set for EventChunk.
	Chunk *output.Chunk

	// Usage is set for EventUsage.
	Usage *output.Usage

	// ArtifactID and ArtifactSummary are set for the artifact events.
	ArtifactID      string
	ArtifactSummary string

	// Reference is set for EventReference.
	Reference *output.Reference
}
