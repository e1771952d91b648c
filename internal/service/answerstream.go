// Package service drives top-level requests: it builds execution contexts,
// runs agents and workflows, converts runtime events into the answer stream,
// and persists final run state.
package service

import (
	"github.com/haasonsaas/oxide/internal/exec"
	"github.com/haasonsaas/oxide/internal/output"
)

// AnswerContent is the payload of one answer stream event.
type AnswerContent struct {
	Kind string `json:"kind"`

	// Content is set for kind "text".
	Content string `json:"content,omitempty"`

	// ID and Summary are set for the artifact kinds.
	ID      string `json:"id,omitempty"`
	Summary string `json:"summary,omitempty"`

	// Message is set for kind "error".
	Message string `json:"message,omitempty"`

	// Token counts are set for kind "usage".
	InputTokens  int64 `json:"input_tokens,omitempty"`
	OutputTokens int64 `json:"output_tokens,omitempty"`
}

// AnswerStream is one serialized event of a request's stream. A bare stream
// close without an error event means success.
type AnswerStream struct {
	Content    AnswerContent      `json:"content"`
	References []output.Reference `json:"references,omitempty"`
	IsError    bool               `json:"is_error,omitempty"`
	Step       string             `json:"step,omitempty"`
}

// fromEvent converts a runtime event into its stream form. Events with no
// stream representation return false.
func fromEvent(event exec.Event) (AnswerStream, bool) {
	step := event.Source.ID
	switch event.Kind {
	case exec.EventMessage:
		return AnswerStream{
			Content: AnswerContent{Kind: "text", Content: event.Message},
			Step:    step,
		}, true
	case exec.EventChunk:
		if event.Chunk == nil {
			return AnswerStream{}, false
		}
		return AnswerStream{
			Content: AnswerContent{Kind: "text", Content: event.Chunk.Delta.String()},
			Step:    step,
		}, true
	case exec.EventError:
		return AnswerStream{
			Content: AnswerContent{Kind: "error", Message: event.Message},
			IsError: true,
			Step:    step,
		}, true
	case exec.EventUsage:
		if event.Usage == nil {
			return AnswerStream{}, false
		}
		return AnswerStream{
			Content: AnswerContent{
				Kind:         "usage",
				InputTokens:  event.Usage.InputTokens,
				OutputTokens: event.Usage.OutputTokens,
			},
			Step: step,
		}, true
	case exec.EventArtifactStarted:
		return AnswerStream{
			Content: AnswerContent{Kind: "artifact_started", ID: event.ArtifactID},
			Step:    step,
		}, true
	case exec.EventArtifactFinished:
		return AnswerStream{
			Content: AnswerContent{
				Kind: "artifact_finished", ID: event.ArtifactID, Summary: event.ArtifactSummary,
			},
			Step: step,
		}, true
	case exec.EventReference:
		if event.Reference == nil {
			return AnswerStream{}, false
		}
		return AnswerStream{
			Content:    AnswerContent{Kind: "text"},
			References: []output.Reference{*event.Reference},
			Step:       step,
		}, true
	}
	return AnswerStream{}, false
}
