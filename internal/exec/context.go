package exec

import (
	"context"
	"sync"

	"github.com/haasonsaas/oxide/internal/config"
	"github.com/haasonsaas/oxide/internal/output"
	"github.com/haasonsaas/oxide/internal/render"
	"github.com/haasonsaas/oxide/internal/retry"
)

// Recorder receives terminal metrics for a request. Implementations must be
// safe for concurrent use.
type Recorder interface {
	ObserveUsage(usage output.Usage)
	ObserveEvent(kind string)
}

// NopRecorder discards all observations.
type NopRecorder struct{}

func (NopRecorder) ObserveUsage(output.Usage) {}
func (NopRecorder) ObserveEvent(string)       {}

// usageAccumulator is a thread-safe token counter shared across an execution
// tree.
type usageAccumulator struct {
	mu    sync.Mutex
	total output.Usage
}

func (a *usageAccumulator) add(u output.Usage) {
	a.mu.Lock()
	a.total.Add(u)
	a.mu.Unlock()
}

func (a *usageAccumulator) snapshot() output.Usage {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.total
}

// ExecutionContext carries everything an executable needs: project
// configuration and secrets, the template renderer, the event sink, usage
// accounting, metrics, and the retry policy. It is created once per
// top-level request and cloned (cheaply) for nested executables; clones share
// the sink, cancellation, and usage accumulator, but may layer a child
// renderer scope.
type ExecutionContext struct {
	Project  *config.Project
	Renderer *render.Renderer
	Source   SourceRef
	Retry    retry.Config
	Metrics  Recorder

	sink  *EventSink
	usage *usageAccumulator
}

// NewExecutionContext creates a root execution context.
func NewExecutionContext(project *config.Project, renderer *render.Renderer, sink *EventSink) *ExecutionContext {
	if sink == nil {
		sink = NewEventSink()
	}
	if renderer == nil {
		renderer = render.New(nil)
	}
	return &ExecutionContext{
		Project:  project,
		Renderer: renderer,
		Retry:    retry.DefaultConfig(),
		Metrics:  NopRecorder{},
		sink:     sink,
		usage:    &usageAccumulator{},
	}
}

// Sink returns the shared event sink.
func (ec *ExecutionContext) Sink() *EventSink { return ec.sink }

// TotalUsage returns the accumulated usage for the request so far.
func (ec *ExecutionContext) TotalUsage() output.Usage { return ec.usage.snapshot() }

// WithSource clones the context with a new event source.
func (ec *ExecutionContext) WithSource(kind, id string) *ExecutionContext {
	child := *ec
	child.Source = SourceRef{Kind: kind, ID: id}
	return &child
}

// WithChildScope clones the context layering vars into a child renderer
// scope. The parent scope is never mutated.
func (ec *ExecutionContext) WithChildScope(vars map[string]any) *ExecutionContext {
	child := *ec
	child.Renderer = ec.Renderer.Child(vars)
	return &child
}

// WithRetry clones the context with a different retry policy.
func (ec *ExecutionContext) WithRetry(cfg retry.Config) *ExecutionContext {
	child := *ec
	child.Retry = cfg
	return &child
}

// WriteChunk emits a streaming chunk.
func (ec *ExecutionContext) WriteChunk(ctx context.Context, chunk output.Chunk) error {
	return ec.sink.Emit(ctx, Event{Source: ec.Source, Kind: EventChunk, Chunk: &chunk})
}

// WriteMessage emits a user-visible message event.
func (ec *ExecutionContext) WriteMessage(ctx context.Context, message string) error {
	return ec.sink.Emit(ctx, Event{Source: ec.Source, Kind: EventMessage, Message: message})
}

// WriteError emits a terminal error event.
func (ec *ExecutionContext) WriteError(ctx context.Context, message string) error {
	ec.Metrics.ObserveEvent("error")
	return ec.sink.Emit(ctx, Event{Source: ec.Source, Kind: EventError, Message: message})
}

// AddUsage accumulates a usage sample without emitting an event. The final
// accumulated value is emitted once per request via WriteTotalUsage.
func (ec *ExecutionContext) AddUsage(usage output.Usage) {
	ec.usage.add(usage)
	ec.Metrics.ObserveUsage(usage)
}

// WriteUsage accumulates and emits a usage sample.
func (ec *ExecutionContext) WriteUsage(ctx context.Context, usage output.Usage) error {
	ec.usage.add(usage)
	ec.Metrics.ObserveUsage(usage)
	return ec.sink.Emit(ctx, Event{Source: ec.Source, Kind: EventUsage, Usage: &usage})
}

// WriteTotalUsage emits the accumulated usage for the request without
// re-accumulating it. Emitted once, as the stream's final usage value.
func (ec *ExecutionContext) WriteTotalUsage(ctx context.Context) error {
	total := ec.usage.snapshot()
	return ec.sink.Emit(ctx, Event{Source: ec.Source, Kind: EventUsage, Usage: &total})
}

// WriteReference emits a reference artifact.
func (ec *ExecutionContext) WriteReference(ctx context.Context, ref output.Reference) error {
	return ec.sink.Emit(ctx, Event{Source: ec.Source, Kind: EventReference, Reference: &ref})
}

// ArtifactStarted marks the beginning of a terminal artifact.
func (ec *ExecutionContext) ArtifactStarted(ctx context.Context, id string) error {
	ec.Metrics.ObserveEvent("artifact")
	return ec.sink.Emit(ctx, Event{
		Source: SourceRef{Kind: ArtifactSource, ID: id}, Kind: EventArtifactStarted, ArtifactID: id,
	})
}

// ArtifactFinished marks the end of a terminal artifact.
func (ec *ExecutionContext) ArtifactFinished(ctx context.Context, id, summary string) error {
	return ec.sink.Emit(ctx, Event{
		Source:     SourceRef{Kind: ArtifactSource, ID: id},
		Kind:       EventArtifactFinished,
		ArtifactID: id, ArtifactSummary: summary,
	})
}
