package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/haasonsaas/oxide/internal/agent"
	"github.com/haasonsaas/oxide/internal/config"
	"github.com/haasonsaas/oxide/internal/errs"
	"github.com/haasonsaas/oxide/internal/exec"
	"github.com/haasonsaas/oxide/internal/output"
	"github.com/haasonsaas/oxide/internal/render"
	"github.com/haasonsaas/oxide/internal/runs"
	"github.com/haasonsaas/oxide/internal/taskmanager"
	"github.com/haasonsaas/oxide/internal/vectorstore"
	"github.com/haasonsaas/oxide/internal/workflow"
	"github.com/haasonsaas/oxide/pkg/models"
)

// ChatService runs agents and workflows for callers and streams answer
// events back. One event stream is produced per request; the stream closes
// when the executable ends.
type ChatService struct {
	Project  *config.Project
	Runner   *workflow.Runner
	Tasks    *taskmanager.Manager
	Runs     *runs.Store
	Store    *vectorstore.Store
	Embedder vectorstore.Embedder
	Metrics  exec.Recorder

	mu         sync.Mutex
	processing map[string]bool
}

// NewChatService wires the service and its sub-invoker.
func NewChatService(project *config.Project, store *vectorstore.Store, embedder vectorstore.Embedder, runsStore *runs.Store, metrics exec.Recorder) *ChatService {
	s := &ChatService{
		Project:    project,
		Tasks:      taskmanager.New(),
		Runs:       runsStore,
		Store:      store,
		Embedder:   embedder,
		Metrics:    metrics,
		processing: make(map[string]bool),
	}
	deps := agent.Deps{
		Project:  project,
		Store:    store,
		Embedder: embedder,
		Invoker:  &subInvoker{service: s},
	}
	s.Runner = workflow.NewRunner(deps)
	return s
}

func (s *ChatService) agentDeps() agent.Deps {
	return agent.Deps{
		Project:  s.Project,
		Store:    s.Store,
		Embedder: s.Embedder,
		Invoker:  &subInvoker{service: s},
	}
}

func (s *ChatService) setProcessing(threadID string, value bool) {
	s.mu.Lock()
	s.processing[threadID] = value
	s.mu.Unlock()
}

// IsProcessing reports whether a thread has a request in flight.
func (s *ChatService) IsProcessing(threadID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.processing[threadID]
}

// StopThread cancels the thread's in-flight request and resets its
// processing flag.
func (s *ChatService) StopThread(threadID string) {
	s.Tasks.CancelTask(threadID)
	s.setProcessing(threadID, false)
}

// Request is one question against an agent or workflow.
type Request struct {
	ThreadID string
	// AgentRef and WorkflowRef select the executable; exactly one is set.
	AgentRef    string
	WorkflowRef string
	Question    string
	Variables   map[string]any
	Memory      []models.Message
}

// Ask runs a request and returns its answer stream. The returned channel
// closes when the request completes; a bare close without an error event
// means success.
func (s *ChatService) Ask(ctx context.Context, req Request) (<-chan AnswerStream, error) {
	if req.Question == "" && req.WorkflowRef == "" {
		return nil, errs.Validation("question cannot be empty")
	}
	if (req.AgentRef == "") == (req.WorkflowRef == "") {
		return nil, errs.Validation("exactly one of agent_ref and workflow_ref must be set")
	}

	sink := exec.NewEventSink()
	runCtx := s.Tasks.RegisterTask(ctx, req.ThreadID, sink.Close)
	s.setProcessing(req.ThreadID, true)

	ec := exec.NewExecutionContext(s.Project, render.New(nil), sink)
	if s.Metrics != nil {
		ec.Metrics = s.Metrics
	}

	out := make(chan AnswerStream, 16)

	var references []output.Reference
	done := make(chan struct{})
	go func() {
		defer close(out)
		defer close(done)
		for event := range sink.Events() {
			if event.Kind == exec.EventReference && event.Reference != nil {
				references = append(references, *event.Reference)
			}
			if stream, ok := fromEvent(event); ok {
				out <- stream
			}
		}
	}()

	go func() {
		defer func() {
			sink.Close()
			<-done
			s.Tasks.RemoveTask(req.ThreadID)
			s.setProcessing(req.ThreadID, false)
		}()
		s.execute(runCtx, ec, req, &references)
	}()

	return out, nil
}

// execute runs the request body and guarantees the terminal event protocol:
// on failure a terminal error event precedes stream closure; on cancellation
// a single cancellation message is emitted instead.
func (s *ChatService) execute(ctx context.Context, ec *exec.ExecutionContext, req Request, references *[]output.Reference) {
	sourceID := req.AgentRef
	if sourceID == "" {
		sourceID = req.WorkflowRef
	}

	var runInfo *runs.RunInfo
	if s.Runs != nil {
		info, err := s.Runs.NewRun(ctx, sourceID, nil)
		if err != nil {
			s.surfaceError(ctx, ec, err)
			return
		}
		runInfo = info
	}

	result, err := s.run(ctx, ec, req)
	if err != nil {
		if errs.IsCanceled(err) || ctx.Err() != nil {
			_ = ec.WriteMessage(context.Background(), "Operation cancelled")
		} else {
			s.surfaceError(ctx, ec, err)
		}
		s.persistRun(sourceID, runInfo, nil, err)
		return
	}

	if err := ec.WriteTotalUsage(ctx); err != nil {
		slog.Warn("failed to emit final usage", "error", err)
	}

	s.persistRun(sourceID, runInfo, &result, nil)
	slog.Info("request completed", "thread_id", req.ThreadID, "source_id", sourceID)
}

func (s *ChatService) run(ctx context.Context, ec *exec.ExecutionContext, req Request) (output.Container, error) {
	if req.WorkflowRef != "" {
		wf, err := s.Project.ResolveWorkflow(req.WorkflowRef)
		if err != nil {
			return output.Container{}, err
		}
		return s.Runner.Run(ctx, ec.WithSource("workflow", req.WorkflowRef), wf, req.Variables)
	}

	def, err := s.Project.ResolveAgent(req.AgentRef)
	if err != nil {
		return output.Container{}, err
	}
	executable, err := agent.Build(s.agentDeps(), def)
	if err != nil {
		return output.Container{}, err
	}
	resp, err := executable.Execute(ctx, ec.WithSource("agent", def.Name), agent.OneShotInput{
		SystemInstructions: def.SystemInstructions,
		UserInput:          req.Question,
		Memory:             req.Memory,
	})
	if err != nil {
		return output.Container{}, err
	}
	return resp.Content, nil
}

// surfaceError wraps an error with its user-visible prefix and emits the
// terminal error event.
func (s *ChatService) surfaceError(ctx context.Context, ec *exec.ExecutionContext, err error) {
	message := fmt.Sprintf("%s: %v", errs.UserPrefix(err), err)
	if emitErr := ec.WriteError(context.WithoutCancel(ctx), message); emitErr != nil {
		slog.Error("failed to emit terminal error event", "error", emitErr, "cause", err)
	}
}

// persistRun stores the final run state: blocks on success, the error text
// on failure.
func (s *ChatService) persistRun(sourceID string, info *runs.RunInfo, result *output.Container, runErr error) {
	if s.Runs == nil || info == nil {
		return
	}
	group := runs.Group{SourceID: sourceID, RunIndex: info.RunIndex}
	if runErr != nil {
		text := runErr.Error()
		group.Error = &text
	} else if result != nil {
		blocks, err := json.Marshal(map[string]any{"output": result.String()})
		if err != nil {
			slog.Error("failed to serialize run blocks", "error", err)
		} else {
			group.Blocks = blocks
		}
	}
	if err := s.Runs.UpsertRun(context.Background(), group); err != nil {
		slog.Error("failed to persist run", "source_id", sourceID, "error", err)
	}
}

// subInvoker lets tools call back into the service for nested agents and
// workflows without an import cycle.
type subInvoker struct {
	service *ChatService
}

func (i *subInvoker) RunAgent(ctx context.Context, ec *exec.ExecutionContext, agentRef, prompt string) (output.Output, error) {
	def, err := i.service.Project.ResolveAgent(agentRef)
	if err != nil {
		return output.Output{}, err
	}
	executable, err := agent.Build(i.service.agentDeps(), def)
	if err != nil {
		return output.Output{}, err
	}
	resp, err := executable.Execute(ctx, ec.WithSource("agent", def.Name), agent.OneShotInput{
		SystemInstructions: def.SystemInstructions,
		UserInput:          prompt,
	})
	if err != nil {
		return output.Output{}, err
	}
	return output.Text(resp.Content.String()), nil
}

func (i *subInvoker) RunWorkflow(ctx context.Context, ec *exec.ExecutionContext, workflowRef string, variables map[string]any) (output.Output, error) {
	wf, err := i.service.Project.ResolveWorkflow(workflowRef)
	if err != nil {
		return output.Output{}, err
	}
	result, err := i.service.Runner.Run(ctx, ec.WithSource("workflow", workflowRef), wf, variables)
	if err != nil {
		return output.Output{}, err
	}
	return output.Text(result.String()), nil
}

// ArtifactPath returns the artifact directory for a thread.
func (s *ChatService) ArtifactPath(threadID string) string {
	return filepath.Join(s.Project.StatePath(), "artifacts", threadID)
}
