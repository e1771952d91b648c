package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/haasonsaas/oxide/internal/exec"
	"github.com/haasonsaas/oxide/internal/output"
	"github.com/haasonsaas/oxide/pkg/models"
)

// Tool is an executable the model can call by function name.
type Tool interface {
	// Name returns the function name exposed to the model.
	Name() string

	// Description helps the model decide when to call the tool.
	Description() string

	// Parameters returns the JSON Schema of the arguments.
	Parameters() json.RawMessage

	// Execute runs the tool. Errors are folded into an error output so the
	// model can react to failures.
	Execute(ctx context.Context, ec *exec.ExecutionContext, args json.RawMessage) (output.Output, error)
}

// DefaultMaxConcurrentToolCalls bounds parallel dispatch when an agent does
// not configure its own cap.
const DefaultMaxConcurrentToolCalls = 4

// ToolEngine resolves tool calls by name and dispatches them with a
// concurrency cap. Results append to the conversation as tool messages.
type ToolEngine struct {
	AgentName     string
	MaxConcurrent int

	mu    sync.RWMutex
	tools map[string]Tool
}

// NewToolEngine creates an engine for the given agent.
func NewToolEngine(agentName string, maxConcurrent int) *ToolEngine {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrentToolCalls
	}
	return &ToolEngine{
		AgentName:     agentName,
		MaxConcurrent: maxConcurrent,
		tools:         make(map[string]Tool),
	}
}

// Register adds a tool under its own name.
func (e *ToolEngine) Register(tool Tool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tools[tool.Name()] = tool
}

// RegisterAs adds a tool under an explicit (possibly deduplicated) name.
func (e *ToolEngine) RegisterAs(name string, tool Tool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tools[name] = tool
}

// Definitions returns the tool definitions for the model, in sorted
// registration-independent order.
func (e *ToolEngine) Definitions() []ToolDefinition {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.tools))
	for name := range e.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	defs := make([]ToolDefinition, 0, len(names))
	for _, name := range names {
		tool := e.tools[name]
		defs = append(defs, ToolDefinition{
			Name:        name,
			Description: tool.Description(),
			Parameters:  tool.Parameters(),
		})
	}
	return defs
}

// Dispatch implements exec.ToolDispatcher: up to MaxConcurrent calls run in
// parallel; results are returned as tool messages in call order, keyed by
// tool_call_id.
func (e *ToolEngine) Dispatch(ctx context.Context, ec *exec.ExecutionContext, calls []models.ToolCall) ([]models.Message, error) {
	if len(calls) == 0 {
		return nil, nil
	}
	results := make([]output.Output, len(calls))
	sem := make(chan struct{}, e.MaxConcurrent)
	var wg sync.WaitGroup

	for i := range calls {
		wg.Add(1)
		go func(idx int, call models.ToolCall) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				results[idx] = output.ErrorOutput("Operation cancelled")
				return
			}
			results[idx] = e.executeOne(ctx, ec, call)
		}(i, calls[i])
	}
	wg.Wait()

	messages := make([]models.Message, len(calls))
	for i, call := range calls {
		messages[i] = models.Message{
			Role:       models.RoleTool,
			ToolCallID: call.ID,
			Content:    results[i].String(),
			CreatedAt:  time.Now(),
		}
	}
	return messages, nil
}

func (e *ToolEngine) executeOne(ctx context.Context, ec *exec.ExecutionContext, call models.ToolCall) output.Output {
	e.mu.RLock()
	tool, ok := e.tools[call.Name]
	e.mu.RUnlock()
	if !ok {
		return output.ErrorOutput("tool not found: " + call.Name)
	}

	start := time.Now()
	toolEC := ec.WithSource("tool", call.Name)
	result, err := tool.Execute(ctx, toolEC, call.Arguments)
	if err != nil {
		slog.Warn("tool execution failed",
			"agent", e.AgentName, "tool", call.Name, "error", err, "duration", time.Since(start))
		return output.ErrorOutput(err.Error())
	}
	slog.Debug("tool executed",
		"agent", e.AgentName, "tool", call.Name, "duration", time.Since(start))
	return result
}

// DeduplicateNames resolves tool name collisions by suffixing _1, _2, … in
// first-seen order. The result is a bijection: no two outputs collide and
// each output maps back to its input position.
func DeduplicateNames(names []string) []string {
	used := make(map[string]bool, len(names))
	out := make([]string, len(names))
	for i, name := range names {
		candidate := name
		for n := 1; used[candidate]; n++ {
			candidate = fmt.Sprintf("%s_%d", name, n)
		}
		used[candidate] = true
		out[i] = candidate
	}
	return out
}
