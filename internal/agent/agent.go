package agent

import (
	"context"
	"time"

	"github.com/haasonsaas/oxide/internal/config"
	"github.com/haasonsaas/oxide/internal/errs"
	"github.com/haasonsaas/oxide/internal/exec"
	"github.com/haasonsaas/oxide/internal/retry"
	"github.com/haasonsaas/oxide/internal/vectorstore"
	"github.com/haasonsaas/oxide/pkg/models"
)

// responseFormatInstructions teach the model the structured envelope the
// tolerant parser expects.
const responseFormatInstructions = `

Respond with a JSON object of the form {"data": {"text": "..."}} for prose
answers, {"data": {"sql": "..."}} for SQL, or {"data": {"file_path": "..."}}
to hand back a table artifact.`

// OneShotInput is a single question with optional memory.
type OneShotInput struct {
	SystemInstructions string
	UserInput          string
	Memory             []models.Message
}

// toMessages maps a one-shot input onto conversation history.
func (in OneShotInput) toMessages() []models.Message {
	msgs := make([]models.Message, 0, len(in.Memory)+1)
	msgs = append(msgs, in.Memory...)
	if in.UserInput != "" {
		msgs = append(msgs, models.Message{
			Role:      models.RoleUser,
			Content:   in.UserInput,
			CreatedAt: time.Now(),
		})
	}
	return msgs
}

// Deps carries the shared services an agent build needs.
type Deps struct {
	Project  *config.Project
	Store    *vectorstore.Store
	Embedder vectorstore.Embedder
	Invoker  SubInvoker
}

// Build assembles the executable pipeline for an agent definition: tools
// resolved and deduplicated, the streaming LLM executable at the center, a
// react loop around it, and the retry layer outermost.
func Build(deps Deps, def *config.Agent) (exec.Executable[OneShotInput], error) {
	if def.Type == config.AgentRouting {
		return buildRoutingAgent(deps, def)
	}
	return buildDefaultAgent(deps, def)
}

func buildDefaultAgent(deps Deps, def *config.Agent) (exec.Executable[OneShotInput], error) {
	model, err := deps.Project.ResolveModel(def.Model)
	if err != nil {
		return nil, err
	}

	engine := NewToolEngine(def.Name, def.MaxConcurrentToolCalls)
	tools, err := resolveToolSpecs(deps, def.Tools)
	if err != nil {
		return nil, err
	}
	registerDeduplicated(engine, tools)

	llm, err := NewLLMExecutable(
		deps.Project, model,
		def.SystemInstructions+responseFormatInstructions,
		engine.Definitions(),
	)
	if err != nil {
		return nil, err
	}

	loop := &exec.ReactRAR{
		Inner:         llm,
		Tools:         engine,
		MaxIterations: def.MaxToolCalls,
	}
	return wrapOneShot(loop), nil
}

// registerDeduplicated registers tools under collision-free names.
func registerDeduplicated(engine *ToolEngine, tools []Tool) {
	names := make([]string, len(tools))
	for i, tool := range tools {
		names[i] = tool.Name()
	}
	for i, name := range DeduplicateNames(names) {
		engine.RegisterAs(name, tools[i])
	}
}

// resolveToolSpecs builds tool executables from agent tool entries.
func resolveToolSpecs(deps Deps, specs []config.ToolSpec) ([]Tool, error) {
	var tools []Tool
	for _, spec := range specs {
		tool, err := resolveToolSpec(deps, spec)
		if err != nil {
			return nil, err
		}
		tools = append(tools, tool)
	}
	return tools, nil
}

func resolveToolSpec(deps Deps, spec config.ToolSpec) (Tool, error) {
	name := spec.Name
	if name == "" {
		name = string(spec.Type)
	}
	switch spec.Type {
	case config.ToolExecuteSQL:
		var limit *uint64
		if spec.DryRunLimit > 0 {
			limit = &spec.DryRunLimit
		}
		return &ExecuteSQLTool{
			ToolName: name, Desc: spec.Description,
			Project: deps.Project, Database: spec.Database,
			SQL: spec.SQL, DryRunLimit: limit,
		}, nil
	case config.ToolValidateSQL:
		return &ValidateSQLTool{
			ToolName: name, Desc: spec.Description,
			Project: deps.Project, Database: spec.Database,
		}, nil
	case config.ToolSemanticQuery:
		return &SemanticQueryTool{
			ToolName: name, Desc: spec.Description,
			Project: deps.Project, Topic: spec.Topic,
		}, nil
	case config.ToolOmniQuery:
		return &OmniQueryTool{
			ToolName: name, Desc: spec.Description,
			Project: deps.Project, Integration: spec.Integration, Topic: spec.Topic,
		}, nil
	case config.ToolRetrieval:
		return &RetrievalTool{
			ToolName: name, Desc: spec.Description,
			Project: deps.Project, IndexName: "default",
			Store: deps.Store, Embedder: deps.Embedder,
			TopK: deps.Project.Config.Retrieval.TopK,
		}, nil
	case config.ToolVisualize:
		return &VisualizeTool{ToolName: name, Desc: spec.Description, Project: deps.Project}, nil
	case config.ToolAgent:
		return &AgentRefTool{
			ToolName: name, Desc: spec.Description,
			AgentRef: spec.AgentRef, Invoker: deps.Invoker,
		}, nil
	case config.ToolWorkflow:
		return &WorkflowRefTool{
			ToolName: name, Desc: spec.Description,
			WorkflowRef: spec.WorkflowRef, Variables: spec.Variables,
			Invoker: deps.Invoker,
		}, nil
	}
	return nil, errs.Validation("unknown tool type %q", spec.Type)
}

// wrapOneShot maps OneShotInput into messages and wraps the loop with the
// LLM retry policy.
func wrapOneShot(loop exec.Executable[[]models.Message]) exec.Executable[OneShotInput] {
	mapped := &exec.Map[OneShotInput, []models.Message]{
		Fn: func(_ context.Context, _ *exec.ExecutionContext, in OneShotInput) ([]models.Message, error) {
			return in.toMessages(), nil
		},
		Inner: loop,
	}
	return &retryableOneShot{inner: mapped}
}

// retryableOneShot applies the LLM elapsed-time retry budget around the
// whole turn.
type retryableOneShot struct {
	inner exec.Executable[OneShotInput]
}

func (r *retryableOneShot) Execute(ctx context.Context, ec *exec.ExecutionContext, input OneShotInput) (*exec.Response, error) {
	retryEC := ec.WithRetry(retry.UntilElapsed(LLMRetryMaxElapsed, time.Second, 20*time.Second))
	wrapped := &exec.Retryable[OneShotInput]{Inner: r.inner}
	return wrapped.Execute(ctx, retryEC, input)
}
