package agent

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/haasonsaas/oxide/internal/config"
	"github.com/haasonsaas/oxide/internal/errs"
	"github.com/haasonsaas/oxide/internal/exec"
	"github.com/haasonsaas/oxide/internal/output"
	"github.com/haasonsaas/oxide/internal/vectorstore"
)

// SQLSourcePrefix tags vector documents whose source is a SQL file bound to
// a database, as "sql::<database>".
const SQLSourcePrefix = "sql::"

// routingAgent resolves its tool set at runtime: a vector search over the
// routing index produces candidate documents, each resolved into a tool.
type routingAgent struct {
	deps Deps
	def  *config.Agent
}

func buildRoutingAgent(deps Deps, def *config.Agent) (exec.Executable[OneShotInput], error) {
	if def.Routing == nil {
		return nil, errs.Validation("agent %q is type routing but has no routing configuration", def.Name)
	}
	return &routingAgent{deps: deps, def: def}, nil
}

func (r *routingAgent) indexName() string {
	if r.def.Routing.IndexName != "" {
		return r.def.Routing.IndexName
	}
	return r.def.Name + "-routing"
}

func (r *routingAgent) Execute(ctx context.Context, ec *exec.ExecutionContext, input OneShotInput) (*exec.Response, error) {
	model, err := r.deps.Project.ResolveModel(r.def.Model)
	if err != nil {
		return nil, err
	}

	records, err := SearchIndex(ctx, r.deps.Store, r.deps.Embedder, r.indexName(),
		input.UserInput, r.deps.Project.Config.Retrieval.TopK)
	if err != nil {
		return nil, err
	}

	var tools []Tool
	for i := range records {
		tool, err := r.resolveDocument(&records[i].Document)
		if err != nil {
			slog.Debug("skipping unresolvable route",
				"agent", r.def.Name, "source", records[i].Document.SourceIdentifier, "error", err)
			continue
		}
		tools = append(tools, tool)
	}
	slog.Info("resolved routes from vector search", "agent", r.def.Name, "count", len(tools))

	engine := NewToolEngine(r.def.Name, r.def.MaxConcurrentToolCalls)
	registerDeduplicated(engine, tools)

	llm, err := NewLLMExecutable(
		r.deps.Project, model,
		r.def.SystemInstructions+responseFormatInstructions,
		engine.Definitions(),
	)
	if err != nil {
		return nil, err
	}

	var inner exec.Executable[OneShotInput]
	if r.def.Routing.SynthesizeResults {
		inner = wrapOneShot(&exec.ReactRAR{
			Inner: llm, Tools: engine, MaxIterations: r.def.MaxToolCalls,
		})
	} else {
		inner = wrapOneShot(&exec.ReactOnce{Inner: llm, Tools: engine})
	}

	if r.def.Routing.RouteFallback != "" {
		fallbackTool, err := r.resolveRoute(r.def.Routing.RouteFallback, "")
		if err != nil {
			return nil, err
		}
		fallbackExe, err := r.buildFallbackAgent(model, fallbackTool)
		if err != nil {
			return nil, err
		}
		inner = &exec.Fallback[OneShotInput]{
			Primary: inner,
			Trigger: func(resp *exec.Response) bool { return len(resp.ToolCalls) > 0 },
			Success: func(event exec.Event) bool { return event.Source.Kind == exec.ArtifactSource },
			Fallback: fallbackExe,
		}
	}

	resp, err := inner.Execute(ctx, ec, input)
	if err != nil {
		return nil, err
	}
	// Routing agents report a list container so callers see each produced
	// output separately.
	return &exec.Response{
		Content:   listify(resp),
		ToolCalls: resp.ToolCalls,
	}, nil
}

// buildFallbackAgent runs a single turn with only the fallback tool
// available.
func (r *routingAgent) buildFallbackAgent(model *config.Model, tool Tool) (exec.Executable[OneShotInput], error) {
	engine := NewToolEngine(r.def.Name+"-fallback", 1)
	engine.Register(tool)
	llm, err := NewLLMExecutable(
		r.deps.Project, model,
		r.def.SystemInstructions+responseFormatInstructions,
		engine.Definitions(),
	)
	if err != nil {
		return nil, err
	}
	return wrapOneShot(&exec.ReactOnce{Inner: llm, Tools: engine}), nil
}

// resolveDocument maps a retrieved document to a tool.
func (r *routingAgent) resolveDocument(doc *vectorstore.Document) (Tool, error) {
	if strings.Contains(doc.SourceIdentifier, "::") && !strings.HasSuffix(doc.SourceIdentifier, ".sql") {
		return r.resolveRoute(doc.SourceIdentifier, doc.Content)
	}
	switch {
	case strings.HasSuffix(doc.SourceIdentifier, ".sql"):
		database, ok := strings.CutPrefix(doc.SourceType, SQLSourcePrefix)
		if !ok || database == "" {
			return nil, errs.Validation("unsupported SQL source type %q for %s", doc.SourceType, doc.SourceIdentifier)
		}
		if _, err := r.deps.Project.ResolveDatabase(database); err != nil {
			return nil, err
		}
		return &ExecuteSQLTool{
			ToolName: toFunctionName(doc.SourceIdentifier),
			Desc:     doc.Content,
			Project:  r.deps.Project,
			Database: database,
		}, nil
	default:
		return r.resolveRoute(doc.SourceIdentifier, doc.Content)
	}
}

// resolveRoute maps a file or integration reference to a tool. When description
// is empty, workflow and agent tools fall back to the target's own description
// and omni tools get a generated one; topic tools use description as given.
func (r *routingAgent) resolveRoute(ref, description string) (Tool, error) {
	if strings.Contains(ref, "::") {
		integrationName, topic, _ := strings.Cut(ref, "::")
		integration, err := r.deps.Project.ResolveIntegration(integrationName)
		if err != nil {
			return nil, err
		}
		if integration.Type != config.IntegrationOmni {
			return nil, errs.Validation("integration %q does not support routing", integrationName)
		}
		desc := description
		if desc == "" {
			desc = "Query " + topic + " topic from " + integrationName + " integration"
		}
		return &OmniQueryTool{
			ToolName:    strings.ToLower(integrationName) + "_query_" + strings.ToLower(topic),
			Desc:        desc,
			Project:     r.deps.Project,
			Integration: integrationName,
			Topic:       topic,
		}, nil
	}

	switch {
	case strings.HasSuffix(ref, ".workflow.yml"):
		workflow, err := r.deps.Project.ResolveWorkflow(ref)
		if err != nil {
			return nil, err
		}
		return &WorkflowRefTool{
			ToolName:    toFunctionName(ref),
			Desc:        fallbackDesc(description, workflow.Description),
			WorkflowRef: ref,
			Invoker:     r.deps.Invoker,
		}, nil
	case strings.HasSuffix(ref, ".agent.yml"):
		agentDef, err := r.deps.Project.ResolveAgent(ref)
		if err != nil {
			return nil, err
		}
		return &AgentRefTool{
			ToolName: toFunctionName(ref),
			Desc:     fallbackDesc(description, agentDef.Description),
			AgentRef: ref,
			Invoker:  r.deps.Invoker,
		}, nil
	case strings.HasSuffix(ref, ".topic.yml"):
		topicName := strings.TrimSuffix(filepath.Base(ref), ".topic.yml")
		return &SemanticQueryTool{
			ToolName: toFunctionName(ref),
			Desc:     description,
			Project:  r.deps.Project,
			Topic:    topicName,
		}, nil
	}
	return nil, errs.Validation("unsupported tool type for path: %s", ref)
}

func fallbackDesc(description, fallback string) string {
	if description != "" {
		return description
	}
	return fallback
}

// toFunctionName derives a model-safe function name from a file reference.
func toFunctionName(ref string) string {
	name := strings.TrimSuffix(ref, filepath.Ext(ref))
	name = strings.TrimSuffix(name, ".workflow")
	name = strings.TrimSuffix(name, ".agent")
	name = strings.TrimSuffix(name, ".topic")
	replacer := strings.NewReplacer("/", "_", "\\", "_", ".", "_", "-", "_", " ", "_")
	return replacer.Replace(name)
}

// listify flattens a response's content into a list container.
func listify(resp *exec.Response) output.Container {
	if resp.Content.Items != nil {
		return resp.Content
	}
	return output.ListContainer(resp.Content)
}
