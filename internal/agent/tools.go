package agent

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/haasonsaas/oxide/internal/config"
	"github.com/haasonsaas/oxide/internal/connector"
	"github.com/haasonsaas/oxide/internal/errs"
	"github.com/haasonsaas/oxide/internal/exec"
	"github.com/haasonsaas/oxide/internal/omni"
	"github.com/haasonsaas/oxide/internal/output"
	"github.com/haasonsaas/oxide/internal/semantic"
	"github.com/haasonsaas/oxide/internal/vectorstore"
)

// SubInvoker runs nested agents and workflows on behalf of tool calls. The
// service layer provides the implementation; keeping it an interface here
// avoids a dependency cycle between the agent core and the workflow runner.
type SubInvoker interface {
	RunAgent(ctx context.Context, ec *exec.ExecutionContext, agentRef, prompt string) (output.Output, error)
	RunWorkflow(ctx context.Context, ec *exec.ExecutionContext, workflowRef string, variables map[string]any) (output.Output, error)
}

// ExecuteSQLTool runs SQL against a configured database and returns the
// result as a table artifact.
type ExecuteSQLTool struct {
	ToolName string
	Desc     string
	Project  *config.Project
	Database string
	// SQL presets the query; when set the model supplies no arguments.
	SQL         string
	DryRunLimit *uint64
}

func (t *ExecuteSQLTool) Name() string        { return t.ToolName }
func (t *ExecuteSQLTool) Description() string { return t.Desc }

func (t *ExecuteSQLTool) Parameters() json.RawMessage {
	if t.SQL != "" {
		return json.RawMessage(`{"type": "object", "properties": {}}`)
	}
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"sql": {"type": "string", "description": "The SQL query to execute"}
		},
		"required": ["sql"]
	}`)
}

func (t *ExecuteSQLTool) Execute(ctx context.Context, ec *exec.ExecutionContext, args json.RawMessage) (output.Output, error) {
	sql := t.SQL
	if sql == "" {
		var params struct {
			SQL string `json:"sql"`
		}
		if err := json.Unmarshal(args, &params); err != nil {
			return output.Output{}, errs.Validation("invalid execute_sql arguments: %v", err)
		}
		sql = params.SQL
	}
	rendered, err := ec.Renderer.Render(sql)
	if err != nil {
		return output.Output{}, errs.Wrap(errs.KindValidation, err, "failed to render SQL")
	}
	if strings.TrimSpace(rendered) == "" {
		return output.Output{}, errs.Validation("execute_sql received an empty query")
	}

	db, err := t.Project.ResolveDatabase(t.Database)
	if err != nil {
		return output.Output{}, err
	}
	engine, err := connector.New(t.Project, db)
	if err != nil {
		return output.Output{}, err
	}

	artifactID := uuid.NewString()
	if err := ec.ArtifactStarted(ctx, artifactID); err != nil {
		return output.Output{}, err
	}
	rs, err := engine.RunQueryWithLimit(ctx, rendered, t.DryRunLimit)
	if err != nil {
		return output.Output{}, err
	}
	defer rs.Release()

	artifactPath := filepath.Join(t.Project.StatePath(), "artifacts", artifactID+".parquet")
	if err := output.WriteResultSet(artifactPath, rs); err != nil {
		return output.Output{}, err
	}
	table := output.NewTableWithReference(artifactPath, output.TableReference{
		SQL:         rendered,
		DatabaseRef: db.Name,
	}, t.ToolName, 0)

	if ref := table.IntoReference(); ref != nil {
		if err := ec.WriteReference(ctx, *ref); err != nil {
			return output.Output{}, err
		}
	}
	if err := ec.ArtifactFinished(ctx, artifactID, table.Name); err != nil {
		return output.Output{}, err
	}
	return output.TableOutput(table), nil
}

// ValidateSQLTool dry-runs a query to check it compiles against the
// warehouse without materializing results.
type ValidateSQLTool struct {
	ToolName string
	Desc     string
	Project  *config.Project
	Database string
}

func (t *ValidateSQLTool) Name() string        { return t.ToolName }
func (t *ValidateSQLTool) Description() string { return t.Desc }

func (t *ValidateSQLTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"sql": {"type": "string", "description": "The SQL query to validate"}
		},
		"required": ["sql"]
	}`)
}

func (t *ValidateSQLTool) Execute(ctx context.Context, ec *exec.ExecutionContext, args json.RawMessage) (output.Output, error) {
	var params struct {
		SQL string `json:"sql"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return output.Output{}, errs.Validation("invalid validate_sql arguments: %v", err)
	}
	rendered, err := ec.Renderer.Render(params.SQL)
	if err != nil {
		return output.Output{}, errs.Wrap(errs.KindValidation, err, "failed to render SQL")
	}

	db, err := t.Project.ResolveDatabase(t.Database)
	if err != nil {
		return output.Output{}, err
	}
	engine, err := connector.New(t.Project, db)
	if err != nil {
		return output.Output{}, err
	}
	limit := uint64(1)
	if _, err := engine.RunQueryWithLimit(ctx, rendered, &limit); err != nil {
		return output.ErrorOutput(err.Error()), nil
	}
	return output.Text("SQL is valid"), nil
}

// SemanticQueryTool runs a semantic query through the compiler pipeline.
type SemanticQueryTool struct {
	ToolName string
	Desc     string
	Project  *config.Project
	// Topic pins the query surface; empty lets the model pick via dotted
	// field names.
	Topic string
}

func (t *SemanticQueryTool) Name() string        { return t.ToolName }
func (t *SemanticQueryTool) Description() string { return t.Desc }

func (t *SemanticQueryTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"dimensions": {"type": "array", "items": {"type": "string"}},
			"measures": {"type": "array", "items": {"type": "string"}},
			"filters": {"type": "array", "items": {
				"type": "object",
				"properties": {
					"field": {"type": "string"},
					"op": {"type": "string"},
					"value": {}
				},
				"required": ["field"]
			}},
			"orders": {"type": "array", "items": {
				"type": "object",
				"properties": {
					"field": {"type": "string"},
					"direction": {"enum": ["asc", "desc"]}
				},
				"required": ["field"]
			}},
			"limit": {"type": "integer"},
			"offset": {"type": "integer"}
		}
	}`)
}

func (t *SemanticQueryTool) Execute(ctx context.Context, ec *exec.ExecutionContext, args json.RawMessage) (output.Output, error) {
	var params struct {
		Dimensions []string `json:"dimensions"`
		Measures   []string `json:"measures"`
		Filters    []struct {
			Field string `json:"field"`
			Op    string `json:"op"`
			Value any    `json:"value"`
		} `json:"filters"`
		Orders []struct {
			Field     string `json:"field"`
			Direction string `json:"direction"`
		} `json:"orders"`
		Limit  *int `json:"limit"`
		Offset *int `json:"offset"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return output.Output{}, errs.Validation("invalid semantic_query arguments: %v", err)
	}

	query := semantic.Query{
		Topic:      t.Topic,
		Dimensions: params.Dimensions,
		Measures:   params.Measures,
		Limit:      params.Limit,
		Offset:     params.Offset,
	}
	for _, f := range params.Filters {
		query.Filters = append(query.Filters, semantic.Filter{Field: f.Field, Operator: f.Op, Value: f.Value})
	}
	for _, o := range params.Orders {
		query.Orders = append(query.Orders, semantic.Order{Field: o.Field, Direction: o.Direction})
	}

	artifactID := uuid.NewString()
	if err := ec.ArtifactStarted(ctx, artifactID); err != nil {
		return output.Output{}, err
	}
	executor := &semantic.Executor{Project: t.Project}
	table, err := executor.Execute(ctx, query)
	if err != nil {
		return output.Output{}, err
	}
	if ref := table.IntoReference(); ref != nil {
		if err := ec.WriteReference(ctx, *ref); err != nil {
			return output.Output{}, err
		}
	}
	if err := ec.ArtifactFinished(ctx, artifactID, table.Name); err != nil {
		return output.Output{}, err
	}
	return output.TableOutput(table), nil
}

// OmniQueryTool runs a query against an external Omni integration.
type OmniQueryTool struct {
	ToolName    string
	Desc        string
	Project     *config.Project
	Integration string
	Topic       string
}

func (t *OmniQueryTool) Name() string        { return t.ToolName }
func (t *OmniQueryTool) Description() string { return t.Desc }

func (t *OmniQueryTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"fields": {"type": "array", "items": {"type": "string"}},
			"filters": {"type": "object"},
			"limit": {"type": "integer"}
		}
	}`)
}

func (t *OmniQueryTool) Execute(ctx context.Context, ec *exec.ExecutionContext, args json.RawMessage) (output.Output, error) {
	var params struct {
		Fields  []string       `json:"fields"`
		Filters map[string]any `json:"filters"`
		Limit   *int           `json:"limit"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return output.Output{}, errs.Validation("invalid omni_query arguments: %v", err)
	}

	integration, err := t.Project.ResolveIntegration(t.Integration)
	if err != nil {
		return output.Output{}, err
	}
	token := ""
	if integration.TokenVar != "" {
		token, err = t.Project.Secrets.Resolve(integration.TokenVar)
		if err != nil {
			return output.Output{}, err
		}
	}
	client, err := omni.NewClient(omni.Config{BaseURL: integration.BaseURL, Token: token})
	if err != nil {
		return output.Output{}, err
	}

	var result *omni.QueryResult
	policy := omni.RetryPolicy{Config: omni.ForAPICalls()}
	err = policy.Execute(ctx, "omni_query", func() error {
		var runErr error
		result, runErr = client.RunQuery(ctx, omni.QueryRequest{
			Topic:   t.Topic,
			Fields:  params.Fields,
			Filters: params.Filters,
			Limit:   params.Limit,
		})
		return runErr
	})
	if err != nil {
		return output.Output{}, err
	}

	rs, err := connector.ColumnsToResultSet(result.Columns, result.Rows)
	if err != nil {
		return output.Output{}, err
	}
	defer rs.Release()

	artifactID := uuid.NewString()
	artifactPath := filepath.Join(t.Project.StatePath(), "artifacts", artifactID+".parquet")
	if err := output.WriteResultSet(artifactPath, rs); err != nil {
		return output.Output{}, err
	}
	if err := ec.ArtifactStarted(ctx, artifactID); err != nil {
		return output.Output{}, err
	}
	table := output.NewTable(artifactPath)
	table.Name = t.ToolName
	if err := ec.ArtifactFinished(ctx, artifactID, table.Name); err != nil {
		return output.Output{}, err
	}
	return output.TableOutput(table), nil
}

// RetrievalTool searches the project's vector index for relevant artifacts.
type RetrievalTool struct {
	ToolName  string
	Desc      string
	Project   *config.Project
	IndexName string
	Store     *vectorstore.Store
	Embedder  vectorstore.Embedder
	TopK      int
}

func (t *RetrievalTool) Name() string        { return t.ToolName }
func (t *RetrievalTool) Description() string { return t.Desc }

func (t *RetrievalTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"query": {"type": "string", "description": "The search query"}
		},
		"required": ["query"]
	}`)
}

func (t *RetrievalTool) Execute(ctx context.Context, ec *exec.ExecutionContext, args json.RawMessage) (output.Output, error) {
	var params struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return output.Output{}, errs.Validation("invalid retrieval arguments: %v", err)
	}
	records, err := SearchIndex(ctx, t.Store, t.Embedder, t.IndexName, params.Query, t.TopK)
	if err != nil {
		return output.Output{}, err
	}
	items := make([]output.Output, 0, len(records))
	for _, record := range records {
		items = append(items, output.Text(record.Document.Content))
	}
	return output.List(items...), nil
}

// SearchIndex embeds a query and searches the named index.
func SearchIndex(ctx context.Context, store *vectorstore.Store, embedder vectorstore.Embedder, indexName, query string, topK int) ([]vectorstore.SearchRecord, error) {
	vectors, err := embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 {
		return nil, errs.Runtime("embedder returned no vector for query")
	}
	if topK <= 0 {
		topK = 10
	}
	return store.Search(ctx, indexName, vectors[0], topK)
}

// VisualizeTool produces a chart specification artifact from a table.
type VisualizeTool struct {
	ToolName string
	Desc     string
	Project  *config.Project
}

func (t *VisualizeTool) Name() string        { return t.ToolName }
func (t *VisualizeTool) Description() string { return t.Desc }

func (t *VisualizeTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"chart_type": {"enum": ["bar", "line", "pie", "scatter"]},
			"file_path": {"type": "string", "description": "Path of the table artifact to chart"},
			"x": {"type": "string"},
			"y": {"type": "string"},
			"title": {"type": "string"}
		},
		"required": ["chart_type", "file_path", "x", "y"]
	}`)
}

func (t *VisualizeTool) Execute(ctx context.Context, ec *exec.ExecutionContext, args json.RawMessage) (output.Output, error) {
	var params struct {
		ChartType string `json:"chart_type"`
		FilePath  string `json:"file_path"`
		X         string `json:"x"`
		Y         string `json:"y"`
		Title     string `json:"title"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return output.Output{}, errs.Validation("invalid visualize arguments: %v", err)
	}
	table := output.NewTable(params.FilePath)
	if _, _, err := table.To2DArray(); err != nil {
		return output.Output{}, errs.Validation("cannot chart %s: %v", params.FilePath, err)
	}

	spec := map[string]any{
		"type":  params.ChartType,
		"data":  params.FilePath,
		"x":     params.X,
		"y":     params.Y,
		"title": params.Title,
	}
	encoded, err := json.Marshal(spec)
	if err != nil {
		return output.Output{}, errs.Runtime("failed to encode chart spec: %v", err)
	}

	artifactID := uuid.NewString()
	if err := ec.ArtifactStarted(ctx, artifactID); err != nil {
		return output.Output{}, err
	}
	if err := ec.ArtifactFinished(ctx, artifactID, params.Title); err != nil {
		return output.Output{}, err
	}
	return output.Text(string(encoded)), nil
}

// AgentRefTool invokes another agent as a tool.
type AgentRefTool struct {
	ToolName string
	Desc     string
	AgentRef string
	Invoker  SubInvoker
}

func (t *AgentRefTool) Name() string        { return t.ToolName }
func (t *AgentRefTool) Description() string { return t.Desc }

func (t *AgentRefTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"prompt": {"type": "string", "description": "The question for the agent"}
		},
		"required": ["prompt"]
	}`)
}

func (t *AgentRefTool) Execute(ctx context.Context, ec *exec.ExecutionContext, args json.RawMessage) (output.Output, error) {
	var params struct {
		Prompt string `json:"prompt"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return output.Output{}, errs.Validation("invalid agent tool arguments: %v", err)
	}
	if t.Invoker == nil {
		return output.Output{}, errs.Configuration("agent tool %q has no invoker wired", t.ToolName)
	}
	return t.Invoker.RunAgent(ctx, ec, t.AgentRef, params.Prompt)
}

// WorkflowRefTool invokes a workflow as a tool. Variables configured on the
// tool are rendered into the sub-invocation scope; variables that resolve to
// tables are rejected rather than guessed at.
type WorkflowRefTool struct {
	ToolName    string
	Desc        string
	WorkflowRef string
	Variables   map[string]string
	Invoker     SubInvoker
}

func (t *WorkflowRefTool) Name() string        { return t.ToolName }
func (t *WorkflowRefTool) Description() string { return t.Desc }

func (t *WorkflowRefTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"variables": {"type": "object", "description": "Workflow variable overrides"}
		}
	}`)
}

func (t *WorkflowRefTool) Execute(ctx context.Context, ec *exec.ExecutionContext, args json.RawMessage) (output.Output, error) {
	var params struct {
		Variables map[string]any `json:"variables"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return output.Output{}, errs.Validation("invalid workflow tool arguments: %v", err)
	}
	if t.Invoker == nil {
		return output.Output{}, errs.Configuration("workflow tool %q has no invoker wired", t.ToolName)
	}

	variables := make(map[string]any, len(t.Variables)+len(params.Variables))
	for name, tmpl := range t.Variables {
		if referencesTable(ec, tmpl) {
			return output.Output{}, errs.Validation(
				"workflow tool %q: variable %q resolves to a table; table-valued variables are not supported in sub-invocations",
				t.ToolName, name)
		}
		rendered, err := ec.Renderer.Render(tmpl)
		if err != nil {
			return output.Output{}, errs.Wrap(errs.KindValidation, err, "failed to render workflow variable")
		}
		variables[name] = rendered
	}
	for name, value := range params.Variables {
		variables[name] = value
	}
	return t.Invoker.RunWorkflow(ctx, ec, t.WorkflowRef, variables)
}

// referencesTable reports whether a variable template names a scope variable
// holding a table handle.
func referencesTable(ec *exec.ExecutionContext, tmpl string) bool {
	name := strings.TrimSpace(tmpl)
	name = strings.TrimPrefix(name, "{{")
	name = strings.TrimSuffix(name, "}}")
	name = strings.TrimSpace(strings.TrimPrefix(name, "."))
	if name == "" || strings.ContainsAny(name, " |(") {
		return false
	}
	value, ok := ec.Renderer.Lookup(name)
	if !ok {
		return false
	}
	switch value.(type) {
	case *output.Table, output.Table:
		return true
	}
	return false
}
