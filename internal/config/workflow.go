package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/haasonsaas/oxide/internal/errs"
)

// ExportFormat selects how a task result is materialized on disk.
type ExportFormat string

const (
	ExportSQL  ExportFormat = "sql"
	ExportCSV  ExportFormat = "csv"
	ExportJSON ExportFormat = "json"
	ExportTXT  ExportFormat = "txt"
	ExportDOCX ExportFormat = "docx"
)

// TaskExport materializes a task result at a rendered path.
type TaskExport struct {
	Path   string       `yaml:"path"`
	Format ExportFormat `yaml:"format"`
}

// TaskCache skips a task when an artifact already exists at the rendered
// path, and writes the artifact on success.
type TaskCache struct {
	Path string `yaml:"path"`
}

// TaskType identifies a workflow task.
type TaskType string

const (
	TaskAgent          TaskType = "agent"
	TaskExecuteSQL     TaskType = "execute_sql"
	TaskSemanticQuery  TaskType = "semantic_query"
	TaskOmniQuery      TaskType = "omni_query"
	TaskFormatter      TaskType = "formatter"
	TaskLoopSequential TaskType = "loop_sequential"
	TaskSubWorkflow    TaskType = "workflow"
)

// AgentTaskSpec invokes a named agent with a rendered prompt.
type AgentTaskSpec struct {
	AgentRef string `yaml:"agent_ref"`
	Prompt   string `yaml:"prompt"`
	// ConsistencyRun repeats the agent N times and feeds a consistency
	// evaluator. Zero or one means a single run.
	ConsistencyRun int `yaml:"consistency_run,omitempty"`

	// ExportPerIteration is deprecated: exports always aggregate across
	// consistency runs. Setting it logs a deprecation warning.
	ExportPerIteration bool `yaml:"export_per_iteration,omitempty"`
}

// SQLSource is either an inline query or a file reference; exactly one is
// set.
type SQLSource struct {
	Query string `yaml:"sql_query,omitempty"`
	File  string `yaml:"sql_file,omitempty"`
}

// ExecuteSQLTaskSpec runs SQL against a configured database.
type ExecuteSQLTaskSpec struct {
	Database  string            `yaml:"database"`
	SQL       SQLSource         `yaml:",inline"`
	Variables map[string]string `yaml:"variables,omitempty"`
}

// SemanticQueryTaskSpec runs a semantic query through the compiler pipeline.
type SemanticQueryTaskSpec struct {
	Topic      string           `yaml:"topic,omitempty"`
	Dimensions []string         `yaml:"dimensions,omitempty"`
	Measures   []string         `yaml:"measures,omitempty"`
	Filters    []SemanticFilter `yaml:"filters,omitempty"`
	Orders     []SemanticOrder  `yaml:"orders,omitempty"`
	Limit      *int             `yaml:"limit,omitempty"`
	Offset     *int             `yaml:"offset,omitempty"`
	Variables  map[string]any   `yaml:"variables,omitempty"`
}

// SemanticFilter constrains a semantic query field.
type SemanticFilter struct {
	Field    string `yaml:"field"`
	Operator string `yaml:"op"`
	Value    any    `yaml:"value"`
}

// SemanticOrder sorts a semantic query result.
type SemanticOrder struct {
	Field     string `yaml:"field"`
	Direction string `yaml:"direction,omitempty"`
}

// OmniQueryTaskSpec runs the same query shape against an Omni integration.
type OmniQueryTaskSpec struct {
	Integration string           `yaml:"integration"`
	Topic       string           `yaml:"topic"`
	Fields      []string         `yaml:"fields,omitempty"`
	Filters     []SemanticFilter `yaml:"filters,omitempty"`
	Limit       *int             `yaml:"limit,omitempty"`
}

// FormatterTaskSpec renders a template; the output is text.
type FormatterTaskSpec struct {
	Template string `yaml:"template"`
}

// LoopValues is either a literal list or a template resolving to one.
type LoopValues struct {
	List     []any  `yaml:"-"`
	Template string `yaml:"-"`
}

// UnmarshalYAML accepts either a sequence or a template string.
func (v *LoopValues) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.SequenceNode:
		return node.Decode(&v.List)
	case yaml.ScalarNode:
		return node.Decode(&v.Template)
	}
	return fmt.Errorf("loop values must be a list or a template string")
}

// LoopSequentialTaskSpec iterates tasks over values with bounded fan-out.
type LoopSequentialTaskSpec struct {
	Values      LoopValues `yaml:"values"`
	Tasks       []Task     `yaml:"tasks"`
	Concurrency int        `yaml:"concurrency,omitempty"`
}

// SubWorkflowTaskSpec inlines another workflow with call-scoped variables.
type SubWorkflowTaskSpec struct {
	WorkflowRef string            `yaml:"workflow_ref"`
	Variables   map[string]string `yaml:"variables,omitempty"`
}

// Task is one workflow step.
type Task struct {
	Name string   `yaml:"name"`
	Type TaskType `yaml:"type"`

	Agent          *AgentTaskSpec          `yaml:"agent,omitempty"`
	ExecuteSQL     *ExecuteSQLTaskSpec     `yaml:"execute_sql,omitempty"`
	SemanticQuery  *SemanticQueryTaskSpec  `yaml:"semantic_query,omitempty"`
	OmniQuery      *OmniQueryTaskSpec      `yaml:"omni_query,omitempty"`
	Formatter      *FormatterTaskSpec      `yaml:"formatter,omitempty"`
	LoopSequential *LoopSequentialTaskSpec `yaml:"loop_sequential,omitempty"`
	SubWorkflow    *SubWorkflowTaskSpec    `yaml:"workflow,omitempty"`

	Cache  *TaskCache  `yaml:"cache,omitempty"`
	Export *TaskExport `yaml:"export,omitempty"`
}

// RetryStrategy configures task-level retries.
type RetryStrategy struct {
	MaxAttempts  int    `yaml:"max_attempts,omitempty"`
	InitialDelay string `yaml:"initial_delay,omitempty"`
}

// WorkflowTest describes a workflow evaluation entry.
type WorkflowTest struct {
	Variables map[string]any `yaml:"variables,omitempty"`
	Expected  string         `yaml:"expected,omitempty"`
}

// Workflow is a parsed workflow definition file.
type Workflow struct {
	Name          string         `yaml:"name,omitempty"`
	Description   string         `yaml:"description,omitempty"`
	Tasks         []Task         `yaml:"tasks"`
	Variables     map[string]any `yaml:"variables,omitempty"`
	Tests         []WorkflowTest `yaml:"tests,omitempty"`
	RetryStrategy *RetryStrategy `yaml:"retry_strategy,omitempty"`
}

// ResolveWorkflow reads and validates a workflow definition file. The path
// is resolved against the project root and must end in ".workflow.yml".
func (p *Project) ResolveWorkflow(path string) (*Workflow, error) {
	if !strings.HasSuffix(path, ".workflow.yml") {
		return nil, errs.Validation("workflow reference %q must end in .workflow.yml", path)
	}
	data, err := os.ReadFile(p.ResolveFile(path))
	if err != nil {
		return nil, errs.Wrap(errs.KindConfiguration, err, fmt.Sprintf("failed to read workflow %s", path))
	}
	var wf Workflow
	if err := yaml.Unmarshal(data, &wf); err != nil {
		return nil, errs.Wrap(errs.KindConfiguration, err, fmt.Sprintf("failed to parse workflow %s", path))
	}
	if len(wf.Tasks) == 0 {
		return nil, errs.Validation("workflow %s declares no tasks", path)
	}
	for i := range wf.Tasks {
		if err := validateTask(&wf.Tasks[i]); err != nil {
			return nil, err
		}
	}
	return &wf, nil
}

func validateTask(t *Task) error {
	if t.Name == "" {
		return errs.Validation("workflow task is missing a name")
	}
	var spec any
	switch t.Type {
	case TaskAgent:
		spec = t.Agent
	case TaskExecuteSQL:
		spec = t.ExecuteSQL
	case TaskSemanticQuery:
		spec = t.SemanticQuery
	case TaskOmniQuery:
		spec = t.OmniQuery
	case TaskFormatter:
		spec = t.Formatter
	case TaskLoopSequential:
		spec = t.LoopSequential
	case TaskSubWorkflow:
		spec = t.SubWorkflow
	default:
		return errs.Validation("task %q has unknown type %q", t.Name, t.Type)
	}
	if isNilSpec(spec) {
		return errs.Validation("task %q is missing its %s configuration", t.Name, t.Type)
	}
	if t.Type == TaskLoopSequential {
		for i := range t.LoopSequential.Tasks {
			if err := validateTask(&t.LoopSequential.Tasks[i]); err != nil {
				return err
			}
		}
	}
	return nil
}

func isNilSpec(spec any) bool {
	switch s := spec.(type) {
	case *AgentTaskSpec:
		return s == nil
	case *ExecuteSQLTaskSpec:
		return s == nil
	case *SemanticQueryTaskSpec:
		return s == nil
	case *OmniQueryTaskSpec:
		return s == nil
	case *FormatterTaskSpec:
		return s == nil
	case *LoopSequentialTaskSpec:
		return s == nil
	case *SubWorkflowTaskSpec:
		return s == nil
	}
	return spec == nil
}
