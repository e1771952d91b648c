package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/haasonsaas/oxide/internal/errs"
)

// AgentType selects the agent drive.
type AgentType string

const (
	AgentDefault AgentType = "default"
	AgentRouting AgentType = "routing"
)

// ToolKind identifies a tool entry in an agent definition.
type ToolKind string

const (
	ToolExecuteSQL    ToolKind = "execute_sql"
	ToolValidateSQL   ToolKind = "validate_sql"
	ToolSemanticQuery ToolKind = "semantic_query"
	ToolOmniQuery     ToolKind = "omni_query"
	ToolRetrieval     ToolKind = "retrieval"
	ToolVisualize     ToolKind = "visualize"
	ToolAgent         ToolKind = "agent"
	ToolWorkflow      ToolKind = "workflow"
)

// ToolSpec is one tool entry in an agent definition. Fields beyond Type,
// Name, and Description apply only to particular kinds.
type ToolSpec struct {
	Type        ToolKind `yaml:"type"`
	Name        string   `yaml:"name"`
	Description string   `yaml:"description,omitempty"`

	// Database applies to execute_sql and validate_sql; SQL applies to
	// execute_sql.
	Database string `yaml:"database,omitempty"`
	SQL      string `yaml:"sql,omitempty"`

	// Topic applies to semantic_query; Topic and Integration to omni_query.
	Topic       string `yaml:"topic,omitempty"`
	Integration string `yaml:"integration,omitempty"`

	// AgentRef and WorkflowRef name sub-invocation targets.
	AgentRef    string `yaml:"agent_ref,omitempty"`
	WorkflowRef string `yaml:"workflow_ref,omitempty"`

	// Variables for sub-invocations. Values are templates.
	Variables map[string]string `yaml:"variables,omitempty"`

	// DryRunLimit bounds SQL dry runs.
	DryRunLimit uint64 `yaml:"dry_run_limit,omitempty"`
}

// RoutingConfig configures a routing agent.
type RoutingConfig struct {
	// SynthesizeResults selects the reason-act-reflect loop over a single
	// turn.
	SynthesizeResults bool `yaml:"synthesize_results,omitempty"`

	// RouteFallback is the tool reference invoked when the primary turn
	// yields no artifact.
	RouteFallback string `yaml:"route_fallback,omitempty"`

	// IndexName names the vector index holding routable documents. Defaults
	// to "<agent name>-routing".
	IndexName string `yaml:"index_name,omitempty"`
}

// AgentTest describes an evaluation entry in an agent definition.
type AgentTest struct {
	Prompt   string `yaml:"prompt"`
	Expected string `yaml:"expected,omitempty"`
}

// Agent is a parsed agent definition file.
type Agent struct {
	Name               string         `yaml:"name"`
	Model              string         `yaml:"model"`
	Type               AgentType      `yaml:"type,omitempty"`
	SystemInstructions string         `yaml:"system_instructions"`
	Tools              []ToolSpec     `yaml:"tools,omitempty"`
	Tests              []AgentTest    `yaml:"tests,omitempty"`
	Description        string         `yaml:"description,omitempty"`
	Public             bool           `yaml:"public,omitempty"`
	Routing            *RoutingConfig `yaml:"routing,omitempty"`

	// MaxToolCalls bounds the reason-act turns per run; one turn may dispatch
	// several tool calls.
	MaxToolCalls int `yaml:"max_tool_calls,omitempty"`

	// MaxConcurrentToolCalls bounds parallel dispatch.
	MaxConcurrentToolCalls int `yaml:"max_concurrent_tool_calls,omitempty"`
}

const agentSchema = `{
	"type": "object",
	"required": ["name", "model"],
	"properties": {
		"name": {"type": "string", "minLength": 1},
		"model": {"type": "string", "minLength": 1},
		"type": {"enum": ["default", "routing"]},
		"system_instructions": {"type": "string"},
		"description": {"type": "string"},
		"public": {"type": "boolean"},
		"max_tool_calls": {"type": "integer", "minimum": 0},
		"max_concurrent_tool_calls": {"type": "integer", "minimum": 0},
		"tools": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["type"],
				"properties": {
					"type": {"enum": [
						"execute_sql", "validate_sql", "semantic_query",
						"omni_query", "retrieval", "visualize", "agent", "workflow"
					]}
				}
			}
		}
	}
}`

var agentSchemaCompiled = jsonschema.MustCompileString("agent.schema.json", agentSchema)

// ResolveAgent reads and validates an agent definition file. The path is
// resolved against the project root and must end in ".agent.yml".
func (p *Project) ResolveAgent(path string) (*Agent, error) {
	if !strings.HasSuffix(path, ".agent.yml") {
		return nil, errs.Validation("agent reference %q must end in .agent.yml", path)
	}
	data, err := os.ReadFile(p.ResolveFile(path))
	if err != nil {
		return nil, errs.Wrap(errs.KindConfiguration, err, fmt.Sprintf("failed to read agent %s", path))
	}
	var agent Agent
	if err := yaml.Unmarshal(data, &agent); err != nil {
		return nil, errs.Wrap(errs.KindConfiguration, err, fmt.Sprintf("failed to parse agent %s", path))
	}
	if err := validateYAMLSchema(agentSchemaCompiled, data); err != nil {
		return nil, errs.Wrap(errs.KindValidation, err, fmt.Sprintf("invalid agent definition %s", path))
	}
	if agent.Type == "" {
		agent.Type = AgentDefault
	}
	return &agent, nil
}

// validateYAMLSchema validates raw YAML against a compiled JSON schema by
// round-tripping through a JSON-compatible value tree.
func validateYAMLSchema(schema *jsonschema.Schema, data []byte) error {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return err
	}
	// yaml.v3 produces map[string]any for mappings, which jsonschema accepts
	// after a JSON round-trip normalizes numbers.
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	var normalized any
	if err := json.Unmarshal(raw, &normalized); err != nil {
		return err
	}
	return schema.Validate(normalized)
}
