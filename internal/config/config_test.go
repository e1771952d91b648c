package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haasonsaas/oxide/internal/errs"
)

func writeProject(t *testing.T, files map[string]string) *Project {
	t.Helper()
	root := t.TempDir()
	for rel, content := range files {
		path := filepath.Join(root, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	project, err := LoadProject(root)
	require.NoError(t, err)
	return project
}

const baseConfig = `
databases:
  - name: warehouse
    type: duckdb
    duckdb:
      path: data/local.db
  - name: snow
    type: snowflake
    snowflake:
      account: acct
      username: u
      warehouse: W
      database: D
      schema: S
      role: R
      auth:
        type: password_var
        password_var: snow_password
models:
  - name: default
    model_id: gpt-4o
    key_var: openai_key
secrets:
  openai_key: OPENAI_API_KEY
  snow_password: SNOWFLAKE_PASSWORD
`

func TestLoadProject(t *testing.T) {
	project := writeProject(t, map[string]string{ConfigFileName: baseConfig})

	db, err := project.ResolveDatabase("warehouse")
	require.NoError(t, err)
	assert.Equal(t, DatabaseDuckDB, db.Type)

	snow, err := project.ResolveDatabase("snow")
	require.NoError(t, err)
	require.NotNil(t, snow.Snowflake)
	assert.Equal(t, SnowflakeAuthPasswordVar, snow.Snowflake.Auth.Type)

	model, err := project.ResolveModel("default")
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", model.ModelID)

	_, err = project.ResolveDatabase("absent")
	require.Error(t, err)
	assert.Equal(t, errs.KindConfiguration, errs.KindOf(err))
}

func TestConfig_DuplicateDatabaseName(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, ConfigFileName), []byte(`
databases:
  - name: dup
    type: duckdb
  - name: dup
    type: clickhouse
`), 0o644))
	_, err := LoadProject(root)
	require.Error(t, err)
}

func TestSecrets_OnlyDeclaredNamesResolve(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("UNDECLARED_SECRET", "leak")

	secrets := NewSecrets(map[string]string{"openai_key": "OPENAI_API_KEY"})

	value, err := secrets.Resolve("openai_key")
	require.NoError(t, err)
	assert.Equal(t, "sk-test", value)

	_, err = secrets.Resolve("undeclared_secret")
	require.Error(t, err)
	assert.Equal(t, errs.KindConfiguration, errs.KindOf(err))
}

func TestSecrets_MissingEnvVar(t *testing.T) {
	secrets := NewSecrets(map[string]string{"key": "OXIDE_TEST_ABSENT_VAR"})
	_, err := secrets.Resolve("key")
	require.Error(t, err)
}

const analystAgent = `
name: analyst
model: default
type: default
system_instructions: You answer data questions.
description: Data analyst
tools:
  - type: execute_sql
    name: run_query
    database: warehouse
  - type: semantic_query
    topic: sales
`

func TestResolveAgent(t *testing.T) {
	project := writeProject(t, map[string]string{
		ConfigFileName:      baseConfig,
		"analyst.agent.yml": analystAgent,
	})

	agent, err := project.ResolveAgent("analyst.agent.yml")
	require.NoError(t, err)
	assert.Equal(t, "analyst", agent.Name)
	assert.Equal(t, AgentDefault, agent.Type)
	require.Len(t, agent.Tools, 2)
	assert.Equal(t, ToolExecuteSQL, agent.Tools[0].Type)
}

func TestResolveAgent_BadSuffix(t *testing.T) {
	project := writeProject(t, map[string]string{ConfigFileName: baseConfig})
	_, err := project.ResolveAgent("analyst.yml")
	require.Error(t, err)
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))
}

func TestResolveAgent_SchemaViolation(t *testing.T) {
	project := writeProject(t, map[string]string{
		ConfigFileName: baseConfig,
		"bad.agent.yml": "model: default\n", // missing name
	})
	_, err := project.ResolveAgent("bad.agent.yml")
	require.Error(t, err)
}

const reportWorkflow = `
name: report
tasks:
  - name: fetch
    type: execute_sql
    execute_sql:
      database: warehouse
      sql_query: SELECT 1
  - name: format
    type: formatter
    formatter:
      template: "done"
    cache:
      path: .cache/format.txt
    export:
      path: out/report.txt
      format: txt
variables:
  region: emea
`

func TestResolveWorkflow(t *testing.T) {
	project := writeProject(t, map[string]string{
		ConfigFileName:        baseConfig,
		"report.workflow.yml": reportWorkflow,
	})

	wf, err := project.ResolveWorkflow("report.workflow.yml")
	require.NoError(t, err)
	require.Len(t, wf.Tasks, 2)
	assert.Equal(t, TaskExecuteSQL, wf.Tasks[0].Type)
	require.NotNil(t, wf.Tasks[1].Cache)
	require.NotNil(t, wf.Tasks[1].Export)
	assert.Equal(t, ExportTXT, wf.Tasks[1].Export.Format)
	assert.Equal(t, "emea", wf.Variables["region"])
}

func TestResolveWorkflow_MissingSpec(t *testing.T) {
	project := writeProject(t, map[string]string{
		ConfigFileName: baseConfig,
		"bad.workflow.yml": `
tasks:
  - name: broken
    type: formatter
`,
	})
	_, err := project.ResolveWorkflow("bad.workflow.yml")
	require.Error(t, err)
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))
}

func TestLoopValues_UnmarshalForms(t *testing.T) {
	project := writeProject(t, map[string]string{
		ConfigFileName: baseConfig,
		"loop.workflow.yml": `
tasks:
  - name: looped
    type: loop_sequential
    loop_sequential:
      values: [a, b]
      tasks:
        - name: inner
          type: formatter
          formatter:
            template: "{{.value}}"
`,
	})
	wf, err := project.ResolveWorkflow("loop.workflow.yml")
	require.NoError(t, err)
	require.NotNil(t, wf.Tasks[0].LoopSequential)
	assert.Len(t, wf.Tasks[0].LoopSequential.Values.List, 2)
}
