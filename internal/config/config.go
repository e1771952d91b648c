// Package config loads and serves project configuration: databases, models,
// agents, workflows, and the secrets they reference. Configuration is
// immutable once built and cheap to share.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/haasonsaas/oxide/internal/errs"
)

// DatabaseType identifies a warehouse adapter.
type DatabaseType string

const (
	DatabaseSnowflake  DatabaseType = "snowflake"
	DatabaseBigQuery   DatabaseType = "bigquery"
	DatabaseDuckDB     DatabaseType = "duckdb"
	DatabaseClickHouse DatabaseType = "clickhouse"
)

// SnowflakeAuthType selects how the Snowflake adapter authenticates.
type SnowflakeAuthType string

const (
	SnowflakeAuthBrowser     SnowflakeAuthType = "browser"
	SnowflakeAuthPrivateKey  SnowflakeAuthType = "private_key"
	SnowflakeAuthPassword    SnowflakeAuthType = "password"
	SnowflakeAuthPasswordVar SnowflakeAuthType = "password_var"
)

// SnowflakeAuth configures one of the three Snowflake authentication modes.
type SnowflakeAuth struct {
	Type SnowflakeAuthType `yaml:"type"`

	// Password is an inline password (discouraged outside tests).
	Password string `yaml:"password,omitempty"`

	// PasswordVar names a declared secret resolved at query time.
	PasswordVar string `yaml:"password_var,omitempty"`

	// PrivateKeyPath points at a PEM file, resolved relative to the project.
	PrivateKeyPath string `yaml:"private_key_path,omitempty"`

	// BrowserTimeoutSecs bounds the external-browser SSO flow.
	BrowserTimeoutSecs int `yaml:"browser_timeout_secs,omitempty"`
}

// Snowflake holds the connection settings for a Snowflake database.
type Snowflake struct {
	Account   string        `yaml:"account"`
	Username  string        `yaml:"username"`
	Warehouse string        `yaml:"warehouse"`
	Database  string        `yaml:"database"`
	Schema    string        `yaml:"schema,omitempty"`
	Role      string        `yaml:"role,omitempty"`
	Auth      SnowflakeAuth `yaml:"auth"`
}

// BigQuery holds the connection settings for a BigQuery database.
type BigQuery struct {
	ProjectID       string `yaml:"project_id"`
	DatasetID       string `yaml:"dataset_id,omitempty"`
	CredentialsPath string `yaml:"credentials_path,omitempty"`
}

// DuckDB holds the connection settings for a DuckDB database.
type DuckDB struct {
	Path string `yaml:"path"`
}

// ClickHouse holds the connection settings for a ClickHouse database.
type ClickHouse struct {
	Addr     string `yaml:"addr"`
	Database string `yaml:"database,omitempty"`
	Username string `yaml:"username,omitempty"`
	// PasswordVar names a declared secret resolved at query time.
	PasswordVar string `yaml:"password_var,omitempty"`
}

// Database is a named warehouse target.
type Database struct {
	Name       string       `yaml:"name"`
	Type       DatabaseType `yaml:"type"`
	Snowflake  *Snowflake   `yaml:"snowflake,omitempty"`
	BigQuery   *BigQuery    `yaml:"bigquery,omitempty"`
	DuckDB     *DuckDB      `yaml:"duckdb,omitempty"`
	ClickHouse *ClickHouse  `yaml:"clickhouse,omitempty"`
}

// Model is a named LLM endpoint. The runtime speaks the OpenAI-compatible
// protocol to every model.
type Model struct {
	Name string `yaml:"name"`
	// ModelID is the provider-side model identifier.
	ModelID string `yaml:"model_id"`
	// APIURL overrides the provider base URL for OpenAI-compatible gateways.
	APIURL string `yaml:"api_url,omitempty"`
	// KeyVar names the declared secret holding the API key.
	KeyVar string `yaml:"key_var"`
	// MaxHistoryTurns prunes conversation history on entry to the model.
	MaxHistoryTurns int `yaml:"max_history_turns,omitempty"`
}

// IntegrationType identifies an external semantic backend.
type IntegrationType string

// IntegrationOmni is the Omni semantic backend.
const IntegrationOmni IntegrationType = "omni"

// Integration is a named external backend route target.
type Integration struct {
	Name    string          `yaml:"name"`
	Type    IntegrationType `yaml:"type"`
	BaseURL string          `yaml:"base_url,omitempty"`
	// TokenVar names the declared secret holding the API token.
	TokenVar string `yaml:"token_var,omitempty"`
}

// Retrieval configures vector search defaults.
type Retrieval struct {
	// EmbeddingModel names the model used to embed documents and queries.
	EmbeddingModel string `yaml:"embedding_model,omitempty"`
	// Dimension is the embedding dimension.
	Dimension int `yaml:"dimension,omitempty"`
	// DefaultInclusionRadius applies when a document declares none.
	DefaultInclusionRadius float32 `yaml:"default_inclusion_radius,omitempty"`
	// TopK bounds search results.
	TopK int `yaml:"top_k,omitempty"`
}

// Config is the parsed project configuration file.
type Config struct {
	Databases    []Database    `yaml:"databases"`
	Models       []Model       `yaml:"models"`
	Integrations []Integration `yaml:"integrations,omitempty"`
	Retrieval    Retrieval     `yaml:"retrieval,omitempty"`

	// Secrets maps secret names to environment variable names. Only declared
	// names are ever read from the environment.
	Secrets map[string]string `yaml:"secrets,omitempty"`
}

// ConfigFileName is the project configuration file name.
const ConfigFileName = "config.yml"

func parseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errs.Wrap(errs.KindConfiguration, err, "failed to parse config")
	}
	seen := make(map[string]bool, len(cfg.Databases))
	for _, db := range cfg.Databases {
		if db.Name == "" {
			return nil, errs.Configuration("database entry is missing a name")
		}
		if seen[db.Name] {
			return nil, errs.Configuration("duplicate database name %q", db.Name)
		}
		seen[db.Name] = true
	}
	return &cfg, nil
}

// LoadConfig reads and parses the configuration file under root.
func LoadConfig(root string) (*Config, error) {
	path := filepath.Join(root, ConfigFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Wrap(errs.KindConfiguration, err, fmt.Sprintf("failed to read %s", path))
	}
	return parseConfig(data)
}
