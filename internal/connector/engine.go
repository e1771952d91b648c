// Package connector provides the uniform warehouse adapter contract and the
// dialect-specific engines behind it. Connections are short-lived per query:
// created, authenticated, set up, used, dropped.
package connector

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/haasonsaas/oxide/internal/config"
	"github.com/haasonsaas/oxide/internal/errs"
	"github.com/haasonsaas/oxide/internal/output"
)

// Operation tags attached to connector errors.
const (
	OpCreateConn   = "CREATE_CONN"
	OpExecuteQuery = "EXECUTE_QUERY"
)

// SnowflakeSessionVarLimit is the total byte budget for session-variable
// values in one Snowflake session.
const SnowflakeSessionVarLimit = 256 * 1024

// Engine runs queries against one warehouse and returns columnar results.
type Engine interface {
	// RunQueryWithLimit executes query, optionally bounded to dryRunLimit
	// rows, and returns the result batches with their schema.
	RunQueryWithLimit(ctx context.Context, query string, dryRunLimit *uint64) (*output.ResultSet, error)
}

// SessionFilters are per-query session variables applied before execution.
// Nil values mark optional filters that were not provided and are skipped.
type SessionFilters map[string]any

// ToSessionValue serializes a filter value into its session-variable string.
func ToSessionValue(value any) string {
	switch v := value.(type) {
	case string:
		return v
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(data)
	}
}

// Option configures an engine.
type Option func(*options)

type options struct {
	filters   SessionFilters
	overrides *SnowflakeOverride
	ssoURLCh  chan<- string
}

// WithSessionFilters applies session variables before the query runs.
func WithSessionFilters(filters SessionFilters) Option {
	return func(o *options) { o.filters = filters }
}

// WithSnowflakeOverrides layers connection overrides over the configured
// Snowflake settings.
func WithSnowflakeOverrides(ovr *SnowflakeOverride) Option {
	return func(o *options) { o.overrides = ovr }
}

// WithSSOURLChannel forwards the Snowflake SSO URL to the caller during
// browser authentication. The channel receives at most one value.
func WithSSOURLChannel(ch chan<- string) Option {
	return func(o *options) { o.ssoURLCh = ch }
}

// New builds the engine for a configured database.
func New(project *config.Project, db *config.Database, opts ...Option) (Engine, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	switch db.Type {
	case config.DatabaseSnowflake:
		if db.Snowflake == nil {
			return nil, errs.Configuration("database %q is missing snowflake settings", db.Name)
		}
		return &SnowflakeEngine{
			name:     db.Name,
			cfg:      *db.Snowflake,
			project:  project,
			filters:  o.filters,
			override: o.overrides,
			ssoURLCh: o.ssoURLCh,
		}, nil
	case config.DatabaseDuckDB:
		if db.DuckDB == nil {
			return nil, errs.Configuration("database %q is missing duckdb settings", db.Name)
		}
		return &DuckDBEngine{name: db.Name, cfg: *db.DuckDB, project: project}, nil
	case config.DatabaseClickHouse:
		if db.ClickHouse == nil {
			return nil, errs.Configuration("database %q is missing clickhouse settings", db.Name)
		}
		return &ClickHouseEngine{name: db.Name, cfg: *db.ClickHouse, project: project}, nil
	case config.DatabaseBigQuery:
		if db.BigQuery == nil {
			return nil, errs.Configuration("database %q is missing bigquery settings", db.Name)
		}
		return &BigQueryEngine{name: db.Name, cfg: *db.BigQuery, project: project}, nil
	}
	return nil, errs.Configuration("database %q has unsupported type %q", db.Name, db.Type)
}

// connectorError wraps a driver failure with its operation tag.
func connectorError(op string, err error) error {
	return errs.Wrap(errs.KindDB, err, op)
}
