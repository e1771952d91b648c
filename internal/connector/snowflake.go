package connector

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"database/sql"
	"encoding/pem"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	sf "github.com/snowflakedb/gosnowflake"

	"github.com/haasonsaas/oxide/internal/config"
	"github.com/haasonsaas/oxide/internal/errs"
	"github.com/haasonsaas/oxide/internal/output"
)

// SnowflakeOverride layers per-call connection settings over the configured
// values.
type SnowflakeOverride struct {
	Warehouse string
	Database  string
	Schema    string
	Account   string
}

// SnowflakeEngine runs queries against Snowflake. Each query opens its own
// session, applies USE statements and session filters, executes, and closes.
type SnowflakeEngine struct {
	name     string
	cfg      config.Snowflake
	project  *config.Project
	filters  SessionFilters
	override *SnowflakeOverride
	ssoURLCh chan<- string
}

type snowflakeTarget struct {
	warehouse string
	database  string
	schema    string
	account   string
}

func (e *SnowflakeEngine) target() snowflakeTarget {
	t := snowflakeTarget{
		warehouse: e.cfg.Warehouse,
		database:  e.cfg.Database,
		schema:    e.cfg.Schema,
		account:   e.cfg.Account,
	}
	if o := e.override; o != nil {
		if o.Warehouse != "" {
			t.warehouse = o.Warehouse
		}
		if o.Database != "" {
			t.database = o.Database
		}
		if o.Schema != "" {
			t.schema = o.Schema
		}
		if o.Account != "" {
			t.account = o.Account
		}
	}
	return t
}

// buildFilterStatements produces the SET statements for session filters and
// enforces the session-variable size budget. The budget is checked before
// any warehouse round-trip.
func (e *SnowflakeEngine) buildFilterStatements(database string) ([]string, error) {
	if len(e.filters) == 0 {
		return nil, nil
	}
	keys := make([]string, 0, len(e.filters))
	for k := range e.filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var statements []string
	totalSize := 0
	for _, key := range keys {
		value := e.filters[key]
		if value == nil {
			slog.Debug("skipping null filter value", "filter_name", key)
			continue
		}
		varName := strings.ToUpper(key)
		varValue := ToSessionValue(value)
		escaped := strings.ReplaceAll(varValue, "'", "''")
		statements = append(statements, fmt.Sprintf("SET %s = '%s'", varName, escaped))
		totalSize += len(varValue)
	}

	if totalSize > SnowflakeSessionVarLimit {
		slog.Error("filter size exceeds session variable limit",
			"database", database, "total_size", totalSize, "limit", SnowflakeSessionVarLimit)
		return nil, &errs.FilterSizeLimitExceededError{
			Database:   database,
			SizeBytes:  totalSize,
			LimitBytes: SnowflakeSessionVarLimit,
		}
	}
	return statements, nil
}

func (e *SnowflakeEngine) driverConfig(t snowflakeTarget) (*sf.Config, error) {
	cfg := &sf.Config{
		Account:   t.account,
		User:      e.cfg.Username,
		Warehouse: t.warehouse,
		Database:  t.database,
		Schema:    t.schema,
		Role:      e.cfg.Role,
	}

	switch e.cfg.Auth.Type {
	case config.SnowflakeAuthBrowser:
		cfg.Authenticator = sf.AuthTypeExternalBrowser
		if e.cfg.Auth.BrowserTimeoutSecs > 0 {
			cfg.ExternalBrowserTimeout = time.Duration(e.cfg.Auth.BrowserTimeoutSecs) * time.Second
		}
		if e.ssoURLCh != nil {
			// Forward the SSO entry point so the caller can present it when
			// the runtime cannot open a browser itself.
			url := fmt.Sprintf("https://%s.snowflakecomputing.com/console/login", t.account)
			select {
			case e.ssoURLCh <- url:
			default:
				slog.Warn("dropped SSO URL, channel full")
			}
		}
	case config.SnowflakeAuthPrivateKey:
		key, err := loadPrivateKey(e.project.ResolveFile(e.cfg.Auth.PrivateKeyPath))
		if err != nil {
			return nil, err
		}
		cfg.Authenticator = sf.AuthTypeJwt
		cfg.PrivateKey = key
	case config.SnowflakeAuthPassword:
		cfg.Authenticator = sf.AuthTypeSnowflake
		cfg.Password = e.cfg.Auth.Password
	case config.SnowflakeAuthPasswordVar:
		password, err := e.project.Secrets.Resolve(e.cfg.Auth.PasswordVar)
		if err != nil {
			return nil, err
		}
		cfg.Authenticator = sf.AuthTypeSnowflake
		cfg.Password = password
	default:
		return nil, errs.Configuration("database %q has unknown snowflake auth type %q", e.name, e.cfg.Auth.Type)
	}
	return cfg, nil
}

func loadPrivateKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Wrap(errs.KindConfiguration, err, "failed to read private key file")
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errs.Configuration("private key file %s is not valid PEM", path)
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, errs.Wrap(errs.KindConfiguration, err, "failed to parse private key")
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errs.Configuration("private key file %s does not contain an RSA key", path)
	}
	return key, nil
}

// sessionDB abstracts the opened connection so session setup is testable
// without a live warehouse.
type sessionDB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	Close() error
}

// openSnowflakeSession is replaced in tests.
var openSnowflakeSession = func(cfg *sf.Config) (sessionDB, error) {
	dsn, err := sf.DSN(cfg)
	if err != nil {
		return nil, err
	}
	return sql.Open("snowflake", dsn)
}

// RunQueryWithLimit implements Engine for Snowflake.
func (e *SnowflakeEngine) RunQueryWithLimit(ctx context.Context, query string, dryRunLimit *uint64) (*output.ResultSet, error) {
	t := e.target()
	if dryRunLimit != nil {
		query = fmt.Sprintf("SELECT * FROM (%s) LIMIT %d", query, *dryRunLimit)
	}

	// Fail on filter overflow before touching the warehouse.
	filterStatements, err := e.buildFilterStatements(t.database)
	if err != nil {
		return nil, err
	}

	cfg, err := e.driverConfig(t)
	if err != nil {
		return nil, err
	}
	db, err := openSnowflakeSession(cfg)
	if err != nil {
		return nil, connectorError(OpCreateConn, err)
	}
	defer db.Close()

	// Explicitly pin the session regardless of auth method; browser auth in
	// particular may land on defaults from the SSO profile.
	var setup []string
	if e.cfg.Role != "" {
		setup = append(setup, "USE ROLE "+e.cfg.Role)
	}
	setup = append(setup, "USE WAREHOUSE "+t.warehouse)
	setup = append(setup, "USE DATABASE "+t.database)
	if t.schema != "" {
		setup = append(setup, "USE SCHEMA "+t.schema)
	}
	setup = append(setup, filterStatements...)

	for _, stmt := range setup {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			slog.Error("snowflake session setup failed", "database", t.database, "statement", stmt, "error", err)
			return nil, connectorError(OpExecuteQuery, err)
		}
	}

	slog.Debug("executing snowflake query", "database", t.database, "filter_count", len(filterStatements))
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		slog.Error("snowflake query failed", "database", t.database, "error", err)
		return nil, connectorError(OpExecuteQuery, err)
	}
	defer rows.Close()

	rs, err := rowsToResultSet(rows)
	if err != nil {
		if errs.KindOf(err) == errs.KindDB {
			return nil, err
		}
		return nil, connectorError(OpExecuteQuery, err)
	}
	if len(rs.Batches) == 0 {
		return nil, errs.DB("No record batches returned")
	}
	return rs, nil
}
