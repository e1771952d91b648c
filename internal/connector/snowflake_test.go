package connector

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"

	"github.com/apache/arrow-go/v18/arrow/array"
	sf "github.com/snowflakedb/gosnowflake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/haasonsaas/oxide/internal/config"
	"github.com/haasonsaas/oxide/internal/errs"
)

// fakeSession records session-setup statements and serves queries from an
// in-memory SQLite database, standing in for a live warehouse.
type fakeSession struct {
	db         *sql.DB
	statements []string
}

func (f *fakeSession) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	f.statements = append(f.statements, query)
	return nil, nil
}

func (f *fakeSession) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return f.db.QueryContext(ctx, query, args...)
}

func (f *fakeSession) Close() error { return f.db.Close() }

func withFakeSession(t *testing.T) *fakeSession {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	fake := &fakeSession{db: db}
	prior := openSnowflakeSession
	openSnowflakeSession = func(cfg *sf.Config) (sessionDB, error) { return fake, nil }
	t.Cleanup(func() { openSnowflakeSession = prior })
	return fake
}

func passwordVarEngine(t *testing.T) *SnowflakeEngine {
	t.Helper()
	t.Setenv("SNOWFLAKE_PASSWORD", "hunter2")
	project := &config.Project{
		Root:    t.TempDir(),
		Config:  &config.Config{},
		Secrets: config.NewSecrets(map[string]string{"snowflake_password": "SNOWFLAKE_PASSWORD"}),
	}
	return &SnowflakeEngine{
		name:    "D",
		project: project,
		cfg: config.Snowflake{
			Account:   "acct",
			Username:  "user",
			Warehouse: "W",
			Database:  "D",
			Schema:    "S",
			Role:      "R",
			Auth: config.SnowflakeAuth{
				Type:        config.SnowflakeAuthPasswordVar,
				PasswordVar: "snowflake_password",
			},
		},
	}
}

func TestSnowflake_PasswordAuthSimpleQuery(t *testing.T) {
	fake := withFakeSession(t)
	engine := passwordVarEngine(t)

	rs, err := engine.RunQueryWithLimit(context.Background(), "SELECT 1", nil)
	require.NoError(t, err)
	defer rs.Release()

	require.Len(t, rs.Batches, 1)
	assert.Equal(t, int64(1), rs.NumRows())
	require.Equal(t, 1, rs.Schema.NumFields())

	col, ok := rs.Batches[0].Column(0).(*array.Int64)
	require.True(t, ok, "integer literal should land in an int64 column")
	assert.Equal(t, int64(1), col.Value(0))

	// Session pinning runs once, in order, before the query.
	assert.Equal(t, []string{
		"USE ROLE R",
		"USE WAREHOUSE W",
		"USE DATABASE D",
		"USE SCHEMA S",
	}, fake.statements)
}

func TestSnowflake_SessionFiltersEmitSetStatements(t *testing.T) {
	fake := withFakeSession(t)
	engine := passwordVarEngine(t)
	engine.filters = SessionFilters{
		"region":   "emea",
		"tenantId": "t-1",
		"optional": nil,
	}

	_, err := engine.RunQueryWithLimit(context.Background(), "SELECT 1", nil)
	require.NoError(t, err)

	var sets []string
	for _, stmt := range fake.statements {
		if strings.HasPrefix(stmt, "SET ") {
			sets = append(sets, stmt)
		}
	}
	assert.Equal(t, []string{
		"SET REGION = 'emea'",
		"SET TENANTID = 't-1'",
	}, sets, "names upper-cased, null filters skipped, sorted order")
}

func TestSnowflake_FilterValueEscaping(t *testing.T) {
	fake := withFakeSession(t)
	engine := passwordVarEngine(t)
	engine.filters = SessionFilters{"name": "o'brien"}

	_, err := engine.RunQueryWithLimit(context.Background(), "SELECT 1", nil)
	require.NoError(t, err)
	assert.Contains(t, fake.statements, "SET NAME = 'o''brien'")
}

func TestSnowflake_FilterSizeLimitExceeded(t *testing.T) {
	engine := passwordVarEngine(t)
	// 260 KB of filter values against the 256 KB limit.
	engine.filters = SessionFilters{
		"big": strings.Repeat("x", 260*1024),
	}

	sessionOpened := false
	prior := openSnowflakeSession
	openSnowflakeSession = func(cfg *sf.Config) (sessionDB, error) {
		sessionOpened = true
		return nil, errors.New("must not connect")
	}
	t.Cleanup(func() { openSnowflakeSession = prior })

	_, err := engine.RunQueryWithLimit(context.Background(), "SELECT 1", nil)
	require.Error(t, err)

	var limitErr *errs.FilterSizeLimitExceededError
	require.ErrorAs(t, err, &limitErr)
	assert.Equal(t, "D", limitErr.Database)
	assert.Equal(t, 266240, limitErr.SizeBytes)
	assert.Equal(t, 262144, limitErr.LimitBytes)
	assert.False(t, sessionOpened, "overflow must fail before any warehouse round-trip")
}

func TestSnowflake_OverridesLayerOverConfig(t *testing.T) {
	fake := withFakeSession(t)
	engine := passwordVarEngine(t)
	engine.override = &SnowflakeOverride{Warehouse: "W2", Database: "D2"}

	_, err := engine.RunQueryWithLimit(context.Background(), "SELECT 1", nil)
	require.NoError(t, err)
	assert.Contains(t, fake.statements, "USE WAREHOUSE W2")
	assert.Contains(t, fake.statements, "USE DATABASE D2")
	assert.Contains(t, fake.statements, "USE SCHEMA S", "schema not overridden keeps config value")
}

func TestSnowflake_ZeroRowResultIsNotDBError(t *testing.T) {
	fake := withFakeSession(t)
	engine := passwordVarEngine(t)

	// A query with result columns but no rows is a valid empty batch; only a
	// result with no columns is reported as a DB error.
	_, err := fake.db.Exec("CREATE TABLE empty_check (a INTEGER)")
	require.NoError(t, err)
	_, err = engine.RunQueryWithLimit(context.Background(), "SELECT a FROM empty_check WHERE 0", nil)
	require.NoError(t, err, "zero rows with columns is a valid empty batch")
}

func TestSnowflake_MissingSecretIsConfigurationError(t *testing.T) {
	engine := passwordVarEngine(t)
	engine.cfg.Auth.PasswordVar = "undeclared"

	_, err := engine.RunQueryWithLimit(context.Background(), "SELECT 1", nil)
	require.Error(t, err)
	assert.Equal(t, errs.KindConfiguration, errs.KindOf(err))
}
