package connector

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/marcboeker/go-duckdb" // DuckDB driver

	"github.com/haasonsaas/oxide/internal/config"
	"github.com/haasonsaas/oxide/internal/errs"
	"github.com/haasonsaas/oxide/internal/output"
)

// DuckDBEngine runs queries against a local DuckDB file.
type DuckDBEngine struct {
	name    string
	cfg     config.DuckDB
	project *config.Project
}

// RunQueryWithLimit implements Engine for DuckDB.
func (e *DuckDBEngine) RunQueryWithLimit(ctx context.Context, query string, dryRunLimit *uint64) (*output.ResultSet, error) {
	db, err := sql.Open("duckdb", e.project.ResolveFile(e.cfg.Path))
	if err != nil {
		return nil, connectorError(OpCreateConn, err)
	}
	defer db.Close()

	if dryRunLimit != nil {
		query = fmt.Sprintf("SELECT * FROM (%s) LIMIT %d", query, *dryRunLimit)
	}
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
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
	return rs, nil
}
