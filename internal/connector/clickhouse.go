package connector

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"

	"github.com/haasonsaas/oxide/internal/config"
	"github.com/haasonsaas/oxide/internal/errs"
	"github.com/haasonsaas/oxide/internal/output"
)

// ClickHouseEngine runs queries against a ClickHouse server.
type ClickHouseEngine struct {
	name    string
	cfg     config.ClickHouse
	project *config.Project
}

// RunQueryWithLimit implements Engine for ClickHouse.
func (e *ClickHouseEngine) RunQueryWithLimit(ctx context.Context, query string, dryRunLimit *uint64) (*output.ResultSet, error) {
	opts := &clickhouse.Options{
		Addr: []string{e.cfg.Addr},
		Auth: clickhouse.Auth{
			Database: e.cfg.Database,
			Username: e.cfg.Username,
		},
	}
	if e.cfg.PasswordVar != "" {
		password, err := e.project.Secrets.Resolve(e.cfg.PasswordVar)
		if err != nil {
			return nil, err
		}
		opts.Auth.Password = password
	}

	db := clickhouse.OpenDB(opts)
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
