package connector

import (
	"context"
	"fmt"

	"cloud.google.com/go/bigquery"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/haasonsaas/oxide/internal/config"
	"github.com/haasonsaas/oxide/internal/output"
)

// BigQueryEngine runs queries against BigQuery.
type BigQueryEngine struct {
	name    string
	cfg     config.BigQuery
	project *config.Project
}

// RunQueryWithLimit implements Engine for BigQuery.
func (e *BigQueryEngine) RunQueryWithLimit(ctx context.Context, query string, dryRunLimit *uint64) (*output.ResultSet, error) {
	var opts []option.ClientOption
	if e.cfg.CredentialsPath != "" {
		opts = append(opts, option.WithCredentialsFile(e.project.ResolveFile(e.cfg.CredentialsPath)))
	}
	client, err := bigquery.NewClient(ctx, e.cfg.ProjectID, opts...)
	if err != nil {
		return nil, connectorError(OpCreateConn, err)
	}
	defer client.Close()

	if dryRunLimit != nil {
		query = fmt.Sprintf("SELECT * FROM (%s) LIMIT %d", query, *dryRunLimit)
	}
	q := client.Query(query)
	if e.cfg.DatasetID != "" {
		q.DefaultDatasetID = e.cfg.DatasetID
	}
	it, err := q.Read(ctx)
	if err != nil {
		return nil, connectorError(OpExecuteQuery, err)
	}

	cols := make([]string, len(it.Schema))
	for i, field := range it.Schema {
		cols[i] = field.Name
	}

	var data [][]any
	for {
		var row []bigquery.Value
		err := it.Next(&row)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, connectorError(OpExecuteQuery, err)
		}
		cells := make([]any, len(row))
		for i, v := range row {
			cells[i] = v
		}
		data = append(data, cells)
	}

	rs, err := ColumnsToResultSet(cols, data)
	if err != nil {
		return nil, connectorError(OpExecuteQuery, err)
	}
	return rs, nil
}
