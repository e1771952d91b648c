package semantic

import (
	"context"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/haasonsaas/oxide/internal/config"
	"github.com/haasonsaas/oxide/internal/connector"
	"github.com/haasonsaas/oxide/internal/errs"
	"github.com/haasonsaas/oxide/internal/output"
)

// Executor runs the full semantic query pipeline: parse, validate,
// translate, compile, execute, and wrap the result in a lazy table handle.
type Executor struct {
	Project *config.Project

	// Filters are forwarded to the warehouse session.
	Filters connector.SessionFilters

	// layer overrides on-disk parsing when set (tests, cached builds).
	layer *Layer
}

// WithLayer uses a pre-parsed layer instead of reading from disk.
func (e *Executor) WithLayer(layer *Layer) *Executor {
	e.layer = layer
	return e
}

func (e *Executor) resolveLayer() (*Layer, error) {
	if e.layer != nil {
		return e.layer, nil
	}
	result, err := ParseLayerDir(e.Project.SemanticsPath())
	if err != nil {
		return nil, err
	}
	return result.Layer, nil
}

func dialectFor(dbType config.DatabaseType) Dialect {
	switch dbType {
	case config.DatabaseBigQuery:
		return DialectBigQuery
	case config.DatabaseDuckDB:
		return DialectDuckDB
	case config.DatabaseClickHouse:
		return DialectClickHouse
	default:
		return DialectSnowflake
	}
}

// Execute runs a semantic query and returns its result table. The topic's
// datasource routes to the configured database.
func (e *Executor) Execute(ctx context.Context, query Query) (*output.Table, error) {
	layer, err := e.resolveLayer()
	if err != nil {
		return nil, err
	}

	validated, err := Validate(layer, query)
	if err != nil {
		return nil, err
	}

	datasource := datasourceFor(validated)
	if datasource == "" {
		return nil, errs.Configuration(
			"topic %q resolves to no datasource; set datasource on one of its views", validated.Topic.Name)
	}
	db, err := e.Project.ResolveDatabase(datasource)
	if err != nil {
		return nil, err
	}

	databases := make(map[string]string)
	for _, d := range e.Project.Config.Databases {
		databases[d.Name] = string(d.Type)
	}
	cubeLayer, err := Translate(layer, databases)
	if err != nil {
		return nil, err
	}

	sql, err := Compile(validated, cubeLayer, dialectFor(db.Type))
	if err != nil {
		return nil, err
	}

	engine, err := connector.New(e.Project, db, connector.WithSessionFilters(e.Filters))
	if err != nil {
		return nil, err
	}
	rs, err := engine.RunQueryWithLimit(ctx, sql, nil)
	if err != nil {
		return nil, err
	}
	defer rs.Release()

	artifactPath := filepath.Join(e.Project.StatePath(), "artifacts", uuid.NewString()+".parquet")
	if err := output.WriteResultSet(artifactPath, rs); err != nil {
		return nil, err
	}

	table := output.NewTableWithReference(artifactPath, output.TableReference{
		SQL:         sql,
		DatabaseRef: db.Name,
	}, validated.Topic.Name, 0)
	return table, nil
}

// datasourceFor picks the datasource of the topic's views: the first view
// that declares one wins.
func datasourceFor(validated *ValidatedQuery) string {
	for _, view := range validated.Views {
		if view.Datasource != "" {
			return view.Datasource
		}
	}
	return ""
}
