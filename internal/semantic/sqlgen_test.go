package semantic

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func compileSales(t *testing.T, query Query, dialect Dialect) string {
	t.Helper()
	layer := salesLayer()
	validated, err := Validate(layer, query)
	require.NoError(t, err)
	cubeLayer, err := Translate(layer, map[string]string{"warehouse": "duckdb"})
	require.NoError(t, err)
	sql, err := Compile(validated, cubeLayer, dialect)
	require.NoError(t, err)
	return sql
}

func TestCompile_SimpleAggregate(t *testing.T) {
	sql := compileSales(t, Query{
		Topic:      "sales",
		Dimensions: []string{"orders.status"},
		Measures:   []string{"orders.total"},
	}, DialectDuckDB)

	assert.Contains(t, sql, `SELECT "orders"."status" AS "orders_status", SUM("orders"."amount") AS "orders_total"`)
	assert.Contains(t, sql, `FROM "orders" AS "orders"`)
	assert.Contains(t, sql, `GROUP BY "orders"."status"`)
}

func TestCompile_CountStar(t *testing.T) {
	sql := compileSales(t, Query{
		Topic:    "sales",
		Measures: []string{"orders.count"},
	}, DialectDuckDB)
	assert.Contains(t, sql, "COUNT(*)")
}

func TestCompile_JoinAcrossViews(t *testing.T) {
	sql := compileSales(t, Query{
		Topic:      "sales",
		Dimensions: []string{"orders.status", "customers.name"},
		Measures:   []string{"orders.total"},
	}, DialectDuckDB)

	assert.Contains(t, sql, `LEFT JOIN "customers" AS "customers"`)
	assert.Contains(t, sql, `ON "orders"."customer_id" = "customers"."customer_id"`)
}

func TestCompile_FiltersOrdersLimitOffset(t *testing.T) {
	limit, offset := 10, 5
	sql := compileSales(t, Query{
		Topic:      "sales",
		Dimensions: []string{"orders.status"},
		Measures:   []string{"orders.total"},
		Filters:    []Filter{{Field: "orders.status", Operator: "eq", Value: "shipped"}},
		Orders:     []Order{{Field: "orders.total", Direction: "desc"}},
		Limit:      &limit,
		Offset:     &offset,
	}, DialectDuckDB)

	assert.Contains(t, sql, `WHERE "orders"."status" = 'shipped'`)
	assert.Contains(t, sql, `ORDER BY "orders_total" DESC`)
	assert.Contains(t, sql, "LIMIT 10")
	assert.Contains(t, sql, "OFFSET 5")
}

func TestCompile_BigQueryQuoting(t *testing.T) {
	sql := compileSales(t, Query{
		Topic:      "sales",
		Dimensions: []string{"orders.status"},
		Measures:   []string{"orders.total"},
	}, DialectBigQuery)
	assert.Contains(t, sql, "`orders`.`status`")
	assert.NotContains(t, sql, `"orders"`)
}

func TestCompile_InFilter(t *testing.T) {
	sql := compileSales(t, Query{
		Topic:      "sales",
		Dimensions: []string{"orders.status"},
		Filters: []Filter{{
			Field: "orders.status", Operator: "in",
			Value: []any{"shipped", "pending"},
		}},
	}, DialectDuckDB)
	assert.Contains(t, sql, `IN ('shipped', 'pending')`)
}

func TestCompile_EscapesStringLiterals(t *testing.T) {
	sql := compileSales(t, Query{
		Topic:      "sales",
		Dimensions: []string{"orders.status"},
		Filters:    []Filter{{Field: "orders.status", Operator: "eq", Value: "o'brien"}},
	}, DialectDuckDB)
	assert.Contains(t, sql, `'o''brien'`)
}

func TestCompile_UnsupportedOperator(t *testing.T) {
	layer := salesLayer()
	validated, err := Validate(layer, Query{
		Topic:      "sales",
		Dimensions: []string{"orders.status"},
		Filters:    []Filter{{Field: "orders.status", Operator: "between", Value: 1}},
	})
	require.NoError(t, err)
	cubeLayer, err := Translate(layer, nil)
	require.NoError(t, err)
	_, err = Compile(validated, cubeLayer, DialectDuckDB)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported filter operator")
}

func TestCompile_MeasureFilterBecomesConditionalAggregate(t *testing.T) {
	layer := salesLayer()
	layer.Views[0].Measures = append(layer.Views[0].Measures, Measure{
		Name: "active_total", Type: MeasureSum, Expr: "amount",
		Filters: []MeasureFilter{{Expr: "{status} = 'active'"}},
	})
	validated, err := Validate(layer, Query{
		Topic:    "sales",
		Measures: []string{"orders.active_total"},
	})
	require.NoError(t, err)
	cubeLayer, err := Translate(layer, nil)
	require.NoError(t, err)
	sql, err := Compile(validated, cubeLayer, DialectDuckDB)
	require.NoError(t, err)
	assert.Contains(t, sql, `SUM(CASE WHEN "orders"."status" = 'active' THEN "orders"."amount" END)`)
}
