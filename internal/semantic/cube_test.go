package semantic

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildEntityGraph_DerivesJoins(t *testing.T) {
	graph, err := BuildEntityGraph(salesLayer())
	require.NoError(t, err)

	assert.Equal(t, map[string]string{"order": "orders", "customer": "customers"},
		graph.PrimaryEntities())

	joins := graph.Joins()
	require.Len(t, joins, 1)
	assert.Equal(t, "orders", joins[0].From)
	assert.Equal(t, "customers", joins[0].To)
	assert.Equal(t, JoinManyToOne, joins[0].Relationship)
	assert.Equal(t, "{orders.customer_id} = {customers.customer_id}", joins[0].SQL)
}

func TestBuildEntityGraph_DuplicatePrimaryFails(t *testing.T) {
	layer := salesLayer()
	layer.Views[1].Entities = append(layer.Views[1].Entities,
		Entity{Name: "order", Type: EntityPrimary, Key: "id"})
	_, err := BuildEntityGraph(layer)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "primary in both")
}

func TestCheckAcyclic_DetectsCycle(t *testing.T) {
	graph := &EntityGraph{
		primaryEntities: map[string]string{},
		joins: []Join{
			{From: "a", To: "b"},
			{From: "b", To: "c"},
			{From: "c", To: "a"},
		},
	}
	err := graph.CheckAcyclic([]string{"a", "b", "c"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "join cycle detected")

	// The same edges restricted to an acyclic subset pass.
	require.NoError(t, graph.CheckAcyclic([]string{"a", "b"}))
}

func TestRewriteEntityReferences(t *testing.T) {
	graph, err := BuildEntityGraph(salesLayer())
	require.NoError(t, err)

	cases := map[string]string{
		"{{customer.name}}":          "{customers.name}",
		"{customer.name}":            "{customers.name}",
		"{{amount}}":                 "{amount}",
		"{{unknown.field}}":          "{unknown.field}",
		"SUM({{customer.total}}) AS": "SUM({customers.total}) AS",
		"plain_column":               "plain_column",
	}
	for input, want := range cases {
		assert.Equal(t, want, RewriteEntityReferences(input, graph), "input %q", input)
	}
}

func TestTranslate_CubesViewsAndJoins(t *testing.T) {
	layer := salesLayer()
	layer.Views = append(layer.Views, View{
		Name:       "recent_orders",
		SQL:        "SELECT * FROM orders WHERE created_at > now() - interval 7 day",
		Datasource: "warehouse",
		Dimensions: []Dimension{{Name: "id", Expr: "id", Type: DimensionNumber}},
	})

	cubeLayer, err := Translate(layer, map[string]string{"warehouse": "duckdb"})
	require.NoError(t, err)

	require.Len(t, cubeLayer.Cubes, 2)
	require.Len(t, cubeLayer.Views, 1)
	assert.Equal(t, "recent_orders", cubeLayer.Views[0].Name)
	require.Len(t, cubeLayer.DataSources, 1)

	orders, ok := cubeLayer.FindCube("orders")
	require.True(t, ok)
	assert.Equal(t, "orders", orders.SQLTable)
	require.Len(t, orders.Joins, 1)
	assert.Equal(t, "customers", orders.Joins[0].Name)
	assert.Equal(t, string(JoinManyToOne), orders.Joins[0].Relationship)

	// The primary-entity key dimension is marked as such.
	var idDim *CubeDimension
	for i := range orders.Dimensions {
		if orders.Dimensions[i].Name == "id" {
			idDim = &orders.Dimensions[i]
		}
	}
	require.NotNil(t, idDim)
	assert.True(t, idDim.PrimaryKey)
}

func TestTranslate_MeasureTypeMapping(t *testing.T) {
	layer := &Layer{
		Views: []View{{
			Name:       "t",
			Table:      "t",
			Dimensions: []Dimension{{Name: "d", Expr: "d", Type: DimensionString}},
			Measures: []Measure{
				{Name: "m_count", Type: MeasureCount},
				{Name: "m_median", Type: MeasureMedian, Expr: "v"},
				{Name: "m_custom", Type: MeasureCustom, Expr: "sum(v) / count(*)"},
				{Name: "m_distinct", Type: MeasureCountDistinct, Expr: "v"},
			},
		}},
	}
	cubeLayer, err := Translate(layer, nil)
	require.NoError(t, err)
	cube := cubeLayer.Cubes[0]

	types := map[string]string{}
	for _, m := range cube.Measures {
		types[m.Name] = m.Type
	}
	assert.Equal(t, "count", types["m_count"])
	assert.Equal(t, "avg", types["m_median"])
	assert.Equal(t, "number", types["m_custom"])
	assert.Equal(t, "countDistinct", types["m_distinct"])
}

func TestTranslate_MeasureFiltersCarryOver(t *testing.T) {
	layer := salesLayer()
	layer.Views[0].Measures = append(layer.Views[0].Measures, Measure{
		Name: "active_total", Type: MeasureSum, Expr: "amount",
		Filters: []MeasureFilter{{Expr: "status = 'active'"}},
	})
	cubeLayer, err := Translate(layer, nil)
	require.NoError(t, err)
	orders, _ := cubeLayer.FindCube("orders")
	for _, m := range orders.Measures {
		if m.Name == "active_total" {
			require.Len(t, m.Filters, 1)
			assert.Equal(t, "status = 'active'", m.Filters[0].SQL)
			return
		}
	}
	t.Fatal("active_total measure missing")
}
