package output

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildResultSet constructs an in-memory batch with id, name, amount
// columns and n rows.
func buildResultSet(t *testing.T, n int) *ResultSet {
	t.Helper()
	schema := arrow.NewSchema([]arrow.Field{
		{Name: "id", Type: arrow.PrimitiveTypes.Int64},
		{Name: "name", Type: arrow.BinaryTypes.String},
		{Name: "amount", Type: arrow.PrimitiveTypes.Float64},
	}, nil)
	builder := array.NewRecordBuilder(memory.DefaultAllocator, schema)
	defer builder.Release()
	for i := 0; i < n; i++ {
		builder.Field(0).(*array.Int64Builder).Append(int64(i + 1))
		builder.Field(1).(*array.StringBuilder).Append([]string{"alpha", "beta", "gamma"}[i%3])
		builder.Field(2).(*array.Float64Builder).Append(float64(i) * 1.5)
	}
	return &ResultSet{Schema: schema, Batches: []arrow.Record{builder.NewRecord()}}
}

func writeTestTable(t *testing.T, n int, sql, db string) *Table {
	t.Helper()
	rs := buildResultSet(t, n)
	defer rs.Release()
	path := filepath.Join(t.TempDir(), "result.parquet")
	require.NoError(t, WriteResultSet(path, rs))
	return NewTableWithReference(path, TableReference{SQL: sql, DatabaseRef: db}, "result", 0)
}

func TestTable_ParquetRoundTrip(t *testing.T) {
	table := writeTestTable(t, 5, "SELECT * FROM t", "warehouse")
	rows, truncated, err := table.To2DArray()
	require.NoError(t, err)
	assert.False(t, truncated)
	require.Len(t, rows, 5)
	assert.Equal(t, "1", rows[0][0])
	assert.Equal(t, "alpha", rows[0][1])
}

func TestTable_TruncationFlag(t *testing.T) {
	table := writeTestTable(t, DefaultMaxDisplayRows+20, "SELECT 1", "db")
	rows, truncated, err := table.To2DArray()
	require.NoError(t, err)
	assert.True(t, truncated)
	assert.Len(t, rows, DefaultMaxDisplayRows)
}

// IntoReference round-trips the query provenance: database and SQL come back
// unchanged.
func TestTable_IntoReferenceRoundTrip(t *testing.T) {
	sql := "SELECT id, name\nFROM t\nWHERE id > 0"
	table := writeTestTable(t, 3, sql, "warehouse")

	ref := table.IntoReference()
	require.NotNil(t, ref)
	assert.Equal(t, ReferenceSQLQuery, ref.Kind)
	require.NotNil(t, ref.SQLQuery)
	assert.Equal(t, "warehouse", ref.SQLQuery.Database)
	assert.Equal(t,
		strings.Join(strings.Fields(sql), " "),
		strings.Join(strings.Fields(ref.SQLQuery.SQLQuery), " "),
		"embedded SQL equals input modulo whitespace")
	assert.False(t, ref.SQLQuery.IsResultTruncated)
	assert.Len(t, ref.SQLQuery.Result, 3)
}

func TestTable_IntoReferenceWithoutProvenance(t *testing.T) {
	rs := buildResultSet(t, 1)
	defer rs.Release()
	path := filepath.Join(t.TempDir(), "r.parquet")
	require.NoError(t, WriteResultSet(path, rs))
	table := NewTable(path)
	assert.Nil(t, table.IntoReference())
}

func TestTable_ToMarkdown(t *testing.T) {
	table := writeTestTable(t, 2, "SELECT 1", "db")
	md := table.ToMarkdown()
	assert.Contains(t, md, "| id | name | amount |")
	assert.Contains(t, md, "| 1 | alpha | 0 |")
}

func TestTable_ToJSON(t *testing.T) {
	table := writeTestTable(t, 2, "SELECT 1", "db")
	doc, err := table.ToJSON()
	require.NoError(t, err)
	assert.Equal(t, "table", doc["type"])
	assert.Equal(t, int64(2), doc["row_count"])
	schema := doc["schema"].([]map[string]any)
	require.Len(t, schema, 3)
	assert.Equal(t, "id", schema[0]["name"])
}

func TestTable_SummaryStats(t *testing.T) {
	table := writeTestTable(t, 9, "SELECT 1", "db")
	summary := table.Summary()
	assert.Equal(t, int64(9), summary["total_rows"])

	columns := summary["columns"].([]map[string]any)
	require.Len(t, columns, 3)

	idStats := columns[0]["stats"].(map[string]any)
	assert.Equal(t, 9, idStats["count"])
	assert.Equal(t, 5.0, idStats["mean"])
	assert.Equal(t, 1.0, idStats["min"])
	assert.Equal(t, 9.0, idStats["max"])
	assert.Equal(t, 5.0, idStats["median"])
	assert.Equal(t, 3.0, idStats["q1"])
	assert.Equal(t, 7.0, idStats["q3"])

	nameStats := columns[1]["stats"].(map[string]any)
	assert.Equal(t, 9, nameStats["count"])
	assert.Equal(t, 3, nameStats["unique"])
	assert.Equal(t, "alpha", nameStats["most_frequent"])
}

func TestTable_ExportedPathImmutable(t *testing.T) {
	table := writeTestTable(t, 1, "SELECT 1", "db")
	dir := t.TempDir()
	require.NoError(t, table.SaveData(filepath.Join(dir, "export1.parquet")))
	err := table.SaveData(filepath.Join(dir, "export2.parquet"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exported")
}

func TestTable_MissingFile(t *testing.T) {
	table := NewTable(filepath.Join(t.TempDir(), "absent.parquet"))
	_, _, err := table.To2DArray()
	require.Error(t, err)
}

func TestOutput_AppendIsFlat(t *testing.T) {
	list := List(Text("a"))
	list.Append(Text("b"), Text("c"))
	require.Equal(t, KindList, list.Kind)
	assert.Len(t, list.List, 3)

	// Appending to a non-list promotes it, keeping the prior value.
	o := Text("x")
	o.Append(Text("y"))
	require.Equal(t, KindList, o.Kind)
	assert.Len(t, o.List, 2)
}

func TestOutput_RenderingIdempotentOnEmpty(t *testing.T) {
	assert.Equal(t, "", Text("").String())
	empty := List()
	assert.Equal(t, "", empty.String())
}

func TestUsage_Additive(t *testing.T) {
	u := Usage{InputTokens: 1, OutputTokens: 2}
	u.Add(Usage{InputTokens: 10, OutputTokens: 20})
	assert.Equal(t, int64(11), u.InputTokens)
	assert.Equal(t, int64(22), u.OutputTokens)
}
