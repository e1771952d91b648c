package output

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/compress"
	"github.com/apache/arrow-go/v18/parquet/file"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"

	"github.com/haasonsaas/oxide/internal/errs"
)

// DefaultMaxDisplayRows bounds rows included in previews and references.
const DefaultMaxDisplayRows = 100

// ResultSet is a columnar query result: record batches plus their schema.
type ResultSet struct {
	Schema  *arrow.Schema
	Batches []arrow.Record
}

// NumRows returns the total row count across batches.
func (rs *ResultSet) NumRows() int64 {
	var n int64
	for _, b := range rs.Batches {
		n += b.NumRows()
	}
	return n
}

// Release releases the underlying batches.
func (rs *ResultSet) Release() {
	for _, b := range rs.Batches {
		b.Release()
	}
	rs.Batches = nil
}

// TableReference records the query provenance of a table.
type TableReference struct {
	SQL         string `json:"sql"`
	DatabaseRef string `json:"database_ref"`
}

type tableState int

const (
	tableUninitialized tableState = iota
	tableLoaded
	tableExported
)

// Table is a lazy handle to a columnar result file. The file is read into an
// in-memory batch set on first access and owned by the table afterwards.
type Table struct {
	Name           string          `json:"name"`
	Reference      *TableReference `json:"reference,omitempty"`
	FilePath       string          `json:"file_path"`
	MaxDisplayRows int             `json:"max_display_rows,omitempty"`

	mu      sync.Mutex
	state   tableState
	inner   *ResultSet
	loadErr error
}

// NewTable creates a table handle for an existing columnar file.
func NewTable(filePath string) *Table {
	return &Table{Name: filePath, FilePath: filePath}
}

// NewTableWithReference creates a table handle carrying query provenance.
func NewTableWithReference(filePath string, ref TableReference, name string, maxDisplayRows int) *Table {
	if name == "" {
		name = filePath
	}
	return &Table{
		Name:           name,
		Reference:      &ref,
		FilePath:       filePath,
		MaxDisplayRows: maxDisplayRows,
	}
}

// WriteResultSet materializes a result set as a Snappy-compressed Parquet
// file at path, creating parent directories as needed.
func WriteResultSet(path string, rs *ResultSet) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errs.Wrap(errs.KindRuntime, err, "failed to create artifact directory")
	}
	f, err := os.Create(path)
	if err != nil {
		return errs.Wrap(errs.KindRuntime, err, fmt.Sprintf("failed to create file %s", path))
	}
	defer f.Close()

	props := parquet.NewWriterProperties(parquet.WithCompression(compress.Codecs.Snappy))
	writer, err := pqarrow.NewFileWriter(rs.Schema, f, props, pqarrow.DefaultWriterProps())
	if err != nil {
		return errs.Wrap(errs.KindRuntime, err, "failed to create parquet writer")
	}
	for _, batch := range rs.Batches {
		if err := writer.Write(batch); err != nil {
			writer.Close()
			return errs.Wrap(errs.KindRuntime, err, "failed to write batch")
		}
	}
	if err := writer.Close(); err != nil {
		return errs.Wrap(errs.KindRuntime, err, "failed to close parquet writer")
	}
	return nil
}

func loadResult(path string) (*ResultSet, error) {
	rdr, err := file.OpenParquetFile(path, false)
	if err != nil {
		return nil, err
	}
	defer rdr.Close()

	fr, err := pqarrow.NewFileReader(rdr, pqarrow.ArrowReadProperties{BatchSize: 1024}, memory.DefaultAllocator)
	if err != nil {
		return nil, err
	}
	rr, err := fr.GetRecordReader(context.Background(), nil, nil)
	if err != nil {
		return nil, err
	}
	defer rr.Release()

	var batches []arrow.Record
	for rr.Next() {
		rec := rr.Record()
		rec.Retain()
		batches = append(batches, rec)
	}
	if err := rr.Err(); err != nil {
		for _, b := range batches {
			b.Release()
		}
		return nil, err
	}
	schema, err := fr.Schema()
	if err != nil {
		for _, b := range batches {
			b.Release()
		}
		return nil, err
	}
	return &ResultSet{Schema: schema, Batches: batches}, nil
}

func (t *Table) getInner() (*ResultSet, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == tableUninitialized && t.loadErr == nil {
		rs, err := loadResult(t.FilePath)
		if err != nil {
			t.loadErr = errs.Runtime(
				"executed query did not generate a valid output file at %s: %v", t.FilePath, err,
			)
		} else {
			t.inner = rs
			t.state = tableLoaded
		}
	}
	if t.loadErr != nil {
		return nil, t.loadErr
	}
	return t.inner, nil
}

func (t *Table) maxRows() int {
	if t.MaxDisplayRows > 0 {
		return t.MaxDisplayRows
	}
	return DefaultMaxDisplayRows
}

// truncateBatches limits the batch set to at most max rows. The bool result
// reports whether rows were dropped.
func truncateBatches(batches []arrow.Record, max int) ([]arrow.Record, bool) {
	var out []arrow.Record
	remaining := int64(max)
	truncated := false
	for _, batch := range batches {
		if remaining <= 0 {
			truncated = true
			break
		}
		if batch.NumRows() <= remaining {
			out = append(out, batch)
			remaining -= batch.NumRows()
			continue
		}
		out = append(out, batch.NewSlice(0, remaining))
		remaining = 0
		truncated = true
	}
	return out, truncated
}

func valueString(col arrow.Array, row int) string {
	if col.IsNull(row) {
		return ""
	}
	return col.ValueStr(row)
}

// ToMarkdown renders the table as a GitHub-style markdown table, truncated to
// the display row cap. Errors render inline so callers can embed the result
// in prompts without branching.
func (t *Table) ToMarkdown() string {
	rs, err := t.getInner()
	if err != nil {
		return fmt.Sprintf("Table(%s): %v", t.FilePath, err)
	}
	rows, truncated := t.to2DArrayLocked(rs)

	var sb strings.Builder
	fields := rs.Schema.Fields()
	headers := make([]string, len(fields))
	for i, f := range fields {
		headers[i] = f.Name
	}
	sb.WriteString("| " + strings.Join(headers, " | ") + " |\n")
	seps := make([]string, len(fields))
	for i := range seps {
		seps[i] = "---"
	}
	sb.WriteString("| " + strings.Join(seps, " | ") + " |\n")
	for _, row := range rows {
		sb.WriteString("| " + strings.Join(row, " | ") + " |\n")
	}
	if truncated {
		sb.WriteString(fmt.Sprintf("\n_Result truncated to %d rows._\n", t.maxRows()))
	}
	return sb.String()
}

// To2DArray converts the table to rows of display strings. The bool result
// reports whether the rows were truncated to the display cap.
func (t *Table) To2DArray() ([][]string, bool, error) {
	rs, err := t.getInner()
	if err != nil {
		return nil, false, err
	}
	rows, truncated := t.to2DArrayLocked(rs)
	return rows, truncated, nil
}

func (t *Table) to2DArrayLocked(rs *ResultSet) ([][]string, bool) {
	batches, truncated := truncateBatches(rs.Batches, t.maxRows())
	var rows [][]string
	for _, batch := range batches {
		n := int(batch.NumRows())
		for r := 0; r < n; r++ {
			row := make([]string, int(batch.NumCols()))
			for c := 0; c < int(batch.NumCols()); c++ {
				row[c] = valueString(batch.Column(c), r)
			}
			rows = append(rows, row)
		}
	}
	return rows, truncated
}

// ToJSON exports the table as a JSON-friendly map with schema metadata, the
// row count, and row data as lists.
func (t *Table) ToJSON() (map[string]any, error) {
	rs, err := t.getInner()
	if err != nil {
		return nil, err
	}
	fields := make([]map[string]any, 0, rs.Schema.NumFields())
	for _, f := range rs.Schema.Fields() {
		fields = append(fields, map[string]any{
			"name":  f.Name,
			"dtype": f.Type.String(),
		})
	}
	var data [][]any
	for _, batch := range rs.Batches {
		n := int(batch.NumRows())
		for r := 0; r < n; r++ {
			row := make([]any, int(batch.NumCols()))
			for c := 0; c < int(batch.NumCols()); c++ {
				col := batch.Column(c)
				switch {
				case col.IsNull(r):
					row[c] = nil
				default:
					row[c] = col.GetOneForMarshal(r)
				}
			}
			data = append(data, row)
		}
	}
	return map[string]any{
		"type":      "table",
		"schema":    fields,
		"row_count": rs.NumRows(),
		"data":      data,
	}, nil
}

// IntoReference converts the table into a SQL-query reference carrying the
// originating query, database, and a truncated result preview. Returns nil
// when the table has no query provenance or cannot be loaded.
func (t *Table) IntoReference() *Reference {
	if t.Reference == nil {
		return nil
	}
	rows, truncated, err := t.To2DArray()
	if err != nil {
		slog.Error("failed to load table for reference", "file_path", t.FilePath, "error", err)
		return nil
	}
	return &Reference{
		Kind: ReferenceSQLQuery,
		SQLQuery: &QueryReference{
			SQLQuery:          t.Reference.SQL,
			Database:          t.Reference.DatabaseRef,
			Result:            rows,
			IsResultTruncated: truncated,
		},
	}
}

// WriteTo materializes the loaded batches as a Parquet file at path without
// changing the table's lifecycle state. Used for cache artifacts.
func (t *Table) WriteTo(path string) error {
	rs, err := t.getInner()
	if err != nil {
		return err
	}
	return WriteResultSet(path, rs)
}

// SaveData exports the loaded batches as a Parquet file at path and marks the
// table exported. Once exported the file path is immutable.
func (t *Table) SaveData(path string) error {
	rs, err := t.getInner()
	if err != nil {
		return err
	}
	t.mu.Lock()
	if t.state == tableExported {
		t.mu.Unlock()
		return errs.Runtime("table %s already exported; file path is immutable", t.Name)
	}
	t.mu.Unlock()

	if err := WriteResultSet(path, rs); err != nil {
		return err
	}
	t.mu.Lock()
	t.state = tableExported
	t.mu.Unlock()
	slog.Debug("exported table", "path", path)
	return nil
}

// Summary produces a statistical summary of the table: numeric columns get
// count/mean/std/min/q1/median/q3/max, categorical columns get
// count/unique/most-frequent.
func (t *Table) Summary() map[string]any {
	rs, err := t.getInner()
	if err != nil {
		return map[string]any{"error": fmt.Sprintf("failed to get table data: %v", err)}
	}
	columns := make([]map[string]any, 0, rs.Schema.NumFields())
	for i, field := range rs.Schema.Fields() {
		var stats map[string]any
		if isNumeric(field.Type.ID()) {
			stats = numericStats(rs.Batches, i)
		} else {
			stats = categoricalStats(rs.Batches, i)
		}
		columns = append(columns, map[string]any{
			"name":  field.Name,
			"dtype": field.Type.String(),
			"stats": stats,
		})
	}
	return map[string]any{
		"type":          "table",
		"name":          t.Name,
		"total_rows":    rs.NumRows(),
		"total_columns": rs.Schema.NumFields(),
		"columns":       columns,
	}
}

func isNumeric(id arrow.Type) bool {
	switch id {
	case arrow.INT8, arrow.INT16, arrow.INT32, arrow.INT64,
		arrow.UINT8, arrow.UINT16, arrow.UINT32, arrow.UINT64,
		arrow.FLOAT32, arrow.FLOAT64:
		return true
	}
	return false
}

func numericValues(batches []arrow.Record, col int) ([]float64, int) {
	var values []float64
	nulls := 0
	for _, batch := range batches {
		arr := batch.Column(col)
		nulls += arr.NullN()
		for r := 0; r < arr.Len(); r++ {
			if arr.IsNull(r) {
				continue
			}
			switch a := arr.(type) {
			case *array.Int8:
				values = append(values, float64(a.Value(r)))
			case *array.Int16:
				values = append(values, float64(a.Value(r)))
			case *array.Int32:
				values = append(values, float64(a.Value(r)))
			case *array.Int64:
				values = append(values, float64(a.Value(r)))
			case *array.Uint8:
				values = append(values, float64(a.Value(r)))
			case *array.Uint16:
				values = append(values, float64(a.Value(r)))
			case *array.Uint32:
				values = append(values, float64(a.Value(r)))
			case *array.Uint64:
				values = append(values, float64(a.Value(r)))
			case *array.Float32:
				values = append(values, float64(a.Value(r)))
			case *array.Float64:
				values = append(values, a.Value(r))
			}
		}
	}
	return values, nulls
}

func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return math.NaN()
	}
	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

func numericStats(batches []arrow.Record, col int) map[string]any {
	values, nulls := numericValues(batches, col)
	if len(values) == 0 {
		return map[string]any{"count": 0, "null_count": nulls}
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))
	variance := 0.0
	for _, v := range values {
		variance += (v - mean) * (v - mean)
	}
	std := 0.0
	if len(values) > 1 {
		std = math.Sqrt(variance / float64(len(values)-1))
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	return map[string]any{
		"count":      len(values),
		"null_count": nulls,
		"mean":       mean,
		"std":        std,
		"min":        sorted[0],
		"q1":         quantile(sorted, 0.25),
		"median":     quantile(sorted, 0.5),
		"q3":         quantile(sorted, 0.75),
		"max":        sorted[len(sorted)-1],
	}
}

func categoricalStats(batches []arrow.Record, col int) map[string]any {
	counts := make(map[string]int)
	total := 0
	nulls := 0
	for _, batch := range batches {
		arr := batch.Column(col)
		nulls += arr.NullN()
		for r := 0; r < arr.Len(); r++ {
			if arr.IsNull(r) {
				continue
			}
			counts[valueString(arr, r)]++
			total++
		}
	}
	var mostFrequent string
	best := -1
	for v, c := range counts {
		if c > best || (c == best && v < mostFrequent) {
			best = c
			mostFrequent = v
		}
	}
	stats := map[string]any{
		"count":      total,
		"null_count": nulls,
		"unique":     len(counts),
	}
	if best >= 0 {
		stats["most_frequent"] = mostFrequent
		stats["most_frequent_count"] = best
	}
	return stats
}
