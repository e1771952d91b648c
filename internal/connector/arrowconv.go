package connector

import (
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/haasonsaas/oxide/internal/errs"
	"github.com/haasonsaas/oxide/internal/output"
)

// rowsToResultSet drains a database/sql result into one arrow batch, with the
// schema inferred from the first row. Drivers that hand back typed values
// (int64, float64, bool, time.Time) keep their types; everything else
// normalizes to strings.
func rowsToResultSet(rows *sql.Rows) (*output.ResultSet, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	if len(cols) == 0 {
		return nil, errs.DB("Empty result")
	}

	var data [][]any
	for rows.Next() {
		cells := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range cells {
			ptrs[i] = &cells[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		data = append(data, cells)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ColumnsToResultSet(cols, data)
}

// ColumnsToResultSet builds a single-batch result set from row-major values.
// Exposed for adapters that receive rows outside database/sql (BigQuery,
// Omni).
func ColumnsToResultSet(cols []string, data [][]any) (*output.ResultSet, error) {
	fields := make([]arrow.Field, len(cols))
	for i, name := range cols {
		fields[i] = arrow.Field{Name: name, Type: inferColumnType(data, i), Nullable: true}
	}
	schema := arrow.NewSchema(fields, nil)

	pool := memory.DefaultAllocator
	builder := array.NewRecordBuilder(pool, schema)
	defer builder.Release()

	for _, row := range data {
		for c, cell := range row {
			if err := appendCell(builder.Field(c), fields[c].Type, cell); err != nil {
				return nil, fmt.Errorf("column %s: %w", cols[c], err)
			}
		}
	}
	rec := builder.NewRecord()
	return &output.ResultSet{Schema: schema, Batches: []arrow.Record{rec}}, nil
}

func inferColumnType(data [][]any, col int) arrow.DataType {
	for _, row := range data {
		switch row[col].(type) {
		case nil:
			continue
		case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
			return arrow.PrimitiveTypes.Int64
		case float32, float64:
			return arrow.PrimitiveTypes.Float64
		case bool:
			return arrow.FixedWidthTypes.Boolean
		case time.Time:
			return arrow.FixedWidthTypes.Timestamp_us
		default:
			return arrow.BinaryTypes.String
		}
	}
	return arrow.BinaryTypes.String
}

func appendCell(b array.Builder, dtype arrow.DataType, cell any) error {
	if cell == nil {
		b.AppendNull()
		return nil
	}
	switch builder := b.(type) {
	case *array.Int64Builder:
		v, err := toInt64(cell)
		if err != nil {
			return err
		}
		builder.Append(v)
	case *array.Float64Builder:
		v, err := toFloat64(cell)
		if err != nil {
			return err
		}
		builder.Append(v)
	case *array.BooleanBuilder:
		v, ok := cell.(bool)
		if !ok {
			return fmt.Errorf("expected bool, got %T", cell)
		}
		builder.Append(v)
	case *array.TimestampBuilder:
		t, ok := cell.(time.Time)
		if !ok {
			return fmt.Errorf("expected time.Time, got %T", cell)
		}
		builder.Append(arrow.Timestamp(t.UTC().UnixMicro()))
	case *array.StringBuilder:
		builder.Append(toString(cell))
	default:
		return fmt.Errorf("unsupported builder %T", b)
	}
	return nil
}

func toInt64(cell any) (int64, error) {
	switch v := cell.(type) {
	case int:
		return int64(v), nil
	case int8:
		return int64(v), nil
	case int16:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case int64:
		return v, nil
	case uint:
		return int64(v), nil
	case uint8:
		return int64(v), nil
	case uint16:
		return int64(v), nil
	case uint32:
		return int64(v), nil
	case uint64:
		return int64(v), nil
	case []byte:
		return strconv.ParseInt(string(v), 10, 64)
	case string:
		return strconv.ParseInt(v, 10, 64)
	}
	return 0, fmt.Errorf("expected integer, got %T", cell)
}

func toFloat64(cell any) (float64, error) {
	switch v := cell.(type) {
	case float32:
		return float64(v), nil
	case float64:
		return v, nil
	case int64:
		return float64(v), nil
	case []byte:
		return strconv.ParseFloat(string(v), 64)
	case string:
		return strconv.ParseFloat(v, 64)
	}
	return 0, fmt.Errorf("expected float, got %T", cell)
}

func toString(cell any) string {
	switch v := cell.(type) {
	case string:
		return v
	case []byte:
		return string(v)
	case time.Time:
		return v.UTC().Format(time.RFC3339Nano)
	default:
		return fmt.Sprint(v)
	}
}
