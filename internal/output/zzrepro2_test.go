package output

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet/file"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"
)

func TestReproStandalone2(t *testing.T) {
	schema := arrow.NewSchema([]arrow.Field{
		{Name: "id", Type: arrow.PrimitiveTypes.Int64},
		{Name: "name", Type: arrow.BinaryTypes.String},
		{Name: "amount", Type: arrow.PrimitiveTypes.Float64},
	}, nil)
	builder := array.NewRecordBuilder(memory.DefaultAllocator, schema)
	for i := 0; i < 5; i++ {
		builder.Field(0).(*array.Int64Builder).Append(int64(i + 1))
		builder.Field(1).(*array.StringBuilder).Append([]string{"alpha", "beta", "gamma"}[i%3])
		builder.Field(2).(*array.Float64Builder).Append(float64(i) * 1.5)
	}
	rec := builder.NewRecord()
	rs := &ResultSet{Schema: schema, Batches: []arrow.Record{rec}}
	path := "/tmp/repro_output_test2.parquet"
	os.Remove(path)
	err := WriteResultSet(path, rs)
	if err != nil {
		t.Fatal(err)
	}
	fi, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	fmt.Println("SIZE:", fi.Size())

	rdr, err := file.OpenParquetFile(path, false)
	if err != nil {
		t.Fatal("open:", err)
	}
	fmt.Println("numrows meta:", rdr.NumRows())
	fr, err := pqarrow.NewFileReader(rdr, pqarrow.ArrowReadProperties{BatchSize: 1024}, memory.DefaultAllocator)
	if err != nil {
		t.Fatal("newfilereader:", err)
	}
	rr, err := fr.GetRecordReader(context.Background(), nil, nil)
	if err != nil {
		t.Fatal("getrecordreader:", err)
	}
	for rr.Next() {
		fmt.Println("batch rows:", rr.Record().NumRows())
	}
	if err := rr.Err(); err != nil {
		t.Fatal("rr.Err:", err)
	}
}
