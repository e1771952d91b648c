package vectorstore

import (
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/haasonsaas/oxide/internal/errs"
)

// Column names of the retrieval exchange format.
const (
	colContent          = "content"
	colSourceType       = "source_type"
	colSourceIdentifier = "source_identifier"
	colInclusions       = "retrieval_inclusions"
	colExclusions       = "retrieval_exclusions"
	colMidpoint         = "inclusion_midpoint"
	colRadius           = "inclusion_radius"
	colDistance         = "_distance"
	colScore            = "_score"
)

func retrievalContentType(nDims int) *arrow.StructType {
	return arrow.StructOf(
		arrow.Field{Name: "embedding_content", Type: arrow.BinaryTypes.String},
		arrow.Field{Name: "embeddings", Type: arrow.FixedSizeListOf(int32(nDims), arrow.PrimitiveTypes.Float32)},
	)
}

// DocumentSchema returns the Arrow schema of serialized documents.
func DocumentSchema(nDims int) *arrow.Schema {
	content := retrievalContentType(nDims)
	return arrow.NewSchema([]arrow.Field{
		{Name: colContent, Type: arrow.BinaryTypes.String},
		{Name: colSourceType, Type: arrow.BinaryTypes.String},
		{Name: colSourceIdentifier, Type: arrow.BinaryTypes.String},
		{Name: colInclusions, Type: arrow.ListOf(content), Nullable: true},
		{Name: colExclusions, Type: arrow.ListOf(content), Nullable: true},
		{Name: colMidpoint, Type: arrow.FixedSizeListOf(int32(nDims), arrow.PrimitiveTypes.Float32), Nullable: true},
		{Name: colRadius, Type: arrow.PrimitiveTypes.Float32, Nullable: true},
	}, nil)
}

// SerializeDocuments encodes documents as one Arrow record batch.
func SerializeDocuments(docs []Document, nDims int) (arrow.Record, error) {
	schema := DocumentSchema(nDims)
	builder := array.NewRecordBuilder(memory.DefaultAllocator, schema)
	defer builder.Release()

	contentB := builder.Field(0).(*array.StringBuilder)
	sourceTypeB := builder.Field(1).(*array.StringBuilder)
	sourceIDB := builder.Field(2).(*array.StringBuilder)
	inclusionsB := builder.Field(3).(*array.ListBuilder)
	exclusionsB := builder.Field(4).(*array.ListBuilder)
	midpointB := builder.Field(5).(*array.FixedSizeListBuilder)
	radiusB := builder.Field(6).(*array.Float32Builder)

	for i := range docs {
		doc := &docs[i]
		contentB.Append(doc.Content)
		sourceTypeB.Append(doc.SourceType)
		sourceIDB.Append(doc.SourceIdentifier)

		if err := appendRetrievalContents(inclusionsB, doc.RetrievalInclusions, nDims); err != nil {
			return nil, err
		}
		if err := appendRetrievalContents(exclusionsB, doc.RetrievalExclusions, nDims); err != nil {
			return nil, err
		}

		if len(doc.InclusionMidpoint) == 0 {
			midpointB.AppendNull()
		} else if len(doc.InclusionMidpoint) != nDims {
			return nil, errs.Runtime("midpoint for %q has dimension %d, want %d",
				doc.SourceIdentifier, len(doc.InclusionMidpoint), nDims)
		} else {
			midpointB.Append(true)
			values := midpointB.ValueBuilder().(*array.Float32Builder)
			for _, v := range doc.InclusionMidpoint {
				values.Append(v)
			}
		}

		if doc.InclusionRadius == 0 {
			radiusB.AppendNull()
		} else {
			radiusB.Append(doc.InclusionRadius)
		}
	}
	return builder.NewRecord(), nil
}

func appendRetrievalContents(lb *array.ListBuilder, contents []RetrievalContent, nDims int) error {
	if contents == nil {
		lb.AppendNull()
		return nil
	}
	lb.Append(true)
	sb := lb.ValueBuilder().(*array.StructBuilder)
	for _, content := range contents {
		if len(content.Embeddings) != nDims {
			return errs.Runtime("retrieval content embedding has dimension %d, want %d",
				len(content.Embeddings), nDims)
		}
		sb.Append(true)
		sb.FieldBuilder(0).(*array.StringBuilder).Append(content.EmbeddingContent)
		fsl := sb.FieldBuilder(1).(*array.FixedSizeListBuilder)
		fsl.Append(true)
		values := fsl.ValueBuilder().(*array.Float32Builder)
		for _, v := range content.Embeddings {
			values.Append(v)
		}
	}
	return nil
}

// DeserializeSearchRecords decodes a search result batch. A missing or null
// _distance is a hard error: vector search always produces one. _score is
// optional and applies only to full-text search.
func DeserializeSearchRecords(rec arrow.Record) ([]SearchRecord, error) {
	contentArr, err := stringColumn(rec, colContent)
	if err != nil {
		return nil, err
	}
	sourceTypeArr, err := stringColumn(rec, colSourceType)
	if err != nil {
		return nil, err
	}
	sourceIDArr, err := stringColumn(rec, colSourceIdentifier)
	if err != nil {
		return nil, err
	}
	inclusionsArr := listColumn(rec, colInclusions)
	exclusionsArr := listColumn(rec, colExclusions)
	midpointArr := fixedSizeListColumn(rec, colMidpoint)
	radiusArr := float32Column(rec, colRadius)
	distanceArr := float32Column(rec, colDistance)
	scoreArr := float32Column(rec, colScore)
	if scoreArr == nil {
		scoreArr = float32Column(rec, "score")
	}

	n := int(rec.NumRows())
	records := make([]SearchRecord, 0, n)
	for i := 0; i < n; i++ {
		doc := Document{
			Content:          contentArr.Value(i),
			SourceType:       sourceTypeArr.Value(i),
			SourceIdentifier: sourceIDArr.Value(i),
			InclusionRadius:  DefaultInclusionRadius,
		}
		if inclusionsArr != nil {
			doc.RetrievalInclusions, err = parseRetrievalContents(inclusionsArr, i)
			if err != nil {
				return nil, err
			}
		}
		if exclusionsArr != nil {
			doc.RetrievalExclusions, err = parseRetrievalContents(exclusionsArr, i)
			if err != nil {
				return nil, err
			}
		}
		if midpointArr != nil && !midpointArr.IsNull(i) {
			doc.InclusionMidpoint = float32ListValue(midpointArr, i)
		}
		if radiusArr != nil && !radiusArr.IsNull(i) {
			doc.InclusionRadius = radiusArr.Value(i)
		}

		if distanceArr == nil {
			return nil, errs.Runtime("missing distance (_distance) column in search results")
		}
		if distanceArr.IsNull(i) {
			return nil, errs.Runtime("null distance for document %q", doc.SourceIdentifier)
		}

		record := SearchRecord{Document: doc, Distance: distanceArr.Value(i)}
		if scoreArr != nil && !scoreArr.IsNull(i) {
			score := scoreArr.Value(i)
			record.Score = &score
		}
		records = append(records, record)
	}
	return records, nil
}

func parseRetrievalContents(list *array.List, row int) ([]RetrievalContent, error) {
	if list.IsNull(row) {
		return nil, nil
	}
	start, end := list.ValueOffsets(row)
	structs, ok := list.ListValues().(*array.Struct)
	if !ok {
		return nil, errs.Runtime("retrieval content list is not a struct array")
	}
	contentArr, ok := structs.Field(0).(*array.String)
	if !ok {
		return nil, errs.Runtime("embedding_content is not a string array")
	}
	embeddingsArr, ok := structs.Field(1).(*array.FixedSizeList)
	if !ok {
		return nil, errs.Runtime("embeddings is not a fixed size list array")
	}

	var out []RetrievalContent
	for i := int(start); i < int(end); i++ {
		if contentArr.IsNull(i) || embeddingsArr.IsNull(i) {
			continue
		}
		out = append(out, RetrievalContent{
			EmbeddingContent: contentArr.Value(i),
			Embeddings:       float32ListValue(embeddingsArr, i),
		})
	}
	return out, nil
}

func float32ListValue(list *array.FixedSizeList, row int) []float32 {
	values, ok := list.ListValues().(*array.Float32)
	if !ok {
		return nil
	}
	width := int(list.DataType().(*arrow.FixedSizeListType).Len())
	start := row * width
	out := make([]float32, width)
	for i := 0; i < width; i++ {
		out[i] = values.Value(start + i)
	}
	return out
}

func stringColumn(rec arrow.Record, name string) (*array.String, error) {
	idx := rec.Schema().FieldIndices(name)
	if len(idx) == 0 {
		return nil, errs.Runtime("missing %s column", name)
	}
	arr, ok := rec.Column(idx[0]).(*array.String)
	if !ok {
		return nil, errs.Runtime("%s column is not a string array", name)
	}
	return arr, nil
}

func listColumn(rec arrow.Record, name string) *array.List {
	idx := rec.Schema().FieldIndices(name)
	if len(idx) == 0 {
		return nil
	}
	arr, _ := rec.Column(idx[0]).(*array.List)
	return arr
}

func fixedSizeListColumn(rec arrow.Record, name string) *array.FixedSizeList {
	idx := rec.Schema().FieldIndices(name)
	if len(idx) == 0 {
		return nil
	}
	arr, _ := rec.Column(idx[0]).(*array.FixedSizeList)
	return arr
}

func float32Column(rec arrow.Record, name string) *array.Float32 {
	idx := rec.Schema().FieldIndices(name)
	if len(idx) == 0 {
		return nil
	}
	arr, _ := rec.Column(idx[0]).(*array.Float32)
	return arr
}
