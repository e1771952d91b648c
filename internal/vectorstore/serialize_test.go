package vectorstore

import (
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleDocs() []Document {
	return []Document{
		{
			Content:          "first doc",
			SourceType:       "agent",
			SourceIdentifier: "analyst.agent.yml",
			RetrievalInclusions: []RetrievalContent{
				{EmbeddingContent: "include me", Embeddings: []float32{0.1, 0.2, 0.3}},
			},
			InclusionMidpoint: []float32{0.5, 0.5, 0.5},
			InclusionRadius:   0.4,
		},
		{
			Content:          "second doc",
			SourceType:       "sql::warehouse",
			SourceIdentifier: "q.sql",
		},
	}
}

// withDistance appends a _distance column so the batch looks like a search
// result.
func withDistance(t *testing.T, rec arrow.Record, distances []float32, nulls []bool) arrow.Record {
	t.Helper()
	builder := array.NewFloat32Builder(memory.DefaultAllocator)
	defer builder.Release()
	for i, d := range distances {
		if nulls != nil && nulls[i] {
			builder.AppendNull()
		} else {
			builder.Append(d)
		}
	}
	distanceArr := builder.NewArray()

	fields := append(rec.Schema().Fields(), arrow.Field{
		Name: colDistance, Type: arrow.PrimitiveTypes.Float32, Nullable: true,
	})
	cols := make([]arrow.Array, 0, rec.NumCols()+1)
	for i := 0; i < int(rec.NumCols()); i++ {
		cols = append(cols, rec.Column(i))
	}
	cols = append(cols, distanceArr)
	return array.NewRecord(arrow.NewSchema(fields, nil), cols, rec.NumRows())
}

func TestSerializeDeserialize_RoundTrip(t *testing.T) {
	docs := sampleDocs()
	rec, err := SerializeDocuments(docs, 3)
	require.NoError(t, err)
	defer rec.Release()

	searchRec := withDistance(t, rec, []float32{0.1, 0.3}, nil)
	records, err := DeserializeSearchRecords(searchRec)
	require.NoError(t, err)
	require.Len(t, records, 2)

	first := records[0]
	assert.Equal(t, "first doc", first.Document.Content)
	assert.Equal(t, "agent", first.Document.SourceType)
	require.Len(t, first.Document.RetrievalInclusions, 1)
	assert.Equal(t, "include me", first.Document.RetrievalInclusions[0].EmbeddingContent)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, first.Document.RetrievalInclusions[0].Embeddings)
	assert.Equal(t, []float32{0.5, 0.5, 0.5}, first.Document.InclusionMidpoint)
	assert.Equal(t, float32(0.4), first.Document.InclusionRadius)
	assert.Equal(t, float32(0.1), first.Distance)
	assert.Nil(t, first.Score)

	second := records[1]
	assert.Empty(t, second.Document.RetrievalInclusions)
	assert.Equal(t, DefaultInclusionRadius, second.Document.InclusionRadius,
		"missing radius defaults")
	assert.Empty(t, second.Document.InclusionMidpoint, "missing midpoint defaults to empty")
}

func TestDeserialize_MissingDistanceIsHardError(t *testing.T) {
	rec, err := SerializeDocuments(sampleDocs(), 3)
	require.NoError(t, err)
	defer rec.Release()

	_, err = DeserializeSearchRecords(rec)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "_distance")
}

func TestDeserialize_NullDistanceIsHardError(t *testing.T) {
	rec, err := SerializeDocuments(sampleDocs(), 3)
	require.NoError(t, err)
	defer rec.Release()

	searchRec := withDistance(t, rec, []float32{0.1, 0}, []bool{false, true})
	_, err = DeserializeSearchRecords(searchRec)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "null distance")
}

func TestSerialize_EmbeddingDimensionValidated(t *testing.T) {
	docs := []Document{{
		Content: "bad", SourceType: "s", SourceIdentifier: "i",
		RetrievalInclusions: []RetrievalContent{
			{EmbeddingContent: "x", Embeddings: []float32{0.1}},
		},
	}}
	_, err := SerializeDocuments(docs, 3)
	require.Error(t, err)
}
