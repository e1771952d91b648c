package intent

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fixedEmbedder maps known phrases onto axis-aligned vectors so clustering
// is deterministic.
type fixedEmbedder struct {
	vectors map[string][]float32
}

func (f *fixedEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if v, ok := f.vectors[text]; ok {
			out[i] = v
		} else {
			out[i] = []float32{0, 0, 1}
		}
	}
	return out, nil
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	embedder := &fixedEmbedder{vectors: map[string][]float32{
		"revenue by month":   {1, 0, 0},
		"monthly revenue":    {0.95, 0.05, 0},
		"revenue last month": {0.9, 0.1, 0},
		"active users":       {0, 1, 0},
		"weekly active":      {0.05, 0.95, 0},
	}}
	m, err := Open(filepath.Join(t.TempDir(), "intents.db"), embedder)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func TestClusterAll_GroupsSimilarQuestions(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	for _, q := range []string{
		"revenue by month", "monthly revenue", "revenue last month",
		"active users", "weekly active",
	} {
		_, err := m.Record(ctx, q)
		require.NoError(t, err)
	}

	clusters, err := m.ClusterAll(ctx)
	require.NoError(t, err)
	require.Len(t, clusters, 2)

	sizes := []int{clusters[0].Size, clusters[1].Size}
	assert.ElementsMatch(t, []int{3, 2}, sizes)
}

func TestClassify_NearestCluster(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	for _, q := range []string{"revenue by month", "monthly revenue", "active users"} {
		_, err := m.Record(ctx, q)
		require.NoError(t, err)
	}
	_, err := m.ClusterAll(ctx)
	require.NoError(t, err)

	result, err := m.Classify(ctx, "revenue last month")
	require.NoError(t, err)
	assert.False(t, result.IsOutlier)
	assert.Contains(t, result.Label, "revenue")
}

func TestClassify_OutlierBeyondThreshold(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	_, err := m.Record(ctx, "revenue by month")
	require.NoError(t, err)
	_, err = m.ClusterAll(ctx)
	require.NoError(t, err)

	// The default vector is orthogonal to every cluster centroid.
	result, err := m.Classify(ctx, "something unrelated")
	require.NoError(t, err)
	assert.True(t, result.IsOutlier)
}

func TestAnalytics(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	for _, q := range []string{"revenue by month", "active users"} {
		_, err := m.Record(ctx, q)
		require.NoError(t, err)
	}
	_, err := m.ClusterAll(ctx)
	require.NoError(t, err)

	a, err := m.Analytics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, a.TotalQuestions)
	assert.Equal(t, 2, a.TotalClusters)
	assert.Zero(t, a.Pending)
}

func TestRecord_EmptyQuestionFails(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Record(context.Background(), "")
	require.Error(t, err)
}

func TestTest_ReportsMissingEmbedder(t *testing.T) {
	m, err := Open(filepath.Join(t.TempDir(), "intents.db"), nil)
	require.NoError(t, err)
	defer m.Close()
	require.Error(t, m.Test(context.Background()))
}
