package runs

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "runs.db"), "proj", "main")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestNewRun_IndexesIncrement(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	first, err := store.NewRun(ctx, "report.workflow.yml", nil)
	require.NoError(t, err)
	require.NotNil(t, first.RunIndex)
	assert.Equal(t, 1, *first.RunIndex)
	assert.Equal(t, StatusPending, first.Status)

	second, err := store.NewRun(ctx, "report.workflow.yml", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, *second.RunIndex)

	// A different source starts from 1 again.
	other, err := store.NewRun(ctx, "other.workflow.yml", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, *other.RunIndex)
}

func TestNewRun_ConcurrentAllocationsAreUnique(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	const n = 8
	indexes := make([]int, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			info, err := store.NewRun(ctx, "concurrent", nil)
			if err != nil {
				t.Error(err)
				return
			}
			indexes[slot] = *info.RunIndex
		}(i)
	}
	wg.Wait()

	seen := make(map[int]bool, n)
	for _, idx := range indexes {
		assert.False(t, seen[idx], "run index %d allocated twice", idx)
		seen[idx] = true
	}
}

func TestNewRun_RootReference(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	rootIdx := 3
	info, err := store.NewRun(ctx, "replayed", &RootReference{
		SourceID: "origin", RunIndex: &rootIdx, ReplayRef: "block-7",
	})
	require.NoError(t, err)

	found, err := store.FindRunDetails(ctx, "replayed", info.RunIndex)
	require.NoError(t, err)
	require.NotNil(t, found.RootRef)
	assert.Equal(t, "origin", found.RootRef.SourceID)
	assert.Equal(t, 3, *found.RootRef.RunIndex)
	assert.Equal(t, "block-7", found.RootRef.ReplayRef)
}

func TestUpsertRun_StatusDerivation(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	info, err := store.NewRun(ctx, "wf", nil)
	require.NoError(t, err)

	// Pending: no blocks, no error.
	details, err := store.FindRunDetails(ctx, "wf", info.RunIndex)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, details.Status)

	// Completed: blocks present, no error.
	blocks, _ := json.Marshal([]string{"b1"})
	require.NoError(t, store.UpsertRun(ctx, Group{
		SourceID: "wf", RunIndex: info.RunIndex, Blocks: blocks,
	}))
	details, err = store.FindRunDetails(ctx, "wf", info.RunIndex)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, details.Status)

	// Failed: error present wins.
	msg := "boom"
	require.NoError(t, store.UpsertRun(ctx, Group{
		SourceID: "wf", RunIndex: info.RunIndex, Error: &msg,
	}))
	details, err = store.FindRunDetails(ctx, "wf", info.RunIndex)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, details.Status)
}

func TestUpsertRun_InsertsArtifactRunsWithoutIndex(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	blocks, _ := json.Marshal([]string{"a"})
	require.NoError(t, store.UpsertRun(ctx, Group{SourceID: "artifact-1", Blocks: blocks}))

	details, err := store.FindRunDetails(ctx, "artifact-1", nil)
	require.NoError(t, err)
	require.NotNil(t, details)
	assert.Nil(t, details.RunIndex)
	assert.Equal(t, StatusCompleted, details.Status)
}

func TestFindRun_MissingReturnsNil(t *testing.T) {
	store := openTestStore(t)
	info, err := store.FindRun(context.Background(), "absent", nil)
	require.NoError(t, err)
	assert.Nil(t, info)
}

func TestLastRun(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	last, err := store.LastRun(ctx, "wf")
	require.NoError(t, err)
	assert.Nil(t, last)

	_, err = store.NewRun(ctx, "wf", nil)
	require.NoError(t, err)
	_, err = store.NewRun(ctx, "wf", nil)
	require.NoError(t, err)

	last, err = store.LastRun(ctx, "wf")
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, 2, *last.RunIndex)
}

func TestListRuns_Pagination(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := store.NewRun(ctx, "wf", nil)
		require.NoError(t, err)
	}

	page, err := store.ListRuns(ctx, "wf", Pagination{Page: 1, Size: 2})
	require.NoError(t, err)
	assert.Equal(t, 5, page.Total)
	require.Len(t, page.Items, 2)
	assert.Equal(t, 5, *page.Items[0].RunIndex, "newest first")

	page3, err := store.ListRuns(ctx, "wf", Pagination{Page: 3, Size: 2})
	require.NoError(t, err)
	require.Len(t, page3.Items, 1)
	assert.Equal(t, 1, *page3.Items[0].RunIndex)
}
