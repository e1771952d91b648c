package build

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	root        string
	semanticDir string
	targetDir   string
	detector    *Detector
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	semanticDir := filepath.Join(root, "semantics")
	targetDir := filepath.Join(root, ".semantics")
	require.NoError(t, os.MkdirAll(filepath.Join(semanticDir, "views"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(semanticDir, "topics"), 0o755))
	require.NoError(t, os.MkdirAll(targetDir, 0o755))
	return &fixture{
		root:        root,
		semanticDir: semanticDir,
		targetDir:   targetDir,
		detector:    NewDetector(semanticDir, targetDir),
	}
}

func (f *fixture) write(t *testing.T, rel, content string) {
	t.Helper()
	path := filepath.Join(f.root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestDetectChanges_Force(t *testing.T) {
	f := newFixture(t)
	result, err := f.detector.DetectChanges("config", "globals", true)
	require.NoError(t, err)
	assert.True(t, result.RequiresFullRebuild)
	assert.Equal(t, ReasonForced, result.FullRebuildReason)
	assert.True(t, result.RequiresEmbeddingRebuild)
}

func TestDetectChanges_ForceRecoversFromCorruptManifest(t *testing.T) {
	f := newFixture(t)
	f.write(t, ".semantics/"+ManifestFileName, "{not json")
	result, err := f.detector.DetectChanges("config", "globals", true)
	require.NoError(t, err)
	assert.True(t, result.RequiresFullRebuild)
}

func TestDetectChanges_NoManifest(t *testing.T) {
	f := newFixture(t)
	result, err := f.detector.DetectChanges("config", "globals", false)
	require.NoError(t, err)
	assert.True(t, result.RequiresFullRebuild)
	assert.Equal(t, ReasonNoManifest, result.FullRebuildReason)
	assert.True(t, result.RequiresEmbeddingRebuild)
}

func TestDetectChanges_GlobalsChanged(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.detector.RecordBuild("config", "old-globals"))
	result, err := f.detector.DetectChanges("config", "new-globals", false)
	require.NoError(t, err)
	assert.True(t, result.RequiresFullRebuild)
	assert.Equal(t, ReasonGlobalsChanged, result.FullRebuildReason)
}

func TestDetectChanges_ConfigChanged(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.detector.RecordBuild("old-config", "globals"))
	result, err := f.detector.DetectChanges("new-config", "globals", false)
	require.NoError(t, err)
	assert.True(t, result.RequiresFullRebuild)
	assert.Equal(t, ReasonConfigChanged, result.FullRebuildReason)
}

func TestDetectChanges_ViewTouched(t *testing.T) {
	f := newFixture(t)
	f.write(t, "semantics/views/orders.view.yml", "name: orders\n")
	require.NoError(t, f.detector.RecordBuild("config", "globals"))

	f.write(t, "semantics/views/orders.view.yml", "name: orders\ndescription: changed\n")
	result, err := f.detector.DetectChanges("config", "globals", false)
	require.NoError(t, err)
	assert.True(t, result.RequiresFullRebuild)
	assert.Equal(t, ReasonFilesChanged, result.FullRebuildReason)
	assert.False(t, result.RequiresEmbeddingRebuild,
		"no embedding sources changed alongside the view")
}

func TestDetectChanges_ViewAndEmbeddingTouched(t *testing.T) {
	f := newFixture(t)
	f.write(t, "semantics/views/orders.view.yml", "name: orders\n")
	f.write(t, "queries/report.sql", "SELECT 1")
	require.NoError(t, f.detector.RecordBuild("config", "globals"))

	f.write(t, "semantics/views/orders.view.yml", "name: orders\ndescription: changed\n")
	f.write(t, "queries/report.sql", "SELECT 2")
	result, err := f.detector.DetectChanges("config", "globals", false)
	require.NoError(t, err)
	assert.True(t, result.RequiresFullRebuild)
	assert.True(t, result.RequiresEmbeddingRebuild)
}

func TestDetectChanges_ViewDeleted(t *testing.T) {
	f := newFixture(t)
	f.write(t, "semantics/views/orders.view.yml", "name: orders\n")
	require.NoError(t, f.detector.RecordBuild("config", "globals"))

	require.NoError(t, os.Remove(filepath.Join(f.semanticDir, "views", "orders.view.yml")))
	result, err := f.detector.DetectChanges("config", "globals", false)
	require.NoError(t, err)
	assert.True(t, result.RequiresFullRebuild)
}

func TestDetectChanges_EmbeddingOnlyChange(t *testing.T) {
	f := newFixture(t)
	f.write(t, "semantics/views/orders.view.yml", "name: orders\n")
	f.write(t, "analyst.agent.yml", "name: analyst\nmodel: gpt\n")
	require.NoError(t, f.detector.RecordBuild("config", "globals"))

	f.write(t, "analyst.agent.yml", "name: analyst\nmodel: gpt\ndescription: d\n")
	result, err := f.detector.DetectChanges("config", "globals", false)
	require.NoError(t, err)
	assert.False(t, result.RequiresFullRebuild)
	assert.True(t, result.RequiresEmbeddingRebuild)
}

// Running detection twice after a build is deterministic and idempotent:
// the second pass sees no changes.
func TestDetectChanges_IdempotentAfterBuild(t *testing.T) {
	f := newFixture(t)
	f.write(t, "semantics/views/orders.view.yml", "name: orders\n")
	f.write(t, "semantics/topics/sales.topic.yml", "name: sales\nviews: [orders]\n")
	f.write(t, "queries/report.sql", "SELECT 1")
	require.NoError(t, f.detector.RecordBuild("config", "globals"))

	for i := 0; i < 2; i++ {
		result, err := f.detector.DetectChanges("config", "globals", false)
		require.NoError(t, err)
		assert.False(t, result.RequiresFullRebuild, "pass %d", i)
		assert.False(t, result.RequiresEmbeddingRebuild, "pass %d", i)
		assert.True(t, result.IsEmpty())
	}
}

func TestScanEmbeddingFiles_SkipsIgnoredDirs(t *testing.T) {
	f := newFixture(t)
	f.write(t, "queries/report.sql", "SELECT 1")
	f.write(t, "node_modules/dep/index.sql", "SELECT 2")
	f.write(t, "target/out.sql", "SELECT 3")
	f.write(t, ".hidden/secret.sql", "SELECT 4")

	files, err := f.detector.ScanEmbeddingFiles()
	require.NoError(t, err)
	assert.Contains(t, files, "queries/report.sql")
	assert.NotContains(t, files, "node_modules/dep/index.sql")
	assert.NotContains(t, files, "target/out.sql")
	assert.NotContains(t, files, ".hidden/secret.sql")
}

func TestManifest_SaveAndLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ManifestFileName)

	manifest := NewManifest()
	manifest.GlobalsHash = "g"
	manifest.ConfigHash = "c"
	manifest.FileHashes["views/a.view.yml"] = "h1"
	manifest.EmbeddingFileHashes["q.sql"] = "h2"
	require.NoError(t, manifest.Save(path))

	loaded, err := LoadManifest(path)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, manifest.GlobalsHash, loaded.GlobalsHash)
	assert.Equal(t, manifest.FileHashes, loaded.FileHashes)
	assert.Equal(t, manifest.EmbeddingFileHashes, loaded.EmbeddingFileHashes)
}

func TestLoadManifest_MissingReturnsNil(t *testing.T) {
	loaded, err := LoadManifest(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestHashDatabaseConfig_Deterministic(t *testing.T) {
	a := HashDatabaseConfig(map[string]string{"db1": "postgres", "db2": "duckdb"})
	b := HashDatabaseConfig(map[string]string{"db2": "duckdb", "db1": "postgres"})
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)

	c := HashDatabaseConfig(map[string]string{"db1": "postgres"})
	assert.NotEqual(t, a, c)
}

func TestHashGlobals(t *testing.T) {
	dir := t.TempDir()
	hash, err := HashGlobals(dir)
	require.NoError(t, err)
	assert.Empty(t, hash)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "semantics.yml"), []byte("a: 1"), 0o644))
	hash2, err := HashGlobals(dir)
	require.NoError(t, err)
	assert.Len(t, hash2, 64)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "semantics.yml"), []byte("a: 2"), 0o644))
	hash3, err := HashGlobals(dir)
	require.NoError(t, err)
	assert.NotEqual(t, hash2, hash3)
}
