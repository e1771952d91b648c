package build

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/haasonsaas/oxide/internal/config"
	"github.com/haasonsaas/oxide/internal/semantic"
	"github.com/haasonsaas/oxide/internal/vectorstore"
)

// RoutingIndexName is the vector index holding routable project artifacts.
const RoutingIndexName = "default"

// Builder runs the incremental build: change detection, semantic
// recompilation, and selective embedding rebuilds.
type Builder struct {
	Project  *config.Project
	Store    *vectorstore.Store
	Embedder vectorstore.Embedder
}

// BuildResult reports what a build did.
type BuildResult struct {
	Detection        Result
	ViewCount        int
	TopicCount       int
	EmbeddedDocCount int
}

// Build performs an incremental build of the semantic layer and, when
// flagged, the embedding index. The manifest is written only after a
// successful build.
func (b *Builder) Build(ctx context.Context, force bool) (*BuildResult, error) {
	databases := make(map[string]string, len(b.Project.Config.Databases))
	for _, db := range b.Project.Config.Databases {
		databases[db.Name] = string(db.Type)
	}
	configHash := HashDatabaseConfig(databases)
	globalsHash, err := HashGlobals(b.Project.GlobalsPath())
	if err != nil {
		return nil, err
	}

	detector := NewDetector(b.Project.SemanticsPath(), b.Project.SemanticsTargetPath())
	detection, err := detector.DetectChanges(configHash, globalsHash, force)
	if err != nil {
		return nil, err
	}
	result := &BuildResult{Detection: detection}
	if detection.IsEmpty() {
		slog.Info("semantic layer up to date")
		return result, nil
	}

	var layer *semantic.Layer
	if detection.RequiresFullRebuild {
		layer, err = b.rebuildSemantics(databases)
		if err != nil {
			return nil, err
		}
		result.ViewCount = len(layer.Views)
		result.TopicCount = len(layer.Topics)
	}

	if detection.RequiresEmbeddingRebuild && b.Store != nil && b.Embedder != nil {
		if layer == nil {
			parsed, err := semantic.ParseLayerDir(b.Project.SemanticsPath())
			if err != nil {
				return nil, err
			}
			layer = parsed.Layer
		}
		count, err := b.rebuildEmbeddings(ctx, layer)
		if err != nil {
			return nil, err
		}
		result.EmbeddedDocCount = count
	}

	if err := detector.RecordBuild(configHash, globalsHash); err != nil {
		return nil, err
	}
	return result, nil
}

// rebuildSemantics parses the layer, translates it to the Cube IR, and
// writes the compiled artifact under the target directory.
func (b *Builder) rebuildSemantics(databases map[string]string) (*semantic.Layer, error) {
	parsed, err := semantic.ParseLayerDir(b.Project.SemanticsPath())
	if err != nil {
		return nil, err
	}
	for _, warning := range parsed.Warnings {
		slog.Warn("semantic layer warning", "warning", warning)
	}

	cubeLayer, err := semantic.Translate(parsed.Layer, databases)
	if err != nil {
		return nil, err
	}

	targetDir := b.Project.SemanticsTargetPath()
	if err := os.MkdirAll(targetDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create target directory: %w", err)
	}
	data, err := json.MarshalIndent(cubeLayer, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to serialize compiled layer: %w", err)
	}
	compiledPath := filepath.Join(targetDir, "compiled_layer.json")
	if err := os.WriteFile(compiledPath, data, 0o644); err != nil {
		return nil, fmt.Errorf("failed to write compiled layer: %w", err)
	}
	slog.Info("semantic layer compiled",
		"views", len(parsed.Layer.Views), "topics", len(parsed.Layer.Topics), "path", compiledPath)
	return parsed.Layer, nil
}

// rebuildEmbeddings reindexes the routable artifacts: agent files, workflow
// files, SQL files, and topics.
func (b *Builder) rebuildEmbeddings(ctx context.Context, layer *semantic.Layer) (int, error) {
	detector := NewDetector(b.Project.SemanticsPath(), b.Project.SemanticsTargetPath())
	files, err := detector.ScanEmbeddingFiles()
	if err != nil {
		return 0, err
	}

	var docs []vectorstore.Document
	var texts []string
	for rel := range files {
		sourceType := classifyEmbeddingSource(rel)
		content, err := os.ReadFile(filepath.Join(b.Project.Root, filepath.FromSlash(rel)))
		if err != nil {
			return 0, fmt.Errorf("failed to read %s: %w", rel, err)
		}
		docs = append(docs, vectorstore.Document{
			Content:          string(content),
			SourceType:       sourceType,
			SourceIdentifier: rel,
		})
		texts = append(texts, string(content))
	}
	for i := range layer.Topics {
		topic := &layer.Topics[i]
		docs = append(docs, vectorstore.Document{
			Content:          topic.Description,
			SourceType:       "topic",
			SourceIdentifier: filepath.Join("semantics", "topics", topic.Name+".topic.yml"),
		})
		texts = append(texts, topic.Name+": "+topic.Description)
	}
	if len(docs) == 0 {
		return 0, nil
	}

	embeddings, err := b.Embedder.Embed(ctx, texts)
	if err != nil {
		return 0, err
	}
	if err := b.Store.Drop(ctx, RoutingIndexName); err != nil {
		return 0, err
	}
	if err := b.Store.Index(ctx, RoutingIndexName, docs, embeddings); err != nil {
		return 0, err
	}
	slog.Info("embedding index rebuilt", "documents", len(docs))
	return len(docs), nil
}

func classifyEmbeddingSource(rel string) string {
	switch {
	case strings.HasSuffix(rel, ".agent.yml"):
		return "agent"
	case strings.HasSuffix(rel, ".workflow.yml"):
		return "workflow"
	case strings.HasSuffix(rel, ".topic.yml"):
		return "topic"
	case strings.HasSuffix(rel, ".sql"):
		return "sql"
	}
	return "file"
}
