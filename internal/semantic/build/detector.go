package build

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Rebuild reasons reported in detection results.
const (
	ReasonForced         = "Forced rebuild (--force flag)"
	ReasonNoManifest     = "No previous manifest found"
	ReasonGlobalsChanged = "Globals changed"
	ReasonConfigChanged  = "Database configuration changed"
	ReasonFilesChanged   = "Semantic layer files changed"
)

// Result describes what a build needs to redo.
type Result struct {
	RequiresFullRebuild      bool
	FullRebuildReason        string
	RequiresEmbeddingRebuild bool
}

// IsEmpty reports whether nothing needs rebuilding.
func (r Result) IsEmpty() bool {
	return !r.RequiresFullRebuild && !r.RequiresEmbeddingRebuild
}

// embeddingPatterns are the sources whose changes require re-embedding.
var embeddingPatterns = []string{"**/*.agent.yml", "**/*.workflow.yml", "**/*.sql"}

// skippedDirs are never traversed while scanning embedding sources.
var skippedDirs = map[string]bool{
	"node_modules": true,
	"target":       true,
	"dist":         true,
	"build":        true,
}

// Detector performs hash-based change detection between the current tree and
// the last build manifest.
type Detector struct {
	// SemanticDir is the semantic layer source directory (semantics/).
	SemanticDir string
	// TargetDir is the derived-artifact directory (.semantics/).
	TargetDir string
}

// NewDetector creates a detector over the given directories.
func NewDetector(semanticDir, targetDir string) *Detector {
	return &Detector{SemanticDir: semanticDir, TargetDir: targetDir}
}

// DetectChanges decides what to rebuild. Precedence: force (before loading
// the manifest, so --force recovers from corruption), missing manifest,
// globals hash, config hash, then per-file hash comparison. Semantic file
// changes trigger a full semantic rebuild; embedding-source changes flag an
// embedding rebuild independently.
func (d *Detector) DetectChanges(configHash, globalsHash string, force bool) (Result, error) {
	if force {
		return Result{
			RequiresFullRebuild:      true,
			FullRebuildReason:        ReasonForced,
			RequiresEmbeddingRebuild: true,
		}, nil
	}

	manifest, err := LoadManifest(filepath.Join(d.TargetDir, ManifestFileName))
	if err != nil {
		return Result{}, err
	}
	if manifest == nil {
		return Result{
			RequiresFullRebuild:      true,
			FullRebuildReason:        ReasonNoManifest,
			RequiresEmbeddingRebuild: true,
		}, nil
	}
	if manifest.GlobalsHash != globalsHash {
		return Result{
			RequiresFullRebuild:      true,
			FullRebuildReason:        ReasonGlobalsChanged,
			RequiresEmbeddingRebuild: true,
		}, nil
	}
	if manifest.ConfigHash != configHash {
		return Result{
			RequiresFullRebuild:      true,
			FullRebuildReason:        ReasonConfigChanged,
			RequiresEmbeddingRebuild: true,
		}, nil
	}

	currentFiles, err := d.ScanSemanticFiles()
	if err != nil {
		return Result{}, err
	}
	semanticChanged := hashesDiffer(manifest.FileHashes, currentFiles)

	embeddingFiles, err := d.ScanEmbeddingFiles()
	if err != nil {
		return Result{}, err
	}
	embeddingChanged := hashesDiffer(manifest.EmbeddingFileHashes, embeddingFiles)

	if semanticChanged {
		return Result{
			RequiresFullRebuild:      true,
			FullRebuildReason:        ReasonFilesChanged,
			RequiresEmbeddingRebuild: embeddingChanged,
		}, nil
	}
	return Result{RequiresEmbeddingRebuild: embeddingChanged}, nil
}

// hashesDiffer reports whether any file was added, modified, or deleted.
func hashesDiffer(previous, current map[string]string) bool {
	for path, hash := range current {
		if prev, ok := previous[path]; !ok || prev != hash {
			return true
		}
	}
	for path := range previous {
		if _, ok := current[path]; !ok {
			return true
		}
	}
	return false
}

// ScanSemanticFiles hashes semantics/{views,topics} sources, keyed by path
// relative to the semantic directory.
func (d *Detector) ScanSemanticFiles() (map[string]string, error) {
	hashes := make(map[string]string)
	for subdir, suffix := range map[string]string{"views": ".view.yml", "topics": ".topic.yml"} {
		dir := filepath.Join(d.SemanticDir, subdir)
		if _, err := os.Stat(dir); err != nil {
			continue
		}
		err := filepath.WalkDir(dir, func(path string, entry fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), suffix) {
				return nil
			}
			hash, err := HashFile(path)
			if err != nil {
				return err
			}
			rel, err := filepath.Rel(d.SemanticDir, path)
			if err != nil {
				rel = path
			}
			hashes[filepath.ToSlash(rel)] = hash
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", dir, err)
		}
	}
	return hashes, nil
}

// ScanEmbeddingFiles hashes the embedding sources under the project root:
// agent files, workflow files, SQL files, and topics. Hidden directories and
// the usual build-output directories are skipped.
func (d *Detector) ScanEmbeddingFiles() (map[string]string, error) {
	projectRoot := filepath.Dir(d.TargetDir)
	hashes := make(map[string]string)

	err := filepath.WalkDir(projectRoot, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := entry.Name()
		if entry.IsDir() {
			if path == projectRoot {
				return nil
			}
			if strings.HasPrefix(name, ".") || skippedDirs[name] {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(projectRoot, path)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		for _, pattern := range embeddingPatterns {
			ok, err := doublestar.Match(pattern, rel)
			if err != nil {
				return err
			}
			if ok {
				hash, err := HashFile(path)
				if err != nil {
					return err
				}
				hashes[rel] = hash
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan embedding sources: %w", err)
	}

	// Topics feed embeddings too, keyed relative to the project root.
	topicsDir := filepath.Join(d.SemanticDir, "topics")
	if _, err := os.Stat(topicsDir); err == nil {
		err := filepath.WalkDir(topicsDir, func(path string, entry fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".topic.yml") {
				return nil
			}
			hash, err := HashFile(path)
			if err != nil {
				return err
			}
			rel, err := filepath.Rel(projectRoot, path)
			if err != nil {
				rel = path
			}
			hashes[filepath.ToSlash(rel)] = hash
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to scan topics: %w", err)
		}
	}
	return hashes, nil
}

// RecordBuild captures the current tree state into a manifest and writes it
// atomically. Called only after a successful build.
func (d *Detector) RecordBuild(configHash, globalsHash string) error {
	files, err := d.ScanSemanticFiles()
	if err != nil {
		return err
	}
	embeddings, err := d.ScanEmbeddingFiles()
	if err != nil {
		return err
	}
	manifest := &Manifest{
		GlobalsHash:         globalsHash,
		ConfigHash:          configHash,
		FileHashes:          files,
		EmbeddingFileHashes: embeddings,
	}
	return manifest.Save(filepath.Join(d.TargetDir, ManifestFileName))
}
