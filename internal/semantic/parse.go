package semantic

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/haasonsaas/oxide/internal/errs"
)

// ParseResult carries a parsed layer plus non-fatal warnings.
type ParseResult struct {
	Layer    *Layer
	Warnings []string
}

// ParseLayerDir parses the semantic layer from disk:
// <dir>/views/*.view.yml and <dir>/topics/*.topic.yml. Subdirectories are
// scanned recursively.
func ParseLayerDir(dir string) (*ParseResult, error) {
	if _, err := os.Stat(dir); err != nil {
		return nil, errs.Configuration("semantic metadata not found at path: %s", dir)
	}

	layer := &Layer{}
	result := &ParseResult{Layer: layer}

	viewFiles, err := collectFiles(filepath.Join(dir, "views"), ".view.yml")
	if err != nil {
		return nil, err
	}
	for _, path := range viewFiles {
		view, err := parseYAMLFile[View](path)
		if err != nil {
			return nil, err
		}
		if view.Name == "" {
			view.Name = strings.TrimSuffix(filepath.Base(path), ".view.yml")
		}
		layer.Views = append(layer.Views, *view)
	}

	topicFiles, err := collectFiles(filepath.Join(dir, "topics"), ".topic.yml")
	if err != nil {
		return nil, err
	}
	for _, path := range topicFiles {
		topic, err := parseYAMLFile[Topic](path)
		if err != nil {
			return nil, err
		}
		if topic.Name == "" {
			topic.Name = strings.TrimSuffix(filepath.Base(path), ".topic.yml")
		}
		layer.Topics = append(layer.Topics, *topic)
	}

	if err := validateLayer(layer, result); err != nil {
		return nil, err
	}
	return result, nil
}

func collectFiles(dir, suffix string) ([]string, error) {
	if _, err := os.Stat(dir); err != nil {
		return nil, nil
	}
	var files []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(d.Name(), suffix) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, errs.Wrap(errs.KindConfiguration, err, fmt.Sprintf("failed to scan %s", dir))
	}
	return files, nil
}

func parseYAMLFile[T any](path string) (*T, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Wrap(errs.KindConfiguration, err, fmt.Sprintf("failed to read %s", path))
	}
	var value T
	if err := yaml.Unmarshal(data, &value); err != nil {
		return nil, errs.Wrap(errs.KindConfiguration, err, fmt.Sprintf("failed to parse %s", path))
	}
	return &value, nil
}

// validateLayer enforces the structural invariants: globally unique view
// names, at most one of (table, sql) per view, at most one primary entity and
// one primary-key dimension per view, and topic views that exist. A missing
// topic base view is reported as a warning, not an error.
func validateLayer(layer *Layer, result *ParseResult) error {
	seen := make(map[string]bool, len(layer.Views))
	for i := range layer.Views {
		view := &layer.Views[i]
		if seen[view.Name] {
			return errs.Validation("view name %q is not unique", view.Name)
		}
		seen[view.Name] = true

		if view.Table != "" && view.SQL != "" {
			return errs.Validation("view %q declares both table and sql", view.Name)
		}

		primaries := 0
		for _, entity := range view.Entities {
			if entity.Type == EntityPrimary {
				primaries++
			}
		}
		if primaries > 1 {
			return errs.Validation("view %q declares more than one primary entity", view.Name)
		}

		pkCount := 0
		for _, dim := range view.Dimensions {
			if dim.PrimaryKey != nil && *dim.PrimaryKey {
				pkCount++
			}
		}
		if pkCount > 1 {
			return errs.Validation("view %q declares more than one primary-key dimension", view.Name)
		}
	}

	for _, topic := range layer.Topics {
		for _, name := range topic.Views {
			if layer.FindView(name) == nil {
				return errs.Validation("topic %q references unknown view %q", topic.Name, name)
			}
		}
		if topic.BaseView != "" && layer.FindView(topic.BaseView) == nil {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("topic %q base view %q does not exist", topic.Name, topic.BaseView))
		}
	}
	return nil
}
