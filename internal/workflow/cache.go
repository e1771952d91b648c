package workflow

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/haasonsaas/oxide/internal/output"
)

// loadCache returns the cached task output at path, if present. Parquet
// artifacts come back as table handles; anything else as text.
func loadCache(path string) (output.Container, bool) {
	if _, err := os.Stat(path); err != nil {
		return output.Container{}, false
	}
	if strings.HasSuffix(path, ".parquet") {
		return output.Single(output.TableOutput(output.NewTable(path))), true
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return output.Container{}, false
	}
	return output.Single(output.Text(string(data))), true
}

// writeCache materializes a task output at path. Table outputs save their
// batches; everything else writes its display string. Failures are reported
// to the caller, which treats them as non-fatal.
func writeCache(path string, result output.Container) error {
	if result.Single != nil && result.Single.Kind == output.KindTable && result.Single.Table != nil {
		return result.Single.Table.WriteTo(path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(result.String()), 0o644)
}
