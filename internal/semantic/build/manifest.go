// Package build drives incremental recompilation of the semantic layer: a
// content-addressed build manifest plus hash-based change detection.
package build

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
)

// ManifestFileName is the manifest file under the target directory.
const ManifestFileName = ".build_manifest.json"

// Manifest is the content-addressed state of the last successful build.
// Hashes are SHA-256 over raw bytes; maps serialize with sorted keys.
type Manifest struct {
	GlobalsHash         string            `json:"globals_hash"`
	ConfigHash          string            `json:"config_hash"`
	FileHashes          map[string]string `json:"file_hashes"`
	EmbeddingFileHashes map[string]string `json:"embedding_file_hashes"`
}

// NewManifest returns an empty manifest.
func NewManifest() *Manifest {
	return &Manifest{
		FileHashes:          make(map[string]string),
		EmbeddingFileHashes: make(map[string]string),
	}
}

// LoadManifest reads a manifest; a missing file yields (nil, nil).
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	if m.FileHashes == nil {
		m.FileHashes = make(map[string]string)
	}
	if m.EmbeddingFileHashes == nil {
		m.EmbeddingFileHashes = make(map[string]string)
	}
	return &m, nil
}

// Save writes the manifest atomically (temp file + rename) with
// deterministic key order.
func (m *Manifest) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create manifest directory: %w", err)
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize manifest: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace manifest: %w", err)
	}
	return nil
}

// HashFile returns the SHA-256 of a file's raw bytes, hex encoded.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// HashString returns the SHA-256 of a string, hex encoded.
func HashString(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// HashDatabaseConfig hashes a database-name → type map with deterministic
// ordering.
func HashDatabaseConfig(databases map[string]string) string {
	keys := make([]string, 0, len(databases))
	for k := range databases {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	ordered := make([]any, 0, len(keys))
	for _, k := range keys {
		ordered = append(ordered, map[string]string{"name": k, "type": databases[k]})
	}
	data, err := json.Marshal(ordered)
	if err != nil {
		return ""
	}
	return HashString(string(data))
}

// HashGlobals hashes globals/semantics.yml if present; a missing file yields
// the empty hash.
func HashGlobals(globalsDir string) (string, error) {
	path := filepath.Join(globalsDir, "semantics.yml")
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil
		}
		return "", err
	}
	return HashFile(path)
}
