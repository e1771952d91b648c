package config

import (
	"path/filepath"

	"github.com/joho/godotenv"

	"github.com/haasonsaas/oxide/internal/errs"
)

// Project bundles the configuration manager and secrets manager for one
// project root. It is immutable once built and safe to share by pointer.
type Project struct {
	Root    string
	Config  *Config
	Secrets *Secrets
}

// LoadProject loads the configuration and secrets for the project at root.
// A .env file at the root is loaded into the process environment if present;
// secrets are still only readable through declared names.
func LoadProject(root string) (*Project, error) {
	_ = godotenv.Load(filepath.Join(root, ".env"))

	cfg, err := LoadConfig(root)
	if err != nil {
		return nil, err
	}
	return &Project{
		Root:    root,
		Config:  cfg,
		Secrets: NewSecrets(cfg.Secrets),
	}, nil
}

// SemanticsPath returns the semantic layer source directory.
func (p *Project) SemanticsPath() string {
	return filepath.Join(p.Root, "semantics")
}

// SemanticsTargetPath returns the derived-artifact directory.
func (p *Project) SemanticsTargetPath() string {
	return filepath.Join(p.Root, ".semantics")
}

// GlobalsPath returns the globals directory.
func (p *Project) GlobalsPath() string {
	return filepath.Join(p.Root, "globals")
}

// StatePath returns the runtime state directory for stores and artifacts.
func (p *Project) StatePath() string {
	return filepath.Join(p.Root, ".oxide")
}

// ResolveFile resolves a possibly relative path against the project root.
func (p *Project) ResolveFile(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(p.Root, path)
}

// ResolveDatabase returns the named database.
func (p *Project) ResolveDatabase(name string) (*Database, error) {
	for i := range p.Config.Databases {
		if p.Config.Databases[i].Name == name {
			return &p.Config.Databases[i], nil
		}
	}
	return nil, errs.Configuration("database %q is not configured", name)
}

// ResolveModel returns the named model.
func (p *Project) ResolveModel(name string) (*Model, error) {
	for i := range p.Config.Models {
		if p.Config.Models[i].Name == name {
			return &p.Config.Models[i], nil
		}
	}
	return nil, errs.Configuration("model %q is not configured", name)
}

// ResolveIntegration returns the named integration.
func (p *Project) ResolveIntegration(name string) (*Integration, error) {
	for i := range p.Config.Integrations {
		if p.Config.Integrations[i].Name == name {
			return &p.Config.Integrations[i], nil
		}
	}
	return nil, errs.Configuration("integration %q is not configured", name)
}
