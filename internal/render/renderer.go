// Package render provides template rendering with scoped variable contexts.
// All user-facing strings (prompts, SQL, cache and export paths) pass through
// a Renderer before use.
package render

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
)

// Renderer renders templates against a tree of variable scopes. Child scopes
// layer additional variables without mutating their parent; lookups walk from
// the child outwards.
type Renderer struct {
	parent  *Renderer
	vars    map[string]any
	funcMap template.FuncMap
}

// New creates a root renderer with the given variables.
func New(vars map[string]any) *Renderer {
	return &Renderer{vars: vars, funcMap: defaultFuncMap()}
}

// Child creates a child scope layering vars over the receiver. The parent is
// never mutated.
func (r *Renderer) Child(vars map[string]any) *Renderer {
	return &Renderer{parent: r, vars: vars, funcMap: r.funcMap}
}

// Set binds a variable in the receiver's own scope.
func (r *Renderer) Set(name string, value any) {
	if r.vars == nil {
		r.vars = make(map[string]any)
	}
	r.vars[name] = value
}

// Lookup resolves a variable, walking parent scopes.
func (r *Renderer) Lookup(name string) (any, bool) {
	for scope := r; scope != nil; scope = scope.parent {
		if v, ok := scope.vars[name]; ok {
			return v, true
		}
	}
	return nil, false
}

// flatten merges all scopes into one map, innermost scope winning.
func (r *Renderer) flatten() map[string]any {
	var chain []*Renderer
	for scope := r; scope != nil; scope = scope.parent {
		chain = append(chain, scope)
	}
	merged := make(map[string]any)
	for i := len(chain) - 1; i >= 0; i-- {
		for k, v := range chain[i].vars {
			merged[k] = v
		}
	}
	return merged
}

// Render executes tmpl against the flattened scope. Rendering the empty
// string yields the empty string.
func (r *Renderer) Render(tmpl string) (string, error) {
	if tmpl == "" {
		return "", nil
	}
	t, err := template.New("template").Funcs(r.funcMap).Parse(tmpl)
	if err != nil {
		return "", fmt.Errorf("parse template: %w", err)
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, r.flatten()); err != nil {
		return "", fmt.Errorf("execute template: %w", err)
	}
	return buf.String(), nil
}

// RenderList renders a template that should evaluate to a list of values.
// Lists may be provided directly as a variable reference or as a rendered
// comma-separated string.
func (r *Renderer) RenderList(tmpl string) ([]any, error) {
	name := strings.TrimSpace(tmpl)
	name = strings.TrimPrefix(name, "{{")
	name = strings.TrimSuffix(name, "}}")
	name = strings.TrimSpace(strings.TrimPrefix(name, "."))
	if v, ok := r.Lookup(name); ok {
		if list, ok := v.([]any); ok {
			return list, nil
		}
		if list, ok := v.([]string); ok {
			out := make([]any, len(list))
			for i, s := range list {
				out[i] = s
			}
			return out, nil
		}
	}
	rendered, err := r.Render(tmpl)
	if err != nil {
		return nil, err
	}
	if rendered == "" {
		return nil, nil
	}
	parts := strings.Split(rendered, ",")
	out := make([]any, 0, len(parts))
	for _, p := range parts {
		out = append(out, strings.TrimSpace(p))
	}
	return out, nil
}

func defaultFuncMap() template.FuncMap {
	return template.FuncMap{
		"upper":      strings.ToUpper,
		"lower":      strings.ToLower,
		"trim":       strings.TrimSpace,
		"trimPrefix": strings.TrimPrefix,
		"trimSuffix": strings.TrimSuffix,
		"replace":    strings.ReplaceAll,
		"contains":   strings.Contains,
		"join":       strings.Join,
		"split":      strings.Split,
	}
}
