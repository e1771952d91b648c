package semantic

import (
	"fmt"
	"sort"

	"github.com/haasonsaas/oxide/internal/errs"
)

// JoinRelationship is the cardinality of a derived join.
type JoinRelationship string

const (
	JoinOneToOne   JoinRelationship = "one_to_one"
	JoinOneToMany  JoinRelationship = "one_to_many"
	JoinManyToOne  JoinRelationship = "many_to_one"
	JoinManyToMany JoinRelationship = "many_to_many"
)

// Join is a derived edge between two views.
type Join struct {
	From         string
	To           string
	Relationship JoinRelationship
	SQL          string
}

// EntityGraph maps entities to their primary views and derives joins from
// shared entity keys.
type EntityGraph struct {
	// primaryEntities maps entity name → the view where it is primary.
	primaryEntities map[string]string
	joins           []Join
}

// BuildEntityGraph derives the entity graph from a layer. A foreign entity
// joins its view to the entity's primary view; cardinality depends on
// whether the foreign key is itself a primary-key dimension (1:1) or not
// (N:1).
func BuildEntityGraph(layer *Layer) (*EntityGraph, error) {
	g := &EntityGraph{primaryEntities: make(map[string]string)}

	for _, view := range layer.Views {
		for _, entity := range view.Entities {
			if entity.Type != EntityPrimary {
				continue
			}
			if existing, ok := g.primaryEntities[entity.Name]; ok {
				return nil, errs.Validation(
					"entity %q is primary in both %q and %q", entity.Name, existing, view.Name)
			}
			g.primaryEntities[entity.Name] = view.Name
		}
	}

	for _, view := range layer.Views {
		for _, entity := range view.Entities {
			if entity.Type != EntityForeign {
				continue
			}
			primaryView, ok := g.primaryEntities[entity.Name]
			if !ok || primaryView == view.Name {
				continue
			}
			relationship := JoinManyToOne
			if isPrimaryKeyDimension(&view, entity.Key) {
				relationship = JoinOneToOne
			}
			g.joins = append(g.joins, Join{
				From:         view.Name,
				To:           primaryView,
				Relationship: relationship,
				SQL:          fmt.Sprintf("{%s.%s} = {%s.%s}", view.Name, entity.Key, primaryView, entity.Key),
			})
		}
	}

	sort.Slice(g.joins, func(i, j int) bool {
		if g.joins[i].From != g.joins[j].From {
			return g.joins[i].From < g.joins[j].From
		}
		return g.joins[i].To < g.joins[j].To
	})
	return g, nil
}

func isPrimaryKeyDimension(view *View, key string) bool {
	for _, dim := range view.Dimensions {
		if dim.Name == key && dim.PrimaryKey != nil && *dim.PrimaryKey {
			return true
		}
	}
	return false
}

// PrimaryEntities returns the entity → primary-view map.
func (g *EntityGraph) PrimaryEntities() map[string]string {
	return g.primaryEntities
}

// Joins returns every derived join.
func (g *EntityGraph) Joins() []Join {
	return g.joins
}

// JoinsFrom returns the joins originating at a view.
func (g *EntityGraph) JoinsFrom(view string) []Join {
	var out []Join
	for _, j := range g.joins {
		if j.From == view {
			out = append(out, j)
		}
	}
	return out
}

// CheckAcyclic verifies the join graph restricted to the given views is a
// DAG. A cycle is a translation error: it must be broken by the author
// before the layer compiles.
func (g *EntityGraph) CheckAcyclic(views []string) error {
	inScope := make(map[string]bool, len(views))
	for _, v := range views {
		inScope[v] = true
	}
	adjacent := make(map[string][]string)
	for _, j := range g.joins {
		if inScope[j.From] && inScope[j.To] {
			adjacent[j.From] = append(adjacent[j.From], j.To)
		}
	}

	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int)
	var visit func(string, []string) error
	visit = func(node string, path []string) error {
		switch state[node] {
		case visiting:
			return errs.Validation("join cycle detected: %v -> %s", path, node)
		case done:
			return nil
		}
		state[node] = visiting
		for _, next := range adjacent[node] {
			if err := visit(next, append(path, node)); err != nil {
				return err
			}
		}
		state[node] = done
		return nil
	}
	for _, v := range views {
		if err := visit(v, nil); err != nil {
			return err
		}
	}
	return nil
}
