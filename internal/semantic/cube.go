package semantic

import (
	"regexp"
)

// Cube-style intermediate representation. Table-backed views become cubes;
// SQL-backed views become cube views. The downstream SQL compiler treats
// this IR as its input contract.

// CubeDimension is a compiled dimension.
type CubeDimension struct {
	Name        string `json:"name"`
	SQL         string `json:"sql"`
	Type        string `json:"type"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	PrimaryKey  bool   `json:"primary_key,omitempty"`
}

// CubeMeasureFilter restricts a measure's aggregation.
type CubeMeasureFilter struct {
	SQL string `json:"sql"`
}

// CubeMeasure is a compiled measure.
type CubeMeasure struct {
	Name        string              `json:"name"`
	SQL         string              `json:"sql"`
	Type        string              `json:"type"`
	Title       string              `json:"title,omitempty"`
	Description string              `json:"description,omitempty"`
	Filters     []CubeMeasureFilter `json:"filters,omitempty"`
}

// CubeJoin is a compiled join edge.
type CubeJoin struct {
	Name         string `json:"name"`
	Relationship string `json:"relationship"`
	SQL          string `json:"sql"`
}

// Cube is a table-backed view in the IR.
type Cube struct {
	Name        string          `json:"name"`
	SQLTable    string          `json:"sql_table,omitempty"`
	DataSource  string          `json:"data_source,omitempty"`
	Title       string          `json:"title,omitempty"`
	Description string          `json:"description,omitempty"`
	Dimensions  []CubeDimension `json:"dimensions"`
	Measures    []CubeMeasure   `json:"measures"`
	Joins       []CubeJoin      `json:"joins,omitempty"`
}

// CubeSQLView is a SQL-backed view in the IR.
type CubeSQLView struct {
	Name        string          `json:"name"`
	SQL         string          `json:"sql"`
	DataSource  string          `json:"data_source,omitempty"`
	Title       string          `json:"title,omitempty"`
	Description string          `json:"description,omitempty"`
	Dimensions  []CubeDimension `json:"dimensions"`
	Measures    []CubeMeasure   `json:"measures"`
}

// DataSource names a database backing one or more cubes.
type DataSource struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// CubeLayer is the fully translated semantic layer.
type CubeLayer struct {
	Cubes       []Cube        `json:"cubes"`
	Views       []CubeSQLView `json:"views"`
	DataSources []DataSource  `json:"data_sources"`
}

// FindCube returns the named cube or SQL view as a cube-shaped lookup.
func (cl *CubeLayer) FindCube(name string) (*Cube, bool) {
	for i := range cl.Cubes {
		if cl.Cubes[i].Name == name {
			return &cl.Cubes[i], true
		}
	}
	for i := range cl.Views {
		v := &cl.Views[i]
		if v.Name == name {
			return &Cube{
				Name:       v.Name,
				DataSource: v.DataSource,
				Dimensions: v.Dimensions,
				Measures:   v.Measures,
			}, true
		}
	}
	return nil, false
}

// Translate converts a layer into the Cube IR: joins derived from the entity
// graph, cross-entity references rewritten, measure filters carried over.
// databases maps datasource names to database types for the data_sources
// section.
func Translate(layer *Layer, databases map[string]string) (*CubeLayer, error) {
	graph, err := BuildEntityGraph(layer)
	if err != nil {
		return nil, err
	}
	for _, topic := range layer.Topics {
		if err := graph.CheckAcyclic(topic.Views); err != nil {
			return nil, err
		}
	}

	out := &CubeLayer{}
	for _, view := range layer.Views {
		dimensions, err := translateDimensions(&view, graph)
		if err != nil {
			return nil, err
		}
		measures, err := translateMeasures(&view, graph)
		if err != nil {
			return nil, err
		}

		if view.SQL != "" {
			out.Views = append(out.Views, CubeSQLView{
				Name:        view.Name,
				SQL:         view.SQL,
				DataSource:  view.Datasource,
				Title:       titleOf(&view),
				Description: view.Description,
				Dimensions:  dimensions,
				Measures:    measures,
			})
			continue
		}

		table := view.Table
		if table == "" {
			// Neither table nor sql declared; fall back to the view name.
			table = view.Name
		}
		out.Cubes = append(out.Cubes, Cube{
			Name:        view.Name,
			SQLTable:    table,
			DataSource:  view.Datasource,
			Title:       titleOf(&view),
			Description: view.Description,
			Dimensions:  dimensions,
			Measures:    measures,
			Joins:       translateJoins(graph.JoinsFrom(view.Name)),
		})
	}

	seen := make(map[string]bool)
	for name, dbType := range databases {
		if !seen[name] {
			seen[name] = true
			out.DataSources = append(out.DataSources, DataSource{Name: name, Type: dbType})
		}
	}
	return out, nil
}

func titleOf(view *View) string {
	if view.Label != "" {
		return view.Label
	}
	return view.Name
}

func translateDimensions(view *View, graph *EntityGraph) ([]CubeDimension, error) {
	out := make([]CubeDimension, 0, len(view.Dimensions))
	for _, dim := range view.Dimensions {
		dimType := "string"
		switch dim.Type {
		case DimensionNumber:
			dimType = "number"
		case DimensionDate, DimensionDatetime:
			dimType = "time"
		case DimensionBoolean:
			dimType = "boolean"
		}

		primaryKey := dim.PrimaryKey != nil && *dim.PrimaryKey
		if !primaryKey {
			for _, entity := range view.Entities {
				if entity.Type == EntityPrimary && entity.Key == dim.Name {
					primaryKey = true
					break
				}
			}
		}

		expr := dim.Expr
		if expr == "" {
			expr = dim.Name
		}
		out = append(out, CubeDimension{
			Name:        dim.Name,
			SQL:         RewriteEntityReferences(expr, graph),
			Type:        dimType,
			Title:       dim.Name,
			Description: dim.Description,
			PrimaryKey:  primaryKey,
		})
	}
	return out, nil
}

func translateMeasures(view *View, graph *EntityGraph) ([]CubeMeasure, error) {
	out := make([]CubeMeasure, 0, len(view.Measures))
	for _, measure := range view.Measures {
		var measureType string
		switch measure.Type {
		case MeasureCount:
			measureType = "count"
		case MeasureSum:
			measureType = "sum"
		case MeasureAverage:
			measureType = "avg"
		case MeasureMin:
			measureType = "min"
		case MeasureMax:
			measureType = "max"
		case MeasureCountDistinct:
			measureType = "countDistinct"
		case MeasureMedian:
			// The IR has no median; approximate with avg.
			measureType = "avg"
		case MeasureCustom:
			measureType = "number"
		default:
			measureType = "count"
		}

		expr := measure.Expr
		if expr == "" {
			expr = "1"
		}

		var filters []CubeMeasureFilter
		for _, f := range measure.Filters {
			filters = append(filters, CubeMeasureFilter{SQL: RewriteEntityReferences(f.Expr, graph)})
		}

		out = append(out, CubeMeasure{
			Name:        measure.Name,
			SQL:         RewriteEntityReferences(expr, graph),
			Type:        measureType,
			Title:       measure.Name,
			Description: measure.Description,
			Filters:     filters,
		})
	}
	return out, nil
}

func translateJoins(joins []Join) []CubeJoin {
	out := make([]CubeJoin, 0, len(joins))
	for _, j := range joins {
		out = append(out, CubeJoin{
			Name:         j.To,
			Relationship: string(j.Relationship),
			SQL:          j.SQL,
		})
	}
	return out
}

var (
	doubleBraceEntityPattern = regexp.MustCompile(`\{\{([^}.]+)\.([^}]+)\}\}`)
	doubleBraceSimplePattern = regexp.MustCompile(`\{\{([^}.]+)\}\}`)
	singleBraceEntityPattern = regexp.MustCompile(`\{([^}.]+)\.([^}]+)\}`)
)

// RewriteEntityReferences rewrites cross-entity references to view-qualified
// form: {{entity.field}} and {entity.field} become {view.field} where the
// entity is primary in that view; {{field}} becomes {field}. References to
// unknown entities keep their name so manual cube references pass through.
func RewriteEntityReferences(expr string, graph *EntityGraph) string {
	primaries := graph.PrimaryEntities()

	result := doubleBraceEntityPattern.ReplaceAllStringFunc(expr, func(match string) string {
		groups := doubleBraceEntityPattern.FindStringSubmatch(match)
		entity, field := groups[1], groups[2]
		if view, ok := primaries[entity]; ok {
			return "{" + view + "." + field + "}"
		}
		return "{" + entity + "." + field + "}"
	})

	result = doubleBraceSimplePattern.ReplaceAllStringFunc(result, func(match string) string {
		groups := doubleBraceSimplePattern.FindStringSubmatch(match)
		return "{" + groups[1] + "}"
	})

	result = singleBraceEntityPattern.ReplaceAllStringFunc(result, func(match string) string {
		groups := singleBraceEntityPattern.FindStringSubmatch(match)
		entity, field := groups[1], groups[2]
		if view, ok := primaries[entity]; ok {
			return "{" + view + "." + field + "}"
		}
		return "{" + entity + "." + field + "}"
	})

	return result
}
