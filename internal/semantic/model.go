// Package semantic parses the on-disk semantic layer, validates semantic
// queries against it, translates the layer into a Cube-style intermediate,
// and compiles queries to dialect-specific SQL.
package semantic

// EntityType classifies an entity's role within a view.
type EntityType string

const (
	EntityPrimary EntityType = "primary"
	EntityForeign EntityType = "foreign"
)

// Entity links a view into the join graph via a key field.
type Entity struct {
	Name        string     `yaml:"name"`
	Type        EntityType `yaml:"type"`
	Key         string     `yaml:"key"`
	Description string     `yaml:"description,omitempty"`
}

// DimensionType is the logical type of a dimension.
type DimensionType string

const (
	DimensionString   DimensionType = "string"
	DimensionNumber   DimensionType = "number"
	DimensionDate     DimensionType = "date"
	DimensionDatetime DimensionType = "datetime"
	DimensionBoolean  DimensionType = "boolean"
)

// Dimension is a selectable column on a view.
type Dimension struct {
	Name        string        `yaml:"name"`
	Expr        string        `yaml:"sql,omitempty"`
	Type        DimensionType `yaml:"type"`
	Description string        `yaml:"description,omitempty"`
	PrimaryKey  *bool         `yaml:"primary_key,omitempty"`
	Samples     []string      `yaml:"samples,omitempty"`
}

// MeasureType is the aggregate applied by a measure.
type MeasureType string

const (
	MeasureCount         MeasureType = "count"
	MeasureSum           MeasureType = "sum"
	MeasureAverage       MeasureType = "avg"
	MeasureMin           MeasureType = "min"
	MeasureMax           MeasureType = "max"
	MeasureCountDistinct MeasureType = "count_distinct"
	MeasureMedian        MeasureType = "median"
	MeasureCustom        MeasureType = "custom"
)

// MeasureFilter restricts the rows a measure aggregates over.
type MeasureFilter struct {
	Expr        string `yaml:"sql"`
	Description string `yaml:"description,omitempty"`
}

// Measure is an aggregate expression on a view.
type Measure struct {
	Name        string          `yaml:"name"`
	Type        MeasureType     `yaml:"type"`
	Expr        string          `yaml:"sql,omitempty"`
	Description string          `yaml:"description,omitempty"`
	Filters     []MeasureFilter `yaml:"filters,omitempty"`
}

// View is a table-backed or SQL-backed definition exposing dimensions and
// measures. At most one of Table and SQL is set; a view that declares both is
// rejected.
type View struct {
	Name        string      `yaml:"name"`
	Description string      `yaml:"description,omitempty"`
	Label       string      `yaml:"label,omitempty"`
	Table       string      `yaml:"table,omitempty"`
	SQL         string      `yaml:"sql,omitempty"`
	Datasource  string      `yaml:"datasource,omitempty"`
	Entities    []Entity    `yaml:"entities,omitempty"`
	Dimensions  []Dimension `yaml:"dimensions"`
	Measures    []Measure   `yaml:"measures,omitempty"`
}

// Topic is a named bundle of views forming a query surface.
type Topic struct {
	Name           string            `yaml:"name"`
	Description    string            `yaml:"description,omitempty"`
	Views          []string          `yaml:"views"`
	BaseView       string            `yaml:"base_view,omitempty"`
	DefaultFilters map[string]string `yaml:"default_filters,omitempty"`
}

// Layer is the parsed semantic layer.
type Layer struct {
	Views  []View
	Topics []Topic
}

// FindView returns the named view.
func (l *Layer) FindView(name string) *View {
	for i := range l.Views {
		if l.Views[i].Name == name {
			return &l.Views[i]
		}
	}
	return nil
}

// FindTopic returns the named topic.
func (l *Layer) FindTopic(name string) *Topic {
	for i := range l.Topics {
		if l.Topics[i].Name == name {
			return &l.Topics[i]
		}
	}
	return nil
}

// TopicNames lists the available topic names.
func (l *Layer) TopicNames() []string {
	names := make([]string, len(l.Topics))
	for i, t := range l.Topics {
		names[i] = t.Name
	}
	return names
}

// TopicViews returns the views a topic references, in layer order.
func (l *Layer) TopicViews(topic *Topic) []View {
	var views []View
	for _, v := range l.Views {
		for _, name := range topic.Views {
			if v.Name == name {
				views = append(views, v)
				break
			}
		}
	}
	return views
}
