package semantic

import (
	"log/slog"
	"sort"
	"strings"

	"github.com/haasonsaas/oxide/internal/errs"
)

// Filter constrains a query field.
type Filter struct {
	Field    string
	Operator string
	Value    any
}

// Order sorts a query result.
type Order struct {
	Field     string
	Direction string
}

// Query is a semantic query prior to validation. Field references must be
// fully qualified as view.field.
type Query struct {
	Topic      string
	Dimensions []string
	Measures   []string
	Filters    []Filter
	Orders     []Order
	Limit      *int
	Offset     *int
	Variables  map[string]any
}

// ValidatedQuery is a query proven against the semantic layer.
type ValidatedQuery struct {
	Query           Query
	Topic           Topic
	ValidDimensions map[string]bool
	ValidMeasures   map[string]bool
	Views           []View
}

const adhocTopicName = "adhoc_query"

// maxSuggestions bounds the "did you mean" list.
const maxSuggestions = 5

// suggestionDistance is the Levenshtein ceiling for suggestions.
const suggestionDistance = 3

// Validate checks a query against the layer: the topic must resolve (or be
// synthesizable from dotted field references), every referenced field must
// resolve to view.field inside the topic, and at least one field must be
// selected. Duplicates warn but never fail.
func Validate(layer *Layer, query Query) (*ValidatedQuery, error) {
	topic, err := resolveTopic(layer, query)
	if err != nil {
		return nil, err
	}

	views := layer.TopicViews(topic)
	if len(views) == 0 {
		return nil, errs.Runtime("topic %q references no valid views", topic.Name)
	}

	validDimensions, validMeasures := buildFieldSets(views)

	if len(query.Dimensions) == 0 && len(query.Measures) == 0 {
		return nil, errs.Validation("At least one dimension or measure must be selected")
	}

	for _, dim := range query.Dimensions {
		if !validDimensions[dim] {
			return nil, unknownFieldError("Dimension", dim, topic.Name, validDimensions, validMeasures)
		}
	}
	for _, measure := range query.Measures {
		if !validMeasures[measure] {
			return nil, unknownFieldError("Measure", measure, topic.Name, validMeasures, validDimensions)
		}
	}

	warnDuplicates(query)

	for _, filter := range query.Filters {
		if !validDimensions[filter.Field] && !validMeasures[filter.Field] {
			return nil, unknownFieldByRicherSet(filter.Field, topic.Name, validDimensions, validMeasures)
		}
	}
	for _, order := range query.Orders {
		if !validDimensions[order.Field] && !validMeasures[order.Field] {
			return nil, unknownFieldByRicherSet(order.Field, topic.Name, validDimensions, validMeasures)
		}
	}

	return &ValidatedQuery{
		Query:           query,
		Topic:           *topic,
		ValidDimensions: validDimensions,
		ValidMeasures:   validMeasures,
		Views:           views,
	}, nil
}

func resolveTopic(layer *Layer, query Query) (*Topic, error) {
	if query.Topic != "" {
		topic := layer.FindTopic(query.Topic)
		if topic == nil {
			return nil, errs.Validation("Topic '%s' not found. Available topics: %s",
				query.Topic, strings.Join(layer.TopicNames(), ", "))
		}
		return topic, nil
	}

	// Synthesize an ad-hoc topic from the views referenced by dotted field
	// names.
	viewNames := make(map[string]bool)
	for _, field := range append(append([]string{}, query.Dimensions...), query.Measures...) {
		if view, _, ok := strings.Cut(field, "."); ok {
			viewNames[view] = true
		}
	}
	if len(viewNames) == 0 {
		return nil, errs.Validation("At least one dimension or measure must be selected")
	}
	names := make([]string, 0, len(viewNames))
	for name := range viewNames {
		if layer.FindView(name) == nil {
			return nil, errs.Validation("View '%s' not found in semantic layer", name)
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return &Topic{
		Name:        adhocTopicName,
		Description: "Ad-hoc query topic inferred from views",
		Views:       names,
	}, nil
}

// buildFieldSets collects the valid fully-qualified view.field names.
func buildFieldSets(views []View) (map[string]bool, map[string]bool) {
	dimensions := make(map[string]bool)
	measures := make(map[string]bool)
	for _, view := range views {
		for _, dim := range view.Dimensions {
			dimensions[view.Name+"."+dim.Name] = true
		}
		for _, measure := range view.Measures {
			measures[view.Name+"."+measure.Name] = true
		}
	}
	return dimensions, measures
}

// unknownFieldError suggests close matches from the primary valid set,
// falling back to the sibling set when nothing is close enough. A mistyped
// measure referenced as a dimension still gets its suggestion.
func unknownFieldError(kind, field, topic string, valid, sibling map[string]bool) error {
	suggestions := findSuggestions(field, valid)
	if len(suggestions) == 0 && sibling != nil {
		suggestions = findSuggestions(field, sibling)
	}
	if len(suggestions) == 0 {
		return errs.Validation("%s '%s' not found in topic '%s'.", kind, field, topic)
	}
	return errs.Validation("%s '%s' not found in topic '%s'. Did you mean: %s?",
		kind, field, topic, strings.Join(suggestions, ", "))
}

// unknownFieldByRicherSet picks the error flavor (measure vs dimension) by
// whichever valid set yields the better suggestion list.
func unknownFieldByRicherSet(field, topic string, validDimensions, validMeasures map[string]bool) error {
	dimSuggestions := findSuggestions(field, validDimensions)
	measureSuggestions := findSuggestions(field, validMeasures)
	if len(measureSuggestions) > 0 && (len(dimSuggestions) == 0 || len(measureSuggestions) >= len(dimSuggestions)) {
		return errs.Validation("Measure '%s' not found in topic '%s'. Did you mean: %s?",
			field, topic, strings.Join(measureSuggestions, ", "))
	}
	return unknownFieldError("Dimension", field, topic, validDimensions, nil)
}

func warnDuplicates(query Query) {
	counts := make(map[string]int)
	for _, field := range query.Dimensions {
		counts[field]++
	}
	for _, field := range query.Measures {
		counts[field]++
	}
	for field, count := range counts {
		if count > 1 {
			slog.Warn("duplicate field in semantic query", "field", field, "count", count)
		}
	}

	filterCounts := make(map[string]int)
	for _, filter := range query.Filters {
		filterCounts[filter.Field]++
	}
	for field, count := range filterCounts {
		if count > 1 {
			slog.Warn("duplicate filter field, filters combine with AND", "field", field, "count", count)
		}
	}

	orderCounts := make(map[string]int)
	for _, order := range query.Orders {
		orderCounts[order.Field]++
	}
	for field, count := range orderCounts {
		if count > 1 {
			slog.Warn("duplicate order field, only the last order applies", "field", field, "count", count)
		}
	}
}

// findSuggestions ranks valid fields by Levenshtein distance and keeps close
// matches.
func findSuggestions(field string, valid map[string]bool) []string {
	type scored struct {
		name     string
		distance int
	}
	var candidates []scored
	for name := range valid {
		d := levenshtein(field, name)
		if d <= suggestionDistance {
			candidates = append(candidates, scored{name, d})
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].distance != candidates[j].distance {
			return candidates[i].distance < candidates[j].distance
		}
		return candidates[i].name < candidates[j].name
	})
	if len(candidates) > maxSuggestions {
		candidates = candidates[:maxSuggestions]
	}
	out := make([]string, len(candidates))
	for i, c := range candidates {
		out[i] = c.name
	}
	return out
}

func levenshtein(a, b string) int {
	ra := []rune(a)
	rb := []rune(b)
	if len(ra) == 0 {
		return len(rb)
	}
	if len(rb) == 0 {
		return len(ra)
	}
	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = min(min(prev[j]+1, curr[j-1]+1), prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(rb)]
}
