package semantic

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/haasonsaas/oxide/internal/errs"
)

// Dialect selects SQL generation details per warehouse.
type Dialect string

const (
	DialectSnowflake  Dialect = "snowflake"
	DialectBigQuery   Dialect = "bigquery"
	DialectDuckDB     Dialect = "duckdb"
	DialectClickHouse Dialect = "clickhouse"
)

func (d Dialect) quote(ident string) string {
	if d == DialectBigQuery {
		return "`" + ident + "`"
	}
	return `"` + ident + `"`
}

var placeholderPattern = regexp.MustCompile(`\{([A-Za-z0-9_]+)(?:\.([A-Za-z0-9_]+))?\}`)

var bareIdentPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// resolvePlaceholders rewrites {view.field} and {field} placeholders into
// alias-qualified column references. Bare {field} resolves against the
// current view, and an expression that is nothing but a column name gets
// qualified the same way.
func resolvePlaceholders(expr, currentView string, d Dialect) string {
	if bareIdentPattern.MatchString(expr) {
		return d.quote(currentView) + "." + d.quote(expr)
	}
	return placeholderPattern.ReplaceAllStringFunc(expr, func(match string) string {
		groups := placeholderPattern.FindStringSubmatch(match)
		if groups[2] == "" {
			return d.quote(currentView) + "." + d.quote(groups[1])
		}
		return d.quote(groups[1]) + "." + d.quote(groups[2])
	})
}

// Compile generates dialect-specific SQL for a validated query over the Cube
// IR. Dimensions project and group; measures aggregate; query filters become
// WHERE clauses; measure filters become conditional aggregation.
func Compile(validated *ValidatedQuery, cubeLayer *CubeLayer, dialect Dialect) (string, error) {
	fieldViews := referencedViews(validated)
	if len(fieldViews) == 0 {
		return "", errs.Validation("At least one dimension or measure must be selected")
	}

	baseView := validated.Topic.BaseView
	if baseView == "" || !contains(fieldViews, baseView) {
		baseView = fieldViews[0]
	}
	baseCube, ok := cubeLayer.FindCube(baseView)
	if !ok {
		return "", errs.Runtime("view %q missing from compiled layer", baseView)
	}

	var sb strings.Builder
	sb.WriteString("SELECT ")

	var selects []string
	var groupBy []string
	for _, field := range validated.Query.Dimensions {
		expr, err := dimensionExpr(cubeLayer, field, dialect)
		if err != nil {
			return "", err
		}
		alias := fieldAlias(field)
		selects = append(selects, fmt.Sprintf("%s AS %s", expr, dialect.quote(alias)))
		groupBy = append(groupBy, expr)
	}
	for _, field := range validated.Query.Measures {
		expr, err := measureExpr(cubeLayer, field, dialect)
		if err != nil {
			return "", err
		}
		selects = append(selects, fmt.Sprintf("%s AS %s", expr, dialect.quote(fieldAlias(field))))
	}
	sb.WriteString(strings.Join(selects, ", "))

	sb.WriteString(" FROM ")
	sb.WriteString(fromClause(baseCube, dialect))

	// Join the other referenced views along the base cube's join edges.
	joined := map[string]bool{baseView: true}
	for _, viewName := range fieldViews {
		if joined[viewName] {
			continue
		}
		join := findJoin(baseCube, viewName)
		if join == nil {
			return "", errs.Validation(
				"no join path from view '%s' to view '%s' in topic '%s'",
				baseView, viewName, validated.Topic.Name)
		}
		target, ok := cubeLayer.FindCube(viewName)
		if !ok {
			return "", errs.Runtime("view %q missing from compiled layer", viewName)
		}
		sb.WriteString(" LEFT JOIN ")
		sb.WriteString(fromClause(target, dialect))
		sb.WriteString(" ON ")
		sb.WriteString(resolvePlaceholders(join.SQL, baseView, dialect))
		joined[viewName] = true
	}

	if len(validated.Query.Filters) > 0 {
		var clauses []string
		for _, filter := range validated.Query.Filters {
			expr, err := filterFieldExpr(validated, cubeLayer, filter.Field, dialect)
			if err != nil {
				return "", err
			}
			clause, err := filterClause(expr, filter)
			if err != nil {
				return "", err
			}
			clauses = append(clauses, clause)
		}
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(clauses, " AND "))
	}

	if len(groupBy) > 0 && len(validated.Query.Measures) > 0 {
		sb.WriteString(" GROUP BY ")
		sb.WriteString(strings.Join(groupBy, ", "))
	}

	if len(validated.Query.Orders) > 0 {
		var orders []string
		for _, order := range validated.Query.Orders {
			direction := "ASC"
			if strings.EqualFold(order.Direction, "desc") {
				direction = "DESC"
			}
			orders = append(orders, dialect.quote(fieldAlias(order.Field))+" "+direction)
		}
		sb.WriteString(" ORDER BY ")
		sb.WriteString(strings.Join(orders, ", "))
	}

	if validated.Query.Limit != nil {
		sb.WriteString(fmt.Sprintf(" LIMIT %d", *validated.Query.Limit))
	}
	if validated.Query.Offset != nil {
		sb.WriteString(fmt.Sprintf(" OFFSET %d", *validated.Query.Offset))
	}
	return sb.String(), nil
}

func referencedViews(validated *ValidatedQuery) []string {
	seen := make(map[string]bool)
	var ordered []string
	add := func(field string) {
		if view, _, ok := strings.Cut(field, "."); ok && !seen[view] {
			seen[view] = true
			ordered = append(ordered, view)
		}
	}
	for _, f := range validated.Query.Dimensions {
		add(f)
	}
	for _, f := range validated.Query.Measures {
		add(f)
	}
	for _, f := range validated.Query.Filters {
		add(f.Field)
	}
	if len(ordered) > 1 {
		sort.Strings(ordered[1:]) // keep the first referenced view as base
	}
	return ordered
}

func contains(list []string, item string) bool {
	for _, v := range list {
		if v == item {
			return true
		}
	}
	return false
}

func fromClause(cube *Cube, d Dialect) string {
	return d.quote(cube.SQLTable) + " AS " + d.quote(cube.Name)
}

func findJoin(base *Cube, target string) *CubeJoin {
	for i := range base.Joins {
		if base.Joins[i].Name == target {
			return &base.Joins[i]
		}
	}
	return nil
}

func fieldAlias(field string) string {
	return strings.ReplaceAll(field, ".", "_")
}

func splitField(field string) (string, string) {
	view, name, _ := strings.Cut(field, ".")
	return view, name
}

func dimensionExpr(cubeLayer *CubeLayer, field string, d Dialect) (string, error) {
	viewName, dimName := splitField(field)
	cube, ok := cubeLayer.FindCube(viewName)
	if !ok {
		return "", errs.Runtime("view %q missing from compiled layer", viewName)
	}
	for _, dim := range cube.Dimensions {
		if dim.Name == dimName {
			return resolvePlaceholders(dim.SQL, viewName, d), nil
		}
	}
	return "", errs.Runtime("dimension %q missing from compiled view %q", dimName, viewName)
}

func measureExpr(cubeLayer *CubeLayer, field string, d Dialect) (string, error) {
	viewName, measureName := splitField(field)
	cube, ok := cubeLayer.FindCube(viewName)
	if !ok {
		return "", errs.Runtime("view %q missing from compiled layer", viewName)
	}
	for _, measure := range cube.Measures {
		if measure.Name != measureName {
			continue
		}
		inner := resolvePlaceholders(measure.SQL, viewName, d)
		if len(measure.Filters) > 0 {
			var conditions []string
			for _, f := range measure.Filters {
				conditions = append(conditions, resolvePlaceholders(f.SQL, viewName, d))
			}
			inner = fmt.Sprintf("CASE WHEN %s THEN %s END", strings.Join(conditions, " AND "), inner)
		}
		switch measure.Type {
		case "count":
			if measure.SQL == "1" || measure.SQL == "" {
				return "COUNT(*)", nil
			}
			return "COUNT(" + inner + ")", nil
		case "countDistinct":
			return "COUNT(DISTINCT " + inner + ")", nil
		case "sum":
			return "SUM(" + inner + ")", nil
		case "avg":
			return "AVG(" + inner + ")", nil
		case "min":
			return "MIN(" + inner + ")", nil
		case "max":
			return "MAX(" + inner + ")", nil
		case "number":
			return inner, nil
		}
		return "", errs.Runtime("measure %q has unsupported type %q", field, measure.Type)
	}
	return "", errs.Runtime("measure %q missing from compiled view %q", measureName, viewName)
}

func filterFieldExpr(validated *ValidatedQuery, cubeLayer *CubeLayer, field string, d Dialect) (string, error) {
	if validated.ValidMeasures[field] {
		return measureExpr(cubeLayer, field, d)
	}
	return dimensionExpr(cubeLayer, field, d)
}

func filterClause(expr string, filter Filter) (string, error) {
	op := strings.ToLower(strings.TrimSpace(filter.Operator))
	switch op {
	case "", "eq", "=":
		return expr + " = " + sqlLiteral(filter.Value), nil
	case "neq", "!=", "<>":
		return expr + " != " + sqlLiteral(filter.Value), nil
	case "gt", ">":
		return expr + " > " + sqlLiteral(filter.Value), nil
	case "gte", ">=":
		return expr + " >= " + sqlLiteral(filter.Value), nil
	case "lt", "<":
		return expr + " < " + sqlLiteral(filter.Value), nil
	case "lte", "<=":
		return expr + " <= " + sqlLiteral(filter.Value), nil
	case "like":
		return expr + " LIKE " + sqlLiteral(filter.Value), nil
	case "in":
		values, ok := filter.Value.([]any)
		if !ok {
			return "", errs.Validation("filter on %q with operator 'in' requires a list value", filter.Field)
		}
		literals := make([]string, len(values))
		for i, v := range values {
			literals[i] = sqlLiteral(v)
		}
		return expr + " IN (" + strings.Join(literals, ", ") + ")", nil
	case "is_null":
		return expr + " IS NULL", nil
	case "is_not_null":
		return expr + " IS NOT NULL", nil
	}
	return "", errs.Validation("unsupported filter operator %q on field %q", filter.Operator, filter.Field)
}

func sqlLiteral(value any) string {
	switch v := value.(type) {
	case nil:
		return "NULL"
	case string:
		return "'" + strings.ReplaceAll(v, "'", "''") + "'"
	case bool:
		if v {
			return "TRUE"
		}
		return "FALSE"
	default:
		return fmt.Sprint(v)
	}
}
