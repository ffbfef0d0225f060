package txmanager

import (
	"regexp"
	"strings"
)

var sqlIdentifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

var comparisonOperators = map[string]struct{}{
	"=":         {},
	"!=":        {},
	"<>":        {},
	">":         {},
	">=":        {},
	"<":         {},
	"<=":        {},
	"LIKE":      {},
	"NOT LIKE":  {},
	"IS":        {},
	"IS NOT":    {},
	"ILIKE":     {},
	"NOT ILIKE": {},
}

var orderDirections = map[string]struct{}{
	"ASC":              {},
	"DESC":             {},
	"ASC NULLS FIRST":  {},
	"ASC NULLS LAST":   {},
	"DESC NULLS FIRST": {},
	"DESC NULLS LAST":  {},
}

// normalizeSQLIdentifier accepts plain or dotted identifiers only.
func normalizeSQLIdentifier(identifier string) (string, bool) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "", false
	}
	for _, part := range strings.Split(identifier, ".") {
		if !sqlIdentifierPattern.MatchString(part) {
			return "", false
		}
	}
	return identifier, true
}

func normalizeComparisonOperator(operator string) (string, bool) {
	operator = normalizeSQLKeyword(operator)
	_, ok := comparisonOperators[operator]
	return operator, ok
}

func normalizeSQLKeyword(s string) string {
	return strings.ToUpper(strings.Join(strings.Fields(s), " "))
}

func normalizeOrderExpr(expr string) (string, bool) {
	parts := strings.Fields(expr)
	if len(parts) == 0 || len(parts) > 4 {
		return "", false
	}

	column, ok := normalizeSQLIdentifier(parts[0])
	if !ok {
		return "", false
	}
	if len(parts) == 1 {
		return column, true
	}

	direction := normalizeSQLKeyword(strings.Join(parts[1:], " "))
	if _, ok := orderDirections[direction]; !ok {
		return "", false
	}
	return column + " " + direction, true
}
