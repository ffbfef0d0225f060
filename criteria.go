package txmanager

import (
	"fmt"

	"github.com/goliatone/go-errors"
	"github.com/uptrace/bun"
)

type SelectCriteria func(*bun.SelectQuery) *bun.SelectQuery

// UpdateCriteria is the function we use to create update queries
type UpdateCriteria func(*bun.UpdateQuery) *bun.UpdateQuery

// DeleteCriteria is the function we use to create delete queries
type DeleteCriteria func(*bun.DeleteQuery) *bun.DeleteQuery

func invalidCriteria(kind, value string) error {
	return errors.New(fmt.Sprintf("Invalid %s %q", kind, value), errors.CategoryBadInput).
		WithCode(errors.CodeBadRequest).
		WithTextCode("INVALID_CRITERIA")
}

// SelectPaginate will paginate through a result set
func SelectPaginate(limit, offset int) SelectCriteria {
	return func(q *bun.SelectQuery) *bun.SelectQuery {
		return q.Limit(limit).Offset(offset)
	}
}

// SelectBy adds "column operator ?". Column and operator are validated
// before they reach the SQL text.
func SelectBy(column, operator string, value any) SelectCriteria {
	return func(q *bun.SelectQuery) *bun.SelectQuery {
		col, ok := normalizeSQLIdentifier(column)
		if !ok {
			return q.Err(invalidCriteria("column", column))
		}
		op, ok := normalizeComparisonOperator(operator)
		if !ok {
			return q.Err(invalidCriteria("operator", operator))
		}
		return q.Where(fmt.Sprintf("?TableAlias.%s %s ?", col, op), value)
	}
}

func SelectByID(id string) SelectCriteria {
	return SelectBy("id", "=", id)
}

func SelectColumnIn(column string, values ...any) SelectCriteria {
	return func(q *bun.SelectQuery) *bun.SelectQuery {
		col, ok := normalizeSQLIdentifier(column)
		if !ok {
			return q.Err(invalidCriteria("column", column))
		}
		return q.Where(fmt.Sprintf("?TableAlias.%s IN (?)", col), bun.In(values))
	}
}

// OrderBy accepts expressions like "name" or "created_at DESC NULLS LAST".
func OrderBy(expressions ...string) SelectCriteria {
	return func(q *bun.SelectQuery) *bun.SelectQuery {
		for _, expr := range expressions {
			normalized, ok := normalizeOrderExpr(expr)
			if !ok {
				return q.Err(invalidCriteria("order expression", expr))
			}
			q = q.Order(normalized)
		}
		return q
	}
}

func UpdateByID(id string) UpdateCriteria {
	return func(q *bun.UpdateQuery) *bun.UpdateQuery {
		return q.Where("?TableAlias.id = ?", id)
	}
}

// UpdateColumns restricts the update to the given columns
func UpdateColumns(columns ...string) UpdateCriteria {
	return func(q *bun.UpdateQuery) *bun.UpdateQuery {
		for _, column := range columns {
			if _, ok := normalizeSQLIdentifier(column); !ok {
				return q.Err(invalidCriteria("column", column))
			}
		}
		return q.Column(columns...)
	}
}

func DeleteBy(column, operator string, value any) DeleteCriteria {
	return func(q *bun.DeleteQuery) *bun.DeleteQuery {
		col, ok := normalizeSQLIdentifier(column)
		if !ok {
			return q.Err(invalidCriteria("column", column))
		}
		op, ok := normalizeComparisonOperator(operator)
		if !ok {
			return q.Err(invalidCriteria("operator", operator))
		}
		return q.Where(fmt.Sprintf("?TableAlias.%s %s ?", col, op), value)
	}
}

func DeleteByID(id string) DeleteCriteria {
	return DeleteBy("id", "=", id)
}
