package zrel

import (
	"strconv"
	"strings"
)

type whereClause struct {
	conj string // AND / OR, ignored for the first clause
	sql  string
	args []any
}

// Select limits the selected columns. By default every mapped column is selected.
func (m *Model[T]) Select(columns ...string) *Model[T] {
	m.columns = append(m.columns, columns...)
	return m
}

// Where adds an equality predicate: column = value.
func (m *Model[T]) Where(column string, value any) *Model[T] {
	return m.addWhere("AND", column+" = ?", value)
}

// OrWhere adds an equality predicate joined with OR.
func (m *Model[T]) OrWhere(column string, value any) *Model[T] {
	return m.addWhere("OR", column+" = ?", value)
}

// WhereOp adds a comparison predicate such as WhereOp("age", ">", 18).
func (m *Model[T]) WhereOp(column, op string, value any) *Model[T] {
	return m.addWhere("AND", column+" "+op+" ?", value)
}

// WhereIn adds a set-membership predicate. An empty set matches nothing.
func (m *Model[T]) WhereIn(column string, values []any) *Model[T] {
	sql, args := inClause(column, values)
	return m.addWhere("AND", sql, args...)
}

// WhereNull adds column IS NULL.
func (m *Model[T]) WhereNull(column string) *Model[T] {
	return m.addWhere("AND", column+" IS NULL")
}

// WhereRaw adds a raw predicate using ? placeholders.
func (m *Model[T]) WhereRaw(sql string, args ...any) *Model[T] {
	return m.addWhere("AND", sql, args...)
}

// OrWhereRaw adds a raw predicate joined with OR.
func (m *Model[T]) OrWhereRaw(sql string, args ...any) *Model[T] {
	return m.addWhere("OR", sql, args...)
}

// WhereGroup adds a parenthesized group built by fn on a fresh builder.
func (m *Model[T]) WhereGroup(fn func(q *Model[T])) *Model[T] {
	sub := &Model[T]{modelInfo: m.modelInfo, table: m.table}
	fn(sub)
	return m.addGroup(sub)
}

// addGroup adds the user predicates of sub as one parenthesized predicate.
// Scopes of sub are left out: they already apply to m.
func (m *Model[T]) addGroup(sub *Model[T]) *Model[T] {
	user := &Model[T]{wheres: sub.wheres}
	if sql, args := user.whereSQL(); sql != "" {
		m.addWhere("AND", "("+sql+")", args...)
	}
	return m
}

// OrderBy adds an ORDER BY column with direction ASC or DESC.
func (m *Model[T]) OrderBy(column, direction string) *Model[T] {
	dir := strings.ToUpper(direction)
	if dir != "DESC" {
		dir = "ASC"
	}
	m.orderBys = append(m.orderBys, column+" "+dir)
	return m
}

// Limit sets the maximum number of rows returned.
func (m *Model[T]) Limit(n int) *Model[T] {
	m.limit = n
	return m
}

// Offset sets the number of rows skipped.
func (m *Model[T]) Offset(n int) *Model[T] {
	m.offset = n
	return m
}

// Clone returns a copy of the builder that can be modified independently.
func (m *Model[T]) Clone() *Model[T] {
	c := *m
	c.columns = append([]string(nil), m.columns...)
	c.scopes = append([]whereClause(nil), m.scopes...)
	c.wheres = append([]whereClause(nil), m.wheres...)
	c.orderBys = append([]string(nil), m.orderBys...)
	return &c
}

// ToSQL returns the SELECT statement and its arguments, rebound for the dialect.
func (m *Model[T]) ToSQL() (string, []any) {
	query, args := m.buildSelectQuery()
	return m.Dialect().Rebind(query), args
}

// scope adds a predicate that is always ANDed with the rest of the WHERE clause,
// no matter how user predicates are joined.
func (m *Model[T]) scope(sql string, args ...any) {
	m.scopes = append(m.scopes, whereClause{conj: "AND", sql: sql, args: args})
}

func (m *Model[T]) addWhere(conj, sql string, args ...any) *Model[T] {
	m.wheres = append(m.wheres, whereClause{conj: conj, sql: sql, args: args})
	return m
}

func (m *Model[T]) selectColumns() string {
	if len(m.columns) > 0 {
		return strings.Join(m.columns, ", ")
	}
	cols := make([]string, len(m.modelInfo.FieldList))
	for i, f := range m.modelInfo.FieldList {
		cols[i] = f.Column
	}
	return strings.Join(cols, ", ")
}

func (m *Model[T]) buildSelectQuery() (string, []any) {
	return m.buildQuery(m.selectColumns(), true)
}

// buildQuery renders SELECT <expr> FROM table WHERE ... with ? placeholders.
func (m *Model[T]) buildQuery(selectExpr string, withPaging bool) (string, []any) {
	var sb strings.Builder
	sb.WriteString("SELECT ")
	sb.WriteString(selectExpr)
	sb.WriteString(" FROM ")
	sb.WriteString(m.TableName())

	where, args := m.whereSQL()
	if where != "" {
		sb.WriteString(" WHERE ")
		sb.WriteString(where)
	}

	if withPaging {
		if len(m.orderBys) > 0 {
			sb.WriteString(" ORDER BY ")
			sb.WriteString(strings.Join(m.orderBys, ", "))
		}
		if m.limit > 0 {
			sb.WriteString(" LIMIT ")
			sb.WriteString(strconv.Itoa(m.limit))
		}
		if m.offset > 0 {
			sb.WriteString(" OFFSET ")
			sb.WriteString(strconv.Itoa(m.offset))
		}
	}

	return sb.String(), args
}

// whereSQL joins scopes and user predicates. User predicates are wrapped in
// parentheses when they contain an OR, so scopes can never be bypassed.
func (m *Model[T]) whereSQL() (string, []any) {
	var parts []string
	var args []any

	for _, s := range m.scopes {
		parts = append(parts, s.sql)
		args = append(args, s.args...)
	}

	if len(m.wheres) > 0 {
		var sb strings.Builder
		hasOr := false
		for i, w := range m.wheres {
			if i > 0 {
				sb.WriteString(" " + w.conj + " ")
				hasOr = hasOr || w.conj == "OR"
			}
			sb.WriteString(w.sql)
			args = append(args, w.args...)
		}
		user := sb.String()
		if hasOr && len(parts) > 0 {
			user = "(" + user + ")"
		}
		parts = append(parts, user)
	}

	return strings.Join(parts, " AND "), args
}

func inClause(column string, values []any) (string, []any) {
	if len(values) == 0 {
		return "1 = 0", nil
	}
	var sb strings.Builder
	sb.WriteString(column)
	sb.WriteString(" IN (")
	writePlaceholders(&sb, len(values))
	sb.WriteByte(')')
	return sb.String(), append([]any(nil), values...)
}
