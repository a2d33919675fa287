package zrel

import (
	"context"
	"database/sql"
	"fmt"
	"reflect"
)

type queryMode int

const (
	modeSingle queryMode = iota // one parent: fk = ?
	modeBatch                   // many parents: fk IN (...)
	modeSub                     // no parent: fk = parent.local_key
)

// RelationQuery is a query over the children of a relation. Relation
// constraints are added once, right before the query is rendered or run.
type RelationQuery[P, C any] struct {
	model   *Model[C]
	rel     *Relation[P, C]
	parents []*P
	mode    queryMode
	eager   bool
	outer   string // parent table referenced by a sub query
	nested  bool   // built by WhereGroup; the hook runs on the outer query only
	applied bool
	err     error
}

// NewRelationQuery wraps model in a relation query. With no parents it is a
// sub query, with one parent it is scoped to that parent, and with several
// parents (or eager set) it matches the children of all of them at once.
func NewRelationQuery[P, C any](model *Model[C], rel *Relation[P, C], eager bool, parents ...*P) *RelationQuery[P, C] {
	q := &RelationQuery[P, C]{
		model:   model,
		rel:     rel,
		parents: parents,
		eager:   eager,
		outer:   rel.parentInfo.TableName,
	}
	switch {
	case eager || len(parents) > 1:
		q.mode = modeBatch
	case len(parents) == 1:
		q.mode = modeSingle
	default:
		q.mode = modeSub
	}
	return q
}

// Query returns the children of parent.
func Query[P, C any](db *sql.DB, rel *Relation[P, C], parent *P) *RelationQuery[P, C] {
	return NewRelationQuery(rel.related(db), rel, false, parent)
}

// EagerQuery returns the children of all parents in one query.
func EagerQuery[P, C any](db *sql.DB, rel *Relation[P, C], parents []*P) *RelationQuery[P, C] {
	return NewRelationQuery(rel.related(db), rel, true, parents...)
}

// SubQuery returns a query correlated with the parent table, for use in
// EXISTS and COUNT expressions. It cannot be executed on its own.
func SubQuery[P, C any](db *sql.DB, rel *Relation[P, C]) *RelationQuery[P, C] {
	return NewRelationQuery[P, C](rel.related(db), rel, false)
}

// IsEagerLoad reports whether the query loads children for a set of parents.
func (q *RelationQuery[P, C]) IsEagerLoad() bool { return q.eager }

// Model returns the underlying child query builder.
func (q *RelationQuery[P, C]) Model() *Model[C] { return q.model }

// RelationKeys returns the child columns a join across the relation needs.
func (q *RelationQuery[P, C]) RelationKeys() []string {
	return []string{q.rel.QualifiedForeignKey()}
}

// ApplyConstraints adds the relation predicate and runs the relation query
// hook. Only the first call has an effect; later calls return its result.
func (q *RelationQuery[P, C]) ApplyConstraints() error {
	if q.applied {
		return q.err
	}
	q.applied = true

	fk := q.rel.QualifiedForeignKey()
	switch q.mode {
	case modeSingle:
		key, err := q.parentKey(q.parents[0])
		if err != nil {
			q.err = err
			return err
		}
		q.model.scope(fk+" = ?", key)
	case modeBatch:
		keys := make([]any, 0, len(q.parents))
		for _, p := range q.parents {
			key, err := q.parentKey(p)
			if err != nil {
				q.err = err
				return err
			}
			keys = append(keys, key)
		}
		sql, args := inClause(fk, DedupeKeys(keys))
		q.model.scope(sql, args...)
	case modeSub:
		q.model.scope(fk + " = " + q.outer + "." + q.rel.localKey.Column)
	}

	if !q.nested {
		q.rel.InvokeQueryHook(q.model)
	}
	return nil
}

func (q *RelationQuery[P, C]) parentKey(parent *P) (any, error) {
	return ResolveKey(parent, q.rel.parentInfo, q.rel.localKey.Column, OpQuery)
}

// Select limits the selected child columns.
func (q *RelationQuery[P, C]) Select(columns ...string) *RelationQuery[P, C] {
	q.model.Select(columns...)
	return q
}

// Where adds an equality predicate.
func (q *RelationQuery[P, C]) Where(column string, value any) *RelationQuery[P, C] {
	q.model.Where(column, value)
	return q
}

// OrWhere adds an equality predicate joined with OR. The relation predicate
// still applies to every row.
func (q *RelationQuery[P, C]) OrWhere(column string, value any) *RelationQuery[P, C] {
	q.model.OrWhere(column, value)
	return q
}

// WhereOp adds a comparison predicate.
func (q *RelationQuery[P, C]) WhereOp(column, op string, value any) *RelationQuery[P, C] {
	q.model.WhereOp(column, op, value)
	return q
}

// WhereIn adds a set-membership predicate.
func (q *RelationQuery[P, C]) WhereIn(column string, values []any) *RelationQuery[P, C] {
	q.model.WhereIn(column, values)
	return q
}

// WhereNull adds column IS NULL.
func (q *RelationQuery[P, C]) WhereNull(column string) *RelationQuery[P, C] {
	q.model.WhereNull(column)
	return q
}

// WhereRaw adds a raw predicate using ? placeholders.
func (q *RelationQuery[P, C]) WhereRaw(sql string, args ...any) *RelationQuery[P, C] {
	q.model.WhereRaw(sql, args...)
	return q
}

// WhereGroup adds a parenthesized group. fn receives a relation query bound
// to the same relation and parents, so it can be rendered or run on its own
// with the relation constraints intact. The query hook is left to the outer
// query, so its predicates never end up inside the group.
func (q *RelationQuery[P, C]) WhereGroup(fn func(sub *RelationQuery[P, C])) *RelationQuery[P, C] {
	inner := &Model[C]{
		db:        q.model.db,
		tx:        q.model.tx,
		dialect:   q.model.dialect,
		logger:    q.model.logger,
		modelInfo: q.model.modelInfo,
		table:     q.model.table,
	}
	sub := &RelationQuery[P, C]{
		model:   inner,
		rel:     q.rel,
		parents: q.parents,
		mode:    q.mode,
		eager:   q.eager,
		outer:   q.outer,
		nested:  true,
	}
	fn(sub)
	q.model.addGroup(inner)
	return q
}

// OrderBy adds an ORDER BY column.
func (q *RelationQuery[P, C]) OrderBy(column, direction string) *RelationQuery[P, C] {
	q.model.OrderBy(column, direction)
	return q
}

// Limit sets the maximum number of rows returned.
func (q *RelationQuery[P, C]) Limit(n int) *RelationQuery[P, C] {
	q.model.Limit(n)
	return q
}

// Offset sets the number of rows skipped.
func (q *RelationQuery[P, C]) Offset(n int) *RelationQuery[P, C] {
	q.model.Offset(n)
	return q
}

// WithTx runs the query inside tx.
func (q *RelationQuery[P, C]) WithTx(tx *Tx) *RelationQuery[P, C] {
	q.model.WithTx(tx)
	return q
}

// Clone returns an independent copy, including whether constraints were applied.
func (q *RelationQuery[P, C]) Clone() *RelationQuery[P, C] {
	c := *q
	c.model = q.model.Clone()
	return &c
}

// ToSQL applies the constraints and renders the query.
func (q *RelationQuery[P, C]) ToSQL() (string, []any, error) {
	if err := q.ApplyConstraints(); err != nil {
		return "", nil, err
	}
	query, args := q.model.ToSQL()
	return query, args, nil
}

// Get returns the matching children.
func (q *RelationQuery[P, C]) Get(ctx context.Context) ([]*C, error) {
	if err := q.prepare(); err != nil {
		return nil, err
	}
	if q.mode == modeBatch && len(q.parents) == 0 {
		return nil, nil
	}
	return q.model.Get(ctx)
}

// First returns the first matching child or ErrRecordNotFound.
func (q *RelationQuery[P, C]) First(ctx context.Context) (*C, error) {
	if err := q.prepare(); err != nil {
		return nil, err
	}
	return q.model.First(ctx)
}

// Count returns the number of matching children.
func (q *RelationQuery[P, C]) Count(ctx context.Context) (int64, error) {
	if err := q.prepare(); err != nil {
		return 0, err
	}
	return q.model.Count(ctx)
}

// Exists reports whether any child matches.
func (q *RelationQuery[P, C]) Exists(ctx context.Context) (bool, error) {
	if err := q.prepare(); err != nil {
		return false, err
	}
	return q.model.Exists(ctx)
}

func (q *RelationQuery[P, C]) prepare() error {
	if q.mode == modeSub {
		return WrapRelationError(q.rel.name, q.rel.parentInfo.Type.Name(),
			fmt.Errorf("%w: sub query cannot be executed directly", ErrInvalidRelation))
	}
	return q.ApplyConstraints()
}

// GetGrouped runs the query and returns the children of each parent, in
// parent order. Parents without children get an empty slice.
func (q *RelationQuery[P, C]) GetGrouped(ctx context.Context) ([][]*C, error) {
	children, err := q.Get(ctx)
	if err != nil {
		return nil, err
	}

	byKey := make(map[any][]*C)
	for _, child := range children {
		fv := reflect.ValueOf(child).Elem().FieldByIndex(q.rel.foreignKey.Index)
		v, err := fieldValue(fv)
		if err != nil {
			return nil, err
		}
		k := normalizeKey(v)
		byKey[k] = append(byKey[k], child)
	}

	groups := make([][]*C, len(q.parents))
	for i, p := range q.parents {
		key, err := q.parentKey(p)
		if err != nil {
			return nil, err
		}
		groups[i] = byKey[normalizeKey(key)]
		if groups[i] == nil {
			groups[i] = []*C{}
		}
	}
	return groups, nil
}

// ExistsExpr renders EXISTS (SELECT 1 FROM child WHERE ...) with ? placeholders.
func (q *RelationQuery[P, C]) ExistsExpr() (string, []any, error) {
	if err := q.ApplyConstraints(); err != nil {
		return "", nil, err
	}
	query, args := q.model.buildQuery("1", false)
	return "EXISTS (" + query + ")", args, nil
}

// CountExpr renders (SELECT COUNT(*) FROM child WHERE ...) with ? placeholders.
func (q *RelationQuery[P, C]) CountExpr() (string, []any, error) {
	if err := q.ApplyConstraints(); err != nil {
		return "", nil, err
	}
	query, args := q.model.buildQuery("COUNT(*)", false)
	return "(" + query + ")", args, nil
}

// WhereHas keeps parents that have at least one child matching fn.
// fn may be nil.
func WhereHas[P, C any](m *Model[P], rel *Relation[P, C], fn func(q *RelationQuery[P, C])) *Model[P] {
	return whereExists(m, rel, fn, "")
}

// WhereDoesntHave keeps parents that have no child matching fn.
// fn may be nil.
func WhereDoesntHave[P, C any](m *Model[P], rel *Relation[P, C], fn func(q *RelationQuery[P, C])) *Model[P] {
	return whereExists(m, rel, fn, "NOT ")
}

func whereExists[P, C any](m *Model[P], rel *Relation[P, C], fn func(q *RelationQuery[P, C]), prefix string) *Model[P] {
	sub := SubQuery(m.database(), rel)
	sub.outer = m.TableName()
	if fn != nil {
		fn(sub)
	}
	expr, args, err := sub.ExistsExpr()
	if err != nil {
		m.addError(err)
		return m
	}
	return m.WhereRaw(prefix+expr, args...)
}

// Load eager loads the children of parents with a single query and stores
// them in the parent field named by HasMany.Field.
func Load[P, C any](ctx context.Context, db *sql.DB, rel *Relation[P, C], parents ...*P) error {
	if rel.field == nil {
		return WrapRelationError(rel.name, rel.parentInfo.Type.Name(),
			fmt.Errorf("%w: relation has no target field", ErrInvalidRelation))
	}
	if len(parents) == 0 {
		return nil
	}

	q := EagerQuery(db, rel, parents)
	q.model.logger.DebugContext(ctx, "zrel: eager load", "relation", rel.name, "parents", len(parents))

	groups, err := q.GetGrouped(ctx)
	if err != nil {
		return err
	}
	for i, p := range parents {
		rel.assign(p, groups[i])
	}
	return nil
}
