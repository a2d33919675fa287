package zrel

import (
	"context"
	"database/sql"
	"log/slog"
	"maps"
	"reflect"
)

// PredicateFields lists the columns that identify "the same row" in batch
// upserts. The relation foreign key is always part of it.
type PredicateFields []string

// normalizePredicateFields appends the foreign key to the caller's fields.
// Fields are kept as given; a repeated foreign key is harmless.
func normalizePredicateFields(foreignKey string, fields ...string) PredicateFields {
	out := make(PredicateFields, 0, len(fields)+1)
	out = append(out, fields...)
	return append(out, foreignKey)
}

// RelationClient writes the children of one parent row. Every operation saves
// the parent first, copies its key onto each child and runs in a single
// transaction: the one on the context or WithTx if present, a new one otherwise.
type RelationClient[P, C any] struct {
	db     *sql.DB
	tx     *Tx
	parent *P
	rel    *Relation[P, C]
	logger *slog.Logger
}

// NewRelationClient binds rel to parent. A nil db uses GlobalDB.
func NewRelationClient[P, C any](db *sql.DB, rel *Relation[P, C], parent *P) *RelationClient[P, C] {
	return &RelationClient[P, C]{
		db:     db,
		parent: parent,
		rel:    rel,
		logger: Logger(),
	}
}

// WithTx returns a client whose operations join tx instead of opening their own.
func (c *RelationClient[P, C]) WithTx(tx *Tx) *RelationClient[P, C] {
	cp := *c
	cp.tx = tx
	return &cp
}

// WithLogger returns a client that logs to l.
func (c *RelationClient[P, C]) WithLogger(l *slog.Logger) *RelationClient[P, C] {
	cp := *c
	if l != nil {
		cp.logger = l
	}
	return &cp
}

// Query returns the read query over the parent's children.
func (c *RelationClient[P, C]) Query() *RelationQuery[P, C] {
	q := Query(c.db, c.rel, c.parent)
	if c.tx != nil {
		q.WithTx(c.tx)
	}
	return q
}

// Save attaches child to the parent and persists both.
func (c *RelationClient[P, C]) Save(ctx context.Context, child *C) (*C, error) {
	if child == nil {
		return nil, ErrNilPointer
	}
	err := c.run(ctx, "save", func(ctx context.Context, related *Model[C], j *writeJournal) error {
		if err := c.rel.Hydrate(c.parent, child); err != nil {
			return err
		}
		remember(j, child, related.modelInfo)
		return related.Save(ctx, child)
	})
	if err != nil {
		return nil, err
	}
	return child, nil
}

// SaveMany attaches children to the parent and persists them in order.
func (c *RelationClient[P, C]) SaveMany(ctx context.Context, children []*C) ([]*C, error) {
	err := c.run(ctx, "save_many", func(ctx context.Context, related *Model[C], j *writeJournal) error {
		for _, child := range children {
			if child == nil {
				return ErrNilPointer
			}
			if err := c.rel.Hydrate(c.parent, child); err != nil {
				return err
			}
			remember(j, child, related.modelInfo)
			if err := related.Save(ctx, child); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return children, nil
}

// Create inserts a child built from values. values is not modified.
func (c *RelationClient[P, C]) Create(ctx context.Context, values map[string]any) (*C, error) {
	var created *C
	err := c.run(ctx, "create", func(ctx context.Context, related *Model[C], _ *writeJournal) error {
		data, err := c.hydrated(values)
		if err != nil {
			return err
		}
		created, err = related.CreateFromValues(ctx, data)
		return err
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// CreateMany inserts one child per payload, in order.
func (c *RelationClient[P, C]) CreateMany(ctx context.Context, values []map[string]any) ([]*C, error) {
	var created []*C
	err := c.run(ctx, "create_many", func(ctx context.Context, related *Model[C], _ *writeJournal) error {
		data, err := c.hydratedAll(values)
		if err != nil {
			return err
		}
		created, err = related.CreateManyFromValues(ctx, data)
		return err
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// FirstOrCreate returns the parent's first child matching search, or creates
// one from search and payload.
func (c *RelationClient[P, C]) FirstOrCreate(ctx context.Context, search, payload map[string]any) (*C, error) {
	var row *C
	err := c.run(ctx, "first_or_create", func(ctx context.Context, related *Model[C], _ *writeJournal) error {
		scoped, err := c.hydrated(search)
		if err != nil {
			return err
		}
		row, err = related.FirstOrCreate(ctx, scoped, maps.Clone(payload))
		return err
	})
	if err != nil {
		return nil, err
	}
	return row, nil
}

// UpdateOrCreate updates the parent's first child matching search, or creates
// one from search and update.
func (c *RelationClient[P, C]) UpdateOrCreate(ctx context.Context, search, update map[string]any) (*C, error) {
	var row *C
	err := c.run(ctx, "update_or_create", func(ctx context.Context, related *Model[C], _ *writeJournal) error {
		scoped, err := c.hydrated(search)
		if err != nil {
			return err
		}
		row, err = related.UpdateOrCreate(ctx, scoped, maps.Clone(update))
		return err
	})
	if err != nil {
		return nil, err
	}
	return row, nil
}

// FetchOrCreateMany returns one child per payload, creating those that do not
// exist. Rows are matched on predicateFields plus the foreign key.
func (c *RelationClient[P, C]) FetchOrCreateMany(ctx context.Context, payloads []map[string]any, predicateFields ...string) ([]*C, error) {
	predicate := normalizePredicateFields(c.rel.ForeignKey(), predicateFields...)

	var rows []*C
	err := c.run(ctx, "fetch_or_create_many", func(ctx context.Context, related *Model[C], _ *writeJournal) error {
		data, err := c.hydratedAll(payloads)
		if err != nil {
			return err
		}
		rows, err = related.FetchOrCreateMany(ctx, predicate, data)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// UpdateOrCreateMany is FetchOrCreateMany that also writes each payload onto
// the child it matched.
func (c *RelationClient[P, C]) UpdateOrCreateMany(ctx context.Context, payloads []map[string]any, predicateFields ...string) ([]*C, error) {
	predicate := normalizePredicateFields(c.rel.ForeignKey(), predicateFields...)

	var rows []*C
	err := c.run(ctx, "update_or_create_many", func(ctx context.Context, related *Model[C], _ *writeJournal) error {
		data, err := c.hydratedAll(payloads)
		if err != nil {
			return err
		}
		rows, err = related.UpdateOrCreateMany(ctx, predicate, data)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// run saves the parent and calls fn with the child model, both inside the
// same transaction. When run owns the transaction and it does not commit,
// rows written by the call get their keys and tracked state back, so the
// same call can be retried.
func (c *RelationClient[P, C]) run(ctx context.Context, op string, fn func(ctx context.Context, related *Model[C], j *writeJournal) error) error {
	if c.parent == nil {
		return ErrNilPointer
	}
	if !c.rel.generatesLocalKey(c.parent) {
		if _, err := ResolveKey(c.parent, c.rel.parentInfo, c.rel.localKey.Column, OpPersist); err != nil {
			return err
		}
	}

	ctx = ContextWithTx(ctx, c.tx)
	owned := TxFromContext(ctx) == nil

	j := &writeJournal{}
	coordinator := NewTransactionCoordinator(c.db, WithCoordinatorLogger(c.logger))
	err := coordinator.Run(ctx, func(ctx context.Context, tx *Tx) error {
		parents := New[P]().WithTx(tx).WithLogger(c.logger)
		if c.db != nil {
			parents.SetDB(c.db)
		}
		remember(j, c.parent, parents.modelInfo)
		if err := c.saveParent(ctx, parents); err != nil {
			return err
		}

		c.logger.DebugContext(ctx, "zrel: relation write", "relation", c.rel.name, "op", op)
		return fn(ctx, c.rel.related(c.db).WithTx(tx).WithLogger(c.logger), j)
	})
	if err != nil && owned {
		j.restore()
	}
	return err
}

// saveParent persists the parent. A parent that carries a key but was never
// loaded or saved is only inserted when no row has that key; an existing
// row is left untouched.
func (c *RelationClient[P, C]) saveParent(ctx context.Context, parents *Model[P]) error {
	pk := parents.modelInfo.PrimaryField()
	if pk == nil || IsTracked(c.parent) {
		return parents.Save(ctx, c.parent)
	}

	key := reflect.ValueOf(c.parent).Elem().FieldByIndex(pk.Index)
	if key.IsZero() {
		return parents.Create(ctx, c.parent)
	}

	found, err := parents.Clone().Where(pk.Column, key.Interface()).Exists(ctx)
	if err != nil || found {
		return err
	}
	return parents.Create(ctx, c.parent)
}

// writeJournal holds what is needed to undo the in-memory effects of writes
// whose transaction rolled back.
type writeJournal struct {
	undo []func()
}

// remember records the primary key and tracked values of entity before it
// is written.
func remember[T any](j *writeJournal, entity *T, info *ModelInfo) {
	if j == nil || entity == nil {
		return
	}

	var restoreKey func()
	if pk := info.PrimaryField(); pk != nil {
		field := reflect.ValueOf(entity).Elem().FieldByIndex(pk.Index)
		prev := reflect.New(field.Type()).Elem()
		prev.Set(field)
		restoreKey = func() { field.Set(prev) }
	}

	originals, tracked := loadOriginals(entity)
	originals = maps.Clone(originals)

	j.undo = append(j.undo, func() {
		if restoreKey != nil {
			restoreKey()
		}
		if tracked {
			originalValues.Store(reflect.ValueOf(entity).Pointer(), originals)
		} else {
			ClearOriginals(entity)
		}
	})
}

func (j *writeJournal) restore() {
	for i := len(j.undo) - 1; i >= 0; i-- {
		j.undo[i]()
	}
}

func (c *RelationClient[P, C]) hydrated(values map[string]any) (map[string]any, error) {
	data := make(map[string]any, len(values)+1)
	maps.Copy(data, values)
	if err := c.rel.HydrateValues(c.parent, data); err != nil {
		return nil, err
	}
	return data, nil
}

func (c *RelationClient[P, C]) hydratedAll(values []map[string]any) ([]map[string]any, error) {
	out := make([]map[string]any, len(values))
	for i, v := range values {
		data, err := c.hydrated(v)
		if err != nil {
			return nil, err
		}
		out[i] = data
	}
	return out, nil
}
