package zrel

import (
	"cmp"
	"database/sql"
	"fmt"
	"io"
	"reflect"
	"slices"
	"sync"

	"github.com/jedib0t/go-pretty/table"
)

// HasMany configures a one-to-many relation from a parent model to T.
//
//	ForeignKey: column on T holding the parent key. Defaults to <parent>_id.
//	LocalKey:   column on the parent. Defaults to the parent primary key.
//	Table:      overrides the table inferred from T.
//	Field:      parent struct field ([]T or []*T) filled by Load. Optional.
type HasMany[T any] struct {
	ForeignKey string
	LocalKey   string
	Table      string
	Field      string
}

// RelationOption configures a relation at definition time.
type RelationOption[P, C any] func(*Relation[P, C])

// WithQueryHook registers a function that customizes every query made
// through the relation, after the relation constraints are in place.
func WithQueryHook[P, C any](fn func(q *Model[C])) RelationOption[P, C] {
	return func(r *Relation[P, C]) {
		r.hook = fn
	}
}

// Relation is the immutable descriptor of a has-many relation between parent
// P and child C. It is safe for concurrent use once defined.
type Relation[P, C any] struct {
	name       string
	parentInfo *ModelInfo
	childInfo  *ModelInfo
	localKey   *FieldInfo
	foreignKey *FieldInfo
	table      string
	field      *reflect.StructField
	hook       func(*Model[C])
	hasHook    bool
}

// DefineHasMany validates cfg against P and C, registers the relation under
// name and returns its descriptor.
func DefineHasMany[P, C any](name string, cfg HasMany[C], opts ...RelationOption[P, C]) (*Relation[P, C], error) {
	r := &Relation[P, C]{
		name:       name,
		parentInfo: ParseModel[P](),
		childInfo:  ParseModel[C](),
		table:      cfg.Table,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.hasHook = r.hook != nil

	invalid := func(format string, args ...any) error {
		err := fmt.Errorf("%w: "+format, append([]any{ErrInvalidRelation}, args...)...)
		return WrapRelationError(name, r.parentInfo.Type.Name(), err)
	}

	localKey := cmp.Or(cfg.LocalKey, r.parentInfo.PrimaryKey)
	lk, ok := r.parentInfo.Field(localKey)
	if !ok {
		return nil, invalid("local key %s not found on %s", localKey, r.parentInfo.Type.Name())
	}
	r.localKey = lk

	foreignKey := cmp.Or(cfg.ForeignKey, ToSnakeCase(r.parentInfo.Type.Name())+"_id")
	fk, ok := r.childInfo.Field(foreignKey)
	if !ok {
		return nil, invalid("foreign key %s not found on %s", foreignKey, r.childInfo.Type.Name())
	}
	r.foreignKey = fk

	if r.table == "" {
		r.table = r.childInfo.TableName
	}

	if cfg.Field != "" {
		sf, ok := r.parentInfo.Type.FieldByName(cfg.Field)
		if !ok {
			return nil, invalid("field %s not found on %s", cfg.Field, r.parentInfo.Type.Name())
		}
		if sf.Type.Kind() != reflect.Slice || !isChildElem(sf.Type.Elem(), r.childInfo.Type) {
			return nil, invalid("field %s must be []%s or []*%s", cfg.Field, r.childInfo.Type.Name(), r.childInfo.Type.Name())
		}
		r.field = &sf
	}

	Register(r)
	return r, nil
}

// MustDefineHasMany is like DefineHasMany but panics on an invalid definition.
// Meant for package-level relation variables.
func MustDefineHasMany[P, C any](name string, cfg HasMany[C], opts ...RelationOption[P, C]) *Relation[P, C] {
	r, err := DefineHasMany(name, cfg, opts...)
	if err != nil {
		panic(err)
	}
	return r
}

func isChildElem(elem, child reflect.Type) bool {
	return elem == child || elem.Kind() == reflect.Ptr && elem.Elem() == child
}

// Name returns the relation name.
func (r *Relation[P, C]) Name() string { return r.name }

// LocalKey returns the parent column the relation joins on.
func (r *Relation[P, C]) LocalKey() string { return r.localKey.Column }

// ForeignKey returns the child column holding the parent key.
func (r *Relation[P, C]) ForeignKey() string { return r.foreignKey.Column }

// QualifiedForeignKey returns the foreign key prefixed with the child table.
func (r *Relation[P, C]) QualifiedForeignKey() string { return r.table + "." + r.foreignKey.Column }

// Table returns the child table.
func (r *Relation[P, C]) Table() string { return r.table }

// NewRelated returns a new, empty child row.
func (r *Relation[P, C]) NewRelated() *C { return new(C) }

// Hydrate copies the parent's local key onto the child's foreign key.
func (r *Relation[P, C]) Hydrate(parent *P, child *C) error {
	if child == nil {
		return ErrNilPointer
	}
	key, err := ResolveKey(parent, r.parentInfo, r.localKey.Column, OpPersist)
	if err != nil {
		return err
	}
	fv := reflect.ValueOf(child).Elem().FieldByIndex(r.foreignKey.Index)
	if err := setFieldValue(fv, key); err != nil {
		return WrapRelationError(r.name, r.parentInfo.Type.Name(), err)
	}
	return nil
}

// HydrateValues sets the foreign key column in a child payload.
func (r *Relation[P, C]) HydrateValues(parent *P, values map[string]any) error {
	key, err := ResolveKey(parent, r.parentInfo, r.localKey.Column, OpPersist)
	if err != nil {
		return err
	}
	values[r.foreignKey.Column] = key
	return nil
}

// InvokeQueryHook applies the hook registered with WithQueryHook, if any.
func (r *Relation[P, C]) InvokeQueryHook(q *Model[C]) {
	if r.hasHook {
		r.hook(q)
	}
}

// related returns a fresh model for the child table.
func (r *Relation[P, C]) related(db *sql.DB) *Model[C] {
	m := New[C]().Table(r.table)
	if db != nil {
		m.SetDB(db)
	}
	return m
}

// generatesLocalKey reports whether saving parent lets the database assign
// the local key, in which case it cannot be resolved before the save.
func (r *Relation[P, C]) generatesLocalKey(parent *P) bool {
	if !r.localKey.IsPrimary || !r.localKey.IsAuto {
		return false
	}
	return reflect.ValueOf(parent).Elem().FieldByIndex(r.localKey.Index).IsZero()
}

// assign stores children in the parent field configured by HasMany.Field.
func (r *Relation[P, C]) assign(parent *P, children []*C) {
	fv := reflect.ValueOf(parent).Elem().FieldByIndex(r.field.Index)
	slice := reflect.MakeSlice(fv.Type(), 0, len(children))
	byPointer := fv.Type().Elem().Kind() == reflect.Ptr
	for _, child := range children {
		if byPointer {
			slice = reflect.Append(slice, reflect.ValueOf(child))
		} else {
			slice = reflect.Append(slice, reflect.ValueOf(child).Elem())
		}
	}
	fv.Set(slice)
}

// Describe returns the printable summary of the relation.
func (r *Relation[P, C]) Describe() RelationInfo {
	info := RelationInfo{
		Name:       r.name,
		Parent:     r.parentInfo.Type.Name(),
		Child:      r.childInfo.Type.Name(),
		Table:      r.table,
		LocalKey:   r.localKey.Column,
		ForeignKey: r.foreignKey.Column,
		HasHook:    r.hasHook,
	}
	if r.field != nil {
		info.Field = r.field.Name
	}
	return info
}

// RelationInfo is the type-erased summary of a registered relation.
type RelationInfo struct {
	Name       string
	Parent     string
	Child      string
	Table      string
	LocalKey   string
	ForeignKey string
	Field      string
	HasHook    bool
}

// Describer is implemented by every relation descriptor.
type Describer interface {
	Describe() RelationInfo
}

var registry sync.Map // "Parent.name" -> Describer

// Register adds a relation to the registry, replacing one with the same
// parent and name. DefineHasMany registers automatically.
func Register(d Describer) {
	info := d.Describe()
	registry.Store(info.Parent+"."+info.Name, d)
}

// Relations returns the registered relations sorted by parent and name.
func Relations() []RelationInfo {
	var out []RelationInfo
	registry.Range(func(_, v any) bool {
		out = append(out, v.(Describer).Describe())
		return true
	})
	slices.SortFunc(out, func(a, b RelationInfo) int {
		return cmp.Or(cmp.Compare(a.Parent, b.Parent), cmp.Compare(a.Name, b.Name))
	})
	return out
}

// PrintRelations writes the registry as a table.
func PrintRelations(w io.Writer) {
	tw := table.NewWriter()
	tw.AppendHeader(table.Row{"Parent", "Relation", "Child", "Table", "Local Key", "Foreign Key", "Field", "Hook"})
	for _, info := range Relations() {
		tw.AppendRow(table.Row{info.Parent, info.Name, info.Child, info.Table, info.LocalKey, info.ForeignKey, info.Field, info.HasHook})
	}
	fmt.Fprintln(w, tw.Render())
}
