package zrel

import (
	"context"
	"database/sql"
	"fmt"
	"maps"
	"reflect"
	"slices"
	"strings"
	"time"
)

// Get executes the query and returns a slice of results.
func (m *Model[T]) Get(ctx context.Context) ([]*T, error) {
	query, args := m.ToSQL()

	q, err := m.queryer(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, WrapQueryError("SELECT", query, args, err)
	}
	defer rows.Close()

	results, err := m.scanRows(rows)
	if err != nil {
		return nil, WrapQueryError("SCAN", query, args, err)
	}
	return results, nil
}

// First returns the first matching row or ErrRecordNotFound.
func (m *Model[T]) First(ctx context.Context) (*T, error) {
	results, err := m.Clone().Limit(1).Get(ctx)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, ErrRecordNotFound
	}
	return results[0], nil
}

// Find retrieves a row by primary key.
func (m *Model[T]) Find(ctx context.Context, id any) (*T, error) {
	return m.Clone().Where(m.modelInfo.PrimaryKey, id).First(ctx)
}

// Count returns the number of matching rows.
func (m *Model[T]) Count(ctx context.Context) (int64, error) {
	query, args := m.buildQuery("COUNT(*)", false)
	query = m.Dialect().Rebind(query)

	q, err := m.queryer(ctx)
	if err != nil {
		return 0, err
	}

	var count int64
	if err := q.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, WrapQueryError("SELECT", query, args, err)
	}
	return count, nil
}

// Exists reports whether at least one row matches.
func (m *Model[T]) Exists(ctx context.Context) (bool, error) {
	query, args := m.Clone().Limit(1).buildQuery("1", true)
	query = m.Dialect().Rebind(query)

	q, err := m.queryer(ctx)
	if err != nil {
		return false, err
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return false, WrapQueryError("SELECT", query, args, err)
	}
	defer rows.Close()

	found := rows.Next()
	return found, rows.Err()
}

// scanRows maps result columns onto T by column name. Unknown columns are discarded.
func (m *Model[T]) scanRows(rows *sql.Rows) ([]*T, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	fields := make([]*FieldInfo, len(columns))
	for i, col := range columns {
		if idx := strings.LastIndexByte(col, '.'); idx >= 0 {
			col = col[idx+1:]
		}
		fields[i] = m.modelInfo.Columns[col]
	}

	var results []*T
	dest := make([]any, len(columns))
	for rows.Next() {
		entity := new(T)
		val := reflect.ValueOf(entity).Elem()
		for i, f := range fields {
			if f != nil {
				dest[i] = val.FieldByIndex(f.Index).Addr().Interface()
			} else {
				var discard any
				dest[i] = &discard
			}
		}

		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}

		TrackOriginals(entity, m.modelInfo)
		results = append(results, entity)
	}

	return results, rows.Err()
}

// Create inserts a new record. A zero auto-increment primary key is left to the
// database and the generated value is written back into the entity.
func (m *Model[T]) Create(ctx context.Context, entity *T) error {
	if entity == nil {
		return ErrNilPointer
	}

	if hook, ok := any(entity).(interface{ BeforeCreate(context.Context) error }); ok {
		if err := hook.BeforeCreate(ctx); err != nil {
			return err
		}
	}

	val := reflect.ValueOf(entity).Elem()
	m.touchTimestamps(val, true)

	pk := m.modelInfo.PrimaryField()
	generated := pk != nil && pk.IsAuto && val.FieldByIndex(pk.Index).IsZero()

	columns := make([]string, 0, len(m.modelInfo.FieldList))
	values := make([]any, 0, len(m.modelInfo.FieldList))
	for _, field := range m.modelInfo.FieldList {
		if generated && field == pk {
			continue
		}
		columns = append(columns, field.Column)
		values = append(values, val.FieldByIndex(field.Index).Interface())
	}

	var sb strings.Builder
	sb.WriteString("INSERT INTO ")
	sb.WriteString(m.TableName())
	if len(columns) == 0 {
		sb.WriteString(" DEFAULT VALUES")
	} else {
		sb.WriteString(" (")
		sb.WriteString(strings.Join(columns, ", "))
		sb.WriteString(") VALUES (")
		writePlaceholders(&sb, len(columns))
		sb.WriteString(")")
	}

	dialect := m.Dialect()
	returning := generated && dialect.Returning
	if returning {
		sb.WriteString(" RETURNING ")
		sb.WriteString(pk.Column)
	}
	query := dialect.Rebind(sb.String())

	q, err := m.queryer(ctx)
	if err != nil {
		return err
	}

	m.logger.DebugContext(ctx, "zrel: insert", "table", m.TableName(), "query", query)

	switch {
	case returning:
		if err := q.QueryRowContext(ctx, query, values...).Scan(val.FieldByIndex(pk.Index).Addr().Interface()); err != nil {
			return WrapQueryError("INSERT", query, values, err)
		}
	default:
		res, err := q.ExecContext(ctx, query, values...)
		if err != nil {
			return WrapQueryError("INSERT", query, values, err)
		}
		if generated {
			id, err := res.LastInsertId()
			if err != nil {
				return WrapQueryError("INSERT", query, values, err)
			}
			if err := setFieldValue(val.FieldByIndex(pk.Index), id); err != nil {
				return err
			}
		}
	}

	TrackOriginals(entity, m.modelInfo)

	if hook, ok := any(entity).(interface{ AfterCreate(context.Context) error }); ok {
		if err := hook.AfterCreate(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Update writes every non-key column of the entity, matched on its primary key.
// It returns ErrRecordNotFound when no row has that key.
func (m *Model[T]) Update(ctx context.Context, entity *T) error {
	if entity == nil {
		return ErrNilPointer
	}

	pk := m.modelInfo.PrimaryField()
	if pk == nil {
		return fmt.Errorf("%w: %s has no primary key", ErrMissingKey, m.modelInfo.Type.Name())
	}

	if hook, ok := any(entity).(interface{ BeforeUpdate(context.Context) error }); ok {
		if err := hook.BeforeUpdate(ctx); err != nil {
			return err
		}
	}

	val := reflect.ValueOf(entity).Elem()
	m.touchTimestamps(val, false)

	sets := make([]string, 0, len(m.modelInfo.FieldList))
	values := make([]any, 0, len(m.modelInfo.FieldList)+1)
	for _, field := range m.modelInfo.FieldList {
		if field == pk {
			continue
		}
		sets = append(sets, field.Column+" = ?")
		values = append(values, val.FieldByIndex(field.Index).Interface())
	}
	if len(sets) == 0 {
		return nil
	}
	values = append(values, val.FieldByIndex(pk.Index).Interface())

	query := m.Dialect().Rebind("UPDATE " + m.TableName() + " SET " + strings.Join(sets, ", ") +
		" WHERE " + pk.Column + " = ?")

	q, err := m.queryer(ctx)
	if err != nil {
		return err
	}

	m.logger.DebugContext(ctx, "zrel: update", "table", m.TableName(), "query", query)

	res, err := q.ExecContext(ctx, query, values...)
	if err != nil {
		return WrapQueryError("UPDATE", query, values, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return WrapQueryError("UPDATE", query, values, err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s %s = %v", ErrRecordNotFound, m.TableName(), pk.Column, values[len(values)-1])
	}

	TrackOriginals(entity, m.modelInfo)

	if hook, ok := any(entity).(interface{ AfterUpdate(context.Context) error }); ok {
		if err := hook.AfterUpdate(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Save persists the entity: INSERT when the primary key is zero, UPDATE when
// it has changes since it was loaded or last saved, nothing otherwise.
func (m *Model[T]) Save(ctx context.Context, entity *T) error {
	if entity == nil {
		return ErrNilPointer
	}

	pk := m.modelInfo.PrimaryField()
	if pk == nil || reflect.ValueOf(entity).Elem().FieldByIndex(pk.Index).IsZero() {
		return m.Create(ctx, entity)
	}

	if IsTracked(entity) && len(GetDirty(entity, m.modelInfo)) == 0 {
		return nil
	}
	return m.Update(ctx, entity)
}

// CreateFromValues builds a T from a column -> value map and inserts it.
func (m *Model[T]) CreateFromValues(ctx context.Context, values map[string]any) (*T, error) {
	entity := new(T)
	if err := fillStruct(entity, m.modelInfo, values); err != nil {
		return nil, err
	}
	if err := m.Create(ctx, entity); err != nil {
		return nil, err
	}
	return entity, nil
}

// CreateManyFromValues inserts one row per payload, in order.
func (m *Model[T]) CreateManyFromValues(ctx context.Context, values []map[string]any) ([]*T, error) {
	results := make([]*T, 0, len(values))
	for _, v := range values {
		entity, err := m.CreateFromValues(ctx, v)
		if err != nil {
			return nil, err
		}
		results = append(results, entity)
	}
	return results, nil
}

// FirstOrCreate returns the first row matching search, or creates one from
// search merged with payload.
func (m *Model[T]) FirstOrCreate(ctx context.Context, search, payload map[string]any) (*T, error) {
	found, err := m.whereAll(search).First(ctx)
	if err == nil {
		return found, nil
	}
	if !IsNotFound(err) {
		return nil, err
	}
	return m.CreateFromValues(ctx, mergeValues(search, payload))
}

// UpdateOrCreate updates the first row matching search with update, or creates
// one from search merged with update.
func (m *Model[T]) UpdateOrCreate(ctx context.Context, search, update map[string]any) (*T, error) {
	found, err := m.whereAll(search).First(ctx)
	if err != nil && !IsNotFound(err) {
		return nil, err
	}
	if found == nil {
		return m.CreateFromValues(ctx, mergeValues(search, update))
	}

	if err := fillStruct(found, m.modelInfo, update); err != nil {
		return nil, err
	}
	if err := m.Update(ctx, found); err != nil {
		return nil, err
	}
	return found, nil
}

// FetchOrCreateMany returns one row per payload, fetching rows whose predicate
// columns match and creating the rest. Results follow payload order.
func (m *Model[T]) FetchOrCreateMany(ctx context.Context, predicate []string, payloads []map[string]any) ([]*T, error) {
	return m.upsertMany(ctx, predicate, payloads, false)
}

// UpdateOrCreateMany is FetchOrCreateMany that also writes the payload onto
// rows that already exist.
func (m *Model[T]) UpdateOrCreateMany(ctx context.Context, predicate []string, payloads []map[string]any) ([]*T, error) {
	return m.upsertMany(ctx, predicate, payloads, true)
}

func (m *Model[T]) upsertMany(ctx context.Context, predicate []string, payloads []map[string]any, update bool) ([]*T, error) {
	if len(payloads) == 0 {
		return nil, nil
	}

	keys := make([]string, len(payloads))
	for i, p := range payloads {
		key, err := m.payloadKey(predicate, p)
		if err != nil {
			return nil, err
		}
		keys[i] = key
	}

	existing, err := m.fetchExisting(ctx, predicate, payloads)
	if err != nil {
		return nil, err
	}

	results := make([]*T, 0, len(payloads))
	for i, p := range payloads {
		row, ok := existing[keys[i]]
		switch {
		case !ok:
			if row, err = m.CreateFromValues(ctx, p); err != nil {
				return nil, err
			}
			existing[keys[i]] = row
		case update:
			if err := fillStruct(row, m.modelInfo, p); err != nil {
				return nil, err
			}
			if err := m.Update(ctx, row); err != nil {
				return nil, err
			}
		}
		results = append(results, row)
	}
	return results, nil
}

// fetchExisting loads candidate rows with one IN predicate per column and
// indexes them by their predicate values.
func (m *Model[T]) fetchExisting(ctx context.Context, predicate []string, payloads []map[string]any) (map[string]*T, error) {
	q := m.Clone()
	seen := make(map[string]bool, len(predicate))
	for _, col := range predicate {
		if seen[col] {
			continue
		}
		seen[col] = true

		values := make([]any, len(payloads))
		for i, p := range payloads {
			values[i] = p[col]
		}
		q.WhereIn(col, DedupeKeys(values))
	}

	rows, err := q.Get(ctx)
	if err != nil {
		return nil, err
	}

	indexed := make(map[string]*T, len(rows))
	for _, row := range rows {
		key, err := m.rowKey(predicate, row)
		if err != nil {
			return nil, err
		}
		if _, dup := indexed[key]; !dup {
			indexed[key] = row
		}
	}
	return indexed, nil
}

func (m *Model[T]) payloadKey(predicate []string, payload map[string]any) (string, error) {
	values := make([]any, len(predicate))
	for i, col := range predicate {
		if _, ok := m.modelInfo.Field(col); !ok {
			return "", fmt.Errorf("%w: %s.%s", ErrUnknownColumn, m.TableName(), col)
		}
		v, ok := payload[col]
		if !ok || v == nil {
			return "", &MissingKeyError{Model: m.modelInfo.Type.Name(), Key: col, Op: OpPersist}
		}
		values[i] = v
	}
	return compositeKey(values...), nil
}

func (m *Model[T]) rowKey(predicate []string, row *T) (string, error) {
	val := reflect.ValueOf(row).Elem()
	values := make([]any, len(predicate))
	for i, col := range predicate {
		f, _ := m.modelInfo.Field(col)
		v, err := fieldValue(val.FieldByIndex(f.Index))
		if err != nil {
			return "", err
		}
		values[i] = v
	}
	return compositeKey(values...), nil
}

// whereAll clones the model and adds one equality predicate per search entry,
// in column order so the generated SQL is stable.
func (m *Model[T]) whereAll(search map[string]any) *Model[T] {
	q := m.Clone()
	for _, col := range slices.Sorted(maps.Keys(search)) {
		q.Where(col, search[col])
	}
	return q
}

func (m *Model[T]) touchTimestamps(val reflect.Value, creating bool) {
	now := time.Now()
	if creating {
		if f, ok := m.modelInfo.Columns["created_at"]; ok {
			if fv := val.FieldByIndex(f.Index); fv.IsZero() {
				_ = setFieldValue(fv, now)
			}
		}
	}
	if f, ok := m.modelInfo.Columns["updated_at"]; ok {
		_ = setFieldValue(val.FieldByIndex(f.Index), now)
	}
}

func mergeValues(base, extra map[string]any) map[string]any {
	data := make(map[string]any, len(base)+len(extra))
	maps.Copy(data, base)
	maps.Copy(data, extra)
	return data
}
