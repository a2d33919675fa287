package zrel

import (
	"reflect"
)

// Operation tells ResolveKey why a key is being read.
type Operation int

const (
	// OpQuery reads a key to constrain a query.
	OpQuery Operation = iota
	// OpPersist reads a key to copy it onto a row that is about to be written.
	OpPersist
)

func (op Operation) String() string {
	if op == OpPersist {
		return "persist"
	}
	return "query"
}

// ResolveKey reads the value of key from row, a struct or pointer to struct
// described by info. A nil value fails with *MissingKeyError in both
// operations: a null key can neither match a query nor be propagated. The zero
// value of a database-generated primary key counts as missing.
func ResolveKey(row any, info *ModelInfo, key string, op Operation) (any, error) {
	missing := &MissingKeyError{Model: info.Type.Name(), Key: key, Op: op}

	val := reflect.ValueOf(row)
	for val.Kind() == reflect.Ptr {
		if val.IsNil() {
			return nil, missing
		}
		val = val.Elem()
	}
	if val.Kind() != reflect.Struct {
		return nil, missing
	}

	field, ok := info.Field(key)
	if !ok {
		return nil, missing
	}

	fv := val.FieldByIndex(field.Index)
	if field.IsPrimary && field.IsAuto && fv.IsZero() {
		return nil, missing
	}

	v, err := fieldValue(fv)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, missing
	}
	return v, nil
}

// DedupeKeys returns the distinct values of keys, keeping the first occurrence
// of each. Integers of different widths that hold the same number are equal.
func DedupeKeys(keys []any) []any {
	seen := make(map[any]struct{}, len(keys))
	out := make([]any, 0, len(keys))
	for _, k := range keys {
		nk := normalizeKey(k)
		if _, ok := seen[nk]; ok {
			continue
		}
		seen[nk] = struct{}{}
		out = append(out, k)
	}
	return out
}
