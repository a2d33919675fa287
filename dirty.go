package zrel

import (
	"maps"
	"reflect"
	"sync"
)

// originalValues stores the last persisted column values per entity pointer.
var originalValues sync.Map // uintptr -> map[string]any

// TrackOriginals stores the current field values of an entity as its persisted state.
// Called automatically after rows are scanned, created or updated.
func TrackOriginals[T any](entity *T, modelInfo *ModelInfo) {
	if entity == nil {
		return
	}

	val := reflect.ValueOf(entity).Elem()
	originals := make(map[string]any, len(modelInfo.FieldList))
	for _, field := range modelInfo.FieldList {
		originals[field.Column] = val.FieldByIndex(field.Index).Interface()
	}

	originalValues.Store(reflect.ValueOf(entity).Pointer(), originals)
}

// ClearOriginals removes tracking for an entity.
func ClearOriginals[T any](entity *T) {
	if entity == nil {
		return
	}
	originalValues.Delete(reflect.ValueOf(entity).Pointer())
}

// GetOriginals returns a copy of the tracked values, or nil if the entity is untracked.
func GetOriginals[T any](entity *T) map[string]any {
	orig, ok := loadOriginals(entity)
	if !ok {
		return nil
	}
	return maps.Clone(orig)
}

// IsTracked reports whether the entity was loaded or persisted by a model.
func IsTracked[T any](entity *T) bool {
	_, ok := loadOriginals(entity)
	return ok
}

// IsDirty checks if a specific column has changed since it was tracked.
// Untracked entities are always dirty.
func IsDirty[T any](entity *T, column string, modelInfo *ModelInfo) bool {
	orig, ok := loadOriginals(entity)
	if !ok {
		return true
	}
	field, ok := modelInfo.Columns[column]
	if !ok {
		return false
	}
	current := reflect.ValueOf(entity).Elem().FieldByIndex(field.Index).Interface()
	return !reflect.DeepEqual(orig[column], current)
}

// GetDirty returns the changed columns and their current values.
func GetDirty[T any](entity *T, modelInfo *ModelInfo) map[string]any {
	dirty := make(map[string]any)
	if entity == nil {
		return dirty
	}
	orig, tracked := loadOriginals(entity)
	val := reflect.ValueOf(entity).Elem()
	for _, field := range modelInfo.FieldList {
		current := val.FieldByIndex(field.Index).Interface()
		if !tracked || !reflect.DeepEqual(orig[field.Column], current) {
			dirty[field.Column] = current
		}
	}
	return dirty
}

func loadOriginals[T any](entity *T) (map[string]any, bool) {
	if entity == nil {
		return nil, false
	}
	v, ok := originalValues.Load(reflect.ValueOf(entity).Pointer())
	if !ok {
		return nil, false
	}
	return v.(map[string]any), true
}
