package zrel

import (
	"database/sql"
	"database/sql/driver"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/gertd/go-pluralize"
	"github.com/iancoleman/strcase"
)

// ModelInfo holds the reflection data for a model struct.
type ModelInfo struct {
	Type       reflect.Type
	TableName  string
	PrimaryKey string
	Fields     map[string]*FieldInfo // StructFieldName -> FieldInfo
	Columns    map[string]*FieldInfo // DBColumnName -> FieldInfo
	FieldList  []*FieldInfo          // Declaration order, used to keep generated SQL stable
}

// FieldInfo holds data about a single field in the model.
type FieldInfo struct {
	Name      string // Struct field name
	Column    string // DB column name
	IsPrimary bool
	IsAuto    bool // Generated by the database on insert
	FieldType reflect.Type
	Index     []int
}

var (
	modelCache = make(map[reflect.Type]*ModelInfo)
	cacheMu    sync.RWMutex

	plural = pluralize.NewClient()

	scannerType = reflect.TypeOf((*sql.Scanner)(nil)).Elem()
	valuerType  = reflect.TypeOf((*driver.Valuer)(nil)).Elem()
	timeType    = reflect.TypeOf(time.Time{})
)

// Field looks a field up by column name first, then by struct field name.
func (mi *ModelInfo) Field(name string) (*FieldInfo, bool) {
	if f, ok := mi.Columns[name]; ok {
		return f, true
	}
	f, ok := mi.Fields[name]
	return f, ok
}

// PrimaryField returns the field backing the primary key column.
func (mi *ModelInfo) PrimaryField() *FieldInfo {
	return mi.Columns[mi.PrimaryKey]
}

// Qualify prefixes a column with the model's table name.
func (mi *ModelInfo) Qualify(column string) string {
	return mi.TableName + "." + column
}

// ParseModel inspects the struct T and returns its metadata.
func ParseModel[T any]() *ModelInfo {
	return ParseModelType(reflect.TypeOf((*T)(nil)).Elem())
}

// ParseModelType inspects the type and returns its metadata.
func ParseModelType(typ reflect.Type) *ModelInfo {
	if typ.Kind() == reflect.Ptr {
		typ = typ.Elem()
	}
	if typ.Kind() != reflect.Struct {
		panic("zrel: model type must be a struct, got " + typ.String())
	}

	cacheMu.RLock()
	if info, ok := modelCache[typ]; ok {
		cacheMu.RUnlock()
		return info
	}
	cacheMu.RUnlock()

	cacheMu.Lock()
	defer cacheMu.Unlock()

	if info, ok := modelCache[typ]; ok {
		return info
	}

	info := &ModelInfo{
		Type:    typ,
		Fields:  make(map[string]*FieldInfo),
		Columns: make(map[string]*FieldInfo),
	}

	ptrVal := reflect.New(typ)
	if tn, ok := ptrVal.Interface().(interface{ TableName() string }); ok {
		info.TableName = tn.TableName()
	} else {
		info.TableName = plural.Plural(ToSnakeCase(typ.Name()))
	}

	if pk, ok := ptrVal.Interface().(interface{ PrimaryKey() string }); ok {
		info.PrimaryKey = pk.PrimaryKey()
	} else {
		info.PrimaryKey = "id"
	}

	collectFields(info, typ, nil)

	modelCache[typ] = info
	return info
}

// collectFields maps the exported fields of typ onto info. Embedded structs
// are flattened into the parent.
func collectFields(info *ModelInfo, typ reflect.Type, parent []int) {
	for i := 0; i < typ.NumField(); i++ {
		field := typ.Field(i)
		index := append(append([]int(nil), parent...), field.Index...)

		tag := field.Tag.Get("zrel")
		if tag == "-" {
			continue
		}

		if field.Anonymous && field.Type.Kind() == reflect.Struct && field.Type != timeType {
			collectFields(info, field.Type, index)
			continue
		}
		if !field.IsExported() || isRelationField(field.Type) {
			continue
		}

		fInfo := &FieldInfo{
			Name:      field.Name,
			Column:    ToSnakeCase(field.Name),
			FieldType: field.Type,
			Index:     index,
		}
		autoSet := false

		for _, part := range strings.Split(tag, ";") {
			key, val, _ := strings.Cut(part, ":")
			switch strings.TrimSpace(key) {
			case "column":
				fInfo.Column = strings.TrimSpace(val)
			case "primary", "primaryKey":
				fInfo.IsPrimary = true
			case "auto", "autoIncrement":
				fInfo.IsAuto, autoSet = true, true
			case "noauto":
				fInfo.IsAuto, autoSet = false, true
			}
		}

		if field.Name == "ID" {
			fInfo.IsPrimary = true
		}
		if fInfo.IsPrimary {
			info.PrimaryKey = fInfo.Column
			if !autoSet {
				fInfo.IsAuto = isInteger(field.Type.Kind()) || isUint(field.Type.Kind())
			}
		}

		info.Fields[field.Name] = fInfo
		info.Columns[fInfo.Column] = fInfo
		info.FieldList = append(info.FieldList, fInfo)
	}
}

// isRelationField reports fields that hold loaded relation data rather than a column,
// such as Posts []*Post or Author *User.
func isRelationField(t reflect.Type) bool {
	if t.Implements(scannerType) || reflect.PointerTo(t).Implements(scannerType) || t.Implements(valuerType) {
		return false
	}
	switch t.Kind() {
	case reflect.Slice:
		if t.Elem().Kind() == reflect.Uint8 {
			return false
		}
		e := t.Elem()
		if e.Kind() == reflect.Ptr {
			e = e.Elem()
		}
		return e.Kind() == reflect.Struct
	case reflect.Ptr:
		e := t.Elem()
		return e.Kind() == reflect.Struct && e != timeType && !reflect.PointerTo(e).Implements(scannerType)
	case reflect.Struct:
		return t != timeType
	}
	return false
}

// ToSnakeCase converts a string to snake_case.
func ToSnakeCase(s string) string {
	return strcase.ToSnake(s)
}

// fieldValue returns the column value of a field, unwrapping pointers and driver.Valuer
// implementations. A nil pointer or an invalid Null* type yields nil.
func fieldValue(v reflect.Value) (any, error) {
	if v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return nil, nil
		}
		if !v.Type().Implements(valuerType) {
			v = v.Elem()
		}
	}
	if valuer, ok := v.Interface().(driver.Valuer); ok {
		return valuer.Value()
	}
	return v.Interface(), nil
}

// setFieldValue assigns v to field, converting between compatible kinds.
func setFieldValue(field reflect.Value, v any) error {
	if !field.CanSet() {
		return fmt.Errorf("zrel: field of type %s is not settable", field.Type())
	}
	if v == nil {
		field.Set(reflect.Zero(field.Type()))
		return nil
	}

	src := reflect.ValueOf(v)
	if src.Kind() == reflect.Ptr {
		if src.IsNil() {
			field.Set(reflect.Zero(field.Type()))
			return nil
		}
		if !src.Type().AssignableTo(field.Type()) {
			src = src.Elem()
		}
	}

	if src.Type().AssignableTo(field.Type()) {
		field.Set(src)
		return nil
	}

	if field.Kind() != reflect.Ptr && field.Addr().Type().Implements(scannerType) {
		return field.Addr().Interface().(sql.Scanner).Scan(src.Interface())
	}

	if field.Kind() == reflect.Ptr {
		elem := reflect.New(field.Type().Elem())
		if err := setFieldValue(elem.Elem(), src.Interface()); err != nil {
			return err
		}
		field.Set(elem)
		return nil
	}

	if b, ok := src.Interface().([]byte); ok && field.Kind() == reflect.String {
		field.SetString(string(b))
		return nil
	}

	if isNumericKind(src.Kind()) && isNumericKind(field.Kind()) ||
		src.Kind() == reflect.String && field.Kind() == reflect.String {
		field.Set(src.Convert(field.Type()))
		return nil
	}

	if src.Type().ConvertibleTo(field.Type()) && src.Kind() == field.Kind() {
		field.Set(src.Convert(field.Type()))
		return nil
	}

	return fmt.Errorf("zrel: cannot assign %T to field of type %s", v, field.Type())
}

// fillStruct populates a struct from a column -> value map.
func fillStruct[T any](entity *T, info *ModelInfo, data map[string]any) error {
	val := reflect.ValueOf(entity).Elem()
	for key, v := range data {
		f, ok := info.Field(key)
		if !ok {
			return fmt.Errorf("%w: %s.%s", ErrUnknownColumn, info.TableName, key)
		}
		if err := setFieldValue(val.FieldByIndex(f.Index), v); err != nil {
			return fmt.Errorf("zrel: column %s: %w", f.Column, err)
		}
	}
	return nil
}

func isNumericKind(k reflect.Kind) bool {
	return k >= reflect.Int && k <= reflect.Float64
}
