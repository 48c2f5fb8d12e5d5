package dbusmsg

import (
	"cmp"
	"errors"
	"fmt"
	"reflect"
	"strings"
)

// structField is the information about a struct field that needs to
// be marshaled/unmarshaled.
type structField struct {
	Name  string
	// Index is the field's path from the outer struct, split into
	// hops. Each hop after the first starts by dereferencing an
	// embedded struct pointer, which may be nil.
	Index [][]int
	Type  reflect.Type
}

// GetWithZero loads the struct field from structVal. If loading
// requires traversing a nil pointer into an embedded struct,
// GetWithZero returns a non-settable zero value of the field.
func (f *structField) GetWithZero(structVal reflect.Value) reflect.Value {
	v := structVal
	for i, hop := range f.Index {
		if i > 0 {
			if v.IsNil() {
				return reflect.Zero(f.Type)
			}
			v = v.Elem()
		}
		v = v.FieldByIndex(hop)
	}
	return v
}

// GetWithAlloc loads the struct field from structVal, allocating
// embedded struct pointers as needed. The returned [reflect.Value] is
// settable.
func (f *structField) GetWithAlloc(structVal reflect.Value) reflect.Value {
	v := structVal
	for i, hop := range f.Index {
		if i > 0 {
			if v.IsNil() {
				v.Set(reflect.New(v.Type().Elem()))
			}
			v = v.Elem()
		}
		v = v.FieldByIndex(hop)
	}
	return v
}

func (f *structField) String() string {
	kindStr := ""
	if ks := f.Type.Kind().String(); ks != f.Type.String() {
		kindStr = fmt.Sprintf(" (%s)", ks)
	}
	return fmt.Sprintf("%s: %s%s at %v", f.Name, f.Type, kindStr, f.Index)
}

// structInfo is the information about a struct relevant to
// marshaling/unmarshaling.
type structInfo struct {
	// Name is the struct's name, for use in diagnostics.
	Name  string
	// Type is the struct's type, for use in diagnostics.
	Type reflect.Type

	// StructFields is the information about each struct field
	// eligible for DBus encoding/decoding, in wire order.
	StructFields []*structField
}

func (s *structInfo) String() string {
	var ret strings.Builder
	fmt.Fprintf(&ret, "%s: struct, fields:\n", s.Name)
	for _, f := range s.StructFields {
		ret.WriteString(f.String())
		ret.WriteByte('\n')
	}
	return ret.String()
}

var typeToStructInfo cache[reflect.Type, *structInfo]

// getStructInfo returns the structInfo for t.
//
// Exported fields are encoded in declaration order, with the fields
// of embedded structs flattened in place. Fields tagged `dbus:"-"`
// are skipped.
func getStructInfo(t reflect.Type) (*structInfo, error) {
	if t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("%s is not a struct", t)
	}
	if ret, err := typeToStructInfo.Get(t); !errors.Is(err, errNotFound) {
		return ret, err
	}

	ret := &structInfo{
		Name: t.String(),
		Type: t,
	}
	fs, err := flattenFields(t)
	if err != nil {
		typeToStructInfo.SetErr(t, err)
		return nil, err
	}
	ret.StructFields = fs
	typeToStructInfo.Set(t, ret)
	return ret, nil
}

// mapKeyCmp returns a comparison function for the given map key type.
func mapKeyCmp(t reflect.Type) func(a, b reflect.Value) int {
	switch t.Kind() {
	case reflect.Bool:
		return func(a, b reflect.Value) int {
			if a.Bool() == b.Bool() {
				return 0
			}
			if !a.Bool() {
				return -1
			}
			return 1
		}
	case reflect.Int16, reflect.Int32, reflect.Int64:
		return func(a, b reflect.Value) int {
			return cmp.Compare(a.Int(), b.Int())
		}
	case reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return func(a, b reflect.Value) int {
			return cmp.Compare(a.Uint(), b.Uint())
		}
	case reflect.Float64:
		return func(a, b reflect.Value) int {
			return cmp.Compare(a.Float(), b.Float())
		}
	case reflect.String:
		return func(a, b reflect.Value) int {
			return cmp.Compare(a.String(), b.String())
		}
	default:
		panic("invalid map key type")
	}
}
