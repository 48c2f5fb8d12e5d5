package dbusmsg

import (
	"reflect"
	"slices"
)

// flattenFields returns the fields of struct type t in wire order,
// with embedded structs expanded in place. Unexported fields and
// fields tagged `dbus:"-"` are omitted.
//
// Each field's Index is split into hops at embedded struct pointers,
// see [structField.Index].
func flattenFields(t reflect.Type) ([]*structField, error) {
	var (
		ret  []*structField
		walk func(t reflect.Type, hops [][]int, outer []reflect.Type) error
	)
	walk = func(t reflect.Type, hops [][]int, outer []reflect.Type) error {
		if slices.Contains(outer, t) {
			return typeErr(outer[0], "recursive embedding of %s", t)
		}
		outer = append(outer, t)
		for i := range t.NumField() {
			f := t.Field(i)
			if f.Tag.Get("dbus") == "-" {
				continue
			}
			path := appendHop(hops, i)
			if f.Anonymous {
				switch {
				case f.Type.Kind() == reflect.Struct:
					if err := walk(f.Type, path, outer); err != nil {
						return err
					}
					continue
				case f.Type.Kind() == reflect.Pointer && f.Type.Elem().Kind() == reflect.Struct:
					// Fields past a struct pointer start a new hop.
					if err := walk(f.Type.Elem(), append(path, nil), outer); err != nil {
						return err
					}
					continue
				}
			}
			if !f.IsExported() {
				continue
			}
			ret = append(ret, &structField{
				Name:  f.Name,
				Type:  f.Type,
				Index: path,
			})
		}
		return nil
	}
	if err := walk(t, [][]int{nil}, nil); err != nil {
		return nil, err
	}
	return ret, nil
}

// appendHop returns a copy of hops with i appended to the last hop.
func appendHop(hops [][]int, i int) [][]int {
	ret := make([][]int, len(hops))
	for j, h := range hops {
		ret[j] = slices.Clone(h)
	}
	ret[len(ret)-1] = append(ret[len(ret)-1], i)
	return ret
}
