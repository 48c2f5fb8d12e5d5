package dbusmsg

import (
	"reflect"

	"github.com/creachadair/mds/mapset"
)

var (
	// kindToStr maps the reflect.Kinds of the basic types
	// representable by DBus to their DBus type code.
	kindToStr = map[reflect.Kind]byte{
		reflect.Bool:    'b',
		reflect.Uint8:   'y',
		reflect.Int16:   'n',
		reflect.Uint16:  'q',
		reflect.Int32:   'i',
		reflect.Uint32:  'u',
		reflect.Int64:   'x',
		reflect.Uint64:  't',
		reflect.Float64: 'd',
		reflect.String:  's',
	}

	// mapKeyKinds is the set of reflect.Kinds that can be in a DBus map
	// key.
	mapKeyKinds = mapset.New(
		reflect.Bool,
		reflect.Uint8,
		reflect.Int16,
		reflect.Uint16,
		reflect.Int32,
		reflect.Uint32,
		reflect.Int64,
		reflect.Uint64,
		reflect.Float64,
		reflect.String,
	)

	// basicCodes is the set of DBus basic type codes. Only basic
	// types can be dict entry keys.
	basicCodes = mapset.New[byte]('y', 'b', 'n', 'q', 'i', 'u', 'x', 't', 'd', 's', 'o', 'g', 'h')

	// basicTypes maps DBus basic type codes to the Go type that
	// represents them.
	basicTypes = map[byte]reflect.Type{
		'y': reflect.TypeFor[uint8](),
		'b': reflect.TypeFor[bool](),
		'n': reflect.TypeFor[int16](),
		'q': reflect.TypeFor[uint16](),
		'i': reflect.TypeFor[int32](),
		'u': reflect.TypeFor[uint32](),
		'x': reflect.TypeFor[int64](),
		't': reflect.TypeFor[uint64](),
		'd': reflect.TypeFor[float64](),
		's': reflect.TypeFor[string](),
		'o': reflect.TypeFor[ObjectPath](),
		'g': reflect.TypeFor[Signature](),
		'h': reflect.TypeFor[UnixFD](),
	}

	// alignments is the wire alignment of each DBus type, keyed by
	// the first byte of the type's signature.
	alignments = map[byte]int{
		'y': 1,
		'b': 4,
		'n': 2,
		'q': 2,
		'i': 4,
		'u': 4,
		'x': 8,
		't': 8,
		'd': 8,
		's': 4,
		'o': 4,
		'g': 1,
		'h': 4,
		'v': 1,
		'a': 4,
		'(': 8,
		'{': 8,
	}
)

// alignOf returns the wire alignment of the DBus type sig.
func alignOf(sig string) int {
	if sig == "" {
		return 1
	}
	return alignments[sig[0]]
}
