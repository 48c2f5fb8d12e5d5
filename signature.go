package dbusmsg

import (
	"errors"
	"fmt"
	"reflect"
	"slices"
	"strings"
)

const (
	// maxSignatureLen is the longest signature the DBus
	// specification allows.
	maxSignatureLen = 255
	// maxNesting is the deepest nesting of arrays, and separately of
	// structs, that the DBus specification allows.
	maxNesting = 32
)

// A Signature describes the type of a DBus value.
//
// The zero Signature is the empty signature, which describes a void
// value such as a message without a body.
type Signature struct {
	str string
}

// mkSignature returns a Signature for str without validation. The
// caller is responsible for only constructing valid signatures.
func mkSignature(str string) Signature {
	return Signature{str}
}

// String returns the string encoding of the Signature, as described
// in the DBus specification.
func (s Signature) String() string {
	return s.str
}

// IsZero reports whether the signature is the zero value.
func (s Signature) IsZero() bool {
	return s.str == ""
}

// IsSingle reports whether the signature describes exactly one
// complete type, as opposed to nothing or a sequence of several
// types.
func (s Signature) IsSingle() bool {
	_, rest, err := nextType(s.str)
	return err == nil && rest == ""
}

// Elem returns the element type of an array signature, or the zero
// Signature if s is not a single array type.
//
// The element of an array of dict entries, such as "{sv}" in
// "a{sv}", is not a valid signature on its own, so Elem is the way
// to get the Content of an array [Container] of dict entries.
func (s Signature) Elem() Signature {
	if !s.IsSingle() || s.str[0] != 'a' {
		return Signature{}
	}
	return mkSignature(s.str[1:])
}

// Split returns the complete types that make up the signature, in
// order.
func (s Signature) Split() []Signature {
	var ret []Signature
	rest := s.str
	for rest != "" {
		var (
			t   string
			err error
		)
		t, rest, err = nextType(rest)
		if err != nil {
			return nil
		}
		ret = append(ret, mkSignature(t))
	}
	return ret
}

// ParseSignature parses a DBus type signature string.
//
// sig may be empty, or contain any number of complete types, as in a
// message body signature.
func ParseSignature(sig string) (Signature, error) {
	if len(sig) > maxSignatureLen {
		return Signature{}, fmt.Errorf("invalid type signature %q: longer than %d bytes", sig, maxSignatureLen)
	}
	rest := sig
	for rest != "" {
		var err error
		_, rest, err = nextType(rest)
		if err != nil {
			return Signature{}, fmt.Errorf("invalid type signature %q: %w", sig, err)
		}
	}
	return mkSignature(sig), nil
}

// MustParseSignature is like [ParseSignature], but panics if sig is
// invalid.
func MustParseSignature(sig string) Signature {
	ret, err := ParseSignature(sig)
	if err != nil {
		panic(err)
	}
	return ret
}

// nextType consumes the first complete type from the front of sig,
// and returns it along with the remainder of the signature.
func nextType(sig string) (typ, rest string, err error) {
	n, err := typeLen(sig, 0, 0, false)
	if err != nil {
		return "", "", err
	}
	return sig[:n], sig[n:], nil
}

// typeLen returns the length of the complete type at the front of
// sig. arrays and structs are the current nesting depths, and
// inArray is whether the type is the element type of an array.
func typeLen(sig string, arrays, structs int, inArray bool) (int, error) {
	if sig == "" {
		return 0, errors.New("missing type")
	}
	c := sig[0]
	if c == 'v' || basicCodes.Has(c) {
		return 1, nil
	}
	switch c {
	case 'a':
		if arrays >= maxNesting {
			return 0, fmt.Errorf("arrays nested more than %d deep", maxNesting)
		}
		n, err := typeLen(sig[1:], arrays+1, structs, true)
		if err != nil {
			return 0, err
		}
		return n + 1, nil
	case '(':
		if structs >= maxNesting {
			return 0, fmt.Errorf("structs nested more than %d deep", maxNesting)
		}
		i := 1
		for i < len(sig) && sig[i] != ')' {
			n, err := typeLen(sig[i:], arrays, structs+1, false)
			if err != nil {
				return 0, err
			}
			i += n
		}
		if i >= len(sig) {
			return 0, errors.New("missing closing ) in struct definition")
		}
		if i == 1 {
			return 0, errors.New("empty struct")
		}
		return i + 1, nil
	case '{':
		if !inArray {
			return 0, errors.New("dict entry type found outside array")
		}
		if len(sig) < 2 || !basicCodes.Has(sig[1]) {
			return 0, errors.New("invalid dict entry key type, must be a dbus basic type")
		}
		n, err := typeLen(sig[2:], arrays, structs+1, false)
		if err != nil {
			return 0, err
		}
		i := 2 + n
		if i >= len(sig) || sig[i] != '}' {
			return 0, errors.New("missing closing } in dict entry definition")
		}
		return i + 1, nil
	default:
		return 0, fmt.Errorf("unknown type specifier %q", c)
	}
}

// A signer provides its own DBus signature.
type signer interface {
	SignatureDBus() Signature
}

var (
	signerType     = reflect.TypeFor[signer]()
	signatureType  = reflect.TypeFor[Signature]()
	objectPathType = reflect.TypeFor[ObjectPath]()
	unixFDType     = reflect.TypeFor[UnixFD]()
	variantType    = reflect.TypeFor[Variant]()
)

// SignatureFor returns the Signature for the given type.
func SignatureFor[T any]() (Signature, error) {
	return signatureFor(reflect.TypeFor[T](), nil)
}

// SignatureOf returns the Signature of the given value.
func SignatureOf(v any) (Signature, error) {
	return signatureFor(reflect.TypeOf(v), nil)
}

var typeToSignature cache[reflect.Type, Signature]

func signatureFor(t reflect.Type, stack []reflect.Type) (sig Signature, err error) {
	if t == nil {
		return Signature{}, typeErr(t, "nil interface")
	}
	if ret, err := typeToSignature.Get(t); !errors.Is(err, errNotFound) {
		return ret, err
	}

	if slices.Contains(stack, t) {
		return Signature{}, typeErr(t, "recursive type")
	}
	stack = append(stack, t)

	// Note, defer captures the type value before we mess with it
	// below.
	defer func(t reflect.Type) {
		if err != nil {
			typeToSignature.SetErr(t, err)
		} else {
			typeToSignature.Set(t, sig)
		}
	}(t)

	switch t {
	case signatureType:
		return mkSignature("g"), nil
	case objectPathType:
		return mkSignature("o"), nil
	case unixFDType:
		return mkSignature("h"), nil
	case variantType:
		return mkSignature("v"), nil
	}

	if t.Kind() == reflect.Pointer {
		return signatureFor(t.Elem(), stack)
	}

	if t.Implements(dictEntryType) {
		return dictEntrySignature(reflect.Zero(t).Interface().(dictEntry), stack)
	}
	if pt := reflect.PointerTo(t); pt.Implements(signerType) {
		ret := reflect.New(t).Interface().(signer).SignatureDBus()
		if !ret.IsSingle() {
			return Signature{}, typeErr(t, "SignatureDBus returned %q, which is not a single complete type", ret)
		}
		return ret, nil
	}

	if c, ok := kindToStr[t.Kind()]; ok {
		return mkSignature(string(c)), nil
	}

	switch t.Kind() {
	case reflect.Int, reflect.Uint:
		return Signature{}, typeErr(t, "int and uint aren't portable, use fixed width integers")
	case reflect.Int8:
		return Signature{}, typeErr(t, "int8 has no corresponding DBus type, use uint8 instead")
	case reflect.Float32:
		return Signature{}, typeErr(t, "float32 has no corresponding DBus type, use float64 instead")
	case reflect.Interface:
		return Signature{}, typeErr(t, "interface values have no static type, use dbusmsg.Variant instead")
	case reflect.Slice, reflect.Array:
		es, err := signatureFor(t.Elem(), stack)
		if err != nil {
			return Signature{}, err
		}
		return mkSignature("a" + es.str), nil
	case reflect.Map:
		k := t.Key()
		if !mapKeyKinds.Has(k.Kind()) {
			return Signature{}, typeErr(t, "invalid map key type %s, must be a dbus basic type", k)
		}
		ks, err := signatureFor(k, stack)
		if err != nil {
			return Signature{}, err
		}
		if len(ks.str) != 1 || !basicCodes.Has(ks.str[0]) {
			return Signature{}, typeErr(t, "invalid map key signature %q, must be a dbus basic type", ks)
		}
		vs, err := signatureFor(t.Elem(), stack)
		if err != nil {
			return Signature{}, err
		}
		return mkSignature("a{" + ks.str + vs.str + "}"), nil
	case reflect.Struct:
		fs, err := getStructInfo(t)
		if err != nil {
			return Signature{}, typeErr(t, "getting struct info: %w", err)
		}
		if len(fs.StructFields) == 0 {
			return Signature{}, typeErr(t, "struct has no exported fields, DBus structs cannot be empty")
		}
		var s strings.Builder
		s.WriteByte('(')
		for _, f := range fs.StructFields {
			// Descend through all fields, to look for cyclic
			// references.
			fieldSig, err := signatureFor(f.Type, stack)
			if err != nil {
				return Signature{}, err
			}
			s.WriteString(fieldSig.str)
		}
		s.WriteByte(')')
		return mkSignature(s.String()), nil
	}

	return Signature{}, typeErr(t, "no mapping available")
}
