package dbusmsg

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"slices"
	"unicode/utf8"
)

// Marshaler is the interface implemented by types that can write
// themselves to a [Message].
//
// SignatureDBus is invoked on zero values of the Marshaler, and must
// return a constant value.
//
// MarshalDBus must write exactly one value of type SignatureDBus to
// the message, typically by bracketing several writes with a
// [Container] and [ContainerEnd].
type Marshaler interface {
	SignatureDBus() Signature
	MarshalDBus(m *Message)
}

var marshalerType = reflect.TypeFor[Marshaler]()

// writerFunc writes v to m.
type writerFunc func(m *Message, v reflect.Value)

var writers cache[reflect.Type, writerFunc]

// Write appends values to the message body, or to the innermost open
// container. Writing a [Container] or [ContainerEnd] opens or closes
// a container, as with [Message.OpenContainer] and
// [Message.CloseContainer].
//
// Write encodes values according to their Go type:
//
// uint8, bool, int16, uint16, int32, uint32, int64, uint64, float64
// and string values encode to the corresponding DBus basic type.
// [ObjectPath], [Signature] and [UnixFD] values encode to DBus object
// paths, signatures and file descriptors.
//
// Slices and arrays encode as DBus arrays. Maps encode as arrays of
// dict entries, in ascending key order. Structs encode as DBus
// structs of their exported fields, in declaration order. Pointers
// encode as the value they point to, or the pointed-to type's zero
// value if nil.
//
// [Variant] values encode as DBus variants, and [Marshaler] values
// encode themselves.
//
// Writing a value that DBus cannot represent, such as an int, an
// interface or a recursive type, invalidates m.
func (m *Message) Write(vs ...any) *Message {
	for _, v := range vs {
		if m.err != nil {
			return m
		}
		switch x := v.(type) {
		case Container:
			m.OpenContainer(x)
		case *Container:
			m.OpenContainer(*x)
		case ContainerEnd, *ContainerEnd:
			m.CloseContainer()
		case nil:
			m.fail(fmt.Errorf("%w: cannot write untyped nil", ErrInvalidValue))
		default:
			m.writeValue(reflect.ValueOf(v))
		}
	}
	return m
}

func (m *Message) writeValue(v reflect.Value) {
	w, err := writerFor(v.Type())
	if err != nil {
		m.fail(fmt.Errorf("%w: %w", ErrInvalidValue, err))
		return
	}
	w(m, v)
}

// writeBasic claims a slot for the basic type code, and runs fn to
// encode the value if the claim succeeds.
func (m *Message) writeBasic(code string, fn func()) {
	if m.claimWrite(code) {
		fn()
	}
}

func writerFor(t reflect.Type) (ret writerFunc, err error) {
	if ret, err := writers.Get(t); err == nil {
		return ret, nil
	} else if !errors.Is(err, errNotFound) {
		return nil, err
	}
	// Note, defer captures the type value in case it gets messed with
	// below.
	defer func(t reflect.Type) {
		if err != nil {
			writers.SetErr(t, err)
		} else {
			writers.Set(t, ret)
		}
	}(t)

	sig, err := signatureFor(t, nil)
	if err != nil {
		return nil, err
	}

	switch t {
	case variantType:
		return func(m *Message, v reflect.Value) {
			v.Interface().(Variant).marshal(m)
		}, nil
	case signatureType:
		return func(m *Message, v reflect.Value) {
			s := v.Interface().(Signature)
			m.writeBasic("g", func() { m.enc.Signature(s.str) })
		}, nil
	case objectPathType:
		return func(m *Message, v reflect.Value) {
			p := ObjectPath(v.String())
			if !p.IsValid() {
				m.fail(fmt.Errorf("%w: invalid object path %q", ErrInvalidValue, p))
				return
			}
			m.writeBasic("o", func() { m.enc.String(string(p)) })
		}, nil
	case unixFDType:
		return func(m *Message, v reflect.Value) {
			fd := v.Interface().(UnixFD)
			if fd.File == nil {
				m.fail(fmt.Errorf("%w: UnixFD with nil File", ErrInvalidValue))
				return
			}
			m.writeBasic("h", func() {
				m.enc.Uint32(uint32(len(m.files)))
				m.files = append(m.files, fd.File)
			})
		}, nil
	}

	// If a value's pointer type implements Marshaler, we can use it
	// for addressable values, which requires an additional runtime
	// check.
	if t.Kind() != reflect.Pointer && reflect.PointerTo(t).Implements(marshalerType) {
		return newCondAddrMarshalWriter(t), nil
	} else if t.Implements(marshalerType) {
		return newMarshalWriter(), nil
	}

	switch t.Kind() {
	case reflect.Pointer:
		return newPtrWriter(t)
	case reflect.Bool:
		return newBoolWriter(), nil
	case reflect.Int16, reflect.Int32, reflect.Int64:
		return newIntWriter(t, sig.str), nil
	case reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return newUintWriter(t, sig.str), nil
	case reflect.Float64:
		return newFloatWriter(), nil
	case reflect.String:
		return newStringWriter(), nil
	case reflect.Slice, reflect.Array:
		return newSliceWriter(t, sig)
	case reflect.Struct:
		return newStructWriter(t, sig)
	case reflect.Map:
		return newMapWriter(t, sig)
	}
	return nil, typeErr(t, "no dbus mapping for type")
}

func newCondAddrMarshalWriter(t reflect.Type) writerFunc {
	ptr := newMarshalWriter()
	if t.Implements(marshalerType) {
		val := newMarshalWriter()
		return func(m *Message, v reflect.Value) {
			if v.CanAddr() {
				ptr(m, v.Addr())
			} else {
				val(m, v)
			}
		}
	}
	return func(m *Message, v reflect.Value) {
		if !v.CanAddr() {
			// Copy to an addressable value so the pointer receiver
			// can be used.
			nv := reflect.New(t)
			nv.Elem().Set(v)
			v = nv.Elem()
		}
		ptr(m, v.Addr())
	}
}

func newMarshalWriter() writerFunc {
	return func(m *Message, v reflect.Value) {
		if v.Kind() == reflect.Pointer && v.IsNil() {
			v = reflect.New(v.Type().Elem())
		}
		v.Interface().(Marshaler).MarshalDBus(m)
	}
}

func newPtrWriter(t reflect.Type) (writerFunc, error) {
	elemW, err := writerFor(t.Elem())
	if err != nil {
		return nil, err
	}
	fn := func(m *Message, v reflect.Value) {
		if v.IsNil() {
			elemW(m, reflect.Zero(t.Elem()))
			return
		}
		elemW(m, v.Elem())
	}
	return fn, nil
}

func newBoolWriter() writerFunc {
	return func(m *Message, v reflect.Value) {
		val := uint32(0)
		if v.Bool() {
			val = 1
		}
		m.writeBasic("b", func() { m.enc.Uint32(val) })
	}
}

func newIntWriter(t reflect.Type, code string) writerFunc {
	switch t.Size() {
	case 2:
		return func(m *Message, v reflect.Value) {
			m.writeBasic(code, func() { m.enc.Uint16(uint16(v.Int())) })
		}
	case 4:
		return func(m *Message, v reflect.Value) {
			m.writeBasic(code, func() { m.enc.Uint32(uint32(v.Int())) })
		}
	case 8:
		return func(m *Message, v reflect.Value) {
			m.writeBasic(code, func() { m.enc.Uint64(uint64(v.Int())) })
		}
	default:
		panic("invalid newIntWriter type")
	}
}

func newUintWriter(t reflect.Type, code string) writerFunc {
	switch t.Size() {
	case 1:
		return func(m *Message, v reflect.Value) {
			m.writeBasic(code, func() { m.enc.Uint8(uint8(v.Uint())) })
		}
	case 2:
		return func(m *Message, v reflect.Value) {
			m.writeBasic(code, func() { m.enc.Uint16(uint16(v.Uint())) })
		}
	case 4:
		return func(m *Message, v reflect.Value) {
			m.writeBasic(code, func() { m.enc.Uint32(uint32(v.Uint())) })
		}
	case 8:
		return func(m *Message, v reflect.Value) {
			m.writeBasic(code, func() { m.enc.Uint64(v.Uint()) })
		}
	default:
		panic("invalid newUintWriter type")
	}
}

func newFloatWriter() writerFunc {
	return func(m *Message, v reflect.Value) {
		m.writeBasic("d", func() { m.enc.Uint64(math.Float64bits(v.Float())) })
	}
}

func newStringWriter() writerFunc {
	return func(m *Message, v reflect.Value) {
		s := v.String()
		if err := validString(s); err != nil {
			m.fail(err)
			return
		}
		m.writeBasic("s", func() { m.enc.String(s) })
	}
}

// validString returns an error if s cannot be a DBus string.
func validString(s string) error {
	if !utf8.ValidString(s) {
		return fmt.Errorf("%w: string is not valid UTF-8", ErrInvalidValue)
	}
	for i := range len(s) {
		if s[i] == 0 {
			return fmt.Errorf("%w: string contains NUL byte at offset %d", ErrInvalidValue, i)
		}
	}
	return nil
}

// isByteSlice reports whether t can use the fast path for []byte.
func isByteSlice(t reflect.Type) bool {
	if t.Kind() != reflect.Slice || t.Elem().Kind() != reflect.Uint8 {
		return false
	}
	et := t.Elem()
	return !et.Implements(marshalerType) && !reflect.PointerTo(et).Implements(marshalerType)
}

func newSliceWriter(t reflect.Type, sig Signature) (writerFunc, error) {
	if isByteSlice(t) {
		// Fast path for []byte
		return func(m *Message, v reflect.Value) {
			bs := v.Bytes()
			if len(bs) > maxArrayLen {
				m.fail(fmt.Errorf("%w: array of %d bytes exceeds maximum of %d", ErrInvalidValue, len(bs), maxArrayLen))
				return
			}
			m.writeBasic("ay", func() { m.enc.Bytes(bs) })
		}, nil
	}

	elemW, err := writerFor(t.Elem())
	if err != nil {
		return nil, err
	}
	c := Container{Kind: ContainerArray, Content: mkSignature(sig.str[1:])}

	fn := func(m *Message, v reflect.Value) {
		m.OpenContainer(c)
		for i := 0; i < v.Len() && m.err == nil; i++ {
			elemW(m, v.Index(i))
		}
		m.CloseContainer()
	}
	return fn, nil
}

func newStructWriter(t reflect.Type, sig Signature) (writerFunc, error) {
	fs, err := getStructInfo(t)
	if err != nil {
		return nil, fmt.Errorf("getting struct info for %s: %w", t, err)
	}

	var frags []writerFunc
	for _, f := range fs.StructFields {
		fw, err := newStructFieldWriter(f)
		if err != nil {
			return nil, err
		}
		frags = append(frags, fw)
	}
	c := Container{Kind: ContainerStruct, Content: mkSignature(sig.str[1 : len(sig.str)-1])}

	fn := func(m *Message, v reflect.Value) {
		m.OpenContainer(c)
		for _, frag := range frags {
			if m.err != nil {
				return
			}
			frag(m, v)
		}
		m.CloseContainer()
	}
	return fn, nil
}

// Note, the returned writer expects to be given the entire struct,
// not just the one field being written.
func newStructFieldWriter(f *structField) (writerFunc, error) {
	fw, err := writerFor(f.Type)
	if err != nil {
		return nil, err
	}
	fn := func(m *Message, v reflect.Value) {
		fw(m, f.GetWithZero(v))
	}
	return fn, nil
}

func newMapWriter(t reflect.Type, sig Signature) (writerFunc, error) {
	kw, err := writerFor(t.Key())
	if err != nil {
		return nil, err
	}
	vw, err := writerFor(t.Elem())
	if err != nil {
		return nil, err
	}
	kCmp := mapKeyCmp(t.Key())

	// sig is "a{kv}"
	array := Container{Kind: ContainerArray, Content: mkSignature(sig.str[1:])}
	entry := Container{Kind: ContainerDictEntry, Content: mkSignature(sig.str[2 : len(sig.str)-1])}

	fn := func(m *Message, v reflect.Value) {
		ks := v.MapKeys()
		slices.SortFunc(ks, kCmp)
		m.OpenContainer(array)
		for _, k := range ks {
			if m.err != nil {
				return
			}
			m.OpenContainer(entry)
			kw(m, k)
			vw(m, v.MapIndex(k))
			m.CloseContainer()
		}
		m.CloseContainer()
	}
	return fn, nil
}
