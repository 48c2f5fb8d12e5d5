package dbusmsg

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"unicode/utf8"

	"github.com/danderson/dbusmsg/fragments"
)

// Unmarshaler is the interface implemented by types that can read
// themselves from a [Message].
//
// UnmarshalDBus must read exactly one value of type SignatureDBus
// from the message. It must be implemented on a pointer receiver.
type Unmarshaler interface {
	SignatureDBus() Signature
	UnmarshalDBus(m *Message)
}

var unmarshalerType = reflect.TypeFor[Unmarshaler]()

// readerFunc reads a value from m into v, which must be settable.
type readerFunc func(m *Message, v reflect.Value)

var readers cache[reflect.Type, readerFunc]

// Read reads values from the message body, or from the innermost
// open container, into the pointers ps. Reading a [Container] or
// [ContainerEnd] enters or exits a container, as with
// [Message.EnterContainer] and [Message.ExitContainer]. Reading into
// a *Container with a zero Content enters whatever container of the
// given kind comes next, and fills in Content.
//
// Read decodes values into pointers according to the same rules that
// [Message.Write] uses to encode them. Slices are read until the
// end of the array, and fixed-size arrays must match the number of
// elements in the message. Maps are replaced with a new map holding
// the message's entries.
//
// Reading a value whose type doesn't match the next type in the
// message invalidates m, and leaves the pointed-to value unspecified.
func (m *Message) Read(ps ...any) *Message {
	for _, p := range ps {
		if m.err != nil {
			return m
		}
		switch x := p.(type) {
		case *Container:
			m.enterContainer(x)
		case Container:
			m.enterContainer(&x)
		case ContainerEnd, *ContainerEnd:
			m.ExitContainer()
		default:
			m.readValue(p)
		}
	}
	return m
}

func (m *Message) readValue(p any) {
	v := reflect.ValueOf(p)
	if v.Kind() != reflect.Pointer || v.IsNil() {
		m.fail(fmt.Errorf("%w: cannot read into non-pointer %T", ErrInvalidValue, p))
		return
	}
	r, err := readerFor(v.Type().Elem())
	if err != nil {
		m.fail(fmt.Errorf("%w: %w", ErrInvalidValue, err))
		return
	}
	r(m, v.Elem())
}

// readBasic claims a slot for the basic type code, and decodes a
// value with fn if the claim succeeds.
func readBasic[T any](m *Message, code string, fn func(*fragments.Decoder) (T, error)) (ret T, ok bool) {
	if !m.claimRead(code) {
		return ret, false
	}
	ret, err := fn(&m.dec)
	if err != nil {
		m.readFailed(fmt.Sprintf("%q", code), err)
		return ret, false
	}
	return ret, true
}

func readerFor(t reflect.Type) (ret readerFunc, err error) {
	if ret, err := readers.Get(t); err == nil {
		return ret, nil
	} else if !errors.Is(err, errNotFound) {
		return nil, err
	}
	// Note, defer captures the type value in case it gets messed with
	// below.
	defer func(t reflect.Type) {
		if err != nil {
			readers.SetErr(t, err)
		} else {
			readers.Set(t, ret)
		}
	}(t)

	sig, err := signatureFor(t, nil)
	if err != nil {
		return nil, err
	}

	switch t {
	case variantType:
		return func(m *Message, v reflect.Value) {
			v.Addr().Interface().(*Variant).unmarshal(m)
		}, nil
	case signatureType:
		return func(m *Message, v reflect.Value) {
			s, ok := readBasic(m, "g", (*fragments.Decoder).Signature)
			if !ok {
				return
			}
			sig, err := ParseSignature(s)
			if err != nil {
				m.fail(fmt.Errorf("%w: %w", ErrInvalidValue, err))
				return
			}
			v.Set(reflect.ValueOf(sig))
		}, nil
	case objectPathType:
		return func(m *Message, v reflect.Value) {
			s, ok := readBasic(m, "o", (*fragments.Decoder).String)
			if !ok {
				return
			}
			if p := ObjectPath(s); !p.IsValid() {
				m.fail(fmt.Errorf("%w: invalid object path %q", ErrInvalidValue, s))
				return
			}
			v.SetString(s)
		}, nil
	case unixFDType:
		return func(m *Message, v reflect.Value) {
			idx, ok := readBasic(m, "h", (*fragments.Decoder).Uint32)
			if !ok {
				return
			}
			if int(idx) >= len(m.files) {
				m.fail(fmt.Errorf("%w: file descriptor index %d out of range, message has %d files", ErrInvalidValue, idx, len(m.files)))
				return
			}
			v.Set(reflect.ValueOf(UnixFD{File: m.files[idx]}))
		}, nil
	}

	if t.Kind() != reflect.Pointer && reflect.PointerTo(t).Implements(unmarshalerType) {
		return newUnmarshalReader(), nil
	}

	switch t.Kind() {
	case reflect.Pointer:
		return newPtrReader(t)
	case reflect.Bool:
		return newBoolReader(), nil
	case reflect.Int16, reflect.Int32, reflect.Int64:
		return newIntReader(t, sig.str), nil
	case reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return newUintReader(t, sig.str), nil
	case reflect.Float64:
		return newFloatReader(), nil
	case reflect.String:
		return newStringReader(), nil
	case reflect.Slice:
		return newSliceReader(t, sig)
	case reflect.Array:
		return newArrayReader(t, sig)
	case reflect.Struct:
		return newStructReader(t, sig)
	case reflect.Map:
		return newMapReader(t, sig)
	}
	return nil, typeErr(t, "no dbus mapping for type")
}

func newUnmarshalReader() readerFunc {
	return func(m *Message, v reflect.Value) {
		v.Addr().Interface().(Unmarshaler).UnmarshalDBus(m)
	}
}

func newPtrReader(t reflect.Type) (readerFunc, error) {
	elemR, err := readerFor(t.Elem())
	if err != nil {
		return nil, err
	}
	fn := func(m *Message, v reflect.Value) {
		if v.IsNil() {
			v.Set(reflect.New(t.Elem()))
		}
		elemR(m, v.Elem())
	}
	return fn, nil
}

func newBoolReader() readerFunc {
	return func(m *Message, v reflect.Value) {
		u, ok := readBasic(m, "b", (*fragments.Decoder).Uint32)
		if !ok {
			return
		}
		if u > 1 {
			m.fail(fmt.Errorf("%w: invalid boolean value %d", ErrInvalidValue, u))
			return
		}
		v.SetBool(u == 1)
	}
}

func newIntReader(t reflect.Type, code string) readerFunc {
	switch t.Size() {
	case 2:
		return func(m *Message, v reflect.Value) {
			if u, ok := readBasic(m, code, (*fragments.Decoder).Uint16); ok {
				v.SetInt(int64(int16(u)))
			}
		}
	case 4:
		return func(m *Message, v reflect.Value) {
			if u, ok := readBasic(m, code, (*fragments.Decoder).Uint32); ok {
				v.SetInt(int64(int32(u)))
			}
		}
	case 8:
		return func(m *Message, v reflect.Value) {
			if u, ok := readBasic(m, code, (*fragments.Decoder).Uint64); ok {
				v.SetInt(int64(u))
			}
		}
	default:
		panic("invalid newIntReader type")
	}
}

func newUintReader(t reflect.Type, code string) readerFunc {
	switch t.Size() {
	case 1:
		return func(m *Message, v reflect.Value) {
			if u, ok := readBasic(m, code, (*fragments.Decoder).Uint8); ok {
				v.SetUint(uint64(u))
			}
		}
	case 2:
		return func(m *Message, v reflect.Value) {
			if u, ok := readBasic(m, code, (*fragments.Decoder).Uint16); ok {
				v.SetUint(uint64(u))
			}
		}
	case 4:
		return func(m *Message, v reflect.Value) {
			if u, ok := readBasic(m, code, (*fragments.Decoder).Uint32); ok {
				v.SetUint(uint64(u))
			}
		}
	case 8:
		return func(m *Message, v reflect.Value) {
			if u, ok := readBasic(m, code, (*fragments.Decoder).Uint64); ok {
				v.SetUint(u)
			}
		}
	default:
		panic("invalid newUintReader type")
	}
}

func newFloatReader() readerFunc {
	return func(m *Message, v reflect.Value) {
		if u, ok := readBasic(m, "d", (*fragments.Decoder).Uint64); ok {
			v.SetFloat(math.Float64frombits(u))
		}
	}
}

func newStringReader() readerFunc {
	return func(m *Message, v reflect.Value) {
		s, ok := readBasic(m, "s", (*fragments.Decoder).String)
		if !ok {
			return
		}
		if !utf8.ValidString(s) {
			m.fail(fmt.Errorf("%w: string is not valid UTF-8", ErrInvalidValue))
			return
		}
		v.SetString(s)
	}
}

func newSliceReader(t reflect.Type, sig Signature) (readerFunc, error) {
	if isByteSlice(t) {
		// Fast path for []byte
		return func(m *Message, v reflect.Value) {
			if bs, ok := readBasic(m, "ay", (*fragments.Decoder).Bytes); ok {
				v.SetBytes(bs)
			}
		}, nil
	}

	elemR, err := readerFor(t.Elem())
	if err != nil {
		return nil, err
	}
	c := Container{Kind: ContainerArray, Content: mkSignature(sig.str[1:])}

	fn := func(m *Message, v reflect.Value) {
		m.EnterContainer(c)
		ret := reflect.MakeSlice(t, 0, 0)
		for !m.End() {
			ev := reflect.New(t.Elem()).Elem()
			elemR(m, ev)
			ret = reflect.Append(ret, ev)
		}
		m.ExitContainer()
		if m.err == nil {
			v.Set(ret)
		}
	}
	return fn, nil
}

func newArrayReader(t reflect.Type, sig Signature) (readerFunc, error) {
	elemR, err := readerFor(t.Elem())
	if err != nil {
		return nil, err
	}
	c := Container{Kind: ContainerArray, Content: mkSignature(sig.str[1:])}

	fn := func(m *Message, v reflect.Value) {
		m.EnterContainer(c)
		n := 0
		for !m.End() {
			if n == t.Len() {
				m.fail(fmt.Errorf("%w: message array has more than the %d elements of %s", ErrInvalidValue, t.Len(), t))
				return
			}
			elemR(m, v.Index(n))
			n++
		}
		if m.err == nil && n != t.Len() {
			m.fail(fmt.Errorf("%w: message array has %d elements, %s needs %d", ErrInvalidValue, n, t, t.Len()))
			return
		}
		m.ExitContainer()
	}
	return fn, nil
}

func newStructReader(t reflect.Type, sig Signature) (readerFunc, error) {
	fs, err := getStructInfo(t)
	if err != nil {
		return nil, fmt.Errorf("getting struct info for %s: %w", t, err)
	}

	var frags []readerFunc
	for _, f := range fs.StructFields {
		fr, err := newStructFieldReader(f)
		if err != nil {
			return nil, err
		}
		frags = append(frags, fr)
	}
	c := Container{Kind: ContainerStruct, Content: mkSignature(sig.str[1 : len(sig.str)-1])}

	fn := func(m *Message, v reflect.Value) {
		m.EnterContainer(c)
		for _, frag := range frags {
			if m.err != nil {
				return
			}
			frag(m, v)
		}
		m.ExitContainer()
	}
	return fn, nil
}

// Note, the returned reader expects to be given the entire struct,
// not just the one field being read.
func newStructFieldReader(f *structField) (readerFunc, error) {
	fr, err := readerFor(f.Type)
	if err != nil {
		return nil, err
	}
	fn := func(m *Message, v reflect.Value) {
		fr(m, f.GetWithAlloc(v))
	}
	return fn, nil
}

func newMapReader(t reflect.Type, sig Signature) (readerFunc, error) {
	kr, err := readerFor(t.Key())
	if err != nil {
		return nil, err
	}
	vr, err := readerFor(t.Elem())
	if err != nil {
		return nil, err
	}

	// sig is "a{kv}"
	array := Container{Kind: ContainerArray, Content: mkSignature(sig.str[1:])}
	entry := Container{Kind: ContainerDictEntry, Content: mkSignature(sig.str[2 : len(sig.str)-1])}

	fn := func(m *Message, v reflect.Value) {
		m.EnterContainer(array)
		ret := reflect.MakeMap(t)
		for !m.End() {
			key := reflect.New(t.Key()).Elem()
			val := reflect.New(t.Elem()).Elem()
			m.EnterContainer(entry)
			kr(m, key)
			vr(m, val)
			m.ExitContainer()
			if m.err != nil {
				return
			}
			ret.SetMapIndex(key, val)
		}
		m.ExitContainer()
		if m.err == nil {
			v.Set(ret)
		}
	}
	return fn, nil
}

// Skip skips over the next value in the message, whatever its type.
func (m *Message) Skip() *Message {
	if m.err != nil {
		return m
	}
	t := m.nextReadType()
	if t == "" {
		m.claimRead("value")
		return m
	}
	m.skip(t)
	return m
}

func (m *Message) skip(t string) {
	if m.err != nil || t == "" {
		return
	}
	switch t[0] {
	case 'a':
		// Exiting an array skips its unread elements.
		m.EnterContainer(Container{Kind: ContainerArray, Content: mkSignature(t[1:])}).ExitContainer()
	case '(', '{':
		kind := ContainerStruct
		if t[0] == '{' {
			kind = ContainerDictEntry
		}
		m.EnterContainer(Container{Kind: kind, Content: mkSignature(t[1 : len(t)-1])})
		for !m.End() {
			m.skip(m.nextReadType())
		}
		m.ExitContainer()
	case 'v':
		var c Container
		c.Kind = ContainerVariant
		m.enterContainer(&c)
		m.skip(c.Content.str)
		m.ExitContainer()
	case 'h':
		// Skip without resolving the file index.
		readBasic(m, "h", (*fragments.Decoder).Uint32)
	default:
		m.readValue(reflect.New(basicTypes[t[0]]).Interface())
	}
}
