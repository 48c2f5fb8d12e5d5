package dbusmsg

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/kr/pretty"
)

// A VariantHelper implements the operations of a [Variant] for one
// concrete payload type. Payloads are always passed as pointers to
// values of that type, as returned by New.
//
// Helpers are stateless, and can be shared by any number of
// Variants.
type VariantHelper interface {
	// Signature returns the DBus signature of the payload type. It
	// must be a single complete type.
	Signature() Signature
	// New returns a pointer to a new zero value of the payload type.
	New() any
	// Copy returns a pointer to a deep copy of the payload.
	Copy(payload any) any
	// Serialize writes the payload to m.
	Serialize(m *Message, payload any)
	// Deserialize reads a value from m into the payload.
	Deserialize(m *Message, payload any)
	// Format returns a human-readable rendering of the payload.
	Format(payload any) string
}

// typeHelper is the VariantHelper for the Go type T.
type typeHelper[T any] struct {
	sig Signature
}

func (h typeHelper[T]) Signature() Signature { return h.sig }
func (h typeHelper[T]) New() any             { return new(T) }

func (h typeHelper[T]) Copy(payload any) any {
	ret := new(T)
	*ret = deepCopy(reflect.ValueOf(*payload.(*T))).Interface().(T)
	return ret
}

func (h typeHelper[T]) Serialize(m *Message, payload any) {
	m.Write(*payload.(*T))
}

func (h typeHelper[T]) Deserialize(m *Message, payload any) {
	m.Read(payload.(*T))
}

func (h typeHelper[T]) Format(payload any) string {
	return fmt.Sprintf("%# v", pretty.Formatter(*payload.(*T)))
}

var typeToHelper cache[reflect.Type, VariantHelper]

// HelperFor returns the VariantHelper for T.
//
// HelperFor returns an error if T cannot be represented in DBus, or
// if its signature is not a single complete type.
func HelperFor[T any]() (VariantHelper, error) {
	t := reflect.TypeFor[T]()
	if ret, err := typeToHelper.Get(t); !errors.Is(err, errNotFound) {
		return ret, err
	}
	sig, err := signatureFor(t, nil)
	if err != nil {
		typeToHelper.SetErr(t, err)
		return nil, err
	}
	if !sig.IsSingle() {
		err := typeErr(t, "signature %q is not a single complete type", sig)
		typeToHelper.SetErr(t, err)
		return nil, err
	}
	ret := typeHelper[T]{sig}
	typeToHelper.Set(t, ret)
	return ret, nil
}

// A Variant is a DBus value whose type is only known at runtime.
//
// The zero Variant is empty. A non-empty Variant holds a payload of
// some concrete type, along with the [VariantHelper] for that type.
//
// Variants have value semantics: the payload is never modified in
// place after it is bound, and all accessors return copies, so
// Variants can be assigned and passed by value without aliasing.
type Variant struct {
	sig    Signature
	data   any
	helper VariantHelper
}

// NewVariant returns a Variant holding a copy of v.
//
// If v is itself a Variant, NewVariant returns a copy of v rather
// than a Variant that contains another Variant. NewVariant panics if
// T cannot be represented in DBus.
func NewVariant[T any](v T) Variant {
	if vv, ok := any(v).(Variant); ok {
		return vv.Clone()
	}
	var ret Variant
	if err := SetVariant(&ret, v); err != nil {
		panic(err)
	}
	return ret
}

// SetVariant sets the content of dst to a copy of v.
func SetVariant[T any](dst *Variant, v T) error {
	h, err := HelperFor[T]()
	if err != nil {
		return err
	}
	dst.SetRaw(h.Copy(&v), h)
	return nil
}

// VariantValue returns a copy of the content of v, if v holds a T.
func VariantValue[T any](v Variant) (T, bool) {
	p, ok := v.data.(*T)
	if !ok {
		var zero T
		return zero, false
	}
	return *v.helper.Copy(p).(*T), true
}

// SetRaw binds v to payload, which must be a pointer returned by
// helper.New or helper.Copy. v takes ownership of payload, and the
// caller must not modify it afterwards.
//
// If helper is nil, v is reset to the empty Variant.
func (v *Variant) SetRaw(payload any, helper VariantHelper) {
	if helper == nil || payload == nil {
		*v = Variant{}
		return
	}
	*v = Variant{
		sig:    helper.Signature(),
		data:   payload,
		helper: helper,
	}
}

// Signature returns the signature of v's content, or the zero
// Signature if v is empty.
func (v Variant) Signature() Signature {
	return v.sig
}

// IsZero reports whether v is empty.
func (v Variant) IsZero() bool {
	return v.helper == nil
}

// Helper returns the VariantHelper for v's content, or nil if v is
// empty.
func (v Variant) Helper() VariantHelper {
	return v.helper
}

// Value returns a copy of v's content, or nil if v is empty.
func (v Variant) Value() any {
	if v.IsZero() {
		return nil
	}
	return reflect.ValueOf(v.helper.Copy(v.data)).Elem().Interface()
}

// Clone returns a deep copy of v.
func (v Variant) Clone() Variant {
	if v.IsZero() {
		return Variant{}
	}
	return Variant{
		sig:    v.sig,
		data:   v.helper.Copy(v.data),
		helper: v.helper,
	}
}

// Equal reports whether v and o hold equal content of the same
// signature.
func (v Variant) Equal(o Variant) bool {
	if v.IsZero() || o.IsZero() {
		return v.IsZero() == o.IsZero()
	}
	if v.sig != o.sig {
		return false
	}
	return reflect.DeepEqual(v.data, o.data)
}

func (v Variant) String() string {
	if v.IsZero() {
		return "Variant(empty)"
	}
	return fmt.Sprintf("Variant(sig=%s, content=%s)", v.sig, v.helper.Format(v.data))
}

func (v Variant) marshal(m *Message) {
	if v.IsZero() {
		m.fail(fmt.Errorf("%w: cannot write empty Variant", ErrInvalidValue))
		return
	}
	m.OpenContainer(Container{Kind: ContainerVariant, Content: v.sig})
	v.helper.Serialize(m, v.data)
	m.CloseContainer()
}

// unmarshal reads a variant from m. If v is bound, the variant must
// hold v's type. Otherwise, its type is looked up in m's Registry.
func (v *Variant) unmarshal(m *Message) {
	if m.err != nil {
		return
	}
	h := v.helper
	if h == nil {
		code, sig := m.PeekType()
		if code == 'v' && !sig.IsZero() {
			if h = m.registry().Lookup(sig); h == nil {
				m.fail(fmt.Errorf("%w: %q", ErrUnknownVariant, sig))
				return
			}
		}
	}
	c := Container{Kind: ContainerVariant}
	if h != nil {
		c.Content = h.Signature()
	}
	m.enterContainer(&c)
	if m.err != nil {
		return
	}
	payload := h.New()
	h.Deserialize(m, payload)
	m.ExitContainer()
	if m.err == nil {
		v.SetRaw(payload, h)
	}
}

// deepCopy returns a deep copy of v. Unexported struct fields are
// copied shallowly.
func deepCopy(v reflect.Value) reflect.Value {
	t := v.Type()
	switch t {
	case variantType:
		return reflect.ValueOf(v.Interface().(Variant).Clone())
	case unixFDType:
		return v
	}

	switch v.Kind() {
	case reflect.Pointer:
		if v.IsNil() {
			return reflect.Zero(t)
		}
		ret := reflect.New(t.Elem())
		ret.Elem().Set(deepCopy(v.Elem()))
		return ret
	case reflect.Interface:
		if v.IsNil() {
			return reflect.Zero(t)
		}
		ret := reflect.New(t).Elem()
		ret.Set(deepCopy(v.Elem()))
		return ret
	case reflect.Slice:
		if v.IsNil() {
			return reflect.Zero(t)
		}
		ret := reflect.MakeSlice(t, v.Len(), v.Len())
		for i := range v.Len() {
			ret.Index(i).Set(deepCopy(v.Index(i)))
		}
		return ret
	case reflect.Array:
		ret := reflect.New(t).Elem()
		for i := range v.Len() {
			ret.Index(i).Set(deepCopy(v.Index(i)))
		}
		return ret
	case reflect.Map:
		if v.IsNil() {
			return reflect.Zero(t)
		}
		ret := reflect.MakeMapWithSize(t, v.Len())
		iter := v.MapRange()
		for iter.Next() {
			ret.SetMapIndex(iter.Key(), deepCopy(iter.Value()))
		}
		return ret
	case reflect.Struct:
		ret := reflect.New(t).Elem()
		ret.Set(v)
		for i := range t.NumField() {
			if !t.Field(i).IsExported() {
				continue
			}
			ret.Field(i).Set(deepCopy(v.Field(i)))
		}
		return ret
	default:
		return v
	}
}
