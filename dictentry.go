package dbusmsg

import (
	"reflect"
)

// DictEntry is a DBus dict entry: a key/value pair that can only
// appear as the element of an array.
//
// Go maps encode as arrays of dict entries. DictEntry is for the
// cases where a map doesn't fit, such as preserving the order of
// entries or allowing duplicate keys:
//
//	[]DictEntry[string, Variant]
type DictEntry[K comparable, V any] struct {
	Key   K
	Value V
}

// dictEntry is implemented by all instantiations of [DictEntry].
type dictEntry interface {
	dictEntryTypes() (key, value reflect.Type)
}

var dictEntryType = reflect.TypeFor[dictEntry]()

func (DictEntry[K, V]) dictEntryTypes() (key, value reflect.Type) {
	return reflect.TypeFor[K](), reflect.TypeFor[V]()
}

func dictEntrySignature(e dictEntry, stack []reflect.Type) (Signature, error) {
	kt, vt := e.dictEntryTypes()
	ks, err := signatureFor(kt, stack)
	if err != nil {
		return Signature{}, err
	}
	if len(ks.str) != 1 || !basicCodes.Has(ks.str[0]) {
		return Signature{}, typeErr(reflect.TypeOf(e), "invalid dict entry key signature %q, must be a dbus basic type", ks)
	}
	vs, err := signatureFor(vt, stack)
	if err != nil {
		return Signature{}, err
	}
	return mkSignature("{" + ks.str + vs.str + "}"), nil
}

// SignatureDBus returns the signature of the dict entry, for example
// "{sv}" for DictEntry[string, Variant].
func (e DictEntry[K, V]) SignatureDBus() Signature {
	sig, err := signatureFor(reflect.TypeFor[DictEntry[K, V]](), nil)
	if err != nil {
		panic(err)
	}
	return sig
}

func (e DictEntry[K, V]) contents() Signature {
	sig := e.SignatureDBus().str
	return mkSignature(sig[1 : len(sig)-1])
}

// MarshalDBus writes the dict entry to m.
func (e DictEntry[K, V]) MarshalDBus(m *Message) {
	m.OpenContainer(Container{Kind: ContainerDictEntry, Content: e.contents()}).
		Write(e.Key, e.Value).
		CloseContainer()
}

// UnmarshalDBus reads a dict entry from m into e.
func (e *DictEntry[K, V]) UnmarshalDBus(m *Message) {
	m.EnterContainer(Container{Kind: ContainerDictEntry, Content: e.contents()}).
		Read(&e.Key, &e.Value).
		ExitContainer()
}
