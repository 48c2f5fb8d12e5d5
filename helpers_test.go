package dbusmsg

import (
	"testing"

	"github.com/danderson/dbusmsg/fragments"
	"github.com/google/go-cmp/cmp"
)

// Simple is a struct with simple fields.
type Simple struct {
	A int16
	B bool
}

// Nested is a struct with a struct field.
type Nested struct {
	A byte
	B Simple
}

// Embedded is a struct that embeds another struct by value.
type Embedded struct {
	Simple
	C byte
}

// EmbeddedShadow is a struct that embeds another struct by value,
// with one of the embedded fields shadowed by an outer field.
type EmbeddedShadow struct {
	Simple
	B byte
}

// Skipped is a struct with a field excluded from encoding.
type Skipped struct {
	A      uint32
	Cached string `dbus:"-"`
	B      string
}

// Arrays is a struct with various degrees of complicated arrays
// inside.
type Arrays struct {
	A []string
	B []Simple
	C [][]Nested
}

// Tree is a self-referential struct that can't be represented in the
// DBus wire format.
type Tree struct {
	Left  *Tree
	Right *Tree
}

// Embedded_P is a struct that embeds another struct by pointer.
type Embedded_P struct {
	*Simple
	C byte
}

// Pair is the "(us)" struct used to test variant registration.
type Pair struct {
	N uint32
	S string
}

// Celsius is a type with its own DBus encoding: a temperature sent
// over the wire as hundredths of a degree.
type Celsius struct {
	Degrees float64
}

func (c Celsius) SignatureDBus() Signature { return mustSignatureFor[int32]() }

func (c Celsius) MarshalDBus(m *Message) {
	m.Write(int32(c.Degrees * 100))
}

func (c *Celsius) UnmarshalDBus(m *Message) {
	var v int32
	m.Read(&v)
	c.Degrees = float64(v) / 100
}

// Reading is a struct with a field that marshals itself.
type Reading struct {
	Sensor string
	Temp   Celsius
}

func ptr[T any](v T) *T {
	return &v
}

func mustSignatureFor[T any]() Signature {
	sig, err := SignatureFor[T]()
	if err != nil {
		panic(err)
	}
	return sig
}

// newTestMessage returns an empty big-endian message, to match the
// byte layouts written out in tests.
func newTestMessage() *Message {
	return NewMessage().SetByteOrder(fragments.BigEndian)
}

// mustValid fails the test if m is invalid.
func mustValid(t *testing.T, m *Message) {
	t.Helper()
	if err := m.Err(); err != nil {
		t.Fatalf("message invalid: %v", err)
	}
}

// sigComparer lets cmp compare Signatures, whose only field is
// unexported.
var sigComparer = cmp.Comparer(func(a, b Signature) bool { return a.str == b.str })
