package dbusmsg

import (
	"cmp"
	"fmt"
	"maps"
	"reflect"
	"slices"
	"sync"
	"sync/atomic"
)

// A Registry maps DBus signatures to the [VariantHelper] for the Go
// type that represents them. It is used to decode variants into
// values of the appropriate Go type.
//
// A Registry has two phases. Initially it is mutable, and types can
// be registered with [RegisterType] and [Registry.Register]. After
// [Registry.Freeze], the registry is immutable and lookups proceed
// without locking.
//
// Registering a type whose signature is already registered to the
// same Go type does nothing. Registering a different Go type with
// the same signature fails with [ErrDuplicateSignature].
type Registry struct {
	mu      sync.Mutex
	helpers map[Signature]VariantHelper

	frozen atomic.Pointer[map[Signature]VariantHelper]
}

// NewRegistry returns a new, empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		helpers: map[Signature]VariantHelper{},
	}
}

// DefaultRegistry is the Registry used by Messages that don't have
// one set with [Message.SetRegistry]. It initially holds all the
// DBus basic types, as well as:
//
//	Variant              (v)
//	[]byte               (ay)
//	[]string             (as)
//	[]ObjectPath         (ao)
//	map[string]string    (a{ss})
//	map[string]Variant   (a{sv})
//
// Programs should register any other types they expect to receive in
// variants during initialization, and may then call
// DefaultRegistry.Freeze.
var DefaultRegistry = NewRegistry()

// RegisterType registers T in r, so that variants whose signature
// matches T's decode as T.
//
// T must not be a pointer or interface type, and its signature must
// be a single complete DBus type. Otherwise, RegisterType returns an
// error wrapping [ErrImpureType].
func RegisterType[T any](r *Registry) error {
	t := reflect.TypeFor[T]()
	switch t.Kind() {
	case reflect.Pointer, reflect.Interface:
		return fmt.Errorf("%w: cannot register %s type %s", ErrImpureType, t.Kind(), t)
	}
	h, err := HelperFor[T]()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrImpureType, err)
	}
	return r.Register(h)
}

// MustRegisterType is like [RegisterType], but panics on error.
func MustRegisterType[T any](r *Registry) {
	if err := RegisterType[T](r); err != nil {
		panic(err)
	}
}

// Register registers h under its signature.
func (r *Registry) Register(h VariantHelper) error {
	sig := h.Signature()
	if !sig.IsSingle() {
		return fmt.Errorf("%w: signature %q is not a single complete type", ErrImpureType, sig)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen.Load() != nil {
		return fmt.Errorf("%w: cannot register %q", ErrRegistryFrozen, sig)
	}
	if prev, ok := r.helpers[sig]; ok {
		prevType, newType := helperType(prev), helperType(h)
		if prevType == newType {
			return nil
		}
		return fmt.Errorf("%w: %q is already registered to %s, cannot register %s", ErrDuplicateSignature, sig, prevType, newType)
	}
	r.helpers[sig] = h
	return nil
}

// helperType returns the payload type of h.
func helperType(h VariantHelper) reflect.Type {
	return reflect.TypeOf(h.New()).Elem()
}

// Lookup returns the VariantHelper registered for sig, or nil if
// there is none.
func (r *Registry) Lookup(sig Signature) VariantHelper {
	if snap := r.frozen.Load(); snap != nil {
		return (*snap)[sig]
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.helpers[sig]
}

// Signatures returns the registered signatures, in sorted order.
func (r *Registry) Signatures() []Signature {
	var m map[Signature]VariantHelper
	if snap := r.frozen.Load(); snap != nil {
		m = *snap
	} else {
		r.mu.Lock()
		defer r.mu.Unlock()
		m = r.helpers
	}
	return slices.SortedFunc(maps.Keys(m), func(a, b Signature) int {
		return cmp.Compare(a.str, b.str)
	})
}

// Freeze makes r immutable. Further registrations fail with
// [ErrRegistryFrozen]. Freezing a frozen Registry does nothing.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen.Load() != nil {
		return
	}
	snap := maps.Clone(r.helpers)
	r.frozen.Store(&snap)
}

// Frozen reports whether r has been frozen.
func (r *Registry) Frozen() bool {
	return r.frozen.Load() != nil
}
