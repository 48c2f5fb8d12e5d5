package dbusmsg

import (
	"errors"
	"fmt"
	"reflect"
)

// Errors recorded by a [Message] when an operation fails. A failed
// Message's [Message.Err] wraps exactly one of these.
var (
	// ErrEndOfData is a read past the end of the current container
	// or message.
	ErrEndOfData = errors.New("end of data")
	// ErrTypeMismatch is a read or write of a type that doesn't
	// match the next type in the message signature.
	ErrTypeMismatch = errors.New("type mismatch")
	// ErrContainerNesting is an unbalanced Container/ContainerEnd
	// pair.
	ErrContainerNesting = errors.New("malformed container nesting")
	// ErrUnknownVariant is a Variant whose signature has no
	// registered VariantHelper.
	ErrUnknownVariant = errors.New("unknown variant signature")
	// ErrInvalidValue is a value that cannot be encoded, or a wire
	// value that cannot be decoded, even though its type is valid.
	ErrInvalidValue = errors.New("invalid value")
	// ErrSealed is a write to a message that has been sealed.
	ErrSealed = errors.New("message is sealed")
	// ErrNotSealed is a read from a message that hasn't been sealed.
	ErrNotSealed = errors.New("message is not sealed")
	// ErrTransport is a failure to send a message.
	ErrTransport = errors.New("transport failure")
)

// Errors returned by [Registry] operations.
var (
	// ErrImpureType is the registration of a type whose signature is
	// not exactly one complete DBus type of its own.
	ErrImpureType = errors.New("impure variant type")
	// ErrDuplicateSignature is the registration of a type whose
	// signature is already claimed by a different type.
	ErrDuplicateSignature = errors.New("duplicate variant signature")
	// ErrRegistryFrozen is a registration after [Registry.Freeze].
	ErrRegistryFrozen = errors.New("registry is frozen")
)

// TypeError is the error returned when a type cannot be represented
// in the DBus wire format.
type TypeError struct {
	// Type is the name of the type that caused the error.
	Type string
	// Reason is an explanation of why the type isn't representable by
	// DBus.
	Reason error
}

func (e TypeError) Error() string {
	return fmt.Sprintf("dbus cannot represent %s: %s", e.Type, e.Reason)
}

func (e TypeError) Unwrap() error {
	return e.Reason
}

func typeErr(t reflect.Type, reason string, args ...any) error {
	ts := ""
	if t != nil {
		ts = t.String()
	}
	return TypeError{ts, fmt.Errorf(reason, args...)}
}

// CallError is the error returned from failed DBus method calls.
type CallError struct {
	// Name is the error name provided by the remote peer.
	Name string
	// Detail is the human-readable explanation of what went wrong.
	Detail string
}

func (e CallError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("call error %s", e.Name)
	}
	return fmt.Sprintf("call error %s: %s", e.Name, e.Detail)
}

// Well-known error names used for locally generated error replies.
const (
	ErrorFailed        = "org.freedesktop.DBus.Error.Failed"
	ErrorNoReply       = "org.freedesktop.DBus.Error.NoReply"
	ErrorInvalidArgs   = "org.freedesktop.DBus.Error.InvalidArgs"
	ErrorUnknownMethod = "org.freedesktop.DBus.Error.UnknownMethod"
	ErrorDisconnected  = "org.freedesktop.DBus.Error.Disconnected"
)
