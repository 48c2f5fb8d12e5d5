// Package dbusmsg marshals Go values to and from DBus messages.
//
// A [Message] is a cursor over a DBus message body. Values are
// appended with [Message.Write] and decoded with [Message.Read],
// which check each value against the message's type signature:
//
//	m := dbusmsg.NewMethodCall("org.example.Service", "/org/example", "org.example.Iface", "SetLabels")
//	m.Write(uint32(42), map[string]string{"color": "blue"})
//	if err := m.Err(); err != nil {
//		// handle error
//	}
//
// Failures are recorded in the Message rather than returned from
// each call. Once a Message is invalid, all further operations do
// nothing, so a sequence of writes or reads can be checked once at
// the end with [Message.Valid] or [Message.Err].
//
// Go types map to DBus types as follows. Fixed-width integers, bool,
// float64 and string map to the DBus basic types of the same shape.
// [ObjectPath], [Signature] and [UnixFD] map to DBus object paths,
// signatures and file descriptors. Slices and arrays map to DBus
// arrays, maps to arrays of dict entries, and structs to DBus structs
// of their exported fields. [DictEntry] is an explicit dict entry.
// [Variant] holds a value whose type is only known at runtime.
//
// int, uint, int8, float32, complex, channel, function and interface
// types have no DBus representation, nor do recursive types. The
// signature of a type can be computed with [SignatureFor].
//
// Containers can also be written and read explicitly, by bracketing
// their contents with a [Container] and [ContainerEnd]:
//
//	m.Write(dbusmsg.Container{Kind: dbusmsg.ContainerArray, Content: dbusmsg.MustParseSignature("s")})
//	for _, s := range strs {
//		m.Write(s)
//	}
//	m.Write(dbusmsg.ContainerEnd{})
//
// On the reading side, [Message.End] reports the end of a container,
// so arrays of unknown length read as:
//
//	m.Read(dbusmsg.Container{Kind: dbusmsg.ContainerArray, Content: dbusmsg.MustParseSignature("s")})
//	for !m.End() {
//		var s string
//		m.Read(&s)
//	}
//	m.Read(dbusmsg.ContainerEnd{})
//
// Variants received from peers decode into the Go type registered
// for the variant's signature in a [Registry]. Programs register the
// types they expect with [RegisterType] during initialization.
//
// Complete messages convert to and from the DBus wire format with
// [Message.MarshalBinary], [UnmarshalMessage] and [ReadMessage].
// Carrying those bytes over a socket is left to a [Caller]; package
// dbustest provides an in-process one for tests.
package dbusmsg
