// package fragments provides low-level encoding and decoding helpers
// to construct and parse DBus message bodies.
//
// The provided encoder and decoder are very low level, and do not
// encode any DBus semantics: they know how to align and lay out
// values, but not which values are allowed where. It is the caller's
// responsibility to produce valid DBus messages using these tools.
//
// You should not need to use this package directly. The parent
// package's Message type drives an Encoder while writing and a
// Decoder while reading, and tracks the type signature on top of
// them.
package fragments
