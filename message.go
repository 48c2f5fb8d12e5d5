package dbusmsg

import (
	"fmt"
	"os"

	"github.com/danderson/dbusmsg/fragments"
	"go.uber.org/zap"
)

// MessageType is the type of a DBus message.
type MessageType byte

const (
	TypeInvalid MessageType = iota
	TypeMethodCall
	TypeReply
	TypeErrorReply
	TypeSignal
)

func (t MessageType) String() string {
	switch t {
	case TypeInvalid:
		return "invalid"
	case TypeMethodCall:
		return "method call"
	case TypeReply:
		return "reply"
	case TypeErrorReply:
		return "error"
	case TypeSignal:
		return "signal"
	default:
		return fmt.Sprintf("MessageType(%d)", byte(t))
	}
}

const (
	flagNoReplyExpected = 0x1
	flagNoAutoStart     = 0x2
	flagAllowInteract   = 0x4
)

// A Message is a DBus message: a header describing the message, and
// a body of typed values.
//
// A new Message is writable. Values are appended to the body with
// [Message.Write] and the container methods, and the body signature
// grows to match. Sealing the message, either explicitly with
// [Message.Seal] or implicitly with [Message.Rewind] or
// [Message.MarshalBinary], makes it read-only. A sealed Message is
// read with [Message.Read] and the container methods, which check
// each read against the body signature.
//
// Any failed operation records an error in the Message, after which
// every further operation is a no-op. Callers chain a sequence of
// operations and check [Message.Err] or [Message.Valid] at the end.
//
// A Message is not safe for concurrent use.
type Message struct {
	typ         MessageType
	flags       byte
	serial      uint32
	replySerial uint32
	path        ObjectPath
	iface       string
	member      string
	errName     string
	destination string
	sender      string

	order    fragments.ByteOrder
	reg      *Registry
	log      *zap.Logger
	files    []*os.File
	sealed   bool
	enc      fragments.Encoder
	dec      fragments.Decoder
	sig      string
	stack    []*frame
	err      error
	numFiles uint32
}

// frame is the cursor state of one open container, or of the message
// body itself.
type frame struct {
	// kind is the container kind, or zero for the message body.
	kind ContainerKind
	// sig is the element type of an array, or the sequence of types
	// inside any other container.
	sig string
	// pos is the offset in sig of the next type to read or write.
	// Unused for arrays, which repeat sig indefinitely.
	pos int

	// lenOffset and start locate an array's length field and first
	// element, when writing.
	lenOffset, start int
	// end is the offset where an array's data ends, when reading.
	end int
}

// NewMessage returns an empty, writable message of type
// [TypeInvalid].
func NewMessage() *Message {
	ret := &Message{
		order: fragments.NativeEndian,
	}
	ret.reset()
	return ret
}

// NewMethodCall returns a writable method call message.
func NewMethodCall(destination string, path ObjectPath, iface, member string) *Message {
	ret := NewMessage()
	ret.typ = TypeMethodCall
	ret.destination = destination
	ret.path = path
	ret.iface = iface
	ret.member = member
	return ret
}

// NewSignal returns a writable signal message.
func NewSignal(path ObjectPath, iface, member string) *Message {
	ret := NewMessage()
	ret.typ = TypeSignal
	ret.path = path
	ret.iface = iface
	ret.member = member
	return ret
}

// CreateReply returns a writable method return message replying to
// m.
func (m *Message) CreateReply() *Message {
	ret := m.derived(TypeReply)
	return ret
}

// CreateError returns a sealed error message replying to m. If
// detail is non-empty, it is the error message's body.
func (m *Message) CreateError(name, detail string) *Message {
	ret := m.derived(TypeErrorReply)
	ret.errName = name
	if detail != "" {
		ret.Write(detail)
	}
	return ret.Seal()
}

func (m *Message) derived(typ MessageType) *Message {
	ret := NewMessage()
	ret.typ = typ
	ret.replySerial = m.serial
	ret.destination = m.sender
	ret.order = m.order
	ret.reg = m.reg
	ret.log = m.log
	return ret
}

func (m *Message) reset() {
	m.sealed = false
	m.enc = fragments.Encoder{Order: m.order}
	m.dec = fragments.Decoder{Order: m.order}
	m.sig = ""
	m.stack = []*frame{{}}
	m.files = nil
	m.err = nil
}

// SetByteOrder sets the byte order used to encode m. It has no
// effect once m has a body or has been sealed.
func (m *Message) SetByteOrder(order fragments.ByteOrder) *Message {
	if m.sealed || m.enc.Len() > 0 {
		return m
	}
	m.order = order
	m.enc.Order = order
	m.dec.Order = order
	return m
}

// SetRegistry sets the Registry used to decode variants in m. By
// default, m uses [DefaultRegistry].
func (m *Message) SetRegistry(r *Registry) *Message {
	m.reg = r
	return m
}

// SetLogger sets the logger to which m reports failures, at debug
// level. By default, m does not log.
func (m *Message) SetLogger(log *zap.Logger) *Message {
	m.log = log
	return m
}

// SetDestination sets the message's destination bus name.
func (m *Message) SetDestination(dest string) *Message {
	m.destination = dest
	return m
}

// SetSender sets the message's sender bus name. It is intended for
// use by transports, and by message buses that stamp the sender onto
// relayed messages.
func (m *Message) SetSender(sender string) *Message {
	m.sender = sender
	return m
}

// SetSerial sets the message's serial number. It is intended for use
// by transports, which allocate serials as messages are sent.
func (m *Message) SetSerial(serial uint32) *Message {
	m.serial = serial
	return m
}

// SetNoReplyExpected sets whether the sender of a method call
// expects a reply.
func (m *Message) SetNoReplyExpected(noReply bool) *Message {
	if noReply {
		m.flags |= flagNoReplyExpected
	} else {
		m.flags &^= flagNoReplyExpected
	}
	return m
}

// NoAutoStart reports whether the sender asked the bus not to start
// the destination service if it isn't already running.
func (m *Message) NoAutoStart() bool { return m.flags&flagNoAutoStart != 0 }

// CanInteract reports whether the sender of a method call is
// prepared to wait for an interactive authorization prompt.
func (m *Message) CanInteract() bool {
	return m.typ == TypeMethodCall && m.flags&flagAllowInteract != 0
}

// Type returns the message's type.
func (m *Message) Type() MessageType { return m.typ }

// IsError reports whether m is an error message.
func (m *Message) IsError() bool { return m.typ == TypeErrorReply }

// Sender returns the bus name of the message's sender, if known.
func (m *Message) Sender() string { return m.sender }

// Destination returns the bus name of the message's recipient.
func (m *Message) Destination() string { return m.destination }

// Path returns the object path that a call is addressed to, or that
// a signal is emitted from.
func (m *Message) Path() ObjectPath { return m.path }

// Interface returns the message's interface name.
func (m *Message) Interface() string { return m.iface }

// Member returns the method or signal name of the message.
func (m *Message) Member() string { return m.member }

// ErrorName returns the name of the error carried by an error
// message.
func (m *Message) ErrorName() string { return m.errName }

// Serial returns the message's serial number.
func (m *Message) Serial() uint32 { return m.serial }

// ReplySerial returns the serial of the message that m replies to.
func (m *Message) ReplySerial() uint32 { return m.replySerial }

// NoReplyExpected reports whether the sender of a method call
// expects a reply.
func (m *Message) NoReplyExpected() bool { return m.flags&flagNoReplyExpected != 0 }

// Signature returns the signature of the message body.
func (m *Message) Signature() Signature {
	if m.sealed {
		return mkSignature(m.sig)
	}
	return mkSignature(m.stack[0].sig)
}

// ErrorMessage returns the human-readable explanation carried by an
// error message, if any. It does not disturb the read cursor.
func (m *Message) ErrorMessage() string {
	if m.typ != TypeErrorReply {
		return ""
	}
	sig, body := m.Signature().str, m.body()
	if len(sig) == 0 || sig[0] != 's' {
		return ""
	}
	d := fragments.Decoder{Order: m.order, In: body}
	ret, err := d.String()
	if err != nil {
		return ""
	}
	return ret
}

// AsError returns the [CallError] carried by an error message, or
// nil if m is not an error message.
func (m *Message) AsError() error {
	if m.typ != TypeErrorReply {
		return nil
	}
	return CallError{Name: m.errName, Detail: m.ErrorMessage()}
}

// Files returns the files attached to m.
func (m *Message) Files() []*os.File {
	return m.files
}

// AttachFiles attaches received files to m, so that [UnixFD] values
// in the body can be resolved. It is intended for use by transports.
func (m *Message) AttachFiles(files ...*os.File) *Message {
	m.files = append(m.files, files...)
	return m
}

func (m *Message) body() []byte {
	if m.sealed {
		return m.dec.In
	}
	return m.enc.Out
}

func (m *Message) registry() *Registry {
	if m.reg != nil {
		return m.reg
	}
	return DefaultRegistry
}

func (m *Message) logger() *zap.Logger {
	if m.log != nil {
		return m.log
	}
	return zap.NewNop()
}

// Valid reports whether every operation on m so far has succeeded.
func (m *Message) Valid() bool {
	return m.err == nil
}

// Err returns the error that invalidated m, or nil if m is valid.
func (m *Message) Err() error {
	return m.err
}

// ResetError clears m's error, making it valid again. The cursor is
// left wherever the failed operation stopped.
func (m *Message) ResetError() *Message {
	m.err = nil
	return m
}

// fail records err as m's error, if m does not already have one.
func (m *Message) fail(err error) {
	if m.err != nil {
		return
	}
	m.err = err
	m.logger().Debug("dbus message invalidated",
		zap.Stringer("type", m.typ),
		zap.String("interface", m.iface),
		zap.String("member", m.member),
		zap.Uint32("serial", m.serial),
		zap.Int("depth", len(m.stack)-1),
		zap.Error(err))
}

// Seal finishes writing m. Writes to a sealed message fail with
// [ErrSealed]. Sealing a message with open containers invalidates it.
func (m *Message) Seal() *Message {
	if m.sealed {
		return m
	}
	if open := len(m.stack) - 1; open > 0 {
		m.fail(fmt.Errorf("%w: sealing message with %d unclosed containers", ErrContainerNesting, open))
	}
	m.sealed = true
	m.sig = m.stack[0].sig
	m.numFiles = uint32(len(m.files))
	m.dec = fragments.Decoder{Order: m.order, In: m.enc.Out}
	m.stack = []*frame{{sig: m.sig}}
	return m
}

// Rewind seals m if needed, and moves the read cursor back to the
// start of the body. Header fields and the error state are
// unchanged.
func (m *Message) Rewind() *Message {
	m.Seal()
	m.dec.Seek(0)
	m.stack = []*frame{{sig: m.sig}}
	return m
}

func (m *Message) top() *frame {
	return m.stack[len(m.stack)-1]
}

// End reports whether the read cursor has reached the end of the
// current container, or of the body if no container is open.
//
// End also returns true if m is invalid or unsealed, so that loops
// of the form "for !m.End() { m.Read(...) }" always terminate.
func (m *Message) End() bool {
	if m.err != nil || !m.sealed {
		return true
	}
	f := m.top()
	if f.kind == ContainerArray {
		return m.dec.Offset() >= f.end
	}
	return f.pos >= len(f.sig)
}

// PeekType returns the type code of the next value in the body,
// without consuming it. For containers, PeekType also returns the
// signature of the container's contents: the element type of an
// array ('a'), the field types of a struct ('('), the key and value
// types of a dict entry ('{'), or the type of a variant's value
// ('v').
//
// PeekType returns 0 if there is no next value, or if m is invalid
// or unsealed.
func (m *Message) PeekType() (byte, Signature) {
	t := m.nextReadType()
	if t == "" {
		return 0, Signature{}
	}
	switch t[0] {
	case 'a':
		return 'a', mkSignature(t[1:])
	case '(', '{':
		return t[0], mkSignature(t[1 : len(t)-1])
	case 'v':
		d := m.dec
		sig, err := d.Signature()
		if err != nil {
			return 'v', Signature{}
		}
		return 'v', mkSignature(sig)
	default:
		return t[0], Signature{}
	}
}

// nextReadType returns the complete type of the next value to read,
// or "" if there isn't one.
func (m *Message) nextReadType() string {
	if m.err != nil || !m.sealed {
		return ""
	}
	f := m.top()
	if f.kind == ContainerArray {
		if m.dec.Offset() >= f.end {
			return ""
		}
		return f.sig
	}
	if f.pos >= len(f.sig) {
		return ""
	}
	t, _, err := nextType(f.sig[f.pos:])
	if err != nil {
		return ""
	}
	return t
}

// claimWrite reserves the next slot in the current container for a
// value of type t, growing the body signature if no container is
// open. It reports whether the write can proceed.
func (m *Message) claimWrite(t string) bool {
	if m.err != nil {
		return false
	}
	if m.sealed {
		m.fail(ErrSealed)
		return false
	}
	f := m.top()
	switch f.kind {
	case ContainerArray:
		if t != f.sig {
			m.fail(fmt.Errorf("%w: writing %q into array of %q", ErrTypeMismatch, t, f.sig))
			return false
		}
	case 0:
		if !mkSignature(t).IsSingle() {
			m.fail(fmt.Errorf("%w: %q cannot appear outside an array", ErrTypeMismatch, t))
			return false
		}
		if len(f.sig)+len(t) > maxSignatureLen {
			m.fail(fmt.Errorf("%w: body signature longer than %d bytes", ErrInvalidValue, maxSignatureLen))
			return false
		}
		f.sig += t
		f.pos = len(f.sig)
	default:
		if f.pos >= len(f.sig) {
			m.fail(fmt.Errorf("%w: writing %q into complete %s of %q", ErrTypeMismatch, t, f.kind, f.sig))
			return false
		}
		want, _, _ := nextType(f.sig[f.pos:])
		if t != want {
			m.fail(fmt.Errorf("%w: writing %q, expected %q", ErrTypeMismatch, t, want))
			return false
		}
		f.pos += len(t)
	}
	return true
}

// claimRead checks that the next value to read is of type t, and
// consumes its slot in the current container's signature. It reports
// whether the read can proceed.
func (m *Message) claimRead(t string) bool {
	if m.err != nil {
		return false
	}
	if !m.sealed {
		m.fail(ErrNotSealed)
		return false
	}
	f := m.top()
	if f.kind == ContainerArray {
		if m.dec.Offset() >= f.end {
			m.fail(fmt.Errorf("%w: reading %q past end of array", ErrEndOfData, t))
			return false
		}
		if t != f.sig {
			m.fail(fmt.Errorf("%w: reading %q from array of %q", ErrTypeMismatch, t, f.sig))
			return false
		}
		return true
	}
	if f.pos >= len(f.sig) {
		where := "message body"
		if f.kind != 0 {
			where = f.kind.String()
		}
		m.fail(fmt.Errorf("%w: reading %q past end of %s", ErrEndOfData, t, where))
		return false
	}
	want, _, _ := nextType(f.sig[f.pos:])
	if t != want {
		m.fail(fmt.Errorf("%w: reading %q, message has %q", ErrTypeMismatch, t, want))
		return false
	}
	f.pos += len(t)
	return true
}

// readFailed records a decoding error.
func (m *Message) readFailed(what string, err error) {
	m.fail(fmt.Errorf("%w: reading %s: %w", ErrEndOfData, what, err))
}

// OpenContainer begins writing a container. Values written until the
// matching [Message.CloseContainer] go inside the container.
func (m *Message) OpenContainer(c Container) *Message {
	if m.err != nil {
		return m
	}
	if !m.checkDepth() {
		return m
	}
	t, err := c.typeString()
	if err != nil {
		m.fail(err)
		return m
	}
	if !m.claimWrite(t) {
		return m
	}
	f := &frame{
		kind: c.Kind,
		sig:  c.Content.str,
	}
	switch c.Kind {
	case ContainerArray:
		f.lenOffset, f.start = m.enc.ArrayStart(alignOf(f.sig))
	case ContainerStruct, ContainerDictEntry:
		m.enc.Pad(8)
	case ContainerVariant:
		m.enc.Signature(f.sig)
	}
	m.stack = append(m.stack, f)
	return m
}

// maxDepth is the deepest total container nesting the DBus
// specification allows, counting arrays, structs, dict entries and
// variants together.
const maxDepth = 64

// checkDepth invalidates m and returns false if opening another
// container would exceed maxDepth.
func (m *Message) checkDepth() bool {
	if open := len(m.stack) - 1; open >= maxDepth {
		m.fail(fmt.Errorf("%w: containers nested more than %d deep", ErrInvalidValue, maxDepth))
		return false
	}
	return true
}

// maxArrayLen is the largest array the DBus specification allows, in
// bytes.
const maxArrayLen = 1 << 26

// CloseContainer finishes writing the innermost open container.
func (m *Message) CloseContainer() *Message {
	if m.err != nil {
		return m
	}
	if m.sealed {
		m.fail(ErrSealed)
		return m
	}
	if len(m.stack) == 1 {
		m.fail(fmt.Errorf("%w: ContainerEnd without matching Container", ErrContainerNesting))
		return m
	}
	f := m.top()
	switch f.kind {
	case ContainerArray:
		if n := m.enc.Len() - f.start; n > maxArrayLen {
			m.fail(fmt.Errorf("%w: array of %d bytes exceeds maximum of %d", ErrInvalidValue, n, maxArrayLen))
			return m
		}
		m.enc.ArrayEnd(f.lenOffset, f.start)
	default:
		if f.pos != len(f.sig) {
			m.fail(fmt.Errorf("%w: closing %s of %q with only %q written", ErrContainerNesting, f.kind, f.sig, f.sig[:f.pos]))
			return m
		}
	}
	m.stack = m.stack[:len(m.stack)-1]
	return m
}

// EnterContainer begins reading a container. Values read until the
// matching [Message.ExitContainer] come from inside the container.
//
// If c.Content is zero, EnterContainer accepts any container of
// kind c.Kind.
func (m *Message) EnterContainer(c Container) *Message {
	m.enterContainer(&c)
	return m
}

func (m *Message) enterContainer(c *Container) {
	if m.err != nil || !m.checkDepth() {
		return
	}
	if c.Content.IsZero() || c.Kind == ContainerVariant {
		code, content := m.PeekType()
		switch {
		case code == 0:
			// Nothing readable, let claimRead report why.
			m.claimRead(string(containerCode(c.Kind)))
			return
		case code != containerCode(c.Kind):
			m.fail(fmt.Errorf("%w: reading %s, message has %q", ErrTypeMismatch, c.Kind, m.nextReadType()))
			return
		case c.Content.IsZero():
			c.Content = content
		case content != c.Content:
			m.fail(fmt.Errorf("%w: reading variant of %q, message has variant of %q", ErrTypeMismatch, c.Content, content))
			return
		}
	}
	var t string
	if c.Kind == ContainerVariant {
		t = "v"
	} else {
		var err error
		t, err = c.typeString()
		if err != nil {
			m.fail(err)
			return
		}
	}
	if !m.claimRead(t) {
		return
	}

	f := &frame{
		kind: c.Kind,
		sig:  c.Content.str,
	}
	switch c.Kind {
	case ContainerArray:
		end, err := m.dec.ArrayStart(alignOf(f.sig))
		if err != nil {
			m.readFailed("array header", err)
			return
		}
		if end-m.dec.Offset() > maxArrayLen {
			m.fail(fmt.Errorf("%w: array of %d bytes exceeds maximum of %d", ErrInvalidValue, end-m.dec.Offset(), maxArrayLen))
			return
		}
		f.end = end
	case ContainerStruct, ContainerDictEntry:
		if err := m.dec.Pad(8); err != nil {
			m.readFailed(c.Kind.String(), err)
			return
		}
	case ContainerVariant:
		sig, err := m.dec.Signature()
		if err != nil {
			m.readFailed("variant signature", err)
			return
		}
		if s := mkSignature(sig); !s.IsSingle() {
			m.fail(fmt.Errorf("%w: variant signature %q is not a single complete type", ErrInvalidValue, sig))
			return
		}
		if sig != f.sig {
			m.fail(fmt.Errorf("%w: reading variant of %q, message has variant of %q", ErrTypeMismatch, f.sig, sig))
			return
		}
	}
	m.stack = append(m.stack, f)
}

func containerCode(k ContainerKind) byte {
	switch k {
	case ContainerArray:
		return 'a'
	case ContainerStruct:
		return '('
	case ContainerDictEntry:
		return '{'
	case ContainerVariant:
		return 'v'
	}
	return 0
}

// ExitContainer finishes reading the innermost open container.
//
// Unread elements of an array are skipped. Exiting any other kind of
// container before all its values have been read invalidates m.
func (m *Message) ExitContainer() *Message {
	if m.err != nil {
		return m
	}
	if !m.sealed {
		m.fail(ErrNotSealed)
		return m
	}
	if len(m.stack) == 1 {
		m.fail(fmt.Errorf("%w: ContainerEnd without matching Container", ErrContainerNesting))
		return m
	}
	f := m.top()
	switch f.kind {
	case ContainerArray:
		if m.dec.Offset() > f.end {
			m.fail(fmt.Errorf("%w: array contents overran array length", ErrInvalidValue))
			return m
		}
		m.dec.Seek(f.end)
	default:
		if f.pos != len(f.sig) {
			m.fail(fmt.Errorf("%w: exiting %s of %q with %q unread", ErrContainerNesting, f.kind, f.sig, f.sig[f.pos:]))
			return m
		}
	}
	m.stack = m.stack[:len(m.stack)-1]
	return m
}
