package dbusmsg

import (
	"fmt"
	"io"

	"github.com/danderson/dbusmsg/fragments"
)

// Header field codes.
const (
	fieldPath        uint8 = 1
	fieldInterface   uint8 = 2
	fieldMember      uint8 = 3
	fieldErrName     uint8 = 4
	fieldReplySerial uint8 = 5
	fieldDestination uint8 = 6
	fieldSender      uint8 = 7
	fieldSignature   uint8 = 8
	fieldNumFDs      uint8 = 9
)

const (
	// headerSignature is the signature of a message header.
	headerSignature = "yyyyuua(yv)"
	// protocolVersion is the only DBus protocol version.
	protocolVersion = 1
	// maxMessageSize is the largest message the DBus specification
	// allows, in bytes.
	maxMessageSize = 1 << 27
)

// header is a DBus message header
type header struct {
	// Order is the message's byte order.
	Order fragments.ByteOrder
	// Type is the message's type.
	Type MessageType
	// Flags is the message's flag byte.
	Flags byte
	// Version is the DBus protocol version
	Version uint8
	// Length is the length of the message body, not including the
	// header or padding between header and body.
	Length uint32
	// Serial is the serial for this message. It must be non-zero.
	Serial uint32

	// Path is the target object for a call, or the source object
	// for a signal. Required for calls and signals.
	Path ObjectPath
	// Interface is the interface to target for a call, or the
	// source interface for a signal. Required for signals.
	Interface string
	// Member is the method name for a call, or signal name for a
	// signal. Required for calls and signals.
	Member string
	// ErrName is the name of the error that occurred. Required for
	// errors.
	ErrName string
	// ReplySerial is the message serial to which this message is
	// replying. Required for replies and errors.
	ReplySerial uint32
	// Destination is the target for a message.
	Destination string
	// Sender is the bus name of the message sender.
	Sender string
	// Signature is the type signature of the message body. Required
	// if a message body is present.
	Signature Signature
	// NumFDs is the number of file descriptors attached to this
	// message.
	NumFDs uint32
}

// Valid checks that the message header is valid for its message type.
func (h *header) Valid() error {
	if h.Serial == 0 {
		return fmt.Errorf("invalid message with zero Serial")
	}
	switch h.Type {
	case TypeInvalid:
		return fmt.Errorf("invalid message with Type 0")
	case TypeMethodCall:
		if h.Path == "" {
			return fmt.Errorf("missing required header field Path")
		}
		if h.Member == "" {
			return fmt.Errorf("missing required header field Member")
		}
	case TypeReply:
		if h.ReplySerial == 0 {
			return fmt.Errorf("missing required header field ReplySerial")
		}
	case TypeErrorReply:
		if h.ReplySerial == 0 {
			return fmt.Errorf("missing required header field ReplySerial")
		}
		if h.ErrName == "" {
			return fmt.Errorf("missing required header field ErrName")
		}
	case TypeSignal:
		if h.Path == "" {
			return fmt.Errorf("missing required header field Path")
		}
		if h.Interface == "" {
			return fmt.Errorf("missing required header field Interface")
		}
		if h.Member == "" {
			return fmt.Errorf("missing required header field Member")
		}
	default:
		// Unknown message types are suspect, but the DBus
		// specification requires us to gracefully allow them.
	}
	return nil
}

// write writes h to m, which must be empty.
func (h *header) write(m *Message) {
	m.Write(fragments.Flag(h.Order), h.Type, h.Flags, h.Version, h.Length, h.Serial)
	m.OpenContainer(Container{Kind: ContainerArray, Content: mkSignature("(yv)")})
	field := func(code uint8, sig string, v any) {
		m.OpenContainer(Container{Kind: ContainerStruct, Content: mkSignature("yv")}).
			Write(code).
			OpenContainer(Container{Kind: ContainerVariant, Content: mkSignature(sig)}).
			Write(v).
			CloseContainer().
			CloseContainer()
	}
	if h.Path != "" {
		field(fieldPath, "o", h.Path)
	}
	if h.Interface != "" {
		field(fieldInterface, "s", h.Interface)
	}
	if h.Member != "" {
		field(fieldMember, "s", h.Member)
	}
	if h.ErrName != "" {
		field(fieldErrName, "s", h.ErrName)
	}
	if h.ReplySerial != 0 {
		field(fieldReplySerial, "u", h.ReplySerial)
	}
	if h.Destination != "" {
		field(fieldDestination, "s", h.Destination)
	}
	if h.Sender != "" {
		field(fieldSender, "s", h.Sender)
	}
	if !h.Signature.IsZero() {
		field(fieldSignature, "g", h.Signature)
	}
	if h.NumFDs != 0 {
		field(fieldNumFDs, "u", h.NumFDs)
	}
	m.CloseContainer()
}

// read reads a header from m, which must be sealed with
// headerSignature. Unknown header fields are skipped.
func (h *header) read(m *Message) {
	var flag uint8
	m.Read(&flag, &h.Type, &h.Flags, &h.Version, &h.Length, &h.Serial)
	m.EnterContainer(Container{Kind: ContainerArray, Content: mkSignature("(yv)")})
	field := func(sig string, p any) {
		m.EnterContainer(Container{Kind: ContainerVariant, Content: mkSignature(sig)}).
			Read(p).
			ExitContainer()
	}
	for !m.End() {
		var code uint8
		m.EnterContainer(Container{Kind: ContainerStruct, Content: mkSignature("yv")}).Read(&code)
		switch code {
		case fieldPath:
			field("o", &h.Path)
		case fieldInterface:
			field("s", &h.Interface)
		case fieldMember:
			field("s", &h.Member)
		case fieldErrName:
			field("s", &h.ErrName)
		case fieldReplySerial:
			field("u", &h.ReplySerial)
		case fieldDestination:
			field("s", &h.Destination)
		case fieldSender:
			field("s", &h.Sender)
		case fieldSignature:
			field("g", &h.Signature)
		case fieldNumFDs:
			field("u", &h.NumFDs)
		default:
			m.Skip()
		}
		m.ExitContainer()
	}
	m.ExitContainer()
}

// newSealed returns a sealed message that reads values of signature
// sig from data.
func newSealed(order fragments.ByteOrder, sig string, data []byte) *Message {
	ret := NewMessage().SetByteOrder(order)
	ret.sealed = true
	ret.sig = sig
	ret.dec = fragments.Decoder{Order: order, In: data}
	ret.stack = []*frame{{sig: sig}}
	return ret
}

func (m *Message) header() *header {
	return &header{
		Order:       m.order,
		Type:        m.typ,
		Flags:       m.flags,
		Version:     protocolVersion,
		Length:      uint32(len(m.body())),
		Serial:      m.serial,
		Path:        m.path,
		Interface:   m.iface,
		Member:      m.member,
		ErrName:     m.errName,
		ReplySerial: m.replySerial,
		Destination: m.destination,
		Sender:      m.sender,
		Signature:   m.Signature(),
		NumFDs:      uint32(len(m.files)),
	}
}

// MarshalBinary seals m and returns its DBus wire encoding, header
// and body.
//
// The message must have a nonzero serial number, and all the header
// fields its type requires. Attached files are not part of the wire
// encoding, and must be sent by the transport alongside the returned
// bytes.
func (m *Message) MarshalBinary() ([]byte, error) {
	m.Seal()
	if m.err != nil {
		return nil, m.err
	}
	h := m.header()
	if err := h.Valid(); err != nil {
		return nil, err
	}
	hm := NewMessage().SetByteOrder(m.order)
	h.write(hm)
	if hm.err != nil {
		return nil, fmt.Errorf("writing message header: %w", hm.err)
	}
	hm.enc.Pad(8)
	if n := hm.enc.Len() + len(m.body()); n > maxMessageSize {
		return nil, fmt.Errorf("%w: message of %d bytes exceeds maximum of %d", ErrInvalidValue, n, maxMessageSize)
	}
	return append(hm.enc.Out, m.body()...), nil
}

// WriteTo writes m's wire encoding to w.
func (m *Message) WriteTo(w io.Writer) (int64, error) {
	bs, err := m.MarshalBinary()
	if err != nil {
		return 0, err
	}
	n, err := w.Write(bs)
	return int64(n), err
}

// UnmarshalMessage parses one complete DBus message from bs. The
// returned Message is sealed, and ready to read. The message body
// aliases bs.
func UnmarshalMessage(bs []byte) (*Message, error) {
	if len(bs) < 16 {
		return nil, fmt.Errorf("reading message header: %w", io.ErrUnexpectedEOF)
	}
	order, err := fragments.OrderForFlag(bs[0])
	if err != nil {
		return nil, fmt.Errorf("reading message header: %w", err)
	}
	hm := newSealed(order, headerSignature, bs)
	h := header{Order: order}
	h.read(hm)
	if hm.err != nil {
		return nil, fmt.Errorf("reading message header: %w", hm.err)
	}
	if err := hm.dec.Pad(8); err != nil {
		return nil, fmt.Errorf("reading message header padding: %w", err)
	}
	if h.Version != protocolVersion {
		return nil, fmt.Errorf("unsupported DBus protocol version %d", h.Version)
	}
	if err := h.Valid(); err != nil {
		return nil, err
	}
	start := hm.dec.Offset()
	end := start + int(h.Length)
	if end > len(bs) {
		return nil, fmt.Errorf("reading message body of %d bytes: %w", h.Length, io.ErrUnexpectedEOF)
	}
	if end < len(bs) {
		return nil, fmt.Errorf("%d bytes of trailing garbage after message", len(bs)-end)
	}

	ret := newSealed(order, h.Signature.str, bs[start:end])
	ret.typ = h.Type
	ret.flags = h.Flags
	ret.serial = h.Serial
	ret.replySerial = h.ReplySerial
	ret.path = h.Path
	ret.iface = h.Interface
	ret.member = h.Member
	ret.errName = h.ErrName
	ret.destination = h.Destination
	ret.sender = h.Sender
	ret.numFiles = h.NumFDs
	return ret, nil
}

// ReadMessage reads one complete DBus message from r.
func ReadMessage(r io.Reader) (*Message, error) {
	var prefix [16]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}
	d := fragments.Decoder{In: prefix[:]}
	if err := d.ByteOrderFlag(); err != nil {
		return nil, fmt.Errorf("reading message header: %w", err)
	}
	d.Seek(4)
	bodyLen, _ := d.Uint32()
	d.Seek(12)
	fieldsLen, _ := d.Uint32()

	hdrLen := 16 + uint64(fieldsLen)
	hdrLen += (8 - hdrLen%8) % 8
	total := hdrLen + uint64(bodyLen)
	if total > maxMessageSize {
		return nil, fmt.Errorf("message of %d bytes exceeds maximum of %d", total, maxMessageSize)
	}
	bs := make([]byte, total)
	copy(bs, prefix[:])
	if _, err := io.ReadFull(r, bs[len(prefix):]); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("reading message: %w", err)
	}
	return UnmarshalMessage(bs)
}

// NumFiles returns the number of files the message header says are
// attached to the message.
func (m *Message) NumFiles() int {
	if m.sealed {
		return int(m.numFiles)
	}
	return len(m.files)
}
