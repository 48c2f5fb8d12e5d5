package fragments

import (
	"fmt"
	"io"
)

// A Decoder provides utilities to read a DBus wire format message
// from a byte slice.
//
// Methods advance the read cursor as needed to account for the
// padding required by DBus alignment rules, except for [Decoder.Read]
// which reads bytes verbatim.
//
// A failed read leaves the cursor where it was before the read.
type Decoder struct {
	// Order is the byte order to use when reading multi-byte values.
	Order ByteOrder
	// In is the input to read.
	In []byte

	// offset is the number of bytes consumed off the front of In so
	// far. Alignment is relative to the start of In.
	offset int
}

// Offset returns the current read offset into In.
func (d *Decoder) Offset() int {
	return d.offset
}

// Seek moves the read cursor to the given absolute offset.
func (d *Decoder) Seek(offset int) {
	d.offset = offset
}

// Remaining returns the number of unread bytes.
func (d *Decoder) Remaining() int {
	return len(d.In) - d.offset
}

// Pad consumes padding bytes as needed to make the next read happen
// at a multiple of align bytes. If the decoder is already correctly
// aligned, no bytes are consumed.
func (d *Decoder) Pad(align int) error {
	extra := d.offset % align
	if extra == 0 {
		return nil
	}
	skip := align - extra
	if d.Remaining() < skip {
		return io.ErrUnexpectedEOF
	}
	d.offset += skip
	return nil
}

// Read reads n bytes, with no framing or padding.
func (d *Decoder) Read(n int) ([]byte, error) {
	if n < 0 || d.Remaining() < n {
		return nil, io.ErrUnexpectedEOF
	}
	ret := d.In[d.offset : d.offset+n : d.offset+n]
	d.offset += n
	return ret, nil
}

// Bytes reads a DBus byte array.
func (d *Decoder) Bytes() ([]byte, error) {
	start := d.offset
	ln, err := d.Uint32()
	if err != nil {
		return nil, err
	}
	bs, err := d.Read(int(ln))
	if err != nil {
		d.offset = start
		return nil, err
	}
	return append([]byte(nil), bs...), nil
}

// String reads a DBus string.
func (d *Decoder) String() (string, error) {
	start := d.offset
	ln, err := d.Uint32()
	if err != nil {
		return "", err
	}
	return d.terminated(start, int(ln))
}

// Signature reads a DBus signature.
func (d *Decoder) Signature() (string, error) {
	start := d.offset
	ln, err := d.Uint8()
	if err != nil {
		return "", err
	}
	return d.terminated(start, int(ln))
}

func (d *Decoder) terminated(start, ln int) (string, error) {
	bs, err := d.Read(ln + 1)
	if err != nil {
		d.offset = start
		return "", err
	}
	if bs[ln] != 0 {
		d.offset = start
		return "", fmt.Errorf("missing nul terminator")
	}
	return string(bs[:ln]), nil
}

// Uint8 reads a uint8.
func (d *Decoder) Uint8() (uint8, error) {
	bs, err := d.Read(1)
	if err != nil {
		return 0, err
	}
	return bs[0], nil
}

// Uint16 reads a uint16.
func (d *Decoder) Uint16() (uint16, error) {
	bs, err := d.aligned(2)
	if err != nil {
		return 0, err
	}
	return d.Order.Uint16(bs), nil
}

// Uint32 reads a uint32.
func (d *Decoder) Uint32() (uint32, error) {
	bs, err := d.aligned(4)
	if err != nil {
		return 0, err
	}
	return d.Order.Uint32(bs), nil
}

// Uint64 reads a uint64.
func (d *Decoder) Uint64() (uint64, error) {
	bs, err := d.aligned(8)
	if err != nil {
		return 0, err
	}
	return d.Order.Uint64(bs), nil
}

func (d *Decoder) aligned(n int) ([]byte, error) {
	start := d.offset
	if err := d.Pad(n); err != nil {
		return nil, err
	}
	bs, err := d.Read(n)
	if err != nil {
		d.offset = start
		return nil, err
	}
	return bs, nil
}

// ArrayStart reads an array header: the array's byte length, and
// padding to the element alignment. It returns the offset at which
// the array's data ends.
func (d *Decoder) ArrayStart(elemAlign int) (end int, err error) {
	start := d.offset
	ln, err := d.Uint32()
	if err != nil {
		return 0, err
	}
	if err := d.Pad(elemAlign); err != nil {
		d.offset = start
		return 0, err
	}
	end = d.offset + int(ln)
	if end > len(d.In) {
		d.offset = start
		return 0, fmt.Errorf("array length %d exceeds remaining %d bytes: %w", ln, d.Remaining(), io.ErrUnexpectedEOF)
	}
	return end, nil
}

// ByteOrderFlag reads a DBus byte order flag byte, and sets
// [Decoder.Order] to match it.
func (d *Decoder) ByteOrderFlag() error {
	v, err := d.Uint8()
	if err != nil {
		return err
	}
	order, err := OrderForFlag(v)
	if err != nil {
		d.offset--
		return err
	}
	d.Order = order
	return nil
}
