package main

import (
	"fmt"
	"io"
	"reflect"

	"github.com/danderson/dbusmsg"
	"github.com/fxamacker/cbor/v2"
	"github.com/kr/pretty"
	"gopkg.in/yaml.v3"
)

// messageDump is the generic rendering of a decoded message.
type messageDump struct {
	Type        string   `yaml:"type" cbor:"type"`
	Serial      uint32   `yaml:"serial" cbor:"serial"`
	ReplySerial uint32   `yaml:"reply_serial,omitempty" cbor:"reply_serial,omitempty"`
	Flags       []string `yaml:"flags,omitempty" cbor:"flags,omitempty"`
	Sender      string   `yaml:"sender,omitempty" cbor:"sender,omitempty"`
	Destination string   `yaml:"destination,omitempty" cbor:"destination,omitempty"`
	Path        string   `yaml:"path,omitempty" cbor:"path,omitempty"`
	Interface   string   `yaml:"interface,omitempty" cbor:"interface,omitempty"`
	Member      string   `yaml:"member,omitempty" cbor:"member,omitempty"`
	ErrorName   string   `yaml:"error_name,omitempty" cbor:"error_name,omitempty"`
	Signature   string   `yaml:"signature" cbor:"signature"`
	Body        []any    `yaml:"body" cbor:"body"`
}

// variantDump is the rendering of a variant.
type variantDump struct {
	Signature string `yaml:"signature" cbor:"signature"`
	Value     any    `yaml:"value" cbor:"value"`
}

// entryDump is the rendering of one dict entry. Dicts render as lists
// of entries, since DBus dict keys aren't always strings and their
// order is significant.
type entryDump struct {
	Key   any `yaml:"key" cbor:"key"`
	Value any `yaml:"value" cbor:"value"`
}

// dumpMessage decodes m's body without knowing its Go types.
func dumpMessage(m *dbusmsg.Message) (*messageDump, error) {
	ret := &messageDump{
		Type:        m.Type().String(),
		Serial:      m.Serial(),
		ReplySerial: m.ReplySerial(),
		Sender:      m.Sender(),
		Destination: m.Destination(),
		Path:        string(m.Path()),
		Interface:   m.Interface(),
		Member:      m.Member(),
		ErrorName:   m.ErrorName(),
		Signature:   m.Signature().String(),
		Body:        []any{},
	}
	if m.NoReplyExpected() {
		ret.Flags = append(ret.Flags, "no-reply-expected")
	}
	if m.NoAutoStart() {
		ret.Flags = append(ret.Flags, "no-auto-start")
	}
	if m.CanInteract() {
		ret.Flags = append(ret.Flags, "allow-interactive-authorization")
	}
	for !m.End() {
		ret.Body = append(ret.Body, dumpValue(m))
	}
	if err := m.Err(); err != nil {
		return nil, err
	}
	return ret, nil
}

// dumpValue decodes the next value in m.
func dumpValue(m *dbusmsg.Message) any {
	code, content := m.PeekType()
	switch code {
	case 'a':
		c := &dbusmsg.Container{Kind: dbusmsg.ContainerArray}
		m.Read(c)
		if s := content.String(); s != "" && s[0] == '{' {
			ret := []entryDump{}
			for !m.End() {
				var e entryDump
				m.Read(dbusmsg.Container{Kind: dbusmsg.ContainerDictEntry})
				e.Key = dumpValue(m)
				e.Value = dumpValue(m)
				m.Read(dbusmsg.ContainerEnd{})
				ret = append(ret, e)
			}
			m.Read(dbusmsg.ContainerEnd{})
			return ret
		}
		ret := []any{}
		for !m.End() {
			ret = append(ret, dumpValue(m))
		}
		m.Read(dbusmsg.ContainerEnd{})
		return ret
	case '(':
		ret := []any{}
		m.Read(dbusmsg.Container{Kind: dbusmsg.ContainerStruct})
		for !m.End() {
			ret = append(ret, dumpValue(m))
		}
		m.Read(dbusmsg.ContainerEnd{})
		return ret
	case 'v':
		ret := variantDump{Signature: content.String()}
		m.Read(dbusmsg.Container{Kind: dbusmsg.ContainerVariant})
		ret.Value = dumpValue(m)
		m.Read(dbusmsg.ContainerEnd{})
		return ret
	case 'h':
		// Decoded messages carry no files, so there is nothing to
		// resolve the index against.
		m.Skip()
		return "<unix fd>"
	case 0:
		// Read something, to make m report why nothing is readable.
		m.Skip()
		return nil
	default:
		return dumpBasic(m, code)
	}
}

// dumpBasic reads a basic value of type code.
func dumpBasic(m *dbusmsg.Message, code byte) any {
	var p any
	switch code {
	case 'y':
		p = new(uint8)
	case 'b':
		p = new(bool)
	case 'n':
		p = new(int16)
	case 'q':
		p = new(uint16)
	case 'i':
		p = new(int32)
	case 'u':
		p = new(uint32)
	case 'x':
		p = new(int64)
	case 't':
		p = new(uint64)
	case 'd':
		p = new(float64)
	case 's':
		p = new(string)
	case 'o':
		p = new(dbusmsg.ObjectPath)
	case 'g':
		p = new(dbusmsg.Signature)
	default:
		m.Skip()
		return nil
	}
	m.Read(p)
	switch v := p.(type) {
	case *dbusmsg.ObjectPath:
		return string(*v)
	case *dbusmsg.Signature:
		return v.String()
	}
	return reflect.ValueOf(p).Elem().Interface()
}

// printer writes message dumps in one output format.
type printer struct {
	w      io.Writer
	format string
	yaml   *yaml.Encoder
	cbor   *cbor.Encoder
}

func newPrinter(format string, w io.Writer) (*printer, error) {
	ret := &printer{w: w, format: format}
	switch format {
	case "text":
	case "yaml":
		ret.yaml = yaml.NewEncoder(w)
		ret.yaml.SetIndent(2)
	case "cbor":
		em, err := cbor.CoreDetEncOptions().EncMode()
		if err != nil {
			return nil, fmt.Errorf("initializing CBOR encoder: %w", err)
		}
		ret.cbor = em.NewEncoder(w)
	default:
		return nil, fmt.Errorf("unknown output format %q", format)
	}
	return ret, nil
}

func (p *printer) print(d *messageDump) error {
	switch p.format {
	case "yaml":
		return p.yaml.Encode(d)
	case "cbor":
		return p.cbor.Encode(d)
	}

	ind := indenter{w: p.w}
	ind.f("%s serial=%d", d.Type, d.Serial)
	ind.indent(1)
	if d.ReplySerial != 0 {
		ind.f("reply_serial: %d", d.ReplySerial)
	}
	for _, kv := range [][2]string{
		{"sender", d.Sender},
		{"destination", d.Destination},
		{"path", d.Path},
		{"interface", d.Interface},
		{"member", d.Member},
		{"error_name", d.ErrorName},
	} {
		if kv[1] != "" {
			ind.f("%s: %s", kv[0], kv[1])
		}
	}
	for _, f := range d.Flags {
		ind.f("flag: %s", f)
	}
	ind.f("signature: %q", d.Signature)
	for i, v := range d.Body {
		ind.f("arg%d: %# v", i, pretty.Formatter(v))
	}
	ind.indent(0)
	return nil
}
