package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/danderson/dbusmsg"
)

// writeBody writes args to m as a body of type sig.
func writeBody(m *dbusmsg.Message, sig dbusmsg.Signature, args []string) error {
	types := sig.Split()
	if len(args) != len(types) {
		return fmt.Errorf("signature %q needs %d arguments, got %d", sig, len(types), len(args))
	}
	for i, t := range types {
		if err := writeArg(m, t.String(), args[i]); err != nil {
			return fmt.Errorf("argument %d (%s): %w", i, t, err)
		}
	}
	return m.Err()
}

// writeArg parses s as a value of type t, and writes it to m.
func writeArg(m *dbusmsg.Message, t, s string) error {
	switch t[0] {
	case 'a':
		elem := t[1:]
		if len(elem) != 1 {
			return fmt.Errorf("only arrays of basic types can be given as arguments, not %q", t)
		}
		m.Write(dbusmsg.Container{Kind: dbusmsg.ContainerArray, Content: dbusmsg.MustParseSignature(elem)})
		for _, e := range splitList(s) {
			v, err := parseBasic(elem[0], e)
			if err != nil {
				return err
			}
			m.Write(v)
		}
		m.Write(dbusmsg.ContainerEnd{})
	case 'v':
		vt, vs, ok := strings.Cut(s, ":")
		if !ok {
			return fmt.Errorf("variant %q is not of the form signature:value", s)
		}
		if _, err := dbusmsg.ParseSignature(vt); err != nil || len(vt) == 0 {
			return fmt.Errorf("invalid variant signature %q", vt)
		}
		if vt[0] == 'v' || (vt[0] == 'a' && len(vt) != 2) || (vt[0] != 'a' && len(vt) != 1) {
			return fmt.Errorf("only basic types and arrays of basic types can be given in variants, not %q", vt)
		}
		m.Write(dbusmsg.Container{Kind: dbusmsg.ContainerVariant, Content: dbusmsg.MustParseSignature(vt)})
		if err := writeArg(m, vt, vs); err != nil {
			return err
		}
		m.Write(dbusmsg.ContainerEnd{})
	default:
		if len(t) != 1 {
			return fmt.Errorf("structs and dicts can't be given as arguments, not %q", t)
		}
		v, err := parseBasic(t[0], s)
		if err != nil {
			return err
		}
		m.Write(v)
	}
	return m.Err()
}

// parseBasic parses s as a value of the basic DBus type code.
func parseBasic(code byte, s string) (any, error) {
	switch code {
	case 'y':
		v, err := strconv.ParseUint(s, 0, 8)
		return uint8(v), err
	case 'b':
		return strconv.ParseBool(s)
	case 'n':
		v, err := strconv.ParseInt(s, 0, 16)
		return int16(v), err
	case 'q':
		v, err := strconv.ParseUint(s, 0, 16)
		return uint16(v), err
	case 'i':
		v, err := strconv.ParseInt(s, 0, 32)
		return int32(v), err
	case 'u':
		v, err := strconv.ParseUint(s, 0, 32)
		return uint32(v), err
	case 'x':
		return strconv.ParseInt(s, 0, 64)
	case 't':
		return strconv.ParseUint(s, 0, 64)
	case 'd':
		return strconv.ParseFloat(s, 64)
	case 's':
		return s, nil
	case 'o':
		return dbusmsg.ObjectPath(s), nil
	case 'g':
		return dbusmsg.ParseSignature(s)
	case 'h':
		return nil, fmt.Errorf("file descriptors can't be given as arguments")
	}
	return nil, fmt.Errorf("unknown type code %q", code)
}
