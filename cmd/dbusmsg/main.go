package main

import (
	"bufio"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/danderson/dbusmsg"
	"github.com/danderson/dbusmsg/fragments"
	"go.uber.org/zap"
)

var globalArgs struct {
	LogLevel string `flag:"log-level,default=warn,Log level (debug, info, warn, error)"`
}

var encodeArgs struct {
	Type        string `flag:"type,default=call,Message type (call or signal)"`
	Destination string `flag:"dest,Destination bus name"`
	Path        string `flag:"path,default=/,Object path"`
	Interface   string `flag:"iface,Interface name"`
	Member      string `flag:"member,Method or signal name"`
	Serial      int    `flag:"serial,default=1,Message serial"`
	LittleEnd   bool   `flag:"le,Encode in little-endian byte order"`
	Out         string `flag:"out,Write the raw message to this file instead of a hex dump to stdout"`
}

var decodeArgs struct {
	Format string `flag:"format,default=text,Output format (text, yaml or cbor)"`
}

var log *zap.Logger

func main() {
	root := &command.C{
		Name:     "dbusmsg",
		Usage:    "command args...",
		Help:     "Inspect, encode and decode DBus messages.",
		SetFlags: command.Flags(flax.MustBind, &globalArgs),
		Init: func(env *command.Env) error {
			l, err := newLogger(globalArgs.LogLevel, os.Stderr)
			if err != nil {
				return env.Usagef("invalid --log-level: %v", err)
			}
			log = l
			return nil
		},
		Commands: []*command.C{
			{
				Name:  "sig",
				Usage: "sig signature...",
				Help: `Validate DBus type signatures.

Each signature is checked, and its complete types are listed one per
line.`,
				Run: runSig,
			},
			{
				Name:  "encode",
				Usage: "encode [flags] signature [arg...]",
				Help: `Encode a DBus message with the given body.

The body signature is a sequence of complete types. Each complete type
consumes one argument: basic types are parsed from their text form,
arrays of basic types are comma-separated lists, and variants are
written as "signature:value", for example "u:42".`,
				SetFlags: command.Flags(flax.MustBind, &encodeArgs),
				Run:      runEncode,
			},
			{
				Name:  "decode",
				Usage: "decode [flags] [file]",
				Help: `Decode a stream of DBus messages.

Messages are read from file, or from stdin if no file is given, until
the end of the input.`,
				SetFlags: command.Flags(flax.MustBind, &decodeArgs),
				Run:      runDecode,
			},
			{
				Name:  "types",
				Usage: "types",
				Help:  "List the variant types known to the default registry.",
				Run:   command.Adapt(runTypes),
			},
			command.HelpCommand(nil),
			command.VersionCommand(),
		},
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	env := root.NewEnv(nil).SetContext(ctx)
	command.RunOrFail(env, os.Args[1:])
}

func runSig(env *command.Env) error {
	if len(env.Args) == 0 {
		return env.Usagef("sig requires at least one signature")
	}
	var (
		ind  indenter
		errs []error
	)
	for _, s := range env.Args {
		sig, err := dbusmsg.ParseSignature(s)
		if err != nil {
			errs = append(errs, fmt.Errorf("%q: %w", s, err))
			continue
		}
		ind.indent(0)
		ind.f("%q: valid", s)
		ind.indent(1)
		for _, t := range sig.Split() {
			ind.s(t.String())
		}
	}
	return errors.Join(errs...)
}

func runEncode(env *command.Env) error {
	if len(env.Args) == 0 {
		return env.Usagef("encode requires a body signature")
	}
	sig, err := dbusmsg.ParseSignature(env.Args[0])
	if err != nil {
		return fmt.Errorf("parsing body signature: %w", err)
	}

	var m *dbusmsg.Message
	switch encodeArgs.Type {
	case "call":
		m = dbusmsg.NewMethodCall(encodeArgs.Destination, dbusmsg.ObjectPath(encodeArgs.Path), encodeArgs.Interface, encodeArgs.Member)
	case "signal":
		m = dbusmsg.NewSignal(dbusmsg.ObjectPath(encodeArgs.Path), encodeArgs.Interface, encodeArgs.Member).SetDestination(encodeArgs.Destination)
	default:
		return env.Usagef("unknown message type %q", encodeArgs.Type)
	}
	order := fragments.BigEndian
	if encodeArgs.LittleEnd {
		order = fragments.LittleEndian
	}
	m.SetByteOrder(order).SetSerial(uint32(encodeArgs.Serial)).SetLogger(log)

	if err := writeBody(m, sig, env.Args[1:]); err != nil {
		return err
	}
	bs, err := m.MarshalBinary()
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}

	if encodeArgs.Out != "" {
		if err := os.WriteFile(encodeArgs.Out, bs, 0644); err != nil {
			return fmt.Errorf("writing message: %w", err)
		}
		log.Info("wrote message", zap.String("path", encodeArgs.Out), zap.Int("bytes", len(bs)))
		return nil
	}
	_, err = io.WriteString(os.Stdout, hex.Dump(bs))
	return err
}

func runDecode(env *command.Env) error {
	var in io.Reader = os.Stdin
	switch len(env.Args) {
	case 0:
	case 1:
		f, err := os.Open(env.Args[0])
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	default:
		return env.Usagef("decode takes at most one file")
	}

	out, err := newPrinter(decodeArgs.Format, os.Stdout)
	if err != nil {
		return env.Usagef("%v", err)
	}
	r := bufio.NewReader(in)
	for n := 0; ; n++ {
		m, err := dbusmsg.ReadMessage(r)
		if errors.Is(err, io.EOF) {
			return nil
		} else if err != nil {
			return fmt.Errorf("reading message %d: %w", n, err)
		}
		m.SetLogger(log)
		dump, err := dumpMessage(m)
		if err != nil {
			return fmt.Errorf("decoding message %d: %w", n, err)
		}
		if err := out.print(dump); err != nil {
			return err
		}
	}
}

func runTypes(env *command.Env) error {
	var ind indenter
	for _, sig := range dbusmsg.DefaultRegistry.Signatures() {
		h := dbusmsg.DefaultRegistry.Lookup(sig)
		ind.f("%-8s %s", sig, reflect.TypeOf(h.New()).Elem())
	}
	return nil
}

// splitList splits a comma-separated list, treating the empty string
// as an empty list.
func splitList(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}
