package dbustest

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/creachadair/mds/value"
	"github.com/danderson/dbusmsg"
)

// Match is a filter that matches DBus signals, following the rules
// that a message bus applies to match rules.
type Match struct {
	sender       value.Maybe[string]
	object       value.Maybe[dbusmsg.ObjectPath]
	objectPrefix value.Maybe[dbusmsg.ObjectPath]
	iface        value.Maybe[string]
	member       value.Maybe[string]
	argStr       map[int]string
	argPath      map[int]dbusmsg.ObjectPath
	arg0NS       value.Maybe[string]
}

// MatchSignal returns a Match for the signal iface.member.
func MatchSignal(iface, member string) *Match {
	return &Match{
		iface:  value.Just(iface),
		member: value.Just(member),
	}
}

// MatchAllSignals returns a Match for all signals.
func MatchAllSignals() *Match {
	return &Match{}
}

// String returns the match in the match rule format that message
// buses use for the AddMatch and RemoveMatch methods.
func (m *Match) String() string {
	ms := []string{"type='signal'"}
	kv := func(k string, v string) {
		ms = append(ms, fmt.Sprintf("%s=%s", k, escapeMatchArg(v)))
	}

	if s, ok := m.sender.GetOK(); ok {
		kv("sender", s)
	}
	if o, ok := m.object.GetOK(); ok {
		kv("path", o.String())
	}
	if p, ok := m.objectPrefix.GetOK(); ok {
		kv("path_namespace", p.String())
	}
	if i, ok := m.iface.GetOK(); ok {
		kv("interface", i)
	}
	if mb, ok := m.member.GetOK(); ok {
		kv("member", mb)
	}
	for _, i := range slices.Sorted(maps.Keys(m.argStr)) {
		kv(fmt.Sprintf("arg%d", i), m.argStr[i])
	}
	for _, i := range slices.Sorted(maps.Keys(m.argPath)) {
		kv(fmt.Sprintf("arg%dpath", i), m.argPath[i].String())
	}
	if n, ok := m.arg0NS.GetOK(); ok {
		kv("arg0namespace", n)
	}

	return strings.Join(ms, ",")
}

// Matches reports whether sig is a signal that matches the filter.
// Matches reads sig's body arguments if the filter needs them, and
// leaves sig rewound to the start of its body.
func (m *Match) Matches(sig *dbusmsg.Message) bool {
	if sig.Type() != dbusmsg.TypeSignal {
		return false
	}
	if s, ok := m.sender.GetOK(); ok && sig.Sender() != s {
		return false
	}
	if o, ok := m.object.GetOK(); ok && sig.Path() != o {
		return false
	}
	if p, ok := m.objectPrefix.GetOK(); ok && sig.Path() != p && !sig.Path().IsChildOf(p) {
		return false
	}
	if i, ok := m.iface.GetOK(); ok && sig.Interface() != i {
		return false
	}
	if mb, ok := m.member.GetOK(); ok && sig.Member() != mb {
		return false
	}

	if len(m.argStr) == 0 && len(m.argPath) == 0 && !m.arg0NS.Present() {
		return true
	}
	args := stringArgs(sig, m.maxArg())
	for i, want := range m.argStr {
		if a := args[i]; a.code != 's' || a.val != want {
			return false
		}
	}
	for i, want := range m.argPath {
		a := args[i]
		if a.code != 's' && a.code != 'o' {
			return false
		}
		if got := dbusmsg.ObjectPath(a.val); got != want && !got.IsChildOf(want) {
			return false
		}
	}
	if n, ok := m.arg0NS.GetOK(); ok {
		if a := args[0]; a.code != 's' || (a.val != n && !strings.HasPrefix(a.val, n+".")) {
			return false
		}
	}

	return true
}

func (m *Match) maxArg() int {
	ret := 0
	for i := range m.argStr {
		ret = max(ret, i)
	}
	for i := range m.argPath {
		ret = max(ret, i)
	}
	return ret
}

// arg is a string-like body argument of a signal.
type arg struct {
	code byte
	val  string
}

// stringArgs returns the first n+1 body arguments of sig. Arguments
// that aren't strings or object paths have a zero code.
func stringArgs(sig *dbusmsg.Message, n int) []arg {
	ret := make([]arg, n+1)
	sig.Rewind()
	defer sig.Rewind()
	for i := 0; i <= n && !sig.End(); i++ {
		code, _ := sig.PeekType()
		switch code {
		case 's':
			var s string
			sig.Read(&s)
			ret[i] = arg{'s', s}
		case 'o':
			var p dbusmsg.ObjectPath
			sig.Read(&p)
			ret[i] = arg{'o', string(p)}
		default:
			sig.Skip()
		}
	}
	if !sig.Valid() {
		sig.ResetError()
		return make([]arg, n+1)
	}
	return ret
}

// Sender restricts the match to a single sender.
func (m *Match) Sender(name string) *Match {
	m.sender = value.Just(name)
	return m
}

// Object restricts the match to a single source path.
func (m *Match) Object(o dbusmsg.ObjectPath) *Match {
	m.objectPrefix = value.Absent[dbusmsg.ObjectPath]()
	m.object = value.Just(o.Clean())
	return m
}

// ObjectPrefix restricts the match to senders rooted at the given
// path prefix.
//
// For example, ObjectPrefix("/mascots/gopher") matches signals
// emitted by /mascots/gopher, /mascots/gopher/plushie,
// /mascots/gopher/art/renee-french, but not /mascots/glenda.
func (m *Match) ObjectPrefix(o dbusmsg.ObjectPath) *Match {
	m.object = value.Absent[dbusmsg.ObjectPath]()
	if o == "/" {
		// / means the same as not specifying a path match.
		m.objectPrefix = value.Absent[dbusmsg.ObjectPath]()
	} else {
		m.objectPrefix = value.Just(o.Clean())
	}
	return m
}

// ArgStr restricts the match to signals whose i-th body argument is
// a string equal to val.
func (m *Match) ArgStr(i int, val string) *Match {
	if i < 0 || i > 63 {
		panic(fmt.Errorf("invalid ArgStr match on arg %d, must be in [0,63]", i))
	}
	if m.argStr == nil {
		m.argStr = map[int]string{}
	}
	m.argStr[i] = val
	return m
}

// ArgPathPrefix restricts the Match to signals whose i-th body
// argument is a string or ObjectPath with the given prefix.
func (m *Match) ArgPathPrefix(i int, val dbusmsg.ObjectPath) *Match {
	if i < 0 || i > 63 {
		panic(fmt.Errorf("invalid ArgPathPrefix match on arg %d, must be in [0,63]", i))
	}
	if m.argPath == nil {
		m.argPath = map[int]dbusmsg.ObjectPath{}
	}
	m.argPath[i] = val
	return m
}

// Arg0Namespace restricts the Match to signals whose first body
// argument is a bus or interface name with the given dot-separated
// prefix.
func (m *Match) Arg0Namespace(val string) *Match {
	m.arg0NS = value.Just(val)
	return m
}

func escapeMatchArg(s string) string {
	s = strings.ReplaceAll(s, "'", "'\\''")
	return "'" + s + "'"
}
