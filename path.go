package dbusmsg

import (
	"path"
	"strings"
)

// An ObjectPath is a DBus object path.
type ObjectPath string

// IsValid reports whether p is a syntactically valid object path:
// "/", or a sequence of "/"-prefixed elements made of [A-Za-z0-9_].
func (p ObjectPath) IsValid() bool {
	s := string(p)
	if s == "/" {
		return true
	}
	if !strings.HasPrefix(s, "/") || strings.HasSuffix(s, "/") {
		return false
	}
	for _, elem := range strings.Split(s[1:], "/") {
		if elem == "" {
			return false
		}
		for _, c := range []byte(elem) {
			switch {
			case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '_':
			default:
				return false
			}
		}
	}
	return true
}

func (p ObjectPath) String() string { return string(p) }

// Clean returns the shortest path equivalent to p, by purely lexical
// processing.
func (p ObjectPath) Clean() ObjectPath {
	return ObjectPath(path.Clean("/" + string(p)))
}

// IsChildOf reports whether p is a descendant of parent. A path is
// not a child of itself.
func (p ObjectPath) IsChildOf(parent ObjectPath) bool {
	p, parent = p.Clean(), parent.Clean()
	if parent == "/" {
		return p != "/"
	}
	return strings.HasPrefix(string(p), string(parent)+"/")
}
