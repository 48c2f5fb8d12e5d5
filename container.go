package dbusmsg

import "fmt"

// ContainerKind is the kind of a DBus container.
type ContainerKind int

const (
	ContainerArray ContainerKind = iota + 1
	ContainerStruct
	ContainerDictEntry
	ContainerVariant
)

func (k ContainerKind) String() string {
	switch k {
	case ContainerArray:
		return "array"
	case ContainerStruct:
		return "struct"
	case ContainerDictEntry:
		return "dict entry"
	case ContainerVariant:
		return "variant"
	default:
		return fmt.Sprintf("ContainerKind(%d)", int(k))
	}
}

// Container opens a container when written to or read from a
// [Message]. It must be matched by a [ContainerEnd] at the same
// nesting depth.
type Container struct {
	Kind ContainerKind
	// Content is the signature of the container's contents: the
	// element type of an array, the concatenated field types of a
	// struct, the key and value types of a dict entry, or the type of
	// a variant's value. The element type of an array of dict
	// entries can be obtained with [Signature.Elem]:
	//
	//	Container{Kind: ContainerArray, Content: MustParseSignature("a{sv}").Elem()}
	//
	// When reading, a zero Content accepts whatever the message
	// contains, and a *Container given to [Message.Read] is updated
	// with the actual Content.
	Content Signature
}

// ContainerEnd closes the innermost open [Container].
type ContainerEnd struct{}

// typeString returns the signature of the container as seen from its
// parent, or an error if c does not describe a valid container.
func (c Container) typeString() (string, error) {
	var (
		ret     string
		content = c.Content.str
	)
	switch c.Kind {
	case ContainerArray:
		ret = "a" + content
	case ContainerStruct:
		ret = "(" + content + ")"
	case ContainerDictEntry:
		// Dict entries are only valid inside arrays, validate it as
		// such.
		ret = "{" + content + "}"
		if _, rest, err := nextType("a" + ret); err != nil || rest != "" {
			return "", fmt.Errorf("%w: invalid dict entry content %q", ErrTypeMismatch, content)
		}
		return ret, nil
	case ContainerVariant:
		if _, rest, err := nextType(content); err != nil || rest != "" {
			return "", fmt.Errorf("%w: variant content %q is not a single complete type", ErrTypeMismatch, content)
		}
		return "v", nil
	default:
		return "", fmt.Errorf("%w: unknown container kind %d", ErrTypeMismatch, int(c.Kind))
	}
	if _, rest, err := nextType(ret); err != nil || rest != "" {
		return "", fmt.Errorf("%w: invalid %s content %q", ErrTypeMismatch, c.Kind, content)
	}
	return ret, nil
}
