package envelope

import (
	"errors"
	"fmt"
	"strings"
)

// Identity is the name@domain pair of an addressable endpoint.
type Identity struct {
	Name   string
	Domain string
}

// ParseIdentity parses "name@domain" or a bare "domain".
func ParseIdentity(s string) (Identity, error) {
	if strings.ContainsRune(s, '/') {
		return Identity{}, fmt.Errorf("identity %q must not carry an instance", s)
	}
	n, err := ParseNode(s)
	if err != nil {
		return Identity{}, err
	}
	return n.Identity(), nil
}

// String formats the identity as name@domain.
func (i Identity) String() string {
	if i.Name == "" {
		return i.Domain
	}
	return i.Name + "@" + i.Domain
}

// IsZero reports whether both parts are empty.
func (i Identity) IsZero() bool {
	return i.Name == "" && i.Domain == ""
}

// Equal compares identities case-insensitively.
func (i Identity) Equal(o Identity) bool {
	return strings.EqualFold(i.String(), o.String())
}

// ToNode returns a node for this identity with the given instance.
func (i Identity) ToNode(instance string) *Node {
	return &Node{Name: i.Name, Domain: i.Domain, Instance: instance}
}

// Node is an identity plus an optional instance, written as
// name@domain/instance.
type Node struct {
	Name     string
	Domain   string
	Instance string
}

// ParseNode parses "name@domain/instance". Every part is optional except
// that an empty string is rejected.
func ParseNode(s string) (*Node, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, errors.New("empty node")
	}

	n := &Node{}
	rest := s
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		n.Instance = rest[i+1:]
		rest = rest[:i]
	}
	if i := strings.IndexByte(rest, '@'); i >= 0 {
		n.Name = rest[:i]
		n.Domain = rest[i+1:]
		if strings.ContainsRune(n.Domain, '@') {
			return nil, fmt.Errorf("invalid node %q", s)
		}
	} else {
		n.Domain = rest
	}
	return n, nil
}

// MustParseNode is like ParseNode but panics on error.
func MustParseNode(s string) *Node {
	n, err := ParseNode(s)
	if err != nil {
		panic(err)
	}
	return n
}

// String formats the node as name@domain/instance, omitting empty parts.
func (n *Node) String() string {
	if n == nil {
		return ""
	}
	var b strings.Builder
	if n.Name != "" {
		b.WriteString(n.Name)
		b.WriteByte('@')
	}
	b.WriteString(n.Domain)
	if n.Instance != "" {
		b.WriteByte('/')
		b.WriteString(n.Instance)
	}
	return b.String()
}

// Identity drops the instance.
func (n *Node) Identity() Identity {
	if n == nil {
		return Identity{}
	}
	return Identity{Name: n.Name, Domain: n.Domain}
}

// Equal compares nodes case-insensitively on their string form. Two nil
// nodes are equal.
func (n *Node) Equal(o *Node) bool {
	if n == nil || o == nil {
		return n == nil && o == nil
	}
	return strings.EqualFold(n.String(), o.String())
}

// Clone returns a copy of n, or nil.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	c := *n
	return &c
}

// IsComplete reports whether name, domain and instance are all set.
func (n *Node) IsComplete() bool {
	return n != nil && n.Name != "" && n.Domain != "" && n.Instance != ""
}

// MarshalText implements encoding.TextMarshaler.
func (n Node) MarshalText() ([]byte, error) {
	return []byte(n.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (n *Node) UnmarshalText(text []byte) error {
	p, err := ParseNode(string(text))
	if err != nil {
		return err
	}
	*n = *p
	return nil
}
