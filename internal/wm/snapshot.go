package wm

import (
	"cmp"
	"slices"
	"strings"
)

// Node is a value copy of one WME and the structure below it.
type Node struct {
	Attribute string `json:"attribute" yaml:"attribute"`
	Value     string `json:"value" yaml:"value"`
	Type      string `json:"type" yaml:"type"`
	TimeTag   int64  `json:"time_tag" yaml:"time_tag"`
	Children  []Node `json:"children,omitempty" yaml:"children,omitempty"`
	// Shared marks an identifier already expanded elsewhere in this snapshot.
	Shared bool `json:"shared,omitempty" yaml:"shared,omitempty"`
}

// Snapshot copies the graph under root. Children are sorted by attribute,
// type, value then tag. Each identifier is expanded once.
func (m *Memory) Snapshot(root *WME) Node {
	if root == nil || root.mem != m {
		return Node{}
	}
	return m.snapshot(root, map[symbolKey]bool{})
}

func (m *Memory) snapshot(w *WME, seen map[symbolKey]bool) Node {
	n := Node{
		Attribute: w.attr,
		Value:     w.val.String(),
		Type:      w.val.kind.String(),
		TimeTag:   int64(w.tag),
	}
	if w.target == 0 {
		return n
	}
	if seen[w.target] {
		n.Shared = true
		return n
	}
	seen[w.target] = true
	sym := m.spaceFor(w.side).get(w.target)
	if sym == nil {
		return n
	}
	for _, c := range sym.children {
		n.Children = append(n.Children, m.snapshot(c, seen))
	}
	slices.SortFunc(n.Children, func(a, b Node) int {
		return cmp.Or(
			cmp.Compare(a.Attribute, b.Attribute),
			cmp.Compare(a.Type, b.Type),
			cmp.Compare(a.Value, b.Value),
			cmp.Compare(a.TimeTag, b.TimeTag),
		)
	})
	return n
}

// Isomorphic reports whether two snapshots hold the same attribute/value
// structure. Time tags and identifier names are ignored.
func Isomorphic(a, b Node) bool {
	return canonical(a) == canonical(b)
}

func canonical(n Node) string {
	var b strings.Builder
	b.WriteString("(^")
	b.WriteString(n.Attribute)
	b.WriteByte(' ')
	b.WriteString(n.Type)
	if n.Type != TypeIdentifier.String() {
		b.WriteByte(':')
		b.WriteString(n.Value)
	}
	if n.Shared {
		b.WriteString(" shared")
	}
	kids := make([]string, 0, len(n.Children))
	for _, c := range n.Children {
		kids = append(kids, canonical(c))
	}
	slices.Sort(kids)
	for _, k := range kids {
		b.WriteByte(' ')
		b.WriteString(k)
	}
	b.WriteByte(')')
	return b.String()
}
