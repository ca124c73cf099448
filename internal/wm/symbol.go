package wm

import "slices"

type side uint8

const (
	sideInput side = iota + 1
	sideOutput
)

func (s side) String() string {
	if s == sideOutput {
		return "output"
	}
	return "input"
}

// symbolKey indexes the arena. Zero is never allocated and marks "no symbol".
type symbolKey uint32

// symbol is one identifier vertex. It owns children; usedBy holds the
// identifier WMEs pointing at it and acts as the reference count.
type symbol struct {
	key      symbolKey
	name     string
	children []*WME
	usedBy   []*WME
	dirty    bool
}

// space is the arena and indexes for one side of the mirror.
type space struct {
	kind  side
	next  symbolKey
	arena map[symbolKey]*symbol
	names map[string]symbolKey
	tags  map[TimeTag]*WME
}

func newSpace(kind side) *space {
	return &space{
		kind:  kind,
		arena: make(map[symbolKey]*symbol),
		names: make(map[string]symbolKey),
		tags:  make(map[TimeTag]*WME),
	}
}

func (s *space) get(key symbolKey) *symbol {
	if key == 0 {
		return nil
	}
	return s.arena[key]
}

func (s *space) lookup(name string) (*symbol, bool) {
	key, ok := s.names[name]
	if !ok {
		return nil, false
	}
	return s.arena[key], true
}

// intern returns the live symbol for name, creating it if needed.
func (s *space) intern(name string) *symbol {
	if sym, ok := s.lookup(name); ok {
		return sym
	}
	s.next++
	sym := &symbol{key: s.next, name: name}
	s.arena[sym.key] = sym
	s.names[name] = sym.key
	return sym
}

func (s *space) release(sym *symbol) {
	delete(s.arena, sym.key)
	if s.names[sym.name] == sym.key {
		delete(s.names, sym.name)
	}
}

func (s *space) rename(sym *symbol, name string) {
	if s.names[sym.name] == sym.key {
		delete(s.names, sym.name)
	}
	sym.name = name
	s.names[name] = sym.key
	for _, w := range sym.usedBy {
		w.val = identifierValue(name)
	}
}

// link attaches w under parent and indexes its tag. Identifier WMEs join
// their target's usedBy.
func (s *space) link(parent *symbol, w *WME) {
	if parent != nil {
		w.parent = parent.key
		parent.children = append(parent.children, w)
		parent.dirty = true
	}
	if w.target != 0 {
		if target := s.get(w.target); target != nil {
			target.usedBy = append(target.usedBy, w)
		}
	}
	s.tags[w.tag] = w
}

// unlink detaches w from its parent and tag index. It returns the target
// symbol when w was its last user; the caller decides how to free it.
func (s *space) unlink(w *WME) *symbol {
	if parent := s.get(w.parent); parent != nil {
		parent.children = removeWME(parent.children, w)
		parent.dirty = true
	}
	if s.tags[w.tag] == w {
		delete(s.tags, w.tag)
	}
	target := s.get(w.target)
	if target == nil {
		return nil
	}
	target.usedBy = removeWME(target.usedBy, w)
	if len(target.usedBy) == 0 {
		return target
	}
	return nil
}

func (s *space) retag(w *WME, tag TimeTag) {
	if s.tags[w.tag] == w {
		delete(s.tags, w.tag)
	}
	w.tag = tag
	s.tags[tag] = w
}

func (s *space) hasEdge(parent *symbol, attr string, target symbolKey) bool {
	for _, c := range parent.children {
		if c.attr == attr && c.target == target {
			return true
		}
	}
	return false
}

func (s *space) clearDirty() {
	for _, sym := range s.arena {
		sym.dirty = false
	}
}

func removeWME(list []*WME, w *WME) []*WME {
	if i := slices.Index(list, w); i >= 0 {
		return slices.Delete(list, i, i+1)
	}
	return list
}
