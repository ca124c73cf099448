package wm

// FindByTimeTag looks the tag up on the input side, then the output side.
func (m *Memory) FindByTimeTag(tag TimeTag) *WME {
	if w, ok := m.in.tags[tag]; ok {
		return w
	}
	if w, ok := m.out.tags[tag]; ok {
		return w
	}
	return nil
}

// FindByAttribute returns the index-th child of parent with attr, or nil.
func (m *Memory) FindByAttribute(parent *WME, attr string, index int) *WME {
	for _, c := range m.Children(parent) {
		if c.attr != attr {
			continue
		}
		if index == 0 {
			return c
		}
		index--
	}
	return nil
}

// Children returns a copy of the edges under an identifier WME in insertion order.
func (m *Memory) Children(w *WME) []*WME {
	if w == nil || w.mem != m || !w.alive || w.target == 0 {
		return nil
	}
	sym := m.spaceFor(w.side).get(w.target)
	if sym == nil {
		return nil
	}
	return append([]*WME(nil), sym.children...)
}

// SymbolRefCount is the number of identifier WMEs pointing at name,
// searching the input side first. Zero means no live symbol.
func (m *Memory) SymbolRefCount(name string) int {
	if sym, ok := m.in.lookup(name); ok {
		return len(sym.usedBy)
	}
	if sym, ok := m.out.lookup(name); ok {
		return len(sym.usedBy)
	}
	return 0
}

// ChildrenModified reports whether w's identifier gained or lost children
// since the last commit (input) or output notification (output).
func (m *Memory) ChildrenModified(w *WME) bool {
	if w == nil || w.mem != m || w.target == 0 {
		return false
	}
	sym := m.spaceFor(w.side).get(w.target)
	return sym != nil && sym.dirty
}

// IsJustAdded is true for output WMEs added by the batch being notified.
func (m *Memory) IsJustAdded(w *WME) bool {
	return w != nil && w.alive && w.justAdded
}

// SymbolCount is the number of live identifiers on each side.
func (m *Memory) SymbolCount() (input, output int) {
	return len(m.in.arena), len(m.out.arena)
}
