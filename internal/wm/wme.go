package wm

import (
	"fmt"

	"github.com/danmuck/wmlink/internal/protocol/session"
)

// WME is one (id ^attribute value) edge. Handles stay readable after
// destruction but every mutation through them fails with ErrAlreadyDestroyed.
type WME struct {
	mem       *Memory
	side      side
	tag       TimeTag
	parent    symbolKey
	attr      string
	val       Value
	target    symbolKey
	alive     bool
	justAdded bool
}

func (w *WME) TimeTag() TimeTag { return w.tag }

func (w *WME) Attribute() string { return w.attr }

func (w *WME) Value() Value { return w.val }

func (w *WME) Type() ValueType { return w.val.kind }

func (w *WME) IsIdentifier() bool { return w.val.kind == TypeIdentifier }

// IsRoot reports whether w anchors the input or output link.
func (w *WME) IsRoot() bool { return w.parent == 0 }

func (w *WME) Alive() bool { return w.alive }

func (w *WME) IsOutput() bool { return w.side == sideOutput }

// ID is the name of the identifier w hangs off, or "" for roots and dead WMEs.
func (w *WME) ID() string {
	if w.mem == nil {
		return ""
	}
	if parent := w.mem.spaceFor(w.side).get(w.parent); parent != nil {
		return parent.name
	}
	return ""
}

func (w *WME) String() string {
	if w.IsRoot() {
		return fmt.Sprintf("(^%s %s) [%d]", w.attr, w.val, w.tag)
	}
	return fmt.Sprintf("(%s ^%s %s) [%d]", w.ID(), w.attr, w.val, w.tag)
}

// record renders w as a wire record with the given action.
func (w *WME) record(action session.Action) session.Record {
	rec := session.AddRecord(w.ID(), w.attr, w.val.String(), w.val.kind.String(), int64(w.tag))
	rec.Action = action
	return rec
}
