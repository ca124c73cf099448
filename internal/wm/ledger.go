package wm

import (
	"slices"

	"github.com/danmuck/wmlink/internal/protocol/session"
)

type entryKind uint8

const (
	entryAdd entryKind = iota + 1
	entryRemove
	entryUpdate
)

// entry is one pending change. old is the tombstone of the tag being
// removed for Remove and Update entries.
type entry struct {
	kind entryKind
	wme  *WME
	old  session.Record
}

// ledger keeps at most one live entry per WME so the drained sequence is the
// net effect since the last commit.
type ledger struct {
	entries []*entry
	byWME   map[*WME]*entry
}

func newLedger() *ledger {
	return &ledger{byWME: make(map[*WME]*entry)}
}

func (l *ledger) len() int { return len(l.entries) }

func (l *ledger) add(w *WME) {
	e := &entry{kind: entryAdd, wme: w}
	l.entries = append(l.entries, e)
	l.byWME[w] = e
}

// update records a value change. A pending Add already reads the current
// value, and a pending Update keeps the tag that was last committed.
func (l *ledger) update(w *WME, old session.Record) {
	if _, ok := l.byWME[w]; ok {
		return
	}
	e := &entry{kind: entryUpdate, wme: w, old: old}
	l.entries = append(l.entries, e)
	l.byWME[w] = e
}

func (l *ledger) remove(w *WME, old session.Record) {
	if e, ok := l.byWME[w]; ok {
		delete(l.byWME, w)
		switch e.kind {
		case entryAdd:
			l.entries = slices.DeleteFunc(l.entries, func(x *entry) bool { return x == e })
			return
		case entryUpdate:
			e.kind = entryRemove
			e.wme = nil
			return
		}
	}
	l.entries = append(l.entries, &entry{kind: entryRemove, old: old})
}

// records flattens the ledger in order. Updates become Remove(old) then Add(new).
// An Add whose parent identifier is introduced by another pending Add is held
// back until that Add has been emitted, so the kernel never sees a child
// before its parent.
func (l *ledger) records() (out []session.Record, adds, removes int) {
	introduced := make(map[string]bool)
	for _, e := range l.entries {
		if e.kind != entryRemove && e.wme.IsIdentifier() {
			introduced[e.wme.val.String()] = true
		}
	}
	emitted := make(map[string]bool)
	waiting := make(map[string][]session.Record)
	var heldOrder []string

	var emit func(rec session.Record)
	emit = func(rec session.Record) {
		if introduced[rec.ID] && !emitted[rec.ID] {
			if _, ok := waiting[rec.ID]; !ok {
				heldOrder = append(heldOrder, rec.ID)
			}
			waiting[rec.ID] = append(waiting[rec.ID], rec)
			return
		}
		out = append(out, rec)
		adds++
		if rec.Type != session.TypeIdentifier || emitted[rec.Value] {
			return
		}
		emitted[rec.Value] = true
		held := waiting[rec.Value]
		delete(waiting, rec.Value)
		for _, r := range held {
			emit(r)
		}
	}

	for _, e := range l.entries {
		switch e.kind {
		case entryAdd:
			emit(e.wme.record(session.ActionAdd))
		case entryRemove:
			out = append(out, e.old)
			removes++
		case entryUpdate:
			out = append(out, e.old)
			removes++
			emit(e.wme.record(session.ActionAdd))
		}
	}
	// Still held: the parent never got emitted. Send as is and let the
	// kernel reject it.
	for _, id := range heldOrder {
		held := waiting[id]
		out = append(out, held...)
		adds += len(held)
	}
	return out, adds, removes
}

func (l *ledger) reset() {
	l.entries = nil
	l.byWME = make(map[*WME]*entry)
}
