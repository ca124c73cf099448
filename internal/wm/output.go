package wm

import (
	"slices"
	"strings"

	"github.com/danmuck/wmlink/internal/observability"
	"github.com/danmuck/wmlink/internal/protocol/session"
)

// ReconcileState is the phase of the output batch in progress.
type ReconcileState uint8

const (
	StateIdle ReconcileState = iota
	StateReceiving
	StateReconciling
	StateNotifying
)

func (s ReconcileState) String() string {
	switch s {
	case StateReceiving:
		return "receiving"
	case StateReconciling:
		return "reconciling"
	case StateNotifying:
		return "notifying"
	default:
		return "idle"
	}
}

type ChangeKind uint8

const (
	ChangeAdded ChangeKind = iota + 1
	ChangeRemoved
	// ChangeUpdated is a re-delivery of a bound time tag with a new value.
	ChangeUpdated
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeRemoved:
		return "removed"
	case ChangeUpdated:
		return "updated"
	default:
		return "added"
	}
}

// OutputChange is one entry of the output delta handed to listeners.
type OutputChange struct {
	Kind ChangeKind
	WME  *WME
}

// BatchReport counts what one output batch did.
type BatchReport struct {
	Added    int
	Removed  int
	Updated  int
	Missed   int
	Dropped  int
	Orphaned int
	Failed   bool
}

type orphan struct {
	index int
	rec   session.Record
	val   Value
}

// State reports the reconciliation phase; StateIdle outside ReceiveOutput.
func (m *Memory) State() ReconcileState { return m.state }

// LastError is the detailed error of the most recent failed batch or sync,
// or of a direct update that left the kernel without the WME.
func (m *Memory) LastError() error { return m.lastErr }

func (m *Memory) ClearError() { m.lastErr = nil }

// ReceiveOutput applies one kernel output batch to the output mirror.
// Bad records are dropped and counted; the batch continues. Records left
// without a parent at the end fail the batch. Applied records are kept.
func (m *Memory) ReceiveOutput(records []session.Record) (BatchReport, error) {
	var report BatchReport
	if m.state != StateIdle {
		return report, ErrReentrant
	}
	defer func() { m.state = StateIdle }()

	m.state = StateReceiving
	m.orphans = m.orphans[:0]
	batch := &BatchError{Op: "output batch"}
	for i, rec := range records {
		m.receiveRecord(i, rec, &report, batch)
	}

	m.state = StateReconciling
	if len(m.orphans) > 0 {
		report.Orphaned = len(m.orphans)
		report.Failed = true
		batch.Failed = true
		for _, o := range m.orphans {
			batch.add(o.index, TimeTag(o.rec.TimeTag), "parent %q never arrived", o.rec.ID)
		}
		m.orphans = m.orphans[:0]
	}
	observability.RecordOutputBatch(m.agent, report.Failed, report.Orphaned)

	err := batch.errOrNil()
	if err != nil {
		m.lastErr = err
		if report.Failed {
			m.log.Error().Err(err).Msgf("wm.Memory.ReceiveOutput failed orphans=%d", report.Orphaned)
		} else {
			m.log.Warn().Err(err).Msg("wm.Memory.ReceiveOutput partial")
		}
	}
	m.log.Debug().Msgf(
		"wm.Memory.ReceiveOutput records=%d added=%d removed=%d updated=%d missed=%d dropped=%d",
		len(records), report.Added, report.Removed, report.Updated, report.Missed, report.Dropped,
	)

	m.state = StateNotifying
	m.notify()
	return report, err
}

func (m *Memory) receiveRecord(i int, rec session.Record, report *BatchReport, batch *BatchError) {
	tag := TimeTag(rec.TimeTag)
	action := string(rec.Action)
	if missing := rec.Missing(); len(missing) > 0 {
		report.Dropped++
		batch.add(i, tag, "missing %s", strings.Join(missing, ","))
		observability.RecordOutputRecord(m.agent, action, "dropped")
		return
	}
	switch rec.Action {
	case session.ActionAdd:
		m.receiveAdd(i, rec, report, batch)
	case session.ActionRemove:
		m.receiveRemove(rec, report)
	default:
		report.Dropped++
		batch.add(i, tag, "unknown action %q", rec.Action)
		observability.RecordOutputRecord(m.agent, action, "dropped")
	}
}

func (m *Memory) receiveAdd(i int, rec session.Record, report *BatchReport, batch *BatchError) {
	tag := TimeTag(rec.TimeTag)
	typ, err := ParseValueType(rec.Type)
	var val Value
	if err == nil {
		val, err = ParseValue(typ, rec.Value)
	}
	if err != nil {
		report.Dropped++
		batch.add(i, tag, "%v", err)
		observability.RecordOutputRecord(m.agent, string(rec.Action), "dropped")
		return
	}

	if parent, ok := m.out.lookup(rec.ID); ok {
		if existing, bound := m.out.tags[tag]; bound {
			if existing.parent != parent.key || existing.attr != rec.Attribute {
				report.Dropped++
				batch.add(i, tag, "time tag already bound to %s", existing)
				observability.RecordOutputRecord(m.agent, string(rec.Action), "dropped")
				return
			}
			report.Added += m.rebind(existing, val, report, batch)
			report.Updated++
			observability.RecordOutputRecord(m.agent, string(rec.Action), "updated")
			return
		}
		report.Added += m.attachOutput(parent, rec.Attribute, val, tag, report, batch)
		observability.RecordOutputRecord(m.agent, string(rec.Action), "added")
		return
	}

	if rec.Attribute == m.opts.outputLinkName {
		val = identifierValue(rec.Value)
		if m.outputLink == nil {
			m.establishOutputLink(val, tag)
			report.Added++
			report.Added += m.reattach(m.outputLink.target, report, batch)
			observability.RecordOutputRecord(m.agent, string(rec.Action), "added")
			return
		}
		if m.outputLink.val.Equal(val) {
			observability.RecordOutputRecord(m.agent, string(rec.Action), "ignored")
			return
		}
	}

	m.orphans = append(m.orphans, orphan{index: i, rec: rec, val: val})
	m.log.Debug().Msgf("wm.Memory.ReceiveOutput orphan id=%s attr=%s tag=%d", rec.ID, rec.Attribute, tag)
	observability.RecordOutputRecord(m.agent, string(rec.Action), "orphaned")
}

func (m *Memory) receiveRemove(rec session.Record, report *BatchReport) {
	tag := TimeTag(rec.TimeTag)
	w, ok := m.out.tags[tag]
	if !ok || w.IsRoot() {
		report.Missed++
		kind := m.removed.classify(tag)
		if ok {
			kind = MissRoot
		}
		m.log.Debug().Msgf("wm.Memory.ReceiveOutput remove miss tag=%d kind=%s", tag, kind)
		observability.RecordOutputRecord(m.agent, string(rec.Action), "missed")
		return
	}
	m.freeOutput(w)
	report.Removed++
	observability.RecordOutputRecord(m.agent, string(rec.Action), "removed")
}

func (m *Memory) establishOutputLink(val Value, tag TimeTag) {
	sym := m.out.intern(val.s)
	root := &WME{
		mem:    m,
		side:   sideOutput,
		tag:    tag,
		attr:   m.opts.outputLinkName,
		val:    val,
		target: sym.key,
		alive:  true,
	}
	m.out.link(nil, root)
	m.outputLink = root
	m.log.Debug().Msgf("wm.Memory.ReceiveOutput output-link id=%s tag=%d", val.s, tag)
}

// attachOutput creates one output WME under parent and pulls in any orphans
// waiting on its identifier. It returns the number of WMEs attached.
func (m *Memory) attachOutput(parent *symbol, attr string, val Value, tag TimeTag, report *BatchReport, batch *BatchError) int {
	w := &WME{
		mem:       m,
		side:      sideOutput,
		tag:       tag,
		attr:      attr,
		val:       val,
		alive:     true,
		justAdded: true,
	}
	if val.IsIdentifier() {
		w.target = m.out.intern(val.s).key
	}
	m.out.link(parent, w)
	m.delta = append(m.delta, OutputChange{Kind: ChangeAdded, WME: w})
	n := 1
	if w.target != 0 {
		n += m.reattach(w.target, report, batch)
	}
	return n
}

// reattach moves every orphan declared under key's identifier into the
// graph, recursing through each attached identifier. Each match shrinks the
// orphan list, so this terminates. An orphan whose time tag got bound while
// it waited is dropped.
func (m *Memory) reattach(key symbolKey, report *BatchReport, batch *BatchError) int {
	sym := m.out.get(key)
	if sym == nil {
		return 0
	}
	n := 0
	for {
		i := slices.IndexFunc(m.orphans, func(o orphan) bool { return o.rec.ID == sym.name })
		if i < 0 {
			return n
		}
		o := m.orphans[i]
		m.orphans = slices.Delete(m.orphans, i, i+1)
		tag := TimeTag(o.rec.TimeTag)
		if existing, bound := m.out.tags[tag]; bound {
			report.Dropped++
			batch.add(o.index, tag, "time tag already bound to %s", existing)
			observability.RecordOutputRecord(m.agent, string(o.rec.Action), "dropped")
			continue
		}
		n += m.attachOutput(sym, o.rec.Attribute, o.val, tag, report, batch)
	}
}

// rebind applies an idempotent re-delivery in place. A changed value is
// reported as ChangeUpdated. Retargeting an identifier may free the old
// target and adopt orphans under the new one.
func (m *Memory) rebind(w *WME, val Value, report *BatchReport, batch *BatchError) int {
	if w.val.Equal(val) {
		return 0
	}
	if psym := m.out.get(w.parent); psym != nil {
		psym.dirty = true
	}
	m.delta = append(m.delta, OutputChange{Kind: ChangeUpdated, WME: w})
	if !w.IsIdentifier() && !val.IsIdentifier() {
		w.val = val
		return 0
	}
	if old := m.out.get(w.target); old != nil {
		old.usedBy = removeWME(old.usedBy, w)
		if len(old.usedBy) == 0 {
			m.releaseOutput(old)
		}
	}
	w.val = val
	w.target = 0
	if !val.IsIdentifier() {
		return 0
	}
	sym := m.out.intern(val.s)
	w.target = sym.key
	sym.usedBy = append(sym.usedBy, w)
	return m.reattach(sym.key, report, batch)
}

func (m *Memory) freeOutput(w *WME) {
	w.alive = false
	m.removed.push(w.tag)
	m.delta = append(m.delta, OutputChange{Kind: ChangeRemoved, WME: w})
	if target := m.out.unlink(w); target != nil {
		m.releaseOutput(target)
	}
}

func (m *Memory) releaseOutput(sym *symbol) {
	for _, child := range append([]*WME(nil), sym.children...) {
		if child.alive {
			m.freeOutput(child)
		}
	}
	m.out.release(sym)
}

// notify drains the output delta. With tracking on, listeners fire once,
// then handlers for each addition directly under the output link.
func (m *Memory) notify() {
	changes := m.delta
	m.delta = nil
	defer func() {
		for _, c := range changes {
			c.WME.justAdded = false
		}
		m.out.clearDirty()
	}()
	if !m.opts.trackOutput || len(changes) == 0 {
		return
	}
	for _, l := range slices.Clone(m.listeners) {
		l.fn(m, changes)
	}
	root := m.outputLink
	if root == nil {
		return
	}
	handlers := slices.Clone(m.handlers)
	for _, c := range changes {
		w := c.WME
		if c.Kind != ChangeAdded || !w.alive || w.parent != root.target {
			continue
		}
		for _, h := range handlers {
			if h.attr == w.attr {
				h.fn(m, w)
			}
		}
	}
}
