package wm

import (
	"context"
	"fmt"

	"github.com/danmuck/wmlink/internal/observability"
	"github.com/danmuck/wmlink/internal/protocol/session"
)

// IsCommitRequired reports whether the ledger holds unsent changes.
// Direct mirrors never do.
func (m *Memory) IsCommitRequired() bool {
	l := m.apply.queued()
	return l != nil && l.len() > 0
}

// PendingChanges returns the records the next Commit would send.
func (m *Memory) PendingChanges() []session.Record {
	l := m.apply.queued()
	if l == nil {
		return nil
	}
	recs, _, _ := l.records()
	return recs
}

// Commit sends the ledger as one input command and clears it on success.
// An empty ledger performs no I/O. On failure the ledger is kept.
func (m *Memory) Commit(ctx context.Context) error {
	l := m.apply.queued()
	if l == nil || l.len() == 0 {
		return nil
	}
	recs, adds, removes := l.records()
	resp, err := m.transport.SendAgentCommand(ctx, session.Request{
		Command: session.CmdInput,
		Agent:   m.agent,
		Records: recs,
	})
	if err == nil {
		err = resp.Err()
	}
	observability.RecordCommit(m.agent, adds, removes, err)
	if err != nil {
		m.log.Error().Err(err).Msgf("wm.Memory.Commit records=%d", len(recs))
		return fmt.Errorf("wm: commit: %w", err)
	}
	l.reset()
	m.in.clearDirty()
	m.log.Debug().Msgf("wm.Memory.Commit adds=%d removes=%d", adds, removes)
	return nil
}

// SynchronizeInput discards the input mirror and rebuilds it from the
// kernel's full input state. Records whose parent never appears are logged
// and skipped.
func (m *Memory) SynchronizeInput(ctx context.Context) error {
	root, err := m.GetInputLink(ctx)
	if err != nil {
		return err
	}
	resp, err := m.transport.SendAgentCommand(ctx, session.Request{
		Command: session.CmdGetAllInput,
		Agent:   m.agent,
	})
	if err == nil {
		err = resp.Err()
	}
	if err != nil {
		return fmt.Errorf("wm: %s: %w", session.CmdGetAllInput, err)
	}
	if l := m.apply.queued(); l != nil && l.len() > 0 {
		m.log.Warn().Msgf("wm.Memory.SynchronizeInput discarding %d pending change(s)", l.len())
		l.reset()
	}

	rootName := root.val.s
	for _, w := range m.in.tags {
		w.alive = false
	}
	m.in = newSpace(sideInput)
	m.inputLink = nil
	root = m.newInputRoot(rootName)
	m.inputLink = root

	pending := make([]orphan, 0, len(resp.Records))
	for i, rec := range resp.Records {
		if rec.Action == session.ActionRemove {
			continue
		}
		if missing := rec.Missing(); len(missing) > 0 {
			m.log.Warn().Msgf("wm.Memory.SynchronizeInput skip record=%d missing=%v", i, missing)
			continue
		}
		typ, err := ParseValueType(rec.Type)
		var val Value
		if err == nil {
			val, err = ParseValue(typ, rec.Value)
		}
		if err != nil {
			m.log.Warn().Err(err).Msgf("wm.Memory.SynchronizeInput skip record=%d", i)
			continue
		}
		pending = append(pending, orphan{index: i, rec: rec, val: val})
	}

	for progress := true; progress && len(pending) > 0; {
		progress = false
		rest := pending[:0]
		for _, o := range pending {
			parent, ok := m.in.lookup(o.rec.ID)
			if !ok {
				rest = append(rest, o)
				continue
			}
			m.restoreInput(parent, o)
			progress = true
		}
		pending = rest
	}
	for _, o := range pending {
		m.log.Warn().Msgf("wm.Memory.SynchronizeInput orphan id=%s attr=%s tag=%d", o.rec.ID, o.rec.Attribute, o.rec.TimeTag)
	}
	m.in.clearDirty()
	m.log.Debug().Msgf("wm.Memory.SynchronizeInput records=%d orphans=%d", len(resp.Records), len(pending))
	return nil
}

func (m *Memory) restoreInput(parent *symbol, o orphan) {
	tag := TimeTag(o.rec.TimeTag)
	if _, bound := m.in.tags[tag]; bound {
		return
	}
	w := &WME{
		mem:   m,
		side:  sideInput,
		tag:   tag,
		attr:  o.rec.Attribute,
		val:   o.val,
		alive: true,
	}
	if o.val.IsIdentifier() {
		w.target = m.in.intern(o.val.s).key
	}
	m.in.link(parent, w)
}

// SynchronizeOutput rebuilds the output mirror from the kernel's current
// output, running it through ReceiveOutput as one batch.
func (m *Memory) SynchronizeOutput(ctx context.Context) error {
	if m.state != StateIdle {
		return ErrReentrant
	}
	resp, err := m.transport.SendAgentCommand(ctx, session.Request{
		Command: session.CmdGetAllOutput,
		Agent:   m.agent,
	})
	if err == nil {
		err = resp.Err()
	}
	if err != nil {
		return fmt.Errorf("wm: %s: %w", session.CmdGetAllOutput, err)
	}
	m.InvalidateOutputLink()
	_, err = m.ReceiveOutput(resp.Records)
	return err
}

// InvalidateOutputLink deletes everything under the output link. The root
// survives and stays the only output symbol.
func (m *Memory) InvalidateOutputLink() {
	m.delta = nil
	m.orphans = m.orphans[:0]
	root := m.outputLink
	for _, w := range m.out.tags {
		if w != root {
			w.alive = false
		}
	}
	m.out = newSpace(sideOutput)
	if root == nil {
		return
	}
	sym := m.out.intern(root.val.s)
	root.target = sym.key
	m.out.link(nil, root)
}

func (m *Memory) teardownOutput() {
	m.InvalidateOutputLink()
	if m.outputLink != nil {
		m.outputLink.alive = false
		m.outputLink = nil
	}
	m.out = newSpace(sideOutput)
}

// Refresh re-reads the input link identity after a kernel reinitialize,
// queues every input WME again and commits. The output mirror is dropped
// and rebuilt by later batches. Uncommitted changes yield ErrCommitPending.
func (m *Memory) Refresh(ctx context.Context) error {
	if m.IsCommitRequired() {
		return ErrCommitPending
	}
	if m.state != StateIdle {
		return ErrReentrant
	}
	id, err := m.fetchInputLinkID(ctx)
	if err != nil {
		return err
	}
	m.teardownOutput()

	if m.inputLink == nil || !m.inputLink.alive {
		m.inputLink = m.newInputRoot(id)
		return nil
	}
	sym := m.in.get(m.inputLink.target)
	if sym.name != id {
		if clash, ok := m.in.lookup(id); ok && clash != sym {
			return fmt.Errorf("%w: input link id %q already names another identifier", ErrInvalidArgument, id)
		}
		m.log.Info().Msgf("wm.Memory.Refresh input-link %s -> %s", sym.name, id)
		m.in.rename(sym, id)
	}
	for _, w := range m.inputEdges() {
		if err := m.apply.added(w); err != nil {
			return fmt.Errorf("wm: refresh %s: %w", w, err)
		}
	}
	return m.Commit(ctx)
}

// inputEdges lists every input WME below the root, parents before children.
func (m *Memory) inputEdges() []*WME {
	var out []*WME
	seen := map[symbolKey]bool{m.inputLink.target: true}
	queue := []symbolKey{m.inputLink.target}
	for len(queue) > 0 {
		sym := m.in.get(queue[0])
		queue = queue[1:]
		if sym == nil {
			continue
		}
		for _, c := range sym.children {
			out = append(out, c)
			if c.target != 0 && !seen[c.target] {
				seen[c.target] = true
				queue = append(queue, c.target)
			}
		}
	}
	return out
}
