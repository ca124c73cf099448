package wm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/danmuck/wmlink/internal/protocol/session"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	DefaultInputLinkName  = "input-link"
	DefaultOutputLinkName = "output-link"
)

type options struct {
	blinkIfNoChange bool
	trackOutput     bool
	inputLinkName   string
	outputLinkName  string
}

type Option func(*options)

// WithBlinkIfNoChange controls whether an update to the same value still
// retracts and re-asserts the WME. Default true.
func WithBlinkIfNoChange(v bool) Option {
	return func(o *options) { o.blinkIfNoChange = v }
}

// WithOutputTracking controls whether output batches fire listeners and
// handlers. Default true.
func WithOutputTracking(v bool) Option {
	return func(o *options) { o.trackOutput = v }
}

func WithInputLinkName(name string) Option {
	return func(o *options) {
		if strings.TrimSpace(name) != "" {
			o.inputLinkName = name
		}
	}
}

func WithOutputLinkName(name string) Option {
	return func(o *options) {
		if strings.TrimSpace(name) != "" {
			o.outputLinkName = name
		}
	}
}

// Memory is the mirror of one agent's input and output links.
type Memory struct {
	agent     string
	transport Transport
	apply     applier
	opts      options
	log       zerolog.Logger

	in  *space
	out *space

	inputLink  *WME
	outputLink *WME

	state     ReconcileState
	delta     []OutputChange
	orphans   []orphan
	removed   *tagRing
	listeners []listenerEntry
	handlers  []handlerEntry
	nextID    HandlerID
	lastErr   error
}

// New builds an empty mirror for agent. The apply strategy is fixed here:
// a direct transport must also implement DirectKernel.
func New(agent string, t Transport, opts ...Option) (*Memory, error) {
	if strings.TrimSpace(agent) == "" {
		return nil, fmt.Errorf("%w: empty agent name", ErrInvalidArgument)
	}
	if t == nil {
		return nil, fmt.Errorf("%w: nil transport", ErrInvalidArgument)
	}
	o := options{
		blinkIfNoChange: true,
		trackOutput:     true,
		inputLinkName:   DefaultInputLinkName,
		outputLinkName:  DefaultOutputLinkName,
	}
	for _, opt := range opts {
		opt(&o)
	}
	m := &Memory{
		agent:     agent,
		transport: t,
		opts:      o,
		log:       log.With().Str("agent", agent).Logger(),
		in:        newSpace(sideInput),
		out:       newSpace(sideOutput),
		removed:   newTagRing(recentRemovals),
	}
	if t.IsDirect() {
		dk, ok := t.(DirectKernel)
		if !ok {
			return nil, fmt.Errorf("%w: direct transport %T does not implement DirectKernel", ErrInvalidArgument, t)
		}
		m.apply = &directApplier{agent: agent, kernel: dk}
	} else {
		m.apply = &queuedApplier{ledger: newLedger()}
	}
	return m, nil
}

func (m *Memory) Agent() string { return m.agent }

func (m *Memory) IsDirect() bool { return m.apply.queued() == nil }

func (m *Memory) spaceFor(s side) *space {
	if s == sideOutput {
		return m.out
	}
	return m.in
}

// GetInputLink returns the input-link root, asking the kernel for its
// identifier on first use.
func (m *Memory) GetInputLink(ctx context.Context) (*WME, error) {
	if m.inputLink != nil && m.inputLink.alive {
		return m.inputLink, nil
	}
	id, err := m.fetchInputLinkID(ctx)
	if err != nil {
		return nil, err
	}
	m.inputLink = m.newInputRoot(id)
	m.log.Debug().Msgf("wm.Memory.GetInputLink id=%s", id)
	return m.inputLink, nil
}

// GetOutputLink returns the output-link root, or nil until the kernel has declared it.
func (m *Memory) GetOutputLink() *WME { return m.outputLink }

func (m *Memory) fetchInputLinkID(ctx context.Context) (string, error) {
	resp, err := m.transport.SendAgentCommand(ctx, session.Request{
		Command: session.CmdGetInputLink,
		Agent:   m.agent,
	})
	if err == nil {
		err = resp.Err()
	}
	if err != nil {
		return "", fmt.Errorf("wm: %s: %w", session.CmdGetInputLink, err)
	}
	id, ok := resp.Param(session.ParamID)
	if !ok || strings.TrimSpace(id) == "" {
		return "", ErrNoInputLink
	}
	return id, nil
}

func (m *Memory) newInputRoot(id string) *WME {
	sym := m.in.intern(id)
	root := &WME{
		mem:    m,
		side:   sideInput,
		tag:    GenerateTimeTag(),
		attr:   m.opts.inputLinkName,
		val:    identifierValue(id),
		target: sym.key,
		alive:  true,
	}
	m.in.link(nil, root)
	return root
}

func (m *Memory) CreateStringWME(parent *WME, attribute, value string) (*WME, error) {
	return m.createLeaf(parent, attribute, StringValue(value))
}

func (m *Memory) CreateIntWME(parent *WME, attribute string, value int64) (*WME, error) {
	return m.createLeaf(parent, attribute, IntValue(value))
}

func (m *Memory) CreateFloatWME(parent *WME, attribute string, value float64) (*WME, error) {
	return m.createLeaf(parent, attribute, FloatValue(value))
}

// CreateIDWME creates an edge to a brand-new identifier named after attribute.
func (m *Memory) CreateIDWME(parent *WME, attribute string) (*WME, error) {
	psym, err := m.inputParent(parent, attribute)
	if err != nil {
		return nil, err
	}
	name := GenerateNewID(attribute)
	for {
		if _, taken := m.in.lookup(name); !taken {
			break
		}
		name = GenerateNewID(attribute)
	}
	target := m.in.intern(name)
	return m.insert(psym, attribute, identifierValue(name), target.key)
}

// CreateSharedIDWME adds a second edge to the identifier shared points at.
// An identical (parent, attribute, identifier) edge yields ErrDuplicateEdge.
func (m *Memory) CreateSharedIDWME(parent *WME, attribute string, shared *WME) (*WME, error) {
	psym, err := m.inputParent(parent, attribute)
	if err != nil {
		return nil, err
	}
	if err := m.checkHandle(shared); err != nil {
		return nil, err
	}
	if !shared.IsIdentifier() || shared.side != sideInput {
		return nil, fmt.Errorf("%w: shared wme is not an input identifier", ErrInvalidArgument)
	}
	target := m.in.get(shared.target)
	if target == nil {
		return nil, ErrAlreadyDestroyed
	}
	if m.in.hasEdge(psym, attribute, target.key) {
		return nil, fmt.Errorf("%w: (%s ^%s %s)", ErrDuplicateEdge, psym.name, attribute, target.name)
	}
	return m.insert(psym, attribute, identifierValue(target.name), target.key)
}

func (m *Memory) createLeaf(parent *WME, attribute string, v Value) (*WME, error) {
	psym, err := m.inputParent(parent, attribute)
	if err != nil {
		return nil, err
	}
	return m.insert(psym, attribute, v, 0)
}

func (m *Memory) insert(psym *symbol, attribute string, v Value, target symbolKey) (*WME, error) {
	w := &WME{
		mem:    m,
		side:   sideInput,
		tag:    GenerateTimeTag(),
		attr:   attribute,
		val:    v,
		target: target,
		alive:  true,
	}
	m.in.link(psym, w)
	if err := m.apply.added(w); err != nil {
		w.alive = false
		if sym := m.in.unlink(w); sym != nil {
			m.in.release(sym)
		}
		return nil, fmt.Errorf("wm: add %s: %w", w, err)
	}
	m.log.Trace().Msgf("wm.Memory.add %s", w)
	return w, nil
}

func (m *Memory) UpdateString(w *WME, value string) error { return m.Update(w, StringValue(value)) }

func (m *Memory) UpdateInt(w *WME, value int64) error { return m.Update(w, IntValue(value)) }

func (m *Memory) UpdateFloat(w *WME, value float64) error { return m.Update(w, FloatValue(value)) }

// Update replaces a leaf value. The WME keeps its handle but takes a new
// time tag; the old tag is retracted.
func (m *Memory) Update(w *WME, v Value) error {
	if err := m.checkMutable(w); err != nil {
		return err
	}
	if w.IsIdentifier() || v.kind != w.val.kind {
		return fmt.Errorf("%w: %s cannot take %s", ErrTypeMismatch, w.val.kind, v.kind)
	}
	if w.val.Equal(v) && !m.opts.blinkIfNoChange {
		return nil
	}
	old := w.record(session.ActionRemove)
	oldVal, oldTag := w.val, w.tag
	w.val = v
	m.in.retag(w, GenerateTimeTag())
	if err := m.apply.updated(w, old); err != nil {
		w.val = oldVal
		m.in.retag(w, oldTag)
		err = fmt.Errorf("wm: update %s: %w", w, err)
		if errors.Is(err, ErrDiverged) {
			m.lastErr = err
			m.log.Error().Err(err).Msgf("wm.Memory.update kernel lost tag=%d", oldTag)
		}
		return err
	}
	if psym := m.in.get(w.parent); psym != nil {
		psym.dirty = true
	}
	m.log.Trace().Msgf("wm.Memory.update old=%d %s", oldTag, w)
	return nil
}

// DestroyWME removes w. When w was the last edge to an identifier, the
// identifier and everything it owns go with it.
func (m *Memory) DestroyWME(w *WME) error {
	if err := m.checkMutable(w); err != nil {
		return err
	}
	return m.destroyInput(w)
}

func (m *Memory) destroyInput(w *WME) error {
	if err := m.apply.removed(w, w.record(session.ActionRemove)); err != nil {
		return fmt.Errorf("wm: remove %s: %w", w, err)
	}
	m.log.Trace().Msgf("wm.Memory.remove %s", w)
	w.alive = false
	target := m.in.unlink(w)
	if target == nil {
		return nil
	}
	for _, child := range append([]*WME(nil), target.children...) {
		if !child.alive {
			continue
		}
		if err := m.destroyInput(child); err != nil {
			m.log.Warn().Err(err).Msgf("wm.Memory.remove cascade child=%d", child.tag)
			child.alive = false
			if sym := m.in.unlink(child); sym != nil {
				m.in.release(sym)
			}
		}
	}
	m.in.release(target)
	return nil
}

// checkHandle validates a handle belongs to this mirror and is live.
func (m *Memory) checkHandle(w *WME) error {
	if w == nil {
		return fmt.Errorf("%w: nil wme", ErrInvalidArgument)
	}
	if w.mem != m {
		return fmt.Errorf("%w: wme belongs to another mirror", ErrInvalidArgument)
	}
	if !w.alive {
		return ErrAlreadyDestroyed
	}
	return nil
}

func (m *Memory) checkMutable(w *WME) error {
	if err := m.checkHandle(w); err != nil {
		return err
	}
	if w.side == sideOutput {
		return ErrReadOnly
	}
	if w.IsRoot() {
		return ErrRootWME
	}
	return nil
}

func (m *Memory) inputParent(parent *WME, attribute string) (*symbol, error) {
	if err := m.checkHandle(parent); err != nil {
		return nil, err
	}
	if parent.side == sideOutput {
		return nil, ErrReadOnly
	}
	if !parent.IsIdentifier() {
		return nil, fmt.Errorf("%w: parent %s is not an identifier", ErrInvalidArgument, parent)
	}
	if strings.TrimSpace(attribute) == "" {
		return nil, fmt.Errorf("%w: empty attribute", ErrInvalidArgument)
	}
	psym := m.in.get(parent.target)
	if psym == nil {
		return nil, ErrAlreadyDestroyed
	}
	return psym, nil
}
