package wm

import "slices"

type HandlerID uint64

// OutputHandler runs once per addition directly under the output link
// whose attribute matches its registration.
type OutputHandler func(m *Memory, w *WME)

// OutputListener runs once per output batch that changed the mirror.
type OutputListener func(m *Memory, changes []OutputChange)

type handlerEntry struct {
	id   HandlerID
	attr string
	fn   OutputHandler
}

type listenerEntry struct {
	id HandlerID
	fn OutputListener
}

// AddOutputHandler registers fn for attr. Handlers run in registration order.
func (m *Memory) AddOutputHandler(attr string, fn OutputHandler) HandlerID {
	m.nextID++
	m.handlers = append(m.handlers, handlerEntry{id: m.nextID, attr: attr, fn: fn})
	return m.nextID
}

func (m *Memory) RemoveOutputHandler(id HandlerID) bool {
	n := len(m.handlers)
	m.handlers = slices.DeleteFunc(m.handlers, func(h handlerEntry) bool { return h.id == id })
	return len(m.handlers) != n
}

func (m *Memory) AddOutputListener(fn OutputListener) HandlerID {
	m.nextID++
	m.listeners = append(m.listeners, listenerEntry{id: m.nextID, fn: fn})
	return m.nextID
}

func (m *Memory) RemoveOutputListener(id HandlerID) bool {
	n := len(m.listeners)
	m.listeners = slices.DeleteFunc(m.listeners, func(l listenerEntry) bool { return l.id == id })
	return len(m.listeners) != n
}

// MissKind classifies a remove record whose tag is not in the mirror.
type MissKind uint8

const (
	MissUnknown MissKind = iota
	MissAlreadyRemoved
	MissRoot
)

func (k MissKind) String() string {
	switch k {
	case MissAlreadyRemoved:
		return "already_removed"
	case MissRoot:
		return "root"
	default:
		return "unknown"
	}
}

const recentRemovals = 256

// tagRing remembers the last removed output tags.
type tagRing struct {
	buf  []TimeTag
	next int
	full bool
}

func newTagRing(size int) *tagRing {
	return &tagRing{buf: make([]TimeTag, size)}
}

func (r *tagRing) push(t TimeTag) {
	r.buf[r.next] = t
	r.next++
	if r.next == len(r.buf) {
		r.next = 0
		r.full = true
	}
}

func (r *tagRing) classify(t TimeTag) MissKind {
	n := r.next
	if r.full {
		n = len(r.buf)
	}
	if slices.Contains(r.buf[:n], t) {
		return MissAlreadyRemoved
	}
	return MissUnknown
}
