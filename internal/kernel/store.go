package kernel

import (
	"errors"
	"slices"
	"sync"

	"github.com/danmuck/wmlink/internal/protocol/session"
)

var ErrUnknownStore = errors.New("kernel: unknown store kind")

// Side selects the input or output half of an agent's memory.
type Side string

const (
	SideInput  Side = "input"
	SideOutput Side = "output"
)

// AgentState is the per-agent bookkeeping that must survive restarts.
type AgentState struct {
	Name      string
	InputLink string
	NextTag   int64
	NextID    int64
}

// Store persists WME records per agent and side, in insertion order.
// Put with an existing tag replaces the record in place.
type Store interface {
	SaveAgent(state AgentState) error
	LoadAgents() ([]AgentState, error)
	Put(agent string, side Side, rec session.Record) error
	Delete(agent string, side Side, tag int64) (bool, error)
	List(agent string, side Side) ([]session.Record, error)
	Clear(agent string, side Side) error
	Close() error
}

type storeKey struct {
	agent string
	side  Side
}

// MemoryStore keeps everything in process memory.
type MemoryStore struct {
	mu     sync.RWMutex
	agents map[string]AgentState
	wmes   map[storeKey][]session.Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		agents: make(map[string]AgentState),
		wmes:   make(map[storeKey][]session.Record),
	}
}

func (s *MemoryStore) SaveAgent(state AgentState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[state.Name] = state
	return nil
}

func (s *MemoryStore) LoadAgents() ([]AgentState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]AgentState, 0, len(s.agents))
	for _, a := range s.agents {
		out = append(out, a)
	}
	slices.SortFunc(out, func(a, b AgentState) int {
		if a.Name < b.Name {
			return -1
		}
		if a.Name > b.Name {
			return 1
		}
		return 0
	})
	return out, nil
}

func (s *MemoryStore) Put(agent string, side Side, rec session.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := storeKey{agent, side}
	rec.Action = session.ActionAdd
	list := s.wmes[key]
	if i := slices.IndexFunc(list, func(r session.Record) bool { return r.TimeTag == rec.TimeTag }); i >= 0 {
		list[i] = rec
		return nil
	}
	s.wmes[key] = append(list, rec)
	return nil
}

func (s *MemoryStore) Delete(agent string, side Side, tag int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := storeKey{agent, side}
	list := s.wmes[key]
	i := slices.IndexFunc(list, func(r session.Record) bool { return r.TimeTag == tag })
	if i < 0 {
		return false, nil
	}
	s.wmes[key] = slices.Delete(list, i, i+1)
	return true, nil
}

func (s *MemoryStore) List(agent string, side Side) ([]session.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.wmes[storeKey{agent, side}]), nil
}

func (s *MemoryStore) Clear(agent string, side Side) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.wmes, storeKey{agent, side})
	return nil
}

func (s *MemoryStore) Close() error { return nil }
