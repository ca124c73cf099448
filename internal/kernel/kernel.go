package kernel

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/danmuck/wmlink/internal/protocol/session"
	"github.com/danmuck/wmlink/internal/wm"
	"github.com/rs/zerolog/log"
)

var (
	ErrUnknownAgent   = errors.New("kernel: unknown agent")
	ErrAgentExists    = errors.New("kernel: agent already exists")
	ErrInvalidRecord  = errors.New("kernel: invalid record")
	ErrUnknownParent  = errors.New("kernel: unknown parent identifier")
	ErrUnknownTimeTag = errors.New("kernel: unknown time tag")
	ErrRootOutput     = errors.New("kernel: output link cannot be removed")
)

// Fixed identifiers of every agent's io structure.
const (
	TopStateID     = "S1"
	IOID           = "I1"
	OutputLinkID   = "I3"
	InputLinkAttr  = "input-link"
	OutputLinkAttr = "output-link"

	// OutputLinkTag is the time tag of (I1 ^output-link I3) in a freshly
	// created agent.
	OutputLinkTag = 3

	firstInputLink = "I2"
	// S1, I1, I2 and I3 consume the first ids and tags.
	firstFreeID  = 4
	firstFreeTag = 4

	subscriberBuffer = 256
)

type agent struct {
	state       AgentState
	pending     []session.Record
	subscribers map[uint64]chan session.OutputNotice
}

// Kernel is the authoritative side of every agent's working memory.
// All methods are safe for concurrent use.
type Kernel struct {
	mu      sync.Mutex
	store   Store
	agents  map[string]*agent
	nextSub uint64
	now     func() time.Time
}

// New loads previously persisted agents from store.
func New(store Store) (*Kernel, error) {
	if store == nil {
		store = NewMemoryStore()
	}
	k := &Kernel{
		store:  store,
		agents: make(map[string]*agent),
		now:    time.Now,
	}
	states, err := store.LoadAgents()
	if err != nil {
		return nil, err
	}
	for _, st := range states {
		k.agents[st.Name] = &agent{state: st, subscribers: make(map[uint64]chan session.OutputNotice)}
	}
	log.Debug().Msgf("kernel.New agents=%d", len(states))
	return k, nil
}

func (k *Kernel) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	for _, a := range k.agents {
		for id, ch := range a.subscribers {
			close(ch)
			delete(a.subscribers, id)
		}
	}
	return k.store.Close()
}

// CreateAgent declares the agent's io structure and queues the output link
// declaration for the first flush.
func (k *Kernel) CreateAgent(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("%w: empty agent name", ErrInvalidRecord)
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, ok := k.agents[name]; ok {
		return fmt.Errorf("%w: %s", ErrAgentExists, name)
	}
	a := &agent{
		state: AgentState{
			Name:      name,
			InputLink: firstInputLink,
			NextTag:   firstFreeTag,
			NextID:    firstFreeID,
		},
		subscribers: make(map[uint64]chan session.OutputNotice),
	}
	if err := k.declareOutputLink(a, OutputLinkTag); err != nil {
		return err
	}
	if err := k.store.SaveAgent(a.state); err != nil {
		return err
	}
	k.agents[name] = a
	log.Info().Msgf("kernel.CreateAgent name=%s input_link=%s", name, a.state.InputLink)
	return nil
}

func (k *Kernel) declareOutputLink(a *agent, tag int64) error {
	rec := session.AddRecord(IOID, OutputLinkAttr, OutputLinkID, session.TypeIdentifier, tag)
	if err := k.store.Put(a.state.Name, SideOutput, rec); err != nil {
		return err
	}
	a.pending = append(a.pending, rec)
	return nil
}

// Agents returns agent names in sorted order.
func (k *Kernel) Agents() []string {
	k.mu.Lock()
	defer k.mu.Unlock()
	out := make([]string, 0, len(k.agents))
	for name := range k.agents {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (k *Kernel) agent(name string) (*agent, error) {
	a, ok := k.agents[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, name)
	}
	return a, nil
}

func (k *Kernel) InputLink(name string) (string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	a, err := k.agent(name)
	if err != nil {
		return "", err
	}
	return a.state.InputLink, nil
}

// Handle serves one agent command and always returns a response; kernel
// errors become error-status responses.
func (k *Kernel) Handle(ctx context.Context, agentName string, req session.Request) session.Response {
	if err := ctx.Err(); err != nil {
		return session.Failure("%v", err)
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	a, err := k.agent(agentName)
	if err != nil {
		return session.Failure("%v", err)
	}
	switch req.Command {
	case session.CmdGetInputLink:
		return session.OK(
			session.Param{Key: session.ParamID, Value: a.state.InputLink},
			session.Param{Key: session.ParamOutputLink, Value: OutputLinkID},
		)
	case session.CmdGetAllInput, session.CmdGetAllOutput:
		side := SideInput
		if req.Command == session.CmdGetAllOutput {
			side = SideOutput
		}
		recs, err := k.store.List(a.state.Name, side)
		if err != nil {
			return session.Failure("%v", err)
		}
		resp := session.OK()
		resp.Records = recs
		return resp
	case session.CmdInput:
		if err := k.applyInput(a, req.Records); err != nil {
			log.Warn().Err(err).Msgf("kernel.Handle input agent=%s records=%d", a.state.Name, len(req.Records))
			return session.Failure("%v", err)
		}
		log.Debug().Msgf("kernel.Handle input agent=%s records=%d", a.state.Name, len(req.Records))
		return session.OK()
	default:
		return session.Failure("unknown command %q", req.Command)
	}
}

// DirectAdd applies a single input addition immediately.
func (k *Kernel) DirectAdd(agentName string, rec session.Record) error {
	rec.Action = session.ActionAdd
	return k.direct(agentName, rec)
}

// DirectRemove removes a single input WME immediately.
func (k *Kernel) DirectRemove(agentName string, tag int64) error {
	return k.direct(agentName, session.Record{Action: session.ActionRemove, TimeTag: tag, HasTimeTag: true})
}

func (k *Kernel) direct(agentName string, rec session.Record) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	a, err := k.agent(agentName)
	if err != nil {
		return err
	}
	return k.applyInput(a, []session.Record{rec})
}

// inputView is the validation state of the input side while a batch is
// checked: known identifiers and live tags.
type inputView struct {
	ids  map[string]int
	tags map[int64]session.Record
}

func (k *Kernel) loadInputView(a *agent) (*inputView, error) {
	recs, err := k.store.List(a.state.Name, SideInput)
	if err != nil {
		return nil, err
	}
	v := &inputView{ids: map[string]int{a.state.InputLink: 1}, tags: make(map[int64]session.Record, len(recs))}
	for _, r := range recs {
		v.put(r)
	}
	return v, nil
}

func (v *inputView) put(r session.Record) {
	v.tags[r.TimeTag] = r
	if r.Type == session.TypeIdentifier {
		v.ids[r.Value]++
	}
}

func (v *inputView) drop(r session.Record) {
	delete(v.tags, r.TimeTag)
	if r.Type == session.TypeIdentifier {
		v.ids[r.Value]--
	}
}

// applyInput validates every record before touching the store so a bad
// batch changes nothing.
func (k *Kernel) applyInput(a *agent, recs []session.Record) error {
	view, err := k.loadInputView(a)
	if err != nil {
		return err
	}
	normalized := make([]session.Record, len(recs))
	for i, rec := range recs {
		switch rec.Action {
		case session.ActionAdd:
			n, err := normalizeRecord(rec)
			if err != nil {
				return fmt.Errorf("record %d: %w", i, err)
			}
			if view.ids[n.ID] <= 0 {
				return fmt.Errorf("record %d: %w: %s", i, ErrUnknownParent, n.ID)
			}
			if old, ok := view.tags[n.TimeTag]; ok {
				view.drop(old)
			}
			view.put(n)
			normalized[i] = n
		case session.ActionRemove:
			if !rec.HasTimeTag {
				return fmt.Errorf("record %d: %w: missing time_tag", i, ErrInvalidRecord)
			}
			old, ok := view.tags[rec.TimeTag]
			if !ok {
				return fmt.Errorf("record %d: %w: %d", i, ErrUnknownTimeTag, rec.TimeTag)
			}
			view.drop(old)
			normalized[i] = rec
		default:
			return fmt.Errorf("record %d: %w: action %q", i, ErrInvalidRecord, rec.Action)
		}
	}
	for _, rec := range normalized {
		if rec.Action == session.ActionAdd {
			err = k.store.Put(a.state.Name, SideInput, rec)
		} else {
			_, err = k.store.Delete(a.state.Name, SideInput, rec.TimeTag)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func normalizeRecord(rec session.Record) (session.Record, error) {
	if missing := rec.Missing(); len(missing) > 0 {
		return rec, fmt.Errorf("%w: missing %s", ErrInvalidRecord, strings.Join(missing, ","))
	}
	typ, err := wm.ParseValueType(rec.Type)
	if err != nil {
		return rec, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	if _, err := wm.ParseValue(typ, rec.Value); err != nil {
		return rec, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	rec.Type = typ.String()
	return rec, nil
}

func (k *Kernel) mintTag(a *agent) int64 {
	tag := a.state.NextTag
	a.state.NextTag++
	return tag
}

// mintID returns an uppercase identifier named after attr.
func (k *Kernel) mintID(a *agent, attr string) string {
	letter := 'A'
	if first, _ := utf8.DecodeRuneInString(attr); first < unicode.MaxASCII && unicode.IsLetter(first) {
		letter = unicode.ToUpper(first)
	}
	id := string(letter) + strconv.FormatInt(a.state.NextID, 10)
	a.state.NextID++
	return id
}

// AddOutput queues (parentID ^attr value) on the agent's output side. An
// identifier with an empty value gets a freshly minted id. The returned
// value is the stored one.
func (k *Kernel) AddOutput(agentName, parentID, attr, value, typ string) (int64, string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	a, err := k.agent(agentName)
	if err != nil {
		return 0, "", err
	}
	recs, err := k.store.List(a.state.Name, SideOutput)
	if err != nil {
		return 0, "", err
	}
	if parentID != OutputLinkID && !hasIdentifier(recs, parentID) {
		return 0, "", fmt.Errorf("%w: %s", ErrUnknownParent, parentID)
	}
	if typ == session.TypeIdentifier && value == "" {
		value = k.mintID(a, attr)
	}
	rec, err := normalizeRecord(session.AddRecord(parentID, attr, value, typ, k.mintTag(a)))
	if err != nil {
		return 0, "", err
	}
	if err := k.store.Put(a.state.Name, SideOutput, rec); err != nil {
		return 0, "", err
	}
	if err := k.store.SaveAgent(a.state); err != nil {
		return 0, "", err
	}
	a.pending = append(a.pending, rec)
	log.Trace().Msgf("kernel.AddOutput agent=%s %s", a.state.Name, rec)
	return rec.TimeTag, rec.Value, nil
}

func hasIdentifier(recs []session.Record, id string) bool {
	for _, r := range recs {
		if r.Type == session.TypeIdentifier && r.Value == id {
			return true
		}
	}
	return false
}

// RemoveOutput removes the output WME with tag. When that drops the last
// reference to an identifier, its children are removed too.
func (k *Kernel) RemoveOutput(agentName string, tag int64) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	a, err := k.agent(agentName)
	if err != nil {
		return err
	}
	recs, err := k.store.List(a.state.Name, SideOutput)
	if err != nil {
		return err
	}
	byTag := make(map[int64]session.Record, len(recs))
	for _, r := range recs {
		byTag[r.TimeTag] = r
	}
	target, ok := byTag[tag]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownTimeTag, tag)
	}
	if target.ID == IOID && target.Attribute == OutputLinkAttr {
		return ErrRootOutput
	}

	refs := make(map[string]int)
	for _, r := range recs {
		if r.Type == session.TypeIdentifier {
			refs[r.Value]++
		}
	}
	queue := []session.Record{target}
	for len(queue) > 0 {
		r := queue[0]
		queue = queue[1:]
		if _, live := byTag[r.TimeTag]; !live {
			continue
		}
		delete(byTag, r.TimeTag)
		if _, err := k.store.Delete(a.state.Name, SideOutput, r.TimeTag); err != nil {
			return err
		}
		a.pending = append(a.pending, session.RemoveRecord(r.ID, r.Attribute, r.Value, r.Type, r.TimeTag))
		if r.Type != session.TypeIdentifier {
			continue
		}
		refs[r.Value]--
		if refs[r.Value] > 0 || r.Value == OutputLinkID {
			continue
		}
		for _, child := range recs {
			if child.ID == r.Value {
				queue = append(queue, child)
			}
		}
	}
	return nil
}

// FlushOutput hands the queued output changes to every subscriber of the
// agent and returns them. An empty queue publishes nothing.
func (k *Kernel) FlushOutput(agentName string) (session.OutputNotice, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	a, err := k.agent(agentName)
	if err != nil {
		return session.OutputNotice{}, err
	}
	notice := session.OutputNotice{
		Agent:       a.state.Name,
		Records:     a.pending,
		TimestampMS: uint64(k.now().UnixMilli()),
	}
	a.pending = nil
	if len(notice.Records) == 0 {
		return notice, nil
	}
	k.publish(a, notice)
	log.Debug().Msgf("kernel.FlushOutput agent=%s records=%d subscribers=%d", a.state.Name, len(notice.Records), len(a.subscribers))
	return notice, nil
}

// publish hands notice to every subscriber without blocking. Caller holds k.mu.
func (k *Kernel) publish(a *agent, notice session.OutputNotice) {
	for id, ch := range a.subscribers {
		select {
		case ch <- notice:
		default:
			log.Warn().Msgf("kernel.publish agent=%s subscriber=%d full, dropping notice records=%d reinit=%t",
				a.state.Name, id, len(notice.Records), notice.Reinit)
		}
	}
}

// Subscribe registers for the agent's output notices. cancel is idempotent
// and closes the channel.
func (k *Kernel) Subscribe(agentName string) (<-chan session.OutputNotice, func(), error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	a, err := k.agent(agentName)
	if err != nil {
		return nil, nil, err
	}
	k.nextSub++
	id := k.nextSub
	ch := make(chan session.OutputNotice, subscriberBuffer)
	a.subscribers[id] = ch
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			k.mu.Lock()
			defer k.mu.Unlock()
			if sub, ok := a.subscribers[id]; ok {
				close(sub)
				delete(a.subscribers, id)
			}
		})
	}
	return ch, cancel, nil
}

// Reinit clears the agent's input and output memory and rotates the input
// link identifier. Subscribers get a reinit notice followed by the new
// output link declaration; output queued before the reinit is discarded.
func (k *Kernel) Reinit(agentName string) (string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	a, err := k.agent(agentName)
	if err != nil {
		return "", err
	}
	if err := k.store.Clear(a.state.Name, SideInput); err != nil {
		return "", err
	}
	if err := k.store.Clear(a.state.Name, SideOutput); err != nil {
		return "", err
	}
	a.pending = nil
	a.state.InputLink = k.mintID(a, "input")
	if err := k.declareOutputLink(a, k.mintTag(a)); err != nil {
		return "", err
	}
	if err := k.store.SaveAgent(a.state); err != nil {
		return "", err
	}
	now := uint64(k.now().UnixMilli())
	k.publish(a, session.OutputNotice{Agent: a.state.Name, TimestampMS: now, Reinit: true})
	k.publish(a, session.OutputNotice{Agent: a.state.Name, TimestampMS: now, Records: a.pending})
	a.pending = nil
	log.Info().Msgf("kernel.Reinit agent=%s input_link=%s", a.state.Name, a.state.InputLink)
	return a.state.InputLink, nil
}

// AgentSnapshot is the admin view of one agent.
type AgentSnapshot struct {
	Name          string           `json:"name" yaml:"name"`
	InputLink     string           `json:"input_link" yaml:"input_link"`
	OutputLink    string           `json:"output_link" yaml:"output_link"`
	Input         []session.Record `json:"input" yaml:"input"`
	Output        []session.Record `json:"output" yaml:"output"`
	PendingOutput int              `json:"pending_output" yaml:"pending_output"`
	Subscribers   int              `json:"subscribers" yaml:"subscribers"`
}

func (k *Kernel) Snapshot(agentName string) (AgentSnapshot, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	a, err := k.agent(agentName)
	if err != nil {
		return AgentSnapshot{}, err
	}
	in, err := k.store.List(a.state.Name, SideInput)
	if err != nil {
		return AgentSnapshot{}, err
	}
	out, err := k.store.List(a.state.Name, SideOutput)
	if err != nil {
		return AgentSnapshot{}, err
	}
	return AgentSnapshot{
		Name:          a.state.Name,
		InputLink:     a.state.InputLink,
		OutputLink:    OutputLinkID,
		Input:         in,
		Output:        out,
		PendingOutput: len(a.pending),
		Subscribers:   len(a.subscribers),
	}, nil
}
