package session

import (
	"sort"
	"sync"
	"time"
)

// PendingRequest tracks one request awaiting its response frame.
type PendingRequest struct {
	MessageID uint64
	Command   string
	Agent     string
	SentAt    time.Time
	Deadline  time.Time
	Reply     chan Response
}

// Outbox stores in-flight requests by message id. A response is delivered
// at most once; Fail drains every pending request.
type Outbox struct {
	mu    sync.Mutex
	items map[uint64]PendingRequest
}

func NewOutbox() *Outbox {
	return &Outbox{items: make(map[uint64]PendingRequest)}
}

// Track registers a request and returns the channel its response lands on.
func (o *Outbox) Track(item PendingRequest) <-chan Response {
	if item.Reply == nil {
		item.Reply = make(chan Response, 1)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.items[item.MessageID] = item
	return item.Reply
}

// Resolve hands resp to the waiter for messageID. False means nobody was waiting.
func (o *Outbox) Resolve(messageID uint64, resp Response) bool {
	o.mu.Lock()
	item, ok := o.items[messageID]
	delete(o.items, messageID)
	o.mu.Unlock()
	if !ok {
		return false
	}
	item.Reply <- resp
	return true
}

func (o *Outbox) Remove(messageID uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.items, messageID)
}

func (o *Outbox) Get(messageID uint64) (PendingRequest, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	item, ok := o.items[messageID]
	return item, ok
}

// Fail resolves every pending request with an error response.
func (o *Outbox) Fail(message string) int {
	o.mu.Lock()
	items := o.items
	o.items = make(map[uint64]PendingRequest)
	o.mu.Unlock()
	for _, item := range items {
		item.Reply <- Response{Status: StatusError, Message: message}
	}
	return len(items)
}

func (o *Outbox) List() []PendingRequest {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]PendingRequest, 0, len(o.items))
	for _, item := range o.items {
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].MessageID < out[j].MessageID
	})
	return out
}
