// Package eventbus fans out small in-memory lifecycle events. Publish never
// blocks; a subscriber that falls behind loses events.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the supervisor.
const (
	SupervisorState = "supervisor.state"
	ChildStarted    = "child.started"
	ChildExited     = "child.exited"
	ChildRespawned  = "child.respawned"
	ReaperPruned    = "reaper.pruned"
)

type Event struct {
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data,omitempty"`
}

// StateData accompanies SupervisorState.
type StateData struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// ChildData accompanies the child.* events.
type ChildData struct {
	Name     string `json:"name"`
	Kind     string `json:"kind"`
	Pid      int    `json:"pid,omitempty"`
	Err      string `json:"err,omitempty"`
	Restarts int    `json:"restarts,omitempty"`
}

// ReapData accompanies ReaperPruned.
type ReapData struct {
	Pruned       []int64 `json:"pruned"`
	FailedClaims int     `json:"failed_claims"`
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

// Nop discards every event.
func Nop() Bus { return nopBus{} }

type nopBus struct{}

func (nopBus) Publish(Event) {}
func (nopBus) Subscribe(int) (<-chan Event, func()) {
	ch := make(chan Event)
	var once sync.Once
	return ch, func() { once.Do(func() { close(ch) }) }
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			// Removal and close happen under the write lock, so Publish never
			// sends on a closed channel.
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
	return ch, unsub
}
