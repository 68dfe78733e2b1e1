package baton

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// EventKind distinguishes execution-level from step-level transitions.
type EventKind string

const (
	EventExecution EventKind = "execution"
	EventStep      EventKind = "step"
)

// Event is one entry in an execution's transition history. Events are
// appended in order and carry a per-execution sequence number, so a
// consumer can detect drops.
type Event struct {
	Seq         int       `json:"seq"`
	Time        time.Time `json:"time"`
	Kind        EventKind `json:"kind"`
	ExecutionID string    `json:"execution_id"`
	SagaName    string    `json:"saga_name"`
	Step        string    `json:"step,omitempty"`
	From        string    `json:"from,omitempty"`
	To          string    `json:"to"`
	Detail      string    `json:"detail,omitempty"`
}

const defaultEventBuffer = 100

// Broadcaster fans execution events out to subscribers. Publishing never
// blocks: a subscriber that cannot keep up loses events, and the engine's
// progress is never gated on observers.
type Broadcaster struct {
	logger *zap.Logger

	mu     sync.RWMutex
	subs   map[int]chan Event
	next   int
	closed bool
}

func NewBroadcaster(logger *zap.Logger) *Broadcaster {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broadcaster{logger: logger, subs: make(map[int]chan Event)}
}

// Subscribe registers a buffered event channel. The returned cancel
// removes the subscription and closes the channel.
func (b *Broadcaster) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = defaultEventBuffer
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
			b.mu.Unlock()
		})
	}
	return ch, cancel
}

// Publish delivers ev to every subscriber without blocking.
func (b *Broadcaster) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.logger.Warn("event subscriber full, dropping event",
				zap.String("executionID", ev.ExecutionID),
				zap.String("kind", string(ev.Kind)),
				zap.Int("seq", ev.Seq))
		}
	}
}

// Close closes every subscriber channel. Later Subscribe calls return a
// closed channel.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
