// Package notify delivers turn and tool progress events to owner-scoped
// subscribers.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Event types.
const (
	TurnComplete = "turn.complete"
	TurnFailed   = "turn.failed"
	ToolStarted  = "tool.started"
	ToolFinished = "tool.finished"
)

// Event is one notification. TurnID is set for events raised during a chat
// turn; orchestration passes use the pass id.
type Event struct {
	Type    string    `json:"type"`
	Owner   string    `json:"owner"`
	TurnID  string    `json:"turn_id,omitempty"`
	Tool    string    `json:"tool,omitempty"`
	CallID  string    `json:"call_id,omitempty"`
	Content string    `json:"content,omitempty"`
	Error   string    `json:"error,omitempty"`
	At      time.Time `json:"at"`
}

// Publisher is the notification channel the engine writes to.
type Publisher interface {
	Publish(ctx context.Context, owner string, ev Event)
}

const subscriberBuffer = 64

// Broker fans events out to the owner's current subscribers. Slow
// subscribers drop tool progress rather than block publishers; a turn's
// terminal event displaces queued progress instead of being dropped.
type Broker struct {
	mu     sync.Mutex
	subs   map[string]map[*subscription]struct{}
	closed bool
}

type subscription struct {
	ch chan Event
}

func NewBroker() *Broker {
	return &Broker{subs: make(map[string]map[*subscription]struct{})}
}

// Subscribe registers for owner's events. The returned cancel func must be
// called to release the subscription; it closes the channel.
func (b *Broker) Subscribe(owner string) (<-chan Event, func()) {
	s := &subscription{ch: make(chan Event, subscriberBuffer)}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(s.ch)
		return s.ch, func() {}
	}
	if b.subs[owner] == nil {
		b.subs[owner] = make(map[*subscription]struct{})
	}
	b.subs[owner][s] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subs[owner][s]; !ok {
				return
			}
			delete(b.subs[owner], s)
			if len(b.subs[owner]) == 0 {
				delete(b.subs, owner)
			}
			close(s.ch)
		})
	}
}

// Publish implements Publisher.
func (b *Broker) Publish(_ context.Context, owner string, ev Event) {
	ev.Owner = owner
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subs[owner] {
		select {
		case s.ch <- ev:
		default:
			if !ev.terminal() || !s.makeRoom() {
				slog.Warn("dropping notification for slow subscriber", "owner", owner, "type", ev.Type)
				continue
			}
			s.ch <- ev
		}
	}
	slog.Debug("notification published", "owner", owner, "type", ev.Type, "turn_id", ev.TurnID)
}

func (ev Event) terminal() bool {
	return ev.Type == TurnComplete || ev.Type == TurnFailed
}

// makeRoom frees one buffer slot by discarding the oldest queued progress
// event, keeping the order of the rest. It reports false when every queued
// event is terminal. Callers hold the broker lock, so no other send races.
func (s *subscription) makeRoom() bool {
	queued := make([]Event, 0, len(s.ch))
drain:
	for len(queued) < cap(s.ch) {
		select {
		case e := <-s.ch:
			queued = append(queued, e)
		default:
			break drain
		}
	}
	dropped := false
	for _, e := range queued {
		if !dropped && !e.terminal() {
			dropped = true
			continue
		}
		s.ch <- e
	}
	return dropped || len(queued) < cap(s.ch)
}

// Subscribers returns the number of live subscriptions for owner.
func (b *Broker) Subscribers(owner string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[owner])
}

// Close ends every subscription. Later Subscribe calls get a closed channel.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for owner, set := range b.subs {
		for s := range set {
			close(s.ch)
		}
		delete(b.subs, owner)
	}
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(context.Context, string, Event) {}
