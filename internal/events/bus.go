// Package events is the relayer's in-process pub/sub bus. The watcher and
// pipeline publish deposit and root events; the websocket feed consumes them.
// The root publisher is not a subscriber: the watcher signals it directly.
package events

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"
)

// Event types carried on the bus.
const (
	TypeDepositObserved = "deposit.observed"
	TypeRootUpdated     = "root.updated"
	TypeRootPublished   = "root.published"
	TypeNullifierSpent  = "nullifier.spent"
)

// Event is the envelope for all relayer events.
type Event struct {
	Type string                 `json:"type"`
	ID   string                 `json:"id"`
	Time time.Time              `json:"time"`
	Data map[string]interface{} `json:"data"`
}

// JSON serializes the event.
func (e *Event) JSON() ([]byte, error) {
	return json.Marshal(e)
}

// Bus is an in-process pub/sub event bus. Subscribers receive events in real
// time; slow subscribers drop rather than block the publisher.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]chan *Event
	allSubs     []chan *Event
	logger      *log.Logger
	bufferSize  int
}

// NewBus creates a new event bus.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[string][]chan *Event),
		logger:      log.New(log.Writer(), "[EVENTS] ", log.LstdFlags),
		bufferSize:  100,
	}
}

// Subscribe creates a channel that receives events of the given types.
// Pass no types to receive ALL events.
func (b *Bus) Subscribe(eventTypes ...string) chan *Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan *Event, b.bufferSize)
	if len(eventTypes) == 0 {
		b.allSubs = append(b.allSubs, ch)
		return ch
	}
	for _, t := range eventTypes {
		b.subscribers[t] = append(b.subscribers[t], ch)
	}
	return ch
}

// Unsubscribe removes and closes a channel returned by Subscribe.
func (b *Bus) Unsubscribe(ch chan *Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for t, subs := range b.subscribers {
		b.subscribers[t] = removeChan(subs, ch)
	}
	b.allSubs = removeChan(b.allSubs, ch)
	close(ch)
}

// Publish delivers an event to all matching subscribers without blocking.
func (b *Bus) Publish(eventType string, data map[string]interface{}) {
	event := &Event{
		Type: eventType,
		ID:   fmt.Sprintf("ev-%d", time.Now().UnixNano()),
		Time: time.Now().UTC(),
		Data: data,
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	deliver := func(ch chan *Event) {
		select {
		case ch <- event:
		default:
			b.logger.Printf("subscriber buffer full, dropping %s", event.Type)
		}
	}
	for _, ch := range b.subscribers[eventType] {
		deliver(ch)
	}
	for _, ch := range b.allSubs {
		deliver(ch)
	}
}

func removeChan(subs []chan *Event, ch chan *Event) []chan *Event {
	out := subs[:0]
	for _, c := range subs {
		if c != ch {
			out = append(out, c)
		}
	}
	return out
}
