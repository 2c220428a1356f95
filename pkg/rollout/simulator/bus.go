package simulator

import (
	"sync"

	"github.com/toolsqacn/marathon/pkg/api"
)

// Bus is an in-memory api.EventBus. Events are delivered in publication order to every currently-subscribed channel
// for the matching path; subscribers that fall behind block the publisher, matching the delivery guarantee a real
// message broker would give a single consumer group member.
type Bus struct {
	mu   sync.Mutex
	subs map[string]map[int]chan api.Event
	next int
}

func NewBus() *Bus {
	return &Bus{subs: make(map[string]map[int]chan api.Event)}
}

func (b *Bus) Subscribe(pathID string) (<-chan api.Event, func(), error) {
	ch := make(chan api.Event, 32)

	b.mu.Lock()
	if b.subs[pathID] == nil {
		b.subs[pathID] = make(map[int]chan api.Event)
	}
	id := b.next
	b.next++
	b.subs[pathID][id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs[pathID], id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsubscribe, nil
}

func (b *Bus) publish(pathID string, ev api.Event) {
	b.mu.Lock()
	subs := make([]chan api.Event, 0, len(b.subs[pathID]))
	for _, ch := range b.subs[pathID] {
		subs = append(subs, ch)
	}
	b.mu.Unlock()

	for _, ch := range subs {
		ch <- ev
	}
}
