package bus

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Handler receives events synchronously on the publisher's goroutine.
type Handler func(Event)

// Bus is an in-process publish/subscribe event bus with namespace filtering.
// Delivery is synchronous and follows subscription order.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*subscription
	next   int
	logger *zap.Logger
}

type subscription struct {
	id        int
	namespace string
	handler   Handler
}

// New creates a new event bus. A nil logger discards handler failures.
func New(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		subs:   make(map[int]*subscription),
		logger: logger,
	}
}

// Publish delivers evt to every subscriber whose namespace is a prefix of
// evt.Kind. A panicking handler is logged and skipped.
func (b *Bus) Publish(evt Event) {
	for _, sub := range b.matching(evt.Kind) {
		b.deliver(sub, evt)
	}
}

func (b *Bus) matching(kind string) []*subscription {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []*subscription
	for _, sub := range b.subs {
		if sub.namespace == Wildcard || strings.HasPrefix(kind, sub.namespace) {
			out = append(out, sub)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (b *Bus) deliver(sub *subscription, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				zap.String("kind", evt.Kind),
				zap.String("namespace", sub.namespace),
				zap.String("panic", fmt.Sprint(r)),
			)
		}
	}()
	sub.handler(evt)
}

// Subscribe registers h for events whose kind starts with namespace.
// Use Wildcard (or "") to receive everything. Returns an unsubscribe function.
func (b *Bus) Subscribe(namespace string, h Handler) func() {
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = &subscription{id: id, namespace: namespace, handler: h}
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

// Watch returns a channel that receives events matching the given namespace prefix.
// bufSize controls the channel buffer; events are dropped when it is full.
func (b *Bus) Watch(namespace string, bufSize int) (<-chan Event, func()) {
	ch := make(chan Event, bufSize)
	unsub := b.Subscribe(namespace, func(evt Event) {
		select {
		case ch <- evt:
		default:
			// Drop event if subscriber is full (non-blocking).
		}
	})
	return ch, unsub
}
