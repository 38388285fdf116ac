// Package bus provides the in-process publish/subscribe relay that carries
// streamed HTML fragments from generations to live renderers. Durable state
// lives in the revision store; the bus is fire-and-forget fan-out with no
// buffering, so a late subscriber misses earlier fragments.
package bus

import "sync"

// ResetToken is a reserved control value. Consumers that accumulate fragments
// must discard their buffer when they receive it; it is published when a new
// generation attempt begins so stale partial HTML is not conflated with a new
// run.
const ResetToken = "__RESET__"

// Chunk is one published text fragment (or the reset token).
type Chunk struct {
	Text string
}

// Bus is a topic-keyed fan-out relay. It is constructed once and passed by
// reference to producers and consumers, so tests can use isolated instances.
// All methods are safe for concurrent use.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]map[uint64]func(Chunk)
	nextID uint64
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{subs: make(map[string]map[uint64]func(Chunk))}
}

// Subscribe registers fn for every chunk published on topic and returns a
// function that removes the subscription. Unsubscribing twice is harmless.
func (b *Bus) Subscribe(topic string, fn func(Chunk)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	set, ok := b.subs[topic]
	if !ok {
		set = make(map[uint64]func(Chunk))
		b.subs[topic] = set
	}
	id := b.nextID
	b.nextID++
	set[id] = fn

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if set, ok := b.subs[topic]; ok {
			delete(set, id)
		}
	}
}

// Publish delivers c to every subscriber of topic, synchronously and in
// publish order. Publishing to a topic with no subscribers is a no-op.
func (b *Bus) Publish(topic string, c Chunk) {
	b.mu.RLock()
	set := b.subs[topic]
	fns := make([]func(Chunk), 0, len(set))
	for _, fn := range set {
		fns = append(fns, fn)
	}
	b.mu.RUnlock()

	for _, fn := range fns {
		fn(c)
	}
}

// Clear drops every subscription for topic.
func (b *Bus) Clear(topic string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, topic)
}
