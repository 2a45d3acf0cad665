// Package events fans GPU events out to independent subscribers.
//
// Delivery is lossy: each subscriber owns a bounded buffer, and when it is
// full the oldest buffered event is discarded to make room. Publishers never
// block on slow subscribers.
package events

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/kubeadapt/kubeadapt-gpu-agent/pkg/model"
)

// DefaultBuffer is the per-subscriber buffer size.
const DefaultBuffer = 1000

var (
	// ErrNoSubscribers is returned by Publish when nobody is listening.
	ErrNoSubscribers = errors.New("events: no subscribers")
	// ErrClosed is returned by Publish after Close.
	ErrClosed = errors.New("events: broadcaster closed")
)

// Broadcaster is a bounded multi-producer, multi-consumer event fan-out.
type Broadcaster struct {
	buffer int

	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
	closed bool

	published atomic.Uint64
	dropped   atomic.Uint64
}

// NewBroadcaster creates a Broadcaster whose subscribers buffer up to
// buffer events. Non-positive values use DefaultBuffer.
func NewBroadcaster(buffer int) *Broadcaster {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Broadcaster{
		buffer: buffer,
		subs:   make(map[uint64]*Subscription),
	}
}

// Subscription is one receiver. Events published before Subscribe are not
// delivered.
type Subscription struct {
	ch     chan model.GPUEvent
	b      *Broadcaster
	id     uint64
	sendMu sync.Mutex
	missed atomic.Uint64
	once   sync.Once
}

// Events returns the receive channel. It is closed by Close or when the
// broadcaster shuts down.
func (s *Subscription) Events() <-chan model.GPUEvent { return s.ch }

// Missed returns how many events this subscriber lost to overflow.
func (s *Subscription) Missed() uint64 { return s.missed.Load() }

// Close unsubscribes. It is safe to call more than once.
func (s *Subscription) Close() {
	s.b.remove(s.id)
}

// Subscribe registers a new receiver. Subscribing to a closed broadcaster
// returns a subscription whose channel is already closed.
func (b *Broadcaster) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := &Subscription{
		ch: make(chan model.GPUEvent, b.buffer),
		b:  b,
		id: b.nextID,
	}
	b.nextID++
	if b.closed {
		s.once.Do(func() { close(s.ch) })
		return s
	}
	b.subs[s.id] = s
	return s
}

// Publish delivers ev to every subscriber without blocking.
func (b *Broadcaster) Publish(ev model.GPUEvent) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrClosed
	}
	if len(b.subs) == 0 {
		return ErrNoSubscribers
	}
	b.published.Add(1)
	for _, s := range b.subs {
		if s.deliver(ev) {
			b.dropped.Add(1)
		}
	}
	return nil
}

// SubscriberCount returns the number of active subscribers.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Published returns the number of events accepted by Publish.
func (b *Broadcaster) Published() uint64 { return b.published.Load() }

// Dropped returns the number of events discarded across all subscribers.
func (b *Broadcaster) Dropped() uint64 { return b.dropped.Load() }

// Close closes every subscription. Later Publish calls fail with ErrClosed.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, s := range b.subs {
		s.once.Do(func() { close(s.ch) })
		delete(b.subs, id)
	}
}

func (b *Broadcaster) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.subs[id]
	if !ok {
		return
	}
	delete(b.subs, id)
	s.once.Do(func() { close(s.ch) })
}

// deliver sends ev, evicting the oldest buffered event if the buffer is
// full. It reports whether an event was dropped. Callers hold b.mu for
// reading, so the channel cannot be closed underneath.
func (s *Subscription) deliver(ev model.GPUEvent) bool {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	select {
	case s.ch <- ev:
		return false
	default:
	}

	select {
	case <-s.ch:
	default:
	}
	s.missed.Add(1)

	select {
	case s.ch <- ev:
	default:
		// The buffer refilled between the eviction and the send; the
		// new event is the one lost.
	}
	return true
}
