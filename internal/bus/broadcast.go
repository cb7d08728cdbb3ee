// Package bus fans ranking frames out to many concurrent subscribers. The
// publisher never blocks: each subscriber owns a small bounded queue and
// loses its oldest frames under pressure.
package bus

import (
	"sync"

	"github.com/marketscan/scanner/internal/domain"
)

// subscriberBuffer bounds each subscriber queue. Consumers that fall more
// than this many frames behind start losing the oldest ones.
const subscriberBuffer = 2

// Subscriber is one registered consumer of ranking frames.
type Subscriber struct {
	C  chan domain.RankingFrame
	bc *Broadcast
}

// Close unregisters the subscriber and releases its queue.
func (s *Subscriber) Close() {
	s.bc.unsubscribe(s)
}

// Broadcast is the frame fan-out hub. Construct one per process with
// NewBroadcast; tests construct their own.
type Broadcast struct {
	mu        sync.Mutex
	subs      map[*Subscriber]struct{}
	lastFrame *domain.RankingFrame
	closed    bool
}

// NewBroadcast builds an empty hub.
func NewBroadcast() *Broadcast {
	return &Broadcast{subs: map[*Subscriber]struct{}{}}
}

// Publish stores the frame as the latest and enqueues it to every
// subscriber, dropping each subscriber's oldest frames when its queue is
// full. Never blocks the caller.
func (b *Broadcast) Publish(frame domain.RankingFrame) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.lastFrame = &frame
	for sub := range b.subs {
		b.enqueue(sub, frame)
	}
}

func (b *Broadcast) enqueue(sub *Subscriber, frame domain.RankingFrame) {
	for {
		select {
		case sub.C <- frame:
			return
		default:
		}
		// queue full: drop the oldest and retry
		select {
		case <-sub.C:
		default:
		}
	}
}

// LastFrame returns the most recently published frame, nil before the first
// publish.
func (b *Broadcast) LastFrame() *domain.RankingFrame {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastFrame
}

// Subscribe registers a new consumer. The latest frame, if any, is already
// waiting on the returned channel.
func (b *Broadcast) Subscribe() *Subscriber {
	sub := &Subscriber{C: make(chan domain.RankingFrame, subscriberBuffer), bc: b}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.C)
		return sub
	}
	b.subs[sub] = struct{}{}
	if b.lastFrame != nil {
		sub.C <- *b.lastFrame
	}
	return sub
}

func (b *Broadcast) unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub]; ok {
		delete(b.subs, sub)
		close(sub.C)
	}
}

// SubscriberCount reports current membership, for health and tests.
func (b *Broadcast) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close unregisters every subscriber and rejects further publishes.
func (b *Broadcast) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		delete(b.subs, sub)
		close(sub.C)
	}
}
