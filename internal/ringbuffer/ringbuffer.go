// Package ringbuffer provides a bounded, generation-counted packet queue
// used by an input reader's ingest goroutine to hand packets to the
// orchestrator's consumption loop without blocking the network read on a
// slow consumer.
package ringbuffer

import (
	"sync"
	"time"

	"github.com/ts-splice/mpegts"
)

// Buffer is a fixed-capacity ring of packets guarded by a mutex and
// condition variable. When full, the oldest packet is evicted to make room
// for the newest one: a live source must never be slowed down by a stalled
// splice loop, so this buffer drops rather than blocks the producer.
//
// Generation is bumped on every Reset, so a consumer holding a stale
// snapshot can detect that the buffer was cleared after it was taken.
// The Input Reader does not call Reset on reconnect: buffered packets and
// the generation carry over.
type Buffer struct {
	mu         sync.Mutex
	cond       *sync.Cond
	packets    []*mpegts.Packet
	cap        int
	head       int
	size       int
	generation uint64
	dropped    uint64
	closed     bool
}

// New creates a Buffer holding at most capacity packets.
func New(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = 1
	}
	b := &Buffer{
		packets: make([]*mpegts.Packet, capacity),
		cap:     capacity,
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Push appends p, evicting the oldest buffered packet if full.
func (b *Buffer) Push(p *mpegts.Packet) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	idx := (b.head + b.size) % b.cap
	if b.size == b.cap {
		b.head = (b.head + 1) % b.cap
		b.dropped++
	} else {
		b.size++
	}
	b.packets[idx] = p
	b.cond.Signal()
}

// Pop blocks until a packet is available or the buffer is closed, returning
// (nil, false) in the latter case.
func (b *Buffer) Pop() (*mpegts.Packet, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for b.size == 0 && !b.closed {
		b.cond.Wait()
	}
	if b.size == 0 && b.closed {
		return nil, false
	}
	return b.popLocked(), true
}

// PopTimeout blocks until a packet is available, the buffer is closed, or
// timeout elapses, whichever comes first. A non-positive timeout polls
// without blocking.
func (b *Buffer) PopTimeout(timeout time.Duration) (*mpegts.Packet, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if timeout <= 0 {
		if b.size == 0 {
			return nil, false
		}
		return b.popLocked(), true
	}

	deadline := time.Now().Add(timeout)
	timer := time.AfterFunc(timeout, func() {
		b.mu.Lock()
		b.cond.Broadcast()
		b.mu.Unlock()
	})
	defer timer.Stop()

	for b.size == 0 && !b.closed && time.Now().Before(deadline) {
		b.cond.Wait()
	}
	if b.size == 0 {
		return nil, false
	}
	return b.popLocked(), true
}

// popLocked removes and returns the oldest packet. Caller holds b.mu and
// has verified b.size > 0.
func (b *Buffer) popLocked() *mpegts.Packet {
	p := b.packets[b.head]
	b.packets[b.head] = nil
	b.head = (b.head + 1) % b.cap
	b.size--
	return p
}

// Reset discards all buffered packets and bumps the generation counter.
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.packets {
		b.packets[i] = nil
	}
	b.head, b.size = 0, 0
	b.generation++
}

// Generation reports the current generation counter.
func (b *Buffer) Generation() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.generation
}

// Dropped reports the cumulative number of packets evicted for being full.
func (b *Buffer) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Len reports the number of packets currently buffered.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Close unblocks any pending Pop, causing it to return false.
func (b *Buffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.cond.Broadcast()
}
