// ABOUTME: Multi-consumer chunk fan-out with per-reader backpressure
// ABOUTME: A slow reader drops its own oldest chunks and never stalls production
package broadcast

import (
	"sync"
	"sync/atomic"
)

// Broadcaster fans out produced chunks to all subscribed readers. Publish
// never blocks: when a reader's buffer is full its oldest queued chunk is
// dropped to make room, affecting only that reader.
type Broadcaster struct {
	mu      sync.Mutex
	readers map[*Reader]struct{}
}

// Reader is one subscription to a Broadcaster.
type Reader struct {
	ch        chan []byte
	done      chan struct{}
	closeOnce sync.Once
	dropped   atomic.Uint64
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{readers: make(map[*Reader]struct{})}
}

// Subscribe registers a reader with the given buffer depth.
func (b *Broadcaster) Subscribe(buffer int) *Reader {
	r := &Reader{
		ch:   make(chan []byte, buffer),
		done: make(chan struct{}),
	}

	b.mu.Lock()
	b.readers[r] = struct{}{}
	b.mu.Unlock()
	return r
}

// Unsubscribe removes a reader. The reader's Done channel is closed.
func (b *Broadcaster) Unsubscribe(r *Reader) {
	b.mu.Lock()
	delete(b.readers, r)
	b.mu.Unlock()

	r.closeOnce.Do(func() { close(r.done) })
}

// ReaderCount returns the number of currently subscribed readers.
func (b *Broadcaster) ReaderCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.readers)
}

// Publish delivers chunk to every reader without blocking.
func (b *Broadcaster) Publish(chunk []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for r := range b.readers {
		select {
		case r.ch <- chunk:
		default:
			// Reader is lagging: drop its oldest chunk, then retry once.
			select {
			case <-r.ch:
				r.dropped.Add(1)
			default:
			}
			select {
			case r.ch <- chunk:
			default:
				r.dropped.Add(1)
			}
		}
	}
}

// CloseAll signals every reader to stop and clears the registry.
func (b *Broadcaster) CloseAll() {
	b.mu.Lock()
	readers := make([]*Reader, 0, len(b.readers))
	for r := range b.readers {
		readers = append(readers, r)
	}
	b.readers = make(map[*Reader]struct{})
	b.mu.Unlock()

	for _, r := range readers {
		r.closeOnce.Do(func() { close(r.done) })
	}
}

// Chunks returns the reader's chunk channel.
func (r *Reader) Chunks() <-chan []byte { return r.ch }

// Done is closed when the reader is unsubscribed or the broadcaster shuts down.
func (r *Reader) Done() <-chan struct{} { return r.done }

// Dropped returns how many chunks this reader has lost to backpressure.
func (r *Reader) Dropped() uint64 { return r.dropped.Load() }
