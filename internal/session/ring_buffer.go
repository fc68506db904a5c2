package session

import (
	"sync"
	"time"
)

// DefaultReplayCapacity is the number of chunks kept per session.
const DefaultReplayCapacity = 1000

// RingBuffer is a fixed-capacity circular buffer of output chunks.
// It lets late viewers catch up on recent output. It also numbers chunks,
// so append order, delivery order and replay order are the same.
type RingBuffer struct {
	mu       sync.RWMutex
	buf      []Chunk
	capacity int
	pos      int // next write position
	full     bool
	lastSeq  uint64
}

// NewRingBuffer creates a ring buffer with the given capacity.
// If capacity <= 0, DefaultReplayCapacity is used.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = DefaultReplayCapacity
	}
	return &RingBuffer{
		buf:      make([]Chunk, capacity),
		capacity: capacity,
	}
}

// Append stores data as the next chunk, dropping the oldest chunk when the
// buffer is full, and returns the stored chunk.
func (rb *RingBuffer) Append(data []byte, at time.Time) Chunk {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.lastSeq++
	c := Chunk{Seq: rb.lastSeq, Data: data, Time: at}
	rb.buf[rb.pos] = c
	rb.pos = (rb.pos + 1) % rb.capacity
	if rb.pos == 0 {
		rb.full = true
	}
	return c
}

// ReadAll returns all chunks in the buffer in chronological order.
func (rb *RingBuffer) ReadAll() []Chunk {
	return rb.Since(0)
}

// Since returns the buffered chunks with Seq > after, oldest first.
func (rb *RingBuffer) Since(after uint64) []Chunk {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	var ordered []Chunk
	if rb.full {
		ordered = make([]Chunk, 0, rb.capacity)
		ordered = append(ordered, rb.buf[rb.pos:]...)
		ordered = append(ordered, rb.buf[:rb.pos]...)
	} else {
		ordered = rb.buf[:rb.pos]
	}

	result := make([]Chunk, 0, len(ordered))
	for _, c := range ordered {
		if c.Seq > after {
			result = append(result, c)
		}
	}
	return result
}

// LastSeq returns the sequence number of the newest chunk, or 0.
func (rb *RingBuffer) LastSeq() uint64 {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.lastSeq
}

// Len returns the number of chunks currently stored.
func (rb *RingBuffer) Len() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	if rb.full {
		return rb.capacity
	}
	return rb.pos
}

// Cap returns the maximum number of chunks the buffer holds.
func (rb *RingBuffer) Cap() int {
	return rb.capacity
}
