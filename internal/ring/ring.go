// Package ring implements a lock-free single-producer single-consumer ring
// buffer of audio frames, sized to a power of two so index wrapping reduces
// to a mask operation.
package ring

import "sync/atomic"

// Frame is one unit of audio carried through the ring buffer.
type Frame struct {
	Samples   []float32
	Channels  uint16
	Timestamp uint64
	Sequence  uint32
}

// Buffer is a fixed-capacity SPSC ring buffer. It must be used by exactly
// one producer goroutine calling TryPush and one consumer goroutine calling
// TryPop; the zero value is not usable, construct with New.
type Buffer struct {
	slots []Frame
	mask  uint64

	head uint64 // next write index; only the producer mutates this
	tail uint64 // next read index; only the consumer mutates this

	overflow atomic.Uint64
	underrun atomic.Uint64
}

// New returns a Buffer whose capacity is the next power of two greater than
// or equal to capacity (minimum 2).
func New(capacity int) *Buffer {
	if capacity < 2 {
		capacity = 2
	}
	size := 1
	for size < capacity {
		size <<= 1
	}
	return &Buffer{
		slots: make([]Frame, size),
		mask:  uint64(size - 1),
	}
}

// Capacity returns the ring's fixed slot count.
func (b *Buffer) Capacity() int {
	return len(b.slots)
}

// Len returns the number of frames currently buffered. Safe to call from
// either side, though the result may be stale by the time it is read.
func (b *Buffer) Len() int {
	head := atomic.LoadUint64(&b.head)
	tail := atomic.LoadUint64(&b.tail)
	return int(head - tail)
}

// IsFull reports whether the next TryPush would overflow.
func (b *Buffer) IsFull() bool {
	return b.Len() >= len(b.slots)
}

// IsEmpty reports whether the next TryPop would underrun.
func (b *Buffer) IsEmpty() bool {
	return b.Len() <= 0
}

// TryPush inserts frame without blocking. It returns false and increments
// the overflow counter if the ring is full.
func (b *Buffer) TryPush(frame Frame) bool {
	head := atomic.LoadUint64(&b.head)
	tail := atomic.LoadUint64(&b.tail)
	if head-tail >= uint64(len(b.slots)) {
		b.overflow.Add(1)
		return false
	}
	b.slots[head&b.mask] = frame
	atomic.StoreUint64(&b.head, head+1)
	return true
}

// TryPop removes and returns the oldest buffered frame. ok is false and the
// underrun counter is incremented if the ring is empty.
func (b *Buffer) TryPop() (frame Frame, ok bool) {
	tail := atomic.LoadUint64(&b.tail)
	head := atomic.LoadUint64(&b.head)
	if tail >= head {
		b.underrun.Add(1)
		return Frame{}, false
	}
	frame = b.slots[tail&b.mask]
	atomic.StoreUint64(&b.tail, tail+1)
	return frame, true
}

// OverflowCount returns the number of TryPush calls that found the ring full.
func (b *Buffer) OverflowCount() uint64 { return b.overflow.Load() }

// UnderrunCount returns the number of TryPop calls that found the ring empty.
func (b *Buffer) UnderrunCount() uint64 { return b.underrun.Load() }

// ResetStats zeroes the overflow and underrun counters.
func (b *Buffer) ResetStats() {
	b.overflow.Store(0)
	b.underrun.Store(0)
}

// FillLevel returns Len as a fraction of Capacity, in [0.0, 1.0].
func (b *Buffer) FillLevel() float64 {
	return float64(b.Len()) / float64(len(b.slots))
}
