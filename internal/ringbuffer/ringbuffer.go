// Package ringbuffer provides the bounded record FIFO of a simulated
// instrument. Writers never block: records that do not fit are counted as
// lost and the buffer latches its full flag until Reset, the way a hardware
// FIFO reports an overrun.
package ringbuffer

import (
	"fmt"
	"sync"
)

type bufferDescription struct {
	writePointer   uint64
	readPointer    uint64
	bufferSize     uint64
	recordsLost    uint64
	recordsWritten uint64
	full           bool
}

// RingBuffer is a fixed-capacity FIFO of 32-bit records. It is safe for one
// writer and one reader running concurrently.
type RingBuffer struct {
	desc bufferDescription
	raw  []uint32
	sync.Mutex
}

// NewRingBuffer creates and returns a new RingBuffer holding up to size records.
func NewRingBuffer(size int) (*RingBuffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("ringbuffer: size %d must be positive", size)
	}
	rb := &RingBuffer{raw: make([]uint32, size)}
	rb.desc.bufferSize = uint64(size)
	return rb, nil
}

// Cap returns the capacity in records.
func (rb *RingBuffer) Cap() int {
	return len(rb.raw)
}

func (rb *RingBuffer) readable() uint64 {
	return rb.desc.writePointer - rb.desc.readPointer
}

// Len returns the number of records waiting to be read.
func (rb *RingBuffer) Len() int {
	rb.Lock()
	defer rb.Unlock()
	return int(rb.readable())
}

// Write stores as many of recs as fit and returns how many were stored. Any
// remainder is lost, and the full flag is set.
func (rb *RingBuffer) Write(recs []uint32) int {
	rb.Lock()
	defer rb.Unlock()
	space := rb.desc.bufferSize - rb.readable()
	n := uint64(len(recs))
	if n > space {
		rb.desc.recordsLost += n - space
		rb.desc.full = true
		n = space
	}
	for i := uint64(0); i < n; {
		wp := rb.desc.writePointer % rb.desc.bufferSize
		copied := uint64(copy(rb.raw[wp:], recs[i:n]))
		rb.desc.writePointer += copied
		i += copied
	}
	rb.desc.recordsWritten += n
	return int(n)
}

// Read moves up to len(dst) records into dst and returns how many were moved.
func (rb *RingBuffer) Read(dst []uint32) int {
	rb.Lock()
	defer rb.Unlock()
	n := min(uint64(len(dst)), rb.readable())
	for i := uint64(0); i < n; {
		rp := rb.desc.readPointer % rb.desc.bufferSize
		end := min(rb.desc.bufferSize, rp+n-i)
		copied := uint64(copy(dst[i:n], rb.raw[rp:end]))
		rb.desc.readPointer += copied
		i += copied
	}
	return int(n)
}

// Full tells whether any write has overflowed the buffer since the last Reset.
func (rb *RingBuffer) Full() bool {
	rb.Lock()
	defer rb.Unlock()
	return rb.desc.full
}

// Lost returns the number of records discarded because the buffer was full.
func (rb *RingBuffer) Lost() uint64 {
	rb.Lock()
	defer rb.Unlock()
	return rb.desc.recordsLost
}

// Written returns the number of records stored since the last Reset.
func (rb *RingBuffer) Written() uint64 {
	rb.Lock()
	defer rb.Unlock()
	return rb.desc.recordsWritten
}

// Reset empties the buffer and clears the full flag and counters.
func (rb *RingBuffer) Reset() {
	rb.Lock()
	defer rb.Unlock()
	rb.desc = bufferDescription{bufferSize: rb.desc.bufferSize}
}
