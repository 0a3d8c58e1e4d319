package kfmt

import "io"

// ringBufferSize defines the size of the buffer that keeps Printf output
// produced before an output sink is attached. The size must always be a power
// of 2.
const ringBufferSize = 2048

// ringBuffer keeps the most recent ringBufferSize-1 bytes written to it. Once
// full, each write overwrites the oldest unread byte.
type ringBuffer struct {
	data       [ringBufferSize]byte
	head, tail int
}

// Write appends p to the buffer, discarding the oldest unread bytes when the
// buffer overflows. It never fails.
func (rb *ringBuffer) Write(p []byte) (int, error) {
	for _, b := range p {
		rb.data[rb.tail] = b
		rb.tail = (rb.tail + 1) & (ringBufferSize - 1)
		if rb.tail == rb.head {
			rb.head = (rb.head + 1) & (ringBufferSize - 1)
		}
	}

	return len(p), nil
}

// Read copies up to len(p) unread bytes into p. It returns io.EOF once the
// buffer has been drained.
func (rb *ringBuffer) Read(p []byte) (int, error) {
	if rb.head == rb.tail {
		return 0, io.EOF
	}

	// Unread data is contiguous up to tail, or up to the end of the backing
	// array when it wraps around.
	end := rb.tail
	if rb.head > rb.tail {
		end = ringBufferSize
	}

	n := copy(p, rb.data[rb.head:end])
	rb.head = (rb.head + n) & (ringBufferSize - 1)
	return n, nil
}
