package kfmt

import "io"

// ringBufferSize is the number of bytes of Printf output kept before an
// output sink is attached. It must be a power of 2.
const ringBufferSize = 4096

// ringBuffer keeps the most recent ringBufferSize bytes written to it. Once
// full, each new byte replaces the oldest one and is counted as dropped.
type ringBuffer struct {
	buffer [ringBufferSize]byte

	// start indexes the oldest buffered byte.
	start, count int

	// dropped counts bytes overwritten before they could be flushed.
	dropped uint64
}

// Write appends p to the buffer. It never fails.
func (rb *ringBuffer) Write(p []byte) (int, error) {
	for _, b := range p {
		rb.buffer[(rb.start+rb.count)&(ringBufferSize-1)] = b
		if rb.count < ringBufferSize {
			rb.count++
			continue
		}

		rb.start = (rb.start + 1) & (ringBufferSize - 1)
		rb.dropped++
	}

	return len(p), nil
}

// WriteTo flushes the buffered bytes, oldest first, into w using at most two
// writes. The buffer is empty afterwards even if w returns an error.
func (rb *ringBuffer) WriteTo(w io.Writer) (int64, error) {
	var (
		head = rb.buffer[rb.start:min(rb.start+rb.count, ringBufferSize)]
		tail = rb.buffer[:rb.count-len(head)]
	)
	rb.start, rb.count = 0, 0

	var written int64
	for _, span := range [2][]byte{head, tail} {
		if len(span) == 0 {
			continue
		}
		n, err := w.Write(span)
		written += int64(n)
		if err != nil {
			return written, err
		}
	}

	return written, nil
}
