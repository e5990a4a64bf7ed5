package feeder

import "context"

// Buffer is a bounded single-producer single-consumer queue of handshakes.
// The producer blocks when it is full; the consumer polls without blocking
// so that the simulated clock never waits on the producer by accident.
type Buffer struct {
	ch     chan Handshake
	peeked *Handshake
	closed bool

	head Handshake
}

// NewBuffer creates a buffer holding up to capacity handshakes.
func NewBuffer(capacity int) *Buffer {
	return &Buffer{ch: make(chan Handshake, capacity)}
}

// Push appends h, blocking while the buffer is full.
func (b *Buffer) Push(ctx context.Context, h Handshake) error {
	select {
	case b.ch <- h:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close marks the end of the stream. Only the producer may call it.
func (b *Buffer) Close() {
	close(b.ch)
}

func (b *Buffer) fill() {
	if b.peeked != nil || b.closed {
		return
	}

	select {
	case h, ok := <-b.ch:
		if !ok {
			b.closed = true
			return
		}
		b.head = h
		b.peeked = &b.head
	default:
	}
}

// Peek returns the oldest handshake without removing it.
func (b *Buffer) Peek() (*Handshake, bool) {
	b.fill()
	return b.peeked, b.peeked != nil
}

// Pop removes the handshake returned by the last Peek.
func (b *Buffer) Pop() {
	b.peeked = nil
}

// Exhausted reports whether the producer closed the stream and every
// handshake has been consumed.
func (b *Buffer) Exhausted() bool {
	b.fill()
	return b.closed && b.peeked == nil
}

// Len returns the number of buffered handshakes.
func (b *Buffer) Len() int {
	n := len(b.ch)
	if b.peeked != nil {
		n++
	}

	return n
}

// Wait blocks until a handshake is available or the stream ends.
func (b *Buffer) Wait(ctx context.Context) error {
	if b.peeked != nil || b.closed {
		return nil
	}

	select {
	case h, ok := <-b.ch:
		if !ok {
			b.closed = true
			return nil
		}
		b.head = h
		b.peeked = &b.head
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
