package oracle

import "github.com/sarchlab/x86sim/feeder"

// shadowWindow keeps, in program order, every handshake taken from the
// feeder whose macro-op has not committed yet. After a flush its entries are
// replayed instead of asking the feeder again.
type shadowWindow struct {
	buf  []feeder.Handshake
	head int
	num  int
}

func newShadowWindow(size int) *shadowWindow {
	return &shadowWindow{buf: make([]feeder.Handshake, size)}
}

func (s *shadowWindow) full() bool {
	return s.num == len(s.buf)
}

func (s *shadowWindow) push(h feeder.Handshake) {
	s.buf[(s.head+s.num)%len(s.buf)] = h
	s.num++
}

// at returns the i-th oldest entry.
func (s *shadowWindow) at(i int) *feeder.Handshake {
	return &s.buf[(s.head+i)%len(s.buf)]
}

func (s *shadowWindow) popFront() {
	s.buf[s.head] = feeder.Handshake{}
	s.head = (s.head + 1) % len(s.buf)
	s.num--
}
