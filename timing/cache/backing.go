package cache

// Memory is a flat main memory with a fixed access latency.
type Memory struct {
	Latency uint64

	Reads  uint64
	Writes uint64
}

// NewMemory creates a memory with the given latency.
func NewMemory(latency uint64) *Memory {
	return &Memory{Latency: latency}
}

// Access implements Level.
func (m *Memory) Access(addr uint64, write bool) uint64 {
	if write {
		m.Writes++
	} else {
		m.Reads++
	}

	return m.Latency
}
