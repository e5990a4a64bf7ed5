package uarch

// EdgeID is a handle into the dependency edge pool.
type EdgeID int32

// NoEdge terminates an edge list.
const NoEdge EdgeID = -1

// Edge is one producer-to-consumer link. It lives on the producer's output
// list and names the consumer and the input slot it feeds.
type Edge struct {
	Uop   UopID
	OpNum int8
	Next  EdgeID
}

// Arena owns every macro-op and uop record of a core. Records are never
// reallocated, so *Mop and *Uop pointers stay valid for the arena lifetime.
type Arena struct {
	mops    []Mop
	uops    []Uop
	maxFlow int

	edges     []Edge
	freeEdge  EdgeID
	liveEdges int
}

// NewArena creates an arena with numMops macro-op slots, each reserving
// maxFlow uops.
func NewArena(numMops, maxFlow int) *Arena {
	a := &Arena{
		mops:     make([]Mop, numMops),
		uops:     make([]Uop, numMops*maxFlow),
		maxFlow:  maxFlow,
		freeEdge: NoEdge,
	}

	for i := range a.mops {
		a.mops[i].Slot = i
	}

	for i := range a.uops {
		a.uops[i].ID = UopID(i)
		a.uops[i].reset()
	}

	a.growEdges(numMops * maxFlow)

	return a
}

// NumSlots returns the number of macro-op slots.
func (a *Arena) NumSlots() int {
	return len(a.mops)
}

// Mop returns the macro-op in slot.
func (a *Arena) Mop(slot int) *Mop {
	return &a.mops[slot]
}

// Uop returns the uop with the given handle, or nil for NoUop.
func (a *Arena) Uop(id UopID) *Uop {
	if id == NoUop {
		return nil
	}

	return &a.uops[id]
}

// AllocMop resets slot and reserves flowLen uops for it.
func (a *Arena) AllocMop(slot, flowLen int) *Mop {
	if flowLen > a.maxFlow {
		panic("uarch: flow longer than the slot reservation")
	}

	m := &a.mops[slot]
	*m = Mop{Slot: slot, Valid: true}
	m.Timing = MopTiming{
		WhenFetchStarted:   TickMax,
		WhenFetched:        TickMax,
		WhenMSStarted:      TickMax,
		WhenDecodeStarted:  TickMax,
		WhenDecodeFinished: TickMax,
		WhenCommitStarted:  TickMax,
		WhenCommitFinished: TickMax,
	}

	base := slot * a.maxFlow
	m.Flow = a.uops[base : base+flowLen]
	for i := range m.Flow {
		m.Flow[i].reset()
		m.Flow[i].Mop = m
		m.Flow[i].Decode.Index = i
	}
	m.Decode.FlowLength = flowLen
	m.Decode.LastUopIndex = flowLen - 1

	return m
}

// FreeMop invalidates m. Its uops must already be unlinked.
func (a *Arena) FreeMop(m *Mop) {
	m.Valid = false
	m.Fetch.BpredUpdate = nil
}

func (a *Arena) growEdges(n int) {
	start := len(a.edges)
	for i := 0; i < n; i++ {
		a.edges = append(a.edges, Edge{Next: a.freeEdge})
		a.freeEdge = EdgeID(start + i)
	}
}

func (a *Arena) getEdge() EdgeID {
	if a.freeEdge == NoEdge {
		a.growEdges(len(a.edges) + 1)
	}

	id := a.freeEdge
	a.freeEdge = a.edges[id].Next
	a.liveEdges++

	return id
}

func (a *Arena) putEdge(id EdgeID) {
	a.edges[id] = Edge{Uop: NoUop, Next: a.freeEdge}
	a.freeEdge = id
	a.liveEdges--
}

// LiveEdges returns the number of edges currently in use.
func (a *Arena) LiveEdges() int {
	return a.liveEdges
}

// Link records that input opNum of consumer is produced by producer.
func (a *Arena) Link(producer, consumer UopID, opNum int) {
	c := &a.uops[consumer]
	c.Exec.Idep[opNum] = producer

	p := &a.uops[producer]
	id := a.getEdge()
	a.edges[id] = Edge{Uop: consumer, OpNum: int8(opNum), Next: p.Exec.Odep}
	p.Exec.Odep = id
}

// Consumers returns the uops reading the output of producer.
func (a *Arena) Consumers(producer UopID) []UopID {
	var out []UopID
	for e := a.uops[producer].Exec.Odep; e != NoEdge; e = a.edges[e].Next {
		out = append(out, a.edges[e].Uop)
	}

	return out
}

// UnlinkConsumers detaches every consumer of producer and returns the edges
// to the pool.
func (a *Arena) UnlinkConsumers(producer UopID) {
	p := &a.uops[producer]
	for e := p.Exec.Odep; e != NoEdge; {
		edge := a.edges[e]
		a.uops[edge.Uop].Exec.Idep[edge.OpNum] = NoUop
		a.putEdge(e)
		e = edge.Next
	}
	p.Exec.Odep = NoEdge
}

// UnlinkProducers removes consumer from the output list of each of its
// producers.
func (a *Arena) UnlinkProducers(consumer UopID) {
	c := &a.uops[consumer]
	for op, producer := range c.Exec.Idep {
		if producer == NoUop {
			continue
		}

		p := &a.uops[producer]
		prev := NoEdge
		for e := p.Exec.Odep; e != NoEdge; e = a.edges[e].Next {
			edge := a.edges[e]
			if edge.Uop != consumer || int(edge.OpNum) != op {
				prev = e
				continue
			}

			if prev == NoEdge {
				p.Exec.Odep = edge.Next
			} else {
				a.edges[prev].Next = edge.Next
			}
			a.putEdge(e)

			break
		}

		c.Exec.Idep[op] = NoUop
	}
}

// Unlink detaches id from both its producers and its consumers. It is safe
// to call on a uop that is already unlinked.
func (a *Arena) Unlink(id UopID) {
	a.UnlinkConsumers(id)
	a.UnlinkProducers(id)
}
