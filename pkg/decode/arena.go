package decode

// Node is one lattice cell: the best path score reaching (position,
// label) under the current weights, its label, and a back-pointer to
// the predecessor Node that achieved that score.
type Node struct {
	Label int // dense real-label index (crf.LabelIndex convention)
	Score float64
	Back  *Node
	next  *Node // free-list link, reused only while on the free list
}

const zoneSize = 256

// arena is a growable list of fixed-size Node zones with bump-pointer
// allocation inside a zone and overflow to a new zone; reset moves every
// zone to the unused list and clears the bump cursor and the free list,
// per spec §9's arena allocator note.
type arena struct {
	zones   [][]Node // live+unused zones, indexed by zoneIdx
	zoneIdx int
	cursor  int
	free    *Node // singly-linked LIFO free list
}

func newArena() *arena {
	a := &arena{}
	a.zones = append(a.zones, make([]Node, zoneSize))
	return a
}

// alloc returns a zeroed Node, reusing the free list before bump-allocating.
func (a *arena) alloc() *Node {
	if a.free != nil {
		n := a.free
		a.free = n.next
		*n = Node{}
		return n
	}
	if a.cursor == zoneSize {
		a.zoneIdx++
		if a.zoneIdx == len(a.zones) {
			a.zones = append(a.zones, make([]Node, zoneSize))
		}
		a.cursor = 0
	}
	n := &a.zones[a.zoneIdx][a.cursor]
	a.cursor++
	*n = Node{}
	return n
}

// release pushes n onto the free list for LIFO reuse within the current decode.
func (a *arena) release(n *Node) {
	n.next = a.free
	a.free = n
}

// reset moves every zone back to "unused" (bump cursor to the first zone)
// and clears the free list; called once between sentences.
func (a *arena) reset() {
	a.zoneIdx = 0
	a.cursor = 0
	a.free = nil
}
