package octree

// Node words. The root block lives at [0, 8); a child pointer is the index of
// the first node of an 8 node block and therefore never 0.
//
//	0                  empty
//	NodeFlag           tagged, children not allocated yet
//	NodeFlag | p       inner node with children at [p, p+8)
//	NodeFlag | rgb     leaf, on the last level only
const (
	NodeFlag    uint32 = 0x80000000
	PointerMask uint32 = 0x7fffffff
	ColorMask   uint32 = 0x00ffffff

	// BlockSize is the number of children allocated at once.
	BlockSize = 8
	// WordSize is the size of one node in bytes.
	WordSize = 4
)

func octant(x, y, z, dim uint32) uint32 {
	var o uint32
	if x&dim != 0 {
		o |= 1
	}
	if y&dim != 0 {
		o |= 2
	}
	if z&dim != 0 {
		o |= 4
	}
	return o
}

// Lookup walks nodes from the root to the leaf holding (x, y, z) in a tree of
// the given level and returns the leaf color.
func Lookup(nodes []uint32, level, x, y, z uint32) (uint32, bool) {
	dim := uint32(1) << level
	cur := uint32(0)
	for d := uint32(1); d <= level; d++ {
		dim >>= 1
		idx := cur + octant(x, y, z, dim)
		if idx >= uint32(len(nodes)) {
			return 0, false
		}
		node := nodes[idx]
		if node&NodeFlag == 0 {
			return 0, false
		}
		if d == level {
			return node & ColorMask, true
		}
		cur = node & PointerMask
		if cur == 0 {
			return 0, false
		}
	}
	return 0, false
}

// CountLeaves returns the number of leaves reachable from the root.
func CountLeaves(nodes []uint32, level uint32) int {
	var walk func(block, depth uint32) int
	walk = func(block, depth uint32) int {
		if uint64(block)+BlockSize > uint64(len(nodes)) {
			return 0
		}
		n := 0
		for i := uint32(0); i < BlockSize; i++ {
			node := nodes[block+i]
			if node&NodeFlag == 0 {
				continue
			}
			if depth == level {
				n++
				continue
			}
			if p := node & PointerMask; p != 0 {
				n += walk(p, depth+1)
			}
		}
		return n
	}
	if level == 0 {
		return 0
	}
	return walk(0, 1)
}
