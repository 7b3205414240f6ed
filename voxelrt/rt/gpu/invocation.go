package gpu

import "sync/atomic"

// Invocation is the view one CPU kernel invocation has of its bindings.
// All buffer accesses are atomic so concurrent invocations never race, and
// out of range accesses behave like robust buffer access: loads return 0 and
// stores are dropped.
type Invocation struct {
	GlobalID      [3]uint32
	LocalID       uint32
	WorkgroupID   [3]uint32
	NumWorkgroups [3]uint32

	constants []uint32
	slots     [][]uint32
}

// Constant returns the i-th specialization constant, in Kernel.Constants order.
func (inv *Invocation) Constant(i int) uint32 {
	if i < 0 || i >= len(inv.constants) {
		return 0
	}
	return inv.constants[i]
}

func (inv *Invocation) words(slot uint32) []uint32 {
	if int(slot) >= len(inv.slots) {
		return nil
	}
	return inv.slots[slot]
}

// Len returns the number of words bound at slot.
func (inv *Invocation) Len(slot uint32) uint32 {
	return uint32(len(inv.words(slot)))
}

func (inv *Invocation) Load(slot, idx uint32) uint32 {
	w := inv.words(slot)
	if idx >= uint32(len(w)) {
		return 0
	}
	return atomic.LoadUint32(&w[idx])
}

func (inv *Invocation) Store(slot, idx, v uint32) {
	w := inv.words(slot)
	if idx >= uint32(len(w)) {
		return
	}
	atomic.StoreUint32(&w[idx], v)
}

// AtomicAdd adds delta and returns the previous value.
func (inv *Invocation) AtomicAdd(slot, idx, delta uint32) uint32 {
	w := inv.words(slot)
	if idx >= uint32(len(w)) {
		return 0
	}
	return atomic.AddUint32(&w[idx], delta) - delta
}
