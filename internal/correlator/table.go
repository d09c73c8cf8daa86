package correlator

import (
	"github.com/tezedge/tezedge-debugger/internal/bpf"
)

// pending is the value stored per kernel pid.
type pending struct {
	key     uint32
	used    bool
	enterTS uint64
	ctx     bpf.EncodedContext
}

// table is a fixed-capacity open addressing hash map from kernel pid to
// pending context. All slots are allocated up front; lookups probe linearly
// and deletions shift followers back so no tombstones are needed.
type table struct {
	slots []pending
	mask  uint32
	count int
}

func newTable(capacity int) *table {
	n := 1
	for n < capacity {
		n <<= 1
	}
	return &table{
		slots: make([]pending, n),
		//nolint:gosec // capacity bounded by config validation
		mask: uint32(n - 1),
	}
}

func (t *table) home(key uint32) uint32 {
	return (key * 2654435761) & t.mask
}

// find returns the slot index holding key, or -1.
func (t *table) find(key uint32) int {
	i := t.home(key)
	for range t.slots {
		s := &t.slots[i]
		if !s.used {
			return -1
		}
		if s.key == key {
			return int(i)
		}
		i = (i + 1) & t.mask
	}
	return -1
}

// insert stores a new entry. The caller must have checked that key is absent.
// It reports false when every slot is taken.
func (t *table) insert(key uint32, ctx *bpf.SyscallContext, ts uint64) bool {
	if t.count == len(t.slots) {
		return false
	}
	i := t.home(key)
	for t.slots[i].used {
		i = (i + 1) & t.mask
	}
	s := &t.slots[i]
	s.key = key
	s.used = true
	s.enterTS = ts
	ctx.Encode(&s.ctx)
	t.count++
	return true
}

// remove frees slot i and moves displaced entries back toward their home.
func (t *table) remove(i int) {
	//nolint:gosec // i is a valid slot index
	hole := uint32(i)
	j := hole
	// a full table has no empty slot to stop at, so walk at most one lap
	for range len(t.slots) - 1 {
		j = (j + 1) & t.mask
		if !t.slots[j].used {
			break
		}
		h := t.home(t.slots[j].key)
		// distance from home to j vs. from home to hole, modulo table size
		if (j-h)&t.mask >= (j-hole)&t.mask {
			t.slots[hole] = t.slots[j]
			hole = j
		}
	}
	t.slots[hole] = pending{}
	t.count--
}

func (t *table) len() int {
	return t.count
}
