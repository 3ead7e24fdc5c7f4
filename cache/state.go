package cache

import (
	"sync"
	"sync/atomic"

	"github.com/IvanBrykalov/blockcache/internal/util"
)

// State is the list a block header currently belongs to.
type State uint8

const (
	// Anonymous headers are being fetched and belong to no list.
	Anonymous State = iota
	MRU
	MRUGhost
	MFU
	MFUGhost
	// L2Only headers have their only copy on the secondary tier.
	L2Only
	// Uncacheable headers live only while referenced and are never sized.
	Uncacheable

	// NumStates is the number of states, for arrays indexed by State.
	NumStates
)

func (s State) String() string {
	switch s {
	case Anonymous:
		return "anonymous"
	case MRU:
		return "mru"
	case MRUGhost:
		return "mru_ghost"
	case MFU:
		return "mfu"
	case MFUGhost:
		return "mfu_ghost"
	case L2Only:
		return "l2_only"
	case Uncacheable:
		return "uncacheable"
	default:
		return "unknown"
	}
}

func (s State) live() bool  { return s == MRU || s == MFU }
func (s State) ghost() bool { return s == MRUGhost || s == MFUGhost }

// ghostOf returns the ghost list a live state demotes into.
func (s State) ghostOf() State {
	if s == MFU {
		return MFUGhost
	}
	return MRUGhost
}

// stateList is an intrusive list of arena slots, head = oldest. Links are
// guarded by mu; size, meta and count are atomics so readers never lock.
// meta is the part of size held by metadata buffers.
type stateList struct {
	mu         sync.Mutex
	head, tail uint32
	count      atomic.Int64
	size       atomic.Int64
	meta       atomic.Int64
	_          util.CacheLinePad
}

// pushBack appends slot at the tail. Caller holds l.mu.
func (l *stateList) pushBack(a *arena, slot uint32) {
	h := a.at(slot)
	h.prev, h.next = l.tail, 0
	if l.tail != 0 {
		a.at(l.tail).next = slot
	} else {
		l.head = slot
	}
	l.tail = slot
}

// remove unlinks slot. Caller holds l.mu.
func (l *stateList) remove(a *arena, slot uint32) {
	h := a.at(slot)
	if h.prev != 0 {
		a.at(h.prev).next = h.next
	} else {
		l.head = h.next
	}
	if h.next != 0 {
		a.at(h.next).prev = h.prev
	} else {
		l.tail = h.prev
	}
	h.prev, h.next = 0, 0
}
