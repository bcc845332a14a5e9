package ovsnet

import (
	"fmt"
	"sort"
	"sync"
)

// VLANAllocator is a monotonic counter above base with a free list for
// tags released by link deletion. One allocator instance is shared by
// every lab on the host: the high-water mark and free list are global,
// so two labs never receive the same tag, and a per-lab set records
// which tags each lab currently holds.
type VLANAllocator struct {
	mu        sync.Mutex
	base      int
	max       int
	nextTag   int                     // global high-water mark across all labs
	free      []int                   // globally free tags
	byLab     map[string]map[int]bool // lab_id -> set of tags currently held
	isolation map[int]bool            // tags currently reserved in the isolation pool
}

// NewVLANAllocator constructs an allocator over [base, max].
func NewVLANAllocator(base, max int) *VLANAllocator {
	return &VLANAllocator{
		base:    base,
		max:     max,
		nextTag: base,
		byLab:   make(map[string]map[int]bool),
	}
}

// Alloc returns a fresh tag for labID, preferring the free list (LIFO,
// cheapest to pop) before advancing the high-water mark.
func (a *VLANAllocator) Alloc(labID string) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.allocLocked(labID)
}

func (a *VLANAllocator) allocLocked(labID string) (int, error) {
	var tag int
	if n := len(a.free); n > 0 {
		tag = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		if a.nextTag > a.max {
			return 0, fmt.Errorf("ovsnet: VLAN space exhausted (base=%d max=%d)", a.base, a.max)
		}
		tag = a.nextTag
		a.nextTag++
	}
	a.markHeld(labID, tag)
	return tag, nil
}

func (a *VLANAllocator) markHeld(labID string, tag int) {
	held, ok := a.byLab[labID]
	if !ok {
		held = make(map[int]bool)
		a.byLab[labID] = held
	}
	held[tag] = true
}

// Free returns tag to the pool. The caller is responsible for
// confirming no port still holds it before calling Free.
func (a *VLANAllocator) Free(labID string, tag int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if held, ok := a.byLab[labID]; ok {
		delete(held, tag)
		if len(held) == 0 {
			delete(a.byLab, labID)
		}
	}
	a.free = append(a.free, tag)
}

// AllocIsolation returns a tag guaranteed pairwise-distinct from every
// other currently-allocated tag in the lab (including other isolation
// tags), for stranding a single endpoint.
func (a *VLANAllocator) AllocIsolation(labID string) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	tag, err := a.allocLocked(labID)
	if err != nil {
		return 0, err
	}
	if a.isolation == nil {
		a.isolation = make(map[int]bool)
	}
	a.isolation[tag] = true
	return tag, nil
}

// PurgeLab releases every tag held by labID back to the free pool, used
// by destroy to guarantee no VLAN allocation still references the lab.
func (a *VLANAllocator) PurgeLab(labID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	held := a.byLab[labID]
	for tag := range held {
		a.free = append(a.free, tag)
		delete(a.isolation, tag)
	}
	delete(a.byLab, labID)
}

// Reserve marks tag as already in use by labID without consuming it from
// the free list, used during startup recovery when scanning the live
// bridge.
func (a *VLANAllocator) Reserve(labID string, tag int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.markHeld(labID, tag)
	if tag >= a.nextTag {
		a.nextTag = tag + 1
	}
}

// HeldTags returns the sorted tags currently allocated to labID.
func (a *VLANAllocator) HeldTags(labID string) []int {
	a.mu.Lock()
	defer a.mu.Unlock()
	held := a.byLab[labID]
	out := make([]int, 0, len(held))
	for t := range held {
		out = append(out, t)
	}
	sort.Ints(out)
	return out
}

// VNIAllocator is a per-agent allocator over the VXLAN VNI range; VNIs
// are globally unique within the agent.
type VNIAllocator struct {
	mu    sync.Mutex
	base  int
	max   int
	next  int
	free  []int
	inUse map[int]string // vni -> link_id
}

// NewVNIAllocator constructs a VNI allocator over [base, max].
func NewVNIAllocator(base, max int) *VNIAllocator {
	return &VNIAllocator{base: base, max: max, next: base, inUse: make(map[int]string)}
}

// Alloc returns a fresh VNI for linkID.
func (a *VNIAllocator) Alloc(linkID string) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var vni int
	if n := len(a.free); n > 0 {
		vni = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		if a.next > a.max {
			return 0, fmt.Errorf("ovsnet: VNI space exhausted (base=%d max=%d)", a.base, a.max)
		}
		vni = a.next
		a.next++
	}
	a.inUse[vni] = linkID
	return vni, nil
}

// Free releases vni back to the pool.
func (a *VNIAllocator) Free(vni int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.inUse, vni)
	a.free = append(a.free, vni)
}

// Reserve marks vni as already in use, for startup recovery.
func (a *VNIAllocator) Reserve(vni int, linkID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.inUse[vni] = linkID
	if vni >= a.next {
		a.next = vni + 1
	}
}
