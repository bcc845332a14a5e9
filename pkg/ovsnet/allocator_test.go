package ovsnet

import "testing"

func TestVLANAllocatorMonotonicAboveBase(t *testing.T) {
	a := NewVLANAllocator(100, 4094)

	tag1, err := a.Alloc("lab-1")
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if tag1 != 100 {
		t.Fatalf("expected first allocated tag to equal base 100, got %d", tag1)
	}

	tag2, err := a.Alloc("lab-1")
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if tag2 != 101 {
		t.Fatalf("expected second tag to be 101, got %d", tag2)
	}
}

func TestVLANAllocatorFreeListReuse(t *testing.T) {
	a := NewVLANAllocator(100, 4094)
	tag, _ := a.Alloc("lab-1")
	a.Free("lab-1", tag)

	reused, err := a.Alloc("lab-1")
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if reused != tag {
		t.Fatalf("expected freed tag %d to be reused, got %d", tag, reused)
	}
}

func TestVLANAllocatorDistinctLabsDoNotCollide(t *testing.T) {
	a := NewVLANAllocator(100, 4094)
	t1, _ := a.Alloc("lab-1")
	t2, _ := a.Alloc("lab-2")
	if t1 == t2 {
		t.Fatalf("expected distinct tags across labs sharing the global VLAN space, got %d and %d", t1, t2)
	}
}

func TestVLANAllocatorExhaustion(t *testing.T) {
	a := NewVLANAllocator(100, 101)
	if _, err := a.Alloc("lab-1"); err != nil {
		t.Fatalf("Alloc 1: %v", err)
	}
	if _, err := a.Alloc("lab-1"); err != nil {
		t.Fatalf("Alloc 2: %v", err)
	}
	if _, err := a.Alloc("lab-1"); err == nil {
		t.Fatalf("expected VLAN space exhaustion error")
	}
}

func TestVLANAllocatorAllocIsolationDistinctFromExisting(t *testing.T) {
	a := NewVLANAllocator(100, 4094)
	held, _ := a.Alloc("lab-1")
	iso, err := a.AllocIsolation("lab-1")
	if err != nil {
		t.Fatalf("AllocIsolation: %v", err)
	}
	if iso == held {
		t.Fatalf("expected isolation tag to be pairwise distinct from already-held tag %d, got %d", held, iso)
	}
}

func TestVLANAllocatorPurgeLabReturnsAllTagsToFreePool(t *testing.T) {
	a := NewVLANAllocator(100, 4094)
	a.Alloc("lab-1")
	a.Alloc("lab-1")
	a.Alloc("lab-2")

	a.PurgeLab("lab-1")

	if held := a.HeldTags("lab-1"); len(held) != 0 {
		t.Fatalf("expected lab-1 to hold no tags after purge, got %v", held)
	}
	if held := a.HeldTags("lab-2"); len(held) != 1 {
		t.Fatalf("expected lab-2's allocation to be untouched, got %v", held)
	}

	// The two purged tags should be available for reuse.
	reused1, err := a.Alloc("lab-3")
	if err != nil {
		t.Fatalf("Alloc after purge: %v", err)
	}
	reused2, err := a.Alloc("lab-3")
	if err != nil {
		t.Fatalf("Alloc after purge: %v", err)
	}
	if reused1 == reused2 {
		t.Fatalf("expected two distinct reused tags")
	}
}

func TestVLANAllocatorReserveAdvancesHighWaterMark(t *testing.T) {
	a := NewVLANAllocator(100, 4094)
	a.Reserve("lab-1", 150)

	next, err := a.Alloc("lab-1")
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if next <= 150 {
		t.Fatalf("expected allocation after Reserve(150) to exceed 150, got %d", next)
	}
}

func TestVLANAllocatorHeldTagsSorted(t *testing.T) {
	a := NewVLANAllocator(100, 4094)
	a.Reserve("lab-1", 300)
	a.Reserve("lab-1", 100)
	a.Reserve("lab-1", 200)

	held := a.HeldTags("lab-1")
	want := []int{100, 200, 300}
	if len(held) != len(want) {
		t.Fatalf("expected %d held tags, got %v", len(want), held)
	}
	for i := range want {
		if held[i] != want[i] {
			t.Fatalf("expected sorted tags %v, got %v", want, held)
		}
	}
}

func TestVNIAllocatorGloballyUnique(t *testing.T) {
	a := NewVNIAllocator(100000, 16777215)
	v1, err := a.Alloc("link-1")
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	v2, err := a.Alloc("link-2")
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if v1 == v2 {
		t.Fatalf("expected distinct VNIs, got %d and %d", v1, v2)
	}
}

func TestVNIAllocatorFreeAndReuse(t *testing.T) {
	a := NewVNIAllocator(100000, 16777215)
	vni, _ := a.Alloc("link-1")
	a.Free(vni)

	reused, err := a.Alloc("link-2")
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if reused != vni {
		t.Fatalf("expected freed VNI %d to be reused, got %d", vni, reused)
	}
}

func TestVNIAllocatorExhaustion(t *testing.T) {
	a := NewVNIAllocator(100, 101)
	a.Alloc("link-1")
	a.Alloc("link-2")
	if _, err := a.Alloc("link-3"); err == nil {
		t.Fatalf("expected VNI space exhaustion error")
	}
}

func TestVNIAllocatorReserve(t *testing.T) {
	a := NewVNIAllocator(100, 1000)
	a.Reserve(500, "link-legacy")
	next, err := a.Alloc("link-new")
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if next <= 500 {
		t.Fatalf("expected allocation after Reserve(500) to exceed 500, got %d", next)
	}
}
