package kma_test

import (
	"testing"
	"unsafe"

	"github.com/farlue/kma/kma"
	"github.com/farlue/kma/page"
)

var allPolicies = []kma.Policy{kma.RM, kma.P2FL, kma.MCK2, kma.BUD, kma.LZBUD}

func newAllocator(t *testing.T, policy kma.Policy) (kma.Allocator, *page.RecordingProvider) {
	t.Helper()
	rec := page.NewRecordingProvider(page.NewFakeProvider(8192, 0))
	a, err := kma.New(kma.Options{Policy: policy}, rec)
	if err != nil {
		t.Fatalf("kma.New(%s) error = %v", policy, err)
	}
	return a, rec
}

// Scenario 1: two small allocations, both freed, ends with zero pages held.
func TestScenarioTwoSmallAllocationsThenFree(t *testing.T) {
	for _, policy := range allPolicies {
		t.Run(policy.String(), func(t *testing.T) {
			a, rec := newAllocator(t, policy)

			p, err := a.Alloc(100)
			if err != nil {
				t.Fatalf("Alloc(100) error = %v", err)
			}
			q, err := a.Alloc(100)
			if err != nil {
				t.Fatalf("Alloc(100) error = %v", err)
			}
			if p == q {
				t.Fatal("two live allocations returned the same pointer")
			}

			if err := a.Free(p, 100); err != nil {
				t.Fatalf("Free(p) error = %v", err)
			}
			if err := a.Free(q, 100); err != nil {
				t.Fatalf("Free(q) error = %v", err)
			}
			if rec.Live() != 0 {
				t.Fatalf("Live() = %d, want 0", rec.Live())
			}
		})
	}
}

// Scenario 2: 200 allocations of one MINBUF-sized buffer each, all freed.
// Every policy must return to zero pages held; BUD/LZBUD additionally
// must never have needed more than 2 pages at once.
func TestScenarioManySmallAllocationsThenFreeAll(t *testing.T) {
	for _, policy := range allPolicies {
		t.Run(policy.String(), func(t *testing.T) {
			a, rec := newAllocator(t, policy)

			const n = 200
			ptrs := make([]unsafe.Pointer, n)
			peak := 0
			for i := 0; i < n; i++ {
				p, err := a.Alloc(32)
				if err != nil {
					t.Fatalf("Alloc(32) #%d error = %v", i, err)
				}
				ptrs[i] = p
				if rec.Live() > peak {
					peak = rec.Live()
				}
			}

			if (policy == kma.BUD || policy == kma.LZBUD) && peak > 2 {
				t.Fatalf("peak pages held = %d, want <= 2 for %s", peak, policy)
			}

			for i := 0; i < n; i++ {
				if err := a.Free(ptrs[i], 32); err != nil {
					t.Fatalf("Free #%d error = %v", i, err)
				}
			}
			if rec.Live() != 0 {
				t.Fatalf("Live() = %d, want 0 after freeing every allocation", rec.Live())
			}
		})
	}
}

// Scenario 3: two 5000-byte allocations, each on a page of its own: a
// dedicated page under the large-allocation bypass of P2FL, MCK2, BUD and
// LZBUD, and under RM because two such runs never fit in one page.
func TestScenarioLargeAllocationsUseDedicatedPages(t *testing.T) {
	for _, policy := range allPolicies {
		t.Run(policy.String(), func(t *testing.T) {
			a, rec := newAllocator(t, policy)

			p, err := a.Alloc(5000)
			if err != nil {
				t.Fatalf("Alloc(5000) error = %v", err)
			}
			q, err := a.Alloc(5000)
			if err != nil {
				t.Fatalf("Alloc(5000) error = %v", err)
			}
			if rec.Live() != 2 {
				t.Fatalf("Live() = %d, want 2", rec.Live())
			}

			if err := a.Free(p, 5000); err != nil {
				t.Fatalf("Free(p) error = %v", err)
			}
			if err := a.Free(q, 5000); err != nil {
				t.Fatalf("Free(q) error = %v", err)
			}
			if rec.Live() != 0 {
				t.Fatalf("Live() = %d, want 0", rec.Live())
			}
		})
	}
}

// Scenario 6: three same-size allocations freed out of order under RM
// must leave one coalesced run spanning the whole page, and must release
// that page once it too is freed.
func TestScenarioRMOutOfOrderFreeCoalescesFully(t *testing.T) {
	a, rec := newAllocator(t, kma.RM)

	p, err := a.Alloc(300)
	if err != nil {
		t.Fatalf("Alloc(p) error = %v", err)
	}
	q, err := a.Alloc(300)
	if err != nil {
		t.Fatalf("Alloc(q) error = %v", err)
	}
	r, err := a.Alloc(300)
	if err != nil {
		t.Fatalf("Alloc(r) error = %v", err)
	}

	if err := a.Free(q, 300); err != nil {
		t.Fatalf("Free(q) error = %v", err)
	}
	if err := a.Free(p, 300); err != nil {
		t.Fatalf("Free(p) error = %v", err)
	}
	if rec.Live() != 1 {
		t.Fatalf("Live() = %d, want 1 before the final free", rec.Live())
	}
	if err := a.Free(r, 300); err != nil {
		t.Fatalf("Free(r) error = %v", err)
	}
	if rec.Live() != 0 {
		t.Fatalf("Live() = %d, want 0 once every run has coalesced back to the full page", rec.Live())
	}
}

// Scenario 4: freeing two class-64 buffers under BUD coalesces the page's
// split fragments back up, and the emptied page is then released.
func TestScenarioBUDCoalescesAdjacentBuffers(t *testing.T) {
	a, rec := newAllocator(t, kma.BUD)

	p, err := a.Alloc(64)
	if err != nil {
		t.Fatalf("Alloc(p) error = %v", err)
	}
	q, err := a.Alloc(64)
	if err != nil {
		t.Fatalf("Alloc(q) error = %v", err)
	}

	if err := a.Free(p, 64); err != nil {
		t.Fatalf("Free(p) error = %v", err)
	}
	if err := a.Free(q, 64); err != nil {
		t.Fatalf("Free(q) error = %v", err)
	}
	if rec.Live() != 0 {
		t.Fatalf("Live() = %d, want 0 once the page empties back out", rec.Live())
	}
}

// Scenario 5: alternating alloc/free of the same size in LZBUD never holds
// more than one page: each free empties the only page, which is released,
// and the next alloc acquires a fresh one.
func TestScenarioLZBUDAlternatingHoldsAtMostOnePage(t *testing.T) {
	a, rec := newAllocator(t, kma.LZBUD)

	for i := 0; i < 10000; i++ {
		p, err := a.Alloc(40)
		if err != nil {
			t.Fatalf("iteration %d: Alloc(40) error = %v", i, err)
		}
		if err := a.Free(p, 40); err != nil {
			t.Fatalf("iteration %d: Free error = %v", i, err)
		}
		if rec.Live() > 1 {
			t.Fatalf("iteration %d: Live() = %d, want <= 1", i, rec.Live())
		}
	}
}

// Universal invariant 1: every returned pointer is word-aligned and its
// page-masked base is one the allocator currently holds.
func TestInvariantPointerAlignedAndPageRecoverable(t *testing.T) {
	const wordSize = unsafe.Sizeof(uintptr(0))
	for _, policy := range allPolicies {
		t.Run(policy.String(), func(t *testing.T) {
			a, rec := newAllocator(t, policy)

			p, err := a.Alloc(48)
			if err != nil {
				t.Fatalf("Alloc error = %v", err)
			}
			if uintptr(p)%wordSize != 0 {
				t.Fatalf("pointer %p is not word-aligned", p)
			}
			if rec.Live() == 0 {
				t.Fatal("allocator returned a pointer while holding zero pages")
			}
			if err := a.Free(p, 48); err != nil {
				t.Fatalf("Free error = %v", err)
			}
		})
	}
}

// Universal invariant 2: two concurrently outstanding allocations never
// overlap.
func TestInvariantDisjointLiveAllocations(t *testing.T) {
	for _, policy := range allPolicies {
		t.Run(policy.String(), func(t *testing.T) {
			a, _ := newAllocator(t, policy)

			sizes := []uint32{16, 48, 96, 200, 513}
			ptrs := make([]unsafe.Pointer, len(sizes))
			for i, s := range sizes {
				p, err := a.Alloc(s)
				if err != nil {
					t.Fatalf("Alloc(%d) error = %v", s, err)
				}
				ptrs[i] = p
			}

			for i := range ptrs {
				for j := range ptrs {
					if i != j && ptrs[i] == ptrs[j] {
						t.Fatalf("allocations %d and %d returned the same pointer", i, j)
					}
				}
			}

			for i, s := range sizes {
				if err := a.Free(ptrs[i], s); err != nil {
					t.Fatalf("Free(#%d) error = %v", i, err)
				}
			}
		})
	}
}

// Universal invariant 4: once global outstanding returns to zero, no
// pages remain held.
func TestInvariantZeroOutstandingReleasesAllPages(t *testing.T) {
	for _, policy := range allPolicies {
		t.Run(policy.String(), func(t *testing.T) {
			a, rec := newAllocator(t, policy)

			ptrs := make([]unsafe.Pointer, 0, 32)
			for i := 0; i < 32; i++ {
				p, err := a.Alloc(64)
				if err != nil {
					t.Fatalf("Alloc #%d error = %v", i, err)
				}
				ptrs = append(ptrs, p)
			}
			for _, p := range ptrs {
				if err := a.Free(p, 64); err != nil {
					t.Fatalf("Free error = %v", err)
				}
			}

			if rec.Live() != 0 {
				t.Fatalf("Live() = %d, want 0", rec.Live())
			}
		})
	}
}

// Universal invariant 5: an alloc/free round trip on one buffer, while a
// sibling buffer keeps the page alive, leaves the allocator able to
// satisfy the identical request again without acquiring another page.
func TestInvariantAllocFreeRoundTripIsIdempotent(t *testing.T) {
	for _, policy := range allPolicies {
		t.Run(policy.String(), func(t *testing.T) {
			a, rec := newAllocator(t, policy)

			keepAlive, err := a.Alloc(72)
			if err != nil {
				t.Fatalf("Alloc(keepAlive) error = %v", err)
			}

			p, err := a.Alloc(72)
			if err != nil {
				t.Fatalf("Alloc error = %v", err)
			}
			if err := a.Free(p, 72); err != nil {
				t.Fatalf("Free error = %v", err)
			}
			before := rec.Live()

			q, err := a.Alloc(72)
			if err != nil {
				t.Fatalf("second Alloc error = %v", err)
			}
			if rec.Live() != before {
				t.Fatalf("Live() = %d after round-trip re-alloc, want %d (no new page)", rec.Live(), before)
			}

			if err := a.Free(q, 72); err != nil {
				t.Fatalf("Free error = %v", err)
			}
			if err := a.Free(keepAlive, 72); err != nil {
				t.Fatalf("Free(keepAlive) error = %v", err)
			}
		})
	}
}

func TestAllocOversizeRequestAcrossPolicies(t *testing.T) {
	for _, policy := range allPolicies {
		t.Run(policy.String(), func(t *testing.T) {
			a, _ := newAllocator(t, policy)
			if _, err := a.Alloc(1 << 20); err == nil {
				t.Fatal("Alloc(huge): expected ErrOversizeRequest, got nil")
			}
		})
	}
}
