package rm

import (
	"testing"
	"unsafe"

	"github.com/farlue/kma/page"
)

func newTestAllocator(t *testing.T) (*Allocator, *page.RecordingProvider) {
	t.Helper()
	rec := page.NewRecordingProvider(page.NewFakeProvider(8192, 0))
	return New(rec, nil), rec
}

func TestAllocFreeReleasesAllPages(t *testing.T) {
	a, rec := newTestAllocator(t)

	p1, err := a.Alloc(100)
	if err != nil {
		t.Fatalf("Alloc(100) error = %v", err)
	}
	p2, err := a.Alloc(100)
	if err != nil {
		t.Fatalf("Alloc(100) error = %v", err)
	}

	if err := a.Free(p1, 100); err != nil {
		t.Fatalf("Free(p1) error = %v", err)
	}
	if err := a.Free(p2, 100); err != nil {
		t.Fatalf("Free(p2) error = %v", err)
	}

	if rec.Live() != 0 {
		t.Fatalf("Live() = %d, want 0 pages held after both frees", rec.Live())
	}
}

func TestFreeOrderLeavesSingleFullRun(t *testing.T) {
	a, rec := newTestAllocator(t)

	p, err := a.Alloc(300)
	if err != nil {
		t.Fatalf("Alloc error = %v", err)
	}
	q, err := a.Alloc(300)
	if err != nil {
		t.Fatalf("Alloc error = %v", err)
	}
	r, err := a.Alloc(300)
	if err != nil {
		t.Fatalf("Alloc error = %v", err)
	}

	if err := a.Free(q, 300); err != nil {
		t.Fatalf("Free(q) error = %v", err)
	}
	if err := a.Free(p, 300); err != nil {
		t.Fatalf("Free(p) error = %v", err)
	}
	if err := a.Free(r, 300); err != nil {
		t.Fatalf("Free(r) error = %v", err)
	}

	if rec.Live() != 0 {
		t.Fatalf("Live() = %d, want 0 after final free", rec.Live())
	}
}

func TestAllocDisjointRanges(t *testing.T) {
	a, _ := newTestAllocator(t)

	p, err := a.Alloc(100)
	if err != nil {
		t.Fatalf("Alloc error = %v", err)
	}
	q, err := a.Alloc(100)
	if err != nil {
		t.Fatalf("Alloc error = %v", err)
	}

	pStart, pEnd := uintptr(p), uintptr(p)+100
	qStart, qEnd := uintptr(q), uintptr(q)+100
	if pStart < qEnd && qStart < pEnd {
		t.Fatalf("overlapping allocations: [%d,%d) and [%d,%d)", pStart, pEnd, qStart, qEnd)
	}
}

func TestAllocOversizeRequest(t *testing.T) {
	a, _ := newTestAllocator(t)

	if _, err := a.Alloc(1 << 20); err == nil {
		t.Fatal("Alloc(huge): expected ErrOversizeRequest, got nil")
	}
}

func TestAllocPageBaseRecoverable(t *testing.T) {
	a, _ := newTestAllocator(t)

	p, err := a.Alloc(64)
	if err != nil {
		t.Fatalf("Alloc error = %v", err)
	}
	base := page.BaseOf(p, a.pageSize)
	if uintptr(base)&uintptr(a.pageSize-1) != 0 {
		t.Fatalf("page base %p is not page-size aligned", base)
	}
	_ = unsafe.Pointer(base)
}
