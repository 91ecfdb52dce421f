package page

import (
	"testing"
	"unsafe"
)

func TestFakeProviderGetPageStampsID(t *testing.T) {
	p := NewFakeProvider(DefaultSize, 0)

	pg1, err := p.GetPage()
	if err != nil {
		t.Fatalf("GetPage() error = %v", err)
	}
	if pg1.ID != 0 {
		t.Fatalf("first page ID = %d, want 0", pg1.ID)
	}
	if got := ReadID(pg1.Base); got != pg1.ID {
		t.Fatalf("ReadID() = %d, want %d", got, pg1.ID)
	}

	pg2, err := p.GetPage()
	if err != nil {
		t.Fatalf("GetPage() error = %v", err)
	}
	if pg2.ID != 1 {
		t.Fatalf("second page ID = %d, want 1", pg2.ID)
	}

	if p.Live() != 2 {
		t.Fatalf("Live() = %d, want 2", p.Live())
	}
}

func TestFakeProviderFreePage(t *testing.T) {
	p := NewFakeProvider(DefaultSize, 0)
	pg, _ := p.GetPage()

	if err := p.FreePage(pg); err != nil {
		t.Fatalf("FreePage() error = %v", err)
	}
	if p.Live() != 0 {
		t.Fatalf("Live() = %d, want 0", p.Live())
	}

	if err := p.FreePage(pg); err == nil {
		t.Fatal("FreePage() on an already-freed page: expected error, got nil")
	}
}

func TestFakeProviderExhaustion(t *testing.T) {
	p := NewFakeProvider(DefaultSize, 1)

	if _, err := p.GetPage(); err != nil {
		t.Fatalf("GetPage() error = %v", err)
	}
	if _, err := p.GetPage(); err == nil {
		t.Fatal("GetPage() past maxPages: expected error, got nil")
	}
}

func TestBaseOfRecoversPageBase(t *testing.T) {
	p := NewFakeProvider(DefaultSize, 0)
	pg, _ := p.GetPage()

	interior := unsafe.Pointer(uintptr(pg.Base) + 123)
	if got := BaseOf(interior, pg.Size); got != pg.Base {
		t.Fatalf("BaseOf() = %p, want %p", got, pg.Base)
	}
}
