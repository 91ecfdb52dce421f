package page

import (
	"errors"
	"unsafe"
)

// ErrExhausted is returned by FakeProvider once MaxPages have been issued
// without a matching FreePage, letting tests exercise the allocator's
// provider-failure paths deterministically (the policies return the
// provider's *ErrProvider as-is).
var ErrExhausted = errors.New("fake provider: page budget exhausted")

// FakeProvider is a pure-Go, deterministic Provider: each page is a
// make([]byte, size) slab kept alive ("pinned") in a map keyed by its ID so
// Go's garbage collector never reclaims memory still addressed only via
// unsafe.Pointer. It is the default Provider for tests and cmd/kmatrace.
type FakeProvider struct {
	size     uint32
	maxPages int // 0 means unbounded
	nextID   uint64
	live     map[uint64][]byte
}

// NewFakeProvider builds a FakeProvider issuing pageSize-byte pages. A
// maxPages of 0 means no limit.
func NewFakeProvider(pageSize uint32, maxPages int) *FakeProvider {
	return &FakeProvider{
		size:     pageSize,
		maxPages: maxPages,
		live:     make(map[uint64][]byte),
	}
}

func (f *FakeProvider) PageSize() uint32 { return f.size }

// GetPage hands out a fresh zero-filled slab, stamps the page-handle word,
// and pins the backing slice until the matching FreePage.
func (f *FakeProvider) GetPage() (*Page, error) {
	if f.maxPages > 0 && len(f.live) >= f.maxPages {
		return nil, &ErrProvider{Op: "GetPage", Err: ErrExhausted}
	}

	id := f.nextID
	f.nextID++

	buf := make([]byte, f.size)
	base := unsafe.Pointer(&buf[0])
	WriteID(base, id)

	f.live[id] = buf
	return &Page{Base: base, Size: f.size, ID: id}, nil
}

// FreePage releases the pin on p's backing slice.
func (f *FakeProvider) FreePage(p *Page) error {
	if _, ok := f.live[p.ID]; !ok {
		return &ErrProvider{Op: "FreePage", Err: errors.New("page not owned by this provider")}
	}
	delete(f.live, p.ID)
	return nil
}

// Live reports how many pages are currently issued and not yet freed.
func (f *FakeProvider) Live() int { return len(f.live) }
