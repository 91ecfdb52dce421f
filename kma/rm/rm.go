// Package rm implements the Resource Map allocation policy: a single
// doubly-linked, address-ordered list of free runs threading through the
// pages it owns, first-fit allocation, and address-adjacency coalescing
// on free. Ported from kma_rm.c's bufhead/giveback/merge/fpage pipeline.
package rm

import (
	"log"
	"unsafe"

	"github.com/farlue/kma/internal/kmaerr"
	"github.com/farlue/kma/internal/layout"
	"github.com/farlue/kma/page"
)

// runHeader is the in-band header kma_rm.c calls bufhead: every run, free
// or allocated, begins with one. base is redundant with the header's own
// address plus headerSize but is kept as a field to mirror the reference
// layout exactly; prev/next thread the address-ordered free list.
type runHeader struct {
	size uint32
	base unsafe.Pointer
	prev *runHeader
	next *runHeader
}

var headerSize = layout.SizeOf[runHeader]()

// Allocator is the Resource Map policy engine.
type Allocator struct {
	provider  page.Provider
	logger    *log.Logger
	pageSize  uint32
	head      *runHeader
	hasAnchor bool
	anchorID  uint64
	liveCount int
}

// New builds an Allocator backed by p, logging the two failure
// conditions (ErrOversizeRequest, ErrInitialization) to logger. A nil
// logger discards them.
func New(p page.Provider, logger *log.Logger) *Allocator {
	return &Allocator{provider: p, logger: logger, pageSize: p.PageSize()}
}

func (a *Allocator) logf(format string, args ...interface{}) {
	if a.logger != nil {
		a.logger.Printf(format, args...)
	}
}

func (a *Allocator) maxPayload() uint32 {
	return a.pageSize - uint32(page.HeaderOffset()) - uint32(headerSize)
}

// Alloc implements first-fit over the address-ordered free list, acquiring
// a new page on a total miss.
func (a *Allocator) Alloc(size uint32) (unsafe.Pointer, error) {
	if size > a.maxPayload() {
		a.logf("rm: alloc(%d) exceeds page capacity %d", size, a.maxPayload())
		return nil, kmaerr.ErrOversizeRequest
	}
	// Run sizes are kept to whole words so every run header, and every
	// pointer handed back, stays word-aligned.
	size = uint32(layout.AlignUp(uintptr(size), unsafe.Sizeof(uintptr(0))))

	for {
		if run := a.firstFit(size); run != nil {
			return a.carve(run, size), nil
		}
		if err := a.acquirePage(); err != nil {
			return nil, err
		}
	}
}

func (a *Allocator) firstFit(size uint32) *runHeader {
	for cur := a.head; cur != nil; cur = cur.next {
		if cur.size >= size {
			return cur
		}
	}
	return nil
}

// carve removes size bytes from run, splitting off the remainder as a new
// run occupying run's old list position when the leftover can hold
// another header plus at least one byte.
func (a *Allocator) carve(run *runHeader, size uint32) unsafe.Pointer {
	if run.size > size+uint32(headerSize) {
		tail := (*runHeader)(layout.Add(run.base, uintptr(size)))
		tail.size = run.size - size - uint32(headerSize)
		tail.base = layout.Add(unsafe.Pointer(tail), headerSize)
		tail.prev, tail.next = run.prev, run.next
		if run.prev != nil {
			run.prev.next = tail
		} else {
			a.head = tail
		}
		if run.next != nil {
			run.next.prev = tail
		}
		run.size = size
		return run.base
	}
	a.unlink(run)
	return run.base
}

// Free returns a buffer to the free list, coalesces it with any
// byte-adjacent neighbor in the same page, and reclaims whole-empty pages
// from the list tail inward.
func (a *Allocator) Free(ptr unsafe.Pointer, size uint32) error {
	hdr := (*runHeader)(layout.Sub(ptr, headerSize))
	a.giveback(hdr)
	a.merge(hdr)
	return a.reclaimTail()
}

func (a *Allocator) giveback(hdr *runHeader) {
	addr := addrOf(hdr)
	if a.head == nil || addr < addrOf(a.head) {
		hdr.next = a.head
		hdr.prev = nil
		if a.head != nil {
			a.head.prev = hdr
		}
		a.head = hdr
		return
	}
	cur := a.head
	for cur.next != nil && addrOf(cur.next) < addr {
		cur = cur.next
	}
	hdr.next = cur.next
	hdr.prev = cur
	if cur.next != nil {
		cur.next.prev = hdr
	}
	cur.next = hdr
}

// merge absorbs a byte-adjacent successor and/or predecessor within the
// same page. Cross-page adjacency never coalesces.
func (a *Allocator) merge(hdr *runHeader) {
	if hdr.next != nil && a.samePage(hdr, hdr.next) &&
		addrOf(hdr)+headerSize+uintptr(hdr.size) == addrOf(hdr.next) {
		hdr.size += uint32(headerSize) + hdr.next.size
		a.unlink(hdr.next)
	}
	if hdr.prev != nil && a.samePage(hdr.prev, hdr) &&
		addrOf(hdr.prev)+headerSize+uintptr(hdr.prev.size) == addrOf(hdr) {
		hdr.prev.size += uint32(headerSize) + hdr.size
		a.unlink(hdr)
	}
}

func (a *Allocator) samePage(x, y *runHeader) bool {
	return page.BaseOf(unsafe.Pointer(x), a.pageSize) == page.BaseOf(unsafe.Pointer(y), a.pageSize)
}

func (a *Allocator) unlink(hdr *runHeader) {
	if hdr.prev != nil {
		hdr.prev.next = hdr.next
	} else {
		a.head = hdr.next
	}
	if hdr.next != nil {
		hdr.next.prev = hdr.prev
	}
	hdr.prev, hdr.next = nil, nil
}

// reclaimTail walks the free list from its tail, releasing pages whose
// sole run covers the whole post-header area, continuing inward as long
// as the new tail also qualifies. Interior empty pages are left alone
// until coalescing promotes them to the tail.
func (a *Allocator) reclaimTail() error {
	maxPayload := a.maxPayload()
	for {
		tail := a.head
		if tail == nil {
			return nil
		}
		for tail.next != nil {
			tail = tail.next
		}
		if tail.size != maxPayload {
			return nil
		}

		base := page.BaseOf(unsafe.Pointer(tail), a.pageSize)
		id := page.ReadID(base)
		a.unlink(tail)
		if err := a.provider.FreePage(&page.Page{Base: base, Size: a.pageSize, ID: id}); err != nil {
			return err
		}
		a.liveCount--
		if a.hasAnchor && id == a.anchorID {
			a.hasAnchor = false
		}
	}
}

func (a *Allocator) acquirePage() error {
	pg, err := a.provider.GetPage()
	if err != nil {
		return err
	}
	if pg.Size <= uint32(page.HeaderOffset())+uint32(headerSize) {
		a.provider.FreePage(pg)
		a.logf("rm: page size %d too small for minimum header", pg.Size)
		return kmaerr.ErrInitialization
	}

	a.liveCount++
	if !a.hasAnchor {
		a.hasAnchor = true
		a.anchorID = pg.ID
	}

	hdr := layout.At[runHeader](pg.Base, page.HeaderOffset())
	hdr.size = pg.Size - uint32(page.HeaderOffset()) - uint32(headerSize)
	hdr.base = layout.Add(unsafe.Pointer(hdr), headerSize)
	hdr.prev, hdr.next = nil, nil
	a.giveback(hdr)
	return nil
}

func addrOf(h *runHeader) uintptr { return uintptr(unsafe.Pointer(h)) }
