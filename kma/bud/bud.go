// Package bud implements the Binary Buddy policy: power-of-two size
// classes with recursive splitting on allocation and XOR-trick buddy
// coalescing on free, backed by a per-page bitmap recording each
// MINBUF-cell's first-buffer status. Ported from kma_bud.c, including its
// large-allocation bypass (confirmed against original_source, which the
// distilled spec omits from this policy's section but applies in the
// reference exactly as it does for P2FL/MCK2).
package bud

import (
	"log"
	"unsafe"

	"github.com/farlue/kma/internal/bitmap"
	"github.com/farlue/kma/internal/kmaerr"
	"github.com/farlue/kma/internal/layout"
	"github.com/farlue/kma/page"
	"github.com/farlue/kma/sizeclass"
)

// pageHeader is the fixed per-page record; the page's bitmap follows
// immediately after it in the page's header area.
type pageHeader struct {
	bytesUsed uint32
}

// bufHeader is kma_bud.c's bufHeader overlay: prev/next thread a free
// buffer onto its class's doubly-linked free list, size records the
// buffer's current class size so a buddy candidate's size can be checked
// without a table lookup.
type bufHeader struct {
	prev *bufHeader
	next *bufHeader
	size uint32
}

var pageHeaderStructSize = layout.SizeOf[pageHeader]()

// Allocator is the Binary Buddy policy engine.
type Allocator struct {
	provider page.Provider
	logger   *log.Logger
	pageSize uint32
	buddy    sizeclass.BuddyTable

	numCells       int
	headerAreaSize uint32 // page-base-relative offset where the arena begins

	freeList  []*bufHeader
	hasAnchor bool
	anchorID  uint64
	liveCount int

	// pendingAnchorBase holds a large-bypass anchor page's base once the
	// caller has freed it but other pages are still live, mirroring the
	// retention the bitmap path gets for free via releaseEmptyPage's own
	// isLastPage gate. Released the moment liveCount drops to 1.
	pendingAnchorBase unsafe.Pointer
}

// New builds an Allocator backed by p.
func New(p page.Provider, logger *log.Logger) *Allocator {
	pageSize := p.PageSize()
	buddy := sizeclass.NewBuddyTable(pageSize)
	numCells := int(pageSize / sizeclass.MinBufSize)
	bitmapBytes := bitmap.ByteLen(numCells)
	total := uintptr(page.HeaderOffset()) + pageHeaderStructSize + uintptr(bitmapBytes)
	headerAreaSize := layout.AlignUp(total, uintptr(sizeclass.MinBufSize))

	return &Allocator{
		provider:       p,
		logger:         logger,
		pageSize:       pageSize,
		buddy:          buddy,
		numCells:       numCells,
		headerAreaSize: uint32(headerAreaSize),
		freeList:       make([]*bufHeader, buddy.NumClasses()),
	}
}

func (a *Allocator) logf(format string, args ...interface{}) {
	if a.logger != nil {
		a.logger.Printf(format, args...)
	}
}

func (a *Allocator) header(base unsafe.Pointer) *pageHeader {
	return layout.At[pageHeader](base, page.HeaderOffset())
}

func (a *Allocator) bitmapView(base unsafe.Pointer) bitmap.View {
	return bitmap.NewView(layout.Add(base, page.HeaderOffset()+pageHeaderStructSize), a.numCells)
}

func cellIndex(ptr, base unsafe.Pointer) int {
	return int(layout.Diff(ptr, base) / sizeclass.MinBufSize)
}

// Alloc rounds size up to a power of two, finds the smallest free buffer
// at least that big, splits it down to the requested class, and marks the
// result USED in the page's bitmap.
func (a *Allocator) Alloc(size uint32) (unsafe.Pointer, error) {
	bypassLimit := a.pageSize - uint32(page.HeaderOffset())
	if size > bypassLimit {
		a.logf("bud: alloc(%d) exceeds page capacity %d", size, bypassLimit)
		return nil, kmaerr.ErrOversizeRequest
	}
	if size > a.pageSize/2 {
		return a.allocLarge(size)
	}

	class, ok := a.buddy.ClassOf(size)
	if !ok {
		return nil, kmaerr.ErrOversizeRequest
	}

	for {
		if f := a.findFit(class); f >= 0 {
			buf := a.popFree(f)
			base := page.BaseOf(unsafe.Pointer(buf), a.pageSize)
			for f < class {
				half := a.buddy.SizeOf(f + 1)
				upper := (*bufHeader)(layout.Add(unsafe.Pointer(buf), uintptr(half)))
				a.pushFree(f+1, upper)
				f++
			}

			a.bitmapView(base).Set(cellIndex(unsafe.Pointer(buf), base))
			a.header(base).bytesUsed += a.buddy.SizeOf(class)
			return unsafe.Pointer(buf), nil
		}
		if err := a.acquirePage(); err != nil {
			return nil, err
		}
	}
}

func (a *Allocator) findFit(class int) int {
	for f := class; f >= 0; f-- {
		if a.freeList[f] != nil {
			return f
		}
	}
	return -1
}

func (a *Allocator) pushFree(class int, buf *bufHeader) {
	buf.size = a.buddy.SizeOf(class)
	buf.prev = nil
	buf.next = a.freeList[class]
	if a.freeList[class] != nil {
		a.freeList[class].prev = buf
	}
	a.freeList[class] = buf
}

func (a *Allocator) unlinkFree(class int, buf *bufHeader) {
	if buf.prev != nil {
		buf.prev.next = buf.next
	} else {
		a.freeList[class] = buf.next
	}
	if buf.next != nil {
		buf.next.prev = buf.prev
	}
	buf.prev, buf.next = nil, nil
}

func (a *Allocator) popFree(class int) *bufHeader {
	buf := a.freeList[class]
	if buf != nil {
		a.unlinkFree(class, buf)
	}
	return buf
}

// acquirePage installs a fresh page's header and seeds its arena with the
// binary decomposition of the post-header space: one buffer per set bit
// of (pageSize-headerAreaSize), laid out from the smallest chunk (right
// after the header) to the largest (ending at the page's end), which
// lands every chunk on a multiple of its own size, the alignment the XOR
// trick needs.
func (a *Allocator) acquirePage() error {
	pg, err := a.provider.GetPage()
	if err != nil {
		return err
	}
	if pg.Size <= a.headerAreaSize {
		a.provider.FreePage(pg)
		a.logf("bud: page size %d too small for header area %d", pg.Size, a.headerAreaSize)
		return kmaerr.ErrInitialization
	}

	if !a.hasAnchor {
		a.hasAnchor = true
		a.anchorID = pg.ID
	}
	a.liveCount++

	a.header(pg.Base).bytesUsed = 0
	a.seedPage(pg.Base)
	return nil
}

func (a *Allocator) seedPage(base unsafe.Pointer) {
	remaining := a.pageSize - a.headerAreaSize
	cursor := layout.Add(base, uintptr(a.headerAreaSize))
	for class := a.buddy.NumClasses() - 1; class >= 0; class-- {
		size := a.buddy.SizeOf(class)
		if remaining&size != 0 {
			buf := (*bufHeader)(cursor)
			a.pushFree(class, buf)
			cursor = layout.Add(cursor, uintptr(size))
			remaining -= size
		}
	}
}

// Free marks the buffer FREE in its page's bitmap, coalesces it with its
// buddies, and then releases the page if it just became wholly empty.
func (a *Allocator) Free(ptr unsafe.Pointer, size uint32) error {
	if size > a.pageSize/2 {
		return a.freeLarge(ptr)
	}

	class, ok := a.buddy.ClassOf(size)
	if !ok {
		class = a.buddy.NumClasses() - 1
	}

	base := page.BaseOf(ptr, a.pageSize)
	a.bitmapView(base).Clear(cellIndex(ptr, base))

	ph := a.header(base)
	ph.bytesUsed -= a.buddy.SizeOf(class)

	id := page.ReadID(base)
	isLastPage := a.liveCount == 1
	if err := a.coalesce(base, (*bufHeader)(ptr), class); err != nil {
		return err
	}
	if ph.bytesUsed == 0 && (!a.hasAnchor || id != a.anchorID || isLastPage) {
		return a.releaseEmptyPage(base)
	}
	return nil
}

// coalesce repeatedly tries to merge buf with its buddy at the current
// class, climbing one class per successful merge. Never considers a
// buddy offset that would fall back into the page's header area.
func (a *Allocator) coalesce(base unsafe.Pointer, buf *bufHeader, class int) error {
	for {
		if class <= 0 {
			a.pushFree(class, buf)
			return nil
		}

		size := a.buddy.SizeOf(class)
		offset := layout.Diff(unsafe.Pointer(buf), base)
		buddyOffset := offset ^ uintptr(size)

		if buddyOffset < uintptr(a.headerAreaSize) || buddyOffset+uintptr(size) > uintptr(a.pageSize) {
			a.pushFree(class, buf)
			return nil
		}

		buddyPtr := layout.Add(base, buddyOffset)
		if a.bitmapView(base).Test(cellIndex(buddyPtr, base)) {
			a.pushFree(class, buf)
			return nil
		}

		buddyHdr := (*bufHeader)(buddyPtr)
		if buddyHdr.size != size {
			a.pushFree(class, buf)
			return nil
		}

		a.unlinkFree(class, buddyHdr)
		if buddyOffset < offset {
			buf = buddyHdr
		}
		class--
	}
}

// releaseEmptyPage recomputes the page's original top-level decomposition
// (the only shape a wholly-empty page's free chunks can be in once Free
// has coalesced them, since distinct-size chunks never merge with each
// other) and unlinks each one before returning the page to the provider.
func (a *Allocator) releaseEmptyPage(base unsafe.Pointer) error {
	remaining := a.pageSize - a.headerAreaSize
	cursor := layout.Add(base, uintptr(a.headerAreaSize))
	for class := a.buddy.NumClasses() - 1; class >= 0; class-- {
		size := a.buddy.SizeOf(class)
		if remaining&size != 0 {
			buf := (*bufHeader)(cursor)
			a.unlinkFree(class, buf)
			cursor = layout.Add(cursor, uintptr(size))
			remaining -= size
		}
	}

	id := page.ReadID(base)
	if err := a.provider.FreePage(&page.Page{Base: base, Size: a.pageSize, ID: id}); err != nil {
		return err
	}
	a.liveCount--
	if a.hasAnchor && id == a.anchorID {
		a.hasAnchor = false
	}
	return a.releasePendingAnchor()
}

func (a *Allocator) allocLarge(size uint32) (unsafe.Pointer, error) {
	pg, err := a.provider.GetPage()
	if err != nil {
		return nil, err
	}
	if !a.hasAnchor {
		a.hasAnchor = true
		a.anchorID = pg.ID
	}
	a.liveCount++
	_ = size
	return layout.Add(pg.Base, page.HeaderOffset()), nil
}

// freeLarge applies the same anchor-retention gate the bitmap path enforces
// in Free: a large-bypass page that happens to be the anchor is kept held
// until it is the last live page, since a large allocation carries no
// header or free list of its own to retain it implicitly.
func (a *Allocator) freeLarge(ptr unsafe.Pointer) error {
	base := page.BaseOf(ptr, a.pageSize)
	id := page.ReadID(base)

	if a.hasAnchor && id == a.anchorID && a.liveCount > 1 {
		a.pendingAnchorBase = base
		return nil
	}

	if err := a.provider.FreePage(&page.Page{Base: base, Size: a.pageSize, ID: id}); err != nil {
		return err
	}
	a.liveCount--
	if a.hasAnchor && id == a.anchorID {
		a.hasAnchor = false
	}
	return a.releasePendingAnchor()
}

// releasePendingAnchor frees a large-bypass anchor page that was held back
// by freeLarge, once it has become the sole remaining live page.
func (a *Allocator) releasePendingAnchor() error {
	if a.pendingAnchorBase == nil || a.liveCount != 1 {
		return nil
	}
	base := a.pendingAnchorBase
	a.pendingAnchorBase = nil
	if err := a.provider.FreePage(&page.Page{Base: base, Size: a.pageSize, ID: a.anchorID}); err != nil {
		return err
	}
	a.liveCount--
	a.hasAnchor = false
	return nil
}
