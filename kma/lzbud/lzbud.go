// Package lzbud implements the Lazy Buddy policy: the same per-class
// power-of-two free lists and per-page bitmap as bud, plus an active/
// locally-free counter pair per class whose difference (slack) decides
// whether a free is lazy (push and stop), reclaiming (clear the bitmap
// and try one coalesce), or accelerated (skip the bitmap and try to
// coalesce against another delayed buffer). Ported from kma_lzbud.c.
package lzbud

import (
	"log"
	"unsafe"

	"github.com/farlue/kma/internal/bitmap"
	"github.com/farlue/kma/internal/kmaerr"
	"github.com/farlue/kma/internal/layout"
	"github.com/farlue/kma/page"
	"github.com/farlue/kma/sizeclass"
)

// pageHeader is the fixed per-page record; the page's bitmap follows it.
type pageHeader struct {
	bytesUsed uint32
}

// bufHeader overlays a free buffer. delayed marks a buffer pushed during
// a lazy or accelerated free, whose bitmap bit was deliberately left
// stale (still USED) rather than cleared.
type bufHeader struct {
	prev    *bufHeader
	next    *bufHeader
	size    uint32
	delayed bool
}

var pageHeaderStructSize = layout.SizeOf[pageHeader]()

// Allocator is the Lazy Buddy policy engine.
type Allocator struct {
	provider page.Provider
	logger   *log.Logger
	pageSize uint32
	buddy    sizeclass.BuddyTable

	numCells       int
	headerAreaSize uint32

	freeList    []*bufHeader
	freeTail    []*bufHeader
	active      []int32
	locallyFree []int32

	hasAnchor bool
	anchorID  uint64
	liveCount int

	// pendingAnchorBase holds a large-bypass anchor page's base once the
	// caller has freed it but other pages are still live; released the
	// moment liveCount drops to 1. See bud's identical field for the
	// rationale: a large allocation has no free list or bitmap of its own
	// to retain it implicitly the way an emptied bitmap page does.
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
		freeTail:       make([]*bufHeader, buddy.NumClasses()),
		active:         make([]int32, buddy.NumClasses()),
		locallyFree:    make([]int32, buddy.NumClasses()),
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

func (a *Allocator) pushFront(class int, buf *bufHeader) {
	buf.size = a.buddy.SizeOf(class)
	buf.prev = nil
	buf.next = a.freeList[class]
	if a.freeList[class] != nil {
		a.freeList[class].prev = buf
	} else {
		a.freeTail[class] = buf
	}
	a.freeList[class] = buf
}

func (a *Allocator) pushBack(class int, buf *bufHeader) {
	buf.size = a.buddy.SizeOf(class)
	buf.next = nil
	buf.prev = a.freeTail[class]
	if a.freeTail[class] != nil {
		a.freeTail[class].next = buf
	} else {
		a.freeList[class] = buf
	}
	a.freeTail[class] = buf
}

func (a *Allocator) unlinkFree(class int, buf *bufHeader) {
	if buf.prev != nil {
		buf.prev.next = buf.next
	} else {
		a.freeList[class] = buf.next
	}
	if buf.next != nil {
		buf.next.prev = buf.prev
	} else {
		a.freeTail[class] = buf.prev
	}
	buf.prev, buf.next = nil, nil
}

func (a *Allocator) popFront(class int) *bufHeader {
	buf := a.freeList[class]
	if buf != nil {
		a.unlinkFree(class, buf)
	}
	return buf
}

func (a *Allocator) findFit(class int) int {
	for f := class; f >= 0; f-- {
		if a.freeList[f] != nil {
			return f
		}
	}
	return -1
}

// Alloc searches class c down to 0 for any free buffer (delayed or not),
// splits it down to c, and marks the result active. A delayed buffer
// taken off a free list keeps its already-USED bitmap bit untouched.
func (a *Allocator) Alloc(size uint32) (unsafe.Pointer, error) {
	bypassLimit := a.pageSize - uint32(page.HeaderOffset())
	if size > bypassLimit {
		a.logf("lzbud: alloc(%d) exceeds page capacity %d", size, bypassLimit)
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
			buf := a.popFront(f)
			base := page.BaseOf(unsafe.Pointer(buf), a.pageSize)
			wasDelayed := buf.delayed
			if wasDelayed {
				a.locallyFree[f]--
			}

			for f < class {
				half := a.buddy.SizeOf(f + 1)
				upper := (*bufHeader)(layout.Add(unsafe.Pointer(buf), uintptr(half)))
				upper.delayed = false
				a.pushBack(f+1, upper)
				f++
			}

			if !wasDelayed {
				a.bitmapView(base).Set(cellIndex(unsafe.Pointer(buf), base))
			}
			a.active[class]++
			a.header(base).bytesUsed += a.buddy.SizeOf(class)
			return unsafe.Pointer(buf), nil
		}
		if err := a.acquirePage(); err != nil {
			return nil, err
		}
	}
}

func (a *Allocator) acquirePage() error {
	pg, err := a.provider.GetPage()
	if err != nil {
		return err
	}
	if pg.Size <= a.headerAreaSize {
		a.provider.FreePage(pg)
		a.logf("lzbud: page size %d too small for header area %d", pg.Size, a.headerAreaSize)
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
			buf.delayed = false
			a.pushBack(class, buf)
			cursor = layout.Add(cursor, uintptr(size))
			remaining -= size
		}
	}
}

// Free decrements the class's active counter and the page's bytesUsed,
// releases the page if it just emptied, and otherwise hands the buffer to
// settle to pick its lazy/reclaiming/accelerated fate.
func (a *Allocator) Free(ptr unsafe.Pointer, size uint32) error {
	if size > a.pageSize/2 {
		return a.freeLarge(ptr)
	}

	class, ok := a.buddy.ClassOf(size)
	if !ok {
		class = a.buddy.NumClasses() - 1
	}

	base := page.BaseOf(ptr, a.pageSize)
	a.active[class]--
	ph := a.header(base)
	ph.bytesUsed -= a.buddy.SizeOf(class)

	id := page.ReadID(base)
	isLastPage := a.liveCount == 1
	if ph.bytesUsed == 0 && (!a.hasAnchor || id != a.anchorID || isLastPage) {
		return a.releaseEmptyPage(base)
	}
	return a.settle(base, (*bufHeader)(ptr), class)
}

// settle applies the lazy/reclaiming/accelerated decision at class for
// buf, recursing at class-1 whenever a coalesce merges it with a buddy.
func (a *Allocator) settle(base unsafe.Pointer, buf *bufHeader, class int) error {
	slack := a.active[class] - a.locallyFree[class]
	switch {
	case slack > 1:
		buf.delayed = true
		a.pushFront(class, buf)
		a.locallyFree[class]++
		return nil

	case slack == 1:
		a.bitmapView(base).Clear(cellIndex(unsafe.Pointer(buf), base))
		if merged, ok := a.coalesceGlobal(base, buf, class); ok {
			return a.settle(base, merged, class-1)
		}
		buf.delayed = false
		a.pushBack(class, buf)
		return nil

	default: // slack <= 0: accelerated
		if merged, ok := a.coalesceDelayed(base, buf, class); ok {
			return a.settle(base, merged, class-1)
		}
		buf.delayed = true
		a.pushFront(class, buf)
		a.locallyFree[class]++
		return nil
	}
}

// buddyOf returns the buddy's pointer at class relative to base, or ok
// false if class is already the largest or the buddy would fall outside
// the arena or into the page header.
func (a *Allocator) buddyOf(base unsafe.Pointer, buf *bufHeader, class int) (unsafe.Pointer, bool) {
	if class <= 0 {
		return nil, false
	}
	size := a.buddy.SizeOf(class)
	offset := layout.Diff(unsafe.Pointer(buf), base)
	buddyOffset := offset ^ uintptr(size)
	if buddyOffset < uintptr(a.headerAreaSize) || buddyOffset+uintptr(size) > uintptr(a.pageSize) {
		return nil, false
	}
	return layout.Add(base, buddyOffset), true
}

// coalesceGlobal is the reclaiming-state coalesce: the buddy must be
// globally free (its bitmap bit clear, not a delayed buffer).
func (a *Allocator) coalesceGlobal(base unsafe.Pointer, buf *bufHeader, class int) (*bufHeader, bool) {
	buddyPtr, ok := a.buddyOf(base, buf, class)
	if !ok {
		return nil, false
	}
	if a.bitmapView(base).Test(cellIndex(buddyPtr, base)) {
		return nil, false
	}
	buddyHdr := (*bufHeader)(buddyPtr)
	if buddyHdr.delayed || buddyHdr.size != a.buddy.SizeOf(class) {
		return nil, false
	}

	a.unlinkFree(class, buddyHdr)
	if uintptr(buddyPtr) < uintptr(unsafe.Pointer(buf)) {
		return buddyHdr, true
	}
	return buf, true
}

// coalesceDelayed is the accelerated-state coalesce: scan the class free
// list for a delayed buffer sitting exactly at the buddy address.
func (a *Allocator) coalesceDelayed(base unsafe.Pointer, buf *bufHeader, class int) (*bufHeader, bool) {
	buddyPtr, ok := a.buddyOf(base, buf, class)
	if !ok {
		return nil, false
	}
	for n := a.freeList[class]; n != nil; n = n.next {
		if unsafe.Pointer(n) == buddyPtr && n.delayed {
			a.unlinkFree(class, n)
			a.locallyFree[class]--
			if uintptr(buddyPtr) < uintptr(unsafe.Pointer(buf)) {
				return n, true
			}
			return buf, true
		}
	}
	return nil, false
}

// releaseEmptyPage removes every free buffer belonging to base from every
// class's free list. Unlike bud, lazy deferral means an empty page's
// space is not guaranteed to sit at its pristine top-level addresses, so
// this scans rather than recomputing the seed decomposition.
func (a *Allocator) releaseEmptyPage(base unsafe.Pointer) error {
	for class := 0; class < a.buddy.NumClasses(); class++ {
		buf := a.freeList[class]
		for buf != nil {
			next := buf.next
			if page.BaseOf(unsafe.Pointer(buf), a.pageSize) == base {
				if buf.delayed {
					a.locallyFree[class]--
				}
				a.unlinkFree(class, buf)
			}
			buf = next
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
// until it is the last live page.
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
