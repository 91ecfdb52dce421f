// Package p2fl implements the Power-of-Two Free List policy: one
// intrusive free list per size class plus a bump pointer carving the
// current page's unused tail, with a whole-page bypass for large
// requests. Ported from kma_p2fl.c's p2fl/freespace bookkeeping.
package p2fl

import (
	"log"
	"unsafe"

	"github.com/farlue/kma/internal/kmaerr"
	"github.com/farlue/kma/internal/layout"
	"github.com/farlue/kma/page"
	"github.com/farlue/kma/sizeclass"
)

// bufHeader is the one-word in-band header kma_p2fl.c stores before every
// buffer's payload: a forward link when free, nothing meaningful when
// allocated (class is recomputed from the caller-supplied size on free,
// exactly as the reference does).
type bufHeader struct {
	next *bufHeader
}

var headerSize = layout.SizeOf[bufHeader]()

// Allocator is the Power-of-Two Free List policy engine.
type Allocator struct {
	provider page.Provider
	logger   *log.Logger
	pageSize uint32
	maxspace uint32
	classes  sizeclass.Table

	freeList [9]*bufHeader

	// bumpBase/bumpRemaining track the unused tail of whichever page was
	// most recently acquired — the reference's single global
	// freespacePtr/freespaceSize pair.
	bumpBase      unsafe.Pointer
	bumpRemaining uint32

	bytesUsed uint32
	hasAnchor bool
	anchorID  uint64
	pages     map[uint64]*page.Page
}

// New builds an Allocator backed by p.
func New(p page.Provider, logger *log.Logger) *Allocator {
	pageSize := p.PageSize()
	maxspace := pageSize - uint32(page.HeaderOffset()) - uint32(headerSize)
	classes := sizeclass.StandardClasses(maxspace)
	return &Allocator{
		provider: p,
		logger:   logger,
		pageSize: pageSize,
		maxspace: maxspace,
		classes:  sizeclass.NewTable(classes[:]),
		pages:    make(map[uint64]*page.Page),
	}
}

func (a *Allocator) logf(format string, args ...interface{}) {
	if a.logger != nil {
		a.logger.Printf(format, args...)
	}
}

// Alloc pops a free-list entry, carves the current page's tail, or
// acquires a new page, in that priority order. Requests larger than
// maxspace/2 bypass classes entirely and consume one whole page.
func (a *Allocator) Alloc(size uint32) (unsafe.Pointer, error) {
	bypassLimit := a.pageSize - uint32(page.HeaderOffset())
	if size > bypassLimit {
		a.logf("p2fl: alloc(%d) exceeds page capacity %d", size, bypassLimit)
		return nil, kmaerr.ErrOversizeRequest
	}
	if size > a.maxspace/2 {
		return a.allocLarge(size)
	}

	class, ok := a.classes.ClassOf(size + uint32(headerSize))
	if !ok {
		return nil, kmaerr.ErrOversizeRequest
	}

	for {
		if hdr := a.freeList[class]; hdr != nil {
			a.freeList[class] = hdr.next
			a.bytesUsed += a.classes.SizeOf(class)
			return layout.Add(unsafe.Pointer(hdr), headerSize), nil
		}

		classSize := a.classes.SizeOf(class)
		if a.bumpRemaining >= classSize {
			hdr := (*bufHeader)(a.bumpBase)
			a.bumpBase = layout.Add(a.bumpBase, uintptr(classSize))
			a.bumpRemaining -= classSize
			a.bytesUsed += classSize
			return layout.Add(unsafe.Pointer(hdr), headerSize), nil
		}

		if err := a.acquirePage(); err != nil {
			return nil, err
		}
	}
}

// acquirePage pushes the old page's leftover tail into smaller class
// free lists, then obtains a fresh page and makes its post-header area
// the new bump-carving tail.
func (a *Allocator) acquirePage() error {
	a.subdivideLeftover()

	pg, err := a.provider.GetPage()
	if err != nil {
		return err
	}
	minHeader := uint32(page.HeaderOffset()) + uint32(headerSize)
	if pg.Size <= minHeader {
		a.provider.FreePage(pg)
		a.logf("p2fl: page size %d too small for minimum header", pg.Size)
		return kmaerr.ErrInitialization
	}

	if !a.hasAnchor {
		a.hasAnchor = true
		a.anchorID = pg.ID
	}
	a.pages[pg.ID] = pg
	a.bumpBase = layout.Add(pg.Base, page.HeaderOffset())
	a.bumpRemaining = pg.Size - uint32(page.HeaderOffset())
	return nil
}

// subdivideLeftover greedily carves the current bump tail into the
// largest classes that still fit, largest first, pushing each chunk onto
// its free list so a page change never silently wastes reusable space.
func (a *Allocator) subdivideLeftover() {
	for class := a.classes.Len() - 2; class >= 0; class-- {
		size := a.classes.SizeOf(class)
		for a.bumpRemaining >= size {
			hdr := (*bufHeader)(a.bumpBase)
			hdr.next = a.freeList[class]
			a.freeList[class] = hdr
			a.bumpBase = layout.Add(a.bumpBase, uintptr(size))
			a.bumpRemaining -= size
		}
	}
}

// Free rounds size to its class, pushes the buffer onto that class's free
// list, and releases every held page once global bytesUsed reaches zero.
func (a *Allocator) Free(ptr unsafe.Pointer, size uint32) error {
	if size > a.maxspace/2 {
		return a.freeLarge(ptr)
	}

	class, ok := a.classes.ClassOf(size + uint32(headerSize))
	if !ok {
		class = a.classes.Len() - 1
	}

	hdr := (*bufHeader)(layout.Sub(ptr, headerSize))
	hdr.next = a.freeList[class]
	a.freeList[class] = hdr
	a.bytesUsed -= a.classes.SizeOf(class)

	if a.bytesUsed == 0 {
		return a.releaseAll()
	}
	return nil
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
	a.pages[pg.ID] = pg
	a.bytesUsed += pg.Size
	_ = size
	return layout.Add(pg.Base, page.HeaderOffset()), nil
}

func (a *Allocator) freeLarge(ptr unsafe.Pointer) error {
	base := page.BaseOf(ptr, a.pageSize)
	id := page.ReadID(base)

	pg, ok := a.pages[id]
	if !ok {
		pg = &page.Page{Base: base, Size: a.pageSize, ID: id}
	}
	delete(a.pages, id)
	a.bytesUsed -= pg.Size

	if err := a.provider.FreePage(pg); err != nil {
		return err
	}
	if a.hasAnchor && id == a.anchorID {
		a.hasAnchor = false
	}
	if a.bytesUsed == 0 {
		return a.releaseAll()
	}
	return nil
}

func (a *Allocator) releaseAll() error {
	for id, pg := range a.pages {
		if err := a.provider.FreePage(pg); err != nil {
			return err
		}
		delete(a.pages, id)
	}
	for i := range a.freeList {
		a.freeList[i] = nil
	}
	a.bumpBase = nil
	a.bumpRemaining = 0
	a.hasAnchor = false
	return nil
}
