// Package mck2 implements the McKusick-Karels policy: pages are typed to
// a single size class at acquisition and never reused across classes, a
// doubly-linked ring of live pages is scanned most-recent first, and each
// page owns a singly-linked free list of its own class-sized buffers.
// Ported from kma_mck2.c, but with the per-page-single-class invariant
// enforced as designed rather than the historical implementation's bug
// of seeding one page with multiple classes.
package mck2

import (
	"log"
	"unsafe"

	"github.com/farlue/kma/internal/bitfield"
	"github.com/farlue/kma/internal/kmaerr"
	"github.com/farlue/kma/internal/layout"
	"github.com/farlue/kma/page"
	"github.com/farlue/kma/sizeclass"
)

// pageHeader is the per-page record carved immediately after the
// page-handle word: the page's class, its bytes-used counter, its own
// free list, and its ring links. The class is packed into a single byte
// via internal/bitfield rather than given its own int field, the same
// way the teacher packs small per-page markers into one flags word.
type pageHeader struct {
	classBits uint8
	bytesUsed uint32
	free      *bufHeader
	ringNext  *pageHeader
	ringPrev  *pageHeader
}

// classFlags is the bitfield-tagged layout packed into pageHeader.classBits.
// classesLen never exceeds 9 (sizeclass.StandardClasses), so 4 bits suffice.
type classFlags struct {
	Class uint8 `bitfield:",4"`
}

func packClass(class int) uint8 {
	packed, err := bitfield.Pack(&classFlags{Class: uint8(class)}, &bitfield.Config{NumBits: 8})
	if err != nil {
		panic(err)
	}
	return uint8(packed)
}

func unpackClass(bits uint8) int {
	var f classFlags
	if err := bitfield.Unpack(uint64(bits), &f); err != nil {
		panic(err)
	}
	return int(f.Class)
}

func (ph *pageHeader) class() int     { return unpackClass(ph.classBits) }
func (ph *pageHeader) setClass(c int) { ph.classBits = packClass(c) }

// bufHeader overlays the first word of a free, class-sized buffer. An
// allocated buffer has no header at all — its whole class-sized region
// belongs to the caller, since the class is always recoverable from the
// owning page rather than from the buffer itself.
type bufHeader struct {
	next *bufHeader
}

var pageHeaderSize = layout.SizeOf[pageHeader]()

// Allocator is the McKusick-Karels policy engine.
type Allocator struct {
	provider page.Provider
	logger   *log.Logger
	pageSize uint32
	maxspace uint32
	classes  sizeclass.Table

	ring      *pageHeader
	hasAnchor bool
	anchorID  uint64
}

// New builds an Allocator backed by p.
func New(p page.Provider, logger *log.Logger) *Allocator {
	pageSize := p.PageSize()
	maxspace := pageSize - uint32(page.HeaderOffset()) - uint32(pageHeaderSize)
	classes := sizeclass.StandardClasses(maxspace)
	return &Allocator{
		provider: p,
		logger:   logger,
		pageSize: pageSize,
		maxspace: maxspace,
		classes:  sizeclass.NewTable(classes[:]),
	}
}

func (a *Allocator) logf(format string, args ...interface{}) {
	if a.logger != nil {
		a.logger.Printf(format, args...)
	}
}

// Alloc scans the page ring, most-recent first, for a page of the right
// class with a free buffer; on a miss it acquires and types a new page.
func (a *Allocator) Alloc(size uint32) (unsafe.Pointer, error) {
	bypassLimit := a.pageSize - uint32(page.HeaderOffset())
	if size > bypassLimit {
		a.logf("mck2: alloc(%d) exceeds page capacity %d", size, bypassLimit)
		return nil, kmaerr.ErrOversizeRequest
	}
	if size > a.maxspace/2 {
		return a.allocLarge(size)
	}

	class, ok := a.classes.ClassOf(size)
	if !ok {
		return nil, kmaerr.ErrOversizeRequest
	}

	for {
		for ph := a.ring; ph != nil; ph = ph.ringNext {
			if ph.class() == class && ph.free != nil {
				buf := ph.free
				ph.free = buf.next
				ph.bytesUsed += a.classes.SizeOf(class)
				return unsafe.Pointer(buf), nil
			}
		}
		if err := a.acquirePage(class); err != nil {
			return nil, err
		}
	}
}

// acquirePage gets a fresh page, types it to class, and carves the
// maximum whole number of class-sized buffers after the header, chaining
// them as the page's free list.
func (a *Allocator) acquirePage(class int) error {
	pg, err := a.provider.GetPage()
	if err != nil {
		return err
	}

	classSize := a.classes.SizeOf(class)
	minNeeded := uint32(page.HeaderOffset()) + uint32(pageHeaderSize) + classSize
	if pg.Size < minNeeded {
		a.provider.FreePage(pg)
		a.logf("mck2: page size %d too small for class %d", pg.Size, class)
		return kmaerr.ErrInitialization
	}

	if !a.hasAnchor {
		a.hasAnchor = true
		a.anchorID = pg.ID
	}

	ph := layout.At[pageHeader](pg.Base, page.HeaderOffset())
	ph.setClass(class)
	ph.bytesUsed = 0
	ph.free = nil
	ph.ringPrev = nil
	ph.ringNext = a.ring
	if a.ring != nil {
		a.ring.ringPrev = ph
	}
	a.ring = ph

	avail := pg.Size - uint32(page.HeaderOffset()) - uint32(pageHeaderSize)
	count := avail / classSize
	cursor := layout.Add(unsafe.Pointer(ph), pageHeaderSize)
	for i := uint32(0); i < count; i++ {
		buf := (*bufHeader)(cursor)
		buf.next = ph.free
		ph.free = buf
		cursor = layout.Add(cursor, uintptr(classSize))
	}
	return nil
}

// Free recovers the owning page by masking to the page base, pushes the
// buffer onto that page's own free list, and releases the page once its
// bytesUsed reaches zero.
func (a *Allocator) Free(ptr unsafe.Pointer, size uint32) error {
	if size > a.maxspace/2 {
		return a.freeLarge(ptr)
	}

	class, ok := a.classes.ClassOf(size)
	if !ok {
		class = a.classes.Len() - 1
	}

	base := page.BaseOf(ptr, a.pageSize)
	ph := layout.At[pageHeader](base, page.HeaderOffset())

	buf := (*bufHeader)(ptr)
	buf.next = ph.free
	ph.free = buf
	ph.bytesUsed -= a.classes.SizeOf(class)

	if ph.bytesUsed == 0 {
		return a.releasePage(ph, base)
	}
	return nil
}

func (a *Allocator) releasePage(ph *pageHeader, base unsafe.Pointer) error {
	if ph.ringPrev != nil {
		ph.ringPrev.ringNext = ph.ringNext
	} else {
		a.ring = ph.ringNext
	}
	if ph.ringNext != nil {
		ph.ringNext.ringPrev = ph.ringPrev
	}

	id := page.ReadID(base)
	if err := a.provider.FreePage(&page.Page{Base: base, Size: a.pageSize, ID: id}); err != nil {
		return err
	}
	if a.ring == nil {
		a.hasAnchor = false
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
	_ = size
	return layout.Add(pg.Base, page.HeaderOffset()), nil
}

func (a *Allocator) freeLarge(ptr unsafe.Pointer) error {
	base := page.BaseOf(ptr, a.pageSize)
	id := page.ReadID(base)
	if err := a.provider.FreePage(&page.Page{Base: base, Size: a.pageSize, ID: id}); err != nil {
		return err
	}
	if a.hasAnchor && id == a.anchorID {
		a.hasAnchor = false
	}
	return nil
}
