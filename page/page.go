// Package page is the allocator family's one external collaborator: it
// hands out fixed-size, zero-filled regions and takes them back. Every
// policy engine is built against the Provider interface only, never a
// concrete implementation, mirroring how kpage.c stands beneath the five
// kma_*.c policy files without any of them knowing which backs it.
package page

import (
	"fmt"

	"github.com/farlue/kma/internal/layout"
	"unsafe"
)

// DefaultSize is the reference page size used when an Options value leaves
// PageSize unset.
const DefaultSize = 8192

// Page is a handle to a region borrowed from a Provider. Base is never
// dereferenced directly by policy code; all field access goes through
// internal/layout, which computes offsets and casts the way the reference
// does its raw pointer arithmetic.
type Page struct {
	Base unsafe.Pointer
	Size uint32
	ID   uint64
}

// Provider acquires and releases pages. GetPage returns an aligned,
// zero-filled Size()-byte region; FreePage returns it. id is a
// monotonically increasing tag with id==0 identifying the first page ever
// issued by a given Provider instance. The policies identify their anchor
// page by the ID they record when they acquire it, not by id==0.
type Provider interface {
	GetPage() (*Page, error)
	FreePage(*Page) error
	PageSize() uint32
}

// ErrProvider wraps a failure returned by the underlying page source (an
// mmap/VirtualAlloc failure, or a fake provider at its configured limit).
type ErrProvider struct {
	Op  string
	Err error
}

func (e *ErrProvider) Error() string {
	return fmt.Sprintf("page: %s: %v", e.Op, e.Err)
}

func (e *ErrProvider) Unwrap() error { return e.Err }

// BaseOf masks ptr down to the start of its containing pageSize-aligned
// region, recovering a page's base address from any interior pointer —
// invariant 1 of the allocator family ("address AND ~(PAGESIZE-1)").
func BaseOf(ptr unsafe.Pointer, pageSize uint32) unsafe.Pointer {
	return layout.PageBase(ptr, uintptr(pageSize))
}

// idSize is the width of the page-handle word every page carries in its
// first bytes, per the data model's "handle stored at the very start of
// the page" rule.
var idSize = layout.SizeOf[uint64]()

// WriteID stamps id into the handle word at the start of base.
func WriteID(base unsafe.Pointer, id uint64) {
	*layout.At[uint64](base, 0) = id
}

// ReadID recovers the handle word stamped by WriteID.
func ReadID(base unsafe.Pointer) uint64 {
	return *layout.At[uint64](base, 0)
}

// HeaderOffset is where a policy's page header begins: immediately after
// the page-handle word.
func HeaderOffset() uintptr {
	return idSize
}
