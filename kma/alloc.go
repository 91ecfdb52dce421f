// Package kma is the public facade over the allocator family: it picks
// one of the five policy engines at construction time and hands back the
// shared Allocator interface. No runtime switching between policies
// happens after New returns — their in-page layouts are mutually
// incompatible, so "build-time selection" becomes "construction-time
// selection" in a hosted library.
package kma

import (
	"fmt"
	"io"
	"log"
	"unsafe"

	"github.com/farlue/kma/kma/bud"
	"github.com/farlue/kma/kma/lzbud"
	"github.com/farlue/kma/kma/mck2"
	"github.com/farlue/kma/kma/p2fl"
	"github.com/farlue/kma/kma/rm"
	"github.com/farlue/kma/page"
)

// Policy names one of the five allocation strategies.
type Policy int

const (
	RM Policy = iota
	P2FL
	MCK2
	BUD
	LZBUD
)

func (p Policy) String() string {
	switch p {
	case RM:
		return "rm"
	case P2FL:
		return "p2fl"
	case MCK2:
		return "mck2"
	case BUD:
		return "bud"
	case LZBUD:
		return "lzbud"
	default:
		return fmt.Sprintf("kma.Policy(%d)", int(p))
	}
}

// Allocator is the capability set every policy engine implements:
// alloc(size) -> pointer and free(pointer, size) from the core API.
// Implementations are not safe for concurrent use.
type Allocator interface {
	// Alloc returns a word-aligned pointer to a buffer of at least size
	// bytes, or an error (ErrOversizeRequest, ErrInitialization, or a
	// wrapped provider failure).
	Alloc(size uint32) (unsafe.Pointer, error)

	// Free returns a buffer obtained from Alloc. size must equal (or
	// round to the same class as) the size passed to the matching
	// Alloc; passing any other value, or a pointer this Allocator never
	// issued, is undefined behavior.
	Free(ptr unsafe.Pointer, size uint32) error
}

// Options configures an Allocator built by New.
type Options struct {
	// PageSize is the page size New validates. Zero means
	// page.DefaultSize (8192, the reference value). Must be a power of
	// two. New only checks it; the policy engines take their page size
	// from the Provider's PageSize(), not from this field.
	PageSize uint32

	// Logger receives the sparse, operation-boundary log lines every
	// policy emits on ErrOversizeRequest/ErrInitialization. A nil
	// Logger discards them.
	Logger *log.Logger

	// Policy selects the allocation strategy.
	Policy Policy
}

func (o Options) pageSize() uint32 {
	if o.PageSize == 0 {
		return page.DefaultSize
	}
	return o.PageSize
}

func (o Options) logger() *log.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return log.New(io.Discard, "", 0)
}

// New builds the Allocator named by opts.Policy, backed by p.
func New(opts Options, p page.Provider) (Allocator, error) {
	size := opts.pageSize()
	if size == 0 || size&(size-1) != 0 {
		return nil, fmt.Errorf("kma: page size %d is not a power of two: %w", size, ErrInitialization)
	}

	logger := opts.logger()
	switch opts.Policy {
	case RM:
		return rm.New(p, logger), nil
	case P2FL:
		return p2fl.New(p, logger), nil
	case MCK2:
		return mck2.New(p, logger), nil
	case BUD:
		return bud.New(p, logger), nil
	case LZBUD:
		return lzbud.New(p, logger), nil
	default:
		return nil, fmt.Errorf("kma: unknown policy %s", opts.Policy)
	}
}
