//go:build windows

package page

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/farlue/kma/internal/layout"
	"golang.org/x/sys/windows"
)

// OSProvider obtains anonymous, zero-filled pages via VirtualAlloc and
// releases them with VirtualFree — the Windows counterpart of the
// mmap/munmap pairing the teacher pack's mmap_windows.go wraps around
// CreateFileMapping/MapViewOfFile for a file-backed mapping; this provider
// has no file to back it with, so VirtualAlloc is the direct analogue.
type OSProvider struct {
	size   uint32
	mu     sync.Mutex
	nextID uint64
	live   map[uint64]uintptr
}

// NewOSProvider builds an OSProvider issuing pageSize-byte anonymous
// mappings. pageSize should be a multiple of the OS page size.
func NewOSProvider(pageSize uint32) *OSProvider {
	return &OSProvider{size: pageSize, live: make(map[uint64]uintptr)}
}

func (o *OSProvider) PageSize() uint32 { return o.size }

// GetPage reserves a region wide enough to guarantee a pageSize-aligned
// subrange, releases the reservation, then commits exactly pageSize bytes
// at the aligned address. VirtualAlloc's own allocation granularity (64KB)
// only covers pageSize values up to that, so pageSize values above it need
// this same over-reserve-then-realloc trick mmap needs on Unix. The
// reserve/release/realloc sequence has a race window where another thread
// in this process could claim the address before the second VirtualAlloc;
// acceptable here since OSProvider is meant for single-allocator-per-process
// use.
func (o *OSProvider) GetPage() (*Page, error) {
	reserveSize := uintptr(o.size) + uintptr(o.size)
	reserved, err := windows.VirtualAlloc(0, reserveSize,
		windows.MEM_RESERVE, windows.PAGE_READWRITE)
	if err != nil {
		return nil, &ErrProvider{Op: "GetPage", Err: err}
	}
	aligned := layout.AlignUp(reserved, uintptr(o.size))
	if err := windows.VirtualFree(reserved, 0, windows.MEM_RELEASE); err != nil {
		return nil, &ErrProvider{Op: "GetPage", Err: err}
	}

	addr, err := windows.VirtualAlloc(aligned, uintptr(o.size),
		windows.MEM_COMMIT|windows.MEM_RESERVE, windows.PAGE_READWRITE)
	if err != nil {
		return nil, &ErrProvider{Op: "GetPage", Err: err}
	}

	o.mu.Lock()
	id := o.nextID
	o.nextID++
	o.live[id] = addr
	o.mu.Unlock()

	base := unsafe.Pointer(addr)
	WriteID(base, id)
	return &Page{Base: base, Size: o.size, ID: id}, nil
}

func (o *OSProvider) FreePage(p *Page) error {
	o.mu.Lock()
	addr, ok := o.live[p.ID]
	if ok {
		delete(o.live, p.ID)
	}
	o.mu.Unlock()

	if !ok {
		return &ErrProvider{Op: "FreePage", Err: fmt.Errorf("page %d not owned by this provider", p.ID)}
	}
	if err := windows.VirtualFree(addr, 0, windows.MEM_RELEASE); err != nil {
		return &ErrProvider{Op: "FreePage", Err: err}
	}
	return nil
}
