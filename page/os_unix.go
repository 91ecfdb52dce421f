//go:build unix || linux || darwin || freebsd || openbsd || netbsd

package page

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/farlue/kma/internal/layout"
	"golang.org/x/sys/unix"
)

// OSProvider obtains anonymous, zero-filled pages straight from the OS via
// mmap and releases them with munmap, grounded on the teacher pack's
// mmap_unix.go file-backed mapping (here anonymous, since the allocator
// has no file to back it with).
type OSProvider struct {
	size   uint32
	mu     sync.Mutex
	nextID uint64
	live   map[uint64][]byte
}

// NewOSProvider builds an OSProvider issuing pageSize-byte anonymous
// mappings. pageSize should be a multiple of the OS page size.
func NewOSProvider(pageSize uint32) *OSProvider {
	return &OSProvider{size: pageSize, live: make(map[uint64][]byte)}
}

func (o *OSProvider) PageSize() uint32 { return o.size }

// GetPage over-maps by one extra pageSize and hands back the pageSize-
// aligned pointer inside that mapping. mmap with a null hint is only
// guaranteed aligned to the OS's native page size, not to the allocator's
// (possibly larger, possibly non-default) pageSize that BaseOf's masking
// depends on, so the raw mmap result can't be returned directly. The full
// over-mapped slice is kept in live, keyed by id, so FreePage can munmap
// the exact region the kernel gave out.
func (o *OSProvider) GetPage() (*Page, error) {
	mapSize := int(o.size) + int(o.size)
	data, err := unix.Mmap(-1, 0, mapSize,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, &ErrProvider{Op: "GetPage", Err: err}
	}

	raw := unsafe.Pointer(&data[0])
	aligned := unsafe.Pointer(layout.AlignUp(uintptr(raw), uintptr(o.size)))

	o.mu.Lock()
	id := o.nextID
	o.nextID++
	o.live[id] = data
	o.mu.Unlock()

	WriteID(aligned, id)
	return &Page{Base: aligned, Size: o.size, ID: id}, nil
}

func (o *OSProvider) FreePage(p *Page) error {
	o.mu.Lock()
	data, ok := o.live[p.ID]
	if ok {
		delete(o.live, p.ID)
	}
	o.mu.Unlock()

	if !ok {
		return &ErrProvider{Op: "FreePage", Err: fmt.Errorf("page %d not owned by this provider", p.ID)}
	}
	if err := unix.Munmap(data); err != nil {
		return &ErrProvider{Op: "FreePage", Err: err}
	}
	return nil
}
