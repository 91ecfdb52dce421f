// Package bitmap implements the MINBUF-cell-granularity bitmap the buddy
// policies (bud, lzbud) keep per page: one bit per MINBUFSIZE-byte cell,
// set when that cell is the first cell of an allocated buffer.
//
// A View does not own its storage — it is a thin window over bytes that
// already live inside a page's header, ported from kma_bud.c's bitmap
// field: one bit tracks a whole buffer regardless of its class size, so
// every update touches exactly the bit at the buffer's first cell.
package bitmap

import "unsafe"

// View is a bitmap over nBytes bytes starting at base.
type View struct {
	bytes []byte
}

// NewView wraps the nCells-bit region starting at base. base must point at
// storage at least ByteLen(nCells) bytes long.
func NewView(base unsafe.Pointer, nCells int) View {
	return View{bytes: unsafe.Slice((*byte)(base), ByteLen(nCells))}
}

// ByteLen returns the number of bytes needed to hold nCells bits.
func ByteLen(nCells int) int {
	return (nCells + 7) / 8
}

// Test reports whether the bit for cell is set.
func (v View) Test(cell int) bool {
	return v.bytes[cell>>3]&(1<<uint(cell&7)) != 0
}

// Set marks a single cell's bit.
func (v View) Set(cell int) {
	v.bytes[cell>>3] |= 1 << uint(cell&7)
}

// Clear unmarks a single cell's bit.
func (v View) Clear(cell int) {
	v.bytes[cell>>3] &^= 1 << uint(cell&7)
}
