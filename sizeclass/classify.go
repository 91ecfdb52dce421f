// Package sizeclass maps a requested byte count to a class index and a
// class index back to the physical bytes reserved for it. Two families
// are provided: the fixed nine-class set P2FL and MCK2 share, and the
// power-of-two buddy class set BUD and LZBUD derive from a page size.
package sizeclass

import "math/bits"

// MinBufSize is MINBUFSIZE: the grain of the buddy policies' bitmap and
// the smallest buffer either ever hands out.
const MinBufSize = 32

// StandardClasses builds the nine-entry ascending class table P2FL and
// MCK2 share: the eight fixed powers of two followed by maxspace, the
// largest single-buffer payload a non-bypass allocation can obtain.
func StandardClasses(maxspace uint32) [9]uint32 {
	return [9]uint32{32, 64, 128, 256, 512, 1024, 2048, 4096, maxspace}
}

// Table is an ascending, table-driven set of size classes: ClassOf walks
// the table to find the first class large enough to hold size, exactly
// the technique the runtime's own size-class tables use (scanning a small
// fixed table instead of computing a class arithmetically).
type Table struct {
	sizes []uint32
}

// NewTable wraps an ascending slice of class sizes. Callers own the
// backing array; NewTable does not copy it.
func NewTable(sizes []uint32) Table {
	return Table{sizes: sizes}
}

// ClassOf returns the smallest class able to hold size, and false if size
// exceeds every class in the table.
func (t Table) ClassOf(size uint32) (int, bool) {
	for i, s := range t.sizes {
		if size <= s {
			return i, true
		}
	}
	return 0, false
}

// SizeOf returns the exact byte count reserved for class.
func (t Table) SizeOf(class int) uint32 {
	return t.sizes[class]
}

// Len returns the number of classes in the table.
func (t Table) Len() int { return len(t.sizes) }

// BuddyTable is the power-of-two class set BUD and LZBUD use: class i
// denotes size pageSize/2^(i+1), running from pageSize/2 down to
// MinBufSize.
type BuddyTable struct {
	pageSize   uint32
	numClasses int
}

// NewBuddyTable builds the buddy class set for a page of pageSize bytes.
// pageSize must be a power of two no smaller than 2*MinBufSize.
func NewBuddyTable(pageSize uint32) BuddyTable {
	return BuddyTable{
		pageSize:   pageSize,
		numClasses: bits.Len32(pageSize/MinBufSize) - 1,
	}
}

// NumClasses returns how many buddy classes this page size has.
func (b BuddyTable) NumClasses() int { return b.numClasses }

// SizeOf returns the exact byte count of class.
func (b BuddyTable) SizeOf(class int) uint32 {
	return b.pageSize >> uint(class+1)
}

// ClassOf rounds size up to the next power of two (minimum MinBufSize)
// and returns its buddy class, or false if it exceeds pageSize/2 (the
// large-allocation bypass threshold).
func (b BuddyTable) ClassOf(size uint32) (int, bool) {
	rounded := RoundUpPow2(size)
	if rounded < MinBufSize {
		rounded = MinBufSize
	}
	if rounded > b.pageSize/2 {
		return 0, false
	}
	ratio := b.pageSize / rounded
	return bits.Len32(ratio) - 2, true
}

// RoundUpPow2 rounds n up to the next power of two. RoundUpPow2(0) is 1.
func RoundUpPow2(n uint32) uint32 {
	if n == 0 {
		return 1
	}
	n--
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	return n + 1
}
