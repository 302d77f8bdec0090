// Package mem implements the page-frame allocator and the flat
// physical-memory arena the rest of the kernel maps pages out of: a
// singly linked free list whose headers live in the first bytes of each
// chunk's first page, first-fit allocation, head-inserted frees. There
// is no per-CPU sharding or page refcounting: the kernel runs on a
// single hart, and the only owner of a physical page is either the
// kernel's direct map or exactly one address space.
package mem

import (
	"encoding/binary"
	"fmt"
	"sync"

	"rvkernel/defs"
)

const (
	chunkHdrSize = 16 // next (8 bytes) + pagecnt (8 bytes), little-endian
	nilNext      = ^uint64(0)
)

// Allocator tracks free physical pages as a list of chunks living directly
// inside a flat RAM arena. PhysBase is the simulated physical address of
// ram[0]; every Pa_t handed out or accepted by the allocator is an absolute
// address in [PhysBase, PhysBase+len(ram)).
type Allocator struct {
	mu       sync.Mutex
	ram      []byte
	PhysBase defs.Pa_t
	free     uint64 // offset into ram of head chunk, or nilNext
	freePgs  int
	totalPgs int
}

// NewAllocator carves npages page frames out of ram (which must be at least
// npages*PGSIZE bytes) and initializes them as a single free chunk, the one
// contiguous free run boot starts from.
func NewAllocator(ram []byte, physBase defs.Pa_t, npages int) *Allocator {
	need := npages * defs.PGSIZE
	if len(ram) < need {
		panic("mem: ram arena too small for requested page count")
	}
	a := &Allocator{ram: ram, PhysBase: physBase}
	a.free = 0
	a.freePgs = npages
	a.totalPgs = npages
	a.writeHeader(0, nilNext, npages)
	return a
}

func (a *Allocator) writeHeader(off uint64, next uint64, pagecnt int) {
	binary.LittleEndian.PutUint64(a.ram[off:], next)
	binary.LittleEndian.PutUint64(a.ram[off+8:], uint64(pagecnt))
}

func (a *Allocator) readHeader(off uint64) (next uint64, pagecnt int) {
	next = binary.LittleEndian.Uint64(a.ram[off:])
	pagecnt = int(binary.LittleEndian.Uint64(a.ram[off+8:]))
	return
}

func (a *Allocator) off2pa(off uint64) defs.Pa_t {
	return a.PhysBase + defs.Pa_t(off)
}

func (a *Allocator) pa2off(pa defs.Pa_t) uint64 {
	if pa < a.PhysBase {
		panic("mem: address below arena")
	}
	return uint64(pa - a.PhysBase)
}

// AllocPages finds the first free chunk with at least n pages (first-fit),
// carves off the leading n pages, and returns their base address. There is
// no backing store behind physical memory, so exhaustion is fatal.
func (a *Allocator) AllocPages(n int) defs.Pa_t {
	if n <= 0 {
		panic("mem: bad page count")
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	var prev uint64 = nilNext
	cur := a.free
	for cur != nilNext {
		next, pagecnt := a.readHeader(cur)
		if pagecnt >= n {
			base := cur
			remain := pagecnt - n
			if remain > 0 {
				newoff := cur + uint64(n*defs.PGSIZE)
				a.writeHeader(newoff, next, remain)
				if prev == nilNext {
					a.free = newoff
				} else {
					a.relink(prev, newoff)
				}
			} else {
				if prev == nilNext {
					a.free = next
				} else {
					a.relink(prev, next)
				}
			}
			a.freePgs -= n
			return a.off2pa(base)
		}
		prev = cur
		cur = next
	}
	panic(fmt.Sprintf("mem: out of physical memory allocating %d pages (free=%d)", n, a.freePgs))
}

func (a *Allocator) relink(prevOff, newNext uint64) {
	_, pc := a.readHeader(prevOff)
	a.writeHeader(prevOff, newNext, pc)
}

// FreePages head-inserts a new chunk {n, free} at p, returning the pages to
// the list. Coalescing is unnecessary: callers always hold whole,
// page-aligned chunks they themselves allocated.
func (a *Allocator) FreePages(p defs.Pa_t, n int) {
	if n <= 0 {
		panic("mem: bad page count")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	off := a.pa2off(p)
	a.writeHeader(off, a.free, n)
	a.free = off
	a.freePgs += n
}

// FreePageCount returns the number of free pages summed across every chunk.
func (a *Allocator) FreePageCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.freePgs
}

// TotalPages returns the page count the allocator was initialized with.
func (a *Allocator) TotalPages() int {
	return a.totalPgs
}

// Page returns a byte slice view of the PGSIZE page backing pa, allowing
// callers (principally the vm package, manipulating page-table pages) to
// read and write "physical" memory directly.
func (a *Allocator) Page(pa defs.Pa_t) []byte {
	off := a.pa2off(pa)
	if off%uint64(defs.PGSIZE) != 0 {
		panic("mem: unaligned physical page address")
	}
	return a.ram[off : off+uint64(defs.PGSIZE)]
}

// AllocZeroedPage allocates a single page and zeroes it, the common case
// for page-table pages and demand-paged user pages.
func (a *Allocator) AllocZeroedPage() defs.Pa_t {
	pa := a.AllocPages(1)
	pg := a.Page(pa)
	for i := range pg {
		pg[i] = 0
	}
	return pa
}
