// Package vm implements Sv39 address spaces: three-level page tables,
// address-space clone/reset/discard, demand-paged region fault handling,
// and the user-pointer/string validation primitives the syscall layer
// relies on. Cloning copies user data pages eagerly at fork time instead
// of deferring the copy to the first write, so there is no copy-on-write
// bookkeeping here at all.
package vm

import (
	"encoding/binary"
	"sync"

	"rvkernel/defs"
	"rvkernel/mem"
)

const (
	userTopIdx = 256 // root-table indices [0,userTopIdx) address UMEM_START..UMEM_END
	leafFlags  = defs.PTE_R | defs.PTE_W | defs.PTE_X
)

func getPTE(pg []byte, idx int) defs.Pa_t {
	return defs.Pa_t(binary.LittleEndian.Uint64(pg[idx*8:]))
}

func setPTE(pg []byte, idx int, val defs.Pa_t) {
	binary.LittleEndian.PutUint64(pg[idx*8:], uint64(val))
}

func isLeaf(pte defs.Pa_t) bool {
	return pte&leafFlags != 0
}

// vpn extracts the level-th (2, 1, or 0) 9-bit virtual page number from va.
func vpn(va uint64, level int) int {
	return int((va >> uint(12+9*level)) & 0x1ff)
}

func pageBase(pte defs.Pa_t) defs.Pa_t {
	return pte &^ defs.Pa_t(defs.PGOFFSET)
}

// region is a demand-paged mapping a process has declared (heap, stack,
// program segments); a page fault within a declared region allocates and
// zeroes a fresh page rather than faulting fatally.
type region struct {
	start, end uint64
	perm       defs.Pa_t
}

func (r region) contains(va uint64) bool { return va >= r.start && va < r.end }

// AS is one process's address space: a root page-table page plus the list
// of regions a page fault is allowed to satisfy.
type AS struct {
	mu      sync.Mutex
	Root    defs.Pa_t
	regions []region
}

// Manager owns the physical-page allocator and the canonical boot page
// table whose global, kernel-half entries every address space shares.
type Manager struct {
	a        *mem.Allocator
	bootRoot defs.Pa_t
}

// NewManager allocates the canonical kernel root table. Kernel mappings
// (installed via MapKernelPage) must target root-table indices
// [userTopIdx, 512), i.e. virtual addresses >= UMEM_END.
func NewManager(a *mem.Allocator) *Manager {
	return &Manager{a: a, bootRoot: a.AllocZeroedPage()}
}

// MapKernelPage installs a global kernel mapping shared by every address
// space. Panics if va falls in the user half, which would indicate a
// kernel bug (boot-time mappings are fixed and trusted).
func (m *Manager) MapKernelPage(va uint64, pa defs.Pa_t, perm defs.Pa_t) {
	if vpn(va, 2) < userTopIdx {
		panic("vm: kernel mapping targets user half of address space")
	}
	m.mapInto(m.bootRoot, va, pa, perm|defs.PTE_G)
}

// NewAddressSpace allocates a fresh root table whose kernel half (indices
// [userTopIdx,512)) is copied verbatim from the boot table -- the same
// sub-table pointers, never deep-copied, never freed by Reset/Discard --
// and whose user half starts out entirely unmapped.
func (m *Manager) NewAddressSpace() *AS {
	as := &AS{Root: m.a.AllocZeroedPage()}
	m.copyGlobalHalf(as.Root)
	return as
}

func (m *Manager) copyGlobalHalf(dstRoot defs.Pa_t) {
	src := m.a.Page(m.bootRoot)
	dst := m.a.Page(dstRoot)
	for i := userTopIdx; i < 512; i++ {
		setPTE(dst, i, getPTE(src, i))
	}
}

// AddRegion declares a demand-paged region of as's user half. Panics on a
// misaligned or out-of-range request: region declaration is a kernel-side
// exec/fork-time operation, never driven directly by untrusted input.
func (m *Manager) AddRegion(as *AS, start, end uint64, perm defs.Pa_t) {
	if start%uint64(defs.PGSIZE) != 0 || end%uint64(defs.PGSIZE) != 0 || start >= end {
		panic("vm: misaligned region")
	}
	if start < defs.UMEM_START || end > defs.UMEM_END {
		panic("vm: region outside user half")
	}
	as.mu.Lock()
	defer as.mu.Unlock()
	as.regions = append(as.regions, region{start: start, end: end, perm: perm})
}

// Clone duplicates src into a new address space: the kernel half is
// shared (same sub-tables, per copyGlobalHalf), and every valid user-half
// mapping is deep-copied -- non-leaf tables get fresh pages and leaf data
// pages get fresh pages with their contents copied -- so writes in either
// space after Clone never affect the other.
func (m *Manager) Clone(src *AS) *AS {
	src.mu.Lock()
	defer src.mu.Unlock()

	dst := m.NewAddressSpace()
	srcRoot := m.a.Page(src.Root)
	dstRoot := m.a.Page(dst.Root)
	for i := 0; i < userTopIdx; i++ {
		pte := getPTE(srcRoot, i)
		if pte&defs.PTE_V == 0 {
			continue
		}
		setPTE(dstRoot, i, m.cloneSubtree(pte))
	}
	dst.regions = append([]region(nil), src.regions...)
	return dst
}

func (m *Manager) cloneSubtree(srcPTE defs.Pa_t) defs.Pa_t {
	flags := srcPTE & 0xff
	srcPA := pageBase(srcPTE)
	if isLeaf(srcPTE) {
		newPA := m.a.AllocPages(1)
		copy(m.a.Page(newPA), m.a.Page(srcPA))
		return newPA | flags
	}
	newTable := m.a.AllocZeroedPage()
	srcPg := m.a.Page(srcPA)
	dstPg := m.a.Page(newTable)
	for i := 0; i < 512; i++ {
		childPTE := getPTE(srcPg, i)
		if childPTE&defs.PTE_V == 0 {
			continue
		}
		setPTE(dstPg, i, m.cloneSubtree(childPTE))
	}
	return newTable | defs.PTE_V
}

// Reset unmaps and frees every user-half mapping (leaf data pages and the
// non-leaf tables that led to them), leaving the root table itself and
// the shared kernel half intact. Used when a process execs a new program
// image over itself.
func (m *Manager) Reset(as *AS) {
	as.mu.Lock()
	defer as.mu.Unlock()
	root := m.a.Page(as.Root)
	for i := 0; i < userTopIdx; i++ {
		pte := getPTE(root, i)
		if pte&defs.PTE_V == 0 {
			continue
		}
		m.freeSubtree(pte)
		setPTE(root, i, 0)
	}
	as.regions = nil
}

func (m *Manager) freeSubtree(pte defs.Pa_t) {
	pa := pageBase(pte)
	if isLeaf(pte) {
		m.a.FreePages(pa, 1)
		return
	}
	pg := m.a.Page(pa)
	for i := 0; i < 512; i++ {
		child := getPTE(pg, i)
		if child&defs.PTE_V != 0 {
			m.freeSubtree(child)
		}
	}
	m.a.FreePages(pa, 1)
}

// Discard frees a process's whole address space: every user-half mapping
// (per Reset) and the root table page itself. The shared kernel half is
// never touched, since its sub-tables belong to the boot table.
func (m *Manager) Discard(as *AS) {
	m.Reset(as)
	m.a.FreePages(as.Root, 1)
}

// walk descends root's page table to the leaf PTE slot for va, creating
// missing intermediate tables when create is true. Returns the page
// holding the leaf entry and its index within that page.
func (m *Manager) walk(root defs.Pa_t, va uint64, create bool) ([]byte, int, bool) {
	pg := m.a.Page(root)
	for level := 2; level >= 1; level-- {
		idx := vpn(va, level)
		pte := getPTE(pg, idx)
		if pte&defs.PTE_V == 0 {
			if !create {
				return nil, 0, false
			}
			newTable := m.a.AllocZeroedPage()
			setPTE(pg, idx, newTable|defs.PTE_V)
			pg = m.a.Page(newTable)
			continue
		}
		if isLeaf(pte) {
			panic("vm: walked into a superpage leaf where a subtable was expected")
		}
		pg = m.a.Page(pageBase(pte))
	}
	return pg, vpn(va, 0), true
}

func (m *Manager) mapInto(root defs.Pa_t, va uint64, pa defs.Pa_t, perm defs.Pa_t) {
	pg, idx, _ := m.walk(root, va, true)
	setPTE(pg, idx, pageBase(pa)|perm|defs.PTE_V)
}

// MapPage installs a single 4K mapping in as's user half. Callers must
// page-align both va and pa.
func (m *Manager) MapPage(as *AS, va uint64, pa defs.Pa_t, perm defs.Pa_t) {
	if vpn(va, 2) >= userTopIdx {
		panic("vm: user MapPage targets kernel half")
	}
	as.mu.Lock()
	defer as.mu.Unlock()
	m.mapInto(as.Root, va, pa, perm|defs.PTE_U)
}

// AllocAndMapRange allocates n freshly zeroed pages and maps them
// starting at va with perm, the common path for populating an ELF
// segment or growing a heap/stack.
func (m *Manager) AllocAndMapRange(as *AS, va uint64, n int, perm defs.Pa_t) {
	for i := 0; i < n; i++ {
		pa := m.a.AllocZeroedPage()
		m.MapPage(as, va+uint64(i*defs.PGSIZE), pa, perm)
	}
}

// SetRangeFlags updates the permission bits of n mapped pages starting at
// va, preserving their physical addresses. Returns ENOENT if any page in
// the range is unmapped.
func (m *Manager) SetRangeFlags(as *AS, va uint64, n int, perm defs.Pa_t) defs.Err_t {
	as.mu.Lock()
	defer as.mu.Unlock()
	for i := 0; i < n; i++ {
		cur := va + uint64(i*defs.PGSIZE)
		pg, idx, ok := m.walk(as.Root, cur, false)
		if !ok || getPTE(pg, idx)&defs.PTE_V == 0 {
			return defs.ENOENT
		}
		pa := pageBase(getPTE(pg, idx))
		setPTE(pg, idx, pa|perm|defs.PTE_U|defs.PTE_V)
	}
	return 0
}

// UnmapAndFreeRange unmaps n pages starting at va and frees their backing
// physical pages. Unmapped pages in the range are silently skipped.
func (m *Manager) UnmapAndFreeRange(as *AS, va uint64, n int) {
	as.mu.Lock()
	defer as.mu.Unlock()
	for i := 0; i < n; i++ {
		cur := va + uint64(i*defs.PGSIZE)
		pg, idx, ok := m.walk(as.Root, cur, false)
		if !ok {
			continue
		}
		pte := getPTE(pg, idx)
		if pte&defs.PTE_V == 0 {
			continue
		}
		m.a.FreePages(pageBase(pte), 1)
		setPTE(pg, idx, 0)
	}
}

// HandleUserPageFault satisfies a demand-paging fault at va: if va falls
// within a region as has declared, a fresh zeroed page is allocated and
// mapped with that region's permissions. Otherwise returns EACCESS, the
// simulator's stand-in for a fatal segmentation fault.
func (m *Manager) HandleUserPageFault(as *AS, va uint64, write bool) defs.Err_t {
	as.mu.Lock()
	defer as.mu.Unlock()
	return m.faultLocked(as, va, write)
}

func (m *Manager) faultLocked(as *AS, va uint64, write bool) defs.Err_t {
	aligned := va &^ uint64(defs.PGOFFSET)
	for _, r := range as.regions {
		if !r.contains(va) {
			continue
		}
		if write && r.perm&defs.PTE_W == 0 {
			return defs.EACCESS
		}
		pa := m.a.AllocZeroedPage()
		m.mapInto(as.Root, aligned, pa, r.perm|defs.PTE_U)
		return 0
	}
	return defs.EACCESS
}

// ensurePage returns the backing page and in-page offset for va, demand
// paging it in first if necessary. Must be called with no lock held; it
// takes as.mu itself.
func (m *Manager) ensurePage(as *AS, va uint64, write bool) ([]byte, int, defs.Err_t) {
	as.mu.Lock()
	pg, idx, ok := m.walk(as.Root, va, false)
	if ok {
		pte := getPTE(pg, idx)
		if pte&defs.PTE_V != 0 {
			if write && pte&defs.PTE_W == 0 {
				as.mu.Unlock()
				return nil, 0, defs.EACCESS
			}
			pa := pageBase(pte)
			off := int(va) & defs.PGOFFSET
			as.mu.Unlock()
			return m.a.Page(pa), off, 0
		}
	}
	if err := m.faultLocked(as, va, write); err != 0 {
		as.mu.Unlock()
		return nil, 0, err
	}
	pg, idx, _ = m.walk(as.Root, va, false)
	pte := getPTE(pg, idx)
	pa := pageBase(pte)
	off := int(va) & defs.PGOFFSET
	as.mu.Unlock()
	return m.a.Page(pa), off, 0
}

// CopyIn copies len(dst) bytes from as's user half starting at uva into
// dst, demand-paging as needed: every byte touched must lie in a page that
// is already mapped or inside a declared region. Used by the syscall
// layer's validate_vptr path for reads from user buffers.
func (m *Manager) CopyIn(as *AS, uva uint64, dst []byte) defs.Err_t {
	for i := 0; i < len(dst); {
		pg, off, err := m.ensurePage(as, uva+uint64(i), false)
		if err != 0 {
			return err
		}
		n := copy(dst[i:], pg[off:])
		i += n
	}
	return 0
}

// CopyOut writes src into as's user half starting at uva, demand-paging
// and permission-checking for write access as it goes.
func (m *Manager) CopyOut(as *AS, uva uint64, src []byte) defs.Err_t {
	for i := 0; i < len(src); {
		pg, off, err := m.ensurePage(as, uva+uint64(i), true)
		if err != 0 {
			return err
		}
		n := copy(pg[off:], src[i:])
		i += n
	}
	return 0
}

// ValidateVstr copies a NUL-terminated string from user space, up to
// maxlen bytes. Returns ENAMETOOLONG if no NUL appears within maxlen
// bytes.
func (m *Manager) ValidateVstr(as *AS, uva uint64, maxlen int) (string, defs.Err_t) {
	buf := make([]byte, 0, 64)
	var one [64]byte
	for uint64(len(buf)) < uint64(maxlen) {
		n := len(one)
		remaining := maxlen - len(buf)
		if n > remaining {
			n = remaining
		}
		if err := m.CopyIn(as, uva+uint64(len(buf)), one[:n]); err != 0 {
			return "", err
		}
		for i := 0; i < n; i++ {
			if one[i] == 0 {
				buf = append(buf, one[:i]...)
				return string(buf), 0
			}
		}
		buf = append(buf, one[:n]...)
	}
	return "", defs.ENAMETOOLONG
}
