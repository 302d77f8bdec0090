// Package elf391 parses and loads 64-bit little-endian RISC-V executables
// into a freshly reset address space. Header validation
// (magic/class/endianness/version/machine/type) goes through the standard
// library's debug/elf; segment placement and permissions are enforced
// here.
package elf391

import (
	"bytes"
	"debug/elf"

	"rvkernel/defs"
	"rvkernel/ioobj"
	"rvkernel/util"
	"rvkernel/vm"
)

// Load validates src as an RV64 executable and maps every PT_LOAD segment
// into as via m, zeroing each segment's BSS tail and restoring its
// requested permissions once its contents are copied in. Returns the
// entry address on success.
//
// Errors: EBADFMT on bad magic/class/endianness/version/machine/type,
// EINVAL on any other validation failure (oversized p_filesz, segment
// outside the user half, address overflow), EIO on a short read.
func Load(src *ioobj.Io_t, m *vm.Manager, as *vm.AS) (uint64, defs.Err_t) {
	raw, rerr := readAll(src)
	if rerr != 0 {
		return 0, rerr
	}
	if len(raw) < 4 || raw[0] != 0x7f || string(raw[1:4]) != "ELF" {
		return 0, defs.EBADFMT
	}

	f, err := elf.NewFile(bytes.NewReader(raw))
	if err != nil {
		return 0, defs.EBADFMT
	}
	if f.Class != elf.ELFCLASS64 || f.Data != elf.ELFDATA2LSB {
		return 0, defs.EBADFMT
	}
	if f.Version != elf.EV_CURRENT {
		return 0, defs.EBADFMT
	}
	if f.Machine != elf.EM_RISCV {
		return 0, defs.EBADFMT
	}
	if f.Type != elf.ET_EXEC {
		return 0, defs.EBADFMT
	}

	for _, ph := range f.Progs {
		if ph.Type != elf.PT_LOAD {
			continue
		}
		if err := loadSegment(raw, ph, m, as); err != 0 {
			return 0, err
		}
	}
	return f.Entry, 0
}

func loadSegment(raw []byte, ph *elf.Prog, m *vm.Manager, as *vm.AS) defs.Err_t {
	if ph.Filesz > ph.Memsz {
		return defs.EINVAL
	}
	start := ph.Vaddr
	end := ph.Vaddr + ph.Memsz
	if end < start {
		return defs.EINVAL
	}
	if start < defs.UMEM_START || end > defs.UMEM_END {
		return defs.EINVAL
	}
	if ph.Off+ph.Filesz > uint64(len(raw)) {
		return defs.EIO
	}

	var perm defs.Pa_t
	if ph.Flags&elf.PF_R != 0 {
		perm |= defs.PTE_R
	}
	if ph.Flags&elf.PF_W != 0 {
		perm |= defs.PTE_W
	}
	if ph.Flags&elf.PF_X != 0 {
		perm |= defs.PTE_X
	}

	pageStart := util.Rounddown(start, uint64(defs.PGSIZE))
	pageEnd := util.Roundup(end, uint64(defs.PGSIZE))
	npages := int((pageEnd - pageStart) / uint64(defs.PGSIZE))

	// map read-write temporarily so the copy below never needs a
	// read-only-segment special case; permissions are restored last.
	m.AllocAndMapRange(as, pageStart, npages, perm|defs.PTE_W)

	data := raw[ph.Off : ph.Off+ph.Filesz]
	if err := m.CopyOut(as, start, data); err != 0 {
		return err
	}
	if bssLen := ph.Memsz - ph.Filesz; bssLen > 0 {
		if err := m.CopyOut(as, start+ph.Filesz, make([]byte, bssLen)); err != 0 {
			return err
		}
	}

	return m.SetRangeFlags(as, pageStart, npages, perm)
}

func readAll(src *ioobj.Io_t) ([]byte, defs.Err_t) {
	var out []byte
	chunk := make([]byte, 4096)
	for {
		n, err := src.Read(chunk)
		if err != 0 {
			return nil, err
		}
		if n == 0 {
			break
		}
		out = append(out, chunk[:n]...)
	}
	return out, 0
}
