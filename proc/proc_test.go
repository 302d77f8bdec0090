package proc_test

import (
	"encoding/binary"
	"testing"
	"time"

	"rvkernel/defs"
	"rvkernel/ioobj"
	"rvkernel/mem"
	"rvkernel/proc"
	"rvkernel/sched"
	"rvkernel/vm"
)

// buildELF assembles the smallest valid RV64 ET_EXEC image loadSegment
// will accept: an ELF64 header plus one PT_LOAD program header covering
// text containing code bytes, with a BSS tail beyond the file contents.
func buildELF(t *testing.T, vaddr uint64, code []byte, bssLen int) []byte {
	t.Helper()
	const ehdrSize = 64
	const phdrSize = 56
	filesz := uint64(len(code))
	memsz := filesz + uint64(bssLen)

	buf := make([]byte, ehdrSize+phdrSize+len(code))
	copy(buf[0:4], []byte{0x7f, 'E', 'L', 'F'})
	buf[4] = 2 // ELFCLASS64
	buf[5] = 1 // ELFDATA2LSB
	buf[6] = 1 // EV_CURRENT
	le := binary.LittleEndian
	le.PutUint16(buf[16:], 2)         // e_type = ET_EXEC
	le.PutUint16(buf[18:], 0xf3)      // e_machine = EM_RISCV
	le.PutUint32(buf[20:], 1)         // e_version
	le.PutUint64(buf[24:], vaddr)     // e_entry
	le.PutUint64(buf[32:], ehdrSize)  // e_phoff
	le.PutUint16(buf[52:], ehdrSize)  // e_ehsize
	le.PutUint16(buf[54:], phdrSize)  // e_phentsize
	le.PutUint16(buf[56:], 1)         // e_phnum

	ph := buf[ehdrSize:]
	le.PutUint32(ph[0:], 1)                 // p_type = PT_LOAD
	le.PutUint32(ph[4:], 5)                 // p_flags = PF_R|PF_X
	le.PutUint64(ph[8:], ehdrSize+phdrSize) // p_offset
	le.PutUint64(ph[16:], vaddr)            // p_vaddr
	le.PutUint64(ph[24:], vaddr)            // p_paddr
	le.PutUint64(ph[32:], filesz)           // p_filesz
	le.PutUint64(ph[40:], memsz)            // p_memsz

	copy(buf[ehdrSize+phdrSize:], code)
	return buf
}

func newManager(t *testing.T) (*proc.Manager, *vm.Manager, *sched.Scheduler) {
	t.Helper()
	ram := make([]byte, 4096*defs.PGSIZE)
	a := mem.NewAllocator(ram, defs.Pa_t(0), 4096)
	vmm := vm.NewManager(a)
	s := sched.New()
	pm := proc.NewManager(s, vmm)
	return pm, vmm, s
}

func TestExecBuildsEntryTrapFrame(t *testing.T) {
	pm, _, _ := newManager(t)

	vaddr := defs.UMEM_START
	code := make([]byte, 16)
	raw := buildELF(t, vaddr, code, 64)
	img := ioobj.CreateMemoryIO(raw)

	p, err := pm.NewProcess(func(p *proc.Process) {})
	if err != 0 {
		t.Fatalf("NewProcess: %v", err)
	}

	tf, err := pm.Exec(p, img, []string{"init", "-v"})
	if err != 0 {
		t.Fatalf("Exec: %v", err)
	}
	if tf.PC != vaddr {
		t.Fatalf("PC: got %#x want %#x", tf.PC, vaddr)
	}
	if tf.SP != defs.UMEM_END {
		t.Fatalf("SP: got %#x want %#x", tf.SP, defs.UMEM_END)
	}
	if tf.A0 != 2 {
		t.Fatalf("argc: got %d want 2", tf.A0)
	}
	if tf.A1 == 0 {
		t.Fatalf("argv pointer must be non-zero")
	}
}

func TestForkClonesIOAndInvertsA0(t *testing.T) {
	pm, _, s := newManager(t)
	go s.Run()

	parent, err := pm.NewProcess(func(p *proc.Process) {})
	if err != 0 {
		t.Fatalf("NewProcess: %v", err)
	}
	vaddr := defs.UMEM_START
	raw := buildELF(t, vaddr, make([]byte, 16), 64)
	if _, err := pm.Exec(parent, ioobj.CreateMemoryIO(raw), nil); err != 0 {
		t.Fatalf("Exec: %v", err)
	}

	io := ioobj.CreateMemoryIO([]byte("x"))
	if slot, err := parent.AllocFD(io, -1); err != 0 || slot != 0 {
		t.Fatalf("AllocFD: slot=%d err=%v", slot, err)
	}

	tf := &proc.TrapFrame{PC: 0x1000, SP: defs.UMEM_END, A0: 99}
	done := make(chan *proc.TrapFrame, 1)
	var child *proc.Process
	_, err = pm.Fork(parent, tf, func(c *proc.Process, childTF *proc.TrapFrame) {
		child = c
		done <- childTF
	})
	if err != 0 {
		t.Fatalf("Fork: %v", err)
	}
	select {
	case childTF := <-done:
		if childTF.A0 != 0 {
			t.Fatalf("child a0: got %d want 0", childTF.A0)
		}
		if childTF.PC != tf.PC {
			t.Fatalf("child PC: got %#x want %#x", childTF.PC, tf.PC)
		}
		if child.IOAt(0) != io || io.Refs() != 2 {
			t.Fatalf("child I/O table not cloned: slot 0 %p want %p, refs %d want 2", child.IOAt(0), io, io.Refs())
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("fork test timed out waiting for child thread")
	}
}

func TestAllocFDExactSlotAndExhaustion(t *testing.T) {
	p := &proc.Process{}
	io := ioobj.CreateMemoryIO(nil)

	if slot, err := p.AllocFD(io, 3); err != 0 || slot != 3 {
		t.Fatalf("AllocFD exact: slot=%d err=%v", slot, err)
	}
	if _, err := p.AllocFD(io, 3); err != defs.EBADFD {
		t.Fatalf("AllocFD occupied: got %v want EBADFD", err)
	}

	for i := 0; i < defs.PROCESS_IOMAX; i++ {
		if i == 3 {
			continue
		}
		if _, err := p.AllocFD(ioobj.CreateMemoryIO(nil), -1); err != 0 {
			t.Fatalf("AllocFD fill %d: %v", i, err)
		}
	}
	if _, err := p.AllocFD(io, -1); err != defs.EMFILE {
		t.Fatalf("AllocFD full table: got %v want EMFILE", err)
	}
}

func TestCloseFDRejectsEmptySlot(t *testing.T) {
	p := &proc.Process{}
	if err := p.CloseFD(0); err != defs.EBADFD {
		t.Fatalf("CloseFD empty: got %v want EBADFD", err)
	}
}

func TestExitPanicsOnMainProcess(t *testing.T) {
	pm, _, _ := newManager(t)
	main := pm.BindMain(0)
	defer func() {
		if recover() == nil {
			t.Fatalf("Exit on main process did not panic")
		}
	}()
	pm.Exit(main, nil)
}
