// Package proc implements the process table: a fixed-size slot table,
// each slot's I/O table and address-space binding, ELF exec, fork-style
// cloning and exit.
package proc

import (
	"fmt"
	"sync"

	"rvkernel/defs"
	"rvkernel/elf391"
	"rvkernel/ioobj"
	"rvkernel/sched"
	"rvkernel/util"
	"rvkernel/vm"
)

// TrapFrame is the saved register state exec/fork build and restore.
// Real trap-entry assembly and the architectural register file it saves
// are an opaque collaborator; this struct models only the fields the
// core logic itself inspects or sets.
type TrapFrame struct {
	SP     uint64
	PC     uint64
	RA     uint64
	Status uint64
	A0     uint64
	A1     uint64
	A2     uint64
	A7     uint64 // syscall number, set by the trap entry before dispatch
}

// StatusUserIntrEnabled is the trap-frame status value exec installs so
// that interrupts are enabled and supervisor may access user pages on
// return to user mode.
const StatusUserIntrEnabled = 1

// Process is one slot of the fixed-size process table. Slot 0 is the
// static main process sharing the kernel address space (as == nil); every
// other process owns its own address space.
type Process struct {
	mu  sync.Mutex
	ID  defs.Pid_t
	Tid defs.Tid_t
	as  *vm.AS
	io  [defs.PROCESS_IOMAX]*ioobj.Io_t
}

// AS returns the process's bound address space, nil for the main process.
func (p *Process) AS() *vm.AS {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.as
}

// IOAt returns the I/O object at fd table slot, or nil if the slot or
// index is invalid/empty.
func (p *Process) IOAt(slot int) *ioobj.Io_t {
	p.mu.Lock()
	defer p.mu.Unlock()
	if slot < 0 || slot >= defs.PROCESS_IOMAX {
		return nil
	}
	return p.io[slot]
}

// AllocFD installs io at want (if want >= 0), or at the lowest free slot
// (if want < 0). EBADFD if want is out of range or already occupied;
// EMFILE if no slot is free.
func (p *Process) AllocFD(io *ioobj.Io_t, want int) (int, defs.Err_t) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if want >= 0 {
		if want >= defs.PROCESS_IOMAX || p.io[want] != nil {
			return 0, defs.EBADFD
		}
		p.io[want] = io
		return want, 0
	}
	for i := 0; i < defs.PROCESS_IOMAX; i++ {
		if p.io[i] == nil {
			p.io[i] = io
			return i, 0
		}
	}
	return 0, defs.EMFILE
}

// CloseFD closes and clears fd table slot, EBADFD if it is empty or out
// of range.
func (p *Process) CloseFD(slot int) defs.Err_t {
	p.mu.Lock()
	if slot < 0 || slot >= defs.PROCESS_IOMAX || p.io[slot] == nil {
		p.mu.Unlock()
		return defs.EBADFD
	}
	io := p.io[slot]
	p.io[slot] = nil
	p.mu.Unlock()
	return io.Close()
}

// Flusher is the subset of *ktfs.FS that Exit needs, accepted as an
// interface so this package never imports the filesystem package directly.
type Flusher interface {
	Flush() defs.Err_t
}

// Manager owns the fixed-size process table and the scheduler/address-
// space manager every process operation drives.
type Manager struct {
	mu    sync.Mutex
	s     *sched.Scheduler
	vmm   *vm.Manager
	procs [defs.NPROC]*Process
}

// NewManager creates an empty process table bound to s and vmm.
func NewManager(s *sched.Scheduler, vmm *vm.Manager) *Manager {
	return &Manager{s: s, vmm: vmm}
}

// BindMain installs the static main process at table slot 0, sharing the
// kernel address space. tid is the thread id of the main process's own
// thread.
func (pm *Manager) BindMain(tid defs.Tid_t) *Process {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	p := &Process{ID: 0, Tid: tid}
	pm.procs[0] = p
	return p
}

func (pm *Manager) freeSlotLocked() (defs.Pid_t, bool) {
	for i := 1; i < defs.NPROC; i++ {
		if pm.procs[i] == nil {
			return defs.Pid_t(i), true
		}
	}
	return 0, false
}

// At returns the process at table index id, or nil if the slot is empty.
func (pm *Manager) At(id defs.Pid_t) *Process {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if id < 0 || int(id) >= defs.NPROC {
		return nil
	}
	return pm.procs[id]
}

// NewProcess allocates a fresh process-table slot for a process created
// directly rather than via fork (the first user process spawned at boot)
// and spawns its kernel thread, whose body is runBody. ECHILD if the
// table is full, EMTHR if no thread slot is free.
func (pm *Manager) NewProcess(runBody func(p *Process)) (*Process, defs.Err_t) {
	pm.mu.Lock()
	id, ok := pm.freeSlotLocked()
	if !ok {
		pm.mu.Unlock()
		return nil, defs.ECHILD
	}
	p := &Process{ID: id}
	pm.procs[id] = p
	pm.mu.Unlock()

	tid, err := pm.s.Spawn(fmt.Sprintf("proc%d", id), func() { runBody(p) })
	if err != 0 {
		pm.mu.Lock()
		pm.procs[id] = nil
		pm.mu.Unlock()
		return nil, err
	}
	p.Tid = tid
	return p, 0
}

// Exec replaces p's image: resets (or allocates, for a process that has
// none yet) its address space, loads the ELF read from io, maps a single
// user stack page at UMEM_END-PAGE_SIZE, lays out argv on it, and returns
// the trap frame exec would jump into. Callers must exit the calling
// thread on a non-zero return.
func (pm *Manager) Exec(p *Process, io *ioobj.Io_t, argv []string) (*TrapFrame, defs.Err_t) {
	p.mu.Lock()
	as := p.as
	p.mu.Unlock()

	if as != nil {
		pm.vmm.Reset(as)
	} else {
		as = pm.vmm.NewAddressSpace()
		p.mu.Lock()
		p.as = as
		p.mu.Unlock()
	}

	entry, err := elf391.Load(io, pm.vmm, as)
	if err != 0 {
		return nil, err
	}

	stackPageVA := defs.UMEM_END - uint64(defs.PGSIZE)
	pm.vmm.AllocAndMapRange(as, stackPageVA, 1, defs.PTE_R|defs.PTE_W)

	argvUVA, err := layoutUserStack(pm.vmm, as, stackPageVA, argv)
	if err != 0 {
		return nil, err
	}

	tf := &TrapFrame{
		SP:     defs.UMEM_END,
		PC:     entry,
		RA:     entry,
		Status: StatusUserIntrEnabled,
		A0:     uint64(len(argv)),
		A1:     argvUVA,
	}
	return tf, 0
}

// layoutUserStack packs argv's NUL-terminated strings followed by an
// argc+1-element pointer array (last entry 0) into the single page at
// pageVA, rounding the total to a 16-byte multiple, and returns the user
// address of the argv array. ENOMEM if it doesn't fit in one page.
func layoutUserStack(m *vm.Manager, as *vm.AS, pageVA uint64, argv []string) (uint64, defs.Err_t) {
	strOff := make([]int, len(argv))
	off := 0
	for i, s := range argv {
		strOff[i] = off
		off += len(s) + 1
	}
	argvArrayOff := util.Roundup(off, 8)
	total := util.Roundup(argvArrayOff+(len(argv)+1)*8, 16)
	if total > defs.PGSIZE {
		return 0, defs.ENOMEM
	}

	buf := make([]byte, total)
	for i, s := range argv {
		copy(buf[strOff[i]:], s)
		buf[strOff[i]+len(s)] = 0
	}
	for i, o := range strOff {
		util.Writen(buf, 8, argvArrayOff+i*8, pageVA+uint64(o))
	}
	util.Writen(buf, 8, argvArrayOff+len(argv)*8, 0)

	if err := m.CopyOut(as, pageVA, buf); err != 0 {
		return 0, err
	}
	return pageVA + uint64(argvArrayOff), 0
}

// Fork clones p into a freshly allocated process: every open I/O slot
// gains a reference, the address space is deep-copied, and a value copy
// of tf with a0=0 is handed to runChild, which the caller uses to jump the
// new thread into user mode. ECHILD if the table is full.
//
// There is no done-handshake between parent and child over the trap
// frame: the copy is an independent, garbage-collected value the instant
// it is taken, not a stack slot the parent must keep alive until the
// child has read it.
func (pm *Manager) Fork(p *Process, tf *TrapFrame, runChild func(child *Process, childTF *TrapFrame)) (defs.Tid_t, defs.Err_t) {
	pm.mu.Lock()
	id, ok := pm.freeSlotLocked()
	if !ok {
		pm.mu.Unlock()
		return 0, defs.ECHILD
	}
	child := &Process{ID: id}
	pm.procs[id] = child
	pm.mu.Unlock()

	p.mu.Lock()
	for i, io := range p.io {
		if io != nil {
			io.Addref()
			child.io[i] = io
		}
	}
	parentAS := p.as
	p.mu.Unlock()
	child.as = pm.vmm.Clone(parentAS)

	childTF := *tf
	childTF.A0 = 0

	tid, err := pm.s.Spawn(fmt.Sprintf("proc%d", id), func() { runChild(child, &childTF) })
	if err != 0 {
		pm.mu.Lock()
		pm.procs[id] = nil
		pm.mu.Unlock()
		return 0, err
	}
	child.Tid = tid
	return tid, 0
}

// Exit flushes fs (if non-nil), closes every open I/O slot, discards the
// address space, removes p from the table, and exits its thread. Exiting
// the main process is fatal.
func (pm *Manager) Exit(p *Process, fs Flusher) {
	if p.ID == 0 {
		panic("proc: main process exited")
	}
	if fs != nil {
		fs.Flush()
	}

	p.mu.Lock()
	ios := p.io
	as := p.as
	p.io = [defs.PROCESS_IOMAX]*ioobj.Io_t{}
	p.mu.Unlock()

	for _, io := range ios {
		if io != nil {
			io.Close()
		}
	}
	if as != nil {
		pm.vmm.Discard(as)
	}

	pm.mu.Lock()
	pm.procs[p.ID] = nil
	pm.mu.Unlock()

	pm.s.Exit()
}

// Accounting returns p's thread's accumulated scheduled runtime in
// nanoseconds.
func (pm *Manager) Accounting(p *Process) int64 {
	return pm.s.Accounting(p.Tid)
}
