// Package kernel wires every other package into a bootable system: the
// boot sequence (memory, devices, interrupts, threads, processes, mount,
// first user process), a console ring buffer standing in for the UART
// console device, and a device registry for DEVOPEN.
package kernel

import (
	"fmt"
	"sync"

	"rvkernel/defs"
	"rvkernel/ioobj"
	"rvkernel/ktfs"
	"rvkernel/mem"
	"rvkernel/proc"
	"rvkernel/sched"
	"rvkernel/timer"
	"rvkernel/trap"
	"rvkernel/vm"
)

// Console is a fixed-capacity byte ring buffer backing the D_CONSOLE
// character device: writes append (oldest bytes are overwritten once
// full, the way a real UART ring drops unread history rather than
// blocking the kernel), reads drain from the oldest unread byte forward.
type Console struct {
	mu         sync.Mutex
	buf        []byte
	head, tail int // monotonically increasing; indices are mod len(buf)
}

// NewConsole allocates a console ring of the given byte capacity.
func NewConsole(capacity int) *Console {
	return &Console{buf: make([]byte, capacity)}
}

func (c *Console) used() int { return c.head - c.tail }

func (c *Console) Close() defs.Err_t { return 0 }

func (c *Console) Write(src []byte) (int, defs.Err_t) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.buf)
	for _, b := range src {
		c.buf[c.head%n] = b
		c.head++
		if c.used() > n {
			c.tail = c.head - n
		}
	}
	return len(src), 0
}

func (c *Console) Read(dst []byte) (int, defs.Err_t) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.buf)
	i := 0
	for i < len(dst) && c.used() > 0 {
		dst[i] = c.buf[c.tail%n]
		c.tail++
		i++
	}
	return i, 0
}

func (c *Console) ReadAt(dst []byte, off int64) (int, defs.Err_t)  { return 0, defs.ENOTSUP }
func (c *Console) WriteAt(src []byte, off int64) (int, defs.Err_t) { return 0, defs.ENOTSUP }

func (c *Console) Cntl(cmd int, a1, a2 int) (int, defs.Err_t) {
	switch cmd {
	case defs.IOCTL_GETBLKSZ:
		return 1, 0
	default:
		return 0, defs.ENOTSUP
	}
}

// stdWriter adapts Console's Err_t-returning Write to the standard
// io.Writer fmt.Fprintf expects; the console can never actually fail a
// write (its ring just drops the oldest bytes), so the adaptation never
// has an error to report.
type stdWriter struct{ c *Console }

func (w stdWriter) Write(p []byte) (int, error) {
	n, _ := w.c.Write(p)
	return n, nil
}

// Kernel bundles every subsystem booted together: the physical allocator,
// address-space manager, scheduler, timer, process table, syscall
// dispatcher, mounted filesystem and console.
type Kernel struct {
	Alloc   *mem.Allocator
	VMM     *vm.Manager
	Sched   *sched.Scheduler
	Timer   *timer.Timer
	Procs   *proc.Manager
	Trap    *trap.Dispatcher
	FS      *ktfs.FS
	Console *Console
	Main    *proc.Process
}

// consoleRingCapacity is the console device's backing buffer size, one
// page, the usual sizing for a character device's ring.
const consoleRingCapacity = defs.PGSIZE

// Config supplies the pieces Boot cannot manufacture itself: the RAM
// arena the physical allocator carves pages from, the block device KTFS
// mounts, and the image plus argv of the first user process.
type Config struct {
	RAM       []byte
	RAMPages  int
	RootBDev  *ioobj.Io_t
	InitImage *ioobj.Io_t
	InitArgv  []string
	// RunUser drives the first user process's thread once Exec has built
	// its trap frame -- the jump into user mode itself, an opaque
	// collaborator of this simulator.
	RunUser func(p *proc.Process, tf *proc.TrapFrame)
}

// Boot assembles a Kernel in dependency order: physical memory first
// (the allocator doubles as the kernel heap here, since kernel objects
// are ordinary Go values rather than a separately carved heap region),
// then devices, threads, processes, the root filesystem mount, and
// finally the first user process.
func Boot(cfg Config) (*Kernel, defs.Err_t) {
	alloc := mem.NewAllocator(cfg.RAM, defs.Pa_t(0), cfg.RAMPages)
	vmm := vm.NewManager(alloc)

	console := NewConsole(consoleRingCapacity)

	s := sched.New()
	tm := timer.New(s)

	pm := proc.NewManager(s, vmm)

	fs, ferr := ktfs.Mount(cfg.RootBDev)
	if ferr != 0 {
		return nil, ferr
	}

	d := trap.New(pm, vmm, s, tm, fs, stdWriter{console})
	d.RegisterDevice(defs.D_CONSOLE, func(inst int) (*ioobj.Io_t, defs.Err_t) {
		return ioobj.Init1(console), 0
	})

	k := &Kernel{
		Alloc:   alloc,
		VMM:     vmm,
		Sched:   s,
		Timer:   tm,
		Procs:   pm,
		Trap:    d,
		FS:      fs,
		Console: console,
	}

	// main never runs a user workload of its own; it parks forever once
	// scheduled, the way a real kernel falls into its idle/dispatch loop
	// once boot is done, so its thread slot never reaches doExit (which
	// would reap a process-table slot BindMain must keep alive).
	mainTid, serr := s.Spawn("main", func() {
		for {
			s.Yield()
		}
	})
	if serr != 0 {
		return nil, serr
	}
	k.Main = pm.BindMain(mainTid)

	if cfg.InitImage != nil {
		_, perr := pm.NewProcess(func(p *proc.Process) {
			tf, eerr := pm.Exec(p, cfg.InitImage, cfg.InitArgv)
			if eerr != 0 {
				panic(fmt.Sprintf("kernel: init exec failed: %v", eerr))
			}
			if cfg.RunUser != nil {
				cfg.RunUser(p, tf)
			}
		})
		if perr != 0 {
			return nil, perr
		}
	}

	return k, 0
}

// Run starts the scheduler's dispatch loop; it never returns, matching a
// real kernel's idle-forever main loop once boot completes.
func (k *Kernel) Run() {
	k.Sched.Run()
}

// Kprintf writes a formatted line to the console, the kernel-internal
// logging sink the PRINT syscall also writes to.
func (k *Kernel) Kprintf(format string, args ...interface{}) {
	fmt.Fprintf(stdWriter{k.Console}, format, args...)
}

// Panic reports a fatal kernel condition to the console before panicking,
// so the message survives even when the panic's own stderr write races a
// concurrent console reader.
func (k *Kernel) Panic(msg string) {
	k.Kprintf("panic: %s\n", msg)
	panic(msg)
}
