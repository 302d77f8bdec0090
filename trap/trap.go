// Package trap implements the supervisor-mode syscall dispatcher:
// argument validation against the calling process's page table and the
// closed 15-syscall table. Every user pointer or string is validated
// before dereference. The real trap-entry assembly that saves registers
// into a TrapFrame and restores them on return is an opaque collaborator;
// this package only implements the dispatch that runs once that frame
// already exists.
package trap

import (
	"fmt"
	"io"

	"rvkernel/defs"
	"rvkernel/ioobj"
	"rvkernel/proc"
	"rvkernel/sched"
	"rvkernel/timer"
	"rvkernel/vm"
)

const maxStringArg = 256

// Filesystem is the subset of *ktfs.FS the dispatcher drives, accepted as
// an interface so this package never imports the filesystem package
// directly.
type Filesystem interface {
	Open(name string) (*ioobj.Io_t, defs.Err_t)
	Create(name string) defs.Err_t
	Delete(name string) defs.Err_t
	Flush() defs.Err_t
}

// DeviceOpener instantiates an I/O object for one instance of a device id,
// the DEVOPEN syscall's sole source of fds outside the filesystem.
type DeviceOpener func(inst int) (*ioobj.Io_t, defs.Err_t)

// Dispatcher holds every collaborator a syscall body needs: the process
// table, the address-space manager for user-pointer validation, the
// scheduler for WAIT/FORK, the timer for USLEEP, the filesystem for
// FSOPEN/FSCREATE/FSDELETE, the device registry for DEVOPEN, and the
// console sink for PRINT.
type Dispatcher struct {
	pm      *proc.Manager
	vmm     *vm.Manager
	s       *sched.Scheduler
	tm      *timer.Timer
	fs      Filesystem
	devices map[uint64]DeviceOpener
	console io.Writer
}

// New creates a dispatcher. fs may be nil if no filesystem is mounted yet;
// FSOPEN/FSCREATE/FSDELETE then fail with EACCESS.
func New(pm *proc.Manager, vmm *vm.Manager, s *sched.Scheduler, tm *timer.Timer, fs Filesystem, console io.Writer) *Dispatcher {
	return &Dispatcher{pm: pm, vmm: vmm, s: s, tm: tm, fs: fs, devices: map[uint64]DeviceOpener{}, console: console}
}

// RegisterDevice binds a device id (defs.D_CONSOLE and friends) to the
// opener DEVOPEN should call for that id.
func (d *Dispatcher) RegisterDevice(id uint64, open DeviceOpener) {
	d.devices[id] = open
}

// Outcome reports what Dispatch did beyond filling in a0: EXEC hands back
// the trap frame the caller must jump into in place of returning to the
// instruction after the trap; EXIT tells the caller the calling thread is
// gone and must not resume user mode at all.
type Outcome struct {
	A0     uint64
	Err    defs.Err_t
	ExecTF *proc.TrapFrame
	Exited bool
}

// Dispatch executes the syscall named by tf.A7 on behalf of p and returns
// its outcome. Callers advance tf.PC by one instruction width themselves
// before resuming, except when Outcome.ExecTF or Outcome.Exited is set.
func (d *Dispatcher) Dispatch(p *proc.Process, tf *proc.TrapFrame) Outcome {
	switch tf.A7 {
	case defs.SYS_EXIT:
		return d.sysExit(p)
	case defs.SYS_EXEC:
		return d.sysExec(p, tf)
	case defs.SYS_FORK:
		return d.sysFork(p, tf)
	case defs.SYS_WAIT:
		return d.sysWait(tf)
	case defs.SYS_PRINT:
		return d.sysPrint(p, tf)
	case defs.SYS_USLEEP:
		return d.sysUsleep(tf)
	case defs.SYS_DEVOPEN:
		return d.sysDevopen(p, tf)
	case defs.SYS_FSOPEN:
		return d.sysFsopen(p, tf)
	case defs.SYS_CLOSE:
		return d.sysClose(p, tf)
	case defs.SYS_READ:
		return d.sysRead(p, tf)
	case defs.SYS_WRITE:
		return d.sysWrite(p, tf)
	case defs.SYS_IOCTL:
		return d.sysIoctl(p, tf)
	case defs.SYS_PIPE:
		return d.sysPipe(p, tf)
	case defs.SYS_FSCREATE:
		return d.sysFscreate(p, tf)
	case defs.SYS_FSDELETE:
		return d.sysFsdelete(p, tf)
	default:
		return Outcome{Err: defs.EINVAL}
	}
}

func errResult(err defs.Err_t) Outcome {
	return Outcome{A0: uint64(err), Err: err}
}

func okResult(a0 uint64) Outcome {
	return Outcome{A0: a0}
}

func (d *Dispatcher) sysExit(p *proc.Process) Outcome {
	d.pm.Exit(p, d.fs)
	return Outcome{Exited: true}
}

func (d *Dispatcher) sysExec(p *proc.Process, tf *proc.TrapFrame) Outcome {
	fd, argc, argvPtr := int(tf.A0), int(tf.A1), tf.A2
	io := p.IOAt(fd)
	if io == nil {
		return errResult(defs.EBADFD)
	}
	as := p.AS()
	argv := make([]string, 0, argc)
	for i := 0; i < argc; i++ {
		ptrBuf := make([]byte, 8)
		if err := d.vmm.CopyIn(as, argvPtr+uint64(i*8), ptrBuf); err != 0 {
			return errResult(err)
		}
		uva := leUint64(ptrBuf)
		s, err := d.vmm.ValidateVstr(as, uva, maxStringArg)
		if err != 0 {
			return errResult(err)
		}
		argv = append(argv, s)
	}
	newTF, err := d.pm.Exec(p, io, argv)
	if err != 0 {
		return errResult(err)
	}
	return Outcome{ExecTF: newTF}
}

func (d *Dispatcher) sysFork(p *proc.Process, tf *proc.TrapFrame) Outcome {
	tid, err := d.pm.Fork(p, tf, func(child *proc.Process, childTF *proc.TrapFrame) {
		// The caller supplies the real user-mode jump; a bare dispatcher
		// has nothing further to do with the child thread here.
		_ = child
		_ = childTF
	})
	if err != 0 {
		return errResult(err)
	}
	return okResult(uint64(tid))
}

func (d *Dispatcher) sysWait(tf *proc.TrapFrame) Outcome {
	tid, err := d.s.Join(defs.Tid_t(tf.A0))
	if err != 0 {
		return errResult(defs.EINVAL)
	}
	return okResult(uint64(tid))
}

func (d *Dispatcher) sysPrint(p *proc.Process, tf *proc.TrapFrame) Outcome {
	as := p.AS()
	s, err := d.vmm.ValidateVstr(as, tf.A0, maxStringArg)
	if err != 0 {
		return errResult(defs.EACCESS)
	}
	name := d.s.ThreadName(p.Tid)
	fmt.Fprintf(d.console, "<%s:%d> %s\n", name, p.Tid, s)
	return okResult(0)
}

func (d *Dispatcher) sysUsleep(tf *proc.TrapFrame) Outcome {
	const ticksPerMicro = 1 // one tick per microsecond in this simulator
	d.tm.SleepTicks(tf.A0 * ticksPerMicro)
	return okResult(0)
}

func (d *Dispatcher) sysDevopen(p *proc.Process, tf *proc.TrapFrame) Outcome {
	wantFD, devID, inst := int(tf.A0), tf.A1, int(tf.A2)
	open, ok := d.devices[devID]
	if !ok {
		return errResult(defs.EINVAL)
	}
	io, err := open(inst)
	if err != 0 {
		return errResult(err)
	}
	slot, err := p.AllocFD(io, wantFD)
	if err != 0 {
		io.Close()
		return errResult(err)
	}
	return okResult(uint64(slot))
}

func (d *Dispatcher) sysFsopen(p *proc.Process, tf *proc.TrapFrame) Outcome {
	if d.fs == nil {
		return errResult(defs.EACCESS)
	}
	wantFD := int(tf.A0)
	name, err := d.vmm.ValidateVstr(p.AS(), tf.A1, maxStringArg)
	if err != 0 {
		return errResult(err)
	}
	io, err := d.fs.Open(name)
	if err != 0 {
		return errResult(err)
	}
	slot, err := p.AllocFD(io, wantFD)
	if err != 0 {
		io.Close()
		return errResult(err)
	}
	return okResult(uint64(slot))
}

func (d *Dispatcher) sysClose(p *proc.Process, tf *proc.TrapFrame) Outcome {
	if err := p.CloseFD(int(tf.A0)); err != 0 {
		return errResult(err)
	}
	return okResult(0)
}

func (d *Dispatcher) sysRead(p *proc.Process, tf *proc.TrapFrame) Outcome {
	io := p.IOAt(int(tf.A0))
	if io == nil {
		return errResult(defs.EBADFD)
	}
	bufUVA, bufsz := tf.A1, int(tf.A2)
	local := make([]byte, bufsz)
	n, err := io.Read(local)
	if err != 0 {
		return errResult(err)
	}
	if err := d.vmm.CopyOut(p.AS(), bufUVA, local[:n]); err != 0 {
		return errResult(err)
	}
	return okResult(uint64(n))
}

func (d *Dispatcher) sysWrite(p *proc.Process, tf *proc.TrapFrame) Outcome {
	io := p.IOAt(int(tf.A0))
	if io == nil {
		return errResult(defs.EBADFD)
	}
	bufUVA, n := tf.A1, int(tf.A2)
	local := make([]byte, n)
	if err := d.vmm.CopyIn(p.AS(), bufUVA, local); err != 0 {
		return errResult(err)
	}

	bs := 1 // endpoints without a cntl slot have block size 1
	if v, cerr := io.Cntl(defs.IOCTL_GETBLKSZ, 0, 0); cerr == 0 && v > 0 {
		bs = v
	}
	if n > 0 && n < bs {
		// A sub-block write would be rejected by the strict block-aligned
		// write path, so route it through writeat at the current position.
		// The cursor can only rest on block boundaries, so a sub-block
		// advance leaves it where it was.
		pos, perr := io.Cntl(defs.IOCTL_GETPOS, 0, 0)
		if perr != 0 {
			return errResult(perr)
		}
		written, werr := io.WriteAt(local, int64(pos))
		if werr != 0 {
			return errResult(werr)
		}
		io.Cntl(defs.IOCTL_SETPOS, pos+written, 0)
		return okResult(uint64(written))
	}

	written, err := io.Write(local)
	if err != 0 {
		return errResult(err)
	}
	return okResult(uint64(written))
}

func (d *Dispatcher) sysIoctl(p *proc.Process, tf *proc.TrapFrame) Outcome {
	io := p.IOAt(int(tf.A0))
	if io == nil {
		return errResult(defs.EBADFD)
	}
	res, err := io.Cntl(int(tf.A1), int(tf.A2), 0)
	if err != 0 {
		return errResult(err)
	}
	return okResult(uint64(res))
}

func (d *Dispatcher) sysPipe(p *proc.Process, tf *proc.TrapFrame) Outcome {
	rend, wend := ioobj.NewPipe(d.s)
	rslot, err := p.AllocFD(rend, -1)
	if err != 0 {
		rend.Close()
		wend.Close()
		return errResult(defs.EMFILE)
	}
	wslot, err := p.AllocFD(wend, -1)
	if err != 0 {
		p.CloseFD(rslot)
		wend.Close()
		return errResult(defs.EMFILE)
	}

	as := p.AS()
	wfdBuf, rfdBuf := make([]byte, 8), make([]byte, 8)
	putLE64(wfdBuf, uint64(wslot))
	putLE64(rfdBuf, uint64(rslot))
	if err := d.vmm.CopyOut(as, tf.A0, wfdBuf); err != 0 {
		return errResult(err)
	}
	if err := d.vmm.CopyOut(as, tf.A1, rfdBuf); err != 0 {
		return errResult(err)
	}
	return okResult(0)
}

func (d *Dispatcher) sysFscreate(p *proc.Process, tf *proc.TrapFrame) Outcome {
	if d.fs == nil {
		return errResult(defs.EACCESS)
	}
	name, err := d.vmm.ValidateVstr(p.AS(), tf.A0, maxStringArg)
	if err != 0 {
		return errResult(err)
	}
	if err := d.fs.Create(name); err != 0 {
		return errResult(err)
	}
	return okResult(0)
}

func (d *Dispatcher) sysFsdelete(p *proc.Process, tf *proc.TrapFrame) Outcome {
	if d.fs == nil {
		return errResult(defs.EACCESS)
	}
	name, err := d.vmm.ValidateVstr(p.AS(), tf.A0, maxStringArg)
	if err != 0 {
		return errResult(err)
	}
	if err := d.fs.Delete(name); err != 0 {
		return errResult(err)
	}
	return okResult(0)
}

func leUint64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

func putLE64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v)
		v >>= 8
	}
}
