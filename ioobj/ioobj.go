// Package ioobj implements the polymorphic I/O object every open file
// descriptor, pipe end, and device wraps: a small vtable interface plus
// reference counting, and two concrete backings (seekable, memory-backed)
// used throughout the kernel and by host-side tooling alike. The Obj
// method set is closed; an endpoint that doesn't support an operation
// answers it with ENOTSUP.
package ioobj

import (
	"sync"

	"rvkernel/defs"
	"rvkernel/sched"
)

// Obj is the vtable every I/O object implements. Read/Write operate at an
// implicit, object-maintained position; ReadAt/WriteAt are positionless.
type Obj interface {
	Close() defs.Err_t
	Read(dst []byte) (int, defs.Err_t)
	Write(src []byte) (int, defs.Err_t)
	ReadAt(dst []byte, off int64) (int, defs.Err_t)
	WriteAt(src []byte, off int64) (int, defs.Err_t)
	Cntl(cmd int, a1, a2 int) (int, defs.Err_t)
}

// Io_t is a refcounted handle to an Obj, the unit every fd-table slot and
// pipe end actually stores.
type Io_t struct {
	mu   sync.Mutex
	obj  Obj
	refs int
}

// Init0 wraps obj with a refcount of 0; the caller must Addref before
// sharing it, deciding explicitly whether the object is shared.
func Init0(obj Obj) *Io_t {
	return &Io_t{obj: obj}
}

// Init1 wraps obj with a refcount of 1, for the common case of a single
// owner.
func Init1(obj Obj) *Io_t {
	return &Io_t{obj: obj, refs: 1}
}

// Addref increments the reference count, e.g. when a descriptor is
// duplicated into another process's I/O table at fork.
func (io *Io_t) Addref() {
	io.mu.Lock()
	io.refs++
	io.mu.Unlock()
}

// Close decrements the reference count and closes the underlying object
// once the last reference is gone.
func (io *Io_t) Close() defs.Err_t {
	io.mu.Lock()
	io.refs--
	remaining := io.refs
	io.mu.Unlock()
	if remaining > 0 {
		return 0
	}
	return io.obj.Close()
}

// Refs returns the current reference count, for diagnostics and tests.
func (io *Io_t) Refs() int {
	io.mu.Lock()
	defer io.mu.Unlock()
	return io.refs
}

func (io *Io_t) Read(dst []byte) (int, defs.Err_t)                { return io.obj.Read(dst) }
func (io *Io_t) Write(src []byte) (int, defs.Err_t)               { return io.obj.Write(src) }
func (io *Io_t) ReadAt(dst []byte, off int64) (int, defs.Err_t)   { return io.obj.ReadAt(dst, off) }
func (io *Io_t) WriteAt(src []byte, off int64) (int, defs.Err_t)  { return io.obj.WriteAt(src, off) }
func (io *Io_t) Cntl(cmd int, a1, a2 int) (int, defs.Err_t)       { return io.obj.Cntl(cmd, a1, a2) }

// Seeker is the backing store a seekable I/O object reads/writes through:
// a flat, positionless, fixed- or growable-length byte range.
type Seeker interface {
	ReadAt(dst []byte, off int64) (int, defs.Err_t)
	WriteAt(src []byte, off int64) (int, defs.Err_t)
	Size() int64
	BlockSize() int
}

// Resizer is an optional capability of a Seeker: a backing store that can
// grow in place (only KTFS files do). IOCTL_SETEND delegates to it when
// present; a Seeker that doesn't implement it answers SETEND with
// ENOTSUP.
type Resizer interface {
	SetEnd(newEnd int64) defs.Err_t
}

type seekableIO struct {
	mu  sync.Mutex
	b   Seeker
	pos int64
}

// CreateSeekableIO wraps b (a block device, a KTFS file, a raw disk) in an
// Io_t that tracks an implicit read/write position and answers the
// GETBLKSZ/GETPOS/SETPOS/GETEND ioctls.
func CreateSeekableIO(b Seeker) *Io_t {
	return Init1(&seekableIO{b: b})
}

func (s *seekableIO) Close() defs.Err_t { return 0 }

// Read transfers at the cursor in whole backing blocks: the buffer must
// hold at least one block, the length is truncated to a block multiple,
// and the cursor advances by the bytes actually transferred.
func (s *seekableIO) Read(dst []byte) (int, defs.Err_t) {
	bs := s.b.BlockSize()
	if len(dst) < bs {
		return 0, defs.EINVAL
	}
	n := len(dst) - len(dst)%bs
	s.mu.Lock()
	defer s.mu.Unlock()
	got, err := s.b.ReadAt(dst[:n], s.pos)
	s.pos += int64(got)
	return got, err
}

// Write follows the same block-granularity rules as Read.
func (s *seekableIO) Write(src []byte) (int, defs.Err_t) {
	bs := s.b.BlockSize()
	if len(src) < bs {
		return 0, defs.EINVAL
	}
	n := len(src) - len(src)%bs
	s.mu.Lock()
	defer s.mu.Unlock()
	done, err := s.b.WriteAt(src[:n], s.pos)
	s.pos += int64(done)
	return done, err
}

func (s *seekableIO) ReadAt(dst []byte, off int64) (int, defs.Err_t) {
	return s.b.ReadAt(dst, off)
}

func (s *seekableIO) WriteAt(src []byte, off int64) (int, defs.Err_t) {
	return s.b.WriteAt(src, off)
}

func (s *seekableIO) Cntl(cmd int, a1, a2 int) (int, defs.Err_t) {
	switch cmd {
	case defs.IOCTL_GETBLKSZ:
		return s.b.BlockSize(), 0
	case defs.IOCTL_GETPOS:
		s.mu.Lock()
		defer s.mu.Unlock()
		return int(s.pos), 0
	case defs.IOCTL_SETPOS:
		// only block-aligned positions not past the backing end are
		// representable.
		if a1 < 0 || a1%s.b.BlockSize() != 0 || int64(a1) > s.b.Size() {
			return 0, defs.EINVAL
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		s.pos = int64(a1)
		return 0, 0
	case defs.IOCTL_GETEND:
		return int(s.b.Size()), 0
	case defs.IOCTL_SETEND:
		r, ok := s.b.(Resizer)
		if !ok {
			return 0, defs.ENOTSUP
		}
		return 0, r.SetEnd(int64(a1))
	default:
		return 0, defs.EINVAL
	}
}

// memSeeker is a Seeker backed by a plain in-memory byte slice; it backs
// the I/O objects CreateMemoryIO returns.
type memSeeker struct {
	mu  sync.Mutex
	buf []byte
}

// CreateMemoryIO wraps buf (which the caller retains ownership of) as a
// seekable I/O object.
func CreateMemoryIO(buf []byte) *Io_t {
	return CreateSeekableIO(&memSeeker{buf: buf})
}

func (m *memSeeker) ReadAt(dst []byte, off int64) (int, defs.Err_t) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if off < 0 || off >= int64(len(m.buf)) {
		return 0, 0
	}
	n := copy(dst, m.buf[off:])
	return n, 0
}

func (m *memSeeker) WriteAt(src []byte, off int64) (int, defs.Err_t) {
	m.mu.Lock()
	defer m.mu.Unlock()
	end := off + int64(len(src))
	if end > int64(len(m.buf)) {
		grown := make([]byte, end)
		copy(grown, m.buf)
		m.buf = grown
	}
	n := copy(m.buf[off:], src)
	return n, 0
}

func (m *memSeeker) Size() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.buf))
}

func (m *memSeeker) BlockSize() int { return 1 }

// Pipe is a fixed-capacity byte FIFO connecting a read and a write I/O
// object: head/tail ring-buffer bookkeeping over a plain byte slice,
// since a pipe is pure kernel-internal storage with no direct mapping
// into a process.
//
// Blocking readers/writers suspend through the scheduler's own condition
// variables (package sched) rather than sync.Cond: a kernel "thread" in
// this repo only makes progress while it holds the scheduler's turn
// token, so blocking it on a raw sync.Cond would starve the dispatch loop
// forever instead of yielding the turn to another thread.
type Pipe struct {
	mu       sync.Mutex
	s        *sched.Scheduler
	notEmpty *sched.Cond
	notFull  *sched.Cond
	buf      []byte
	head     int
	tail     int
	closedWr bool
	closedRd bool
}

const pipeCapacity = defs.PGSIZE

// NewPipe creates a connected pair of I/O objects (read end, write end)
// backed by a single pipeCapacity-byte ring buffer. s is the scheduler
// whose threads will block on the pipe.
func NewPipe(s *sched.Scheduler) (*Io_t, *Io_t) {
	p := &Pipe{
		s:        s,
		buf:      make([]byte, pipeCapacity),
		notEmpty: sched.NewCond("pipe-not-empty"),
		notFull:  sched.NewCond("pipe-not-full"),
	}
	return Init1(&pipeReadEnd{p: p}), Init1(&pipeWriteEnd{p: p})
}

func (p *Pipe) used() int   { return p.head - p.tail }
func (p *Pipe) full() bool  { return p.used() == len(p.buf) }
func (p *Pipe) empty() bool { return p.used() == 0 }

func (p *Pipe) read(dst []byte) (int, defs.Err_t) {
	p.mu.Lock()
	for p.empty() && !p.closedWr {
		p.mu.Unlock()
		p.notEmpty.Wait(p.s)
		p.mu.Lock()
	}
	if p.empty() && p.closedWr {
		p.mu.Unlock()
		return 0, 0
	}
	n := 0
	for n < len(dst) && !p.empty() {
		idx := p.tail % len(p.buf)
		dst[n] = p.buf[idx]
		p.tail++
		n++
	}
	p.mu.Unlock()
	p.notFull.Broadcast(p.s)
	return n, 0
}

func (p *Pipe) write(src []byte) (int, defs.Err_t) {
	p.mu.Lock()
	if p.closedRd {
		p.mu.Unlock()
		return 0, defs.EIO
	}
	n := 0
	for n < len(src) {
		for p.full() && !p.closedRd {
			p.mu.Unlock()
			p.notFull.Wait(p.s)
			p.mu.Lock()
		}
		if p.closedRd {
			p.mu.Unlock()
			return n, defs.EIO
		}
		idx := p.head % len(p.buf)
		p.buf[idx] = src[n]
		p.head++
		n++
	}
	p.mu.Unlock()
	p.notEmpty.Broadcast(p.s)
	return n, 0
}

type pipeReadEnd struct{ p *Pipe }

func (r *pipeReadEnd) Read(dst []byte) (int, defs.Err_t) { return r.p.read(dst) }
func (r *pipeReadEnd) Write([]byte) (int, defs.Err_t)    { return 0, defs.ENOTSUP }
func (r *pipeReadEnd) ReadAt(dst []byte, _ int64) (int, defs.Err_t) { return r.p.read(dst) }
func (r *pipeReadEnd) WriteAt([]byte, int64) (int, defs.Err_t)      { return 0, defs.ENOTSUP }
func (r *pipeReadEnd) Cntl(int, int, int) (int, defs.Err_t)         { return 0, defs.ENOTSUP }
func (r *pipeReadEnd) Close() defs.Err_t {
	r.p.mu.Lock()
	r.p.closedRd = true
	r.p.mu.Unlock()
	r.p.notFull.Broadcast(r.p.s)
	return 0
}

type pipeWriteEnd struct{ p *Pipe }

func (w *pipeWriteEnd) Read([]byte) (int, defs.Err_t)                { return 0, defs.ENOTSUP }
func (w *pipeWriteEnd) Write(src []byte) (int, defs.Err_t)           { return w.p.write(src) }
func (w *pipeWriteEnd) ReadAt([]byte, int64) (int, defs.Err_t)       { return 0, defs.ENOTSUP }
func (w *pipeWriteEnd) WriteAt(src []byte, _ int64) (int, defs.Err_t) { return w.p.write(src) }
func (w *pipeWriteEnd) Cntl(int, int, int) (int, defs.Err_t)          { return 0, defs.ENOTSUP }
func (w *pipeWriteEnd) Close() defs.Err_t {
	w.p.mu.Lock()
	w.p.closedWr = true
	w.p.mu.Unlock()
	w.p.notEmpty.Broadcast(w.p.s)
	return 0
}
