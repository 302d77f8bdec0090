package ioobj

import (
	"testing"
	"time"

	"rvkernel/defs"
	"rvkernel/sched"
)

// countingObj records how often its Close slot fires, to verify the
// refcount-drop-to-zero contract.
type countingObj struct {
	closed int
}

func (c *countingObj) Close() defs.Err_t                        { c.closed++; return 0 }
func (c *countingObj) Read([]byte) (int, defs.Err_t)            { return 0, defs.ENOTSUP }
func (c *countingObj) Write([]byte) (int, defs.Err_t)           { return 0, defs.ENOTSUP }
func (c *countingObj) ReadAt([]byte, int64) (int, defs.Err_t)   { return 0, defs.ENOTSUP }
func (c *countingObj) WriteAt([]byte, int64) (int, defs.Err_t)  { return 0, defs.ENOTSUP }
func (c *countingObj) Cntl(int, int, int) (int, defs.Err_t)     { return 0, defs.ENOTSUP }

func TestCloseFiresOnlyOnLastReference(t *testing.T) {
	obj := &countingObj{}
	io := Init1(obj)
	io.Addref()

	if err := io.Close(); err != 0 {
		t.Fatalf("first Close: %v", err)
	}
	if obj.closed != 0 {
		t.Fatalf("underlying Close fired with a reference still live")
	}
	if err := io.Close(); err != 0 {
		t.Fatalf("second Close: %v", err)
	}
	if obj.closed != 1 {
		t.Fatalf("underlying Close fired %d times, want 1", obj.closed)
	}
}

func TestSeekableReadWriteAdvancesCursor(t *testing.T) {
	io := CreateMemoryIO([]byte("abcdef"))

	got := make([]byte, 3)
	if n, err := io.Read(got); err != 0 || n != 3 {
		t.Fatalf("Read: n=%d err=%v", n, err)
	}
	if string(got) != "abc" {
		t.Fatalf("Read got %q", got)
	}
	pos, err := io.Cntl(defs.IOCTL_GETPOS, 0, 0)
	if err != 0 || pos != 3 {
		t.Fatalf("GETPOS: pos=%d err=%v", pos, err)
	}

	if n, err := io.Read(got); err != 0 || n != 3 {
		t.Fatalf("Read (rest): n=%d err=%v", n, err)
	}
	if string(got) != "def" {
		t.Fatalf("Read got %q", got)
	}

	if _, err := io.Cntl(defs.IOCTL_SETPOS, 0, 0); err != 0 {
		t.Fatalf("SETPOS: %v", err)
	}
	if n, werr := io.Write([]byte("XY")); werr != 0 || n != 2 {
		t.Fatalf("Write: n=%d err=%v", n, werr)
	}
	if n, err := io.ReadAt(got[:2], 0); err != 0 || n != 2 || string(got[:2]) != "XY" {
		t.Fatalf("ReadAt after Write: n=%d err=%v got=%q", n, err, got[:2])
	}
}

func TestSeekableCntlContract(t *testing.T) {
	io := CreateMemoryIO(make([]byte, 10))

	if bs, err := io.Cntl(defs.IOCTL_GETBLKSZ, 0, 0); err != 0 || bs != 1 {
		t.Fatalf("GETBLKSZ: bs=%d err=%v", bs, err)
	}
	if end, err := io.Cntl(defs.IOCTL_GETEND, 0, 0); err != 0 || end != 10 {
		t.Fatalf("GETEND: end=%d err=%v", end, err)
	}
	if _, err := io.Cntl(defs.IOCTL_SETPOS, -1, 0); err != defs.EINVAL {
		t.Fatalf("SETPOS negative: got %v want EINVAL", err)
	}
	// a memory buffer has no Resizer, so SETEND is unsupported.
	if _, err := io.Cntl(defs.IOCTL_SETEND, 20, 0); err != defs.ENOTSUP {
		t.Fatalf("SETEND: got %v want ENOTSUP", err)
	}
	if _, err := io.Cntl(999, 0, 0); err != defs.EINVAL {
		t.Fatalf("unknown cmd: got %v want EINVAL", err)
	}
}

// blockSeeker is a Seeker with a block size above 1, for exercising the
// seekable layer's block-granularity rules.
type blockSeeker struct {
	buf []byte
	bs  int
}

func (b *blockSeeker) ReadAt(dst []byte, off int64) (int, defs.Err_t) {
	if off < 0 || off >= int64(len(b.buf)) {
		return 0, 0
	}
	return copy(dst, b.buf[off:]), 0
}

func (b *blockSeeker) WriteAt(src []byte, off int64) (int, defs.Err_t) {
	if off < 0 || off+int64(len(src)) > int64(len(b.buf)) {
		return 0, defs.EIO
	}
	return copy(b.buf[off:], src), 0
}

func (b *blockSeeker) Size() int64    { return int64(len(b.buf)) }
func (b *blockSeeker) BlockSize() int { return b.bs }

func TestSeekableEnforcesBlockGranularity(t *testing.T) {
	io := CreateSeekableIO(&blockSeeker{buf: make([]byte, 16), bs: 4})

	// sequential transfers need at least one whole block.
	if _, err := io.Read(make([]byte, 3)); err != defs.EINVAL {
		t.Fatalf("Read with sub-block buffer: got %v want EINVAL", err)
	}
	if _, err := io.Write(make([]byte, 2)); err != defs.EINVAL {
		t.Fatalf("Write with sub-block buffer: got %v want EINVAL", err)
	}

	// a 10-byte buffer truncates to 8 (two blocks) and advances the cursor
	// by the bytes actually transferred.
	got := make([]byte, 10)
	if n, err := io.Read(got); err != 0 || n != 8 {
		t.Fatalf("Read: n=%d err=%v, want 8 bytes", n, err)
	}
	if pos, err := io.Cntl(defs.IOCTL_GETPOS, 0, 0); err != 0 || pos != 8 {
		t.Fatalf("GETPOS after Read: pos=%d err=%v, want 8", pos, err)
	}

	if _, err := io.Cntl(defs.IOCTL_SETPOS, 6, 0); err != defs.EINVAL {
		t.Fatalf("SETPOS unaligned: got %v want EINVAL", err)
	}
	if _, err := io.Cntl(defs.IOCTL_SETPOS, 20, 0); err != defs.EINVAL {
		t.Fatalf("SETPOS past end: got %v want EINVAL", err)
	}
	if _, err := io.Cntl(defs.IOCTL_SETPOS, 4, 0); err != 0 {
		t.Fatalf("SETPOS aligned: %v", err)
	}

	if n, err := io.Write([]byte("abcdefghij")); err != 0 || n != 8 {
		t.Fatalf("Write: n=%d err=%v, want 8 bytes", n, err)
	}
	if pos, err := io.Cntl(defs.IOCTL_GETPOS, 0, 0); err != 0 || pos != 12 {
		t.Fatalf("GETPOS after Write: pos=%d err=%v, want 12", pos, err)
	}
}

func TestMemoryIOReadPastEndReturnsZero(t *testing.T) {
	io := CreateMemoryIO([]byte("xy"))
	got := make([]byte, 4)
	if n, err := io.ReadAt(got, 8); err != 0 || n != 0 {
		t.Fatalf("ReadAt past end: n=%d err=%v", n, err)
	}
}

func TestPipeTransfersBytesInOrder(t *testing.T) {
	s := sched.New()
	rend, wend := NewPipe(s)

	if n, err := wend.Write([]byte("pipe bytes")); err != 0 || n != 10 {
		t.Fatalf("Write: n=%d err=%v", n, err)
	}
	got := make([]byte, 4)
	if n, err := rend.Read(got); err != 0 || n != 4 || string(got) != "pipe" {
		t.Fatalf("Read: n=%d err=%v got=%q", n, err, got)
	}
	rest := make([]byte, 16)
	if n, err := rend.Read(rest); err != 0 || string(rest[:n]) != " bytes" {
		t.Fatalf("Read rest: n=%d err=%v got=%q", n, err, rest[:n])
	}
}

func TestPipeReadAfterWriterCloseDrainsThenEOF(t *testing.T) {
	s := sched.New()
	rend, wend := NewPipe(s)

	wend.Write([]byte("last"))
	wend.Close()

	got := make([]byte, 8)
	if n, err := rend.Read(got); err != 0 || string(got[:n]) != "last" {
		t.Fatalf("Read after close: n=%d err=%v got=%q", n, err, got[:n])
	}
	if n, err := rend.Read(got); err != 0 || n != 0 {
		t.Fatalf("expected EOF after drain, got n=%d err=%v", n, err)
	}
}

func TestPipeWriteAfterReaderCloseFails(t *testing.T) {
	s := sched.New()
	rend, wend := NewPipe(s)
	rend.Close()
	if _, err := wend.Write([]byte("x")); err != defs.EIO {
		t.Fatalf("Write after reader close: got %v want EIO", err)
	}
}

func TestPipeBlockedReaderWakesOnWrite(t *testing.T) {
	s := sched.New()
	rend, wend := NewPipe(s)
	done := make(chan struct{})
	var got []byte

	s.Spawn("main", func() {
		s.Spawn("reader", func() {
			buf := make([]byte, 8)
			n, err := rend.Read(buf) // empty pipe: suspends on the scheduler
			if err != 0 {
				t.Errorf("Read: %v", err)
			}
			got = append(got, buf[:n]...)
			s.Exit()
		})
		s.Yield() // let the reader block first
		if _, err := wend.Write([]byte("wake")); err != 0 {
			t.Errorf("Write: %v", err)
		}
		s.Join(0)
		close(done)
	})

	go s.Run()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("blocked reader was never woken")
	}
	if string(got) != "wake" {
		t.Fatalf("reader got %q, want %q", got, "wake")
	}
}
