// Package blockdev implements the host-side block-device fixture used to
// back a KTFS image outside the simulated kernel: a disk image is an
// ordinary host file, and reads/writes are positioned I/O against it.
//
// The file is exposed directly as an rvkernel/ioobj.Seeker
// (ReadAt/WriteAt/Size/BlockSize). Positioned I/O goes through
// golang.org/x/sys/unix's Pread/Pwrite rather than File.Seek plus
// Read/Write, so concurrent callers never race on a shared cursor.
package blockdev

import (
	"os"

	"golang.org/x/sys/unix"

	"rvkernel/defs"
)

// FileDisk is a KTFS block device backed by a host file, block size fixed
// at defs.KTFS_BLKSZ.
type FileDisk struct {
	f    *os.File
	size int64
}

// Open opens an existing disk image for reading and writing.
func Open(path string) (*FileDisk, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &FileDisk{f: f, size: st.Size()}, nil
}

// Create creates a new zeroed disk image of nbytes (rounded up to a whole
// number of blocks), matching the byte count a mkfs-style tool precomputes
// from the requested block count.
func Create(path string, nbytes int64) (*FileDisk, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, err
	}
	rounded := ((nbytes + defs.KTFS_BLKSZ - 1) / defs.KTFS_BLKSZ) * defs.KTFS_BLKSZ
	if err := f.Truncate(rounded); err != nil {
		f.Close()
		return nil, err
	}
	return &FileDisk{f: f, size: rounded}, nil
}

// Close closes the backing file.
func (d *FileDisk) Close() error { return d.f.Close() }

// ReadAt reads len(dst) bytes from the image at byte offset off via
// unix.Pread.
func (d *FileDisk) ReadAt(dst []byte, off int64) (int, defs.Err_t) {
	n, err := unix.Pread(int(d.f.Fd()), dst, off)
	if err != nil {
		return n, defs.EIO
	}
	return n, 0
}

// WriteAt writes src to the image at byte offset off via unix.Pwrite.
func (d *FileDisk) WriteAt(src []byte, off int64) (int, defs.Err_t) {
	n, err := unix.Pwrite(int(d.f.Fd()), src, off)
	if err != nil {
		return n, defs.EIO
	}
	return n, 0
}

// Size returns the image size in bytes.
func (d *FileDisk) Size() int64 { return d.size }

// BlockSize returns the device's block granularity.
func (d *FileDisk) BlockSize() int { return defs.KTFS_BLKSZ }

// MemDisk is an in-memory stand-in for a block device, used by tests
// where touching the host filesystem isn't wanted.
type MemDisk struct {
	buf []byte
}

// NewMemDisk allocates a zeroed in-memory disk image of nbytes (rounded up
// to a whole number of blocks).
func NewMemDisk(nbytes int64) *MemDisk {
	rounded := ((nbytes + defs.KTFS_BLKSZ - 1) / defs.KTFS_BLKSZ) * defs.KTFS_BLKSZ
	return &MemDisk{buf: make([]byte, rounded)}
}

func (d *MemDisk) ReadAt(dst []byte, off int64) (int, defs.Err_t) {
	if off < 0 || off >= int64(len(d.buf)) {
		return 0, defs.EIO
	}
	n := copy(dst, d.buf[off:])
	return n, 0
}

func (d *MemDisk) WriteAt(src []byte, off int64) (int, defs.Err_t) {
	if off < 0 || off+int64(len(src)) > int64(len(d.buf)) {
		return 0, defs.EIO
	}
	n := copy(d.buf[off:], src)
	return n, 0
}

func (d *MemDisk) Size() int64    { return int64(len(d.buf)) }
func (d *MemDisk) BlockSize() int { return defs.KTFS_BLKSZ }
