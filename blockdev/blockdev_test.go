package blockdev

import (
	"bytes"
	"path/filepath"
	"testing"

	"rvkernel/defs"
)

func TestMemDiskRoundTripAndBounds(t *testing.T) {
	d := NewMemDisk(4 * defs.KTFS_BLKSZ)
	if d.Size() != 4*defs.KTFS_BLKSZ {
		t.Fatalf("Size = %d, want %d", d.Size(), 4*defs.KTFS_BLKSZ)
	}

	want := bytes.Repeat([]byte{0x5a}, defs.KTFS_BLKSZ)
	if n, err := d.WriteAt(want, defs.KTFS_BLKSZ); err != 0 || n != len(want) {
		t.Fatalf("WriteAt: n=%d err=%v", n, err)
	}
	got := make([]byte, defs.KTFS_BLKSZ)
	if n, err := d.ReadAt(got, defs.KTFS_BLKSZ); err != 0 || n != len(got) {
		t.Fatalf("ReadAt: n=%d err=%v", n, err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("round trip mismatch")
	}

	if _, err := d.ReadAt(got, d.Size()); err != defs.EIO {
		t.Fatalf("ReadAt past end: got %v want EIO", err)
	}
	if _, err := d.WriteAt(want, d.Size()-10); err != defs.EIO {
		t.Fatalf("WriteAt spilling past end: got %v want EIO", err)
	}
}

func TestMemDiskRoundsUpToWholeBlocks(t *testing.T) {
	d := NewMemDisk(defs.KTFS_BLKSZ + 1)
	if d.Size() != 2*defs.KTFS_BLKSZ {
		t.Fatalf("Size = %d, want %d", d.Size(), 2*defs.KTFS_BLKSZ)
	}
}

func TestFileDiskCreateOpenRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")

	d, err := Create(path, 8*defs.KTFS_BLKSZ+1)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if d.Size() != 9*defs.KTFS_BLKSZ {
		t.Fatalf("Size = %d, want %d (rounded up)", d.Size(), 9*defs.KTFS_BLKSZ)
	}
	if d.BlockSize() != defs.KTFS_BLKSZ {
		t.Fatalf("BlockSize = %d, want %d", d.BlockSize(), defs.KTFS_BLKSZ)
	}

	want := bytes.Repeat([]byte{0xA7}, defs.KTFS_BLKSZ)
	if n, werr := d.WriteAt(want, 2*defs.KTFS_BLKSZ); werr != 0 || n != len(want) {
		t.Fatalf("WriteAt: n=%d err=%v", n, werr)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	d2, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer d2.Close()
	got := make([]byte, defs.KTFS_BLKSZ)
	if n, rerr := d2.ReadAt(got, 2*defs.KTFS_BLKSZ); rerr != 0 || n != len(got) {
		t.Fatalf("ReadAt: n=%d err=%v", n, rerr)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("bytes did not survive close/reopen")
	}
}

func TestOpenMissingImageFails(t *testing.T) {
	if _, err := Open(filepath.Join(t.TempDir(), "absent.img")); err == nil {
		t.Fatalf("Open of a missing image succeeded")
	}
}
