package ktfs_test

import (
	"bytes"
	"testing"

	"rvkernel/blockdev"
	"rvkernel/defs"
	"rvkernel/ioobj"
	"rvkernel/ktfs"
)

func newImage(t *testing.T, blockCount, inodeBlockCount uint32) *ioobj.Io_t {
	t.Helper()
	disk := blockdev.NewMemDisk(int64(blockCount) * defs.KTFS_BLKSZ)
	bdev := ioobj.CreateSeekableIO(disk)
	if err := ktfs.Format(bdev, blockCount, inodeBlockCount); err != 0 {
		t.Fatalf("Format: %v", err)
	}
	return bdev
}

func mustMount(t *testing.T, bdev *ioobj.Io_t) *ktfs.FS {
	t.Helper()
	fs, err := ktfs.Mount(bdev)
	if err != 0 {
		t.Fatalf("Mount: %v", err)
	}
	return fs
}

func TestCreateOpenReadWriteRoundTrip(t *testing.T) {
	bdev := newImage(t, 64, 1)
	fs := mustMount(t, bdev)

	if err := fs.Create("greeting"); err != 0 {
		t.Fatalf("Create: %v", err)
	}
	io, err := fs.Open("greeting")
	if err != 0 {
		t.Fatalf("Open: %v", err)
	}
	want := []byte("hello, ktfs")
	if n, err := io.WriteAt(want, 0); err != 0 || n != len(want) {
		t.Fatalf("WriteAt: n=%d err=%v", n, err)
	}
	got := make([]byte, len(want))
	if n, err := io.ReadAt(got, 0); err != 0 || n != len(want) {
		t.Fatalf("ReadAt: n=%d err=%v", n, err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("round trip mismatch: got %q want %q", got, want)
	}
}

func TestCreateRejectsDuplicateAndOverlongNames(t *testing.T) {
	bdev := newImage(t, 64, 1)
	fs := mustMount(t, bdev)

	if err := fs.Create("dup"); err != 0 {
		t.Fatalf("Create: %v", err)
	}
	if err := fs.Create("dup"); err != defs.EEXIST {
		t.Fatalf("Create duplicate: got %v want EEXIST", err)
	}

	long := bytes.Repeat([]byte("x"), defs.KTFS_MAX_FILENAME_LEN+1)
	if err := fs.Create(string(long)); err != defs.ENAMETOOLONG {
		t.Fatalf("Create overlong: got %v want ENAMETOOLONG", err)
	}
}

func TestOpenMissingReturnsENOENT(t *testing.T) {
	bdev := newImage(t, 64, 1)
	fs := mustMount(t, bdev)
	if _, err := fs.Open("nope"); err != defs.ENOENT {
		t.Fatalf("Open missing: got %v want ENOENT", err)
	}
}

func TestDeleteFreesBlocksAndCompactsDirectory(t *testing.T) {
	bdev := newImage(t, 128, 1)
	fs := mustMount(t, bdev)

	freeBefore, inodesBefore, err := fs.Stats()
	if err != 0 {
		t.Fatalf("Stats: %v", err)
	}

	for _, name := range []string{"a", "b", "c"} {
		if err := fs.Create(name); err != 0 {
			t.Fatalf("Create %s: %v", name, err)
		}
	}
	io, err := fs.Open("b")
	if err != 0 {
		t.Fatalf("Open b: %v", err)
	}
	payload := bytes.Repeat([]byte{0xAB}, 3*defs.KTFS_BLKSZ)
	if _, err := io.WriteAt(payload, 0); err != 0 {
		t.Fatalf("WriteAt: %v", err)
	}

	if err := fs.Delete("b"); err != 0 {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := fs.Open("b"); err != defs.ENOENT {
		t.Fatalf("Open deleted: got %v want ENOENT", err)
	}
	// directory compaction must have moved "c" into "b"'s old slot without
	// disturbing its own lookup.
	if _, err := fs.Open("c"); err != 0 {
		t.Fatalf("Open c after compaction: %v", err)
	}
	if _, err := fs.Open("a"); err != 0 {
		t.Fatalf("Open a after compaction: %v", err)
	}

	if err := fs.Delete("a"); err != 0 {
		t.Fatalf("Delete a: %v", err)
	}
	if err := fs.Delete("c"); err != 0 {
		t.Fatalf("Delete c: %v", err)
	}

	freeAfter, inodesAfter, err := fs.Stats()
	if err != 0 {
		t.Fatalf("Stats: %v", err)
	}
	// every file block is back; the root directory's data block, allocated
	// by the first Create, stays allocated once the directory is empty.
	if freeAfter != freeBefore-1 {
		t.Fatalf("free data blocks not restored: before=%d after=%d", freeBefore, freeAfter)
	}
	if inodesAfter != inodesBefore {
		t.Fatalf("free inodes not restored: before=%d after=%d", inodesBefore, inodesAfter)
	}
}

func TestWriteExtendBeyondDirectCapacityIsUnsupported(t *testing.T) {
	bdev := newImage(t, 64, 1)
	fs := mustMount(t, bdev)
	if err := fs.Create("big"); err != 0 {
		t.Fatalf("Create: %v", err)
	}
	io, err := fs.Open("big")
	if err != 0 {
		t.Fatalf("Open: %v", err)
	}
	tooBig := make([]byte, (defs.KTFS_NUM_DIRECT_DATA_BLOCKS+1)*defs.KTFS_BLKSZ)
	if _, err := io.WriteAt(tooBig, 0); err != defs.ENOTSUP {
		t.Fatalf("WriteAt beyond direct capacity: got %v want ENOTSUP", err)
	}
}

func TestSetEndGrowsFileThroughIoctl(t *testing.T) {
	bdev := newImage(t, 64, 1)
	fs := mustMount(t, bdev)
	if err := fs.Create("f"); err != 0 {
		t.Fatalf("Create: %v", err)
	}
	io, err := fs.Open("f")
	if err != 0 {
		t.Fatalf("Open: %v", err)
	}
	if _, err := io.Cntl(defs.IOCTL_SETEND, 2*defs.KTFS_BLKSZ, 0); err != 0 {
		t.Fatalf("SETEND: %v", err)
	}
	end, err := io.Cntl(defs.IOCTL_GETEND, 0, 0)
	if err != 0 {
		t.Fatalf("GETEND: %v", err)
	}
	if end != 2*defs.KTFS_BLKSZ {
		t.Fatalf("GETEND: got %d want %d", end, 2*defs.KTFS_BLKSZ)
	}
}

func TestFlushPersistsAcrossRemount(t *testing.T) {
	bdev := newImage(t, 64, 1)
	fs1 := mustMount(t, bdev)
	if err := fs1.Create("durable"); err != 0 {
		t.Fatalf("Create: %v", err)
	}
	io1, err := fs1.Open("durable")
	if err != 0 {
		t.Fatalf("Open: %v", err)
	}
	want := []byte("written before remount")
	if _, err := io1.WriteAt(want, 0); err != 0 {
		t.Fatalf("WriteAt: %v", err)
	}
	if err := fs1.Flush(); err != 0 {
		t.Fatalf("Flush: %v", err)
	}

	fs2 := mustMount(t, bdev)
	io2, err := fs2.Open("durable")
	if err != 0 {
		t.Fatalf("Open on remount: %v", err)
	}
	got := make([]byte, len(want))
	if _, err := io2.ReadAt(got, 0); err != 0 {
		t.Fatalf("ReadAt on remount: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("remount mismatch: got %q want %q", got, want)
	}
}
