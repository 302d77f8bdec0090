// Command ktfsfuse mounts a KTFS disk image read-only over FUSE so its
// files can be inspected with ordinary host tools (ls, cat) without
// booting the kernel.
//
// KTFS, like a zip archive, is a single flat read-mostly tree, so every
// entry is populated once in OnAdd rather than resolved lazily per
// Lookup call.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"rvkernel/blockdev"
	"rvkernel/defs"
	"rvkernel/ioobj"
	"rvkernel/ktfs"
)

// root is the FUSE tree root: a flat directory whose children are
// populated once, eagerly, from the mounted KTFS image.
type root struct {
	gofuse.Inode
	fs *ktfs.FS
}

var _ = (gofuse.NodeOnAdder)((*root)(nil))

// OnAdd reads every root-directory entry out of the KTFS image and adds
// one MemRegularFile child per entry, mirroring inMemoryFS.OnAdd.
func (r *root) OnAdd(ctx context.Context) {
	entries, err := r.fs.List()
	if err != 0 {
		fmt.Fprintf(os.Stderr, "ktfsfuse: list root: %v\n", err)
		return
	}
	for _, d := range entries {
		data, rerr := readWholeFile(r.fs, d.Name, d.Size)
		if rerr != 0 {
			fmt.Fprintf(os.Stderr, "ktfsfuse: read %s: %v\n", d.Name, rerr)
			continue
		}
		embedder := &gofuse.MemRegularFile{Data: data}
		child := r.NewPersistentInode(ctx, embedder, gofuse.StableAttr{})
		r.AddChild(d.Name, child, true)
	}
}

func readWholeFile(fs *ktfs.FS, name string, size int64) ([]byte, defs.Err_t) {
	io, err := fs.Open(name)
	if err != 0 {
		return nil, err
	}
	defer io.Close()
	buf := make([]byte, size)
	n, err := io.ReadAt(buf, 0)
	if err != 0 {
		return nil, err
	}
	return buf[:n], 0
}

func main() {
	debug := flag.Bool("debug", false, "print FUSE debug messages")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: ktfsfuse [flags] <ktfs-image> <mountpoint>\n")
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 2 {
		flag.Usage()
		os.Exit(1)
	}
	image, mountpoint := flag.Arg(0), flag.Arg(1)

	disk, err := blockdev.Open(image)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ktfsfuse: open %s: %v\n", image, err)
		os.Exit(1)
	}
	bdev := ioobj.CreateSeekableIO(disk)
	kfs, ferr := ktfs.Mount(bdev)
	if ferr != 0 {
		fmt.Fprintf(os.Stderr, "ktfsfuse: mount: %v\n", ferr)
		os.Exit(1)
	}
	defer kfs.Unmount()

	r := &root{fs: kfs}
	server, merr := gofuse.Mount(mountpoint, r, &gofuse.Options{
		MountOptions: fuse.MountOptions{Debug: *debug, FsName: "ktfs", Name: "ktfsfuse"},
	})
	if merr != nil {
		fmt.Fprintf(os.Stderr, "ktfsfuse: mount fuse: %v\n", merr)
		os.Exit(1)
	}

	fmt.Printf("ktfsfuse: %s mounted at %s (read-only); unmount with 'fusermount -u %s'\n", image, mountpoint, mountpoint)
	server.Wait()
}
