// Command mkktfs builds a fresh KTFS disk image and copies the files of
// a host "skeleton" directory into its flat, single-level root. KTFS has
// no subdirectories, so host subdirectories are skipped with a warning
// rather than recursed into.
package main

import (
	"flag"
	"fmt"
	"os"

	"rvkernel/blockdev"
	"rvkernel/defs"
	"rvkernel/ioobj"
	"rvkernel/ktfs"
)

func main() {
	var (
		blocks    = flag.Uint("blocks", 4096, "total blocks in the image")
		inodeBlks = flag.Uint("inodeblocks", 64, "inode-table blocks in the image")
		skeldir   = flag.String("skel", "", "host directory of files to copy into the root (optional)")
	)
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: mkktfs [flags] <output image>\n")
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(1)
	}
	image := flag.Arg(0)

	bytesTotal := int64(*blocks) * defs.KTFS_BLKSZ
	disk, err := blockdev.Create(image, bytesTotal)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mkktfs: create %s: %v\n", image, err)
		os.Exit(1)
	}

	bdev := ioobj.CreateSeekableIO(disk)
	if ferr := ktfs.Format(bdev, uint32(*blocks), uint32(*inodeBlks)); ferr != 0 {
		fmt.Fprintf(os.Stderr, "mkktfs: format: %v\n", ferr)
		os.Exit(1)
	}

	if *skeldir != "" {
		if err := addFiles(image, *skeldir); err != nil {
			fmt.Fprintf(os.Stderr, "mkktfs: %v\n", err)
			os.Exit(1)
		}
	}
}

// addFiles reopens the freshly formatted image and copies every regular
// file directly under skeldir into the KTFS root, mirroring mkfs.go's
// addfiles/copydata pair (minus directory recursion, which KTFS's flat
// root doesn't support).
func addFiles(image, skeldir string) error {
	disk, err := blockdev.Open(image)
	if err != nil {
		return fmt.Errorf("reopen %s: %w", image, err)
	}
	bdev := ioobj.CreateSeekableIO(disk)
	fs, ferr := ktfs.Mount(bdev)
	if ferr != 0 {
		return fmt.Errorf("mount: %v", ferr)
	}
	defer fs.Unmount()

	entries, err := os.ReadDir(skeldir)
	if err != nil {
		return fmt.Errorf("reading %s: %w", skeldir, err)
	}
	for _, ent := range entries {
		if ent.IsDir() {
			fmt.Fprintf(os.Stderr, "mkktfs: skipping subdirectory %s (KTFS has no subdirectories)\n", ent.Name())
			continue
		}
		if err := copyFile(fs, skeldir, ent.Name()); err != nil {
			return err
		}
	}
	return nil
}

func copyFile(fs *ktfs.FS, skeldir, name string) error {
	if len(name) > defs.KTFS_MAX_FILENAME_LEN {
		return fmt.Errorf("%s: name exceeds KTFS_MAX_FILENAME_LEN", name)
	}
	data, err := os.ReadFile(skeldir + "/" + name)
	if err != nil {
		return fmt.Errorf("reading %s: %w", name, err)
	}
	if cerr := fs.Create(name); cerr != 0 {
		return fmt.Errorf("create %s: %v", name, cerr)
	}
	io, oerr := fs.Open(name)
	if oerr != 0 {
		return fmt.Errorf("open %s: %v", name, oerr)
	}
	defer io.Close()
	if _, ierr := io.Cntl(defs.IOCTL_SETEND, len(data), 0); ierr != 0 {
		return fmt.Errorf("setend %s: %v", name, ierr)
	}
	n, werr := io.WriteAt(data, 0)
	if werr != 0 || n != len(data) {
		return fmt.Errorf("write %s: n=%d err=%v", name, n, werr)
	}
	return nil
}
