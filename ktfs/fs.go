package ktfs

import (
	"sync"

	"rvkernel/cache"
	"rvkernel/defs"
	"rvkernel/ioobj"
	"rvkernel/util"
)

// FS is the mounted filesystem: the backing device, superblock, block
// cache, and the global lock every public operation holds for its entire
// body.
type FS struct {
	mu    sync.Mutex
	bdev  *ioobj.Io_t
	cache *cache.Cache
	sb    Superblock
}

// Mount reads block 0 off bdev, sanity-checks it, and creates the block
// cache, taking its own reference on bdev in addition to the one the
// cache itself takes.
func Mount(bdev *ioobj.Io_t) (*FS, defs.Err_t) {
	bdev.Addref()
	c := cache.Create(bdev)
	e, err := c.GetBlock(0)
	if err != 0 {
		return nil, err
	}
	sb := decodeSuperblock(e.Bytes())
	c.ReleaseBlock(e, false)
	if sb.BlockCount == 0 || sb.InodeBlockCount == 0 {
		return nil, defs.EINVAL
	}
	return &FS{bdev: bdev, cache: c, sb: sb}, 0
}

// Unmount flushes the cache and releases both the FS's and the cache's
// references on the backing device.
func (fs *FS) Unmount() defs.Err_t {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := fs.cache.Flush(); err != 0 {
		return err
	}
	fs.cache.Close()
	return fs.bdev.Close()
}

func (fs *FS) inodePos(num uint32) (int64, int) {
	blk := num / uint32(inodesPerBlock)
	off := int(num%uint32(inodesPerBlock)) * defs.KTFS_INOSZ
	global := 1 + fs.sb.BitmapBlockCount + blk
	return int64(global) * defs.KTFS_BLKSZ, off
}

func (fs *FS) getInode(num uint32) (Inode, defs.Err_t) {
	pos, off := fs.inodePos(num)
	e, err := fs.cache.GetBlock(pos)
	if err != 0 {
		return Inode{}, err
	}
	ino := decodeInode(e.Bytes()[off : off+defs.KTFS_INOSZ])
	fs.cache.ReleaseBlock(e, false)
	return ino, 0
}

func (fs *FS) putInode(num uint32, ino *Inode) defs.Err_t {
	pos, off := fs.inodePos(num)
	e, err := fs.cache.GetBlock(pos)
	if err != 0 {
		return err
	}
	encodeInode(ino, e.Bytes()[off:off+defs.KTFS_INOSZ])
	fs.cache.ReleaseBlock(e, true)
	return 0
}

// blockForOffset resolves fileBlk (a 0-based block index within a file)
// to a data-area-relative block number via direct, single-indirect or
// double-indirect pointers. ENOENT if any pointer along the path is
// unallocated.
func (fs *FS) blockForOffset(ino *Inode, fileBlk int) (uint32, defs.Err_t) {
	if fileBlk < len(ino.Direct) {
		bn := ino.Direct[fileBlk]
		if bn == 0 {
			return 0, defs.ENOENT
		}
		return bn, 0
	}
	fileBlk -= len(ino.Direct)

	if fileBlk < ptrsPerBlock {
		if ino.SIndir == 0 {
			return 0, defs.ENOENT
		}
		e, err := fs.cache.GetBlock(fs.dataBlockPos(ino.SIndir))
		if err != 0 {
			return 0, err
		}
		bn := uint32(util.Readn(e.Bytes(), 4, fileBlk*4))
		fs.cache.ReleaseBlock(e, false)
		if bn == 0 {
			return 0, defs.ENOENT
		}
		return bn, 0
	}
	fileBlk -= ptrsPerBlock

	perDind := ptrsPerBlock * ptrsPerBlock
	for _, dind := range ino.DIndir {
		if fileBlk >= perDind {
			fileBlk -= perDind
			continue
		}
		if dind == 0 {
			return 0, defs.ENOENT
		}
		e, err := fs.cache.GetBlock(fs.dataBlockPos(dind))
		if err != 0 {
			return 0, err
		}
		sind := uint32(util.Readn(e.Bytes(), 4, (fileBlk/ptrsPerBlock)*4))
		fs.cache.ReleaseBlock(e, false)
		if sind == 0 {
			return 0, defs.ENOENT
		}
		e2, err := fs.cache.GetBlock(fs.dataBlockPos(sind))
		if err != 0 {
			return 0, err
		}
		bn := uint32(util.Readn(e2.Bytes(), 4, (fileBlk%ptrsPerBlock)*4))
		fs.cache.ReleaseBlock(e2, false)
		if bn == 0 {
			return 0, defs.ENOENT
		}
		return bn, 0
	}
	return 0, defs.ENOENT
}

func (fs *FS) readDirentLocked(root *Inode, idx int) (Dirent, defs.Err_t) {
	blk := idx / entriesPerBlock
	off := (idx % entriesPerBlock) * defs.KTFS_DENSZ
	if blk >= len(root.Direct) || root.Direct[blk] == 0 {
		return Dirent{}, defs.ENOENT
	}
	e, err := fs.cache.GetBlock(fs.dataBlockPos(root.Direct[blk]))
	if err != 0 {
		return Dirent{}, err
	}
	d := decodeDirent(e.Bytes()[off : off+defs.KTFS_DENSZ])
	fs.cache.ReleaseBlock(e, false)
	return d, 0
}

func (fs *FS) writeDirentLocked(root *Inode, idx int, d Dirent) defs.Err_t {
	blk := idx / entriesPerBlock
	off := (idx % entriesPerBlock) * defs.KTFS_DENSZ
	if blk >= len(root.Direct) {
		return defs.ENODATABLKS
	}
	if root.Direct[blk] == 0 {
		dataRel, err := fs.allocDataBlock()
		if err != 0 {
			return err
		}
		e, err := fs.cache.GetBlock(fs.dataBlockPos(dataRel))
		if err != 0 {
			return err
		}
		util.Zero(e.Bytes(), 0, defs.KTFS_BLKSZ)
		fs.cache.ReleaseBlock(e, true)
		root.Direct[blk] = dataRel
	}
	e, err := fs.cache.GetBlock(fs.dataBlockPos(root.Direct[blk]))
	if err != 0 {
		return err
	}
	encodeDirent(d, e.Bytes()[off:off+defs.KTFS_DENSZ])
	fs.cache.ReleaseBlock(e, true)
	return 0
}

func (fs *FS) lookupLocked(name string) (uint32, defs.Err_t) {
	root, err := fs.getInode(fs.sb.RootDirInode)
	if err != 0 {
		return 0, err
	}
	n := int(root.Size) / defs.KTFS_DENSZ
	for idx := 0; idx < n; idx++ {
		d, err := fs.readDirentLocked(&root, idx)
		if err != 0 {
			return 0, err
		}
		if d.Name == name {
			return uint32(d.Inode), 0
		}
	}
	return 0, defs.ENOENT
}

// Dirent_t is a read-only view of one root-directory entry, exported for
// host-side tooling (cmd/ktfsfuse) that needs to enumerate the root
// without going through the fd-oriented Open/Create/Delete calls.
type Dirent_t struct {
	Name string
	Size int64
}

// List returns every live entry in the root directory, in on-disk order.
func (fs *FS) List() ([]Dirent_t, defs.Err_t) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	root, err := fs.getInode(fs.sb.RootDirInode)
	if err != 0 {
		return nil, err
	}
	n := int(root.Size) / defs.KTFS_DENSZ
	out := make([]Dirent_t, 0, n)
	for idx := 0; idx < n; idx++ {
		d, err := fs.readDirentLocked(&root, idx)
		if err != 0 {
			return nil, err
		}
		ino, err := fs.getInode(uint32(d.Inode))
		if err != 0 {
			return nil, err
		}
		out = append(out, Dirent_t{Name: d.Name, Size: int64(ino.Size)})
	}
	return out, 0
}

// Open looks up name in the root directory and wraps its inode in a
// seekable I/O object.
func (fs *FS) Open(name string) (*ioobj.Io_t, defs.Err_t) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	inodeNum, err := fs.lookupLocked(name)
	if err != 0 {
		return nil, err
	}
	return ioobj.CreateSeekableIO(fs.fileFor(inodeNum)), 0
}

// Create allocates a fresh inode and a root-directory entry for name.
// EEXIST on a duplicate name, ENAMETOOLONG past
// KTFS_MAX_FILENAME_LEN, ENODATABLKS if the (direct-block-only) root
// directory is full, ENOINODEBLKS if the inode table is exhausted.
func (fs *FS) Create(name string) defs.Err_t {
	if len(name) == 0 || len(name) > defs.KTFS_MAX_FILENAME_LEN {
		return defs.ENAMETOOLONG
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()

	root, err := fs.getInode(fs.sb.RootDirInode)
	if err != 0 {
		return err
	}
	n := int(root.Size) / defs.KTFS_DENSZ
	for idx := 0; idx < n; idx++ {
		d, err := fs.readDirentLocked(&root, idx)
		if err != 0 {
			return err
		}
		if d.Name == name {
			return defs.EEXIST
		}
	}

	inodeNum, err := fs.allocInodeLocked()
	if err != 0 {
		return err
	}
	if err := fs.writeDirentLocked(&root, n, Dirent{Name: name, Inode: uint16(inodeNum)}); err != 0 {
		return err
	}
	root.Size += defs.KTFS_DENSZ
	return fs.putInode(fs.sb.RootDirInode, &root)
}

func (fs *FS) allocInodeLocked() (uint32, defs.Err_t) {
	numInodes := fs.sb.InodeBlockCount * uint32(inodesPerBlock)
	for i := uint32(0); i < numInodes; i++ {
		ino, err := fs.getInode(i)
		if err != 0 {
			return 0, err
		}
		if !ino.InUse() {
			fresh := Inode{Flags: inoFlagInUse}
			if err := fs.putInode(i, &fresh); err != 0 {
				return 0, err
			}
			return i, 0
		}
	}
	return 0, defs.ENOINODEBLKS
}

// Delete frees every data block the named file owns, clears its inode,
// and compacts the root directory. ENOENT if no such entry exists.
func (fs *FS) Delete(name string) defs.Err_t {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	root, err := fs.getInode(fs.sb.RootDirInode)
	if err != 0 {
		return err
	}
	n := int(root.Size) / defs.KTFS_DENSZ
	foundIdx := -1
	var victimDirent Dirent
	for idx := 0; idx < n; idx++ {
		d, err := fs.readDirentLocked(&root, idx)
		if err != 0 {
			return err
		}
		if d.Name == name {
			foundIdx = idx
			victimDirent = d
			break
		}
	}
	if foundIdx < 0 {
		return defs.ENOENT
	}

	victim, err := fs.getInode(uint32(victimDirent.Inode))
	if err != 0 {
		return err
	}
	if err := fs.freeInodeBlocksLocked(&victim); err != 0 {
		return err
	}
	empty := Inode{}
	if err := fs.putInode(uint32(victimDirent.Inode), &empty); err != 0 {
		return err
	}

	lastIdx := n - 1
	if foundIdx != lastIdx {
		last, err := fs.readDirentLocked(&root, lastIdx)
		if err != 0 {
			return err
		}
		if err := fs.writeDirentLocked(&root, foundIdx, last); err != 0 {
			return err
		}
	}
	if err := fs.writeDirentLocked(&root, lastIdx, Dirent{}); err != 0 {
		return err
	}
	root.Size -= defs.KTFS_DENSZ
	return fs.putInode(fs.sb.RootDirInode, &root)
}

// freeInodeBlocksLocked returns every data block an inode owns (direct,
// single-indirect, both levels of double-indirect, plus the indirect
// blocks themselves) to the bitmap.
func (fs *FS) freeInodeBlocksLocked(ino *Inode) defs.Err_t {
	for _, d := range ino.Direct {
		if d != 0 {
			if err := fs.freeDataBlock(d); err != 0 {
				return err
			}
		}
	}
	if ino.SIndir != 0 {
		e, err := fs.cache.GetBlock(fs.dataBlockPos(ino.SIndir))
		if err != 0 {
			return err
		}
		for i := 0; i < ptrsPerBlock; i++ {
			p := uint32(util.Readn(e.Bytes(), 4, i*4))
			if p != 0 {
				if err := fs.freeDataBlock(p); err != 0 {
					fs.cache.ReleaseBlock(e, false)
					return err
				}
			}
		}
		fs.cache.ReleaseBlock(e, false)
		if err := fs.freeDataBlock(ino.SIndir); err != 0 {
			return err
		}
	}
	for _, dind := range ino.DIndir {
		if dind == 0 {
			continue
		}
		e, err := fs.cache.GetBlock(fs.dataBlockPos(dind))
		if err != 0 {
			return err
		}
		for i := 0; i < ptrsPerBlock; i++ {
			sind := uint32(util.Readn(e.Bytes(), 4, i*4))
			if sind == 0 {
				continue
			}
			e2, err := fs.cache.GetBlock(fs.dataBlockPos(sind))
			if err != 0 {
				fs.cache.ReleaseBlock(e, false)
				return err
			}
			for j := 0; j < ptrsPerBlock; j++ {
				p := uint32(util.Readn(e2.Bytes(), 4, j*4))
				if p != 0 {
					if err := fs.freeDataBlock(p); err != 0 {
						fs.cache.ReleaseBlock(e2, false)
						fs.cache.ReleaseBlock(e, false)
						return err
					}
				}
			}
			fs.cache.ReleaseBlock(e2, false)
			if err := fs.freeDataBlock(sind); err != 0 {
				fs.cache.ReleaseBlock(e, false)
				return err
			}
		}
		fs.cache.ReleaseBlock(e, false)
		if err := fs.freeDataBlock(dind); err != 0 {
			return err
		}
	}
	return 0
}

// growFile allocates additional direct blocks so ino covers newEnd bytes
// and updates its size. Growth only ever allocates direct blocks; a file
// that needs more than the direct pointers can hold cannot be grown.
func (fs *FS) growFile(ino *Inode, inodeNum uint32, newEnd int64) defs.Err_t {
	if newEnd <= int64(ino.Size) {
		return 0
	}
	neededBlocks := int((newEnd + defs.KTFS_BLKSZ - 1) / defs.KTFS_BLKSZ)
	if neededBlocks > len(ino.Direct) {
		return defs.ENOTSUP
	}
	for blk := 0; blk < neededBlocks; blk++ {
		if ino.Direct[blk] != 0 {
			continue
		}
		dataRel, err := fs.allocDataBlock()
		if err != 0 {
			return err
		}
		e, err := fs.cache.GetBlock(fs.dataBlockPos(dataRel))
		if err != 0 {
			return err
		}
		util.Zero(e.Bytes(), 0, defs.KTFS_BLKSZ)
		fs.cache.ReleaseBlock(e, true)
		ino.Direct[blk] = dataRel
	}
	ino.Size = uint32(newEnd)
	return fs.putInode(inodeNum, ino)
}

func (fs *FS) readAtLocked(inodeNum uint32, dst []byte, off int64) (int, defs.Err_t) {
	if off < 0 {
		return 0, defs.EINVAL
	}
	ino, err := fs.getInode(inodeNum)
	if err != 0 {
		return 0, err
	}
	if off >= int64(ino.Size) {
		return 0, 0
	}
	n := len(dst)
	if remain := int64(ino.Size) - off; int64(n) > remain {
		n = int(remain)
	}
	got := 0
	for got < n {
		cur := off + int64(got)
		blkIdx := int(cur / defs.KTFS_BLKSZ)
		blkOff := int(cur % defs.KTFS_BLKSZ)
		bn, err := fs.blockForOffset(&ino, blkIdx)
		if err != 0 {
			return got, err
		}
		e, err := fs.cache.GetBlock(fs.dataBlockPos(bn))
		if err != 0 {
			return got, err
		}
		take := defs.KTFS_BLKSZ - blkOff
		if take > n-got {
			take = n - got
		}
		copy(dst[got:got+take], e.Bytes()[blkOff:blkOff+take])
		fs.cache.ReleaseBlock(e, false)
		got += take
	}
	return got, 0
}

func (fs *FS) writeAtLocked(inodeNum uint32, src []byte, off int64) (int, defs.Err_t) {
	if off < 0 {
		return 0, defs.EINVAL
	}
	ino, err := fs.getInode(inodeNum)
	if err != 0 {
		return 0, err
	}
	end := off + int64(len(src))
	if end > int64(ino.Size) {
		if err := fs.growFile(&ino, inodeNum, end); err != 0 {
			return 0, err
		}
	}
	n := len(src)
	done := 0
	for done < n {
		cur := off + int64(done)
		blkIdx := int(cur / defs.KTFS_BLKSZ)
		blkOff := int(cur % defs.KTFS_BLKSZ)
		bn, err := fs.blockForOffset(&ino, blkIdx)
		if err != 0 {
			return done, err
		}
		e, err := fs.cache.GetBlock(fs.dataBlockPos(bn))
		if err != 0 {
			return done, err
		}
		take := defs.KTFS_BLKSZ - blkOff
		if take > n-done {
			take = n - done
		}
		copy(e.Bytes()[blkOff:blkOff+take], src[done:done+take])
		fs.cache.ReleaseBlock(e, true)
		done += take
	}
	return done, 0
}

// Flush delegates to the block cache.
func (fs *FS) Flush() defs.Err_t {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.cache.Flush()
}

// Stats reports free data blocks and free inodes.
func (fs *FS) Stats() (freeData, freeInodes int, err defs.Err_t) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	start := fs.dataAreaStart()
	for g := start; g < fs.sb.BlockCount; g++ {
		set, e := fs.bitmapTest(g)
		if e != 0 {
			return 0, 0, e
		}
		if !set {
			freeData++
		}
	}
	numInodes := fs.sb.InodeBlockCount * uint32(inodesPerBlock)
	for i := uint32(0); i < numInodes; i++ {
		ino, e := fs.getInode(i)
		if e != 0 {
			return 0, 0, e
		}
		if !ino.InUse() {
			freeInodes++
		}
	}
	return freeData, freeInodes, 0
}

// File is a KTFS file's seekable-I/O backing. It is byte-granular
// (BlockSize returns 1): every open wraps it in the seekable layer, which
// keeps its cursor in bytes.
type File struct {
	fs    *FS
	inode uint32
}

func (fs *FS) fileFor(inodeNum uint32) *File { return &File{fs: fs, inode: inodeNum} }

func (f *File) Size() int64 {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()
	ino, _ := f.fs.getInode(f.inode)
	return int64(ino.Size)
}

func (f *File) BlockSize() int { return 1 }

func (f *File) SetEnd(newEnd int64) defs.Err_t {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()
	ino, err := f.fs.getInode(f.inode)
	if err != 0 {
		return err
	}
	return f.fs.growFile(&ino, f.inode, newEnd)
}

func (f *File) ReadAt(dst []byte, off int64) (int, defs.Err_t) {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()
	return f.fs.readAtLocked(f.inode, dst, off)
}

func (f *File) WriteAt(src []byte, off int64) (int, defs.Err_t) {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()
	return f.fs.writeAtLocked(f.inode, src, off)
}

// Format writes a fresh superblock, zeroed bitmap and inode table, and an
// in-use, empty root directory inode onto bdev -- the host-side image
// builder's entry point.
func Format(bdev *ioobj.Io_t, blockCount, inodeBlockCount uint32) defs.Err_t {
	bitsPerBlock := uint32(defs.KTFS_BLKSZ * 8)
	bitmapBlockCount := (blockCount + bitsPerBlock - 1) / bitsPerBlock

	var blk [defs.KTFS_BLKSZ]byte
	sb := Superblock{
		BlockCount:       blockCount,
		BitmapBlockCount: bitmapBlockCount,
		InodeBlockCount:  inodeBlockCount,
		RootDirInode:     0,
	}
	encodeSuperblock(sb, blk[:])
	if _, err := bdev.WriteAt(blk[:], 0); err != 0 {
		return err
	}

	util.Zero(blk[:], 0, defs.KTFS_BLKSZ)
	for b := uint32(0); b < bitmapBlockCount; b++ {
		if _, err := bdev.WriteAt(blk[:], int64(1+b)*defs.KTFS_BLKSZ); err != 0 {
			return err
		}
	}
	for b := uint32(0); b < inodeBlockCount; b++ {
		if _, err := bdev.WriteAt(blk[:], int64(1+bitmapBlockCount+b)*defs.KTFS_BLKSZ); err != 0 {
			return err
		}
	}

	fs, err := Mount(bdev)
	if err != 0 {
		return err
	}
	// Mark the metadata blocks (superblock, bitmap, inode table) in use,
	// plus the first data block: a block index of 0 inside an inode means
	// "no block", so data-area index 0 must never be handed out.
	reserved := 1 + bitmapBlockCount + inodeBlockCount + 1
	for g := uint32(0); g < reserved; g++ {
		if err := fs.bitmapSet(g); err != 0 {
			fs.Unmount()
			return err
		}
	}
	root := Inode{Flags: inoFlagInUse}
	if err := fs.putInode(sb.RootDirInode, &root); err != 0 {
		fs.Unmount()
		return err
	}
	return fs.Unmount()
}
