package ktfs

import "rvkernel/defs"

// bitPos returns the cache block byte offset and bit-within-block index
// for global block number blockno within the bitmap region (blocks
// 1..BitmapBlockCount; bit i corresponds to block i).
func (fs *FS) bitPos(blockno uint32) (pos int64, byteIdx int, bit uint) {
	bitsPerBlock := uint32(defs.KTFS_BLKSZ * 8)
	blk := blockno / bitsPerBlock
	within := blockno % bitsPerBlock
	pos = int64(1+blk) * defs.KTFS_BLKSZ
	byteIdx = int(within / 8)
	bit = uint(within % 8)
	return
}

func (fs *FS) bitmapTest(blockno uint32) (bool, defs.Err_t) {
	pos, byteIdx, bit := fs.bitPos(blockno)
	e, err := fs.cache.GetBlock(pos)
	if err != 0 {
		return false, err
	}
	set := e.Bytes()[byteIdx]&(1<<bit) != 0
	fs.cache.ReleaseBlock(e, false)
	return set, 0
}

// bitmapSet sets bit blockno in the allocation bitmap.
func (fs *FS) bitmapSet(blockno uint32) defs.Err_t {
	pos, byteIdx, bit := fs.bitPos(blockno)
	e, err := fs.cache.GetBlock(pos)
	if err != 0 {
		return err
	}
	e.Bytes()[byteIdx] |= 1 << bit
	fs.cache.ReleaseBlock(e, true)
	return 0
}

// bitmapClear clears bit blockno in the allocation bitmap.
func (fs *FS) bitmapClear(blockno uint32) defs.Err_t {
	pos, byteIdx, bit := fs.bitPos(blockno)
	e, err := fs.cache.GetBlock(pos)
	if err != 0 {
		return err
	}
	e.Bytes()[byteIdx] &^= 1 << bit
	fs.cache.ReleaseBlock(e, true)
	return 0
}

// dataAreaStart is the first global block number in the data region.
func (fs *FS) dataAreaStart() uint32 {
	return 1 + fs.sb.BitmapBlockCount + fs.sb.InodeBlockCount
}

// dataBlockPos returns the byte offset of the data-area-relative block
// dataRel, for use against the cache.
func (fs *FS) dataBlockPos(dataRel uint32) int64 {
	return int64(fs.dataAreaStart()+dataRel) * defs.KTFS_BLKSZ
}

// allocDataBlock linearly scans the bitmap starting past the metadata
// region for the first clear bit, sets it, and returns its data-area-
// relative index. ENODATABLKS on exhaustion.
func (fs *FS) allocDataBlock() (uint32, defs.Err_t) {
	start := fs.dataAreaStart()
	for g := start; g < fs.sb.BlockCount; g++ {
		set, err := fs.bitmapTest(g)
		if err != 0 {
			return 0, err
		}
		if !set {
			if err := fs.bitmapSet(g); err != 0 {
				return 0, err
			}
			return g - start, 0
		}
	}
	return 0, defs.ENODATABLKS
}

// freeDataBlock clears dataRel's bitmap bit, returning it to the pool.
func (fs *FS) freeDataBlock(dataRel uint32) defs.Err_t {
	return fs.bitmapClear(fs.dataAreaStart() + dataRel)
}
