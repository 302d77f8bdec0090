// Package ktfs implements the on-disk filesystem: a superblock, an
// allocation bitmap, a fixed-size inode table and a flat single-directory
// namespace, all read and written through the block cache. There is no
// journal, no inode cache and no hard-link counting.
package ktfs

import (
	"rvkernel/defs"
	"rvkernel/util"
)

// Superblock is block 0 of a KTFS image: four little-endian uint32
// fields.
type Superblock struct {
	BlockCount       uint32
	BitmapBlockCount uint32
	InodeBlockCount  uint32
	RootDirInode     uint32
}

func decodeSuperblock(b []byte) Superblock {
	return Superblock{
		BlockCount:       uint32(util.Readn(b, 4, 0)),
		BitmapBlockCount: uint32(util.Readn(b, 4, 4)),
		InodeBlockCount:  uint32(util.Readn(b, 4, 8)),
		RootDirInode:     uint32(util.Readn(b, 4, 12)),
	}
}

func encodeSuperblock(sb Superblock, b []byte) {
	util.Writen(b, 4, 0, uint64(sb.BlockCount))
	util.Writen(b, 4, 4, uint64(sb.BitmapBlockCount))
	util.Writen(b, 4, 8, uint64(sb.InodeBlockCount))
	util.Writen(b, 4, 12, uint64(sb.RootDirInode))
}

// Inode is the fixed 32-byte on-disk inode: a size, an in-use flag,
// direct block pointers, one single-indirect pointer and
// KTFS_NUM_DINDIRECT_BLOCKS double-indirect pointers. All block indices
// are data-area-relative; 0 means "unallocated".
type Inode struct {
	Size     uint32
	Flags    uint32
	Direct   [defs.KTFS_NUM_DIRECT_DATA_BLOCKS]uint32
	SIndir   uint32
	DIndir   [defs.KTFS_NUM_DINDIRECT_BLOCKS]uint32
}

const inoFlagInUse = 1

func (ino *Inode) InUse() bool { return ino.Flags&inoFlagInUse != 0 }

func decodeInode(b []byte) Inode {
	var ino Inode
	ino.Size = uint32(util.Readn(b, 4, 0))
	ino.Flags = uint32(util.Readn(b, 4, 4))
	off := 8
	for i := range ino.Direct {
		ino.Direct[i] = uint32(util.Readn(b, 4, off))
		off += 4
	}
	ino.SIndir = uint32(util.Readn(b, 4, off))
	off += 4
	for i := range ino.DIndir {
		ino.DIndir[i] = uint32(util.Readn(b, 4, off))
		off += 4
	}
	return ino
}

func encodeInode(ino *Inode, b []byte) {
	util.Writen(b, 4, 0, uint64(ino.Size))
	util.Writen(b, 4, 4, uint64(ino.Flags))
	off := 8
	for i := range ino.Direct {
		util.Writen(b, 4, off, uint64(ino.Direct[i]))
		off += 4
	}
	util.Writen(b, 4, off, uint64(ino.SIndir))
	off += 4
	for i := range ino.DIndir {
		util.Writen(b, 4, off, uint64(ino.DIndir[i]))
		off += 4
	}
}

// Dirent is a 32-byte directory entry: a NUL-padded name and a 16-bit
// inode number, 0 meaning an empty slot.
type Dirent struct {
	Name  string
	Inode uint16
}

const dirNameField = defs.KTFS_DENSZ - 2 // bytes [0,30): name; bytes [30,32): inode number

func decodeDirent(b []byte) Dirent {
	raw := b[:dirNameField]
	n := 0
	for n < len(raw) && raw[n] != 0 {
		n++
	}
	return Dirent{
		Name:  string(raw[:n]),
		Inode: uint16(util.Readn(b, 2, dirNameField)),
	}
}

func encodeDirent(d Dirent, b []byte) {
	util.Zero(b, 0, defs.KTFS_DENSZ)
	copy(b[:dirNameField], d.Name)
	util.Writen(b, 2, dirNameField, uint64(d.Inode))
}

const entriesPerBlock = defs.KTFS_BLKSZ / defs.KTFS_DENSZ
const inodesPerBlock = defs.KTFS_BLKSZ / defs.KTFS_INOSZ
const ptrsPerBlock = defs.KTFS_BLKSZ / 4
