// Package cache implements a bounded write-back block cache: a
// FIFO-eviction set of fixed-size buffers sitting between KTFS and a
// backing block device, each a cached block with a dirty bit written back
// through the disk endpoint.
//
// There is no log/commit machinery (the filesystem has no journal) and no
// per-block refcounting: the filesystem holds one global lock across
// every cache call, so at most one caller is ever inside the cache at a
// time.
package cache

import (
	"golang.org/x/sync/semaphore"

	"rvkernel/defs"
	"rvkernel/ioobj"
)

// Entry is one cached 512-byte block.
type Entry struct {
	blockno int64
	data    [defs.CACHE_BLKSZ]byte
	valid   bool
	dirty   bool
}

// Bytes returns the entry's backing buffer for the caller to read or
// overwrite in place before calling ReleaseBlock.
func (e *Entry) Bytes() []byte { return e.data[:] }

// Cache is a bounded FIFO write-back cache over a positioned-I/O backing
// device, holding at most CACHE_CAPACITY blocks of CACHE_BLKSZ bytes.
type Cache struct {
	bdev *ioobj.Io_t
	// slots gates entry creation: one permit is taken per live entry and
	// held for the entry's lifetime, so permit exhaustion is what switches
	// a miss from growing the cache to evicting the FIFO head.
	slots *semaphore.Weighted
	ents  []*Entry // FIFO insertion order; ents[0] is the eviction candidate
}

// Create takes a new reference on bdev (the backing block device) and
// returns an empty cache.
func Create(bdev *ioobj.Io_t) *Cache {
	bdev.Addref()
	return &Cache{
		bdev:  bdev,
		slots: semaphore.NewWeighted(int64(defs.CACHE_CAPACITY)),
	}
}

// Close drops the cache's reference on its backing device.
func (c *Cache) Close() defs.Err_t {
	return c.bdev.Close()
}

func blockPos(blockno int64) int64 { return blockno * defs.CACHE_BLKSZ }

// GetBlock returns the cached entry for the block starting at the
// block-aligned byte offset pos, reading it from the backing device on a
// miss. On a miss at capacity, the FIFO head is evicted (written back
// first if dirty); eviction failure propagates to the caller without
// touching the cache's bookkeeping.
func (c *Cache) GetBlock(pos int64) (*Entry, defs.Err_t) {
	if pos%defs.CACHE_BLKSZ != 0 {
		panic("cache: GetBlock on unaligned position")
	}
	blockno := pos / defs.CACHE_BLKSZ

	for _, e := range c.ents {
		if e.valid && e.blockno == blockno {
			return e, 0
		}
	}

	var e *Entry
	if c.slots.TryAcquire(1) {
		e = &Entry{}
		c.ents = append(c.ents, e)
	} else {
		e = c.ents[0]
		if e.valid && e.dirty {
			if err := c.writeback(e); err != 0 {
				return nil, err
			}
		}
		c.ents = append(c.ents[1:], e)
	}

	n, err := c.bdev.ReadAt(e.data[:], pos)
	if err != 0 {
		return nil, err
	}
	if n != defs.CACHE_BLKSZ {
		return nil, defs.EIO
	}
	e.blockno = blockno
	e.valid = true
	e.dirty = false
	return e, 0
}

// ReleaseBlock marks e dirty if dirty is true. There is no reference
// counting beyond validity; concurrent callers must hold their own lock
// (the filesystem's global mutex) before calling.
func (c *Cache) ReleaseBlock(e *Entry, dirty bool) {
	if dirty {
		e.dirty = true
	}
}

func (c *Cache) writeback(e *Entry) defs.Err_t {
	n, err := c.bdev.WriteAt(e.data[:], blockPos(e.blockno))
	if err != 0 {
		return err
	}
	if n != defs.CACHE_BLKSZ {
		return defs.EIO
	}
	e.dirty = false
	return 0
}

// Flush writes back every valid dirty entry, guaranteeing that each has
// been written at least once by the time Flush returns. It does not order
// writes between entries.
func (c *Cache) Flush() defs.Err_t {
	for _, e := range c.ents {
		if e.valid && e.dirty {
			if err := c.writeback(e); err != 0 {
				return err
			}
		}
	}
	return 0
}

// Len reports the number of live entries, for tests verifying eviction
// bounds.
func (c *Cache) Len() int { return len(c.ents) }
