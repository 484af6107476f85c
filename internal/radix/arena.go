// Package radix implements a file-backed, relative-pointer-addressed radix
// (Patricia) trie for indexing owner names. It mirrors NSD's udb_radtree:
// nodes and lookup arrays live in a single mmap'd arena addressed by 64-bit
// offsets, so the whole index can be reopened from disk without pointer
// fixups.
package radix

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// relptr is an offset into the arena. Zero is reserved as null; the arena
// header occupies the first arenaHeaderSize bytes so no real allocation
// ever lands at offset 0.
type relptr uint64

const nilPtr relptr = 0

// ErrResourceExhausted is returned when the arena cannot grow to satisfy an
// allocation. The tree is left unchanged: the caller's mutation is rolled
// back before any partial state is linked into the root-reachable view.
var ErrResourceExhausted = errors.New("radix: arena out of space")

const (
	initialFileSize = 1 << 20
	growthFactor    = 2

	// Size classes are powers of two; a free block of size N stores the
	// relptr to the next free block of the same class in its first 8 bytes.
	minClassShift = 4  // 16 bytes
	maxClassShift = 20 // 1 MiB, enough for a capacity=256 lookup array
	numClasses    = maxClassShift - minClassShift + 1

	// Header layout: magic(4) | pad(4) | bumpCursor(8) | freeListHeads(numClasses*8) | treeRoot(8) | treeCount(8)
	freeListBase    = 16
	treeRootOffset  = freeListBase + numClasses*8
	treeCountOffset = treeRootOffset + 8
	arenaHeaderSize = treeCountOffset + 8
)

// Arena is a growable, file-backed byte region addressed by relative
// offsets instead of Go pointers, so that (on a real NSD-style deployment)
// the backing file can be reopened by another process without relocation.
type Arena struct {
	mu        sync.Mutex
	file      *os.File
	buf       []byte // mmap'd view of the whole file
	size      int64
	liveBytes int64 // sum of the size classes of currently outstanding allocations
}

// LiveBytes returns the sum of the size classes of every chunk currently
// allocated and not yet freed.
func (a *Arena) LiveBytes() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.liveBytes
}

func classShift(n uint32) uint8 {
	shift := uint8(minClassShift)
	size := uint32(1) << shift
	for size < n {
		shift++
		size <<= 1
	}
	return shift
}

func classIndex(shift uint8) int { return int(shift) - minClassShift }

// CreateArena creates a new arena file at path, truncated to an initial
// size, and maps it into memory.
func CreateArena(path string) (*Arena, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("radix: create arena: %w", err)
	}
	if err := f.Truncate(initialFileSize); err != nil {
		f.Close()
		return nil, fmt.Errorf("radix: truncate arena: %w", err)
	}
	a, err := mapArena(f, initialFileSize)
	if err != nil {
		f.Close()
		return nil, err
	}
	putUint32(a.buf, 0, arenaMagic)
	putUint64(a.buf, 8, uint64(arenaHeaderSize)) // bump-allocation cursor
	return a, nil
}

// OpenArena reopens an existing arena file.
func OpenArena(path string) (*Arena, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("radix: open arena: %w", err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	a, err := mapArena(f, st.Size())
	if err != nil {
		f.Close()
		return nil, err
	}
	if getUint32(a.buf, 0) != arenaMagic {
		a.Close()
		return nil, errors.New("radix: bad arena magic")
	}
	return a, nil
}

const arenaMagic = 0x52445442 // "RDTB"

func mapArena(f *os.File, size int64) (*Arena, error) {
	buf, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("radix: mmap: %w", err)
	}
	return &Arena{file: f, buf: buf, size: size}, nil
}

// bumpCursor returns the next never-allocated offset, stored at a fixed
// slot in the header so restarts can resume allocation deterministically.
func (a *Arena) bumpCursor() relptr     { return relptr(getUint64(a.buf, 8)) }
func (a *Arena) setBumpCursor(p relptr) { putUint64(a.buf, 8, uint64(p)) }

// freeListHead returns the relptr of the class's free-list head, stored in
// the header immediately after the bump cursor.
func (a *Arena) freeListHead(class int) relptr {
	off := freeListBase + int64(class)*8
	return relptr(getUint64(a.buf, off))
}
func (a *Arena) setFreeListHead(class int, p relptr) {
	off := freeListBase + int64(class)*8
	putUint64(a.buf, off, uint64(p))
}

// RootPtr and Count expose the tree-level header fields the Tree type
// persists in the arena header so the index survives a restart.
func (a *Arena) RootPtr() relptr      { return relptr(getUint64(a.buf, treeRootOffset)) }
func (a *Arena) setRootPtr(p relptr)  { putUint64(a.buf, treeRootOffset, uint64(p)) }
func (a *Arena) Count() uint64        { return getUint64(a.buf, treeCountOffset) }
func (a *Arena) setCount(c uint64)    { putUint64(a.buf, treeCountOffset, c) }

// Alloc returns a zeroed block of at least n bytes. Failure to grow the
// backing file leaves the arena's allocation state untouched.
func (a *Arena) Alloc(n uint32) (relptr, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	shift := classShift(n)
	class := classIndex(shift)
	classSize := uint32(1) << shift

	if head := a.freeListHead(class); head != nilPtr {
		next := relptr(getUint64(a.buf, int64(head)))
		a.setFreeListHead(class, next)
		zero(a.buf[head : uint64(head)+uint64(classSize)])
		a.liveBytes += int64(classSize)
		return head, nil
	}

	cur := a.bumpCursor()
	end := uint64(cur) + uint64(classSize)
	if end > uint64(a.size) {
		if err := a.grow(end); err != nil {
			return nilPtr, err
		}
	}
	a.setBumpCursor(relptr(end))
	zero(a.buf[cur:end])
	a.liveBytes += int64(classSize)
	return cur, nil
}

// Free returns a block of size n (the size originally passed to Alloc) to
// its size class's free list for reuse.
func (a *Arena) Free(p relptr, n uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	shift := classShift(n)
	class := classIndex(shift)
	classSize := uint32(1) << shift
	head := a.freeListHead(class)
	putUint64(a.buf, int64(p), uint64(head))
	a.setFreeListHead(class, p)
	a.liveBytes -= int64(classSize)
}

// grow extends the backing file and re-maps it so existing relptrs remain
// valid (they are offsets, not Go pointers).
func (a *Arena) grow(need uint64) error {
	newSize := a.size
	for uint64(newSize) < need {
		newSize *= growthFactor
	}
	if err := a.file.Truncate(newSize); err != nil {
		return fmt.Errorf("%w: %v", ErrResourceExhausted, err)
	}
	if err := unix.Munmap(a.buf); err != nil {
		return fmt.Errorf("radix: munmap during grow: %w", err)
	}
	buf, err := unix.Mmap(int(a.file.Fd()), 0, int(newSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("%w: remap: %v", ErrResourceExhausted, err)
	}
	a.buf = buf
	a.size = newSize
	return nil
}

// Sync flushes the mmap'd region to disk.
func (a *Arena) Sync() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return unix.Msync(a.buf, unix.MS_SYNC)
}

// Close unmaps and closes the backing file.
func (a *Arena) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := unix.Munmap(a.buf); err != nil {
		return err
	}
	return a.file.Close()
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
