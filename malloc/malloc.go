/*
 * Copyright 2024 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package malloc implements a dynamic memory allocator over a
// contiguous growable arena. Free blocks are indexed by a hybrid of
// exact-size segregated lists (small sizes) and a size-keyed binary
// search tree (large sizes); allocation is best-fit. Allocated blocks
// carry no footer: backward coalescing uses the prevAlloc/prevSmall
// header bits instead, which keeps per-allocation overhead at 4 bytes.
//
// An Allocator is not safe for concurrent use.
package malloc

import (
	"fmt"
	"unsafe"

	"github.com/cloudwego/segmalloc/arena"
)

const (
	// defaultChunkSize is the minimum heap-extension grant.
	defaultChunkSize = 1 << 8

	// DefaultMaxHeap is the default arena reservation.
	DefaultMaxHeap = 1 << 30

	// maxAlloc bounds a single request; the size field is 32 bits and
	// the arena never exceeds 4 GiB.
	maxAlloc = 1<<31 - wordSize
)

// Allocator is a single-threaded dynamic memory allocator. The zero
// value is not usable; construct with New or NewWithChunkSize.
type Allocator struct {
	heap *arena.Arena

	// prologue is the block pointer of the prologue sentinel; the heap
	// walk starts at the block after it.
	prologue unsafe.Pointer

	chunkSize int

	// debug runs the heap checker on every public entry and bounds
	// assertions on every word access.
	debug bool
}

// New creates an allocator with a maxHeap-byte reservation and the
// default extension chunk size.
func New(maxHeap int) (*Allocator, error) {
	return NewWithChunkSize(maxHeap, defaultChunkSize)
}

// NewWithChunkSize creates an allocator whose heap extensions are at
// least chunkSize bytes. chunkSize must be a positive multiple of 8.
func NewWithChunkSize(maxHeap, chunkSize int) (*Allocator, error) {
	if chunkSize <= 0 || chunkSize%wordSize != 0 {
		return nil, fmt.Errorf("malloc: chunk size must be a positive multiple of %d, got %d", wordSize, chunkSize)
	}
	if maxHeap < slotBytes+4*headerSize+chunkSize {
		return nil, fmt.Errorf("malloc: max heap %d too small for initial layout", maxHeap)
	}
	h, err := arena.New(maxHeap)
	if err != nil {
		return nil, err
	}
	a := &Allocator{heap: h, chunkSize: chunkSize}
	if err := a.init(); err != nil {
		return nil, err
	}
	return a, nil
}

// init lays out the bin slot array, an alignment pad, the prologue
// block and the epilogue header, then seeds the heap with one chunk.
//
//	[ slot 0 .. slot 4 | pad | prologue hdr | prologue ftr | epilogue hdr ]
//	                                        ^ prologue bp
//
// The prologue and epilogue are permanently allocated sentinels, so
// coalescing and heap walks never run past either end. The slot array
// occupying the low offsets also guarantees no block ever has offset
// zero, which frees 0 to act as the nil link.
func (a *Allocator) init() error {
	p, err := a.heap.Extend(slotBytes + 4*headerSize)
	if err != nil {
		return err
	}
	for i := 0; i < binCount; i++ {
		a.setSlot(i, nil)
	}
	a.put(unsafe.Add(p, slotBytes), 0) // alignment pad
	a.put(unsafe.Add(p, slotBytes+headerSize), pack(wordSize, 1, 1, 0))   // prologue header
	a.put(unsafe.Add(p, slotBytes+2*headerSize), pack(wordSize, 1, 1, 0)) // prologue footer
	a.put(unsafe.Add(p, slotBytes+3*headerSize), pack(0, 1, 1, 1))        // epilogue header
	a.prologue = unsafe.Add(p, slotBytes+2*headerSize)

	if a.extendHeap(a.chunkSize) == nil {
		return arena.ErrOutOfMemory
	}
	return nil
}

// SetDebug toggles per-call invariant checking and bounds assertions.
func (a *Allocator) SetDebug(on bool) { a.debug = on }

func (a *Allocator) debugCheck() {
	if a.debug {
		if err := a.CheckHeap(false); err != nil {
			panic(err)
		}
	}
}

// adjust converts a requested payload size to a block size: header
// overhead added, rounded up to 8, never below the mini block.
func adjust(size int) uint32 {
	if size <= headerSize {
		return minBlockSize
	}
	return uint32(align8(size + headerSize))
}

// Malloc allocates at least size bytes and returns the payload as a
// slice of length size. It returns nil when size <= 0 or the arena
// reservation is exhausted. The payload is 8-byte aligned and not
// zeroed.
func (a *Allocator) Malloc(size int) []byte {
	a.debugCheck()
	if size <= 0 || size > maxAlloc {
		return nil
	}
	asize := adjust(size)

	bp := a.findFit(asize)
	if bp == nil {
		ext := int(asize)
		if ext < a.chunkSize {
			ext = a.chunkSize
		}
		if bp = a.extendHeap(ext); bp == nil {
			return nil
		}
	}
	placed := a.place(bp, asize)
	return unsafe.Slice((*byte)(bp), int(placed)-headerSize)[:size]
}

// Free returns a block to the allocator. nil and zero-cap slices are
// ignored. Free panics on a pointer outside the heap, a misaligned
// pointer, or a block that is not currently allocated.
//
// The slice must be the one returned by Malloc/Realloc/Calloc,
// unresliced at the front.
func (a *Allocator) Free(b []byte) {
	a.debugCheck()
	if cap(b) == 0 {
		return
	}
	bp := a.blockOf(b)

	hp := a.hdr(bp)
	size := a.sizeAt(hp)
	a.put(hp, pack(size, 0, a.prevAllocAt(hp), a.prevSmallAt(hp)))
	if size > minBlockSize {
		a.put(a.ftr(bp), pack(size, 0, 0, 0))
	}
	a.indexInsert(a.coalesce(bp))
}

// blockOf maps a payload slice back to its block pointer, validating
// bounds, alignment and allocation state.
func (a *Allocator) blockOf(b []byte) unsafe.Pointer {
	// Read the data pointer from the slice header so zero-length
	// slices are handled.
	bp := *(*unsafe.Pointer)(unsafe.Pointer(&b))
	if !a.heap.Contains(bp) {
		panic("malloc: block not in arena")
	}
	if (uintptr(bp)-a.heap.Lo())&(wordSize-1) != 0 {
		panic("malloc: misaligned block")
	}
	if !a.allocAt(a.hdr(bp)) {
		panic("malloc: double free or invalid block")
	}
	return bp
}

// Realloc resizes a block. A nil b behaves as Malloc; size zero frees
// b and returns nil. When the block already fits, or its physical
// successor is free and together they fit, the block is resized in
// place and the returned slice aliases b. Otherwise a new block is
// allocated, min(size, old payload) bytes are copied, and b is freed.
// Returns nil (leaving b intact) when a needed allocation fails.
func (a *Allocator) Realloc(b []byte, size int) []byte {
	a.debugCheck()
	if size == 0 {
		a.Free(b)
		return nil
	}
	if size < 0 {
		return nil
	}
	if cap(b) == 0 {
		return a.Malloc(size)
	}
	bp := a.blockOf(b)

	hp := a.hdr(bp)
	oldSize := a.sizeAt(hp)
	asize := adjust(size)

	if asize <= oldSize {
		return unsafe.Slice((*byte)(bp), int(oldSize)-headerSize)[:size]
	}

	next := a.nextBlk(bp)
	if !a.allocAt(a.hdr(next)) && oldSize+a.sizeAt(a.hdr(next)) >= asize {
		a.growInPlace(bp, asize, oldSize+a.sizeAt(a.hdr(next)), next)
		return unsafe.Slice((*byte)(bp), int(a.sizeAt(hp))-headerSize)[:size]
	}

	nb := a.Malloc(size)
	if nb == nil {
		return nil
	}
	copy(nb, unsafe.Slice((*byte)(bp), int(oldSize)-headerSize))
	a.Free(b)
	return nb
}

// growInPlace absorbs the free successor into bp and splits off any
// remainder of at least mini-block size.
func (a *Allocator) growInPlace(bp unsafe.Pointer, asize, combined uint32, next unsafe.Pointer) {
	a.indexDelete(next)
	hp := a.hdr(bp)
	if rem := combined - asize; rem >= minBlockSize {
		a.put(hp, pack(asize, 1, a.prevAllocAt(hp), a.prevSmallAt(hp)))
		rbp := a.nextBlk(bp)
		var prevSmall uint32
		if asize <= minBlockSize {
			prevSmall = 1
		}
		a.put(a.hdr(rbp), pack(rem, 0, 1, prevSmall))
		if rem > minBlockSize {
			a.put(a.ftr(rbp), pack(rem, 0, 0, 0))
		}
		a.indexInsert(rbp)
		return
	}
	a.put(hp, pack(combined, 1, a.prevAllocAt(hp), a.prevSmallAt(hp)))
	a.markNext(bp, 1)
}

// Calloc allocates a zeroed block of n*unit bytes. Returns nil on
// product overflow or allocation failure.
func (a *Allocator) Calloc(n, unit int) []byte {
	if n < 0 || unit < 0 {
		return nil
	}
	total := uint64(n) * uint64(unit)
	if n != 0 && total/uint64(n) != uint64(unit) || total > maxAlloc {
		return nil
	}
	b := a.Malloc(int(total))
	if b == nil {
		return nil
	}
	for i := range b {
		b[i] = 0
	}
	return b
}

// place carves an allocation of asize bytes out of the free block bp.
// A remainder of at least mini-block size is split off and reindexed;
// anything smaller is absorbed into the allocation. Returns the final
// block size.
func (a *Allocator) place(bp unsafe.Pointer, asize uint32) uint32 {
	hp := a.hdr(bp)
	freeSize := a.sizeAt(hp)
	rem := freeSize - asize
	if rem < minBlockSize {
		asize = freeSize
	}

	a.indexDelete(bp)
	a.put(hp, pack(asize, 1, a.prevAllocAt(hp), a.prevSmallAt(hp)))

	if rem >= minBlockSize {
		rbp := a.nextBlk(bp)
		var prevSmall uint32
		if asize <= minBlockSize {
			prevSmall = 1
		}
		a.put(a.hdr(rbp), pack(rem, 0, 1, prevSmall))
		if rem > minBlockSize {
			a.put(a.ftr(rbp), pack(rem, 0, 0, 0))
		}
		a.indexInsert(rbp)
	}
	return asize
}

// coalesce merges bp with free physical neighbors. bp must be free,
// not yet indexed; merged-in neighbors are removed from the index. The
// resulting block is returned for the caller to index.
func (a *Allocator) coalesce(bp unsafe.Pointer) unsafe.Pointer {
	hp := a.hdr(bp)
	prevFree := a.prevAllocAt(hp) == 0
	next := a.nextBlk(bp)
	nextFree := !a.allocAt(a.hdr(next))
	size := a.sizeAt(hp)

	switch {
	case !prevFree && !nextFree:
		return bp

	case !prevFree && nextFree:
		a.indexDelete(next)
		size += a.sizeAt(a.hdr(next))
		a.put(hp, pack(size, 0, a.prevAllocAt(hp), a.prevSmallAt(hp)))
		a.put(a.ftr(bp), pack(size, 0, 0, 0))
		return bp

	case prevFree && !nextFree:
		prev := a.prevBlk(bp)
		a.indexDelete(prev)
		size += a.sizeAt(a.hdr(prev))
		ph := a.hdr(prev)
		a.put(ph, pack(size, 0, a.prevAllocAt(ph), a.prevSmallAt(ph)))
		a.put(a.ftr(prev), pack(size, 0, 0, 0))
		return prev

	default:
		prev := a.prevBlk(bp)
		a.indexDelete(prev)
		a.indexDelete(next)
		size += a.sizeAt(a.hdr(prev)) + a.sizeAt(a.hdr(next))
		ph := a.hdr(prev)
		a.put(ph, pack(size, 0, a.prevAllocAt(ph), a.prevSmallAt(ph)))
		a.put(a.ftr(prev), pack(size, 0, 0, 0))
		return prev
	}
}

// extendHeap grows the heap by at least bytes, rewriting the old
// epilogue as the new free block's header and writing a fresh epilogue
// at the new high-water mark. The new block is coalesced backward and
// indexed. Returns nil when the reservation is exhausted.
func (a *Allocator) extendHeap(bytes int) unsafe.Pointer {
	size := align8(bytes)
	p, err := a.heap.Extend(size)
	if err != nil {
		return nil
	}

	// The old epilogue header sits at p-4 and already carries the
	// prevAlloc/prevSmall state of the last real block.
	bp := p
	hp := a.hdr(bp)
	a.put(hp, pack(uint32(size), 0, a.prevAllocAt(hp), a.prevSmallAt(hp)))
	prevSmall := uint32(1)
	if size > minBlockSize {
		a.put(a.ftr(bp), pack(uint32(size), 0, 0, 0))
		prevSmall = 0
	}
	a.put(a.hdr(a.nextBlk(bp)), pack(0, 1, 0, prevSmall)) // new epilogue

	bp = a.coalesce(bp)
	a.indexInsert(bp)
	return bp
}

// HeapSize returns the number of committed heap bytes.
func (a *Allocator) HeapSize() int { return a.heap.Size() }

// Available returns the total payload capacity of all free blocks.
func (a *Allocator) Available() int {
	total := 0
	for bp := a.nextBlk(a.prologue); a.sizeAt(a.hdr(bp)) != 0; bp = a.nextBlk(bp) {
		if !a.allocAt(a.hdr(bp)) {
			total += int(a.sizeAt(a.hdr(bp))) - headerSize
		}
	}
	return total
}
