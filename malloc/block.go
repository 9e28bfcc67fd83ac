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

package malloc

import "unsafe"

// Block layout. A block pointer (bp) addresses the first byte after the
// 4-byte header, i.e. the payload of an allocated block.
//
// Allocated block:
//	[ size|prevSmall|prevAlloc|1 ]  header, 4 bytes
//	[ payload ... ]                 no footer
//
// Mini free block (8 bytes):
//	[ size|flags ]  header
//	[ succ ]        4-byte offset, singly linked
//
// Small free block (16..threshold bytes):
//	[ size|flags ] [ succ ] [ pred ] ... [ size ]  footer, 4 bytes
//
// Large free block (> threshold):
//	[ size|flags ] [ succ ] [ pred ] [ left ] [ right ] [ parent ] ... [ size ]
//
// succ/pred are 4-byte offsets from the arena base (0 = nil; offset 0
// holds a bin slot, never a block). left/right/parent are full 8-byte
// addresses; only large blocks have room for them.
const (
	headerSize = 4
	wordSize   = 8

	// minBlockSize is the mini block: header plus one word, which when
	// free holds a successor offset. Too small for a footer, hence the
	// prevSmall header bit on its physical successor.
	minBlockSize = 8

	// threshold is the largest size kept in an exact-size bin; bigger
	// blocks go to the size-keyed tree.
	threshold = 32

	// binCount is the number of index slots: bins for 8, 16, 24 and 32
	// byte blocks plus the tree root.
	binCount = 5

	slotBytes = binCount * wordSize
)

const (
	allocBit     = 1 << 0
	prevAllocBit = 1 << 1
	prevSmallBit = 1 << 2
	sizeMask     = ^uint32(7)
)

// pack builds a header or footer word. alloc, prevAlloc and prevSmall
// must be 0 or 1.
func pack(size, alloc, prevAlloc, prevSmall uint32) uint32 {
	return size | alloc | prevAlloc<<1 | prevSmall<<2
}

// assertInHeap panics when p is outside the committed heap. Wired into
// every accessor, enabled by SetDebug.
func (a *Allocator) assertInHeap(p unsafe.Pointer) {
	if a.debug && !a.heap.Contains(p) {
		panic("malloc: pointer out of heap")
	}
}

// get reads the 4-byte word at p.
func (a *Allocator) get(p unsafe.Pointer) uint32 {
	a.assertInHeap(p)
	return *(*uint32)(p)
}

// put writes the 4-byte word at p.
func (a *Allocator) put(p unsafe.Pointer, v uint32) {
	a.assertInHeap(p)
	*(*uint32)(p) = v
}

func (a *Allocator) sizeAt(p unsafe.Pointer) uint32      { return a.get(p) & sizeMask }
func (a *Allocator) allocAt(p unsafe.Pointer) bool       { return a.get(p)&allocBit != 0 }
func (a *Allocator) prevAllocAt(p unsafe.Pointer) uint32 { return (a.get(p) & prevAllocBit) >> 1 }
func (a *Allocator) prevSmallAt(p unsafe.Pointer) uint32 { return (a.get(p) & prevSmallBit) >> 2 }

// hdr returns the address of bp's header.
func (a *Allocator) hdr(bp unsafe.Pointer) unsafe.Pointer {
	a.assertInHeap(bp)
	return unsafe.Add(bp, -headerSize)
}

// ftr returns the address of bp's footer. Valid only for free blocks
// larger than minBlockSize.
func (a *Allocator) ftr(bp unsafe.Pointer) unsafe.Pointer {
	a.assertInHeap(bp)
	return unsafe.Add(bp, int(a.sizeAt(a.hdr(bp)))-wordSize)
}

// nextBlk returns the block physically following bp.
func (a *Allocator) nextBlk(bp unsafe.Pointer) unsafe.Pointer {
	a.assertInHeap(bp)
	return unsafe.Add(bp, int(a.sizeAt(a.hdr(bp))))
}

// prevBlk returns the block physically preceding bp. A mini
// predecessor has no footer, so its size is known from the prevSmall
// bit alone; otherwise the predecessor's footer is read. This is the
// only consumer of prevSmall and the reason allocated blocks may omit
// footers.
func (a *Allocator) prevBlk(bp unsafe.Pointer) unsafe.Pointer {
	a.assertInHeap(bp)
	if a.prevSmallAt(a.hdr(bp)) != 0 {
		return unsafe.Add(bp, -minBlockSize)
	}
	return unsafe.Add(bp, -int(a.sizeAt(unsafe.Add(bp, -wordSize))))
}

// toOffset converts a block pointer to its 4-byte link encoding.
func (a *Allocator) toOffset(bp unsafe.Pointer) uint32 {
	if bp == nil {
		return 0
	}
	return uint32(uintptr(bp) - a.heap.Lo())
}

// fromOffset converts a 4-byte link back to a block pointer.
func (a *Allocator) fromOffset(off uint32) unsafe.Pointer {
	if off == 0 {
		return nil
	}
	return unsafe.Add(a.heap.Base(), int(off))
}

// succ and pred are the free-list links, stored as offsets in the first
// 8 payload bytes.
func (a *Allocator) succ(bp unsafe.Pointer) unsafe.Pointer {
	return a.fromOffset(a.get(bp))
}

func (a *Allocator) setSucc(bp, succ unsafe.Pointer) {
	a.put(bp, a.toOffset(succ))
}

func (a *Allocator) pred(bp unsafe.Pointer) unsafe.Pointer {
	return a.fromOffset(a.get(unsafe.Add(bp, headerSize)))
}

func (a *Allocator) setPred(bp, pred unsafe.Pointer) {
	a.put(unsafe.Add(bp, headerSize), a.toOffset(pred))
}

// Tree links of a large free block, stored as full addresses.
func (a *Allocator) getPtr(p unsafe.Pointer) unsafe.Pointer {
	a.assertInHeap(p)
	return unsafe.Pointer(uintptr(*(*uint64)(p)))
}

func (a *Allocator) putPtr(p unsafe.Pointer, v unsafe.Pointer) {
	a.assertInHeap(p)
	*(*uint64)(p) = uint64(uintptr(v))
}

func (a *Allocator) left(bp unsafe.Pointer) unsafe.Pointer {
	return a.getPtr(unsafe.Add(bp, wordSize))
}

func (a *Allocator) setLeft(bp, left unsafe.Pointer) {
	a.putPtr(unsafe.Add(bp, wordSize), left)
}

func (a *Allocator) right(bp unsafe.Pointer) unsafe.Pointer {
	return a.getPtr(unsafe.Add(bp, 2*wordSize))
}

func (a *Allocator) setRight(bp, right unsafe.Pointer) {
	a.putPtr(unsafe.Add(bp, 2*wordSize), right)
}

func (a *Allocator) parent(bp unsafe.Pointer) unsafe.Pointer {
	return a.getPtr(unsafe.Add(bp, 3*wordSize))
}

func (a *Allocator) setParent(bp, parent unsafe.Pointer) {
	a.putPtr(unsafe.Add(bp, 3*wordSize), parent)
}

// binIndex maps a block size to its index slot.
func binIndex(size uint32) int {
	if size <= threshold {
		return int(size-wordSize) / wordSize
	}
	return binCount - 1
}

// align8 rounds n up to a multiple of 8.
func align8(n int) int {
	return (n + 7) &^ 7
}
