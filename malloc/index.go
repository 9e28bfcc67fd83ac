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

// Free-block index: binCount slots living in the first slotBytes of the
// heap. Slots 0..binCount-2 head exact-size lists (8, 16, 24, 32);
// slot binCount-1 is the root of the size-keyed tree for everything
// larger. Blocks of equal tree size share one tree node: the node is
// the head of a doubly linked list of its size class.

// slot returns the head pointer stored in index slot i.
func (a *Allocator) slot(i int) unsafe.Pointer {
	return a.getPtr(unsafe.Add(a.heap.Base(), i*wordSize))
}

func (a *Allocator) setSlot(i int, bp unsafe.Pointer) {
	a.putPtr(unsafe.Add(a.heap.Base(), i*wordSize), bp)
}

// indexInsert places a free block into its bin or the tree and clears
// the following block's prevAlloc bit, maintaining its prevSmall bit.
func (a *Allocator) indexInsert(bp unsafe.Pointer) {
	size := a.sizeAt(a.hdr(bp))
	if idx := binIndex(size); idx < binCount-1 {
		a.listInsert(bp, idx)
	} else {
		a.treeInsert(bp)
	}
	a.markNext(bp, 0)
}

// indexDelete removes a free block from its bin or the tree and sets
// the following block's prevAlloc bit, maintaining its prevSmall bit.
func (a *Allocator) indexDelete(bp unsafe.Pointer) {
	size := a.sizeAt(a.hdr(bp))
	if idx := binIndex(size); idx < binCount-1 {
		a.listDelete(bp, idx)
	} else {
		a.treeDelete(bp)
	}
	a.markNext(bp, 1)
}

// markNext rewrites the header of the block after bp with the given
// prevAlloc bit and a prevSmall bit reflecting bp's size.
func (a *Allocator) markNext(bp unsafe.Pointer, prevAlloc uint32) {
	var prevSmall uint32
	if a.sizeAt(a.hdr(bp)) <= minBlockSize {
		prevSmall = 1
	}
	nh := a.hdr(a.nextBlk(bp))
	var alloc uint32
	if a.allocAt(nh) {
		alloc = 1
	}
	a.put(nh, pack(a.sizeAt(nh), alloc, prevAlloc, prevSmall))
}

// listInsert pushes bp onto the bin idx list. Bin 0 is the mini list
// and is singly linked; a mini block has no room for a pred field.
func (a *Allocator) listInsert(bp unsafe.Pointer, idx int) {
	head := a.slot(idx)
	if idx == 0 {
		a.setSucc(bp, head)
		a.setSlot(idx, bp)
		return
	}
	a.setPred(bp, nil)
	a.setSucc(bp, nil)
	if head != nil {
		a.setSucc(bp, head)
		a.setPred(head, bp)
	}
	a.setSlot(idx, bp)
}

// listDelete unlinks bp from the bin idx list. The mini list is walked
// from the head; the cost is accepted for fitting links in 8 bytes.
func (a *Allocator) listDelete(bp unsafe.Pointer, idx int) {
	if idx == 0 {
		head := a.slot(idx)
		var prev unsafe.Pointer
		for head != bp {
			prev = head
			head = a.succ(head)
		}
		if prev == nil {
			a.setSlot(idx, a.succ(bp))
		} else {
			a.setSucc(prev, a.succ(bp))
		}
		return
	}
	pred, succ := a.pred(bp), a.succ(bp)
	if pred == nil {
		a.setSlot(idx, succ)
	} else {
		a.setSucc(pred, succ)
	}
	if succ != nil {
		a.setPred(succ, pred)
	}
	a.setPred(bp, nil)
	a.setSucc(bp, nil)
}

// treeInsert adds a large free block to the tree. When a node of the
// same size exists, bp takes its place in the tree and the old head
// moves to the second position of the size-class list.
func (a *Allocator) treeInsert(bp unsafe.Pointer) {
	size := a.sizeAt(a.hdr(bp))
	a.setSucc(bp, nil)
	a.setPred(bp, nil)
	a.setLeft(bp, nil)
	a.setRight(bp, nil)
	a.setParent(bp, nil)

	var y unsafe.Pointer
	x := a.slot(binCount - 1)
	for x != nil {
		y = x
		curSize := a.sizeAt(a.hdr(x))
		if size == curSize {
			a.setSucc(bp, x)
			a.setPred(x, bp)
			a.setLeft(bp, a.left(x))
			if l := a.left(x); l != nil {
				a.setParent(l, bp)
			}
			a.setRight(bp, a.right(x))
			if r := a.right(x); r != nil {
				a.setParent(r, bp)
			}
			a.setParent(bp, a.parent(x))
			a.replaceChild(a.parent(x), x, bp)
			a.setParent(x, nil)
			a.setLeft(x, nil)
			a.setRight(x, nil)
			return
		}
		if size < curSize {
			x = a.left(x)
		} else {
			x = a.right(x)
		}
	}
	switch {
	case y == nil:
		a.setSlot(binCount-1, bp)
	case size < a.sizeAt(a.hdr(y)):
		a.setLeft(y, bp)
		a.setParent(bp, y)
	default:
		a.setRight(y, bp)
		a.setParent(bp, y)
	}
}

// treeDelete removes bp from the tree. Non-head blocks are a plain
// list unlink; a head with a successor hands its tree links to the
// successor; a solo node is deleted with the usual in-order-successor
// promotion.
func (a *Allocator) treeDelete(bp unsafe.Pointer) {
	if pred := a.pred(bp); pred != nil {
		a.setSucc(pred, a.succ(bp))
		if succ := a.succ(bp); succ != nil {
			a.setPred(succ, pred)
		}
		return
	}

	if next := a.succ(bp); next != nil {
		a.setPred(next, nil)
		a.setLeft(next, a.left(bp))
		if l := a.left(bp); l != nil {
			a.setParent(l, next)
		}
		a.setRight(next, a.right(bp))
		if r := a.right(bp); r != nil {
			a.setParent(r, next)
		}
		a.setParent(next, a.parent(bp))
		a.replaceChild(a.parent(bp), bp, next)
		return
	}

	left, right, parent := a.left(bp), a.right(bp), a.parent(bp)
	switch {
	case left != nil && right != nil:
		min := a.treeMinimum(right)
		if min == right {
			// Right child has no left subtree; it absorbs bp's place.
			a.setLeft(right, left)
			a.setParent(left, right)
			a.setParent(right, parent)
			a.replaceChild(parent, bp, right)
		} else {
			if mr := a.right(min); mr != nil {
				a.setParent(mr, a.parent(min))
			}
			a.replaceChild(a.parent(min), min, a.right(min))
			a.setLeft(min, left)
			a.setParent(left, min)
			a.setRight(min, right)
			a.setParent(right, min)
			a.setParent(min, parent)
			a.replaceChild(parent, bp, min)
		}
	case right != nil:
		a.setParent(right, parent)
		a.replaceChild(parent, bp, right)
	case left != nil:
		a.setParent(left, parent)
		a.replaceChild(parent, bp, left)
	default:
		if parent != nil {
			a.replaceChild(parent, bp, nil)
		} else {
			a.setSlot(binCount-1, nil)
		}
	}
}

// replaceChild rewires parent's link to cur so it points at child. A
// nil parent means cur was the root.
func (a *Allocator) replaceChild(parent, cur, child unsafe.Pointer) {
	if parent == nil {
		a.setSlot(binCount-1, child)
		return
	}
	if cur == a.left(parent) {
		a.setLeft(parent, child)
	} else {
		a.setRight(parent, child)
	}
}

func (a *Allocator) treeMinimum(bp unsafe.Pointer) unsafe.Pointer {
	for a.left(bp) != nil {
		bp = a.left(bp)
	}
	return bp
}

// treeSearch returns the smallest tree block of size >= want, or nil.
func (a *Allocator) treeSearch(node unsafe.Pointer, want uint32) unsafe.Pointer {
	if node == nil {
		return nil
	}
	curSize := a.sizeAt(a.hdr(node))
	if want == curSize {
		return node
	}
	if want < curSize {
		if fit := a.treeSearch(a.left(node), want); fit != nil {
			return fit
		}
		return node
	}
	return a.treeSearch(a.right(node), want)
}

// findFit returns the best-fit free block for an adjusted size, or
// nil. Bins hold exact sizes, so the first non-empty bin at or above
// the request is the best fit; otherwise the tree is searched.
func (a *Allocator) findFit(asize uint32) unsafe.Pointer {
	for idx := binIndex(asize); idx < binCount-1; idx++ {
		if bp := a.slot(idx); bp != nil {
			return bp
		}
	}
	return a.treeSearch(a.slot(binCount-1), asize)
}
