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

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckHeapGreen(t *testing.T) {
	a := newTestAllocator(t)
	require.NoError(t, a.CheckHeap(false))

	b1 := a.Malloc(100)
	b2 := a.Malloc(24)
	require.NoError(t, a.CheckHeap(false))
	a.Free(b1)
	require.NoError(t, a.CheckHeap(false))
	b3 := a.Realloc(b2, 300)
	require.NoError(t, a.CheckHeap(false))
	a.Free(b3)
	require.NoError(t, a.CheckHeap(true))
}

func TestCheckHeapDetectsHeaderCorruption(t *testing.T) {
	a, err := New(1 << 20)
	require.NoError(t, err)

	b := a.Malloc(100)
	require.NotNil(t, b)
	for i := range b {
		b[i] = 0xFF
	}

	// Clearing the alloc bit makes the walk read the 0xFF payload as
	// a footer.
	bp := unsafe.Pointer(&b[0])
	hp := a.hdr(bp)
	a.put(hp, a.get(hp)&^allocBit)
	assert.ErrorIs(t, a.CheckHeap(false), ErrFooterMismatch)
}

func TestCheckHeapDetectsPrevAllocCorruption(t *testing.T) {
	a, err := New(1 << 20)
	require.NoError(t, err)

	b := a.Malloc(100)
	next := a.nextBlk(unsafe.Pointer(&b[0]))
	nh := a.hdr(next)
	a.put(nh, a.get(nh)&^prevAllocBit)
	assert.ErrorIs(t, a.CheckHeap(false), ErrPrevAllocBit)
}

func TestCheckHeapDetectsLostFreeBlock(t *testing.T) {
	a, err := New(1 << 20)
	require.NoError(t, err)

	b := a.Malloc(100)
	a.Free(b)

	// drop the tree root without touching the heap
	require.NotNil(t, a.slot(binCount-1))
	a.setSlot(binCount-1, nil)
	assert.ErrorIs(t, a.CheckHeap(false), ErrFreeCountMismatch)
}

func TestCheckHeapDetectsTreeCorruption(t *testing.T) {
	a, blocks := newCarvedAllocator(t, 304, 200)
	a.SetDebug(false)
	a.Free(blocks[0])
	a.Free(blocks[1]) // 200 = left child of 304

	root := a.slot(binCount - 1)
	left := a.left(root)
	require.NotNil(t, left)

	t.Run("order", func(t *testing.T) {
		// a left child hung on the right side violates ordering
		a.setLeft(root, nil)
		a.setRight(root, left)
		assert.ErrorIs(t, a.CheckHeap(false), ErrTreeOrder)
		a.setRight(root, nil)
		a.setLeft(root, left)
		require.NoError(t, a.CheckHeap(false))
	})

	t.Run("parent", func(t *testing.T) {
		a.setParent(left, left)
		assert.ErrorIs(t, a.CheckHeap(false), ErrBadParentLink)
		a.setParent(left, root)
		require.NoError(t, a.CheckHeap(false))
	})
}

func TestCheckHeapDetectsListCorruption(t *testing.T) {
	a, blocks := newCarvedAllocator(t, 24, 24)
	a.SetDebug(false)
	a.Free(blocks[0])
	a.Free(blocks[1])

	head := a.slot(binIndex(24))
	second := a.succ(head)
	require.NotNil(t, second)

	a.setPred(second, nil)
	assert.ErrorIs(t, a.CheckHeap(false), ErrBadListLink)
	a.setPred(second, head)
	require.NoError(t, a.CheckHeap(false))
}
