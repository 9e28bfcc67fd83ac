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
	"unsafe"

	"github.com/bytedance/gopkg/lang/mcache"
)

// PooledAllocator serves from the arena allocator first and degrades
// to mcache when the arena reservation is exhausted, so callers see
// allocation pressure as slower buffers instead of nil. Free routes a
// buffer back to wherever it came from by its address: arena blocks
// live inside the arena, mcache buffers never do.
//
// Like Allocator, a PooledAllocator is not safe for concurrent use of
// the arena path; the mcache fallback itself is pooled and safe.
type PooledAllocator struct {
	a *Allocator

	// fallbacks counts buffers currently served by mcache.
	fallbacks int
}

// NewPooled wraps an allocator with an mcache fallback.
func NewPooled(a *Allocator) *PooledAllocator {
	return &PooledAllocator{a: a}
}

// Malloc returns a buffer of length size, from the arena when
// possible. Returns nil only for size <= 0.
func (p *PooledAllocator) Malloc(size int) []byte {
	if size <= 0 {
		return nil
	}
	if b := p.a.Malloc(size); b != nil {
		return b
	}
	p.fallbacks++
	return mcache.Malloc(size)
}

// Free returns a buffer obtained from Malloc. nil and zero-cap slices
// are ignored.
func (p *PooledAllocator) Free(b []byte) {
	if cap(b) == 0 {
		return
	}
	ptr := *(*unsafe.Pointer)(unsafe.Pointer(&b))
	if p.a.heap.Contains(ptr) {
		p.a.Free(b)
		return
	}
	p.fallbacks--
	mcache.Free(b)
}

// Fallbacks returns the number of live mcache-served buffers.
func (p *PooledAllocator) Fallbacks() int { return p.fallbacks }
