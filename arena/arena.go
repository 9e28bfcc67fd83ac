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

// Package arena provides a contiguous, monotonically growable memory
// region with a fixed base address. The full reservation is made up
// front so the base never moves; Extend only commits more of it.
package arena

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/bytedance/gopkg/lang/dirtmake"
)

// MaxSize is the largest reservation an Arena accepts. Links inside the
// region are 4-byte offsets from the base, so the region must stay
// addressable within 32 bits.
const MaxSize = 1 << 32

// ErrOutOfMemory is returned by Extend when the request does not fit in
// the remaining reservation.
var ErrOutOfMemory = errors.New("arena: out of memory")

// Arena is a grow-only region of memory. The reservation is allocated
// once in New and never reallocated, so pointers into the region remain
// valid for the lifetime of the Arena.
type Arena struct {
	// buf is the full reservation. Allocated with dirtmake so a large
	// reservation does not pay a zeroing pass; callers must not assume
	// uncommitted bytes are zero.
	buf []byte

	base unsafe.Pointer

	// size is the committed prefix of buf.
	size int
}

// New reserves maxSize bytes and returns an Arena with zero committed
// bytes.
func New(maxSize int) (*Arena, error) {
	if maxSize <= 0 {
		return nil, fmt.Errorf("arena: reservation must be positive, got %d", maxSize)
	}
	if maxSize > MaxSize {
		return nil, fmt.Errorf("arena: reservation must be <= %d, got %d", MaxSize, maxSize)
	}
	buf := dirtmake.Bytes(maxSize, maxSize)
	return &Arena{
		buf:  buf,
		base: unsafe.Pointer(&buf[0]),
	}, nil
}

// Extend commits n more bytes and returns the pointer to the base of
// the newly committed region. Alignment of n is the caller's
// responsibility.
func (a *Arena) Extend(n int) (unsafe.Pointer, error) {
	if n <= 0 {
		return nil, fmt.Errorf("arena: extend size must be positive, got %d", n)
	}
	if a.size+n > len(a.buf) {
		return nil, ErrOutOfMemory
	}
	p := unsafe.Add(a.base, a.size)
	a.size += n
	return p, nil
}

// Base returns the lowest address of the region.
func (a *Arena) Base() unsafe.Pointer { return a.base }

// Lo returns the lowest committed address.
func (a *Arena) Lo() uintptr { return uintptr(a.base) }

// Hi returns the highest committed address, inclusive. With nothing
// committed it returns Lo()-1, mirroring the empty-heap convention of
// sbrk-style interfaces.
func (a *Arena) Hi() uintptr { return uintptr(a.base) + uintptr(a.size) - 1 }

// Size returns the number of committed bytes.
func (a *Arena) Size() int { return a.size }

// Cap returns the size of the reservation.
func (a *Arena) Cap() int { return len(a.buf) }

// Contains reports whether p points into the committed region. The
// address one past the committed region is accepted so that a sentinel
// header at the high-water mark can be addressed.
func (a *Arena) Contains(p unsafe.Pointer) bool {
	return uintptr(p) >= a.Lo() && uintptr(p) <= a.Hi()+1
}
