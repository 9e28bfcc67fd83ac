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

package arena

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		size    int
		wantErr bool
	}{
		{"valid", 1024, false},
		{"one_byte", 1, false},
		{"zero", 0, true},
		{"negative", -1, true},
		{"too_large", MaxSize + 1, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := New(tt.size)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, 0, a.Size())
			assert.Equal(t, tt.size, a.Cap())
		})
	}
}

func TestExtend(t *testing.T) {
	a, err := New(1024)
	require.NoError(t, err)

	p1, err := a.Extend(100)
	require.NoError(t, err)
	assert.Equal(t, a.Base(), p1)
	assert.Equal(t, 100, a.Size())

	// extensions are contiguous and the base never moves
	p2, err := a.Extend(200)
	require.NoError(t, err)
	assert.Equal(t, unsafe.Add(a.Base(), 100), p2)
	assert.Equal(t, 300, a.Size())

	// writes to the committed region stick across extensions
	*(*byte)(p1) = 0xAA
	_, err = a.Extend(724)
	require.NoError(t, err)
	assert.Equal(t, byte(0xAA), *(*byte)(p1))

	// reservation exhausted
	_, err = a.Extend(1)
	assert.ErrorIs(t, err, ErrOutOfMemory)
	assert.Equal(t, 1024, a.Size())

	_, err = a.Extend(0)
	assert.Error(t, err)
	_, err = a.Extend(-5)
	assert.Error(t, err)
}

func TestBounds(t *testing.T) {
	a, err := New(256)
	require.NoError(t, err)
	_, err = a.Extend(64)
	require.NoError(t, err)

	assert.Equal(t, uintptr(a.Base()), a.Lo())
	assert.Equal(t, a.Lo()+63, a.Hi())

	assert.True(t, a.Contains(a.Base()))
	assert.True(t, a.Contains(unsafe.Add(a.Base(), 63)))
	// one past the committed region is addressable for the sentinel
	assert.True(t, a.Contains(unsafe.Add(a.Base(), 64)))
	assert.False(t, a.Contains(unsafe.Add(a.Base(), 65)))
}
