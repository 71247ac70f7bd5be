package cmrio

/*
MIT License

Copyright (c) 2015-2024 University Corporation for Atmospheric Research

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in all
copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
SOFTWARE.
*/

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSparseBits_SetGet(t *testing.T) {
	s := NewSparseBits(DefaultBitCapacity)
	require.Equal(t, 32, s.Size())

	for i, v := range []bool{true, false, true, true, false} {
		require.NoError(t, s.Set(i*7, v))
		assert.Equal(t, v, s.Get(i*7), "get %d", i*7)
		got, ok := s.Entry(i * 7)
		assert.True(t, ok)
		assert.Equal(t, v, got)
	}

	// never set
	for _, i := range []int{1, 2, 6, 31, 32, 1000, -1} {
		got, ok := s.Entry(i)
		assert.False(t, ok, "entry %d", i)
		assert.False(t, got)
		assert.False(t, s.Get(i))
		assert.False(t, s.ContainsKey(i))
	}
}

func TestSparseBits_Grow(t *testing.T) {
	s := NewSparseBits(4)
	require.NoError(t, s.Set(40, true))
	assert.Equal(t, 41, s.Size())
	assert.True(t, s.Get(40))
	assert.False(t, s.ContainsKey(39))

	err := s.Set(-1, true)
	assert.True(t, errors.Is(err, ErrInvalidArgument))
	assert.Equal(t, 41, s.Size())
}

func TestSparseBits_Clear(t *testing.T) {
	s := NewSparseBits(32)
	require.NoError(t, s.Set(14, true))
	require.NoError(t, s.Set(17, true))
	require.NoError(t, s.Set(11, true))
	s.Clear()
	for j := 0; j <= 35; j++ {
		assert.False(t, s.ContainsKey(j), "containsKey(%d)", j)
	}
	assert.Equal(t, 32, s.Size())
}

func TestSparseBits_Remove(t *testing.T) {
	s := NewSparseBits(8)
	require.NoError(t, s.Set(3, true))
	require.NoError(t, s.Set(4, false))

	assert.True(t, s.Remove(3))
	assert.False(t, s.ContainsKey(3))
	assert.False(t, s.Remove(3))
	assert.False(t, s.Remove(4))
	assert.False(t, s.Remove(99))
	assert.False(t, s.Remove(-2))
	assert.Equal(t, 8, s.Size())
}

func TestSparseBits_Resize(t *testing.T) {
	s := NewSparseBits(8)
	require.NoError(t, s.Set(6, true))
	for _, n := range []int{1, 7, 8, 64} {
		require.NoError(t, s.Resize(n))
		assert.Equal(t, n, s.Size())
	}
	// truncation dropped slot 6, extension left it unset
	assert.False(t, s.ContainsKey(6))

	for _, n := range []int{0, -1, -100} {
		assert.True(t, errors.Is(s.Resize(n), ErrInvalidArgument), "resize %d", n)
	}
	assert.Equal(t, 64, s.Size())
}

func TestSparseBits_Entries(t *testing.T) {
	s := NewSparseBits(4)
	require.NoError(t, s.Set(1, true))
	require.NoError(t, s.Set(2, false))

	want := []Bit{{}, {Value: true, Valid: true}, {Valid: true}, {}}
	for pass := 0; pass < 2; pass++ { //restartable
		var got []Bit
		for i, b := range s.Entries() {
			v, ok := s.Entry(i)
			assert.Equal(t, Bit{Value: v, Valid: ok}, b)
			got = append(got, b)
		}
		assert.Equal(t, want, got)
	}

	n := 0
	for range s.Entries() {
		n++
		break
	}
	assert.Equal(t, 1, n)
	assert.Equal(t, "-10-", s.String())
}

func TestSparseBits_MergeClone(t *testing.T) {
	a := SparseBitsFrom([]bool{true, true, false})
	b := NewSparseBits(5)
	require.NoError(t, b.Set(1, false))
	require.NoError(t, b.Set(4, true))

	c := a.Clone()
	a.Merge(b)
	assert.Equal(t, "100-1", a.String())
	assert.Equal(t, []bool{true, false, false, false, true}, a.Bools())
	assert.Equal(t, "110", c.String(), "clone is independent")

	a.Merge(nil)
	assert.Equal(t, 5, a.Size())
}

func TestNewSparseBits_Empty(t *testing.T) {
	s := NewSparseBits(0)
	assert.Equal(t, 0, s.Size())
	assert.Equal(t, 0, NewSparseBits(-3).Size())
	for range s.Entries() {
		t.Error("empty table yielded an entry")
	}
}

func TestSparseBits_Equal(t *testing.T) {
	a := SparseBitsFrom([]bool{true, false})
	assert.True(t, a.Equal(a.Clone()))
	assert.False(t, a.Equal(SparseBitsFrom([]bool{true, true})))
	assert.False(t, a.Equal(SparseBitsFrom([]bool{true, false, false})))

	b := NewSparseBits(2)
	require.NoError(t, b.Set(0, true))
	assert.False(t, a.Equal(b), "an unset slot differs from a false one")
	require.NoError(t, b.Set(1, false))
	assert.True(t, a.Equal(b))

	var none *SparseBits
	assert.False(t, a.Equal(none))
	assert.True(t, none.Equal(nil))
}
