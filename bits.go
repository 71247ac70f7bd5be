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
	"iter"
	"slices"
	"strings"

	"github.com/pkg/errors"
)

//DefaultBitCapacity is the initial size of a unit's bit table
const DefaultBitCapacity = 32

/*Bit is one slot of a SparseBits table.  Valid is false for a slot that was
never set (or was cleared), in which case Value is always false*/
type Bit struct {
	Value bool
	Valid bool
}

/*SparseBits is a growable table of tri-state bits: every slot is unset, true
or false.  Get treats unset as false; Entry tells the two apart.

values and has always have the same length.  A SparseBits is not safe for
concurrent use; the Store guards the tables it owns.*/
type SparseBits struct {
	values []bool
	has    []bool
}

/*NewSparseBits returns a table with capacity unset slots.  A zero capacity
gives an empty table; negative values are treated as zero.*/
func NewSparseBits(capacity int) *SparseBits {
	if capacity < 0 {
		capacity = 0
	}
	return &SparseBits{
		values: make([]bool, capacity),
		has:    make([]bool, capacity),
	}
}

/*SparseBitsFrom returns a table of len(bits) slots, every one of them set*/
func SparseBitsFrom(bits []bool) *SparseBits {
	s := NewSparseBits(len(bits))
	copy(s.values, bits)
	for i := range s.has {
		s.has[i] = true
	}
	return s
}

//Size is the number of slots, set or not
func (s *SparseBits) Size() int { return len(s.values) }

//Get returns the stored value, or false if index is unset or out of range
func (s *SparseBits) Get(index int) bool {
	if index < 0 || index >= len(s.values) || !s.has[index] {
		return false
	}
	return s.values[index]
}

//Entry returns the stored value and true, or false, false if index is unset or out of range
func (s *SparseBits) Entry(index int) (value bool, ok bool) {
	if !s.ContainsKey(index) {
		return false, false
	}
	return s.values[index], true
}

//ContainsKey is true iff index is in range and set
func (s *SparseBits) ContainsKey(index int) bool {
	return index >= 0 && index < len(s.has) && s.has[index]
}

/*Set stores value at index, growing the table to index+1 slots if needed.
Negative indices wrap ErrInvalidArgument.*/
func (s *SparseBits) Set(index int, value bool) error {
	if index < 0 {
		return errors.Wrapf(ErrInvalidArgument, "bit index %d is negative", index)
	}
	if index >= len(s.values) {
		s.grow(index + 1)
	}
	s.values[index] = value
	s.has[index] = true
	return nil
}

/*Remove unsets index and returns the value it held (false if it held none).
Out of range indices are a no-op.*/
func (s *SparseBits) Remove(index int) bool {
	if index < 0 || index >= len(s.values) {
		return false
	}
	v := s.has[index] && s.values[index]
	s.has[index] = false
	s.values[index] = false
	return v
}

/*Resize truncates or extends the table to exactly n slots.  Extended slots are
unset.  n <= 0 wraps ErrInvalidArgument.*/
func (s *SparseBits) Resize(n int) error {
	if n <= 0 {
		return errors.Wrapf(ErrInvalidArgument, "cannot resize bit table to %d", n)
	}
	if n < len(s.values) {
		s.values, s.has = s.values[:n:n], s.has[:n:n]
		return nil
	}
	s.grow(n)
	return nil
}

//Clear unsets every slot without changing Size
func (s *SparseBits) Clear() {
	for i := range s.has {
		s.has[i] = false
		s.values[i] = false
	}
}

func (s *SparseBits) grow(n int) {
	values, has := make([]bool, n), make([]bool, n)
	copy(values, s.values)
	copy(has, s.has)
	s.values, s.has = values, has
}

/*Entries yields every slot in index order.  The sequence may be ranged over
any number of times; each pass reflects the table as it is at the time.*/
func (s *SparseBits) Entries() iter.Seq2[int, Bit] {
	return func(yield func(int, Bit) bool) {
		for i := 0; i < len(s.values); i++ {
			v, ok := s.Entry(i)
			if !yield(i, Bit{Value: v, Valid: ok}) {
				return
			}
		}
	}
}

//Merge overlays every set slot of other onto s, growing s if needed
func (s *SparseBits) Merge(other *SparseBits) {
	if other == nil {
		return
	}
	for i, b := range other.Entries() {
		if b.Valid {
			_ = s.Set(i, b.Value) // i is never negative here
		}
	}
}

/*Equal is true if both tables have the same size and the same slots set to
the same values.  A nil table equals only a nil table.*/
func (s *SparseBits) Equal(other *SparseBits) bool {
	if s == nil || other == nil {
		return s == other
	}
	return slices.Equal(s.values, other.values) && slices.Equal(s.has, other.has)
}

//Clone returns an independent copy
func (s *SparseBits) Clone() *SparseBits {
	c := NewSparseBits(len(s.values))
	copy(c.values, s.values)
	copy(c.has, s.has)
	return c
}

//Bools returns Get for every slot
func (s *SparseBits) Bools() []bool {
	out := make([]bool, len(s.values))
	for i := range out {
		out[i] = s.Get(i)
	}
	return out
}

//String renders one rune per slot: '1', '0' or '-' for unset
func (s *SparseBits) String() string {
	var sb strings.Builder
	for _, b := range s.Entries() {
		switch {
		case !b.Valid:
			sb.WriteByte('-')
		case b.Value:
			sb.WriteByte('1')
		default:
			sb.WriteByte('0')
		}
	}
	return sb.String()
}
