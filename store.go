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
	"bytes"
	"cmp"
	"fmt"
	"slices"
	"sync"

	"github.com/olekukonko/tablewriter"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

//ChangeKind says which part of a device record a Change touched
type ChangeKind int

//Kinds of Change
const (
	ChangeSensedBits ChangeKind = iota + 1
	ChangeBlob
	ChangeForgotten
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeSensedBits:
		return "sensed-bits"
	case ChangeBlob:
		return "blob"
	case ChangeForgotten:
		return "forgotten"
	default:
		return "unknown"
	}
}

/*Change is delivered to Store subscribers after a write has been committed.
Subfunction is only meaningful for ChangeBlob.*/
type Change[A cmp.Ordered] struct {
	Device      A
	Kind        ChangeKind
	Subfunction int
}

//record is everything known about one device
type record struct {
	bits  *SparseBits
	blobs map[int][]byte
	init  [][]byte
	query []byte
}

/*Store maps device addresses to their sensed bits, opaque blobs, init message
sequence and query message.

The whole store sits behind one sync.RWMutex: reads share it, writes hold it
exclusively, and a write to one device blocks reads of every other device.
Nothing handed out by a Store aliases its internal state, and nothing handed
in is retained without being copied.*/
type Store[A cmp.Ordered] struct {
	mu      sync.RWMutex
	devices map[A]*record
	log     *zap.Logger

	subMu  sync.Mutex
	nextID int
	subs   []subscriber[A]
}

type subscriber[A cmp.Ordered] struct {
	id int
	fn func(Change[A])
}

//NewStore returns an empty Store.  A nil logger discards.
func NewStore[A cmp.Ordered](log *zap.Logger) *Store[A] {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store[A]{devices: make(map[A]*record), log: log}
}

//lookup must be called with mu held (either way)
func (s *Store[A]) lookup(dev A) (*record, error) {
	r, ok := s.devices[dev]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownUnit, "device %v", dev)
	}
	return r, nil
}

//recordFor must be called with mu held for writing
func (s *Store[A]) recordFor(dev A) *record {
	r, ok := s.devices[dev]
	if !ok {
		r = &record{blobs: make(map[int][]byte)}
		s.devices[dev] = r
	}
	return r
}

/*SetSensedBits replaces dev's bit table with one built from bits.  A nil bits
removes the table entirely.  Subscribers hear about it only if the table
changed.*/
func (s *Store[A]) SetSensedBits(dev A, bits []bool) {
	s.mu.Lock()
	changed := false
	if bits == nil {
		if r, ok := s.devices[dev]; ok && r.bits != nil {
			r.bits, changed = nil, true
		}
	} else {
		r := s.recordFor(dev)
		next := SparseBitsFrom(bits)
		if !next.Equal(r.bits) {
			r.bits, changed = next, true
		}
	}
	s.mu.Unlock()
	if changed {
		s.notify(Change[A]{Device: dev, Kind: ChangeSensedBits})
	}
}

/*MergeSensedBits overlays every set slot of bits onto dev's table, creating the
table if there is none.  A nil table is logged and ignored.*/
func (s *Store[A]) MergeSensedBits(dev A, bits *SparseBits) {
	if bits == nil {
		s.log.Warn("ignoring merge of nil bit table", zap.Any("device", dev))
		return
	}
	s.mu.Lock()
	r := s.recordFor(dev)
	var before *SparseBits
	if r.bits == nil {
		r.bits = NewSparseBits(bits.Size())
	} else {
		before = r.bits.Clone()
	}
	r.bits.Merge(bits)
	changed := !r.bits.Equal(before)
	s.mu.Unlock()
	if changed {
		s.notify(Change[A]{Device: dev, Kind: ChangeSensedBits})
	}
}

/*SetBlob stores a copy of blob under dev's subfunction; a nil blob removes it.
Rewriting the same bytes does not notify.*/
func (s *Store[A]) SetBlob(dev A, subfunction int, blob []byte) {
	s.mu.Lock()
	changed := false
	if blob == nil {
		if r, ok := s.devices[dev]; ok {
			if _, had := r.blobs[subfunction]; had {
				delete(r.blobs, subfunction)
				changed = true
			}
		}
	} else {
		r := s.recordFor(dev)
		if old, had := r.blobs[subfunction]; !had || !bytes.Equal(old, blob) {
			r.blobs[subfunction] = bytes.Clone(blob)
			changed = true
		}
	}
	s.mu.Unlock()
	if changed {
		s.notify(Change[A]{Device: dev, Kind: ChangeBlob, Subfunction: subfunction})
	}
}

/*AllSensedBits returns a copy of dev's bit table.  A device that never
reported gets an empty table rather than an error.*/
func (s *Store[A]) AllSensedBits(dev A) *SparseBits {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, err := s.lookup(dev)
	if err != nil || r.bits == nil {
		return NewSparseBits(0)
	}
	return r.bits.Clone()
}

/*SensedBit returns one of dev's bits.  Indices outside the table (including
every index of a device that never reported) wrap ErrIndexOutOfRange.*/
func (s *Store[A]) SensedBit(dev A, index int) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	size := 0
	r, err := s.lookup(dev)
	if err == nil && r.bits != nil {
		size = r.bits.Size()
	}
	if index < 0 || index >= size {
		return false, errors.Wrapf(ErrIndexOutOfRange, "device %v bit %d (size %d)", dev, index, size)
	}
	return r.bits.Get(index), nil
}

//Blob returns a copy of dev's subfunction blob, or nil if there is none
func (s *Store[A]) Blob(dev A, subfunction int) []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, err := s.lookup(dev)
	if err != nil {
		return nil
	}
	b, ok := r.blobs[subfunction]
	if !ok {
		return nil
	}
	return bytes.Clone(b)
}

/*SetInitMessages sets the byte sequences sent, in order, each time dev is
first detected or revived*/
func (s *Store[A]) SetInitMessages(dev A, msgs [][]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recordFor(dev).init = cloneAll(msgs)
}

//InitMessages returns a copy of dev's init messages
func (s *Store[A]) InitMessages(dev A) [][]byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, err := s.lookup(dev)
	if err != nil {
		return nil
	}
	return cloneAll(r.init)
}

//SetQueryMessage sets the byte sequence sent to dev on every poll
func (s *Store[A]) SetQueryMessage(dev A, msg []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recordFor(dev).query = bytes.Clone(msg)
}

//QueryMessage returns a copy of dev's query message, nil if none was set
func (s *Store[A]) QueryMessage(dev A) []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, err := s.lookup(dev)
	if err != nil {
		return nil
	}
	return bytes.Clone(r.query)
}

//Devices returns every known device address in ascending order
func (s *Store[A]) Devices() []A {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]A, 0, len(s.devices))
	for dev := range s.devices {
		out = append(out, dev)
	}
	slices.Sort(out)
	return out
}

//Forget drops everything known about dev
func (s *Store[A]) Forget(dev A) {
	s.mu.Lock()
	_, ok := s.devices[dev]
	delete(s.devices, dev)
	s.mu.Unlock()
	if ok {
		s.notify(Change[A]{Device: dev, Kind: ChangeForgotten})
	}
}

/*Subscribe registers fn to be called after every sensed-bit, blob or forget
write that changed what the store holds.  fn runs on the writer's goroutine, outside the store lock, so it
may read the store.  The returned func unregisters fn.*/
func (s *Store[A]) Subscribe(fn func(Change[A])) (cancel func()) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.nextID++
	id := s.nextID
	s.subs = append(s.subs, subscriber[A]{id: id, fn: fn})
	return func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		s.subs = slices.DeleteFunc(s.subs, func(sub subscriber[A]) bool { return sub.id == id })
	}
}

func (s *Store[A]) notify(c Change[A]) {
	s.subMu.Lock()
	subs := slices.Clone(s.subs)
	s.subMu.Unlock()
	for _, sub := range subs {
		sub.fn(c)
	}
}

//String implements the Stringer interface as a table of every device
func (s *Store[A]) String() string {
	devs := s.Devices()
	buf := bytes.NewBufferString("")
	tw := tablewriter.NewWriter(buf)
	tw.SetAutoWrapText(false)
	tw.SetHeader([]string{"Device", "Bits", "Sensed", "Blobs", "Init", "Query"})
	for _, dev := range devs {
		s.mu.RLock()
		r, err := s.lookup(dev)
		if err != nil { // forgotten between Devices and here
			s.mu.RUnlock()
			continue
		}
		bits := NewSparseBits(0)
		if r.bits != nil {
			bits = r.bits
		}
		tw.Append([]string{
			fmt.Sprint(dev),
			fmt.Sprint(bits.Size()),
			bits.String(),
			fmt.Sprint(len(r.blobs)),
			fmt.Sprint(len(r.init)),
			fmt.Sprintf("% X", r.query),
		})
		s.mu.RUnlock()
	}
	tw.Render()
	return buf.String()
}

func cloneAll(in [][]byte) [][]byte {
	if in == nil {
		return nil
	}
	out := make([][]byte, len(in))
	for i, b := range in {
		out[i] = bytes.Clone(b)
	}
	return out
}
