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
	"sync"

	"github.com/pkg/errors"
)

/*fakeBus is an in-memory IDoIO with C/MRI units on the far end.  A unit in
inputs answers every P with an R carrying its inputs; every other unit is
silent.*/
type fakeBus struct {
	mu       sync.Mutex
	inputs   map[int][]byte
	garbage  map[int]bool //answer with noise that never completes
	answerAs map[int]int  //answer P with another unit's address
	rx       bytes.Buffer
	sent     []NodeMessage
	writeErr error
	closed   bool
	echo     bool //the adapter hears the host's own frames
}

var _ IDoIO = &fakeBus{}

func newFakeBus() *fakeBus {
	return &fakeBus{inputs: map[int][]byte{}, garbage: map[int]bool{}, answerAs: map[int]int{}}
}

func (f *fakeBus) String() string { return "fake bus" }
func (f *fakeBus) Open() error    { return nil }

func (f *fakeBus) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeBus) Write(b []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, newErr(false, false, errors.New("bus closed"))
	}
	if f.writeErr != nil {
		return 0, f.writeErr
	}
	if f.echo {
		f.rx.Write(b)
	}
	m, err := CMRI{}.AcceptRxPacket(b)
	if err != nil {
		return len(b), nil
	}
	f.sent = append(f.sent, m)
	if m.Type() != TypePoll {
		return len(b), nil
	}
	switch in, ok := f.inputs[m.Address]; {
	case f.garbage[m.Address]:
		f.rx.Write([]byte{0xFF, 0x02, 0x41})
	case ok:
		from := m.Address
		if a, ok := f.answerAs[from]; ok {
			from = a
		}
		pkt, _ := CMRI{}.Encode(NodeMessage{Address: from, Data: append([]byte{TypeReceive}, in...)})
		f.rx.Write(pkt)
	}
	return len(b), nil
}

func (f *fakeBus) Read(b []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, newErr(false, false, errors.New("bus closed"))
	}
	if f.rx.Len() == 0 {
		return 0, newErr(true, true, errors.New("read timeout"))
	}
	return f.rx.Read(b)
}

func (f *fakeBus) setInputs(unit int, in ...byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputs[unit] = in
}

func (f *fakeBus) kill(unit int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.inputs, unit)
}

func (f *fakeBus) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writeErr = err
}

//messages returns what the host has sent, in order
func (f *fakeBus) messages() []NodeMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]NodeMessage(nil), f.sent...)
}
