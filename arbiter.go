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
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
)

/*
Arbiter provides a command and control interface to []byte streams.  On a
polled bus every exchange is a packet out followed by (at most) one packet
back, so an Arbiter serializes whole exchanges: two Controls never interleave
on the wire.  Any errors that do not wrap ErrTimeout come from the underlying
channel and are to be dealt with by the caller*/
type Arbiter interface {
	IDoIO //I Do Too

	/*Control writes cmd.Packet out on the wire and, unless the command is
	write-only, blocks until cmd.Complete accepts what has been read or
	cmd.Timeout elapses.  The returned Response should be populated as described
	in the Response docstring*/
	Control(cmd Command) Response
}

/*Arbitrate returns an Arbiter and a context.CancelFunc.  Canceling aborts any
Control in progress and every later one.*/
func Arbitrate(ctx context.Context, idoio IDoIO) (*Arb, context.CancelFunc) {
	arbctx, cancelfunc := context.WithCancel(ctx)
	return &Arb{ctx: arbctx, idotoo: idoio, cancel: cancelfunc}, cancelfunc
}

var _ Arbiter = &Arb{}

/*Arb is a wrapper over a IDoIO, but it locks the IDoIO under a mutex to
serialize access.*/
type Arb struct {
	ctx    context.Context
	cancel context.CancelFunc
	mux    sync.Mutex //only one reader and writer: me
	idotoo IDoIO
}

/*String conforms to IDoIO, but for an Arbiter*/
func (a *Arb) String() string {
	return fmt.Sprintf("Arbiter over %s", a.idotoo.String())
}

/*Open conforms to IDoIO, but for an Arbiter.  Access is locked within the
mutex*/
func (a *Arb) Open() error {
	a.mux.Lock()
	defer a.mux.Unlock()
	return a.idotoo.Open()
}

/*Close conforms to IDoIO and io.Closer, but for an Arbiter.  Close does not
take the mutex, so it can be used to break a Control that is blocked inside
the channel.*/
func (a *Arb) Close() error {
	return a.idotoo.Close()
}

/*Read conforms to IDoIO, io.Reader, but for an Arbiter. Access is locked
within the mutex*/
func (a *Arb) Read(b []byte) (int, error) {
	a.mux.Lock()
	defer a.mux.Unlock()
	return a.idotoo.Read(b)
}

/*Write conforms to IDoIO, io.Writer, but for an Arbiter. Access is locked
within the mutex*/
func (a *Arb) Write(b []byte) (int, error) {
	a.mux.Lock()
	defer a.mux.Unlock()
	return a.idotoo.Write(b)
}

/*Control conforms to Arbiter interface.  Generally, the steps are:

1) Discard anything left unread on the channel
2) Write the packet, failing on a short or errored write
3) Read until the response is complete or the timeout elapses
*/
func (a *Arb) Control(cmd Command) (rsp Response) {
	a.mux.Lock()
	defer a.mux.Unlock()
	start := time.Now()
	defer func() { rsp.Duration = time.Since(start) }()

	if len(cmd.Packet) == 0 {
		return Response{Error: errors.Wrapf(ErrInvalidArgument, "%s: empty packet", cmd.Name)}
	}
	select {
	case <-a.ctx.Done():
		return Response{Error: newErr(false, false, errors.Wrap(a.ctx.Err(), "Arbiter's context chain has collapsed"))}
	default:
	}

	if err := a.flush(); err != nil {
		return Response{Error: err}
	}

	//send off the bytes, barfing on any sort of write error
	if n, werr := a.idotoo.Write(cmd.Packet); werr != nil || len(cmd.Packet) != n {
		if werr == nil {
			werr = fmt.Errorf("short write")
		}
		return Response{Error: errors.Wrapf(werr, "%s: unable to write full message of %d bytes (wrote %d)", cmd.Name, len(cmd.Packet), n)}
	}
	if cmd.Complete == nil {
		return Response{}
	}
	return a.waitForResponse(cmd)
}

//flusher is implemented by channels that can drop their input buffer directly
type flusher interface {
	ResetInputBuffer() error
}

//maxFlushReads bounds how long flush will chase a chattering channel
const maxFlushReads = 64

/*flush discards stale input so the next read only sees the response to the
next write*/
func (a *Arb) flush() error {
	if f, ok := a.idotoo.(flusher); ok {
		return f.ResetInputBuffer()
	}
	b := make([]byte, 256)
	for i := 0; i < maxFlushReads; i++ {
		n, err := a.idotoo.Read(b)
		if err != nil {
			if IsTimeout(err) {
				return nil
			}
			return err
		}
		if n == 0 {
			return nil
		}
	}
	return nil
}

/*waitForResponse repeatedly reads from the IDoIO until cmd.Complete accepts
the bytes read so far, the timeout elapses, or the channel fails*/
func (a *Arb) waitForResponse(cmd Command) Response {
	timeoutctx, cancel := context.WithTimeout(a.ctx, cmd.Timeout)
	defer cancel()
	rcvd, buf := bytes.NewBuffer(nil), make([]byte, 256)

	for {
		if a.ctx.Err() != nil { //context chain has collapsed
			return Response{Error: newErr(false, false, errors.Wrap(a.ctx.Err(), "Arbiter's context chain has collapsed")), Bytes: rcvd.Bytes()}
		}
		if timeoutctx.Err() != nil {
			return Response{Error: errors.Wrapf(ErrTimeout, "%s: after %v", cmd.Name, cmd.Timeout), Bytes: rcvd.Bytes()}
		}

		n, err := a.idotoo.Read(buf)
		rcvd.Write(buf[:n])
		if err != nil && !IsTimeout(err) {
			return Response{Error: err, Bytes: rcvd.Bytes()}
		}
		if cmd.Complete(rcvd.Bytes()) {
			return Response{Bytes: rcvd.Bytes()}
		}
		if n == 0 {
			select {
			case <-timeoutctx.Done():
			case <-time.After(1 * time.Millisecond):
			}
		}
	}
}
