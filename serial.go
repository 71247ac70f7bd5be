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

package cmrio

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.bug.st/serial"
)

var _ IDoIO = &SerialClient{}
var serialRe = regexp.MustCompile(`^(?:rs232|serial)://([^:]+):([0-9]+)$`)

//readPoll is the serial read timeout; Reads return 0, nil after it
const readPoll = 5 * time.Millisecond

//serialPort is the part of serial.Port a SerialClient uses
type serialPort interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
	ResetInputBuffer() error
}

//openPort is replaced by tests
var openPort = func(name string, mode *serial.Mode) (serialPort, error) {
	return serial.Open(name, mode)
}

/*SerialClient wraps around a serial port*/
type SerialClient struct {
	ctx     context.Context
	cancel  context.CancelFunc
	timeout time.Duration
	mode    *serial.Mode
	dev     string
	mu      sync.Mutex //guards conn
	conn    serialPort
}

func (sc *SerialClient) current() serialPort {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.conn
}

/*NewSerialClient opens a connection to a serial device in 8N1 mode.
Dial should be in the form of "serial://<device>:<baud>"*/
func NewSerialClient(ctx context.Context, timeout time.Duration, dial string) (*SerialClient, error) {
	matches := serialRe.FindStringSubmatch(dial)
	if matches == nil {
		return nil, newErr(false, false, errors.Wrapf(ErrChannel, "dial string %q not in correct form", dial))
	}
	baud, err := strconv.Atoi(matches[2])
	if err != nil || baud <= 0 {
		return nil, newErr(false, false, errors.Wrapf(ErrInvalidArgument, "baud rate %q", matches[2]))
	}
	nctx, cancel := context.WithCancel(ctx)

	sc := &SerialClient{
		ctx:     nctx,
		cancel:  cancel,
		timeout: timeout,
		mode: &serial.Mode{
			BaudRate: baud,
			DataBits: 8,
			Parity:   serial.NoParity,
			StopBits: serial.OneStopBit,
		},
		dev:  matches[1],
		conn: nil,
	}
	return sc, sc.Open()
}

/*String conforms to the fmt.Stringer interface*/
func (sc *SerialClient) String() string {
	return fmt.Sprintf("serial connection to %v:%d 8N1", sc.dev, sc.mode.BaudRate)
}

/*Open forcibly closes any previously open port (ignore errors) and attempts
the open process again.  It returns an error if it was unable to start; the
cause is a *serial.PortError when the port itself refused*/
func (sc *SerialClient) Open() (err error) {
	select {
	case <-sc.ctx.Done():
		return newErr(false, false, sc.ctx.Err())
	default:
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.conn != nil {
		sc.conn.Close()
		sc.conn = nil
	}
	conn, err := openPort(sc.dev, sc.mode)
	if err != nil {
		return newErr(false, false, errors.Wrapf(err, "unable to open serial device %q", sc.dev))
	}
	if err = conn.SetReadTimeout(readPoll); err != nil {
		conn.Close()
		return newErr(false, false, errors.Wrapf(err, "unable to set read timeout on %q", sc.dev))
	}
	sc.conn = conn
	return nil
}

/*Read conforms to io.Reader, but immediately returns upon ctx
destruction after closing the underlying transport.  A read that times out
returns 0, nil*/
func (sc *SerialClient) Read(b []byte) (int, error) {
	select {
	case <-sc.ctx.Done():
		defer sc.Close()
		return 0, newErr(false, false, sc.ctx.Err())
	default:
		conn := sc.current()
		if conn == nil {
			return 0, newErr(false, false, errors.New("broken connection"))
		}

		n, e := conn.Read(b)
		switch e {
		case nil:
			return n, nil
		case io.EOF: //most likely as a timeout
			return n, newErr(true, true, e)
		default:
			return n, newErr(false, false, e)
		}
	}
}

/*Write conforms to io.Writer, but immediately returns upon ctx
destruction after closing the underlying transport*/
func (sc *SerialClient) Write(b []byte) (int, error) {
	select {
	case <-sc.ctx.Done():
		defer sc.Close()
		return 0, newErr(false, false, sc.ctx.Err())
	default:
		conn := sc.current()
		if conn == nil {
			return 0, newErr(false, false, errors.New("broken connection"))
		}
		n, e := conn.Write(b)
		switch e {
		case nil:
			return n, nil
		case io.EOF: //most likely as a timeout??
			return n, newErr(true, true, e)
		default:
			return n, newErr(false, false, e)
		}
	}
}

/*ResetInputBuffer drops anything received but not yet read*/
func (sc *SerialClient) ResetInputBuffer() error {
	conn := sc.current()
	if conn == nil {
		return newErr(false, false, errors.New("broken connection"))
	}
	return newErr(false, false, conn.ResetInputBuffer())
}

/*Close conforms to io.Closer.  Closing an already closed client returns nil.*/
func (sc *SerialClient) Close() error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	defer func() { sc.conn = nil }()
	if sc.conn != nil {
		return newErr(false, false, sc.conn.Close())
	}
	return nil
}

/*PortErrorCode digs a go.bug.st/serial error code out of err's chain.  The
library returns *PortError from Open but PortError values elsewhere.*/
func PortErrorCode(err error) (serial.PortErrorCode, bool) {
	var pe *serial.PortError
	if errors.As(err, &pe) && pe != nil {
		return pe.Code(), true
	}
	var pv serial.PortError
	if errors.As(err, &pv) {
		return pv.Code(), true
	}
	return 0, false
}

/*ChannelFailure names why a serial channel could not be set up: "busy",
"not found", "rejected" (bad parameters or permissions), or "failed"*/
func ChannelFailure(err error) string {
	code, ok := PortErrorCode(err)
	if !ok {
		if errors.Is(err, fs.ErrNotExist) { //unix opens fail with a plain ENOENT
			return "not found"
		}
		return "failed"
	}
	switch code {
	case serial.PortBusy:
		return "busy"
	case serial.PortNotFound, serial.InvalidSerialPort:
		return "not found"
	case serial.PermissionDenied, serial.InvalidSpeed, serial.InvalidDataBits,
		serial.InvalidParity, serial.InvalidStopBits, serial.InvalidTimeoutValue:
		return "rejected"
	default:
		return "failed"
	}
}
