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
	"github.com/pkg/errors"
)

// Package errors.  Callers should compare against these with errors.Is; every
// error returned by this package that falls into one of these classes wraps
// the matching sentinel.
var (
	//ErrInvalidArgument is returned when a caller supplied an out-of-domain value
	ErrInvalidArgument = errors.New("invalid argument")

	//ErrUnknownUnit is used internally when a unit was never recorded
	ErrUnknownUnit = errors.New("unknown unit")

	//ErrIndexOutOfRange is returned by reads past the end of a unit's bit table
	ErrIndexOutOfRange = errors.New("index out of range")

	//ErrUnsupportedKey is returned when a property is not on the transport's allow-list
	ErrUnsupportedKey = errors.New("unsupported property key")

	//ErrChannel is returned when the physical channel cannot be opened or used
	ErrChannel = errors.New("channel failure")

	//ErrTimeout is returned when a unit did not answer within its timeout
	ErrTimeout = errors.New("timed out waiting for response")

	//ErrNoResponse is returned when a unit answered with something unusable
	ErrNoResponse = errors.New("no usable response")

	//ErrMalformedPacket is returned by a NodeMessageManager for undecodable bytes
	ErrMalformedPacket = errors.New("malformed packet")

	//ErrShutdown is returned by operations on a poller or timeout manager that was shut down
	ErrShutdown = errors.New("shut down")

	//ErrCancelled is returned by a Future whose task was cancelled before it ran
	ErrCancelled = errors.New("cancelled")
)

/*netErr conforms to the net.Error interface so transports can tell timeouts
apart from broken channels without knowing the concrete transport*/
type netErr struct {
	timeout, temporary bool
	err                error
}

//newErr wraps err; a nil err gives a nil error
func newErr(timeout, temporary bool, err error) error {
	if err == nil {
		return nil
	}
	return &netErr{timeout: timeout, temporary: temporary, err: err}
}

func (e *netErr) Error() string   { return e.err.Error() }
func (e *netErr) Timeout() bool   { return e.timeout }
func (e *netErr) Temporary() bool { return e.temporary }
func (e *netErr) Unwrap() error   { return e.err }

/*IsTimeout returns true if any error in err's chain reports itself as a
timeout (net.Error style) or is ErrTimeout*/
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTimeout) {
		return true
	}
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}

/*IsTemporary returns true if any error in err's chain reports itself as temporary*/
func IsTemporary(err error) bool {
	if err == nil {
		return false
	}
	var t interface{ Temporary() bool }
	return errors.As(err, &t) && t.Temporary()
}
