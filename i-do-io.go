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
	"context"
	"fmt"
	"io"
	"regexp"
	"time"

	"github.com/pkg/errors"
)

/*IDoIO is the generic interface a bus channel conforms to.  An IDoIO should be
able to tell others in some human readable string form what the channel
actually is (fmt.Stringer).  An IDoIO should also be able to read and write
byte slices (io.ReadWriter), and also should be able to Open and Close the
device at will.  This does mean that once created, an IDoIO needs to cache
and properly deal with opening criteria.

Reads that find nothing before the channel's own short deadline return an
error for which IsTimeout is true (or 0, nil); anything else is a broken
channel.*/
type IDoIO interface {
	fmt.Stringer
	io.ReadWriter
	io.Closer
	Open() error
}

type dialer func(context.Context, time.Duration, string) (IDoIO, error)

var known = []struct {
	re   *regexp.Regexp
	dial dialer
}{
	{netClientRe, func(ctx context.Context, dur time.Duration, dial string) (IDoIO, error) {
		nc, err := NewNetClient(ctx, dur, dial)
		if err != nil {
			return nil, err
		}
		return nc, nil
	}},
	{serialRe, func(ctx context.Context, dur time.Duration, dial string) (IDoIO, error) {
		sc, err := NewSerialClient(ctx, dur, dial)
		if err != nil {
			return nil, err
		}
		return sc, nil
	}},
}

/*NewIDoIO returns an opened channel for dial, or nil and an error, where dial
is one of

  serial://<device>:<baud>
  rs232://<device>:<baud>
  tcp://<host:port> (also tcp4, tcp6, udp, udp4, udp6)

Dial strings matching none of these wrap ErrChannel.*/
func NewIDoIO(ctx context.Context, timeout time.Duration, dial string) (IDoIO, error) {
	for _, k := range known {
		if k.re.MatchString(dial) {
			return k.dial(ctx, timeout, dial)
		}
	}
	return nil, newErr(false, false, errors.Wrapf(ErrChannel, "no known way to create a channel from %q", dial))
}
