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
	"net"
	"regexp"
	"sync"
	"time"

	"github.com/pkg/errors"
)

var _ IDoIO = &NetClient{}
var netClientRe = regexp.MustCompile(`^(tcp|tcp4|tcp6|udp|udp4|udp6)://(.*:[a-zA-Z0-9]+)$`)

//writeTimeout bounds a single Write to a bridge
const writeTimeout = 1 * time.Second

/*NewNetClient opens a connection to a remote serial bridge (ser2net and the
like) carrying the bus.  dial should be in the form of:
'tcp|udp[46]{0,1}://<host>:<port>'

timeout is used as the dial timeout.  Every Read and Write gets a short
deadline, so a Read with nothing to deliver returns an error for which
IsTimeout is true:

  nc, _ := NewNetClient(ctx, 100 * time.Millisecond, "tcp://bridge:4001")
  ...
  n, e := nc.Read(b)
  switch {
  case e == nil:
    ...
  case IsTimeout(e): // nothing arrived yet
    ...
  default: // broken socket
    ...
  }

The caller is responsible for handling errors. This pkg just propagates any
error encountered.
*/
func NewNetClient(ctx context.Context, timeout time.Duration, dial string) (*NetClient, error) {
	matches := netClientRe.FindStringSubmatch(dial)
	if matches == nil {
		return nil, newErr(false, false, errors.Wrapf(ErrChannel, "dial string %q not in correct form", dial))
	}
	nctx, cancel := context.WithCancel(ctx)
	nc := &NetClient{
		network:   matches[1],
		address:   matches[2],
		timeout:   timeout,
		rwtimeout: readPoll,
		ctx:       nctx,
		cancel:    cancel,
	}
	return nc, nc.Open()
}

/*NetClient provides an implementer of the IDoIO interface.  It provides
access under the following URI Regimes:
  tcp://
  tcp4://
  tcp6://
  udp://
  udp4://
  udp6://
*/
type NetClient struct {
	network, address string
	cancel           context.CancelFunc
	ctx              context.Context
	rwtimeout        time.Duration
	timeout          time.Duration
	mu               sync.Mutex //guards conn
	conn             net.Conn
}

func (nc *NetClient) current() net.Conn {
	nc.mu.Lock()
	defer nc.mu.Unlock()
	return nc.conn
}

/*String conforms to the fmt.Stringer interface*/
func (nc *NetClient) String() string {
	return fmt.Sprintf("%v connection to %v", nc.network, nc.address)
}

/*Open forcibly disconnects (ignore errors) the network connection and
attempts the connect process again.  It returns an error if it was unable to start*/
func (nc *NetClient) Open() (err error) {
	select {
	case <-nc.ctx.Done():
		return newErr(false, false, nc.ctx.Err())
	default:
	}
	nc.mu.Lock()
	defer nc.mu.Unlock()
	if nc.conn != nil {
		nc.conn.Close()
		nc.conn = nil
	}
	dialer := net.Dialer{
		Timeout:   nc.timeout,
		KeepAlive: 1 * time.Second,
	}
	//Errors from DialContext implement net.Error
	if nc.conn, err = dialer.DialContext(nc.ctx, nc.network, nc.address); err != nil {
		return newErr(false, false, errors.Wrapf(err, "unable to dial %s %s", nc.network, nc.address))
	}
	return nil
}

/*Read conforms to io.Reader, but immediately returns upon ctx
destruction after closing the underlying transport*/
func (nc *NetClient) Read(b []byte) (int, error) {
	select {
	case <-nc.ctx.Done():
		defer nc.Close()
		return 0, newErr(false, false, nc.ctx.Err())
	default:
		conn := nc.current()
		if conn == nil {
			return 0, newErr(false, false, errors.New("broken connection"))
		}
		if nc.rwtimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(nc.rwtimeout))
		}
		return conn.Read(b) //conn returns errors that conform to net.Error
	}
}

/*Write conforms to io.Writer, but immediately returns upon ctx
destruction after closing the underlying transport*/
func (nc *NetClient) Write(b []byte) (int, error) {
	select {
	case <-nc.ctx.Done():
		defer nc.Close()
		return 0, newErr(false, false, nc.ctx.Err())
	default:
		conn := nc.current()
		if conn == nil {
			return 0, newErr(false, false, errors.New("broken connection"))
		}
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		return conn.Write(b)
	}
}

/*Close conforms to io.Closer.  A closed NetClient cannot be re-opened.*/
func (nc *NetClient) Close() error {
	nc.cancel()
	nc.mu.Lock()
	defer nc.mu.Unlock()
	defer func() { nc.conn = nil }()
	if nc.conn != nil {
		return nc.conn.Close()
	}
	return nil
}
