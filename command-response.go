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
	"fmt"
	"time"
)

/*Command represents the Command portion of a Command-Response exchange on an
Arbiter.*/
type Command struct {
	/*Name is the human name of the exchange, used only in logs and errors. EG
	"poll unit 3"*/
	Name string

	/*Timeout is the max time allowed between the end of the write and a
	complete response.  If the response takes longer than this, the exchange is
	to be understood to have failed with ErrTimeout*/
	Timeout time.Duration

	//Packet is written to the channel verbatim
	Packet []byte

	/*Complete reports whether the bytes read so far hold a whole response.  A
	nil Complete makes the command write-only: Control returns as soon as
	Packet has been written*/
	Complete func(rx []byte) bool
}

//String implements the Stringer interface
func (c Command) String() string {
	return fmt.Sprintf("%s: %v Packet:% X WriteOnly:%v", c.Name, c.Timeout, c.Packet, c.Complete == nil)
}

/*Response is what is returned from Command requests.

Bytes is a copy of the []byte read while waiting for a timeout or a complete
response.
Error is one of:
  - nil if Command.Complete accepted Bytes (or the command was write-only)
  - an error wrapping ErrTimeout if Command.Timeout elapsed first
  - Some other error on other low level issues (the channel is broken).
Duration is the duration the command took before it succeeded (or failed).
*/
type Response struct {
	Bytes    []byte        //Raw bytes read or received
	Error    error         //any non-nil errors
	Duration time.Duration //how long did the request take
}

//String implements the Stringer interface
func (r Response) String() string {
	return fmt.Sprintf("Response> Rx Bytes: % X\tErrors: %v\tDuration: %v", r.Bytes, r.Error, r.Duration)
}
