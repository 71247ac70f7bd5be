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

	"github.com/pkg/errors"
)

//C/MRI framing bytes
const (
	SYN        byte = 0xFF
	STX        byte = 0x02
	ETX        byte = 0x03
	ESCAPE     byte = 0x10 //DLE
	ADDR_OFFSET     = 65   //UA = address + 'A'

	//MaxAddress is the highest C/MRI unit address
	MaxAddress = 127
)

//C/MRI message types
const (
	TypeInit     byte = 'I'
	TypePoll     byte = 'P'
	TypeReceive  byte = 'R'
	TypeTransmit byte = 'T'
)

var _ NodeMessageManager = CMRI{}

/*CMRI is the NodeMessageManager for the C/MRI serial protocol:

  SYN SYN STX UA TYPE body... ETX

with UA = address + ADDR_OFFSET, and every STX, ETX or ESCAPE byte in the body
preceded by an ESCAPE.  Receivers ignore any number of leading SYNs.*/
type CMRI struct{}

//PollMessage is the query C/MRI units answer with an R message
func PollMessage() []byte { return []byte{TypePoll} }

/*InitMessage builds the I message for a unit: node definition (e.g. 'M' for
SMINI, 'N' for classic USIC), transmit delay in 10us steps, and the trailing
node-specific configuration bytes.*/
func InitMessage(ndp byte, delay uint16, config ...byte) []byte {
	msg := []byte{TypeInit, ndp, byte(delay >> 8), byte(delay)}
	return append(msg, config...)
}

//Encode conforms to NodeMessageManager
func (CMRI) Encode(m NodeMessage) ([]byte, error) {
	if m.Address < 0 || m.Address > MaxAddress {
		return nil, errors.Wrapf(ErrInvalidArgument, "C/MRI address %d not in 0..%d", m.Address, MaxAddress)
	}
	if len(m.Data) == 0 {
		return nil, errors.Wrap(ErrInvalidArgument, "C/MRI message without a type")
	}
	out := make([]byte, 0, len(m.Data)+8)
	out = append(out, SYN, SYN, STX, byte(m.Address+ADDR_OFFSET), m.Data[0])
	for _, b := range m.Data[1:] {
		if b == STX || b == ETX || b == ESCAPE {
			out = append(out, ESCAPE)
		}
		out = append(out, b)
	}
	return append(out, ETX), nil
}

//hostSent is true for the message types only the host transmits
func hostSent(t byte) bool {
	return t == TypeInit || t == TypePoll || t == TypeTransmit
}

/*Complete conforms to NodeMessageManager.  Only a unit's frame counts, so an
adapter echoing the host's own frame back does not end the read.*/
func (CMRI) Complete(rx []byte) bool {
	for off := 0; off < len(rx); {
		_, data, n, err := scanFrame(rx[off:])
		if err != nil {
			return false
		}
		if !hostSent(data[0]) {
			return true
		}
		off += n
	}
	return false
}

/*AcceptRxPacket conforms to NodeMessageManager.  Echoed host frames ahead of
a unit's frame are skipped; bytes holding nothing but host frames decode as
the first of them.*/
func (CMRI) AcceptRxPacket(rx []byte) (NodeMessage, error) {
	ua, data, off, err := scanFrame(rx)
	if err != nil {
		return NodeMessage{}, err
	}
	for hostSent(data[0]) && off < len(rx) {
		rua, rdata, n, err := scanFrame(rx[off:])
		if err != nil {
			break
		}
		off += n
		if !hostSent(rdata[0]) {
			ua, data = rua, rdata
		}
	}
	if int(ua) < ADDR_OFFSET || int(ua) > ADDR_OFFSET+MaxAddress {
		return NodeMessage{}, errors.Wrapf(ErrMalformedPacket, "unit address byte 0x%02X", ua)
	}
	return NodeMessage{Address: int(ua) - ADDR_OFFSET, Data: data}, nil
}

/*IsResponse conforms to NodeMessageManager.  A reply must come from the
queried unit and be of a unit's type; a P must be answered with an R.*/
func (CMRI) IsResponse(query, reply NodeMessage) bool {
	if reply.Address != query.Address || len(reply.Data) == 0 || hostSent(reply.Type()) {
		return false
	}
	return query.Type() != TypePoll || reply.Type() == TypeReceive
}

//PrettyFormat conforms to NodeMessageManager
func (CMRI) PrettyFormat(m NodeMessage, opts FormatOptions) string {
	return PrettyFormat(m, opts)
}

/*scanFrame finds the first STX in rx and unstuffs everything up to the
matching ETX.  data starts with the type byte; end is the offset just past
the ETX.*/
func scanFrame(rx []byte) (ua byte, data []byte, end int, err error) {
	start := bytes.IndexByte(rx, STX)
	if start < 0 {
		return 0, nil, 0, errors.Wrap(ErrMalformedPacket, "no STX")
	}
	// anything before STX other than SYN is line noise; tolerated
	p := rx[start+1:]
	if len(p) < 3 { // UA TYPE ETX at minimum
		return 0, nil, 0, errors.Wrap(ErrMalformedPacket, "short packet")
	}
	ua, data = p[0], []byte{p[1]}
	for i := 2; i < len(p); i++ {
		switch p[i] {
		case ETX:
			return ua, data, start + 1 + i + 1, nil
		case ESCAPE:
			i++
			if i >= len(p) {
				return 0, nil, 0, errors.Wrap(ErrMalformedPacket, "packet ends inside escape")
			}
		}
		data = append(data, p[i])
	}
	return 0, nil, 0, errors.Wrap(ErrMalformedPacket, "no ETX")
}

/*RecordInputs stores an answer from a unit.  Every message lands in the blob
table under its type byte; an R message also replaces the unit's sensed
bits, eight per input byte.*/
func RecordInputs(store *Store[int], m NodeMessage) {
	body := m.Body()
	if body == nil {
		body = []byte{}
	}
	if m.Type() == TypeReceive {
		store.SetSensedBits(m.Address, UnpackBits(body, 8*len(body)))
	}
	store.SetBlob(m.Address, int(m.Type()), body)
}
