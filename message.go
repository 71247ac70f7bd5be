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
	"fmt"
	"html"
	"strings"

	"github.com/olekukonko/tablewriter"
)

/*NodeMessage is one unit of wire data together with the logical address of the
unit it targets (or came from).  What Data means is up to the
NodeMessageManager; for C/MRI Data[0] is the message type.*/
type NodeMessage struct {
	Address int
	Data    []byte
}

//Type returns Data[0], or 0 for an empty message
func (m NodeMessage) Type() byte {
	if len(m.Data) == 0 {
		return 0
	}
	return m.Data[0]
}

//Body returns everything after the type byte
func (m NodeMessage) Body() []byte {
	if len(m.Data) < 2 {
		return nil
	}
	return m.Data[1:]
}

//String implements the Stringer interface
func (m NodeMessage) String() string {
	return fmt.Sprintf("NodeMessage> Unit: %d\tData: % X", m.Address, m.Data)
}

/*NodeMessageManager is the protocol strategy the Poller talks through.  It
frames outgoing messages, recognises where an incoming one ends, decodes it,
tells a unit's answer from other traffic, and renders messages for people.*/
type NodeMessageManager interface {
	//Encode renders m as the exact bytes to write to the channel
	Encode(m NodeMessage) ([]byte, error)

	//Complete is true once rx holds at least one whole packet
	Complete(rx []byte) bool

	//AcceptRxPacket decodes the first whole packet in rx
	AcceptRxPacket(rx []byte) (NodeMessage, error)

	//IsResponse is true if reply is a unit's answer to query
	IsResponse(query, reply NodeMessage) bool

	//PrettyFormat renders m as text (or an HTML row)
	PrettyFormat(m NodeMessage, opts FormatOptions) string
}

/*FormatOptions control PrettyFormat.  Group is 0 for a single linear hex
line, or 8/16 for an offset/hex/ASCII dump with that many bytes per row.
HTML wraps the result in a single <tr> row.*/
type FormatOptions struct {
	Group int
	HTML  bool
}

/*PrettyFormat is the protocol-agnostic rendering of m that managers may use.
Group values other than 8 and 16 fall back to the linear dump.*/
func PrettyFormat(m NodeMessage, opts FormatOptions) string {
	var dump string
	switch opts.Group {
	case 8, 16:
		dump = groupedDump(m.Data, opts.Group)
	default:
		dump = fmt.Sprintf("% X", m.Data)
	}
	if !opts.HTML {
		if opts.Group == 8 || opts.Group == 16 {
			return fmt.Sprintf("unit %d, %d bytes\n%s", m.Address, len(m.Data), dump)
		}
		return fmt.Sprintf("unit %d: %s", m.Address, dump)
	}
	return fmt.Sprintf("<tr><td>%d</td><td>%d</td><td><pre>%s</pre></td></tr>",
		m.Address, len(m.Data), html.EscapeString(strings.TrimRight(dump, "\n")))
}

func groupedDump(data []byte, group int) string {
	buf := bytes.NewBufferString("")
	tw := tablewriter.NewWriter(buf)
	tw.SetAutoWrapText(false)
	tw.SetAlignment(tablewriter.ALIGN_LEFT)
	tw.SetHeader([]string{"Offset", "Hex", "ASCII"})
	for off := 0; off < len(data); off += group {
		end := min(off+group, len(data))
		tw.Append([]string{fmt.Sprintf("%04X", off), fmt.Sprintf("% X", data[off:end]), printable(data[off:end])})
	}
	tw.Render()
	return buf.String()
}

func printable(b []byte) string {
	out := make([]byte, len(b))
	for i, c := range b {
		if c < 0x20 || c > 0x7E {
			c = '.'
		}
		out[i] = c
	}
	return string(out)
}

/*UnpackBits expands data into count bits, least significant bit of each byte
first.  Bits beyond the end of data are false.*/
func UnpackBits(data []byte, count int) []bool {
	out := make([]bool, count)
	for i := 0; i < count; i++ {
		byteIdx := i / 8
		bitIdx := i % 8
		if byteIdx >= len(data) {
			continue
		}
		out[i] = data[byteIdx]&(1<<bitIdx) != 0
	}
	return out
}

//PackBits is the inverse of UnpackBits
func PackBits(bits []bool) []byte {
	out := make([]byte, (len(bits)+7)/8)
	for i, b := range bits {
		if b {
			out[i/8] |= 1 << (i % 8)
		}
	}
	return out
}
