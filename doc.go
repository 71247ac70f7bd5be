/*Package cmrio polls a bank of C/MRI style remote I/O units over a single
channel and keeps what they report.  One host talks to many addressed units
(SMINIs, USICs and the like) on a shared serial line, or on a network bridge to
one, and each unit answers a poll with its input bits.

Layers


From the wire up:
  IDoIO       - a channel that reads and writes bytes (serial://, tcp://, ...)
  Arb         - serializes whole exchanges on one IDoIO: flush, write, read until complete
  CMRI        - frames and unframes NodeMessages (SYN SYN STX UA TYPE body ETX)
  Poller      - keeps every unit either active or reviving, and queries them in turn
  Store       - per unit sensed bits, blobs, init and query messages
  Transport   - a property bag, plus Attach/Detach around all of the above

Timeouts is a small scheduler shared by whatever needs a cancellable delayed
callback; the Poller uses it to escalate a stuck shutdown.

Error Handling


Units that do not answer are not errors: they are demoted to the revive queue
and retried at the discover rate.  Errors that reach callers wrap one of the
Err* sentinels, and channel errors additionally answer IsTimeout and
IsTemporary.  A channel error the Poller cannot ride out stops its worker; the
Transport then reports Polling() == false and keeps the cause in Err().

*/
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
