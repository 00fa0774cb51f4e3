// Package wire provides the timed, cancellable byte channel every engine
// reads and writes through. It is grounded on the teacher's zreadline.c-
// derived buffered reader: a read-ahead buffer plus a deadline on the
// underlying reader, so a stalled peer surfaces as a protoerr.Timeout
// instead of hanging a goroutine forever.
package wire

import (
	"bufio"
	"context"
	"io"
	"time"

	"github.com/vanterm/serialxfer/internal/protoerr"
)

// ReaderWithTimeout is satisfied by any transport that can bound a Read
// call: a net.Conn, an os.File-backed serial port, or a wrapper around a
// pipe that fakes deadlines by other means (see NoDeadlineReader).
type ReaderWithTimeout interface {
	io.Reader
	SetReadDeadline(time.Time) error
}

// NoDeadlineReader adapts a reader with no native deadline support (an
// os.Stdin pipe, an SSH session's stdout pipe) into a ReaderWithTimeout.
// SetReadDeadline is a no-op, so a read through it has no timeout: it
// returns only when data arrives or the underlying reader fails or closes.
type NoDeadlineReader struct {
	io.Reader
}

func (NoDeadlineReader) SetReadDeadline(time.Time) error { return nil }

// Channel is the buffered, cancellable, timed byte channel every engine
// is built on. A single Channel is owned by exactly one engine execution
// context (spec's concurrency model: the engine is the sole writer of its
// own read-ahead state).
type Channel struct {
	r       ReaderWithTimeout
	w       io.Writer
	buf     *bufio.Reader
	timeout time.Duration
	ctx     context.Context
}

// New wraps reader/writer with a read-ahead buffer of bufSize bytes and a
// per-read timeout (0 disables the deadline, relying solely on ctx).
func New(ctx context.Context, r ReaderWithTimeout, w io.Writer, bufSize int, timeout time.Duration) *Channel {
	if bufSize <= 0 {
		bufSize = 256
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return &Channel{r: r, w: w, buf: bufio.NewReaderSize(r, bufSize), timeout: timeout, ctx: ctx}
}

// ReadByte reads one byte, applying the channel's deadline. Context
// cancellation is checked before the read starts; a read already blocked
// is not interrupted by it.
func (c *Channel) ReadByte() (byte, error) {
	select {
	case <-c.ctx.Done():
		return 0, c.ctx.Err()
	default:
	}
	if c.timeout > 0 {
		if err := c.r.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
			return 0, err
		}
	}
	b, err := c.buf.ReadByte()
	if err != nil {
		if isTimeout(err) {
			return 0, protoerr.Wrap(protoerr.Timeout, err, "read deadline exceeded")
		}
		return 0, protoerr.Wrap(protoerr.IO, err, "read failed")
	}
	return b, nil
}

// Read reads len(p) bytes, one at a time through ReadByte, so every byte
// is individually subject to the deadline and cancellation check.
func (c *Channel) Read(p []byte) (int, error) {
	for i := range p {
		b, err := c.ReadByte()
		if err != nil {
			return i, err
		}
		p[i] = b
	}
	return len(p), nil
}

func (c *Channel) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	if err != nil {
		return n, protoerr.Wrap(protoerr.IO, err, "write failed")
	}
	return n, nil
}

func (c *Channel) WriteByte(b byte) error {
	_, err := c.Write([]byte{b})
	return err
}

// Flush commits any buffered writes, if the underlying writer buffers.
func (c *Channel) Flush() error {
	if f, ok := c.w.(interface{ Flush() error }); ok {
		return f.Flush()
	}
	return nil
}

// Drain discards whatever is already buffered without blocking — used
// after a garbled block to resynchronize on the next frame boundary.
func (c *Channel) Drain() {
	for c.buf.Buffered() > 0 {
		c.buf.ReadByte()
	}
}

// SetTimeout changes the per-read deadline for subsequent reads (e.g. a
// shorter timeout during the Ymodem batch-info block vs. steady-state
// data blocks).
func (c *Channel) SetTimeout(d time.Duration) { c.timeout = d }

func isTimeout(err error) bool {
	type timeoutter interface{ Timeout() bool }
	te, ok := err.(timeoutter)
	return ok && te.Timeout()
}
