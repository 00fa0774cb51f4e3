package zmodem

import (
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/vanterm/serialxfer/internal/logx"
	"github.com/vanterm/serialxfer/session"
	"github.com/vanterm/serialxfer/wire"
)

// zrqinitMagic is the byte sequence an interactive terminal session sees
// just before a remote `sz`/`rz` starts talking Zmodem: ZPAD ZPAD ZDLE 'B'
// (hex-header marker) followed by the ZRQINIT frame type digits.
var zrqinitMagic = []byte{'*', '*', 0x18, 'B', '0', '0'}

// TerminalIO is passthrough middleware over an interactive session (an
// SSH shell, a serial console) that watches outbound bytes for the
// ZRQINIT magic and transparently launches a Receiver when it appears,
// so a caller can pipe a remote shell straight to os.Stdout/Stdin without
// special-casing file transfers. Grounded on the teacher's TerminalIO,
// trimmed to drive the new Receiver instead of an in-package session.
type TerminalIO struct {
	reader    io.Reader
	writer    io.Writer
	ctx       context.Context
	logger    logx.Logger
	newSession func() *session.Session

	mu       sync.Mutex
	inZmodem bool
	scan     []byte
}

// NewTerminalIO wraps reader/writer. newSession builds a fresh receive
// Session (with whatever callbacks/dir the caller wants) each time an
// auto-started transfer is detected — a session is single-use, so a new
// one is needed per transfer rather than per TerminalIO.
func NewTerminalIO(ctx context.Context, reader io.Reader, writer io.Writer, logger logx.Logger, newSession func() *session.Session) *TerminalIO {
	if logger == nil {
		logger = logx.Noop{}
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return &TerminalIO{reader: reader, writer: writer, ctx: ctx, logger: logger, newSession: newSession, scan: make([]byte, 0, 16)}
}

func (t *TerminalIO) TerminalReader() io.Reader { return t }
func (t *TerminalIO) TerminalWriter() io.Writer { return t.writer }

// Read passes bytes through to the caller while watching for the ZRQINIT
// magic. Once seen, it blocks the caller's read loop and drives a full
// Receiver session directly against the underlying reader/writer before
// resuming passthrough.
func (t *TerminalIO) Read(p []byte) (int, error) {
	n, err := t.reader.Read(p)
	if n > 0 {
		if idx := t.scanFor(p[:n]); idx >= 0 {
			t.logger.Info("zmodem auto-start detected")
			t.runReceiver()
		}
	}
	return n, err
}

func (t *TerminalIO) scanFor(chunk []byte) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.scan = append(t.scan, chunk...)
	if len(t.scan) > 32 {
		t.scan = t.scan[len(t.scan)-32:]
	}
	idx := bytes.Index(t.scan, zrqinitMagic)
	if idx >= 0 {
		t.scan = t.scan[:0]
	}
	return idx
}

func (t *TerminalIO) runReceiver() {
	t.mu.Lock()
	t.inZmodem = true
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		t.inZmodem = false
		t.mu.Unlock()
	}()

	sess := t.newSession()
	ch := wire.New(t.ctx, wire.NoDeadlineReader{Reader: t.reader}, t.writer, 256, 0)
	RunReceiver(sess, ch)
}
