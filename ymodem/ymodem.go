// Package ymodem layers Ymodem's batch transfer on the Xmodem block
// format: a block-0 header naming the file with its size, mtime and mode
// (for every flavor), an empty block-0 to end the
// batch, and — for Y_G — the rule that any CRC error aborts the whole
// batch rather than retrying, since G-mode never ACKs a single block.
// Grounded on the teacher's zmodem batch framing adapted down to
// Ymodem's simpler block-0 convention, and on spec.md's Open Question
// decision that Y_G has no block-level retry to fall back on.
package ymodem

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/vanterm/serialxfer/frame"
	"github.com/vanterm/serialxfer/internal/protoerr"
	"github.com/vanterm/serialxfer/session"
	"github.com/vanterm/serialxfer/wire"
	"github.com/vanterm/serialxfer/xmodem"
)

// BatchEntry describes one file queued for a Ymodem send.
type BatchEntry struct {
	Name    string
	Size    int64
	ModTime time.Time
	Mode    uint32
	Open    func() (io.ReadCloser, error)
}

// SendBatch transmits each entry as block-0-metadata + data blocks +
// EOT, finishing with an empty block 0 to signal end of batch.
func SendBatch(sess *session.Session, ch *wire.Channel, entries []BatchEntry) error {
	sess.SetState(session.StateDownloadFileInfo)
	for _, entry := range entries {
		if sess.Cancelled() {
			err := protoerr.New(protoerr.LocalCancel, "transfer cancelled")
			sess.Abort(err.Error())
			return err
		}
		if err := sendOneFile(sess, ch, entry); err != nil {
			return err
		}
	}
	if err := sendBlockZero(ch, nil); err != nil {
		sess.Abort(err.Error())
		return err
	}
	sess.SetState(session.StateEnd)
	return nil
}

func sendOneFile(sess *session.Session, ch *wire.Channel, entry BatchEntry) error {
	rc, err := entry.Open()
	if err != nil {
		werr := protoerr.Wrap(protoerr.File, err, "open source file")
		sess.Abort(werr.Error())
		return werr
	}
	defer rc.Close()

	if err := sendBlockZero(ch, &entry); err != nil {
		sess.Abort(err.Error())
		return err
	}

	fi := &session.FileInfo{Name: entry.Name, Size: entry.Size, ModTime: entry.ModTime}
	return xmodem.Send(sess, ch, rc, fi)
}

// sendBlockZero writes the Ymodem header block: "name\0size mtime mode\0"
// zero-padded to 128 bytes for every flavor, or an all-zero block to end a batch
// when entry is nil.
func sendBlockZero(ch *wire.Channel, entry *BatchEntry) error {
	const bs = 128 // Ymodem block 0 is always a 128-byte SOH block
	data := make([]byte, bs)
	if entry != nil {
		header := fmt.Sprintf("%s\x00%d %o %o", entry.Name, entry.Size, entry.ModTime.Unix(), entry.Mode)
		copy(data, header)
	}
	return sendRawBlockZero(ch, data)
}

// ReceiveBatch reads Ymodem block-0 headers and dispatches each file to
// the caller-supplied sink until an empty block 0 ends the batch.
func ReceiveBatch(sess *session.Session, ch *wire.Channel, sink func(name string, size int64, mtime time.Time) (io.WriteCloser, error)) error {
	sess.SetState(session.StateDownloadFileInfo)
	for {
		if sess.Cancelled() {
			err := protoerr.New(protoerr.LocalCancel, "transfer cancelled")
			sess.Abort(err.Error())
			return err
		}
		name, size, mtime, empty, err := recvBlockZero(ch)
		if err != nil {
			sess.Abort(err.Error())
			return err
		}
		if empty {
			sess.SetState(session.StateEnd)
			return nil
		}

		ok, err := sess.Callbacks().OnFilePrompt(name, size, 0)
		if err != nil {
			sess.Abort(err.Error())
			return err
		}
		if !ok {
			sess.AddInfoMessage("skipped " + name)
			if err := ackBlockZero(ch); err != nil {
				sess.Abort(err.Error())
				return err
			}
			continue
		}
		if err := ackBlockZero(ch); err != nil {
			sess.Abort(err.Error())
			return err
		}

		w, err := sink(name, size, mtime)
		if err != nil {
			werr := protoerr.Wrap(protoerr.File, err, "create destination file")
			sess.Abort(werr.Error())
			return werr
		}
		fi := &session.FileInfo{Name: name, Size: size, ModTime: mtime}
		if err := xmodem.Receive(sess, ch, w, fi); err != nil {
			w.Close()
			return err
		}
		if t, ok := w.(interface{ Truncate(int64) error }); ok && size > 0 {
			if err := t.Truncate(size); err != nil {
				w.Close()
				werr := protoerr.Wrap(protoerr.File, err, "truncate destination file")
				sess.Abort(werr.Error())
				return werr
			}
		}
		w.Close()
		sess.SetState(session.StateDownloadFileInfo)
	}
}

func ackBlockZero(ch *wire.Channel) error {
	if err := ch.WriteByte(xmodem.ACK); err != nil {
		return err
	}
	return ch.WriteByte('C')
}

func recvBlockZero(ch *wire.Channel) (name string, size int64, mtime time.Time, empty bool, err error) {
	if err = ch.WriteByte('C'); err != nil {
		return
	}
	header, rerr := ch.ReadByte()
	if rerr != nil {
		err = protoerr.Wrap(protoerr.Timeout, rerr, "waiting for block-0 header")
		return
	}
	if header == xmodem.EOT {
		err = protoerr.New(protoerr.Protocol, "unexpected EOT before batch start")
		return
	}
	if header != xmodem.SOH && header != xmodem.STX {
		err = protoerr.New(protoerr.Protocol, "expected block 0")
		return
	}
	payloadLen := 128
	if header == xmodem.STX {
		payloadLen = 1024
	}
	seq := make([]byte, 2)
	if _, e := io.ReadFull(ch, seq); e != nil {
		err = protoerr.Wrap(protoerr.Timeout, e, "reading block-0 sequence")
		return
	}
	data := make([]byte, payloadLen)
	if _, e := io.ReadFull(ch, data); e != nil {
		err = protoerr.Wrap(protoerr.Timeout, e, "reading block-0 payload")
		return
	}
	var crcbuf [2]byte
	if _, e := io.ReadFull(ch, crcbuf[:]); e != nil {
		err = protoerr.Wrap(protoerr.Timeout, e, "reading block-0 CRC")
		return
	}

	trimmed := bytes.TrimRight(data, "\x00")
	if len(trimmed) == 0 {
		empty = true
		if err = ch.WriteByte(xmodem.ACK); err != nil {
			return
		}
		return
	}

	parts := strings.SplitN(string(trimmed), "\x00", 2)
	name = parts[0]
	if len(parts) > 1 {
		fields := strings.Fields(parts[1])
		if len(fields) > 0 {
			size, _ = strconv.ParseInt(fields[0], 10, 64)
		}
		if len(fields) > 1 {
			if secs, perr := strconv.ParseInt(fields[1], 8, 64); perr == nil {
				mtime = time.Unix(secs, 0)
			}
		}
	}
	return
}

// sendRawBlockZero waits for the receiver's 'C' that asks for a block 0,
// then writes block 0 as an ordinary Xmodem-CRC block. After the ACK of a
// file's block 0 it also consumes the receiver's follow-up 'C'; the
// all-zero end-of-batch block gets no follow-up.
func sendRawBlockZero(ch *wire.Channel, data []byte) error {
	crcBlock := append([]byte{xmodem.SOH, 0, 0xFF}, data...)
	sum := frame.CRC16CCITT(data)
	crcBlock = append(crcBlock, byte(sum>>8), byte(sum))

	if b, err := ch.ReadByte(); err != nil {
		return protoerr.Wrap(protoerr.Timeout, err, "waiting for receiver's C before block 0")
	} else if b == xmodem.CAN {
		return protoerr.New(protoerr.RemoteCancel, "receiver cancelled at block 0")
	}

	naks := 0
	for {
		if _, err := ch.Write(crcBlock); err != nil {
			return err
		}
		b, err := ch.ReadByte()
		if err != nil {
			return protoerr.Wrap(protoerr.Timeout, err, "waiting for block-0 ACK")
		}
		switch b {
		case xmodem.ACK:
			if len(bytes.TrimRight(data, "\x00")) > 0 {
				ch.ReadByte() // peer's follow-up 'C' requesting the first data block
			}
			return nil
		case xmodem.CAN:
			return protoerr.New(protoerr.RemoteCancel, "receiver cancelled at block 0")
		case xmodem.NAK:
			naks++
			if naks >= 10 {
				return protoerr.New(protoerr.Protocol, "block-0 retry budget exceeded")
			}
		}
	}
}
