package zmodem

import (
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/vanterm/serialxfer/frame"
	"github.com/vanterm/serialxfer/internal/protoerr"
	"github.com/vanterm/serialxfer/session"
	"github.com/vanterm/serialxfer/wire"
)

// Receiver drives the lrz.c-style receiver state machine: announce
// capabilities with ZRINIT, accept a ZFILE and answer ZRPOS at the
// offset already on disk (crash recovery), then read ZDATA subpackets
// until ZEOF, looping for the next ZFILE until ZFIN ends the batch.
type Receiver struct {
	sess  *session.Session
	ch    *wire.Channel
	esc   *frame.Escaper
	un    *frame.Unescaper
	use32 bool
}

func NewReceiver(sess *session.Session, ch *wire.Channel, use32 bool) *Receiver {
	return &Receiver{
		sess:  sess,
		ch:    ch,
		esc:   frame.NewEscaper(ch, false, false),
		un:    frame.NewUnescaper(ch),
		use32: use32,
	}
}

// SendZRINIT announces this receiver's capabilities. Called once at the
// start of a session, and again any time a timeout suggests the sender
// never saw the first one.
func (r *Receiver) SendZRINIT() error {
	flags := byte(CANFDX | CANOVIO)
	if r.use32 {
		flags |= CANFC32
	}
	return frame.SendHexHeader(r.ch, ZRINIT, frame.Header{flags, 0, 0, 0}, false)
}

// WaitForFile blocks until a ZFILE header and its name/size/mtime
// subpacket arrive, or the sender sends ZFIN to end the batch (reported
// via the second return value).
func (r *Receiver) WaitForFile() (fi *session.FileInfo, done bool, err error) {
	for attempt := 0; attempt < 10; attempt++ {
		ft, _, herr := r.readHeader()
		if herr != nil {
			if protoerr.IsTimeout(herr) {
				if err := r.SendZRINIT(); err != nil {
					return nil, false, err
				}
				continue
			}
			return nil, false, herr
		}
		switch ft {
		case ZFIN:
			return nil, true, nil
		case ZCAN:
			return nil, false, protoerr.New(protoerr.RemoteCancel, "sender cancelled")
		case ZFILE:
			buf := make([]byte, 1024)
			n, _, derr := frame.RecvDataSubpacket(r.un, buf, r.use32)
			if derr != nil {
				return nil, false, protoerr.Wrap(protoerr.Protocol, derr, "reading ZFILE subpacket")
			}
			name, size, mtime, mode := parseFileHeader(buf[:n])
			return &session.FileInfo{Name: name, Size: size, ModTime: mtime, Mode: mode}, false, nil
		case ZSINIT:
			buf := make([]byte, 64)
			frame.RecvDataSubpacket(r.un, buf, r.use32)
			frame.SendBinaryHeader(r.esc, ZACK, frame.Header{}, r.use32)
		}
	}
	return nil, false, protoerr.New(protoerr.Timeout, "no ZFILE after 10 attempts")
}

func parseFileHeader(data []byte) (name string, size int64, mtime time.Time, mode os.FileMode) {
	trimmed := strings.TrimRight(string(data), "\x00")
	parts := strings.SplitN(trimmed, "\x00", 2)
	name = parts[0]
	if len(parts) < 2 {
		return
	}
	fields := strings.Fields(parts[1])
	if len(fields) > 0 {
		size, _ = strconv.ParseInt(fields[0], 10, 64)
	}
	if len(fields) > 1 {
		if secs, err := strconv.ParseInt(fields[1], 8, 64); err == nil {
			mtime = time.Unix(secs, 0)
		}
	}
	if len(fields) > 2 {
		if m, err := strconv.ParseUint(fields[2], 8, 32); err == nil {
			mode = os.FileMode(m)
		}
	}
	return
}

// AcceptAt sends ZRPOS naming the offset to resume at (0 for a fresh
// file) and then reads ZDATA subpackets into w until ZEOF.
func (r *Receiver) AcceptAt(w io.Writer, fi *session.FileInfo, resumeAt int64) error {
	fi.BlockSize = 1024
	r.sess.BeginFile(fi)
	if err := frame.SendBinaryHeader(r.esc, ZRPOS, frame.PositionHeader(uint32(resumeAt)), r.use32); err != nil {
		return protoerr.Wrap(protoerr.IO, err, "sending ZRPOS")
	}
	r.sess.SetState(session.StateTransfer)

	pos := resumeAt
	buf := make([]byte, 1024)
	for {
		if r.sess.Cancelled() {
			return protoerr.New(protoerr.LocalCancel, "transfer cancelled")
		}
		if r.sess.ConsumeSkip() {
			frame.SendHexHeader(r.ch, ZSKIP, frame.Header{}, false)
			return protoerr.New(protoerr.LocalCancel, "file skipped")
		}

		ft, hdr, err := r.readHeader()
		if err != nil {
			if protoerr.IsTimeout(err) {
				frame.SendBinaryHeader(r.esc, ZRPOS, frame.PositionHeader(uint32(pos)), r.use32)
				continue
			}
			return err
		}
		switch ft {
		case ZEOF:
			if hdr.Position() != uint32(pos) {
				continue // stale ZEOF for a position we've already moved past
			}
			r.sess.FinishFile()
			return nil
		case ZCAN:
			return protoerr.New(protoerr.RemoteCancel, "sender cancelled")
		case ZDATA:
			if hdr.Position() != uint32(pos) {
				frame.SendBinaryHeader(r.esc, ZRPOS, frame.PositionHeader(uint32(pos)), r.use32)
				continue
			}
			for {
				n, term, derr := frame.RecvDataSubpacket(r.un, buf, r.use32)
				if derr != nil {
					if protoerr.IsIntegrity(derr) {
						frame.SendBinaryHeader(r.esc, ZRPOS, frame.PositionHeader(uint32(pos)), r.use32)
						break
					}
					return derr
				}
				if term == frame.GotCAN {
					return protoerr.New(protoerr.RemoteCancel, "sender cancelled mid-packet")
				}
				if _, werr := w.Write(buf[:n]); werr != nil {
					return protoerr.Wrap(protoerr.File, werr, "writing destination file")
				}
				pos += int64(n)
				r.sess.UpdateProgress(pos-resumeAt, pos/1024)
				if term == frame.GotCRCW {
					frame.SendBinaryHeader(r.esc, ZACK, frame.PositionHeader(uint32(pos)), r.use32)
				}
				if term == frame.GotCRCE {
					break
				}
			}
		}
	}
}

// FinishBatch answers the sender's ZFIN with its own ZFIN and eats the
// trailing "OO" that ends the session cleanly.
func (r *Receiver) FinishBatch() error {
	if err := frame.SendHexHeader(r.ch, ZFIN, frame.Header{}, false); err != nil {
		return protoerr.Wrap(protoerr.IO, err, "sending ZFIN")
	}
	r.ch.SetTimeout(2 * time.Second)
	for i := 0; i < 2; i++ {
		if b, err := r.ch.ReadByte(); err != nil || b != 'O' {
			break
		}
	}
	r.sess.SetState(session.StateEnd)
	return nil
}

func (r *Receiver) readHeader() (int, frame.Header, error) {
	r.ch.SetTimeout(10 * time.Second)
	b, err := r.ch.ReadByte()
	if err != nil {
		return 0, frame.Header{}, err
	}
	for b != '*' {
		b, err = r.ch.ReadByte()
		if err != nil {
			return 0, frame.Header{}, err
		}
	}
	b, err = r.ch.ReadByte()
	if err != nil {
		return 0, frame.Header{}, err
	}
	if b == '*' {
		b, err = r.ch.ReadByte()
		if err != nil {
			return 0, frame.Header{}, err
		}
	}
	if b != frame.ZDLE {
		return 0, frame.Header{}, protoerr.New(protoerr.Protocol, "expected ZDLE after ZPAD")
	}
	kind, err := r.ch.ReadByte()
	if err != nil {
		return 0, frame.Header{}, err
	}
	switch kind {
	case frame.ZBIN:
		return frame.RecvBinaryHeader16(r.un)
	case frame.ZBIN32:
		return frame.RecvBinaryHeader32(r.un)
	case frame.ZHEX:
		return frame.RecvHexHeader(r.ch)
	default:
		return 0, frame.Header{}, protoerr.New(protoerr.Protocol, "unknown header type")
	}
}
