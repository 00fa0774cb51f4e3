package zmodem

import (
	"io"
	"time"

	"github.com/vanterm/serialxfer/frame"
	"github.com/vanterm/serialxfer/internal/protoerr"
	"github.com/vanterm/serialxfer/session"
	"github.com/vanterm/serialxfer/wire"
)

// Sender drives the lsz.c-style sender state machine: negotiate ZRINIT,
// announce a file with ZFILE, stream ZDATA subpackets from the position
// the receiver asked to resume at, and close the file with ZEOF. One
// Sender is built per Channel and is not reused across sessions.
type Sender struct {
	sess *session.Session
	ch   *wire.Channel
	esc  *frame.Escaper
	un   *frame.Unescaper

	use32   bool
	rxflags byte
}

// NewSender builds a sender bound to ch. use32 requests ZBIN32 framing;
// the actual CRC width used is negotiated down if the receiver's ZRINIT
// does not advertise CANFC32.
func NewSender(sess *session.Session, ch *wire.Channel, use32 bool) *Sender {
	return &Sender{
		sess:  sess,
		ch:    ch,
		esc:   frame.NewEscaper(ch, false, false),
		un:    frame.NewUnescaper(ch),
		use32: use32,
	}
}

// Negotiate performs the ZRQINIT/ZRINIT handshake, retrying a handful of
// times since the first ZRQINIT commonly races the receiver's own
// startup probe.
func (s *Sender) Negotiate() error {
	for attempt := 0; attempt < 10; attempt++ {
		if err := frame.SendHexHeader(s.ch, ZRQINIT, frame.Header{}, false); err != nil {
			return protoerr.Wrap(protoerr.IO, err, "sending ZRQINIT")
		}
		ft, hdr, err := s.readHeader()
		if err != nil {
			if protoerr.IsTimeout(err) {
				continue
			}
			return err
		}
		if ft == ZRINIT {
			s.rxflags = hdr[0]
			if s.use32 && hdr[0]&CANFC32 == 0 {
				s.use32 = false
			}
			return nil
		}
		if ft == ZCAN {
			return protoerr.New(protoerr.RemoteCancel, "receiver cancelled during init")
		}
	}
	return protoerr.New(protoerr.Timeout, "no ZRINIT after 10 attempts")
}

// SendFile announces name/size/mtime via ZFILE, waits for the receiver's
// ZRPOS/ZSKIP/ZCRC response, then streams the file contents from
// startPos (non-zero on crash-recovery resume).
func (s *Sender) SendFile(fi *session.FileInfo, r io.ReadSeeker) error {
	fi.BlockSize = 1024
	s.sess.BeginFile(fi)
	header := buildFileHeader(fi)
	if err := s.sendFrame(ZFILE, frame.Header{}, header); err != nil {
		return err
	}

	startPos, err := s.waitForPosition()
	if err != nil {
		return err
	}

	if startPos > 0 {
		if _, err := r.Seek(startPos, io.SeekStart); err != nil {
			return protoerr.Wrap(protoerr.File, err, "seeking to resume position")
		}
	}

	s.sess.SetState(session.StateTransfer)
	if err := s.sendData(r, startPos, fi); err != nil {
		return err
	}

	if err := s.sendFrame(ZEOF, frame.PositionHeader(uint32(fi.Size)), nil); err != nil {
		return err
	}
	s.sess.FinishFile()
	return nil
}

// Finish sends ZFIN and waits for the receiver's own ZFIN echo, the
// teacher's over-and-out handshake that lets a batch end cleanly.
func (s *Sender) Finish() error {
	for attempt := 0; attempt < 5; attempt++ {
		if err := s.sendFrame(ZFIN, frame.Header{}, nil); err != nil {
			return err
		}
		ft, _, err := s.readHeader()
		if err != nil {
			if protoerr.IsTimeout(err) {
				continue
			}
			return err
		}
		if ft == ZFIN {
			s.ch.Write([]byte("OO"))
			s.sess.SetState(session.StateEnd)
			return nil
		}
	}
	return protoerr.New(protoerr.Timeout, "no ZFIN echo from receiver")
}

func buildFileHeader(fi *session.FileInfo) []byte {
	header := fi.Name + "\x00"
	header += itoa(fi.Size) + " " + itoa(fi.ModTime.Unix()) + " " + octal(uint32(fi.Mode)) + " 0 0 0"
	return []byte(header)
}

func (s *Sender) waitForPosition() (int64, error) {
	for attempt := 0; attempt < 10; attempt++ {
		ft, hdr, err := s.readHeader()
		if err != nil {
			if protoerr.IsTimeout(err) {
				if err := s.sendFrame(ZFILE, frame.Header{}, nil); err != nil {
					return 0, err
				}
				continue
			}
			return 0, err
		}
		switch ft {
		case ZRPOS:
			return int64(hdr.Position()), nil
		case ZSKIP:
			return 0, protoerr.New(protoerr.RemoteCancel, "receiver skipped file")
		case ZCRC:
			continue
		case ZCAN:
			return 0, protoerr.New(protoerr.RemoteCancel, "receiver cancelled")
		}
	}
	return 0, protoerr.New(protoerr.Timeout, "no ZRPOS from receiver")
}

func (s *Sender) sendData(r io.Reader, startPos int64, fi *session.FileInfo) error {
	const chunk = 1024
	buf := make([]byte, chunk)
	pos := startPos
	for {
		if s.sess.Cancelled() {
			return protoerr.New(protoerr.LocalCancel, "transfer cancelled")
		}
		if s.sess.ConsumeSkip() {
			return protoerr.New(protoerr.LocalCancel, "file skipped")
		}
		n, err := r.Read(buf)
		if n > 0 {
			if err := frame.SendBinaryHeader(s.esc, ZDATA, frame.PositionHeader(uint32(pos)), s.use32); err != nil {
				return protoerr.Wrap(protoerr.IO, err, "sending ZDATA header")
			}
			term := byte('i') // ZCRCG: keep streaming
			if err == io.EOF {
				term = 'h' // ZCRCE: this is the last subpacket
			}
			if err := frame.SendDataSubpacket(s.esc, buf[:n], term, s.use32); err != nil {
				return protoerr.Wrap(protoerr.IO, err, "sending data subpacket")
			}
			pos += int64(n)
			s.sess.UpdateProgress(pos-startPos, pos/chunk)
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return protoerr.Wrap(protoerr.File, err, "reading source file")
		}
	}
}

func (s *Sender) sendFrame(frameType int, hdr frame.Header, payload []byte) error {
	if payload == nil {
		if err := frame.SendBinaryHeader(s.esc, frameType, hdr, s.use32); err != nil {
			return protoerr.Wrap(protoerr.IO, err, "sending header")
		}
		return nil
	}
	if err := frame.SendBinaryHeader(s.esc, frameType, frame.Header{}, s.use32); err != nil {
		return protoerr.Wrap(protoerr.IO, err, "sending header")
	}
	return frame.SendDataSubpacket(s.esc, payload, frame.ZCRCW, s.use32)
}

func (s *Sender) readHeader() (int, frame.Header, error) {
	s.ch.SetTimeout(10 * time.Second)
	b, err := s.ch.ReadByte()
	if err != nil {
		return 0, frame.Header{}, err
	}
	for b != '*' {
		b, err = s.ch.ReadByte()
		if err != nil {
			return 0, frame.Header{}, err
		}
	}
	b, err = s.ch.ReadByte()
	if err != nil {
		return 0, frame.Header{}, err
	}
	if b == '*' {
		b, err = s.ch.ReadByte()
		if err != nil {
			return 0, frame.Header{}, err
		}
	}
	if b != frame.ZDLE {
		return 0, frame.Header{}, protoerr.New(protoerr.Protocol, "expected ZDLE after ZPAD")
	}
	kind, err := s.ch.ReadByte()
	if err != nil {
		return 0, frame.Header{}, err
	}
	switch kind {
	case frame.ZBIN:
		return frame.RecvBinaryHeader16(s.un)
	case frame.ZBIN32:
		return frame.RecvBinaryHeader32(s.un)
	case frame.ZHEX:
		return frame.RecvHexHeader(s.ch)
	default:
		return 0, frame.Header{}, protoerr.New(protoerr.Protocol, "unknown header type")
	}
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func octal(n uint32) string {
	if n == 0 {
		return "0"
	}
	var buf [16]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%8)
		n /= 8
	}
	return string(buf[i:])
}
