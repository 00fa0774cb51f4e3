// Package xmodem implements the Xmodem family: Vanilla (128-byte blocks,
// additive checksum), Relaxed (Vanilla with a longer per-block timeout for
// flaky links), CRC (128-byte blocks, CRC-16), 1K (1024-byte blocks, CRC-16)
// and 1K-G (1024-byte blocks, CRC-16, no per-block ACK). It is grounded on
// the azurity xmodem-go port's sendPack/waitWorkMode/sendEOT state machine,
// rebuilt on this module's shared frame/wire/session/protoerr packages
// instead of that port's io.Pipe transport shim.
package xmodem

import (
	"bytes"
	"io"
	"time"

	"github.com/vanterm/serialxfer/frame"
	"github.com/vanterm/serialxfer/internal/protoerr"
	"github.com/vanterm/serialxfer/session"
	"github.com/vanterm/serialxfer/wire"
)

const (
	SOH    = 0x01
	STX    = 0x02
	EOT    = 0x04
	ACK    = 0x06
	NAK    = 0x15
	CAN    = 0x18
	CPMEOF = 0x1A // ^Z padding byte for the final short block

	WantCRC = 'C'
	WantG   = 'G'

	maxRetries   = 10
	maxCANBurst  = 2
	blockTimeout = 10 * time.Second
)

func blockSize(flavor session.Flavor) int {
	switch flavor {
	case session.X1K, session.X1KG:
		return 1024
	default:
		return 128
	}
}

func usesCRC(flavor session.Flavor) bool {
	return flavor != session.XVanilla && flavor != session.XRelaxed
}

func streaming(flavor session.Flavor) bool {
	return flavor == session.X1KG || flavor == session.YG
}

func relaxedTimeout(flavor session.Flavor) time.Duration {
	if flavor == session.XRelaxed {
		return 60 * time.Second
	}
	return blockTimeout
}

// Send drives the sender side of a transfer: it waits for the receiver's
// initial NAK/C/G, then streams file in blockSize(flavor) chunks, and
// finishes with the EOT/NAK/EOT/ACK dance (a lone EOT is deliberately
// sometimes NAKed by fussy receivers, so EOT is retried like a block).
func Send(sess *session.Session, ch *wire.Channel, r io.Reader, fi *session.FileInfo) error {
	ch.SetTimeout(relaxedTimeout(sess.Flavor))
	bs := blockSize(sess.Flavor)
	fi.BlockSize = bs
	sess.BeginFile(fi)
	sess.SetState(session.StateTransfer)

	mode, err := negotiateMode(ch, sess.Flavor)
	if err != nil {
		sess.Abort(err.Error())
		return err
	}
	useCRC := mode == WantCRC || mode == WantG

	buf := make([]byte, bs)
	var blockNum uint8 = 1
	var total int64
	for {
		if sess.Cancelled() {
			err := protoerr.New(protoerr.LocalCancel, "transfer cancelled")
			sess.Abort(err.Error())
			return err
		}
		n, rerr := io.ReadFull(r, buf)
		if n == 0 && rerr == io.EOF {
			break
		}
		if n < bs {
			for i := n; i < bs; i++ {
				buf[i] = CPMEOF
			}
		}
		if err := sendBlock(ch, blockNum, buf, useCRC, streaming(sess.Flavor)); err != nil {
			sess.Abort(err.Error())
			return err
		}
		total += int64(n)
		blockNum++
		sess.UpdateProgress(total, int64(blockNum-1))
		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			break
		}
		if rerr != nil {
			werr := protoerr.Wrap(protoerr.File, rerr, "read source file")
			sess.Abort(werr.Error())
			return werr
		}
	}

	if err := sendEOT(ch); err != nil {
		sess.Abort(err.Error())
		return err
	}
	sess.FinishFile()
	if sess.Protocol == session.Xmodem {
		sess.SetState(session.StateEnd)
	}
	return nil
}

func negotiateMode(ch *wire.Channel, flavor session.Flavor) (byte, error) {
	want := usesCRC(flavor)
	wantG := streaming(flavor)
	for i := 0; i < maxRetries; i++ {
		b, err := ch.ReadByte()
		if err != nil {
			return 0, protoerr.Wrap(protoerr.Timeout, err, "waiting for receiver handshake")
		}
		switch {
		case b == NAK && !want:
			return NAK, nil
		case b == WantCRC && want && !wantG:
			return WantCRC, nil
		case b == WantG && wantG:
			return WantG, nil
		}
	}
	return 0, protoerr.New(protoerr.Timeout, "no handshake from receiver after 10 tries")
}

func sendBlock(ch *wire.Channel, num uint8, data []byte, useCRC, noAck bool) error {
	header := byte(SOH)
	if len(data) == 1024 {
		header = STX
	}
	frameBuf := make([]byte, 0, len(data)+8)
	frameBuf = append(frameBuf, header, num, num^0xFF)
	frameBuf = append(frameBuf, data...)
	if useCRC {
		crc := frame.CRC16CCITT(data)
		frameBuf = append(frameBuf, byte(crc>>8), byte(crc))
	} else {
		frameBuf = append(frameBuf, frame.Checksum8(data))
	}

	cans := 0
	naks := 0
	for {
		if _, err := ch.Write(frameBuf); err != nil {
			return err
		}
		if noAck {
			return nil
		}
		b, err := ch.ReadByte()
		if err != nil {
			return protoerr.Wrap(protoerr.Timeout, err, "waiting for block ACK")
		}
		switch b {
		case ACK:
			return nil
		case CAN:
			cans++
			if cans >= maxCANBurst {
				return protoerr.New(protoerr.RemoteCancel, "receiver sent CAN CAN")
			}
		case NAK:
			cans = 0
			naks++
			if naks >= maxRetries {
				return protoerr.New(protoerr.Protocol, "NAK retry budget exceeded")
			}
		default:
			cans = 0
		}
	}
}

func sendEOT(ch *wire.Channel) error {
	naks := 0
	for {
		if err := ch.WriteByte(EOT); err != nil {
			return err
		}
		b, err := ch.ReadByte()
		if err != nil {
			return protoerr.Wrap(protoerr.Timeout, err, "waiting for EOT ACK")
		}
		switch b {
		case ACK:
			return nil
		case NAK:
			naks++
			if naks >= maxRetries {
				return protoerr.New(protoerr.Protocol, "EOT retry budget exceeded")
			}
		case CAN:
			return protoerr.New(protoerr.RemoteCancel, "receiver cancelled at EOT")
		}
	}
}

// Receive drives the receiver side: it sends the one request byte its
// flavor uses (NAK for Vanilla/Relaxed, 'C' for the CRC flavors, 'G' for
// the streaming flavors) and does not fall back to another mode if the
// sender ignores it. It verifies each block's sequence number and
// checksum/CRC, and writes payload bytes to w. Size, when known ahead of
// time (Ymodem's block 0), is not used here — xmodem alone has no
// file-size field, so the caller trims CPMEOF padding from the final block
// only when it already knows the expected size; otherwise the padding is
// left for the caller to trim from trailing ^Z bytes.
func Receive(sess *session.Session, ch *wire.Channel, w io.Writer, fi *session.FileInfo) error {
	ch.SetTimeout(relaxedTimeout(sess.Flavor))
	fi.BlockSize = blockSize(sess.Flavor)
	sess.BeginFile(fi)
	sess.SetState(session.StateTransfer)

	useCRC := usesCRC(sess.Flavor)
	noAck := streaming(sess.Flavor)

	mode := byte(NAK)
	if useCRC {
		mode = WantG
		if !noAck {
			mode = WantCRC
		}
	}

	var expect uint8 = 1
	var total int64
	first := true
	for {
		if sess.Cancelled() {
			err := protoerr.New(protoerr.LocalCancel, "transfer cancelled")
			sess.Abort(err.Error())
			return err
		}
		if sess.ConsumeSkip() {
			ch.WriteByte(CAN)
			ch.WriteByte(CAN)
			err := protoerr.New(protoerr.LocalCancel, "file skipped")
			sess.Abort(err.Error())
			return err
		}

		if first {
			if err := ch.WriteByte(mode); err != nil {
				sess.Abort(err.Error())
				return err
			}
		}
		first = false

		header, err := ch.ReadByte()
		if err != nil {
			werr := protoerr.Wrap(protoerr.Timeout, err, "waiting for block header")
			sess.Abort(werr.Error())
			return werr
		}
		switch header {
		case EOT:
			// NAK the first EOT and ACK only the repeated one.
			ch.WriteByte(NAK)
			if b, rerr := ch.ReadByte(); rerr != nil || b != EOT {
				werr := protoerr.New(protoerr.Protocol, "no second EOT after NAK")
				sess.Abort(werr.Error())
				return werr
			}
			ch.WriteByte(ACK)
			sess.FinishFile()
			if sess.Protocol == session.Xmodem {
				sess.SetState(session.StateEnd)
			}
			return nil
		case CAN:
			b2, _ := ch.ReadByte()
			if b2 == CAN {
				err := protoerr.New(protoerr.RemoteCancel, "sender cancelled")
				sess.Abort(err.Error())
				return err
			}
			continue
		case SOH, STX:
			payload := 128
			if header == STX {
				payload = 1024
			}
			data, outcome, err := readBlock(ch, expect, payload, useCRC)
			if err != nil {
				ch.WriteByte(CAN)
				ch.WriteByte(CAN)
				ch.WriteByte(CAN)
				sess.Abort(err.Error())
				return err
			}
			switch outcome {
			case blockBadFrame:
				if noAck {
					// streaming mode has no retransmit path: abort.
					ch.WriteByte(CAN)
					ch.WriteByte(CAN)
					ch.WriteByte(CAN)
					werr := protoerr.New(protoerr.Integrity, "bad block in streaming mode")
					sess.Abort(werr.Error())
					return werr
				}
				ch.WriteByte(NAK)
				continue
			case blockDuplicate:
				// retransmission of the previous block: our ACK was lost,
				// not the block. ACK again without rewriting or advancing.
				if !noAck {
					ch.WriteByte(ACK)
				}
				continue
			}
			if _, err := w.Write(data); err != nil {
				werr := protoerr.Wrap(protoerr.File, err, "write destination file")
				sess.Abort(werr.Error())
				return werr
			}
			total += int64(len(data))
			expect++
			sess.UpdateProgress(total, int64(expect-1))
			if !noAck {
				ch.WriteByte(ACK)
			}
		default:
			if !noAck {
				ch.WriteByte(NAK)
			}
		}
	}
}

// blockOutcome distinguishes the three ways a received block can resolve,
// since a bad checksum (NAK, retransmit) and a duplicate of the previous
// block (ACK, no rewrite) must never be signalled the same way.
type blockOutcome int

const (
	blockBadFrame blockOutcome = iota
	blockDuplicate
	blockAccepted
)

func readBlock(ch *wire.Channel, expect uint8, payloadLen int, useCRC bool) ([]byte, blockOutcome, error) {
	blk := make([]byte, 2)
	if _, err := io.ReadFull(ch, blk); err != nil {
		return nil, blockBadFrame, protoerr.Wrap(protoerr.Timeout, err, "reading block sequence bytes")
	}
	num, numInv := blk[0], blk[1]
	if numInv != num^0xFF {
		return nil, blockBadFrame, nil
	}

	data := make([]byte, payloadLen)
	if _, err := io.ReadFull(ch, data); err != nil {
		return nil, blockBadFrame, protoerr.Wrap(protoerr.Timeout, err, "reading block payload")
	}

	if useCRC {
		var want [2]byte
		if _, err := io.ReadFull(ch, want[:]); err != nil {
			return nil, blockBadFrame, protoerr.Wrap(protoerr.Timeout, err, "reading block CRC")
		}
		got := frame.CRC16CCITT(data)
		if byte(got>>8) != want[0] || byte(got) != want[1] {
			return nil, blockBadFrame, nil
		}
	} else {
		want, err := ch.ReadByte()
		if err != nil {
			return nil, blockBadFrame, protoerr.Wrap(protoerr.Timeout, err, "reading block checksum")
		}
		if frame.Checksum8(data) != want {
			return nil, blockBadFrame, nil
		}
	}

	if num == expect-1 {
		return nil, blockDuplicate, nil
	}
	if num != expect {
		return nil, blockBadFrame, protoerr.New(protoerr.Protocol, "out-of-sequence block")
	}
	return data, blockAccepted, nil
}

// TrimPadding strips trailing CPMEOF (^Z) bytes from a fully-received
// buffer, the convention plain Xmodem relies on since it carries no file
// size field.
func TrimPadding(data []byte) []byte {
	return bytes.TrimRight(data, string(rune(CPMEOF)))
}
