package xmodem

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/vanterm/serialxfer/frame"
	"github.com/vanterm/serialxfer/session"
	"github.com/vanterm/serialxfer/wire"
)

// loopback wires a sender and receiver back to back over two io.Pipes, the
// pack's house style for protocol loopback tests.
func loopback(t *testing.T, flavor session.Flavor, payload []byte) []byte {
	t.Helper()

	rFromS, sToR := io.Pipe()
	sFromR, rToS := io.Pipe()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	senderCh := wire.New(ctx, wire.NoDeadlineReader{Reader: sFromR}, sToR, 256, time.Second)
	receiverCh := wire.New(ctx, wire.NoDeadlineReader{Reader: rFromS}, rToS, 256, time.Second)

	sendSess := session.New(session.Xmodem, flavor, session.Send, session.WithContext(ctx))
	recvSess := session.New(session.Xmodem, flavor, session.Receive, session.WithContext(ctx))

	var out bytes.Buffer
	sendErr := make(chan error, 1)
	recvErr := make(chan error, 1)

	go func() {
		fi := &session.FileInfo{Name: "payload", Size: int64(len(payload))}
		sendErr <- Send(sendSess, senderCh, bytes.NewReader(payload), fi)
	}()
	go func() {
		fi := &session.FileInfo{Name: "payload", Size: -1}
		recvErr <- Receive(recvSess, receiverCh, &out, fi)
	}()

	if err := <-sendErr; err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := <-recvErr; err != nil {
		t.Fatalf("Receive: %v", err)
	}
	return out.Bytes()
}

func TestLoopbackCRCFlavor(t *testing.T) {
	payload := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog"), 10)
	got := TrimPadding(loopback(t, session.XCRC, payload))
	if !bytes.Equal(got, payload) {
		t.Fatalf("got %d bytes, want %d bytes matching input", len(got), len(payload))
	}
}

func TestLoopback1KFlavor(t *testing.T) {
	payload := make([]byte, 3000)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	got := TrimPadding(loopback(t, session.X1K, payload))
	if !bytes.Equal(got, payload) {
		t.Fatalf("1K loopback mismatch: got %d bytes, want %d", len(got), len(payload))
	}
}

func TestLoopbackVanillaFlavorPlainChecksum(t *testing.T) {
	payload := []byte("small vanilla payload")
	got := TrimPadding(loopback(t, session.XVanilla, payload))
	if !bytes.Equal(got, payload) {
		t.Fatalf("vanilla loopback mismatch: got %q, want %q", got, payload)
	}
}

func TestReadBlockDistinguishesDuplicateFromBadChecksum(t *testing.T) {
	payload := make([]byte, 128)
	for i := range payload {
		payload[i] = byte(i)
	}
	crc := frame.CRC16CCITT(payload)

	dup := append([]byte{1, 0xFF ^ 1}, payload...)
	dup = append(dup, byte(crc>>8), byte(crc))
	ctx := context.Background()
	ch := wire.New(ctx, wire.NoDeadlineReader{Reader: bytes.NewReader(dup)}, nil, 256, 0)
	data, outcome, err := readBlock(ch, 2, 128, true) // expect block 2, got block 1 again
	if err != nil {
		t.Fatalf("readBlock on duplicate = %v, want no error", err)
	}
	if outcome != blockDuplicate || data != nil {
		t.Fatalf("readBlock on duplicate = (%v, %v), want (nil, blockDuplicate)", data, outcome)
	}

	bad := append([]byte{1, 0xFF ^ 1}, payload...)
	bad = append(bad, 0x00, 0x00) // wrong CRC
	ch2 := wire.New(ctx, wire.NoDeadlineReader{Reader: bytes.NewReader(bad)}, nil, 256, 0)
	data, outcome, err = readBlock(ch2, 1, 128, true)
	if err != nil {
		t.Fatalf("readBlock on bad CRC = %v, want no error", err)
	}
	if outcome != blockBadFrame || data != nil {
		t.Fatalf("readBlock on bad CRC = (%v, %v), want (nil, blockBadFrame)", data, outcome)
	}
}

func TestReadBlockFlagsOutOfSequenceAsError(t *testing.T) {
	payload := make([]byte, 128)
	crc := frame.CRC16CCITT(payload)
	frameBytes := append([]byte{5, 0xFF ^ 5}, payload...)
	frameBytes = append(frameBytes, byte(crc>>8), byte(crc))

	ctx := context.Background()
	ch := wire.New(ctx, wire.NoDeadlineReader{Reader: bytes.NewReader(frameBytes)}, nil, 256, 0)
	_, _, err := readBlock(ch, 1, 128, true)
	if err == nil {
		t.Fatal("readBlock on out-of-sequence block = nil error, want protoerr.Protocol")
	}
}

func TestReceiveAbortsWithCANCANCANOnOutOfSequenceBlock(t *testing.T) {
	payload := make([]byte, 128)
	crc := frame.CRC16CCITT(payload)
	badBlock := append([]byte{SOH, 5, 0xFF ^ 5}, payload...)
	badBlock = append(badBlock, byte(crc>>8), byte(crc))

	ctx := context.Background()
	var out, received bytes.Buffer
	ch := wire.New(ctx, wire.NoDeadlineReader{Reader: bytes.NewReader(badBlock)}, &out, 256, time.Second)

	sess := session.New(session.Xmodem, session.XCRC, session.Receive, session.WithContext(ctx))
	fi := &session.FileInfo{Name: "payload", Size: -1}
	err := Receive(sess, ch, &received, fi)
	if err == nil {
		t.Fatal("Receive on out-of-sequence block = nil error, want protoerr.Protocol")
	}
	if sess.State() != session.StateAbort {
		t.Fatalf("session state = %v, want ABORT", sess.State())
	}
	written := out.Bytes()
	cans := 0
	for _, b := range written {
		if b == CAN {
			cans++
		}
	}
	if cans < 3 {
		t.Fatalf("Receive wrote %d CAN bytes on out-of-sequence block, want at least 3", cans)
	}
}

func TestTrimPaddingStripsTrailingCPMEOF(t *testing.T) {
	data := append([]byte("hello"), CPMEOF, CPMEOF, CPMEOF)
	got := TrimPadding(data)
	if string(got) != "hello" {
		t.Fatalf("TrimPadding = %q, want %q", got, "hello")
	}
}
