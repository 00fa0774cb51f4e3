package zmodem

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/vanterm/serialxfer/session"
	"github.com/vanterm/serialxfer/wire"
)

func TestRunSenderRunReceiverRoundTrip(t *testing.T) {
	srcDir := t.TempDir()
	dstDir := t.TempDir()

	payload := bytes.Repeat([]byte("zmodem round trip payload\n"), 500)
	srcPath := filepath.Join(srcDir, "report.txt")
	if err := os.WriteFile(srcPath, payload, 0644); err != nil {
		t.Fatalf("seed source file: %v", err)
	}

	rFromS, sToR := io.Pipe()
	sFromR, rToS := io.Pipe()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	senderCh := wire.New(ctx, wire.NoDeadlineReader{Reader: sFromR}, sToR, 256, 2*time.Second)
	receiverCh := wire.New(ctx, wire.NoDeadlineReader{Reader: rFromS}, rToS, 256, 2*time.Second)

	sendSess := session.New(session.Zmodem, session.ZCRC32, session.Send, session.WithContext(ctx))

	recvCb := &session.Callbacks{
		OnFilePrompt: func(string, int64, os.FileMode) (bool, error) { return true, nil },
	}
	recvSess := session.New(session.Zmodem, session.ZCRC32, session.Receive,
		session.WithContext(ctx), session.WithCallbacks(recvCb))
	recvSess.Dir = dstDir

	sendErr := make(chan error, 1)
	recvErr := make(chan error, 1)

	go func() { sendErr <- RunSender(sendSess, senderCh, []string{srcPath}) }()
	go func() { recvErr <- RunReceiver(recvSess, receiverCh) }()

	if err := <-sendErr; err != nil {
		t.Fatalf("RunSender: %v", err)
	}
	if err := <-recvErr; err != nil {
		t.Fatalf("RunReceiver: %v", err)
	}

	created := filepath.Join(dstDir, filepath.Base(srcPath))
	got, err := os.ReadFile(created)
	if err != nil {
		t.Fatalf("reading received file: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("received %d bytes, want %d matching the source", len(got), len(payload))
	}
}

func TestRunReceiverResumesFromExistingPartialFile(t *testing.T) {
	srcDir := t.TempDir()
	dstDir := t.TempDir()

	payload := bytes.Repeat([]byte("resume me please "), 400)
	srcPath := filepath.Join(srcDir, "resume.bin")
	if err := os.WriteFile(srcPath, payload, 0644); err != nil {
		t.Fatalf("seed source file: %v", err)
	}

	// Pre-seed the destination with the first half, simulating a crash
	// partway through a prior transfer.
	partial := payload[:len(payload)/2]
	dstPath := filepath.Join(dstDir, "resume.bin")
	if err := os.WriteFile(dstPath, partial, 0644); err != nil {
		t.Fatalf("seed partial destination file: %v", err)
	}

	rFromS, sToR := io.Pipe()
	sFromR, rToS := io.Pipe()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	senderCh := wire.New(ctx, wire.NoDeadlineReader{Reader: sFromR}, sToR, 256, 2*time.Second)
	receiverCh := wire.New(ctx, wire.NoDeadlineReader{Reader: rFromS}, rToS, 256, 2*time.Second)

	sendSess := session.New(session.Zmodem, session.ZCRC32, session.Send, session.WithContext(ctx))
	recvSess := session.New(session.Zmodem, session.ZCRC32, session.Receive, session.WithContext(ctx))
	recvSess.Dir = dstDir

	sendErr := make(chan error, 1)
	recvErr := make(chan error, 1)

	go func() { sendErr <- RunSender(sendSess, senderCh, []string{srcPath}) }()
	go func() { recvErr <- RunReceiver(recvSess, receiverCh) }()

	if err := <-sendErr; err != nil {
		t.Fatalf("RunSender: %v", err)
	}
	if err := <-recvErr; err != nil {
		t.Fatalf("RunReceiver: %v", err)
	}

	got, err := os.ReadFile(dstPath)
	if err != nil {
		t.Fatalf("reading resumed file: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("resumed file is %d bytes, want %d matching the full source", len(got), len(payload))
	}
}

func TestFrameTypeNameCoversKnownTypes(t *testing.T) {
	for _, ft := range []int{ZRQINIT, ZRINIT, ZFILE, ZDATA, ZEOF, ZFIN, ZCAN} {
		if name := frameTypeName(ft); name == "" || name == "UNKNOWN" {
			t.Fatalf("frameTypeName(%d) = %q, want a known name", ft, name)
		}
	}
}
