package ymodem

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/vanterm/serialxfer/session"
	"github.com/vanterm/serialxfer/wire"
)

type closeBuffer struct {
	bytes.Buffer
}

func (closeBuffer) Close() error { return nil }

func TestSendReceiveBatchRoundTrip(t *testing.T) {
	rFromS, sToR := io.Pipe()
	sFromR, rToS := io.Pipe()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	senderCh := wire.New(ctx, wire.NoDeadlineReader{Reader: sFromR}, sToR, 256, time.Second)
	receiverCh := wire.New(ctx, wire.NoDeadlineReader{Reader: rFromS}, rToS, 256, time.Second)

	sendSess := session.New(session.Ymodem, session.YVanilla, session.Send, session.WithContext(ctx))
	recvSess := session.New(session.Ymodem, session.YVanilla, session.Receive, session.WithContext(ctx))

	files := map[string][]byte{
		"first.txt":  bytes.Repeat([]byte("a"), 200),
		"second.txt": bytes.Repeat([]byte("b"), 2000),
	}
	entries := []BatchEntry{
		{Name: "first.txt", Size: int64(len(files["first.txt"])), Open: func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(files["first.txt"])), nil
		}},
		{Name: "second.txt", Size: int64(len(files["second.txt"])), Open: func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(files["second.txt"])), nil
		}},
	}

	received := map[string]*closeBuffer{}
	sendErr := make(chan error, 1)
	recvErr := make(chan error, 1)

	go func() { sendErr <- SendBatch(sendSess, senderCh, entries) }()
	go func() {
		recvErr <- ReceiveBatch(recvSess, receiverCh, func(name string, size int64, mtime time.Time) (io.WriteCloser, error) {
			buf := &closeBuffer{}
			received[name] = buf
			return buf, nil
		})
	}()

	if err := <-sendErr; err != nil {
		t.Fatalf("SendBatch: %v", err)
	}
	if err := <-recvErr; err != nil {
		t.Fatalf("ReceiveBatch: %v", err)
	}

	for name, want := range files {
		got, ok := received[name]
		if !ok {
			t.Fatalf("file %q never received", name)
		}
		trimmed := bytes.TrimRight(got.Bytes(), "\x1a")
		if !bytes.Equal(trimmed, want) {
			t.Fatalf("file %q: got %d bytes, want %d bytes", name, len(trimmed), len(want))
		}
	}
}
