package session

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"
)

func TestStateMachineLatchesOnTerminal(t *testing.T) {
	s := New(Xmodem, XCRC, Send)
	s.SetState(StateDownloadFileInfo)
	s.SetState(StateTransfer)
	s.SetState(StateEnd)
	if s.State() != StateEnd {
		t.Fatalf("state = %v, want END", s.State())
	}
	s.SetState(StateTransfer)
	if s.State() != StateEnd {
		t.Fatalf("terminal state changed after latch: got %v", s.State())
	}
}

func TestAbortLatchesFromAnyState(t *testing.T) {
	s := New(Zmodem, ZCRC32, Receive)
	s.SetState(StateDownloadFileInfo)
	s.Abort("integrity error")
	if s.State() != StateAbort {
		t.Fatalf("state = %v, want ABORT", s.State())
	}
	msgs := s.Messages()
	if len(msgs) != 1 || msgs[0].Kind != MessageError || msgs[0].Text != "integrity error" {
		t.Fatalf("Messages() = %+v, want one error message", msgs)
	}
}

func TestBeginFileAndProgress(t *testing.T) {
	s := New(Ymodem, YVanilla, Send)
	fi := &FileInfo{Name: "a.txt", Size: 1000}
	s.BeginFile(fi)

	var gotName string
	var gotTransferred, gotTotal int64
	s.callbacks.OnProgress = func(name string, transferred, total int64, rate float64) {
		gotName, gotTransferred, gotTotal = name, transferred, total
	}
	s.UpdateProgress(500, 4)

	if gotName != "a.txt" || gotTransferred != 500 || gotTotal != 1000 {
		t.Fatalf("OnProgress got (%s, %d, %d), want (a.txt, 500, 1000)", gotName, gotTransferred, gotTotal)
	}
	if s.CurrentFile().BytesTransferred != 500 {
		t.Fatalf("CurrentFile().BytesTransferred = %d, want 500", s.CurrentFile().BytesTransferred)
	}
}

func TestFinishFileInvokesOnFileComplete(t *testing.T) {
	var completedName string
	var completedBytes int64
	cb := &Callbacks{
		OnFileComplete: func(name string, n int64, d time.Duration) {
			completedName, completedBytes = name, n
		},
	}
	s := New(Xmodem, XVanilla, Send, WithCallbacks(cb))
	fi := &FileInfo{Name: "b.bin", Size: 42, BytesTransferred: 42}
	s.BeginFile(fi)
	s.FinishFile()

	if completedName != "b.bin" || completedBytes != 42 {
		t.Fatalf("OnFileComplete got (%s, %d), want (b.bin, 42)", completedName, completedBytes)
	}
	if s.State() != StateFileDone {
		t.Fatalf("state = %v, want FILE_DONE", s.State())
	}
}

func TestCancelTransferIsIdempotentAndCancelsContext(t *testing.T) {
	s := New(Zmodem, ZVanilla, Receive)
	s.CancelTransfer(true)
	if !s.Cancelled() {
		t.Fatal("Cancelled() = false after CancelTransfer")
	}
	if !s.KeepPartial() {
		t.Fatal("KeepPartial() = false after CancelTransfer(true)")
	}
	select {
	case <-s.Context().Done():
	default:
		t.Fatal("Context() not cancelled after CancelTransfer")
	}
	// second call must not panic or re-trigger cancellation side effects
	s.CancelTransfer(false)
	if !s.KeepPartial() {
		t.Fatal("KeepPartial() flipped by a second CancelTransfer call")
	}
}

func TestSkipFileConsumedOnce(t *testing.T) {
	s := New(Ymodem, YG, Send)
	s.SkipFile(false)
	if !s.ConsumeSkip() {
		t.Fatal("ConsumeSkip() = false immediately after SkipFile")
	}
	if s.ConsumeSkip() {
		t.Fatal("ConsumeSkip() = true on second call, want false (consumed once)")
	}
}

func TestTotalPercentCompleteUnknownSize(t *testing.T) {
	s := New(Xmodem, XVanilla, Receive)
	s.BeginFile(&FileInfo{Name: "stream", Size: -1, BytesTransferred: 10})
	if pct := s.TotalPercentComplete(); pct != -1 {
		t.Fatalf("TotalPercentComplete() = %v, want -1 for unknown size", pct)
	}
}

func TestWithContextParentCancellationPropagates(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	s := New(Zmodem, ZCRC32, Send, WithContext(parent))
	cancel()
	select {
	case <-s.Context().Done():
		if !errors.Is(s.Context().Err(), context.Canceled) {
			t.Fatalf("Context().Err() = %v, want context.Canceled", s.Context().Err())
		}
	case <-time.After(time.Second):
		t.Fatal("session context did not observe parent cancellation")
	}
}

func TestTransferRateBeforeAndAfterStart(t *testing.T) {
	s := New(Xmodem, XCRC, Send)
	if rate := s.TransferRate(); rate != -1 {
		t.Fatalf("TransferRate() = %v before transfer starts, want -1", rate)
	}
	s.SetState(StateTransfer)
	s.BeginFile(&FileInfo{Name: "a.txt", Size: 1000})
	s.UpdateProgress(500, 4)
	if rate := s.TransferRate(); rate <= 0 {
		t.Fatalf("TransferRate() = %v after progress, want > 0", rate)
	}
}

func TestPercentCompleteClampsAndHandlesUnknownSize(t *testing.T) {
	s := New(Xmodem, XVanilla, Receive)
	if pct := s.PercentComplete(); pct != 0.0 {
		t.Fatalf("PercentComplete() = %v before any file, want 0.0", pct)
	}
	s.BeginFile(&FileInfo{Name: "stream", Size: -1, BytesTransferred: 10})
	if pct := s.PercentComplete(); pct != 0.0 {
		t.Fatalf("PercentComplete() = %v for unknown size, want 0.0", pct)
	}

	s.BeginFile(&FileInfo{Name: "overshoot.bin", Size: 1000, BytesTransferred: 2000})
	if pct := s.PercentComplete(); pct != 100 {
		t.Fatalf("PercentComplete() = %v for overshoot, want clamped to 100", pct)
	}
}

func TestBlockSizeReadsCurrentFile(t *testing.T) {
	s := New(Xmodem, X1K, Receive)
	if bs := s.BlockSize(); bs != 0 {
		t.Fatalf("BlockSize() = %v before any file, want 0", bs)
	}
	s.BeginFile(&FileInfo{Name: "a.bin", Size: 1024, BlockSize: 1024})
	if bs := s.BlockSize(); bs != 1024 {
		t.Fatalf("BlockSize() = %v, want 1024", bs)
	}
}

func TestProtocolNameMatchesProtocolString(t *testing.T) {
	s := New(Zmodem, ZCRC32, Send)
	if name := s.ProtocolName(); name != "Zmodem" {
		t.Fatalf("ProtocolName() = %q, want %q", name, "Zmodem")
	}
}

func TestSetCurrentStatusUpdatesStatusAndMessages(t *testing.T) {
	s := New(Ymodem, YVanilla, Send)
	s.SetCurrentStatus("negotiating")
	if got := s.CurrentStatus(); got != "negotiating" {
		t.Fatalf("CurrentStatus() = %q, want %q", got, "negotiating")
	}
	msgs := s.Messages()
	if len(msgs) != 1 || msgs[0].Kind != MessageInfo || msgs[0].Text != "negotiating" {
		t.Fatalf("Messages() = %+v, want one info message", msgs)
	}
}

func TestMergeCallbacksKeepsDefaultsForUnsetFields(t *testing.T) {
	called := false
	s := New(Xmodem, XCRC, Send, WithCallbacks(&Callbacks{
		OnFileStart: func(string, int64, os.FileMode) { called = true },
	}))
	s.Callbacks().OnFileStart("f", 1, 0)
	if !called {
		t.Fatal("custom OnFileStart not wired through mergeCallbacks")
	}
	// unset fields fall back to no-op defaults rather than nil
	ok, err := s.Callbacks().OnFilePrompt("f", 1, 0)
	if err != nil || !ok {
		t.Fatalf("default OnFilePrompt = (%v, %v), want (true, nil)", ok, err)
	}
}
