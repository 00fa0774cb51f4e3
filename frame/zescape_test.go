package frame

import (
	"bytes"
	"testing"
)

func TestEscapeRoundTrip(t *testing.T) {
	data := []byte{0x00, 0x01, ZDLE, 0x0D, '@', 0x0D, XON, XOFF, 0xFF, 'h', 'i'}

	var buf bytes.Buffer
	esc := NewEscaper(&buf, false, false)
	if _, err := esc.Write(data); err != nil {
		t.Fatalf("escape write: %v", err)
	}

	un := NewUnescaper(&buf)
	for i, want := range data {
		got, err := un.ReadByte()
		if err != nil {
			t.Fatalf("byte %d: unescape error: %v", i, err)
		}
		if got != int(want) {
			t.Fatalf("byte %d: got %#x, want %#x", i, got, want)
		}
	}
}

func TestUnescaperDetectsCancelBurst(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteByte(ZDLE)
	for range 5 {
		buf.WriteByte(CAN)
	}

	un := NewUnescaper(&buf)
	got, err := un.ReadByte()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != GotCAN {
		t.Fatalf("got %#x, want GotCAN", got)
	}
}

func TestUnescaperDetectsFrameEnd(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{ZDLE, ZCRCW})

	un := NewUnescaper(&buf)
	got, err := un.ReadByte()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != GotCRCW {
		t.Fatalf("got %#x, want GotCRCW", got)
	}
}
