// Package zmodem implements the Zmodem engine: Vanilla (16-bit CRC) and
// CRC32 flavors, crash recovery via ZRPOS, and the full ZRQINIT/ZRINIT
// handshake. It is grounded on the teacher's sender.go/receiver.go state
// machines, rebuilt on this module's shared frame (escape/header/CRC
// codec), wire (timed channel), session (shared state) and internal/
// protoerr/logx packages rather than the teacher's package-private
// duplicates of the same logic.
package zmodem

// Frame type vocabulary, unchanged from the teacher's zm.c-derived table.
const (
	ZRQINIT = iota
	ZRINIT
	ZSINIT
	ZACK
	ZFILE
	ZSKIP
	ZNAK
	ZABORT
	ZFIN
	ZRPOS
	ZDATA
	ZEOF
	ZFERR
	ZCRC
	ZCHALLENGE
	ZCOMPL
	ZCAN
	ZFREECNT
	ZCOMMAND
	ZSTDERR
)

func frameTypeName(t int) string {
	names := [...]string{
		"ZRQINIT", "ZRINIT", "ZSINIT", "ZACK", "ZFILE", "ZSKIP", "ZNAK",
		"ZABORT", "ZFIN", "ZRPOS", "ZDATA", "ZEOF", "ZFERR", "ZCRC",
		"ZCHALLENGE", "ZCOMPL", "ZCAN", "ZFREECNT", "ZCOMMAND", "ZSTDERR",
	}
	if t < 0 || t >= len(names) {
		return "UNKNOWN"
	}
	return names[t]
}

// ZRINIT capability bits (ZF0).
const (
	CANFDX  = 0x01
	CANOVIO = 0x02
	CANBRK  = 0x04
	CANCRY  = 0x08
	CANLZW  = 0x10
	CANFC32 = 0x20
	ESCCTL  = 0x40
	ESC8    = 0x80
)

// ZFILE conversion option (ZF0).
const (
	ZCBIN = 1
	ZCNL  = 2
)

// ZFILE management option (ZF1, low bits).
const (
	ZF1ZMNEWL = 1
	ZF1ZMCRC  = 2
	ZF1ZMAPND = 3
	ZF1ZMCLOB = 4
	ZF1ZMSPARS = 5
	ZF1ZMDIFF  = 6
	ZF1ZMPROT  = 7
)

const zAttnLen = 32
