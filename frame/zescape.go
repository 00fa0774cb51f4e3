package frame

import (
	"io"

	"github.com/vanterm/serialxfer/internal/protoerr"
)

// Zmodem link-layer control bytes and header markers. Xmodem/Ymodem never
// escape, so only the Zmodem engine imports these.
const (
	ZPAD   = '*'
	ZDLE   = 0x18
	ZDLEE  = ZDLE ^ 0x40
	ZBIN   = 'A'
	ZHEX   = 'B'
	ZBIN32 = 'C'

	XOFF = 's' & 0x1F
	XON  = 'q' & 0x1F
	CAN  = 'X' & 0x1F
)

// Subpacket terminators (ZDLE <terminator>).
const (
	ZCRCE = 'h' // CRC next, frame ends, header packet follows
	ZCRCG = 'i' // CRC next, frame continues nonstop
	ZCRCQ = 'j' // CRC next, frame continues, ACK expected
	ZCRCW = 'k' // CRC next, ACK expected, end of frame
	ZRUB0 = 'l' // translates to rubout 0177
	ZRUB1 = 'm' // translates to rubout 0377
)

// Unescaper.ReadByte return values for in-band signals.
const (
	GotOR   = 0x400
	GotCRCE = ZCRCE | GotOR
	GotCRCG = ZCRCG | GotOR
	GotCRCQ = ZCRCQ | GotOR
	GotCRCW = ZCRCW | GotOR
	GotCAN  = GotOR | 0x18
)

// EscapeMode classifies how a byte is sent on the wire.
type EscapeMode int

const (
	EscapeNone        EscapeMode = iota // sent as-is
	EscapeAlways                        // ZDLE, then byte^0x40
	EscapeConditional                   // escaped only right after '@'
)

// NewEscapeTable builds the 256-entry escape decision table. ctlEscape
// escapes every control byte (for links that eat them); turbo trims
// escaping of bytes that are safe on a clean 8-bit link.
func NewEscapeTable(ctlEscape, turbo bool) [256]EscapeMode {
	var tab [256]EscapeMode
	for i := range 256 {
		if i&0x60 != 0 {
			tab[i] = EscapeNone
			continue
		}
		switch i {
		case ZDLE, XOFF, XON, XOFF | 0x80, XON | 0x80:
			tab[i] = EscapeAlways
		case 0x10, 0x90: // ^P
			if turbo {
				tab[i] = EscapeNone
			} else {
				tab[i] = EscapeAlways
			}
		case 0x0D, 0x8D: // CR
			switch {
			case ctlEscape:
				tab[i] = EscapeAlways
			case !turbo:
				tab[i] = EscapeConditional
			default:
				tab[i] = EscapeNone
			}
		default:
			if ctlEscape {
				tab[i] = EscapeAlways
			} else {
				tab[i] = EscapeNone
			}
		}
	}
	return tab
}

// Escaper writes bytes through a ZDLE escape table, tracking the last byte
// sent for the conditional (post-'@') escape rule.
type Escaper struct {
	w        io.Writer
	lastSent byte
	table    [256]EscapeMode
}

func NewEscaper(w io.Writer, ctlEscape, turbo bool) *Escaper {
	return &Escaper{w: w, table: NewEscapeTable(ctlEscape, turbo)}
}

func (e *Escaper) WriteByte(c byte) error {
	switch e.table[c] {
	case EscapeAlways:
		return e.sendEscaped(c)
	case EscapeConditional:
		if e.lastSent&0x7F == '@' {
			return e.sendEscaped(c)
		}
		return e.sendRaw(c)
	default:
		return e.sendRaw(c)
	}
}

func (e *Escaper) sendRaw(c byte) error {
	if _, err := e.w.Write([]byte{c}); err != nil {
		return err
	}
	e.lastSent = c
	return nil
}

func (e *Escaper) sendEscaped(c byte) error {
	if _, err := e.w.Write([]byte{ZDLE}); err != nil {
		return err
	}
	escaped := c ^ 0x40
	if _, err := e.w.Write([]byte{escaped}); err != nil {
		return err
	}
	e.lastSent = escaped
	return nil
}

// Flush commits any buffering the underlying writer does; Escaper itself
// does not buffer, so this only matters when w wraps something that does.
func (e *Escaper) Flush() error {
	if f, ok := e.w.(interface{ Flush() error }); ok {
		return f.Flush()
	}
	return nil
}

func (e *Escaper) Write(buf []byte) (int, error) {
	for i, b := range buf {
		if err := e.WriteByte(b); err != nil {
			return i, err
		}
	}
	return len(buf), nil
}

// Unescaper decodes a ZDLE-escaped stream one logical symbol at a time.
// ReadByte returns a plain byte value, or one of the Got* sentinels above
// when a subpacket terminator or cancel burst is seen.
type Unescaper struct {
	r io.Reader
}

func NewUnescaper(r io.Reader) *Unescaper { return &Unescaper{r: r} }

func (u *Unescaper) readRaw() (byte, error) {
	var buf [1]byte
	n, err := u.r.Read(buf[:])
	if err != nil {
		return 0, err
	}
	if n != 1 {
		return 0, io.ErrUnexpectedEOF
	}
	return buf[0], nil
}

func (u *Unescaper) ReadByte() (int, error) {
	c, err := u.readRaw()
	if err != nil {
		return 0, err
	}
	if c&0x60 != 0 {
		return int(c), nil
	}
	switch c {
	case ZDLE:
		return u.readEscapeSequence()
	case XON, XON | 0x80, XOFF, XOFF | 0x80:
		return u.ReadByte()
	default:
		return int(c), nil
	}
}

func (u *Unescaper) readEscapeSequence() (int, error) {
	c, err := u.readRaw()
	if err != nil {
		return 0, err
	}

	if c == CAN {
		for range 4 {
			c2, err := u.readRaw()
			if err != nil {
				return 0, err
			}
			if c2 != CAN {
				return int(c), nil
			}
		}
		return GotCAN, nil
	}

	switch c {
	case ZCRCE:
		return GotCRCE, nil
	case ZCRCG:
		return GotCRCG, nil
	case ZCRCQ:
		return GotCRCQ, nil
	case ZCRCW:
		return GotCRCW, nil
	case ZRUB0:
		return 0x7F, nil
	case ZRUB1:
		return 0xFF, nil
	case XON, XON | 0x80, XOFF, XOFF | 0x80:
		return u.readEscapeSequence()
	default:
		if c&0x60 == 0x40 {
			return int(c ^ 0x40), nil
		}
		return 0, protoerr.New(protoerr.Protocol, "bad ZDLE escape sequence")
	}
}
