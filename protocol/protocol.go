// Package protocol is the façade a caller drives instead of picking an
// engine package directly: Start dispatches on session.Protocol and
// session.Flavor to the xmodem, ymodem or zmodem engine, and recognizes
// Kermit as a named-but-unimplemented design family rather than failing
// to parse the request at all.
package protocol

import (
	"io"
	"time"

	"github.com/vanterm/serialxfer/internal/protoerr"
	"github.com/vanterm/serialxfer/session"
	"github.com/vanterm/serialxfer/wire"
	"github.com/vanterm/serialxfer/xmodem"
	"github.com/vanterm/serialxfer/ymodem"
	"github.com/vanterm/serialxfer/zmodem"
)

// SendSpec is what the caller supplies to start a transfer: Xmodem has
// no filename on the wire, so it takes a single reader or writer
// directly; Ymodem/Zmodem carry filenames, so they take a name list
// (send side). Ymodem resolves files through the session's OnFileOpen /
// OnFileCreate callbacks; Zmodem does not use them and opens and creates
// files itself through localfile (received files go under sess.Dir).
type SendSpec struct {
	SrcReader io.Reader    // set for Xmodem send
	DstWriter io.Writer    // set for Xmodem receive
	Names     []string     // set for Ymodem/Zmodem send
	FileInfo  *session.FileInfo
}

// Start runs one transfer to completion against ch, dispatching by
// sess.Protocol/sess.Flavor. It returns protoerr.UnsupportedFlavor for
// Kermit or any Protocol/Flavor pairing this module does not implement.
func Start(sess *session.Session, ch *wire.Channel, spec *SendSpec) error {
	switch sess.Protocol {
	case session.Xmodem:
		return startXmodem(sess, ch, spec)
	case session.Ymodem:
		return startYmodem(sess, ch, spec)
	case session.Zmodem:
		return startZmodem(sess, ch, spec)
	case session.Kermit:
		err := protoerr.New(protoerr.UnsupportedFlavor, "Kermit is recognized but not implemented")
		sess.Abort(err.Error())
		return err
	default:
		err := protoerr.New(protoerr.UnsupportedFlavor, "unknown protocol")
		sess.Abort(err.Error())
		return err
	}
}

func startXmodem(sess *session.Session, ch *wire.Channel, spec *SendSpec) error {
	switch sess.Flavor {
	case session.XVanilla, session.XRelaxed, session.XCRC, session.X1K, session.X1KG:
	default:
		return protoerr.New(protoerr.UnsupportedFlavor, "unsupported Xmodem flavor")
	}
	if sess.Direction == session.Send {
		return xmodem.Send(sess, ch, spec.SrcReader, spec.FileInfo)
	}
	return xmodem.Receive(sess, ch, spec.DstWriter, spec.FileInfo)
}

func startYmodem(sess *session.Session, ch *wire.Channel, spec *SendSpec) error {
	switch sess.Flavor {
	case session.YVanilla, session.YG:
	default:
		return protoerr.New(protoerr.UnsupportedFlavor, "unsupported Ymodem flavor")
	}
	cb := sess.Callbacks()
	if sess.Direction == session.Send {
		entries := make([]ymodem.BatchEntry, 0, len(spec.Names))
		for _, name := range spec.Names {
			name := name
			entries = append(entries, ymodem.BatchEntry{
				Name: name,
				Open: func() (io.ReadCloser, error) {
					f, _, err := cb.OnFileOpen(name)
					if err != nil {
						return nil, err
					}
					rc, ok := f.(io.ReadCloser)
					if !ok {
						return nil, protoerr.New(protoerr.File, "file handle is not closeable")
					}
					return rc, nil
				},
			})
		}
		return ymodem.SendBatch(sess, ch, entries)
	}
	return ymodem.ReceiveBatch(sess, ch, func(name string, size int64, mtime time.Time) (io.WriteCloser, error) {
		f, err := cb.OnFileCreate(name, size, 0644)
		if err != nil {
			return nil, err
		}
		wc, ok := f.(io.WriteCloser)
		if !ok {
			return nil, protoerr.New(protoerr.File, "file handle is not closeable")
		}
		return wc, nil
	})
}

func startZmodem(sess *session.Session, ch *wire.Channel, spec *SendSpec) error {
	switch sess.Flavor {
	case session.ZVanilla, session.ZCRC32:
	default:
		return protoerr.New(protoerr.UnsupportedFlavor, "unsupported Zmodem flavor")
	}
	if sess.Direction == session.Send {
		return zmodem.RunSender(sess, ch, spec.Names)
	}
	return zmodem.RunReceiver(sess, ch)
}
