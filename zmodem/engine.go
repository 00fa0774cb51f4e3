package zmodem

import (
	"io"

	"github.com/vanterm/serialxfer/internal/protoerr"
	"github.com/vanterm/serialxfer/localfile"
	"github.com/vanterm/serialxfer/session"
	"github.com/vanterm/serialxfer/wire"
)

// RunSender drives an entire Zmodem batch send: negotiate once, then loop
// sess.Callbacks().OnFileList (or a pre-populated callback) for each file
// to send, finishing with ZFIN.
func RunSender(sess *session.Session, ch *wire.Channel, names []string) error {
	use32 := sess.Flavor == session.ZCRC32
	s := NewSender(sess, ch, use32)
	if err := s.Negotiate(); err != nil {
		sess.Abort(err.Error())
		return err
	}

	cb := sess.Callbacks()
	if names == nil {
		var err error
		names, err = cb.OnFileList()
		if err != nil {
			sess.Abort(err.Error())
			return err
		}
	}

	for _, name := range names {
		if sess.Cancelled() {
			err := protoerr.New(protoerr.LocalCancel, "transfer cancelled")
			sess.Abort(err.Error())
			return err
		}
		f, err := localfile.Open(name)
		if err != nil {
			werr := protoerr.Wrap(protoerr.File, err, "open source file")
			sess.Abort(werr.Error())
			return werr
		}
		size, _ := f.Size()
		mtime, _ := f.ModTime()
		fi := &session.FileInfo{Name: name, LocalPath: name, Size: size, ModTime: mtime}
		cb.OnFileStart(name, size, 0)
		if err := s.SendFile(fi, f); err != nil {
			f.Close()
			sess.Abort(err.Error())
			return err
		}
		f.Close()
	}

	return s.Finish()
}

// RunReceiver drives an entire Zmodem batch receive: announce
// capabilities, then accept files one at a time until the sender ends
// the batch with ZFIN.
func RunReceiver(sess *session.Session, ch *wire.Channel) error {
	use32 := sess.Flavor == session.ZCRC32
	r := NewReceiver(sess, ch, use32)
	if err := r.SendZRINIT(); err != nil {
		sess.Abort(err.Error())
		return err
	}

	cb := sess.Callbacks()
	for {
		fi, done, err := r.WaitForFile()
		if err != nil {
			sess.Abort(err.Error())
			return err
		}
		if done {
			return r.FinishBatch()
		}

		ok, err := cb.OnFilePrompt(fi.Name, fi.Size, fi.Mode)
		if err != nil {
			sess.Abort(err.Error())
			return err
		}
		if !ok {
			continue
		}

		path := fi.Name
		if sess.Dir != "" {
			path = sess.Dir + "/" + fi.Name
		}
		resumeAt := int64(0)
		if existing, err := localfile.Open(path); err == nil {
			if sz, err := existing.Size(); err == nil {
				resumeAt = sz
			}
			existing.Close()
		}

		mode := fi.Mode
		if mode == 0 {
			mode = 0644
		}
		var w localfile.File
		if resumeAt > 0 {
			w, err = localfile.OpenForAppend(path)
			if err == nil {
				_, err = w.Seek(resumeAt, io.SeekStart)
			}
		} else {
			w, err = localfile.Create(path, mode)
		}
		if err != nil {
			werr := protoerr.Wrap(protoerr.File, err, "open destination file")
			sess.Abort(werr.Error())
			return werr
		}
		fi.LocalPath = path
		cb.OnFileStart(fi.Name, fi.Size, mode)
		if err := r.AcceptAt(w, fi, resumeAt); err != nil {
			w.Close()
			if protoerr.IsLocalCancel(err) {
				continue
			}
			sess.Abort(err.Error())
			return err
		}
		w.Close()
		localfile.SetModTime(path, fi.ModTime)
		sess.SetState(session.StateDownloadFileInfo)
	}
}
