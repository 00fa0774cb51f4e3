// Package ssh wraps a golang.org/x/crypto/ssh session's stdin/stdout into
// the wire.Channel every engine drives, so a caller can run sx/rx over a
// remote shell exactly the way the teacher's SSHSession drove sz/rz.
package ssh

import (
	"context"
	"io"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/vanterm/serialxfer/wire"
)

// Session pairs an *ssh.Session with the pipes a transfer needs.
type Session struct {
	sshSession *ssh.Session
	Stdin      io.WriteCloser
	Stdout     io.Reader
	Stderr     io.Reader
}

// Open starts no remote command yet; it only wires up the pipes. Run
// starts the command and builds the Channel from Stdin/Stdout.
func Open(sshSession *ssh.Session) (*Session, error) {
	stdin, err := sshSession.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := sshSession.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, err
	}
	stderr, err := sshSession.StderrPipe()
	if err != nil {
		stdin.Close()
		return nil, err
	}
	return &Session{sshSession: sshSession, Stdin: stdin, Stdout: stdout, Stderr: stderr}, nil
}

// Run starts the remote command (e.g. "sz --zmodem" or "rz") and returns
// a Channel bound to its stdin/stdout, plus a done channel that receives
// the remote command's exit error.
func (s *Session) Run(ctx context.Context, remoteCmd string, bufSize int, timeout time.Duration) (*wire.Channel, <-chan error, error) {
	if err := s.sshSession.Start(remoteCmd); err != nil {
		return nil, nil, err
	}
	done := make(chan error, 1)
	go func() { done <- s.sshSession.Wait() }()

	ch := wire.New(ctx, wire.NoDeadlineReader{Reader: s.Stdout}, s.Stdin, bufSize, timeout)
	return ch, done, nil
}

// Close closes stdin, signaling EOF to the remote command.
func (s *Session) Close() error {
	return s.Stdin.Close()
}
