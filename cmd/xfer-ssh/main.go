// Command xfer-ssh opens an interactive SSH shell, puts the local
// terminal into raw mode, and transparently drives a Zmodem receive
// whenever the remote side starts one (e.g. a remote `sz`). With -send,
// it pushes the named file first (for a remote already waiting on `rz`)
// before handing the session over to interactive passthrough. Grounded
// on the teacher's SSH client example, adapted onto transport/ssh and
// the new zmodem engine instead of the teacher's in-package Session.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/term"

	"github.com/vanterm/serialxfer/internal/logx"
	"github.com/vanterm/serialxfer/localfile"
	"github.com/vanterm/serialxfer/session"
	sshtransport "github.com/vanterm/serialxfer/transport/ssh"
	"github.com/vanterm/serialxfer/wire"
	"github.com/vanterm/serialxfer/zmodem"
)

var (
	host     = flag.String("host", "", "SSH host (hostname:port)")
	user     = flag.String("user", "", "SSH username")
	password = flag.String("password", "", "SSH password (or SSH_PASSWORD env var)")
	sendFile = flag.String("send", "", "file to send when the remote side requests one (via rz)")
	recvDir  = flag.String("dir", ".", "directory received files are written to")
	verbose  = flag.Bool("v", false, "verbose mode")
	quiet    = flag.Bool("q", false, "quiet mode")
)

func main() {
	flag.Parse()
	if *host == "" || *user == "" {
		fmt.Fprintln(os.Stderr, "xfer-ssh: -host and -user are required")
		os.Exit(1)
	}
	pass := *password
	if pass == "" {
		pass = os.Getenv("SSH_PASSWORD")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGWINCH)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		for sig := range sigChan {
			if sig == syscall.SIGINT || sig == syscall.SIGTERM {
				cancel()
				return
			}
		}
	}()

	config := &ssh.ClientConfig{
		User:            *user,
		Auth:            []ssh.AuthMethod{ssh.Password(pass)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         10 * time.Second,
	}

	client, err := ssh.Dial("tcp", *host, config)
	if err != nil {
		fmt.Fprintln(os.Stderr, "xfer-ssh: connect:", err)
		os.Exit(1)
	}
	defer client.Close()

	sshSession, err := client.NewSession()
	if err != nil {
		fmt.Fprintln(os.Stderr, "xfer-ssh: new session:", err)
		os.Exit(1)
	}
	defer sshSession.Close()

	fd := int(os.Stdin.Fd())
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		fmt.Fprintln(os.Stderr, "xfer-ssh: raw mode:", err)
		os.Exit(1)
	}
	defer term.Restore(fd, oldState)

	width, height, err := term.GetSize(fd)
	if err != nil {
		width, height = 80, 24
	}
	modes := ssh.TerminalModes{ssh.ECHO: 1, ssh.TTY_OP_ISPEED: 14400, ssh.TTY_OP_OSPEED: 14400}
	if err := sshSession.RequestPty("xterm", height, width, modes); err != nil {
		fmt.Fprintln(os.Stderr, "xfer-ssh: request pty:", err)
		os.Exit(1)
	}

	conn, err := sshtransport.Open(sshSession)
	if err != nil {
		fmt.Fprintln(os.Stderr, "xfer-ssh:", err)
		os.Exit(1)
	}

	winCh := make(chan os.Signal, 1)
	signal.Notify(winCh, syscall.SIGWINCH)
	go func() {
		for range winCh {
			if w, h, err := term.GetSize(fd); err == nil {
				sshSession.WindowChange(h, w)
			}
		}
	}()

	if err := sshSession.Shell(); err != nil {
		fmt.Fprintln(os.Stderr, "xfer-ssh: shell:", err)
		os.Exit(1)
	}

	logger := logx.Logger(logx.Noop{})
	cb := &session.Callbacks{
		OnFilePrompt: func(string, int64, os.FileMode) (bool, error) { return true, nil },
		OnProgress: func(name string, transferred, total int64, rate float64) {
			if *quiet || !*verbose {
				return
			}
			pct := 0.0
			if total > 0 {
				pct = float64(transferred) / float64(total) * 100
			}
			fmt.Fprintf(os.Stderr, "\r%s: %.1f%% (%.0f B/s)", name, pct, rate)
		},
		OnFileStart: func(name string, size int64, _ os.FileMode) {
			if !*quiet {
				fmt.Fprintf(os.Stderr, "Transferring: %s (%d bytes)\n", name, size)
			}
		},
		OnFileComplete: func(name string, n int64, d time.Duration) {
			if !*quiet {
				fmt.Fprintf(os.Stderr, "\nCompleted: %s (%d bytes in %s)\n", name, n, d)
			}
		},
		OnFileCreate: func(name string, size int64, mode os.FileMode) (session.WriteSeekCloser, error) {
			if mode == 0 {
				mode = 0644
			}
			return localfile.Create(*recvDir+"/"+name, mode)
		},
	}

	ch := wire.New(ctx, wire.NoDeadlineReader{Reader: conn.Stdout}, conn.Stdin, 256, 10*time.Second)

	// A proactive send can't share conn.Stdout/Stdin with the passthrough
	// loop below, so if -send is set it runs to completion first; the
	// interactive session (and any receives the remote triggers) takes
	// over afterward.
	if *sendFile != "" {
		sendSess := session.New(session.Zmodem, session.ZCRC32, session.Send,
			session.WithContext(ctx), session.WithCallbacks(cb), session.WithLogger(logger))
		if err := zmodem.RunSender(sendSess, ch, []string{*sendFile}); err != nil {
			fmt.Fprintln(os.Stderr, "xfer-ssh: send:", err)
		}
	}

	newSession := func() *session.Session {
		s := session.New(session.Zmodem, session.ZCRC32, session.Receive,
			session.WithContext(ctx), session.WithCallbacks(cb), session.WithLogger(logger))
		s.Dir = *recvDir
		return s
	}
	tio := zmodem.NewTerminalIO(ctx, conn.Stdout, conn.Stdin, logger, newSession)

	copyDone := make(chan struct{})
	go func() {
		io.Copy(os.Stdout, tio.TerminalReader())
		close(copyDone)
	}()
	go io.Copy(tio.TerminalWriter(), os.Stdin)

	select {
	case <-ctx.Done():
	case <-copyDone:
	}
}
