// Command sx sends one or more files over stdin/stdout using Xmodem,
// Ymodem or Zmodem, selected by flag — the sender-side counterpart of
// the classic sz/sx tools this module is modeled on.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vanterm/serialxfer/internal/logx"
	"github.com/vanterm/serialxfer/internal/protoerr"
	"github.com/vanterm/serialxfer/localfile"
	"github.com/vanterm/serialxfer/protocol"
	"github.com/vanterm/serialxfer/session"
	"github.com/vanterm/serialxfer/wire"
)

var (
	proto   = flag.String("p", "zmodem", "protocol: xmodem, ymodem, zmodem")
	flavor  = flag.String("f", "", "flavor override: crc, 1k, 1k-g, g, crc32 (protocol-specific default otherwise)")
	verbose = flag.Bool("v", false, "verbose progress output")
	quiet   = flag.Bool("q", false, "suppress all non-error output")
	timeout = flag.Duration("t", 10*time.Second, "initial read timeout; the engines then set their own per-block/frame timeouts")
	logPath = flag.String("log", "", "protocol trace log file")
)

func main() {
	flag.Parse()
	files := flag.Args()
	if len(files) == 0 {
		fmt.Fprintln(os.Stderr, "sx: no files specified")
		os.Exit(1)
	}

	p, fl, err := resolve(*proto, *flavor)
	if err != nil {
		fmt.Fprintln(os.Stderr, "sx:", err)
		os.Exit(1)
	}

	var logger logx.Logger = logx.Noop{}
	if *logPath != "" {
		fl2, err := logx.NewFileLogger(*logPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "sx: opening log file:", err)
			os.Exit(1)
		}
		defer fl2.Close()
		logger = fl2
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cb := &session.Callbacks{
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
				fmt.Fprintf(os.Stderr, "Sending %s (%d bytes)\n", name, size)
			}
		},
		OnFileComplete: func(name string, n int64, d time.Duration) {
			if *verbose && !*quiet {
				fmt.Fprintf(os.Stderr, "\n%s: sent %d bytes in %s\n", name, n, d)
			}
		},
		OnFileOpen: func(name string) (session.ReadSeekCloser, os.FileInfo, error) {
			f, err := localfile.Open(name)
			if err != nil {
				return nil, nil, err
			}
			info, err := os.Stat(name)
			return f, info, err
		},
	}

	sess := session.New(p, fl, session.Send,
		session.WithContext(ctx), session.WithCallbacks(cb), session.WithLogger(logger),
		session.WithConfig(&session.Config{Timeout: *timeout, RetryBudget: 10, ProgressInterval: 100 * time.Millisecond}))

	ch := wire.New(ctx, wire.NoDeadlineReader{Reader: os.Stdin}, os.Stdout, 256, *timeout)

	spec := &protocol.SendSpec{Names: files}
	if p == session.Xmodem {
		f, err := localfile.Open(files[0])
		if err != nil {
			fmt.Fprintln(os.Stderr, "sx:", err)
			os.Exit(1)
		}
		defer f.Close()
		size, _ := f.Size()
		spec = &protocol.SendSpec{SrcReader: f, FileInfo: &session.FileInfo{Name: files[0], Size: size}}
	}

	if err := protocol.Start(sess, ch, spec); err != nil {
		fmt.Fprintln(os.Stderr, "\nsx:", err)
		os.Exit(protoerr.ExitCode(err))
	}
}

func resolve(protoName, flavorName string) (session.Protocol, session.Flavor, error) {
	switch protoName {
	case "xmodem":
		switch flavorName {
		case "", "crc":
			return session.Xmodem, session.XCRC, nil
		case "vanilla":
			return session.Xmodem, session.XVanilla, nil
		case "relaxed":
			return session.Xmodem, session.XRelaxed, nil
		case "1k":
			return session.Xmodem, session.X1K, nil
		case "1k-g":
			return session.Xmodem, session.X1KG, nil
		}
	case "ymodem":
		switch flavorName {
		case "", "vanilla":
			return session.Ymodem, session.YVanilla, nil
		case "g":
			return session.Ymodem, session.YG, nil
		}
	case "zmodem":
		switch flavorName {
		case "", "crc32":
			return session.Zmodem, session.ZCRC32, nil
		case "vanilla":
			return session.Zmodem, session.ZVanilla, nil
		}
	case "kermit":
		return session.Kermit, 0, nil
	}
	return 0, 0, fmt.Errorf("unknown protocol/flavor combination %q/%q", protoName, flavorName)
}
