// Command rx receives one or more files over stdin/stdout using
// Xmodem, Ymodem or Zmodem, selected by flag — the receiver-side
// counterpart of the classic rz/rx tools this module is modeled on.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
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
	proto     = flag.String("p", "zmodem", "protocol: xmodem, ymodem, zmodem")
	flavor    = flag.String("f", "", "flavor override")
	dir       = flag.String("dir", ".", "destination directory (Ymodem/Zmodem)")
	out       = flag.String("o", "", "destination filename (Xmodem only, since Xmodem carries no filename)")
	verbose   = flag.Bool("v", false, "verbose progress output")
	quiet     = flag.Bool("q", false, "suppress all non-error output")
	overwrite = flag.Bool("y", false, "overwrite existing files without prompting")
	timeout   = flag.Duration("t", 10*time.Second, "initial read timeout; the engines then set their own per-block/frame timeouts")
	logPath   = flag.String("log", "", "protocol trace log file")
)

func main() {
	flag.Parse()

	p, fl, err := resolveProtoFlavor(*proto, *flavor)
	if err != nil {
		fmt.Fprintln(os.Stderr, "rx:", err)
		os.Exit(1)
	}
	if p == session.Xmodem && *out == "" {
		fmt.Fprintln(os.Stderr, "rx: -o is required for Xmodem (it carries no filename)")
		os.Exit(1)
	}

	var logger logx.Logger = logx.Noop{}
	if *logPath != "" {
		fl2, err := logx.NewFileLogger(*logPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "rx: opening log file:", err)
			os.Exit(1)
		}
		defer fl2.Close()
		logger = fl2
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cb := &session.Callbacks{
		OnFilePrompt: func(name string, size int64, _ os.FileMode) (bool, error) {
			if *overwrite {
				return true, nil
			}
			if _, err := os.Stat(filepath.Join(*dir, name)); err == nil {
				fmt.Fprintf(os.Stderr, "%s exists, skipping (pass -y to overwrite)\n", name)
				return false, nil
			}
			return true, nil
		},
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
				fmt.Fprintf(os.Stderr, "Receiving %s (%d bytes)\n", name, size)
			}
		},
		OnFileComplete: func(name string, n int64, d time.Duration) {
			if *verbose && !*quiet {
				fmt.Fprintf(os.Stderr, "\n%s: received %d bytes in %s\n", name, n, d)
			}
		},
		OnFileCreate: func(name string, size int64, mode os.FileMode) (session.WriteSeekCloser, error) {
			if mode == 0 {
				mode = 0644
			}
			return localfile.Create(filepath.Join(*dir, name), mode)
		},
	}

	sess := session.New(p, fl, session.Receive,
		session.WithContext(ctx), session.WithCallbacks(cb), session.WithLogger(logger),
		session.WithConfig(&session.Config{Timeout: *timeout, RetryBudget: 10, ProgressInterval: 100 * time.Millisecond}))
	sess.Dir = *dir

	ch := wire.New(ctx, wire.NoDeadlineReader{Reader: os.Stdin}, os.Stdout, 256, *timeout)

	spec := &protocol.SendSpec{}
	var destFile localfile.File
	if p == session.Xmodem {
		destFile, err = localfile.Create(*out, 0644)
		if err != nil {
			fmt.Fprintln(os.Stderr, "rx:", err)
			os.Exit(1)
		}
		defer destFile.Close()
		spec.DstWriter = destFile
		spec.FileInfo = &session.FileInfo{Name: *out, Size: -1}
	}

	if err := protocol.Start(sess, ch, spec); err != nil {
		fmt.Fprintln(os.Stderr, "\nrx:", err)
		os.Exit(protoerr.ExitCode(err))
	}
}

func resolveProtoFlavor(protoName, flavorName string) (session.Protocol, session.Flavor, error) {
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
