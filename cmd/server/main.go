// Command server is the demo echo peer: it opens a channel under
// --root-dir and, for each message it receives, sends the same bytes
// back, logging request/response sizes. It takes only --root-dir,
// --channel and --debug (no --iteration or --data-size); it loops
// recv/echo until its context is canceled or a recv/send fails.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/onkernel/shmipc/channel"
	"github.com/onkernel/shmipc/cmd/config"
	"github.com/onkernel/shmipc/internal/logctx"
	"github.com/onkernel/shmipc/ipcserver"
)

type flags struct {
	rootDir string
	chanKey string
	debug   bool
}

func parseFlags(env *config.Config) flags {
	var f flags
	flag.StringVar(&f.rootDir, "root-dir", env.RootDir, "directory FIFO nodes and control files live under")
	flag.StringVar(&f.chanKey, "channel", env.Channel, "channel key")
	flag.BoolVar(&f.debug, "debug", env.Debug, "verbose logging")
	flag.Parse()
	return f
}

func main() {
	env, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "load environment config:", err)
		os.Exit(1)
	}
	f := parseFlags(env)

	level := slog.LevelInfo
	if f.debug {
		level = slog.LevelDebug
	}
	slogger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level:     level,
		AddSource: f.debug && term.IsTerminal(int(os.Stdout.Fd())),
	}))
	ctx := logctx.AddToContext(context.Background(), slogger)

	if err := run(ctx, f); err != nil {
		slogger.Error("server failed", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, f flags) error {
	logger := logctx.FromContext(ctx)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, err := ipcserver.New(ipcserver.Config{Root: f.rootDir})
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}
	defer srv.CloseAll(ctx)

	logger.Info("channel open() ...", "key", f.chanKey)
	ch, err := srv.Open(f.chanKey, channel.Config{OpenTimeout: 30 * time.Second})
	if err != nil {
		return fmt.Errorf("open channel %q: %w", f.chanKey, err)
	}
	logger.Info("channel open() -> OK", "key", f.chanKey, "root", f.rootDir)

	for {
		select {
		case <-ctx.Done():
			for _, z := range ch.Zombies() {
				logger.Warn("zombie segment observed", "name", z.Name, "err", z.Err)
			}
			return nil
		default:
		}

		logger.Debug("recv() ...", "key", f.chanKey)
		request, err := ch.Recv()
		if err != nil {
			return fmt.Errorf("recv: %w", err)
		}
		if request == nil {
			logger.Debug("recv() -> None (restore consumed)", "key", f.chanKey)
			continue
		}
		logger.Info("recv() -> bytes", "key", f.chanKey, "len", len(request))

		written, err := ch.Send(request)
		if err != nil {
			return fmt.Errorf("echo send: %w", err)
		}
		logger.Info("send() -> OK", "key", f.chanKey, "pipe_byte", written.PipeByte, "sm_byte", written.SMByte)
	}
}
