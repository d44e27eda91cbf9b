// Command client is the demo benchmark peer: it attaches to a channel a
// server already opened, sends --iteration messages of --data-size random
// bytes (under --use-cuda, a cudaipc packet with zeroed handles describing
// a buffer of that size instead; the packet does not carry the bytes), and
// verifies the server echoes each one back unchanged.
package main

import (
	"bytes"
	"context"
	"crypto/rand"
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
	"github.com/onkernel/shmipc/cudaipc"
	"github.com/onkernel/shmipc/internal/logctx"
)

type flags struct {
	rootDir  string
	chanKey  string
	iter     int
	dataSize int
	useCuda  bool
	debug    bool
}

func parseFlags(env *config.Config) flags {
	var f flags
	flag.StringVar(&f.rootDir, "root-dir", env.RootDir, "directory FIFO nodes and control files live under")
	flag.StringVar(&f.chanKey, "channel", env.Channel, "channel key")
	flag.IntVar(&f.iter, "iteration", 10, "number of messages to send")
	flag.IntVar(&f.dataSize, "data-size", 1024, "payload size in bytes")
	flag.BoolVar(&f.useCuda, "use-cuda", false, "send a cudaipc.Packet describing a buffer of --data-size bytes instead of the bytes themselves")
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
		slogger.Error("client failed", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, f flags) error {
	logger := logctx.FromContext(ctx)

	_, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	ch, err := channel.NewClientSide(f.rootDir, f.chanKey, "", "", channel.Config{OpenTimeout: 30 * time.Second})
	if err != nil {
		return fmt.Errorf("attach to channel %q: %w", f.chanKey, err)
	}
	defer ch.Close()

	start := time.Now()
	for i := 0; i < f.iter; i++ {
		payload := make([]byte, f.dataSize)
		if _, err := rand.Read(payload); err != nil {
			return fmt.Errorf("generate payload: %w", err)
		}
		onWire := payload
		if f.useCuda {
			onWire = cudaipc.Packet{
				DeviceIndex: 0,
				MemorySize:  uint32(f.dataSize),
				Stride:      4,
				DType:       cudaipc.DTypeUint8,
				EventHandle: make([]byte, 64),
				MemHandle:   make([]byte, 64),
				Shape:       []uint32{uint32(f.dataSize)},
			}.ToBytes()
		}

		written, err := ch.Send(onWire)
		if err != nil {
			return fmt.Errorf("send iteration %d: %w", i, err)
		}
		logger.Debug("sent", "iteration", i, "pipe_byte", written.PipeByte, "sm_byte", written.SMByte)

		echoed, err := waitForPayload(ch)
		if err != nil {
			return fmt.Errorf("recv echo for iteration %d: %w", i, err)
		}
		if len(echoed) != len(onWire) {
			return fmt.Errorf("iteration %d: echoed %d bytes, sent %d", i, len(echoed), len(onWire))
		}
		if !bytes.Equal(echoed, onWire) {
			return fmt.Errorf("iteration %d: echoed bytes differ from those sent", i)
		}
		logger.Info("round-trip OK", "iteration", i, "bytes", len(echoed))
	}

	for _, z := range ch.Zombies() {
		logger.Warn("zombie segment observed", "name", z.Name, "err", z.Err)
	}

	logger.Info("done", "iterations", f.iter, "elapsed", time.Since(start))
	return nil
}

// waitForPayload calls Recv until it returns an actual payload, skipping
// over any internally-consumed SM_RESTORE frames ("no payload this turn").
func waitForPayload(ch *channel.Channel) ([]byte, error) {
	for {
		data, err := ch.Recv()
		if err != nil {
			return nil, err
		}
		if data != nil {
			return data, nil
		}
	}
}
