// Package channel binds a pair of FIFOs and a protocol engine into a named,
// bidirectional message channel, the unit a Server (package ipcserver)
// hands out per key.
package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/onkernel/shmipc/header"
	"github.com/onkernel/shmipc/internal/logctx"
	"github.com/onkernel/shmipc/pipe"
	"github.com/onkernel/shmipc/protocol"
	"github.com/onkernel/shmipc/segment"
)

// Default FIFO suffixes: server-to-client and client-to-server.
// A Server (package ipcserver) may override these, but a standalone client
// attaching without going through a Server needs the same defaults to
// resolve the same paths.
const (
	DefaultS2CSuffix = ".p2s.smipc"
	DefaultC2SSuffix = ".s2p.smipc"
)

// State is a channel's lifecycle stage. Transitions are one-way:
// Created -> Open -> Closed -> Cleaned. There is no reopen.
type State int

const (
	Created State = iota
	Open
	Closed
	Cleaned
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Open:
		return "open"
	case Closed:
		return "closed"
	case Cleaned:
		return "cleaned"
	default:
		return "unknown"
	}
}

// ErrUseCallbackInterface is returned by Recv when the channel has been
// handed off to an async reader; synchronous recv is unavailable once a
// callback owns the reader descriptor.
var ErrUseCallbackInterface = errors.New("channel: recv unavailable, use callback interface")

// Config are the per-channel knobs a Server.Open caller (or a directly
// constructed Channel, e.g. in tests) may set; zero values take the
// defaults noted per field.
type Config struct {
	// MaxQueue bounds the channel's segment pool (segment.Unbounded for no
	// cap).
	MaxQueue int
	// ForceSMOverPipe and DisableRestoreSM are forwarded to protocol.Engine.
	ForceSMOverPipe  bool
	DisableRestoreSM bool
	// SMDir is the directory shared-memory segments are created under
	// (segment.DefaultDir if empty).
	SMDir string
	// OpenTimeout bounds how long the FIFO open may wait for its peer.
	OpenTimeout time.Duration
	// Mode is the FIFO node permission bits (pipe.DefaultMode if zero).
	Mode os.FileMode
	// Logger receives structured Warn/Debug entries for this channel's
	// fallible operations (pipe open retries/failures, zombie segments,
	// cleanup errors). Defaults to slog.Default() if nil.
	Logger *slog.Logger
}

func loggerOrDefault(l *slog.Logger) *slog.Logger {
	if l != nil {
		return l
	}
	return slog.Default()
}

// Channel is a named pair of temporary FIFOs plus the protocol engine that
// multiplexes messages over them.
type Channel struct {
	key string

	s2c *pipe.TemporaryPipe // server -> client
	c2s *pipe.TemporaryPipe // client -> server

	fd     *pipe.FullDuplexPipe
	engine *protocol.Engine
	logger *slog.Logger

	owns bool // true for the server-side channel that created the FIFO nodes

	mu    sync.Mutex
	state State

	asyncOwned bool // set once an async reader has claimed the reader side
}

// defaultSuffixes substitutes the package defaults for either suffix left
// empty, so a standalone client (no Server involved) can call NewClientSide
// with "" and resolve the same FIFO paths a Server-created channel used.
func defaultSuffixes(s2cSuffix, c2sSuffix string) (string, string) {
	if s2cSuffix == "" {
		s2cSuffix = DefaultS2CSuffix
	}
	if c2sSuffix == "" {
		c2sSuffix = DefaultC2SSuffix
	}
	return s2cSuffix, c2sSuffix
}

// NewServerSide binds a channel at root/key{s2cSuffix} (server writes) and
// root/key{c2sSuffix} (server reads), creating both FIFO nodes. The server
// side owns the FIFO nodes: only it unlinks them on Cleanup. Uses the
// fake-reader trick on the writer side so channel creation never blocks on
// the client being present yet.
func NewServerSide(root, key, s2cSuffix, c2sSuffix string, cfg Config) (*Channel, error) {
	s2cSuffix, c2sSuffix = defaultSuffixes(s2cSuffix, c2sSuffix)
	if s2cSuffix == c2sSuffix {
		return nil, fmt.Errorf("channel %q: s2c and c2s suffixes must differ", key)
	}

	mode := cfg.Mode
	if mode == 0 {
		mode = pipe.DefaultMode
	}
	s2cPath := filepath.Join(root, key+s2cSuffix)
	c2sPath := filepath.Join(root, key+c2sSuffix)

	s2c, err := pipe.NewTemporaryPipe(s2cPath, mode)
	if err != nil {
		return nil, fmt.Errorf("channel %q: create s2c fifo: %w", key, err)
	}
	c2s, err := pipe.NewTemporaryPipe(c2sPath, mode)
	if err != nil {
		s2c.Cleanup()
		return nil, fmt.Errorf("channel %q: create c2s fifo: %w", key, err)
	}

	writer, err := pipe.OpenWriterWithFakeReader(s2c.Path())
	if err != nil {
		s2c.Cleanup()
		c2s.Cleanup()
		return nil, fmt.Errorf("channel %q: open s2c writer: %w", key, err)
	}
	reader, err := pipe.OpenReader(c2s.Path())
	if err != nil {
		writer.Close()
		s2c.Cleanup()
		c2s.Cleanup()
		return nil, fmt.Errorf("channel %q: open c2s reader: %w", key, err)
	}

	fd := pipe.NewFullDuplexPipe(writer, reader)
	return newChannel(key, s2c, c2s, fd, true, cfg)
}

// NewClientSide binds the flipped pair for key under root: the client
// writes to root/key{c2sSuffix} and reads from root/key{s2cSuffix}. Both
// FIFO nodes must already exist (created by the server side); the client
// does not own them and never unlinks them.
func NewClientSide(root, key, s2cSuffix, c2sSuffix string, cfg Config) (*Channel, error) {
	s2cSuffix, c2sSuffix = defaultSuffixes(s2cSuffix, c2sSuffix)
	if s2cSuffix == c2sSuffix {
		return nil, fmt.Errorf("channel %q: s2c and c2s suffixes must differ", key)
	}

	s2cPath := filepath.Join(root, key+s2cSuffix)
	c2sPath := filepath.Join(root, key+c2sSuffix)

	ctx := logctx.AddToContext(context.Background(), loggerOrDefault(cfg.Logger))
	fd, err := pipe.OpenFullDuplex(ctx, c2sPath, s2cPath, cfg.OpenTimeout)
	if err != nil {
		return nil, fmt.Errorf("channel %q: open client side: %w", key, err)
	}

	return newChannel(key, nil, nil, fd, false, cfg)
}

// NewClientMirror builds an in-process client-side peer for test and
// helper paths that want a mirror of a just-created server-side channel
// without going through a second process (the Go analogue of the source's
// Channel.create_client_proto).
func NewClientMirror(server *Channel, cfg Config) (*Channel, error) {
	if server.s2c == nil || server.c2s == nil {
		return nil, errors.New("channel: mirror requires a server-side channel that owns its FIFO nodes")
	}

	writer, err := pipe.OpenWriterWithFakeReader(server.c2s.Path())
	if err != nil {
		return nil, fmt.Errorf("channel mirror %q: open writer: %w", server.key, err)
	}
	reader, err := pipe.OpenReader(server.s2c.Path())
	if err != nil {
		writer.Close()
		return nil, fmt.Errorf("channel mirror %q: open reader: %w", server.key, err)
	}

	fd := pipe.NewFullDuplexPipe(writer, reader)
	return newChannel(server.key, nil, nil, fd, false, cfg)
}

func newChannel(key string, s2c, c2s *pipe.TemporaryPipe, fd *pipe.FullDuplexPipe, owns bool, cfg Config) (*Channel, error) {
	smDir := cfg.SMDir
	if smDir == "" {
		smDir = segment.DefaultDir
	}
	logger := loggerOrDefault(cfg.Logger)
	pool := segment.NewPool(smDir, nonZeroOr(cfg.MaxQueue, segment.Unbounded))
	pool.SetLogger(logger)
	engine := protocol.NewEngine(fd, protocol.NewCPUBackend(pool), protocol.Config{
		ForceSMOverPipe:  cfg.ForceSMOverPipe,
		DisableRestoreSM: cfg.DisableRestoreSM,
		Logger:           logger,
	})

	return &Channel{
		key:    key,
		s2c:    s2c,
		c2s:    c2s,
		fd:     fd,
		engine: engine,
		logger: logger,
		owns:   owns,
		state:  Open,
	}, nil
}

// nonZeroOr returns v unless v is the zero value, in which case it returns
// fallback. It lets Config's Go zero value for MaxQueue mean "default to
// unbounded" rather than "bound to zero": any non-zero value (a positive
// bound, or segment.Unbounded) is passed through unchanged, and a pool
// bound of zero cannot be requested through Config.
func nonZeroOr(v, fallback int) int {
	if v == 0 {
		return fallback
	}
	return v
}

// Key returns the channel's identifying key within its server.
func (c *Channel) Key() string {
	return c.key
}

// State returns the channel's current lifecycle state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Send transmits data over the channel, returning what actually went on
// the wire (direct vs shared memory).
func (c *Channel) Send(data []byte) (protocol.WrittenInfo, error) {
	return c.engine.Send(data)
}

// Recv reads the next message. Returns (nil, nil) if the frame read was an
// internally-consumed SM_RESTORE ("no payload this turn"). Fails with
// ErrUseCallbackInterface once an async reader owns this channel's reader
// side.
func (c *Channel) Recv() ([]byte, error) {
	c.mu.Lock()
	owned := c.asyncOwned
	c.mu.Unlock()
	if owned {
		return nil, ErrUseCallbackInterface
	}
	return c.engine.Recv()
}

// RecvWithHeader is Recv plus the decoded header, used by the async reader
// to branch on opcode without a second frame read.
func (c *Channel) RecvWithHeader() (header.Packet, []byte, error) {
	return c.engine.RecvWithHeader()
}

// Reader exposes the underlying readable descriptor, for async reader
// registration.
func (c *Channel) Reader() *pipe.Reader {
	return c.fd.Reader()
}

// ClaimAsync marks the channel as owned by an async reader, so synchronous
// Recv starts failing with ErrUseCallbackInterface. Only package
// asyncreader should call this, when it registers a channel's reader
// descriptor with its event loop.
func (c *Channel) ClaimAsync() {
	c.mu.Lock()
	c.asyncOwned = true
	c.mu.Unlock()
}

// ReleaseAsync reverses ClaimAsync, once the async reader deregisters the
// channel on close.
func (c *Channel) ReleaseAsync() {
	c.mu.Lock()
	c.asyncOwned = false
	c.mu.Unlock()
}

// Zombies returns segments this channel's engine received but could not
// acknowledge with a RESTORE.
func (c *Channel) Zombies() []protocol.Zombie {
	return c.engine.Zombies()
}

// Close releases the pipe descriptors and the segment pool. One-way:
// Open -> Closed. Idempotent: a second call is a no-op and returns nil.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Open {
		return nil
	}
	c.state = Closed
	return c.engine.Close()
}

// Cleanup unlinks the channel's FIFO nodes. One-way: Closed -> Cleaned.
// A client-side channel does not own FIFO nodes and treats Cleanup as a
// no-op — only the side that created the nodes unlinks them.
func (c *Channel) Cleanup() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Closed {
		return fmt.Errorf("channel %q: cleanup requires Closed state, got %s", c.key, c.state)
	}
	c.state = Cleaned
	if !c.owns {
		return nil
	}

	var errs []error
	if c.s2c != nil {
		if err := c.s2c.Cleanup(); err != nil {
			c.logger.Warn("channel cleanup: unlink s2c fifo failed", "key", c.key, "err", err)
			errs = append(errs, err)
		}
	}
	if c.c2s != nil {
		if err := c.c2s.Cleanup(); err != nil {
			c.logger.Warn("channel cleanup: unlink c2s fifo failed", "key", c.key, "err", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
