// Package ipcserver is the directory-rooted registry of channels: creating,
// looking up, closing, and cleaning up named shmipc channels under one root
// directory.
package ipcserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/samber/lo"
	"golang.org/x/sync/singleflight"

	"github.com/onkernel/shmipc/channel"
)

// DefaultMode is the permission bits Root and the FIFO nodes are created
// with if Config.Mode is zero. The FIFO suffix defaults live on package
// channel (channel.DefaultS2CSuffix / channel.DefaultC2SSuffix), since a
// standalone client attaching without a Server needs the same constants.
const DefaultMode = 0o600

var (
	// ErrSuffixCollision is returned by New when s2cSuffix == c2sSuffix:
	// the two channel FIFOs would collide on disk.
	ErrSuffixCollision = errors.New("ipcserver: s2c and c2s suffixes must differ")
	// ErrKeyExists is returned by Open when key is already registered.
	ErrKeyExists = errors.New("ipcserver: channel key already open")
	// ErrKeyNotFound is returned by Close/Cleanup/Get for an unknown key.
	ErrKeyNotFound = errors.New("ipcserver: channel key not found")
)

// Config configures a Server.
type Config struct {
	// Root is the directory channel FIFOs are created under. Required.
	Root string
	// Mode is the permission bits Root is created with if it does not
	// exist, and the FIFO node permission bits. DefaultMode if zero.
	Mode os.FileMode
	// S2CSuffix and C2SSuffix name the two FIFOs per channel key. Default to
	// channel.DefaultS2CSuffix / channel.DefaultC2SSuffix if empty. Must differ.
	S2CSuffix string
	C2SSuffix string
	// MakeRoot creates Root (and parents) if it doesn't exist. Defaults to
	// true; set false to require Root to already exist.
	MakeRoot *bool
	// Logger receives structured Warn entries for this server's fallible
	// cleanup paths, and is forwarded to every channel it opens. Defaults to
	// slog.Default() if nil.
	Logger *slog.Logger
}

// Server is a set of channels rooted at one directory on a single host. It
// exclusively owns its channel map: closing the server closes every
// channel it holds.
type Server struct {
	root      string
	mode      os.FileMode
	s2cSuffix string
	c2sSuffix string
	logger    *slog.Logger

	mu       sync.Mutex
	channels map[string]*channel.Channel

	openFlight singleflight.Group
}

// New validates cfg and, unless MakeRoot is explicitly false, creates Root.
func New(cfg Config) (*Server, error) {
	s2c := cfg.S2CSuffix
	if s2c == "" {
		s2c = channel.DefaultS2CSuffix
	}
	c2s := cfg.C2SSuffix
	if c2s == "" {
		c2s = channel.DefaultC2SSuffix
	}
	if s2c == c2s {
		return nil, ErrSuffixCollision
	}

	mode := cfg.Mode
	if mode == 0 {
		mode = DefaultMode
	}

	makeRoot := true
	if cfg.MakeRoot != nil {
		makeRoot = *cfg.MakeRoot
	}

	if makeRoot {
		if err := os.MkdirAll(cfg.Root, mode); err != nil {
			return nil, fmt.Errorf("ipcserver: create root %q: %w", cfg.Root, err)
		}
	}
	info, err := os.Stat(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("ipcserver: stat root %q: %w", cfg.Root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("ipcserver: root %q is not a directory", cfg.Root)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Server{
		root:      cfg.Root,
		mode:      mode,
		s2cSuffix: s2c,
		c2sSuffix: c2s,
		logger:    logger,
		channels:  make(map[string]*channel.Channel),
	}, nil
}

// Open creates and registers a server-side channel for key. Fails with
// ErrKeyExists if key is already present. Concurrent Open calls for the
// same key are collapsed via singleflight so only one winner actually
// creates the channel; the others observe ErrKeyExists or the winner's
// channel, never a half-created FIFO pair.
func (s *Server) Open(key string, cfg channel.Config) (*channel.Channel, error) {
	v, err, _ := s.openFlight.Do(key, func() (any, error) {
		s.mu.Lock()
		if _, ok := s.channels[key]; ok {
			s.mu.Unlock()
			return nil, fmt.Errorf("%w: %q", ErrKeyExists, key)
		}
		s.mu.Unlock()

		if cfg.Mode == 0 {
			cfg.Mode = s.mode
		}
		if cfg.Logger == nil {
			cfg.Logger = s.logger
		}
		ch, err := channel.NewServerSide(s.root, key, s.s2cSuffix, s.c2sSuffix, cfg)
		if err != nil {
			s.logger.Warn("ipcserver: open failed", "key", key, "err", err)
			return nil, err
		}

		s.mu.Lock()
		s.channels[key] = ch
		s.mu.Unlock()
		return ch, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*channel.Channel), nil
}

// Get returns the channel registered under key.
func (s *Server) Get(key string) (*channel.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[key]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrKeyNotFound, key)
	}
	return ch, nil
}

// Close closes (but does not unlink) the channel registered under key.
func (s *Server) Close(key string) error {
	ch, err := s.Get(key)
	if err != nil {
		return err
	}
	return ch.Close()
}

// Cleanup closes (if needed) and unlinks the FIFO nodes for key, then
// removes it from the registry.
func (s *Server) Cleanup(key string) error {
	s.mu.Lock()
	ch, ok := s.channels[key]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrKeyNotFound, key)
	}
	delete(s.channels, key)
	s.mu.Unlock()

	var errs []error
	if ch.State() != channel.Closed {
		if err := ch.Close(); err != nil {
			s.logger.Warn("ipcserver: cleanup: close failed", "key", key, "err", err)
			errs = append(errs, err)
		}
	}
	if err := ch.Cleanup(); err != nil {
		s.logger.Warn("ipcserver: cleanup: unlink failed", "key", key, "err", err)
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Keys returns every currently-registered channel key, in no particular
// order.
func (s *Server) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return lo.Keys(s.channels)
}

// Values returns every currently-registered channel.
func (s *Server) Values() []*channel.Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return lo.Values(s.channels)
}

// Len returns the number of currently-registered channels.
func (s *Server) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.channels)
}

// CloseAll closes and unlinks every channel the server owns. Context is
// accepted to leave room for a future bounded-wait close; cleanup itself is
// always synchronous today.
func (s *Server) CloseAll(ctx context.Context) error {
	for _, key := range s.Keys() {
		if err := s.Cleanup(key); err != nil && !errors.Is(err, ErrKeyNotFound) {
			return fmt.Errorf("ipcserver: close %q: %w", key, err)
		}
	}
	return nil
}
