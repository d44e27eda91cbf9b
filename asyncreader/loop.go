// Package asyncreader provides event-loop-driven dispatch over a channel's
// reader descriptor: register a channel's fd as a "readable" source with a
// callback, and a single poll loop dispatches frames to it as they arrive.
package asyncreader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/onkernel/shmipc/channel"
	"github.com/onkernel/shmipc/header"
)

// OnRecv is invoked once per readable transition that yields a payload
// (i.e. not for an internally-consumed SM_RESTORE). Callbacks for a given
// channel never run concurrently with each other, since the loop is a
// single goroutine driving every registered channel in turn.
type OnRecv func(ch *channel.Channel, data []byte)

// OnError is invoked when a registered channel's read fails; the channel
// is deregistered automatically afterward.
type OnError func(ch *channel.Channel, err error)

type registration struct {
	ch      *channel.Channel
	onRecv  OnRecv
	onError OnError
}

// Loop is a single-threaded cooperative event loop: one goroutine polls
// every registered channel's reader descriptor and dispatches readability
// to that channel's callback, serialized with every other channel's
// callback since they all run on the same goroutine.
type Loop struct {
	mu     sync.Mutex
	regs   map[int]*registration // keyed by reader fd
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewLoop creates a Loop. Call Run to start polling; Run blocks until
// Close is called or a poll fails. Logs to slog.Default() until SetLogger
// is called.
func NewLoop() *Loop {
	ctx, cancel := context.WithCancel(context.Background())
	return &Loop{
		regs:   make(map[int]*registration),
		logger: slog.Default(),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// SetLogger replaces the loop's logger.
func (l *Loop) SetLogger(logger *slog.Logger) {
	if logger == nil {
		return
	}
	l.mu.Lock()
	l.logger = logger
	l.mu.Unlock()
}

// Register adds ch to the loop, claiming its reader side: synchronous
// Recv on ch starts failing with channel.ErrUseCallbackInterface. onRecv
// fires for every non-RESTORE message; onError (may be nil) fires once on
// the first read failure, after which ch is deregistered.
func (l *Loop) Register(ch *channel.Channel, onRecv OnRecv, onError OnError) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	fd := ch.Reader().Fd()
	if _, exists := l.regs[fd]; exists {
		return fmt.Errorf("asyncreader: fd %d already registered", fd)
	}
	ch.ClaimAsync()
	l.regs[fd] = &registration{ch: ch, onRecv: onRecv, onError: onError}
	return nil
}

// Deregister removes ch from the loop before closing it, so the descriptor
// close doesn't produce a spurious wakeup on a registration the loop still
// holds. Restores synchronous Recv.
func (l *Loop) Deregister(ch *channel.Channel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fd := ch.Reader().Fd()
	if _, ok := l.regs[fd]; ok {
		delete(l.regs, fd)
		ch.ReleaseAsync()
	}
}

// Run polls every registered fd until the loop is closed. Intended to run
// on its own goroutine; Close (or canceling the context NewLoop derived
// internally, via Close) stops it.
func (l *Loop) Run() error {
	defer close(l.done)
	for {
		if l.ctx.Err() != nil {
			return nil
		}

		pollFds, regs := l.snapshot()
		if len(pollFds) == 0 {
			select {
			case <-l.ctx.Done():
				return nil
			case <-time.After(50 * time.Millisecond):
			}
			continue
		}

		_, err := unix.Poll(pollFds, 250)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			l.logger.Warn("asyncreader: poll failed, loop stopping", "err", err)
			return fmt.Errorf("asyncreader: poll: %w", err)
		}

		for i, pfd := range pollFds {
			if pfd.Revents&unix.POLLIN == 0 {
				continue
			}
			reg := regs[i]
			l.dispatch(reg)
		}
	}
}

func (l *Loop) snapshot() ([]unix.PollFd, []*registration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	pollFds := make([]unix.PollFd, 0, len(l.regs))
	regs := make([]*registration, 0, len(l.regs))
	for fd, reg := range l.regs {
		pollFds = append(pollFds, unix.PollFd{Fd: int32(fd), Events: unix.POLLIN})
		regs = append(regs, reg)
	}
	return pollFds, regs
}

// dispatch reads exactly one frame from reg.ch and invokes the
// appropriate callback. SM_RESTORE frames are handled inline by the
// protocol engine itself (RestoreSM was already called inside
// RecvWithHeader); no user callback fires for them.
func (l *Loop) dispatch(reg *registration) {
	hdr, data, err := reg.ch.RecvWithHeader()
	if err != nil {
		l.logger.Warn("asyncreader: recv failed, deregistering channel", "err", err)
		l.Deregister(reg.ch)
		if reg.onError != nil {
			reg.onError(reg.ch, err)
		}
		return
	}
	if hdr.Opcode == header.SMRestore {
		return
	}
	if reg.onRecv != nil {
		reg.onRecv(reg.ch, data)
	}
}

// Close stops Run and waits for it to return.
func (l *Loop) Close() {
	l.cancel()
	<-l.done
}
