// Package interrupt tears down the live query resources when the process is
// interrupted.
//
// The Coordinator holds at most one live chunk collection and one live archive
// reader. The query path registers a resource right after acquiring it and
// hands it back through ReleaseChunks or ShutdownReader, which release it and
// clear the reference inside the same critical section that Interrupt uses.
// Whichever side gets there first does the work; the other finds nothing left.
package interrupt

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/V4T54L/chrono-reader/internal/domain"
)

// State is the teardown state of a Coordinator.
type State int32

const (
	Armed State = iota
	Draining
	Terminated
)

func (s State) String() string {
	switch s {
	case Armed:
		return "armed"
	case Draining:
		return "draining"
	case Terminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Shutdowner is the part of an archive reader the coordinator needs.
type Shutdowner interface {
	Shutdown() error
}

// Coordinator implements the one-shot interrupt teardown: Armed, then
// Draining while live resources are released, then Terminated.
type Coordinator struct {
	logger *slog.Logger
	exit   func(code int)
	notice io.Writer

	mu       sync.Mutex
	state    State
	code     int
	received bool
	done     chan struct{}
	chunks   *domain.ChunkList
	reader   Shutdowner
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithExit replaces os.Exit as the function called after an interrupt drained.
func WithExit(fn func(code int)) Option {
	return func(c *Coordinator) { c.exit = fn }
}

// WithNotice sets where the "Interrupt (N)" line is written. Defaults to stderr.
func WithNotice(w io.Writer) Option {
	return func(c *Coordinator) { c.notice = w }
}

// New creates an armed Coordinator.
func New(logger *slog.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{
		logger: logger.With("component", "interrupt_coordinator"),
		exit:   os.Exit,
		notice: os.Stderr,
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ExitCode returns the interrupt exit code once teardown has finished. Once a
// watched signal has been received it blocks until the teardown it triggers
// is done.
func (c *Coordinator) ExitCode() (int, bool) {
	c.mu.Lock()
	received := c.received
	c.mu.Unlock()
	if received {
		<-c.done
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.code, c.state == Terminated
}

// TrackChunks registers list as the live result collection. If teardown has
// already started the list is released immediately and false is returned.
func (c *Coordinator) TrackChunks(list *domain.ChunkList) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Armed {
		list.Release()
		return false
	}
	c.chunks = list
	return true
}

// ReleaseChunks releases list and clears it as the live collection.
// It returns the number of chunks this call released.
func (c *Coordinator) ReleaseChunks(list *domain.ChunkList) int {
	if list == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	n := list.Release()
	if c.chunks == list {
		c.chunks = nil
	}
	return n
}

// TrackReader registers r as the live archive reader. If teardown has already
// started r is shut down immediately and false is returned.
func (c *Coordinator) TrackReader(r Shutdowner) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Armed {
		if err := r.Shutdown(); err != nil {
			c.logger.Error("failed to shut down late archive reader", "error", err)
		}
		return false
	}
	c.reader = r
	return true
}

// ShutdownReader shuts r down and clears it as the live reader. If the
// interrupt path already shut it down this is a no-op.
func (c *Coordinator) ShutdownReader(r Shutdowner) error {
	if r == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reader != r && c.state != Armed {
		return nil
	}
	err := r.Shutdown()
	if c.reader == r {
		c.reader = nil
	}
	return err
}

// Interrupt drains the live resources and returns the exit code, which is the
// signal number. Only the first call drains; later calls return the same code.
func (c *Coordinator) Interrupt(sig os.Signal) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Armed {
		return c.code
	}
	c.state = Draining
	c.code = signalCode(sig)
	c.logger.Warn("interrupt received, tearing down query", "signal", sig.String())

	if c.chunks != nil {
		n := c.chunks.Release()
		c.chunks = nil
		c.logger.Info("released live chunks", "count", n)
	}
	if c.reader != nil {
		if err := c.reader.Shutdown(); err != nil {
			c.logger.Error("failed to shut down archive reader", "error", err)
		}
		c.reader = nil
	}

	c.state = Terminated
	close(c.done)
	return c.code
}

// Watch installs the process signal handler for signals. The returned stop
// function uninstalls it.
func (c *Coordinator) Watch(ctx context.Context, signals ...os.Signal) (stop func()) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, signals...)
	ctx, cancel := context.WithCancel(ctx)
	go c.WatchChannel(ctx, ch)
	return func() {
		signal.Stop(ch)
		cancel()
	}
}

// WatchChannel waits for one signal on ch, drains and exits with the signal
// number. It returns without doing anything if ctx ends first.
func (c *Coordinator) WatchChannel(ctx context.Context, ch <-chan os.Signal) {
	select {
	case <-ctx.Done():
		return
	case sig := <-ch:
		c.mu.Lock()
		c.received = true
		c.mu.Unlock()
		fmt.Fprintf(c.notice, "Interrupt (%d)\n", signalCode(sig))
		code := c.Interrupt(sig)
		c.exit(code)
	}
}

func signalCode(sig os.Signal) int {
	if s, ok := sig.(syscall.Signal); ok {
		return int(s)
	}
	return 1
}
