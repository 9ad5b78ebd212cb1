package output

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/mattn/go-isatty"
)

// writerIsTTY returns true if the given writer exposes an Fd() method
// (e.g. *os.File) and that fd is a terminal. Falls back to false for
// plain io.Writer values such as *bytes.Buffer.
func writerIsTTY(w io.Writer) bool {
	type fder interface {
		Fd() uintptr
	}
	if f, ok := w.(fder); ok {
		return isatty.IsTerminal(f.Fd())
	}
	return false
}

// spinnerInterval is the animation frame rate.
const spinnerInterval = 100 * time.Millisecond

// Spinner animates a message while waiting on something of unknown length,
// e.g. "Opening store (3s elapsed)".
//
// On a non-TTY writer nothing animates: the message is printed once on
// Start so log output stays clean.
type Spinner struct {
	mu       sync.Mutex
	message  string
	frames   []string
	frame    int
	writer   io.Writer
	tty      bool
	clock    quartz.Clock
	started  time.Time
	running  bool
	cancel   context.CancelFunc
	ticker   quartz.Waiter
	lastLine int
}

// NewSpinner creates a spinner writing to stdout.
func NewSpinner(message string) *Spinner {
	return &Spinner{
		message: message,
		frames:  []string{"|", "/", "-", "\\"},
		writer:  os.Stdout,
		tty:     writerIsTTY(os.Stdout),
		clock:   quartz.NewReal(),
	}
}

// SetWriter sets the output writer (useful for testing). tty forces
// animation on or off for writers without a file descriptor.
func (s *Spinner) SetWriter(w io.Writer, tty bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writer = w
	s.tty = tty
}

// SetClock replaces the clock driving the animation.
func (s *Spinner) SetClock(c quartz.Clock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = c
}

// Start begins the animation. Calling Start on a running spinner is a no-op.
func (s *Spinner) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}
	s.running = true
	s.started = s.clock.Now()

	if !s.tty {
		fmt.Fprintf(s.writer, "%s...\n", s.message)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.ticker = s.clock.TickerFunc(ctx, spinnerInterval, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.render()
		return nil
	}, "spinner")
}

// render draws the next frame. Must be called with the lock held.
func (s *Spinner) render() {
	if !s.running {
		return
	}
	elapsed := s.clock.Since(s.started)
	line := fmt.Sprintf("%s  %s (%ds elapsed)", s.frames[s.frame], s.message, int(elapsed.Seconds()))
	fmt.Fprintf(s.writer, "\r%s", line)
	s.lastLine = len(line)
	s.frame = (s.frame + 1) % len(s.frames)
}

// UpdateMessage updates the spinner message while it's running.
func (s *Spinner) UpdateMessage(message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.message = message
}

// Stop halts the animation and clears the line. Safe to call repeatedly.
func (s *Spinner) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel, ticker := s.cancel, s.ticker
	s.cancel, s.ticker = nil, nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		ticker.Wait() //nolint:errcheck
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tty && s.lastLine > 0 {
		fmt.Fprintf(s.writer, "\r%s\r", strings.Repeat(" ", s.lastLine))
	}
}

// StopWithMessage stops the spinner and displays a final message.
func (s *Spinner) StopWithMessage(message string) {
	s.Stop()
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintln(s.writer, message)
}
