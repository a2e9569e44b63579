// Package control implements the line-oriented command grammar shared
// between a recorder process and whatever feeds its standard input (an
// interactive user or the supervisor's broadcast pipe). It is grounded on
// the teacher's WriteControl request parsing in data_source.go
// (strings.ToUpper + strings.HasPrefix over START/STOP/PAUSE/UNPAUSE),
// generalized to this spec's START/STOP/STOP_AFTER/QUIT grammar and to
// atomic flags instead of a mutex-guarded struct.
package control

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Flags holds the two atomic booleans shared between a Channel and every
// Acquisition Loop worker in the process, per spec.md §5. quit is
// monotonic: callers must never Store(false) after a Store(true).
type Flags struct {
	recording atomic.Bool
	quit      atomic.Bool
}

// NewFlags returns a Flags with both booleans false, matching the
// spec's startup state.
func NewFlags() *Flags { return &Flags{} }

// Recording reports the current recording flag.
func (f *Flags) Recording() bool { return f.recording.Load() }

// Quit reports whether QUIT has ever been observed.
func (f *Flags) Quit() bool { return f.quit.Load() }

// Channel reads line-delimited control tokens from r and mutates Flags
// accordingly. Unknown lines are logged and ignored, per spec.md §4.3.
// STOP_AFTER scheduling is a single replaceable *time.Timer: a second
// STOP_AFTER supersedes the first, mirroring the teacher's single
// AutoDelay-driven timer rather than a queue of pending stops.
type Channel struct {
	flags  *Flags
	log    zerolog.Logger
	mu     sync.Mutex
	timer  *time.Timer
	onStop func() // invoked when a scheduled STOP_AFTER fires; may be nil
}

// NewChannel constructs a Channel over the given Flags. onStop, if
// non-nil, is called (from the timer's own goroutine) each time a
// STOP_AFTER deadline fires, after recording has been cleared -- lets a
// caller (the tests, for one) observe that a scheduled stop took effect.
func NewChannel(flags *Flags, log zerolog.Logger, onStop func()) *Channel {
	return &Channel{flags: flags, log: log, onStop: onStop}
}

// Run reads lines from r until EOF or an I/O error, dispatching each to
// Dispatch. It returns when r is exhausted; callers typically run it in
// its own goroutine for the process lifetime of the control input.
func (c *Channel) Run(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		c.Dispatch(scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("control: read control input: %w", err)
	}
	return nil
}

// Dispatch applies one control line. Exported so callers (lsl-recorder's
// non-interactive mode, tests) can feed lines directly without
// round-tripping through an io.Reader.
func (c *Channel) Dispatch(line string) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return
	}
	request := strings.ToUpper(trimmed)

	switch {
	case request == "START":
		c.cancelScheduledStop()
		c.flags.recording.Store(true)
	case request == "STOP":
		c.cancelScheduledStop()
		c.flags.recording.Store(false)
	case strings.HasPrefix(request, "STOP_AFTER"):
		c.handleStopAfter(trimmed)
	case request == "QUIT":
		c.cancelScheduledStop()
		c.flags.recording.Store(false)
		c.flags.quit.Store(true) // monotonic: never cleared after this
	default:
		c.log.Warn().Str("line", line).Msg("control: unrecognized command, ignoring")
	}
}

func (c *Channel) handleStopAfter(trimmed string) {
	fields := strings.Fields(trimmed)
	if len(fields) != 2 {
		c.log.Warn().Str("line", trimmed).Msg("control: STOP_AFTER requires exactly one argument")
		return
	}
	seconds, err := strconv.ParseFloat(fields[1], 64)
	if err != nil || seconds <= 0 {
		c.log.Warn().Str("line", trimmed).Msg("control: STOP_AFTER argument must be a positive real number")
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(time.Duration(seconds*float64(time.Second)), func() {
		c.flags.recording.Store(false)
		if c.onStop != nil {
			c.onStop()
		}
	})
}

// cancelScheduledStop clears any pending STOP_AFTER timer; START and STOP
// both supersede a deferred stop, matching "a second STOP_AFTER supersedes
// the first" generalized to any explicit recording-state change.
func (c *Channel) cancelScheduledStop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}
