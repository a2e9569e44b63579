// Package supervisor implements the Multi-Recorder Supervisor: it spawns
// one child recorder per source id, broadcasts control tokens to every
// child's input pipe, and gates coordinated duration on a first-sample
// barrier. It is grounded on the teacher's rpc_server.go SourceControl
// broadcast pattern (s.clientUpdates <- ClientUpdate{...} fanning one
// decision out to every connected client) generalized from an in-process
// channel to child-process stdin pipes, and on its runDone
// sync.WaitGroup + heartbeat polling idiom for waiting out child
// lifetimes.
package supervisor

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/rs/zerolog"

	"github.com/biostream/lsl-recorder/internal/lsl"
)

// Child is one spawned recorder, abstracted so tests can drive the
// supervisor's coordination logic without real child processes -- the
// same role the teacher's SimPulseSource/TriangleSource play for
// DataSource, here applied to os/exec.Cmd.
type Child interface {
	SourceID() string
	StreamName() string
	Stdin() io.Writer
	Stdout() io.Reader
	// Wait blocks until the child exits and returns its result.
	Wait() error
	// Kill best-effort terminates the child; used only to abort children
	// that haven't started recording yet.
	Kill() error
}

// Spec describes one child to spawn.
type Spec struct {
	SourceID   string
	StreamName string // defaults to SourceID if empty
}

// EffectiveName returns the effective archive group name, defaulting to
// SourceID when StreamName was left blank.
func (s Spec) EffectiveName() string {
	if s.StreamName != "" {
		return s.StreamName
	}
	return s.SourceID
}

// Spawner constructs and starts one Child for spec. The production
// spawner (cmd/lsl-multi-recorder) wraps os/exec; tests substitute an
// in-process fake built on io.Pipe.
type Spawner func(spec Spec) (Child, error)

// Supervisor coordinates N children under one archive root, per
// spec.md §4.4.
type Supervisor struct {
	Specs    []Spec
	Duration *float64 // seconds; nil means no coordinated auto-stop
	Spawn    Spawner
	Stdout   io.Writer // prefixed child output is re-emitted here
	Log      zerolog.Logger

	// Resolver, if set, is used to peek each source id's nominal_srate
	// before spawning, so R (the number of regular children) is known
	// upfront -- the first of the two strategies spec.md §4.4 describes.
	// If nil, R is inferred conservatively: the barrier passes once every
	// child has reported its own first status line. That fallback is
	// exact only when the fleet is either all-regular or all-irregular;
	// a mixed fleet without a Resolver risks the barrier waiting on a
	// slow irregular marker stream, so callers mixing formats should
	// supply one.
	Resolver       lsl.Resolver
	ResolveTimeout time.Duration

	mu          sync.Mutex
	children    []Child
	pendingStop *float64
	barrierDone bool
	barrierCh   chan struct{}
	barrierOnce sync.Once
	started     atomic.Bool
}

// Run spawns all children, reads broadcast commands from control, and
// blocks until every child has exited; a QUIT on control is broadcast to
// every child, and Run still waits for them to exit. It returns a
// non-nil error if any child reported a failure, per spec.md §4.4's
// failure semantics (the caller maps this to exit code 4).
func (s *Supervisor) Run(control io.Reader) error {
	s.barrierCh = make(chan struct{})

	r, haveR := s.peekRegularity()

	children := make([]Child, len(s.Specs))
	for i, spec := range s.Specs {
		c, err := s.Spawn(spec)
		if err != nil {
			s.abortAll(children[:i])
			return fmt.Errorf("supervisor: spawn %s: %w", spec.SourceID, err)
		}
		children[i] = c
	}
	s.children = children

	var wg sync.WaitGroup
	firstStatusSeen := make(map[string]bool, len(children))
	regularFirstSamples := 0
	var barrierMu sync.Mutex
	failed := make(chan string, len(children))

	for _, c := range children {
		wg.Add(1)
		go func(c Child) {
			defer wg.Done()
			scanner := bufio.NewScanner(c.Stdout())
			for scanner.Scan() {
				line := scanner.Text()
				if s.Stdout != nil {
					fmt.Fprintf(s.Stdout, "%s\t%s\n", c.StreamName(), line)
				}
				if strings.HasPrefix(line, "STATUS FIRST_SAMPLE") {
					barrierMu.Lock()
					if !firstStatusSeen[c.StreamName()] {
						firstStatusSeen[c.StreamName()] = true
						isRegular := strings.Contains(line, "(regular)")
						if isRegular {
							regularFirstSamples++
						}
						s.maybeReleaseBarrier(haveR, r, regularFirstSamples, len(firstStatusSeen), len(children))
					}
					barrierMu.Unlock()
				}
			}
			if err := c.Wait(); err != nil {
				failed <- c.StreamName()
				s.Log.Error().Str("stream_name", c.StreamName()).Err(err).Msg("supervisor: child exited with error")
				if !s.started.Load() {
					// Died before START: abort the rest of the fleet rather
					// than let them record an incomplete session, per
					// spec.md §4.4's failure semantics.
					s.abortAll(s.snapshotChildren())
				}
			}
		}(c)
	}

	// If R==0 (all-irregular fleet known upfront), the barrier passes
	// immediately rather than waiting on any child status, per spec.md
	// §4.4 rule 3.
	if haveR && r == 0 {
		s.releaseBarrier()
	}

	done := make(chan struct{})
	go func() {
		s.runControlLoop(control)
		close(done)
	}()

	wg.Wait()
	close(failed)

	var failedAny bool
	for range failed {
		failedAny = true
	}
	if failedAny {
		return fmt.Errorf("supervisor: one or more children failed")
	}
	return nil
}

// peekRegularity resolves each source id's descriptor (if a Resolver was
// supplied) purely to learn nominal_srate before spawning -- the
// supervisor never keeps this connection for recording; each child
// resolves again, independently, on its own.
func (s *Supervisor) peekRegularity() (int, bool) {
	if s.Resolver == nil {
		return 0, false
	}
	r := 0
	for _, spec := range s.Specs {
		d, inlet, err := s.Resolver.ResolveBySourceID(spec.SourceID, s.ResolveTimeout)
		if err != nil {
			s.Log.Warn().Str("source_id", spec.SourceID).Err(err).Msg("supervisor: could not peek descriptor, falling back to inferred barrier")
			return 0, false
		}
		inlet.Close()
		if d.IsRegular() {
			r++
		}
	}
	return r, true
}

func (s *Supervisor) maybeReleaseBarrier(haveR bool, r, regularFirstSamples, statusesSeen, totalChildren int) {
	if haveR {
		if regularFirstSamples >= r {
			s.releaseBarrier()
		}
		return
	}
	// No upfront R: release once every child has reported, which by
	// construction includes every regular child's first sample.
	if statusesSeen >= totalChildren {
		s.releaseBarrier()
	}
}

func (s *Supervisor) releaseBarrier() {
	s.barrierOnce.Do(func() {
		s.mu.Lock()
		s.barrierDone = true
		pending := s.pendingStop
		s.pendingStop = nil
		s.mu.Unlock()
		close(s.barrierCh)
		if pending != nil {
			s.broadcastLine(fmt.Sprintf("STOP_AFTER %v", *pending))
		}
	})
}

// runControlLoop reads the supervisor's own control input and broadcasts
// or defers each token per spec.md §4.4 rules 2 and 4.
func (s *Supervisor) runControlLoop(control io.Reader) {
	scanner := bufio.NewScanner(control)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		upper := strings.ToUpper(line)
		switch {
		case upper == "START":
			s.started.Store(true)
			s.broadcastLine(line)
			if s.Duration != nil {
				s.deferStopAfter(*s.Duration)
			}
		case strings.HasPrefix(upper, "STOP_AFTER"):
			seconds, ok := parseStopAfterSeconds(line)
			if !ok {
				s.Log.Warn().Str("line", line).Msg("supervisor: malformed STOP_AFTER, ignoring")
				continue
			}
			s.deferStopAfter(seconds)
		case upper == "QUIT":
			s.broadcastLine(line)
			return
		default:
			s.broadcastLine(line)
		}
	}
}

func parseStopAfterSeconds(line string) (float64, bool) {
	fields := strings.Fields(line)
	if len(fields) != 2 {
		return 0, false
	}
	v, err := strconv.ParseFloat(fields[1], 64)
	if err != nil || v <= 0 {
		return 0, false
	}
	return v, true
}

// deferStopAfter implements spec.md §4.4 rule 2/4: a STOP_AFTER is held
// until the first-sample barrier passes, then broadcast at that instant
// (or immediately, if the barrier already passed).
func (s *Supervisor) deferStopAfter(seconds float64) {
	s.mu.Lock()
	if s.barrierDone {
		s.mu.Unlock()
		s.broadcastLine(fmt.Sprintf("STOP_AFTER %v", seconds))
		return
	}
	s.pendingStop = &seconds
	s.mu.Unlock()
}

func (s *Supervisor) broadcastLine(line string) {
	s.mu.Lock()
	children := append([]Child(nil), s.children...)
	s.mu.Unlock()
	s.Log.Debug().Msg(fmt.Sprintf("GOT broadcast: %v", spew.Sdump(line)))
	for _, c := range children {
		fmt.Fprintln(c.Stdin(), line)
	}
}

// BarrierPassed returns a channel closed the instant the first-sample
// barrier releases, for callers (tests, CLI progress reporting) that want
// to observe it without polling.
func (s *Supervisor) BarrierPassed() <-chan struct{} { return s.barrierCh }

// abortAll kills every already-spawned child, used when a later spawn in
// the fan-out fails before any child has started recording.
func (s *Supervisor) abortAll(children []Child) {
	for _, c := range children {
		_ = c.Kill()
	}
}

func (s *Supervisor) snapshotChildren() []Child {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Child(nil), s.children...)
}
