// Package acquire implements the per-stream Acquisition Loop: the worker
// that owns one resolved LSL inlet, pulls its samples, and drives them
// into an Archive Writer handle. It is grounded on the teacher's
// Start(ds DataSource) error driver loop and the state carried on
// AnySource (abortSelf, runMutex, the writingState atomic.Value) --
// generalized here from DASTARD's single implicit "acquiring" state to
// an explicit five-state machine, and from a shared hardware DataSource
// to one goroutine per stream id.
package acquire

import (
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"

	"github.com/biostream/lsl-recorder/internal/archive"
	"github.com/biostream/lsl-recorder/internal/build"
	"github.com/biostream/lsl-recorder/internal/config"
	"github.com/biostream/lsl-recorder/internal/control"
	"github.com/biostream/lsl-recorder/internal/errkind"
	"github.com/biostream/lsl-recorder/internal/lsl"
)

// State is one node of the lifecycle spec.md §4.2 names: Resolving ->
// WaitingForStart -> Recording -> Stopping -> Finalized.
type State int

// Lifecycle states, in the order the loop transitions through them.
const (
	Resolving State = iota
	WaitingForStart
	Recording
	Stopping
	Finalized
)

func (s State) String() string {
	switch s {
	case Resolving:
		return "Resolving"
	case WaitingForStart:
		return "WaitingForStart"
	case Recording:
		return "Recording"
	case Stopping:
		return "Stopping"
	case Finalized:
		return "Finalized"
	default:
		return "unknown"
	}
}

// pullTimeout bounds each inlet read, so the quit flag is observed
// promptly, per spec.md §5's "worst-case delay from QUIT to worker exit
// is one pull timeout plus one flush latency".
const pullTimeout = 100 * time.Millisecond

// waitPollInterval is how often WaitingForStart re-checks the recording
// flag while spinning.
const waitPollInterval = 20 * time.Millisecond

// Loop drives one Acquisition Loop worker for one source id. Callers
// construct one per stream and call Run once; Run blocks until the
// stream reaches Finalized.
type Loop struct {
	SourceID    string
	StreamName  string // defaults to SourceID if empty
	ArchivePath string
	Resolver    lsl.Resolver
	Flags       *control.Flags
	Config      config.RecorderConfig
	Status      io.Writer // STATUS lines written here, nil discards them
	Log         zerolog.Logger

	state      State
	descriptor lsl.StreamDescriptor
	inlet      lsl.Inlet
	handle     *archive.Handle

	bufferedSinceFlush int
	lastFlush          time.Time
	firstSampleSeen     bool
}

// streamName resolves the effective archive group name.
func (l *Loop) streamName() string {
	if l.StreamName != "" {
		return l.StreamName
	}
	return l.SourceID
}

// Run executes the full state machine to completion, returning the first
// fatal error encountered (Resolution failures are fatal; Transport and
// Storage failures during steady-state are not -- see spec.md §7).
func (l *Loop) Run() error {
	l.state = Resolving
	for l.state != Finalized {
		switch l.state {
		case Resolving:
			if err := l.runResolving(); err != nil {
				return err
			}
		case WaitingForStart:
			l.runWaitingForStart()
		case Recording:
			l.runRecording()
		case Stopping:
			return l.runStopping()
		}
	}
	return nil
}

func (l *Loop) runResolving() error {
	descriptor, inlet, err := l.Resolver.ResolveBySourceID(l.SourceID, l.Config.ResolveTimeout())
	if err != nil {
		return errkind.Wrap(fmt.Errorf("acquire: resolve source id %q: %w", l.SourceID, err), errkind.Resolution)
	}
	l.descriptor = descriptor
	l.inlet = inlet
	l.Log.Info().Str("source_id", l.SourceID).Str("stream_name", l.streamName()).Msg("resolved stream")
	l.state = WaitingForStart
	return nil
}

func (l *Loop) runWaitingForStart() {
	// Opening the inlet with standard post-processing and sizing its
	// buffer happens once, on entry to this state, per spec.md §4.2's
	// adaptive buffer size (max(360, ceil(nominal_srate*2)), fixed 360 for
	// irregular streams) and fixed clock_sync|dejitter|threadsafe flags.
	bufferSamples := lsl.BufferSamples(l.descriptor.NominalSrate)
	if err := l.inlet.Open(bufferSamples, lsl.StandardPostProcessing); err != nil {
		l.Log.Warn().Err(err).Msg("acquire: inlet open failed, treating as end of stream")
		l.state = Stopping
		return
	}

	for {
		if l.Flags.Quit() {
			l.state = Stopping
			return
		}
		if l.Flags.Recording() {
			l.lastFlush = time.Now()
			l.state = Recording
			return
		}
		time.Sleep(waitPollInterval)
	}
}

func (l *Loop) runRecording() {
	if l.Flags.Quit() || !l.Flags.Recording() {
		l.state = Stopping
		return
	}

	chunk, ok, err := l.inlet.PullChunk(pullTimeout)
	if err != nil {
		// Lost connection: end-of-stream, clean transition to Stopping, per
		// spec.md §4.2's error handling.
		l.Log.Warn().Err(err).Msg("acquire: inlet read error, treating as end of stream")
		l.state = Stopping
		return
	}
	if !ok || len(chunk.Samples) == 0 {
		return
	}

	if !l.firstSampleSeen {
		l.firstSampleSeen = true
		l.emitFirstSampleStatus()
	}

	if err := l.appendChunk(chunk); err != nil {
		// Archive failures are logged but non-fatal; the caller's next
		// append re-attempts, per spec.md §4.1's failure semantics.
		l.Log.Error().Err(errkind.Wrap(err, errkind.Storage)).Msg("acquire: append failed, will retry on next pull")
		return
	}

	l.bufferedSinceFlush += len(chunk.Samples)
	if l.shouldFlush() {
		if err := l.handle.Flush(); err != nil {
			l.Log.Error().Err(errkind.Wrap(err, errkind.Storage)).Msg("acquire: flush failed")
		} else {
			l.bufferedSinceFlush = 0
			l.lastFlush = time.Now()
		}
	}
}

// shouldFlush implements the three triggers from spec.md §4.2(a-c).
func (l *Loop) shouldFlush() bool {
	if l.Config.ImmediateFlush {
		return true
	}
	if l.bufferedSinceFlush >= l.Config.FlushBufferSize {
		return true
	}
	return time.Since(l.lastFlush) >= l.Config.FlushInterval()
}

func (l *Loop) emitFirstSampleStatus() {
	kind := "irregular"
	if l.descriptor.IsRegular() {
		kind = "regular"
	}
	if l.Status != nil {
		fmt.Fprintf(l.Status, "STATUS FIRST_SAMPLE (%s)\n", kind)
	}
}

// appendChunk lazily opens the archive group on the first successful
// pull, per spec.md §3's "a group is created at the first successful
// sample pull (lazy)", then appends the chunk's samples.
func (l *Loop) appendChunk(chunk lsl.Chunk) error {
	if l.handle == nil {
		h, err := archive.OpenOrCreate(l.ArchivePath, l.streamName(), l.descriptor)
		if err != nil {
			return fmt.Errorf("acquire: open_or_create: %w", err)
		}
		l.handle = h
	}

	n := len(chunk.Samples)
	timestamps := make([]float64, n)
	if l.descriptor.ChannelFormat == lsl.String {
		values := make([][]string, l.descriptor.ChannelCount)
		for c := range values {
			values[c] = make([]string, n)
		}
		for i, s := range chunk.Samples {
			timestamps[i] = s.Timestamp
			for c := 0; c < l.descriptor.ChannelCount && c < len(s.Strings); c++ {
				values[c][i] = s.Strings[c]
			}
		}
		return l.handle.AppendStrings(timestamps, values)
	}

	values := make([][]float64, l.descriptor.ChannelCount)
	for c := range values {
		values[c] = make([]float64, n)
	}
	for i, s := range chunk.Samples {
		timestamps[i] = s.Timestamp
		for c := 0; c < l.descriptor.ChannelCount && c < len(s.Values); c++ {
			values[c][i] = s.Values[c]
		}
	}
	return l.handle.Append(timestamps, values)
}

// runStopping drains any residual pull, performs a final flush, writes
// closing attributes, and releases the inlet, per spec.md §4.2.
func (l *Loop) runStopping() error {
	if l.inlet != nil {
		if chunk, ok, err := l.inlet.PullChunk(pullTimeout); err == nil && ok && len(chunk.Samples) > 0 {
			if err := l.appendChunk(chunk); err != nil {
				l.Log.Error().Err(errkind.Wrap(err, errkind.Storage)).Msg("acquire: final drain append failed")
			}
		}
		if err := l.inlet.Close(); err != nil {
			l.Log.Warn().Err(err).Msg("acquire: inlet close failed")
		}
	}

	l.state = Finalized
	if l.handle == nil {
		// Never produced a sample; nothing to finalize.
		return nil
	}

	attrs := archive.RecorderConfigAttrs{
		FlushIntervalSeconds:  l.Config.FlushIntervalSeconds,
		FlushBufferSize:       l.Config.FlushBufferSize,
		ImmediateFlush:        l.Config.ImmediateFlush,
		Duration:              l.Config.Duration,
		Subject:               l.Config.Subject,
		SessionID:             l.Config.SessionID,
		Notes:                 l.Config.Notes,
		ResolveTimeoutSeconds: l.Config.ResolveTimeoutSeconds,
		LibraryVersion:        build.Info.Version,
		RunID:                 l.Config.RunID,
	}
	if err := l.handle.Finalize(attrs); err != nil {
		return errkind.Wrap(fmt.Errorf("acquire: finalize %s: %w", l.streamName(), err), errkind.Storage)
	}
	return nil
}
