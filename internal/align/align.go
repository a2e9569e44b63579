// Package align implements the post-recording Alignment Engine: it reads
// raw per-stream timestamps back out of a finished archive, classifies
// each stream regular or irregular, computes a reference time T and
// per-stream offsets, and writes aligned timestamps and trim indices back
// non-destructively. It is grounded on the teacher's TriggerBroker
// connectivity bookkeeping (isConnected/Connections, a fixed-size
// membership set consulted read-only once built) for the "which streams
// participate in R" logic, generalized from per-channel trigger
// connections to per-stream reference-set membership.
package align

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/mat"

	"github.com/biostream/lsl-recorder/internal/archive"
	"github.com/biostream/lsl-recorder/internal/config"
	"github.com/biostream/lsl-recorder/internal/errkind"
)

// timeSentinelFloor is the minimum valid LSL timestamp; anything lower is
// treated as uninitialized bus time, per spec.md §4.5's stream validation
// rules.
const timeSentinelFloor = 1.0

// EventCoverage reports how many irregular-stream events fall before,
// within, and after the common window, per spec.md §4.5.
type EventCoverage struct {
	Before int
	Within int
	After  int
}

// StreamResult is the alignment outcome for one stream group.
type StreamResult struct {
	Name       string
	Skipped    bool
	SkipReason string

	Regular bool

	AlignmentOffset     float64
	TrimStartIndex      int
	TrimEndIndex        int
	OriginalSampleCount int
	AlignedSampleCount  int

	EventCoverage *EventCoverage // non-nil only for valid irregular streams
}

// Report is the full outcome of one alignment run.
type Report struct {
	Mode          config.AlignMode
	ReferenceTime float64
	Streams       []StreamResult
}

// Engine runs the alignment computation against one archive root.
type Engine struct {
	ArchivePath  string
	Mode         config.AlignMode
	Trim         config.TrimPolicy
	StreamFilter []string // empty means "every group in the archive"
	Log          zerolog.Logger
}

type validStream struct {
	name    string
	reader  *archive.Reader
	time    []float64
	regular bool
}

// Run executes one full alignment pass: discover groups, validate, classify,
// compute T and per-stream offsets, and write results back. It aborts only
// if the archive root itself cannot be read, per spec.md §7's "aborts only
// on archive-unreadable" propagation policy; any single stream's validation
// failure is a skip-with-warning, never fatal.
func (e *Engine) Run() (Report, error) {
	names, err := e.listGroups()
	if err != nil {
		return Report{}, errkind.Wrap(fmt.Errorf("align: list groups in %s: %w", e.ArchivePath, err), errkind.Storage)
	}

	report := Report{Mode: e.Mode}
	var valid []validStream

	for _, name := range names {
		reader, err := archive.OpenForRead(filepath.Join(e.ArchivePath, name))
		if err != nil {
			e.Log.Warn().Str("stream", name).Err(err).Msg("align: could not open group, skipping")
			report.Streams = append(report.Streams, StreamResult{Name: name, Skipped: true, SkipReason: "unreadable group"})
			continue
		}
		times, err := reader.ReadTime()
		if err != nil {
			e.Log.Warn().Str("stream", name).Err(err).Msg("align: could not read time array, skipping")
			report.Streams = append(report.Streams, StreamResult{Name: name, Skipped: true, SkipReason: "unreadable time array"})
			continue
		}

		reason := validationFailureReason(times)
		if reason != "" {
			e.Log.Warn().Str("stream", name).Str("reason", reason).Msg("align: stream failed validation, excluded from reference computation")
			report.Streams = append(report.Streams, StreamResult{Name: name, Skipped: true, SkipReason: reason})
			continue
		}

		regular := reader.NominalSrate() > 0
		valid = append(valid, validStream{name: name, reader: reader, time: times, regular: regular})
	}

	if len(valid) == 0 {
		return report, nil
	}

	referenceSet := referenceStreams(valid)
	t := referenceTime(e.Mode, referenceSet)
	wStart, wEnd := commonWindow(referenceSet)
	report.ReferenceTime = t

	for _, v := range valid {
		result := e.alignOneStream(v, t, wStart, wEnd, len(referenceSet) > 0)
		report.Streams = append(report.Streams, result)

		alignedTime := subtractOffset(v.time, t)
		if err := v.reader.WriteAlignedTime(alignedTime); err != nil {
			return report, errkind.Wrap(fmt.Errorf("align: write aligned_time for %s: %w", v.name, err), errkind.Storage)
		}
		attrs := archive.AlignmentAttrs{
			AlignmentOffset:     result.AlignmentOffset,
			TrimStartIndex:      result.TrimStartIndex,
			TrimEndIndex:        result.TrimEndIndex,
			OriginalSampleCount: result.OriginalSampleCount,
			AlignedSampleCount:  result.AlignedSampleCount,
		}
		if err := v.reader.WriteAlignment(attrs); err != nil {
			return report, errkind.Wrap(fmt.Errorf("align: write alignment attrs for %s: %w", v.name, err), errkind.Storage)
		}
	}

	return report, nil
}

// listGroups returns the stream group directory names under the archive
// root, in sorted order, respecting StreamFilter if set.
func (e *Engine) listGroups() ([]string, error) {
	entries, err := os.ReadDir(e.ArchivePath)
	if err != nil {
		return nil, err
	}
	filter := make(map[string]bool, len(e.StreamFilter))
	for _, f := range e.StreamFilter {
		filter[f] = true
	}

	var names []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		name := entry.Name()
		if name == ".lock" {
			continue
		}
		if len(filter) > 0 && !filter[name] {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// validationFailureReason implements spec.md §4.5's stream validation
// rules, applied uniformly to regular and irregular streams.
func validationFailureReason(times []float64) string {
	if len(times) == 0 {
		return "empty time array"
	}
	allIdentical := true
	for _, t := range times {
		if t != times[0] {
			allIdentical = false
			break
		}
	}
	if allIdentical {
		return "all timestamps identical"
	}
	for _, t := range times {
		if t < timeSentinelFloor {
			return "timestamp below sentinel floor (uninitialized bus time)"
		}
	}
	return ""
}

// referenceStreams picks R: the valid regular streams, or every valid
// stream if none are regular -- spec.md §4.5's literal fallback for an
// all-irregular archive (the Open Question resolved in DESIGN.md).
func referenceStreams(valid []validStream) []validStream {
	var regular []validStream
	for _, v := range valid {
		if v.regular {
			regular = append(regular, v)
		}
	}
	if len(regular) > 0 {
		return regular
	}
	return valid
}

func start(v validStream) float64 { return v.time[0] }
func end(v validStream) float64   { return v.time[len(v.time)-1] }

// referenceTime computes T per the mode table in spec.md §4.5.
func referenceTime(mode config.AlignMode, reference []validStream) float64 {
	if mode == config.AbsoluteZero || len(reference) == 0 {
		return 0.0
	}
	switch mode {
	case config.FirstStream:
		t := start(reference[0])
		for _, v := range reference[1:] {
			if s := start(v); s < t {
				t = s
			}
		}
		return t
	default: // CommonStart, LastStream -- identical per spec.md's table
		t := start(reference[0])
		for _, v := range reference[1:] {
			if s := start(v); s > t {
				t = s
			}
		}
		return t
	}
}

// commonWindow computes W_start/W_end over the reference set, per
// spec.md §4.5.
func commonWindow(reference []validStream) (wStart, wEnd float64) {
	if len(reference) == 0 {
		return 0, 0
	}
	wStart, wEnd = start(reference[0]), end(reference[0])
	for _, v := range reference[1:] {
		if s := start(v); s > wStart {
			wStart = s
		}
		if en := end(v); en < wEnd {
			wEnd = en
		}
	}
	return wStart, wEnd
}

func (e *Engine) alignOneStream(v validStream, t, wStart, wEnd float64, haveWindow bool) StreamResult {
	result := StreamResult{
		Name:                v.name,
		Regular:             v.regular,
		AlignmentOffset:     start(v) - t,
		OriginalSampleCount: len(v.time),
		TrimStartIndex:      0,
		TrimEndIndex:        len(v.time),
	}

	if haveWindow {
		if e.Trim.TrimStart {
			result.TrimStartIndex = firstIndexAtOrAfter(v.time, wStart)
		}
		if e.Trim.TrimEnd {
			result.TrimEndIndex = lastIndexAtOrBeforeExclusive(v.time, wEnd)
		}
		if !v.regular {
			coverage := EventCoverage{}
			for _, ts := range v.time {
				switch {
				case ts < wStart:
					coverage.Before++
				case ts > wEnd:
					coverage.After++
				default:
					coverage.Within++
				}
			}
			result.EventCoverage = &coverage
		}
	}

	result.AlignedSampleCount = result.TrimEndIndex - result.TrimStartIndex
	return result
}

// subtractOffset computes time - t elementwise via a gonum vector, the same
// mat.Dense/mat.VecDense idiom the teacher uses for projector/basis algebra
// in ConfigureProjectorsBases, generalized here from channel projection
// matrices to one per-stream offset subtraction.
func subtractOffset(times []float64, t float64) []float64 {
	if len(times) == 0 {
		return nil
	}
	v := mat.NewVecDense(len(times), append([]float64(nil), times...))
	offset := mat.NewVecDense(len(times), nil)
	for i := 0; i < len(times); i++ {
		offset.SetVec(i, t)
	}
	var aligned mat.VecDense
	aligned.SubVec(v, offset)
	out := make([]float64, len(times))
	for i := range out {
		out[i] = aligned.AtVec(i)
	}
	return out
}

// firstIndexAtOrAfter returns the smallest i with times[i] >= bound.
func firstIndexAtOrAfter(times []float64, bound float64) int {
	for i, t := range times {
		if t >= bound {
			return i
		}
	}
	return len(times)
}

// lastIndexAtOrBeforeExclusive returns one past the largest i with
// times[i] <= bound, so that times[trimStart:trimEnd] is exactly the
// in-window slice.
func lastIndexAtOrBeforeExclusive(times []float64, bound float64) int {
	for i := len(times) - 1; i >= 0; i-- {
		if times[i] <= bound {
			return i + 1
		}
	}
	return 0
}
