package align

import (
	"testing"

	"github.com/rs/zerolog"

	"github.com/biostream/lsl-recorder/internal/archive"
	"github.com/biostream/lsl-recorder/internal/config"
	"github.com/biostream/lsl-recorder/internal/lsl"
)

func regularDesc(sourceID string, srate float64, channels int) lsl.StreamDescriptor {
	return lsl.StreamDescriptor{
		SourceID:      sourceID,
		Name:          sourceID,
		Type:          "EMG",
		ChannelCount:  channels,
		ChannelFormat: lsl.Float32,
		NominalSrate:  srate,
	}
}

func markerDesc(sourceID string) lsl.StreamDescriptor {
	return lsl.StreamDescriptor{
		SourceID:      sourceID,
		Name:          sourceID,
		Type:          "Markers",
		ChannelCount:  1,
		ChannelFormat: lsl.String,
		NominalSrate:  0,
	}
}

func writeGroup(t *testing.T, archivePath, name string, d lsl.StreamDescriptor, times []float64) {
	t.Helper()
	h, err := archive.OpenOrCreate(archivePath, name, d)
	if err != nil {
		t.Fatal(err)
	}
	if d.ChannelFormat == lsl.String {
		values := make([][]string, d.ChannelCount)
		for c := range values {
			values[c] = make([]string, len(times))
			for i := range values[c] {
				values[c][i] = "event"
			}
		}
		if err := h.AppendStrings(times, values); err != nil {
			t.Fatal(err)
		}
	} else {
		values := make([][]float64, d.ChannelCount)
		for c := range values {
			values[c] = make([]float64, len(times))
			for i := range values[c] {
				values[c][i] = float64(c)
			}
		}
		if err := h.Append(times, values); err != nil {
			t.Fatal(err)
		}
	}
	if err := h.Finalize(archive.RecorderConfigAttrs{}); err != nil {
		t.Fatal(err)
	}
}

// TestMixedRegularIrregularTrimBoth exercises spec.md §8 scenario S3: two
// regular streams with staggered starts/ends, one irregular marker stream
// spanning a wider range. With --trim-both, the common window must be
// determined from the regular streams only, and the marker stream must
// retain every sample (irregular streams are never themselves trimmed out
// of existence) while still reporting correct trim indices and event
// coverage relative to that window.
func TestMixedRegularIrregularTrimBoth(t *testing.T) {
	dir := t.TempDir()

	// EMG_001: samples at t = 10.0 .. 10.4 (5 samples, step 0.1)
	writeGroup(t, dir, "EMG_001", regularDesc("EMG_001", 10, 2), []float64{10.0, 10.1, 10.2, 10.3, 10.4})
	// EEG_001: samples at t = 10.2 .. 10.6 (5 samples, step 0.1) -- later start, later end
	writeGroup(t, dir, "EEG_001", regularDesc("EEG_001", 10, 2), []float64{10.2, 10.3, 10.4, 10.5, 10.6})
	// Markers: events spread well outside the regular streams' window
	writeGroup(t, dir, "Markers", markerDesc("Markers"), []float64{9.0, 10.25, 10.3, 10.45, 11.0})

	e := &Engine{
		ArchivePath: dir,
		Mode:        config.CommonStart,
		Trim:        config.TrimPolicy{TrimStart: true, TrimEnd: true},
		Log:         zerolog.Nop(),
	}
	report, err := e.Run()
	if err != nil {
		t.Fatal(err)
	}

	// Common window over the regular set R={EMG_001, EEG_001}:
	// W_start = max(10.0, 10.2) = 10.2, W_end = min(10.4, 10.6) = 10.4.
	// CommonStart/LastStream reference time T = max(starts) = 10.2.
	if report.ReferenceTime != 10.2 {
		t.Errorf("reference time = %v, want 10.2", report.ReferenceTime)
	}

	byName := make(map[string]StreamResult, len(report.Streams))
	for _, s := range report.Streams {
		byName[s.Name] = s
	}

	emg := byName["EMG_001"]
	if emg.Skipped {
		t.Fatalf("EMG_001 unexpectedly skipped: %s", emg.SkipReason)
	}
	if !emg.Regular {
		t.Error("EMG_001 should classify as regular")
	}
	// EMG_001 times: 10.0,10.1,10.2,10.3,10.4 -- window [10.2,10.4] -> indices 2..4 inclusive -> [2,5)
	if emg.TrimStartIndex != 2 || emg.TrimEndIndex != 5 {
		t.Errorf("EMG_001 trim = [%d,%d), want [2,5)", emg.TrimStartIndex, emg.TrimEndIndex)
	}
	if emg.AlignedSampleCount != 3 {
		t.Errorf("EMG_001 aligned sample count = %d, want 3", emg.AlignedSampleCount)
	}

	eeg := byName["EEG_001"]
	// EEG_001 times: 10.2,10.3,10.4,10.5,10.6 -- window [10.2,10.4] -> indices 0..2 inclusive -> [0,3)
	if eeg.TrimStartIndex != 0 || eeg.TrimEndIndex != 3 {
		t.Errorf("EEG_001 trim = [%d,%d), want [0,3)", eeg.TrimStartIndex, eeg.TrimEndIndex)
	}

	markers := byName["Markers"]
	if markers.Skipped {
		t.Fatalf("Markers unexpectedly skipped: %s", markers.SkipReason)
	}
	if markers.Regular {
		t.Error("Markers should classify as irregular")
	}
	// Irregular streams are never trimmed away: all 5 events stay in the
	// archive, and the trim indices [1,3) mark the 2 events inside the window
	// (10.25, 10.3), so the aligned count is 3 - 1 = 2.
	if markers.TrimStartIndex != 1 || markers.TrimEndIndex != 3 {
		t.Errorf("Markers trim = [%d,%d), want [1,3)", markers.TrimStartIndex, markers.TrimEndIndex)
	}
	if markers.OriginalSampleCount != 5 || markers.AlignedSampleCount != 2 {
		t.Errorf("Markers sample counts = %d/%d, want 5/2", markers.OriginalSampleCount, markers.AlignedSampleCount)
	}
	if markers.EventCoverage == nil {
		t.Fatal("expected event coverage for irregular stream")
	}
	// Events: 9.0 (before), 10.25 (within), 10.3 (within), 10.45 (after), 11.0 (after)
	if markers.EventCoverage.Before != 1 || markers.EventCoverage.Within != 2 || markers.EventCoverage.After != 2 {
		t.Errorf("event coverage = %+v, want {Before:1 Within:2 After:2}", *markers.EventCoverage)
	}

	// Aligned time must have been written for every valid stream.
	r, err := archive.OpenForRead(dir + "/EMG_001")
	if err != nil {
		t.Fatal(err)
	}
	aligned, ok, err := r.ReadAlignedTime()
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected aligned_time to exist for EMG_001")
	}
	if len(aligned) != 5 || aligned[0] != 10.0-10.2 {
		t.Errorf("EMG_001 aligned_time = %v, want first element %v", aligned, 10.0-10.2)
	}
}

// TestAlignmentIsIdempotent exercises spec.md §8 scenario S4: running the
// engine twice against the same unmodified archive must produce byte-
// identical aligned_time and alignment attributes, since the write path
// derives entirely from the raw time array with no dependency on prior
// state, randomness, or wall-clock time.
func TestAlignmentIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	writeGroup(t, dir, "EMG_001", regularDesc("EMG_001", 100, 2), []float64{5.0, 5.01, 5.02, 5.03})

	e := &Engine{ArchivePath: dir, Mode: config.CommonStart, Log: zerolog.Nop()}

	report1, err := e.Run()
	if err != nil {
		t.Fatal(err)
	}
	r, err := archive.OpenForRead(dir + "/EMG_001")
	if err != nil {
		t.Fatal(err)
	}
	aligned1, _, err := r.ReadAlignedTime()
	if err != nil {
		t.Fatal(err)
	}

	report2, err := e.Run()
	if err != nil {
		t.Fatal(err)
	}
	r2, err := archive.OpenForRead(dir + "/EMG_001")
	if err != nil {
		t.Fatal(err)
	}
	aligned2, _, err := r2.ReadAlignedTime()
	if err != nil {
		t.Fatal(err)
	}

	if report1.ReferenceTime != report2.ReferenceTime {
		t.Errorf("reference time changed across runs: %v vs %v", report1.ReferenceTime, report2.ReferenceTime)
	}
	if len(aligned1) != len(aligned2) {
		t.Fatalf("aligned_time length changed: %d vs %d", len(aligned1), len(aligned2))
	}
	for i := range aligned1 {
		if aligned1[i] != aligned2[i] {
			t.Errorf("aligned_time[%d] changed across runs: %v vs %v", i, aligned1[i], aligned2[i])
		}
	}
	if len(report1.Streams) != len(report2.Streams) {
		t.Fatalf("stream result count changed: %d vs %d", len(report1.Streams), len(report2.Streams))
	}
	for i := range report1.Streams {
		if report1.Streams[i] != report2.Streams[i] {
			t.Errorf("stream result changed across runs: %+v vs %+v", report1.Streams[i], report2.Streams[i])
		}
	}
}

// TestValidationSkipExcludesFromReference exercises spec.md §8 scenario S5:
// a stream with all-identical (uninitialized) timestamps must be skipped
// with a warning, excluded entirely from reference-time and window
// computation, while the remaining valid streams align as if it were never
// there.
func TestValidationSkipExcludesFromReference(t *testing.T) {
	dir := t.TempDir()
	writeGroup(t, dir, "EMG_001", regularDesc("EMG_001", 10, 1), []float64{2.0, 2.1, 2.2})
	writeGroup(t, dir, "Broken", regularDesc("Broken", 10, 1), []float64{0.0, 0.0, 0.0})

	e := &Engine{ArchivePath: dir, Mode: config.CommonStart, Log: zerolog.Nop()}
	report, err := e.Run()
	if err != nil {
		t.Fatal(err)
	}

	var broken, emg *StreamResult
	for i := range report.Streams {
		switch report.Streams[i].Name {
		case "Broken":
			broken = &report.Streams[i]
		case "EMG_001":
			emg = &report.Streams[i]
		}
	}
	if broken == nil || !broken.Skipped {
		t.Fatal("expected Broken stream to be skipped")
	}
	if broken.SkipReason == "" {
		t.Error("expected a non-empty skip reason")
	}
	if emg == nil || emg.Skipped {
		t.Fatal("expected EMG_001 to align normally")
	}
	if report.ReferenceTime != 2.0 {
		t.Errorf("reference time = %v, want 2.0 (unaffected by the skipped stream)", report.ReferenceTime)
	}
}

func TestReferenceTimeModes(t *testing.T) {
	a := validStream{name: "a", time: []float64{1.0, 2.0}, regular: true}
	b := validStream{name: "b", time: []float64{3.0, 4.0}, regular: true}
	set := []validStream{a, b}

	if got := referenceTime(config.CommonStart, set); got != 3.0 {
		t.Errorf("common-start = %v, want 3.0 (max of starts)", got)
	}
	if got := referenceTime(config.LastStream, set); got != 3.0 {
		t.Errorf("last-stream = %v, want 3.0 (max of starts)", got)
	}
	if got := referenceTime(config.FirstStream, set); got != 1.0 {
		t.Errorf("first-stream = %v, want 1.0 (min of starts)", got)
	}
	if got := referenceTime(config.AbsoluteZero, set); got != 0.0 {
		t.Errorf("absolute-zero = %v, want 0.0", got)
	}
}

func TestAllIrregularFallsBackToAllValidStreams(t *testing.T) {
	dir := t.TempDir()
	writeGroup(t, dir, "Markers1", markerDesc("Markers1"), []float64{1.0, 2.0, 3.0})
	writeGroup(t, dir, "Markers2", markerDesc("Markers2"), []float64{1.5, 2.5})

	e := &Engine{ArchivePath: dir, Mode: config.CommonStart, Log: zerolog.Nop()}
	report, err := e.Run()
	if err != nil {
		t.Fatal(err)
	}
	// R falls back to all valid (irregular) streams, so T = max(starts) = 1.5.
	if report.ReferenceTime != 1.5 {
		t.Errorf("reference time = %v, want 1.5", report.ReferenceTime)
	}
	for _, s := range report.Streams {
		if s.Skipped {
			t.Fatalf("stream %s unexpectedly skipped: %s", s.Name, s.SkipReason)
		}
	}
}
