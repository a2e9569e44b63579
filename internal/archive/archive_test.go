package archive

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/biostream/lsl-recorder/internal/lsl"
)

func testDescriptor(channelCount int, format lsl.ChannelFormat, srate float64) lsl.StreamDescriptor {
	return lsl.StreamDescriptor{
		SourceID:      "src-1",
		Name:          "EEG",
		Type:          "EEG",
		ChannelCount:  channelCount,
		ChannelFormat: format,
		NominalSrate:  srate,
		Hostname:      "test-host",
	}
}

func TestAppendAndReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	h, err := OpenOrCreate(dir, "eeg", testDescriptor(2, lsl.Float32, 256))
	if err != nil {
		t.Fatal(err)
	}

	const n = 250
	timestamps := make([]float64, n)
	values := [][]float64{make([]float64, n), make([]float64, n)}
	for i := 0; i < n; i++ {
		timestamps[i] = float64(i) * 0.01
		values[0][i] = float64(i)
		values[1][i] = float64(i) * 2
	}
	if err := h.Append(timestamps, values); err != nil {
		t.Fatal(err)
	}
	if err := h.Finalize(RecorderConfigAttrs{FlushIntervalSeconds: 1.0, LibraryVersion: "test"}); err != nil {
		t.Fatal(err)
	}
	if h.SampleCount() != n {
		t.Errorf("SampleCount = %d, want %d", h.SampleCount(), n)
	}

	r, err := OpenForRead(h.GroupDir())
	if err != nil {
		t.Fatal(err)
	}
	gotTime, err := r.ReadTime()
	if err != nil {
		t.Fatal(err)
	}
	if len(gotTime) != n {
		t.Fatalf("read back %d timestamps, want %d", len(gotTime), n)
	}
	for i := range timestamps {
		if gotTime[i] != timestamps[i] {
			t.Fatalf("timestamp[%d] = %v, want %v", i, gotTime[i], timestamps[i])
		}
	}

	gotData, err := r.ReadData()
	if err != nil {
		t.Fatal(err)
	}
	if len(gotData) != 2 {
		t.Fatalf("read back %d channels, want 2", len(gotData))
	}
	for c := range values {
		for i := range values[c] {
			// float32 round trip loses precision beyond ~7 significant digits.
			if diff := gotData[c][i] - values[c][i]; diff > 1e-3 || diff < -1e-3 {
				t.Fatalf("data[%d][%d] = %v, want %v", c, i, gotData[c][i], values[c][i])
			}
		}
	}
}

func TestAppendStringsRoundTrip(t *testing.T) {
	dir := t.TempDir()
	h, err := OpenOrCreate(dir, "markers", testDescriptor(1, lsl.String, 0))
	if err != nil {
		t.Fatal(err)
	}
	timestamps := []float64{1.0, 2.5, 9.25}
	values := [][]string{{"a", "b", "c"}}
	if err := h.AppendStrings(timestamps, values); err != nil {
		t.Fatal(err)
	}
	if err := h.Close(); err != nil {
		t.Fatal(err)
	}

	r, err := OpenForRead(h.GroupDir())
	if err != nil {
		t.Fatal(err)
	}
	got, err := r.ReadDataStrings()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || len(got[0]) != 3 {
		t.Fatalf("read back %v, want 1x3", got)
	}
	for i, want := range values[0] {
		if got[0][i] != want {
			t.Errorf("string[%d] = %q, want %q", i, got[0][i], want)
		}
	}
}

func TestAppendAcrossChunkBoundary(t *testing.T) {
	dir := t.TempDir()
	h, err := OpenOrCreate(dir, "eeg", testDescriptor(1, lsl.Int16, 100))
	if err != nil {
		t.Fatal(err)
	}

	// DataChunkSamples is 100; push across two full chunks plus a tail.
	total := DataChunkSamples*2 + 17
	timestamps := make([]float64, total)
	values := [][]float64{make([]float64, total)}
	for i := 0; i < total; i++ {
		timestamps[i] = float64(i)
		values[0][i] = float64(i % 2000)
	}
	if err := h.Append(timestamps, values); err != nil {
		t.Fatal(err)
	}
	if err := h.Flush(); err != nil {
		t.Fatal(err)
	}

	entries, err := os.ReadDir(filepath.Join(h.GroupDir(), "data"))
	if err != nil {
		t.Fatal(err)
	}
	chunkFiles := 0
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".bin" && e.Name() != "tail.bin" {
			chunkFiles++
		}
	}
	if chunkFiles != 2 {
		t.Errorf("sealed chunk files = %d, want 2", chunkFiles)
	}

	r, err := OpenForRead(h.GroupDir())
	if err != nil {
		t.Fatal(err)
	}
	gotData, err := r.ReadData()
	if err != nil {
		t.Fatal(err)
	}
	if len(gotData[0]) != total {
		t.Fatalf("read back %d samples, want %d", len(gotData[0]), total)
	}
	for i := range values[0] {
		if gotData[0][i] != values[0][i] {
			t.Fatalf("data[0][%d] = %v, want %v", i, gotData[0][i], values[0][i])
		}
	}
}

func TestOpenOrCreateIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	h1, err := OpenOrCreate(dir, "eeg", testDescriptor(1, lsl.Float32, 1))
	if err != nil {
		t.Fatal(err)
	}
	if err := h1.Append([]float64{0.0}, [][]float64{{1.0}}); err != nil {
		t.Fatal(err)
	}
	if err := h1.Finalize(RecorderConfigAttrs{LibraryVersion: "test"}); err != nil {
		t.Fatal(err)
	}

	h2, err := OpenOrCreate(dir, "eeg", testDescriptor(1, lsl.Float32, 1))
	if err != nil {
		t.Fatal(err)
	}
	if h2.GroupDir() != h1.GroupDir() {
		t.Errorf("reopened group dir = %s, want %s", h2.GroupDir(), h1.GroupDir())
	}
}

// TestConcurrentGroupCreation exercises the advisory-lock path in group.go:
// many goroutines racing to create the same group must all succeed, agree
// on the group directory, and report exactly one creator.
func TestConcurrentGroupCreation(t *testing.T) {
	dir := t.TempDir()
	const workers = 8

	var wg sync.WaitGroup
	dirs := make([]string, workers)
	created := make([]bool, workers)
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			groupDir, c, err := createGroupLocked(dir, "shared")
			dirs[i] = groupDir
			created[i] = c
			errs[i] = err
		}(i)
	}
	wg.Wait()

	creators := 0
	for _, c := range created {
		if c {
			creators++
		}
	}
	if creators != 1 {
		t.Errorf("creators = %d, want exactly 1", creators)
	}

	for i, err := range errs {
		if err != nil {
			t.Fatalf("worker %d: %v", i, err)
		}
		if dirs[i] != dirs[0] {
			t.Errorf("worker %d got group dir %s, want %s", i, dirs[i], dirs[0])
		}
	}
}

func TestAppendMismatchedColumnLength(t *testing.T) {
	dir := t.TempDir()
	h, err := OpenOrCreate(dir, "eeg", testDescriptor(2, lsl.Float32, 10))
	if err != nil {
		t.Fatal(err)
	}
	err = h.Append([]float64{0, 1, 2}, [][]float64{{0, 1, 2}, {0, 1}})
	if err == nil {
		t.Error("expected error for mismatched column length")
	}
}

func TestWriteAlignmentDoesNotTouchData(t *testing.T) {
	dir := t.TempDir()
	h, err := OpenOrCreate(dir, "eeg", testDescriptor(1, lsl.Float64, 4))
	if err != nil {
		t.Fatal(err)
	}
	if err := h.Append([]float64{0, 0.25, 0.5, 0.75}, [][]float64{{1, 2, 3, 4}}); err != nil {
		t.Fatal(err)
	}
	if err := h.Finalize(RecorderConfigAttrs{LibraryVersion: "test"}); err != nil {
		t.Fatal(err)
	}

	r, err := OpenForRead(h.GroupDir())
	if err != nil {
		t.Fatal(err)
	}
	before, err := r.ReadData()
	if err != nil {
		t.Fatal(err)
	}
	if err := r.WriteAlignment(AlignmentAttrs{AlignmentOffset: 0.1, TrimStartIndex: 1, TrimEndIndex: 3, OriginalSampleCount: 4, AlignedSampleCount: 2}); err != nil {
		t.Fatal(err)
	}
	after, err := r.ReadData()
	if err != nil {
		t.Fatal(err)
	}
	if len(before[0]) != len(after[0]) {
		t.Fatalf("data length changed after WriteAlignment: %d -> %d", len(before[0]), len(after[0]))
	}
	for i := range before[0] {
		if before[0][i] != after[0][i] {
			t.Errorf("data[%d] changed after WriteAlignment: %v -> %v", i, before[0][i], after[0][i])
		}
	}
}
