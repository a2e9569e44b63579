// Package archive implements the on-disk stream archive: chunked,
// compressed data/time arrays per stream group, with concurrency-safe
// group creation and non-destructive alignment augmentation. It is
// grounded on the teacher's off package (CreateFile/WriteHeader/
// WriteRecord/Flush/Close around a single growing binary file) and its
// DataPublisher fan-out pattern, generalized from one fixed record layout
// to the spec's typed, chunked, compressed arrays.
package archive

import (
	"fmt"
	"sync"

	"github.com/biostream/lsl-recorder/internal/lsl"
)

const (
	// DataChunkSamples is the fixed chunk size along the sample axis for
	// the `data` array, per spec.md §4.1.
	DataChunkSamples = 100
	// TimeChunkSamples is the fixed chunk size for the `time` array.
	TimeChunkSamples = 1000
)

// Handle is an open stream group, owned exclusively by one Acquisition
// Loop for its lifetime -- spec.md §3's "mutated only by its owning
// Acquisition Loop". It bundles the data and time chunked arrays plus the
// group's attributes.
type Handle struct {
	mu sync.Mutex

	archivePath string
	streamName  string
	groupDir    string
	descriptor  lsl.StreamDescriptor

	data *chunkedArray
	time *chunkedArray

	firstTimestamp *float64
	lastTimestamp  *float64

	closed bool
}

// OpenOrCreate implements spec.md §4.1's open_or_create: it creates the
// archive root if absent, lazily creates the named group (guarded by the
// advisory file lock in group.go), and returns a Handle ready for append.
// Reopening an existing group (e.g. after a restart) picks up wherever the
// on-disk chunk/tail state left off.
func OpenOrCreate(archivePath, streamName string, descriptor lsl.StreamDescriptor) (*Handle, error) {
	groupDir, created, err := createGroupLocked(archivePath, streamName)
	if err != nil {
		return nil, fmt.Errorf("archive: open_or_create %s/%s: %w", archivePath, streamName, err)
	}

	data, err := newChunkedArray(groupDir+"/data", descriptor.ChannelCount, descriptor.ChannelFormat, DataChunkSamples)
	if err != nil {
		return nil, err
	}
	timeArr, err := newChunkedArray(groupDir+"/time", 1, lsl.Float64, TimeChunkSamples)
	if err != nil {
		return nil, err
	}

	h := &Handle{
		archivePath: archivePath,
		streamName:  streamName,
		groupDir:    groupDir,
		descriptor:  descriptor,
		data:        data,
		time:        timeArr,
	}

	if created {
		attrs := groupAttrs{StreamInfo: toStreamDescriptorJSON(descriptor)}
		if err := saveAttrs(groupDir, attrs); err != nil {
			return nil, err
		}
	} else {
		attrs, err := loadAttrs(groupDir)
		if err != nil {
			return nil, err
		}
		h.firstTimestamp = attrs.FirstTimestamp
		h.lastTimestamp = attrs.LastTimestamp
	}
	return h, nil
}

// Append implements spec.md §4.1's append: n new samples with timestamps
// and channel-major values, maintaining running first/last timestamp.
// Time is appended after data, so a reader crashing mid-flush sees either
// the old consistent pair or -- at worst -- data with no matching new
// time tail, never a time tail with no matching data (the ordering
// guarantee spec.md §4.1's Failure semantics calls for).
func (h *Handle) Append(timestamps []float64, values [][]float64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return fmt.Errorf("archive: append on closed handle for stream %s", h.streamName)
	}
	n := len(timestamps)
	if n == 0 {
		return nil
	}
	for _, col := range values {
		if len(col) != n {
			return fmt.Errorf("archive: append: timestamps has %d samples, values column has %d", n, len(col))
		}
	}

	if err := h.data.appendNumeric(values); err != nil {
		return fmt.Errorf("archive: append data: %w", err)
	}
	if err := h.time.appendNumeric([][]float64{timestamps}); err != nil {
		return fmt.Errorf("archive: append time: %w", err)
	}

	first := timestamps[0]
	last := timestamps[n-1]
	if h.firstTimestamp == nil {
		h.firstTimestamp = &first
	}
	h.lastTimestamp = &last
	return nil
}

// AppendStrings is the String-channel-format analogue of Append.
func (h *Handle) AppendStrings(timestamps []float64, values [][]string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return fmt.Errorf("archive: append on closed handle for stream %s", h.streamName)
	}
	n := len(timestamps)
	if n == 0 {
		return nil
	}
	if err := h.data.appendStrings(values); err != nil {
		return fmt.Errorf("archive: append string data: %w", err)
	}
	if err := h.time.appendNumeric([][]float64{timestamps}); err != nil {
		return fmt.Errorf("archive: append time: %w", err)
	}
	first := timestamps[0]
	last := timestamps[n-1]
	if h.firstTimestamp == nil {
		h.firstTimestamp = &first
	}
	h.lastTimestamp = &last
	return nil
}

// Flush implements spec.md §4.1's flush: forces pending chunks to disk.
func (h *Handle) Flush() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.flushLocked()
}

func (h *Handle) flushLocked() error {
	if err := h.data.flush(); err != nil {
		return fmt.Errorf("archive: flush data: %w", err)
	}
	if err := h.time.flush(); err != nil {
		return fmt.Errorf("archive: flush time: %w", err)
	}
	return nil
}

// Finalize implements spec.md §4.1's finalize: writes closing attributes
// and releases the handle. Safe to call at most once; call it from every
// exit path of the owning Acquisition Loop (clean stop, QUIT, or a
// deferred recovery from panic), per spec.md §9's scoped-handle guidance.
func (h *Handle) Finalize(cfg RecorderConfigAttrs) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	if err := h.flushLocked(); err != nil {
		return err
	}

	attrs, err := loadAttrs(h.groupDir)
	if err != nil {
		return err
	}
	attrs.StreamInfo = toStreamDescriptorJSON(h.descriptor)
	attrs.RecorderConfig = &cfg
	attrs.FirstTimestamp = h.firstTimestamp
	attrs.LastTimestamp = h.lastTimestamp
	if err := saveAttrs(h.groupDir, attrs); err != nil {
		return fmt.Errorf("archive: finalize: %w", err)
	}
	h.closed = true
	return nil
}

// Close releases the handle without writing recorder_config, for abnormal
// exit paths that still want pending data flushed (e.g. a transport error
// that aborts before a clean Stopping phase). Finalize should be preferred
// whenever recorder_config is available.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	err := h.flushLocked()
	h.closed = true
	return err
}

// SampleCount returns the number of samples appended so far (sealed +
// buffered tail), for status reporting.
func (h *Handle) SampleCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.time.sealedSamples() + h.time.tailLen()
}

// GroupDir returns the on-disk path of this stream's group, for tests and
// other callers that need to locate it.
func (h *Handle) GroupDir() string { return h.groupDir }
