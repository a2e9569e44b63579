package archive

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
)

// arrayMeta is the on-disk sidecar describing one chunked array: enough to
// reopen it for append or for read-only access by the alignment engine.
type arrayMeta struct {
	ChannelCount int           `json:"channel_count"` // 1 for the time array
	Format       ChannelFormat `json:"channel_format"`
	ChunkSize    int           `json:"chunk_size"`
	SealedChunks int           `json:"sealed_chunks"`
	SampleCount  int           `json:"sample_count"` // sealed + tail
}

// chunkedArray is one array (either data or time) of one stream group: a
// directory of sealed, compressed, fixed-size chunks plus a small tail file
// holding whatever hasn't yet reached chunkSize samples. Chunking at a
// fixed size along the sample axis -- small for data (100), larger for
// timestamps (1000) -- is the amortization tradeoff spec.md §4.1 describes:
// small enough that end-of-recording tails are cheap to flush, large
// enough to amortize compression.
//
// Each array owns its own chunk files, so two stream groups (or, within a
// group, data vs. time) never share a lock on the sample-write path -- only
// group creation is lock-protected (see group.go).
type chunkedArray struct {
	dir   string
	codec codec
	meta  arrayMeta
	tail  [][]float64 // channel-major: tail[channel][sampleOffset]
	tailS [][]string  // used only when meta.Format == FormatString
}

// sealedSamples returns the number of samples held in sealed chunks,
// excluding the tail buffer. Every sealed chunk holds exactly ChunkSize
// samples (sealOneChunk never seals a partial chunk), so this is exact.
func (a *chunkedArray) sealedSamples() int {
	return a.meta.SealedChunks * a.meta.ChunkSize
}

func newChunkedArray(dir string, channelCount int, format ChannelFormat, chunkSize int) (*chunkedArray, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("archive: mkdir %s: %w", dir, err)
	}
	a := &chunkedArray{
		dir:   dir,
		codec: newCodec(format),
		meta:  arrayMeta{ChannelCount: channelCount, Format: format, ChunkSize: chunkSize},
	}
	a.resetTail()
	if err := a.loadMetaIfPresent(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *chunkedArray) resetTail() {
	a.tail = make([][]float64, a.meta.ChannelCount)
	a.tailS = make([][]string, a.meta.ChannelCount)
}

func (a *chunkedArray) metaPath() string { return filepath.Join(a.dir, "meta.json") }
func (a *chunkedArray) tailPath() string { return filepath.Join(a.dir, "tail.bin") }
func (a *chunkedArray) chunkPath(i int) string {
	return filepath.Join(a.dir, fmt.Sprintf("chunk-%08d.bin", i))
}

func (a *chunkedArray) loadMetaIfPresent() error {
	b, err := os.ReadFile(a.metaPath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("archive: read %s: %w", a.metaPath(), err)
	}
	var m arrayMeta
	if err := json.Unmarshal(b, &m); err != nil {
		return fmt.Errorf("archive: unmarshal %s: %w", a.metaPath(), err)
	}
	a.meta.SealedChunks = m.SealedChunks
	a.meta.SampleCount = m.SampleCount
	// Reload the flushed tail so the next flush appends to it.
	sealed := a.sealedSamples()
	if a.meta.SampleCount > sealed {
		values, strs, err := a.readAll()
		if err != nil {
			return err
		}
		for c := 0; c < a.meta.ChannelCount; c++ {
			if a.meta.Format == FormatString {
				a.tailS[c] = append([]string(nil), strs[c][sealed:]...)
			} else {
				a.tail[c] = append([]float64(nil), values[c][sealed:]...)
			}
		}
	}
	return nil
}

func (a *chunkedArray) saveMeta() error {
	b, err := json.Marshal(a.meta)
	if err != nil {
		return fmt.Errorf("archive: marshal meta: %w", err)
	}
	return atomicWriteFile(a.metaPath(), b)
}

// appendNumeric appends n new samples across ChannelCount channels. values
// must have len(values) == ChannelCount, each of length n.
func (a *chunkedArray) appendNumeric(values [][]float64) error {
	if len(values) != a.meta.ChannelCount {
		return fmt.Errorf("archive: appendNumeric: got %d channels, want %d", len(values), a.meta.ChannelCount)
	}
	for c, col := range values {
		a.tail[c] = append(a.tail[c], col...)
	}
	return a.sealFullChunks()
}

// appendStrings is the String-format analogue of appendNumeric.
func (a *chunkedArray) appendStrings(values [][]string) error {
	if len(values) != a.meta.ChannelCount {
		return fmt.Errorf("archive: appendStrings: got %d channels, want %d", len(values), a.meta.ChannelCount)
	}
	for c, col := range values {
		a.tailS[c] = append(a.tailS[c], col...)
	}
	return a.sealFullChunks()
}

func (a *chunkedArray) tailLen() int {
	if a.meta.Format == FormatString {
		if len(a.tailS) == 0 {
			return 0
		}
		return len(a.tailS[0])
	}
	if len(a.tail) == 0 {
		return 0
	}
	return len(a.tail[0])
}

// sealFullChunks writes out every full chunkSize-sample block currently
// sitting in the tail buffer, leaving only the remainder (< chunkSize
// samples) buffered.
func (a *chunkedArray) sealFullChunks() error {
	for a.tailLen() >= a.meta.ChunkSize {
		if err := a.sealOneChunk(a.meta.ChunkSize); err != nil {
			return err
		}
	}
	return nil
}

func (a *chunkedArray) sealOneChunk(n int) error {
	raw, err := a.encodeRows(n)
	if err != nil {
		return err
	}
	compressed, err := a.codec.encode(raw)
	if err != nil {
		return fmt.Errorf("archive: encode chunk: %w", err)
	}
	if err := atomicWriteFile(a.chunkPath(a.meta.SealedChunks), compressed); err != nil {
		return err
	}
	a.dropFront(n)
	a.meta.SealedChunks++
	return nil
}

// encodeRows serializes the first n tail samples of every channel,
// channel-major, into raw bytes ready for the codec.
func (a *chunkedArray) encodeRows(n int) ([]byte, error) {
	if a.meta.Format == FormatString {
		rows := make([][]string, a.meta.ChannelCount)
		for c := range rows {
			rows[c] = append([]string(nil), a.tailS[c][:n]...)
		}
		b, err := json.Marshal(rows)
		if err != nil {
			return nil, fmt.Errorf("archive: marshal string chunk: %w", err)
		}
		return b, nil
	}

	elemSize := typeSizeFor(a.meta.Format)
	buf := make([]byte, 0, elemSize*n*a.meta.ChannelCount)
	for c := 0; c < a.meta.ChannelCount; c++ {
		for i := 0; i < n; i++ {
			buf = appendScalar(buf, a.meta.Format, a.tail[c][i])
		}
	}
	return buf, nil
}

func (a *chunkedArray) dropFront(n int) {
	if a.meta.Format == FormatString {
		for c := range a.tailS {
			a.tailS[c] = append([]string(nil), a.tailS[c][n:]...)
		}
		return
	}
	for c := range a.tail {
		a.tail[c] = append([]float64(nil), a.tail[c][n:]...)
	}
}

// flush writes the current (partial) tail buffer to tail.bin and the
// sidecar metadata, without sealing it into a full chunk. Safe to call
// repeatedly; each call overwrites the previous tail file atomically.
func (a *chunkedArray) flush() error {
	n := a.tailLen()
	a.meta.SampleCount = a.sealedSamples() + n
	if n == 0 {
		if err := os.Remove(a.tailPath()); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("archive: remove stale tail: %w", err)
		}
		return a.saveMeta()
	}
	raw, err := a.encodeRows(n)
	if err != nil {
		return err
	}
	compressed, err := a.codec.encode(raw)
	if err != nil {
		return fmt.Errorf("archive: encode tail: %w", err)
	}
	if err := atomicWriteFile(a.tailPath(), compressed); err != nil {
		return err
	}
	return a.saveMeta()
}

func appendScalar(buf []byte, format ChannelFormat, v float64) []byte {
	switch format {
	case FormatFloat64:
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], math.Float64bits(v))
		return append(buf, b[:]...)
	case FormatFloat32:
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], math.Float32bits(float32(v)))
		return append(buf, b[:]...)
	case FormatInt32:
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], uint32(int32(v)))
		return append(buf, b[:]...)
	case FormatInt16:
		var b [2]byte
		binary.LittleEndian.PutUint16(b[:], uint16(int16(v)))
		return append(buf, b[:]...)
	case FormatInt8:
		return append(buf, byte(int8(v)))
	default:
		return buf
	}
}

// readAll reconstructs the full array (sealed chunks followed by the tail)
// channel-major. Only the numeric return is populated for non-string
// formats, and vice versa. Used by the alignment engine (time arrays) and
// by tests verifying round-trip fidelity.
func (a *chunkedArray) readAll() (values [][]float64, strs [][]string, err error) {
	if a.meta.Format == FormatString {
		strs = make([][]string, a.meta.ChannelCount)
	} else {
		values = make([][]float64, a.meta.ChannelCount)
	}

	appendChunk := func(raw []byte, n int) error {
		if a.meta.Format == FormatString {
			var rows [][]string
			if err := json.Unmarshal(raw, &rows); err != nil {
				return fmt.Errorf("archive: unmarshal string chunk: %w", err)
			}
			for c := range strs {
				strs[c] = append(strs[c], rows[c]...)
			}
			return nil
		}
		elemSize := typeSizeFor(a.meta.Format)
		off := 0
		for c := 0; c < a.meta.ChannelCount; c++ {
			col := make([]float64, n)
			for i := 0; i < n; i++ {
				col[i] = decodeScalar(raw[off:off+elemSize], a.meta.Format)
				off += elemSize
			}
			values[c] = append(values[c], col...)
		}
		return nil
	}

	for i := 0; i < a.meta.SealedChunks; i++ {
		compressed, err := os.ReadFile(a.chunkPath(i))
		if err != nil {
			return nil, nil, fmt.Errorf("archive: read %s: %w", a.chunkPath(i), err)
		}
		raw, err := a.codec.decode(compressed, a.meta.ChunkSize*a.meta.ChannelCount)
		if err != nil {
			return nil, nil, err
		}
		if err := appendChunk(raw, a.meta.ChunkSize); err != nil {
			return nil, nil, err
		}
	}

	tailN := a.meta.SampleCount - a.sealedSamples()
	if tailN > 0 {
		compressed, err := os.ReadFile(a.tailPath())
		if err != nil {
			return nil, nil, fmt.Errorf("archive: read %s: %w", a.tailPath(), err)
		}
		raw, err := a.codec.decode(compressed, tailN*a.meta.ChannelCount)
		if err != nil {
			return nil, nil, err
		}
		if err := appendChunk(raw, tailN); err != nil {
			return nil, nil, err
		}
	}
	return values, strs, nil
}

func decodeScalar(b []byte, format ChannelFormat) float64 {
	switch format {
	case FormatFloat64:
		return math.Float64frombits(binary.LittleEndian.Uint64(b))
	case FormatFloat32:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))
	case FormatInt32:
		return float64(int32(binary.LittleEndian.Uint32(b)))
	case FormatInt16:
		return float64(int16(binary.LittleEndian.Uint16(b)))
	case FormatInt8:
		return float64(int8(b[0]))
	default:
		return 0
	}
}

// atomicWriteFile writes data to a temp file in the same directory as path
// and renames it into place, so a reader never observes a partially
// written chunk -- the atomic-chunk-write guarantee spec.md §4.1 leans on.
func atomicWriteFile(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("archive: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("archive: rename %s -> %s: %w", tmp, path, err)
	}
	return nil
}
