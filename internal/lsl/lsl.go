// Package lsl defines the seam between the recorder and the external Lab
// Streaming Layer bus. It is intentionally thin: resolve-by-source-id,
// an inlet with PullChunk/TimeCorrection, and the stream descriptor shape.
// The real liblsl cgo binding is an adapter left for deployment, the same
// way the teacher (dastard) splits DataSource into hardware (LanceroSource)
// and simulated (SimPulseSource, TriangleSource) implementations behind one
// interface.
package lsl

import (
	"encoding/xml"
	"fmt"
	"math"
	"os"
	"time"
)

// ChannelFormat enumerates the LSL wire types a stream's samples may use.
type ChannelFormat int

// Supported channel formats, per spec.md §3.
const (
	Float32 ChannelFormat = iota
	Float64
	Int32
	Int16
	Int8
	String
)

func (f ChannelFormat) String() string {
	switch f {
	case Float32:
		return "float32"
	case Float64:
		return "float64"
	case Int32:
		return "int32"
	case Int16:
		return "int16"
	case Int8:
		return "int8"
	case String:
		return "string"
	default:
		return "unknown"
	}
}

// ParseChannelFormat maps an LSL channel_format string onto ChannelFormat.
func ParseChannelFormat(s string) (ChannelFormat, error) {
	switch s {
	case "float32":
		return Float32, nil
	case "float64", "double64":
		return Float64, nil
	case "int32":
		return Int32, nil
	case "int16":
		return Int16, nil
	case "int8":
		return Int8, nil
	case "string":
		return String, nil
	}
	return 0, fmt.Errorf("lsl: unrecognized channel_format %q", s)
}

// DescriptionNode is a generic node of the opaque per-stream XML description
// tree. It is stored verbatim, never interpreted, per spec.md §3.
type DescriptionNode struct {
	XMLName  xml.Name
	Attrs    []xml.Attr        `xml:",any,attr"`
	Content  string            `xml:",chardata"`
	Children []DescriptionNode `xml:",any"`
}

// ParseDescription parses an opaque XML description blob into a node tree.
// An empty blob parses to a zero-value node rather than an error, since LSL
// streams commonly ship no description at all.
func ParseDescription(raw string) (DescriptionNode, error) {
	var node DescriptionNode
	if len(raw) == 0 {
		return node, nil
	}
	if err := xml.Unmarshal([]byte(raw), &node); err != nil {
		return DescriptionNode{}, fmt.Errorf("lsl: parse description: %w", err)
	}
	return node, nil
}

// StreamDescriptor is the immutable, per-recording identity of one LSL
// stream, as resolved from the bus. See spec.md §3.
type StreamDescriptor struct {
	SourceID      string
	Name          string
	Type          string
	ChannelCount  int
	ChannelFormat ChannelFormat
	NominalSrate  float64
	Hostname      string
	Description   DescriptionNode
}

// IsRegular reports whether the stream is continuous (nominal_srate > 0)
// rather than a sparse event/marker stream.
func (d StreamDescriptor) IsRegular() bool {
	return d.NominalSrate > 0
}

// Sample is a single pulled sample: a bus-clock timestamp plus one value per
// channel. Values is typed per ChannelFormat at the call site (acquire
// converts to the archive's column-major buffers).
type Sample struct {
	Timestamp float64
	Values    []float64 // numeric channel formats; String format uses Strings
	Strings   []string  // populated only when ChannelFormat == String
}

// Chunk is a batch of samples pulled in one inlet read.
type Chunk struct {
	Samples []Sample
}

// Inlet subscribes to one resolved stream. Implementations must be safe for
// use by a single goroutine (the recorder dedicates one worker per inlet;
// see spec.md §4.2 and §5).
type Inlet interface {
	// Open configures the inlet's buffer depth and post-processing options
	// before the first pull. The acquisition loop calls this exactly once,
	// on entry to WaitingForStart, with the spec-mandated values (see
	// BufferSamples and StandardPostProcessing below); a real liblsl
	// adapter threads bufferSamples into its StreamInlet constructor and
	// flags into its set_postprocessing call.
	Open(bufferSamples int, flags PostProcessingFlags) error
	// PullChunk blocks up to timeout waiting for samples. ok is false on a
	// timeout with no data (not an error); err is non-nil on a broken
	// connection, which the caller treats as end-of-stream (spec.md §4.2).
	PullChunk(timeout time.Duration) (chunk Chunk, ok bool, err error)
	TimeCorrection() (float64, error)
	Close() error
}

// PostProcessingFlags are the inlet post-processing options the acquisition
// loop always requests: clock sync, dejitter, and thread safety. Kept as a
// named type (rather than an opaque bitmask) so the fake inlet used in tests
// can assert on what was requested.
type PostProcessingFlags struct {
	ClockSync  bool
	Dejitter   bool
	ThreadSafe bool
}

// StandardPostProcessing is the fixed flag set every WaitingForStart inlet
// open uses, per spec.md §4.2.
var StandardPostProcessing = PostProcessingFlags{ClockSync: true, Dejitter: true, ThreadSafe: true}

// BufferSamples computes the adaptive inlet buffer size: at least 360
// samples, or ceil(nominalSrate*2) if larger. An irregular stream
// (nominalSrate == 0) always gets the fixed floor of 360, per spec.md §4.2.
func BufferSamples(nominalSrate float64) int {
	if nominalSrate <= 0 {
		return 360
	}
	adaptive := int(math.Ceil(nominalSrate * 2))
	if adaptive < 360 {
		return 360
	}
	return adaptive
}

// Resolver resolves a stream descriptor by its source id within a timeout.
// Production code wires this to liblsl's resolve_by_source_id; tests use a
// fake.
type Resolver interface {
	ResolveBySourceID(sourceID string, timeout time.Duration) (StreamDescriptor, Inlet, error)
}

// LibraryPathFromEnv returns the PYLSL_LIB override path, if set, per
// spec.md §6.
func LibraryPathFromEnv() (path string, overridden bool) {
	v, ok := os.LookupEnv("PYLSL_LIB")
	return v, ok
}

// NewProductionResolver constructs the Resolver backed by the real external
// bus. The LSL protocol itself -- resolve_by_source_id, StreamInlet, pull,
// time_correction -- is an external collaborator this module does not
// implement (an explicit non-goal); a deployment wires this seam to a real
// liblsl cgo binding, honoring libraryPath (the PYLSL_LIB override, if any)
// the same way the teacher's hardware DataSource is selected separately
// from its simulated ones. This build carries no such binding, so the
// returned error is permanent and Configuration-shaped, never a per-stream
// Resolution failure.
func NewProductionResolver(libraryPath string) (Resolver, error) {
	return nil, fmt.Errorf("lsl: no production liblsl binding wired into this build (PYLSL_LIB=%q); see package doc", libraryPath)
}
