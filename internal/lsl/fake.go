package lsl

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// FakeInlet is an in-process stand-in for a resolved LSL inlet, generating a
// sine wave (regular streams) or sparse timestamps (irregular streams). It
// plays the same role in this repo's tests that SimPulseSource and
// TriangleSource play in the teacher: a source that satisfies the real
// interface without touching hardware (or here, a real bus connection).
type FakeInlet struct {
	Descriptor StreamDescriptor
	EventTimes []float64 // only consulted when Descriptor.NominalSrate == 0

	mu                  sync.Mutex
	closed              bool
	start               time.Time
	nextFrame           int64
	corr                float64
	opened              bool
	openedBufferSamples int
	openedFlags         PostProcessingFlags
}

// Open implements Inlet, recording what the acquisition loop requested so
// tests can assert on it instead of a real adapter silently consuming it.
func (f *FakeInlet) Open(bufferSamples int, flags PostProcessingFlags) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened = true
	f.openedBufferSamples = bufferSamples
	f.openedFlags = flags
	return nil
}

// OpenedBufferSamples returns the buffer size Open was last called with,
// and whether Open has been called at all.
func (f *FakeInlet) OpenedBufferSamples() (int, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.openedBufferSamples, f.opened
}

// OpenedFlags returns the post-processing flags Open was last called with.
func (f *FakeInlet) OpenedFlags() PostProcessingFlags {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.openedFlags
}

// NewFakeInlet constructs a fake inlet for descriptor d. For irregular
// streams, eventTimes gives the event timestamps, delivered in order as
// one single-event chunk per PullChunk call regardless of elapsed time;
// once exhausted, PullChunk returns ok == false with no data.
func NewFakeInlet(d StreamDescriptor, eventTimes []float64) *FakeInlet {
	return &FakeInlet{Descriptor: d, EventTimes: eventTimes, start: time.Now()}
}

// PullChunk implements Inlet.
func (f *FakeInlet) PullChunk(timeout time.Duration) (Chunk, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return Chunk{}, false, fmt.Errorf("lsl: fake inlet closed")
	}

	if f.Descriptor.NominalSrate <= 0 {
		return f.pullIrregularLocked()
	}
	return f.pullRegularLocked(timeout)
}

func (f *FakeInlet) pullIrregularLocked() (Chunk, bool, error) {
	idx := int(f.nextFrame)
	if idx >= len(f.EventTimes) {
		return Chunk{}, false, nil
	}
	f.nextFrame++
	ts := f.EventTimes[idx]
	values := make([]float64, f.Descriptor.ChannelCount)
	for i := range values {
		values[i] = float64(idx)
	}
	return Chunk{Samples: []Sample{{Timestamp: ts, Values: values}}}, true, nil
}

func (f *FakeInlet) pullRegularLocked(timeout time.Duration) (Chunk, bool, error) {
	// Deliver samples up to "now" relative to f.start, at the nominal rate,
	// as a single chunk -- this mimics LSL's chunked delivery of whatever
	// accumulated since the last pull.
	elapsed := time.Since(f.start).Seconds()
	period := 1.0 / f.Descriptor.NominalSrate
	targetFrame := int64(elapsed / period)
	if targetFrame <= f.nextFrame {
		return Chunk{}, false, nil
	}
	var samples []Sample
	for fr := f.nextFrame; fr < targetFrame; fr++ {
		ts := float64(fr) * period
		values := make([]float64, f.Descriptor.ChannelCount)
		for c := range values {
			values[c] = math.Sin(2 * math.Pi * ts * (1.0 + float64(c)*0.1))
		}
		samples = append(samples, Sample{Timestamp: ts, Values: values})
	}
	f.nextFrame = targetFrame
	return Chunk{Samples: samples}, true, nil
}

// TimeCorrection implements Inlet.
func (f *FakeInlet) TimeCorrection() (float64, error) {
	return f.corr, nil
}

// Close implements Inlet.
func (f *FakeInlet) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// FakeResolver resolves a fixed set of descriptors registered by source id,
// handing back a FakeInlet for each. It implements Resolver.
type FakeResolver struct {
	mu          sync.Mutex
	descriptors map[string]StreamDescriptor
	eventTimes  map[string][]float64
	resolved    map[string]*FakeInlet
}

// NewFakeResolver builds an empty resolver; register streams with Add.
func NewFakeResolver() *FakeResolver {
	return &FakeResolver{
		descriptors: make(map[string]StreamDescriptor),
		eventTimes:  make(map[string][]float64),
		resolved:    make(map[string]*FakeInlet),
	}
}

// Inlet returns the FakeInlet handed out for sourceID's most recent
// ResolveBySourceID call, for tests that want to inspect what the
// acquisition loop did with it (e.g. Open's arguments).
func (r *FakeResolver) Inlet(sourceID string) *FakeInlet {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resolved[sourceID]
}

// Add registers a stream descriptor (and, for irregular streams, its event
// timestamps) as resolvable by source id.
func (r *FakeResolver) Add(d StreamDescriptor, eventTimes []float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.descriptors[d.SourceID] = d
	r.eventTimes[d.SourceID] = eventTimes
}

// ResolveBySourceID implements Resolver.
func (r *FakeResolver) ResolveBySourceID(sourceID string, timeout time.Duration) (StreamDescriptor, Inlet, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.descriptors[sourceID]
	if !ok {
		return StreamDescriptor{}, nil, fmt.Errorf("lsl: no stream found for source id %q within %s", sourceID, timeout)
	}
	inlet := NewFakeInlet(d, r.eventTimes[sourceID])
	r.resolved[sourceID] = inlet
	return d, inlet, nil
}
