package archive

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/biostream/lsl-recorder/internal/lsl"
)

// streamDescriptorJSON is the JSON-friendly projection of lsl.StreamDescriptor
// written verbatim into the stream_info attribute, per spec.md §3.
type streamDescriptorJSON struct {
	SourceID      string  `json:"source_id"`
	Name          string  `json:"name"`
	Type          string  `json:"type"`
	ChannelCount  int     `json:"channel_count"`
	ChannelFormat string  `json:"channel_format"`
	NominalSrate  float64 `json:"nominal_srate"`
	Hostname      string  `json:"hostname"`
	Description   any     `json:"description"`
}

func toStreamDescriptorJSON(d lsl.StreamDescriptor) streamDescriptorJSON {
	return streamDescriptorJSON{
		SourceID:      d.SourceID,
		Name:          d.Name,
		Type:          d.Type,
		ChannelCount:  d.ChannelCount,
		ChannelFormat: d.ChannelFormat.String(),
		NominalSrate:  d.NominalSrate,
		Hostname:      d.Hostname,
		Description:   d.Description,
	}
}

// RecorderConfigAttrs is the recorder_config attribute written at finalize,
// per spec.md §3.
type RecorderConfigAttrs struct {
	FlushIntervalSeconds  float64  `json:"flush_interval_seconds"`
	FlushBufferSize       int      `json:"flush_buffer_size"`
	ImmediateFlush        bool     `json:"immediate_flush"`
	Duration              *float64 `json:"duration,omitempty"`
	Subject               string   `json:"subject,omitempty"`
	SessionID             string   `json:"session_id,omitempty"`
	Notes                 string   `json:"notes,omitempty"`
	ResolveTimeoutSeconds float64  `json:"resolve_timeout_seconds"`
	LibraryVersion        string   `json:"library_version"`
	RunID                 string   `json:"run_id,omitempty"`
}

// AlignmentAttrs holds the non-destructive attributes the alignment engine
// adds on top of a finalized group, per spec.md §3/§4.5.
type AlignmentAttrs struct {
	AlignmentOffset    float64 `json:"alignment_offset"`
	TrimStartIndex     int     `json:"trim_start_index"`
	TrimEndIndex       int     `json:"trim_end_index"`
	OriginalSampleCount int    `json:"original_sample_count"`
	AlignedSampleCount int     `json:"aligned_sample_count"`
}

// groupAttrs is the full set of attributes persisted as <group>/attrs.json.
type groupAttrs struct {
	StreamInfo      streamDescriptorJSON `json:"stream_info"`
	RecorderConfig  *RecorderConfigAttrs `json:"recorder_config,omitempty"`
	FirstTimestamp  *float64             `json:"first_timestamp,omitempty"`
	LastTimestamp   *float64             `json:"last_timestamp,omitempty"`
	Alignment       *AlignmentAttrs      `json:"alignment,omitempty"`
}

func attrsPath(groupDir string) string { return filepath.Join(groupDir, "attrs.json") }

func loadAttrs(groupDir string) (groupAttrs, error) {
	var a groupAttrs
	b, err := os.ReadFile(attrsPath(groupDir))
	if err != nil {
		return a, fmt.Errorf("archive: read attrs %s: %w", attrsPath(groupDir), err)
	}
	if err := json.Unmarshal(b, &a); err != nil {
		return a, fmt.Errorf("archive: unmarshal attrs %s: %w", attrsPath(groupDir), err)
	}
	return a, nil
}

func saveAttrs(groupDir string, a groupAttrs) error {
	b, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return fmt.Errorf("archive: marshal attrs: %w", err)
	}
	return atomicWriteFile(attrsPath(groupDir), b)
}
