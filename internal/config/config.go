// Package config loads recorder and alignment defaults, the same way the
// teacher loads trigger and source settings: viper for persisted config
// file values, with explicit call-site arguments (here, CLI flags)
// overriding them. See RunRPCServer's viper.UnmarshalKey calls for the
// pattern this generalizes.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// RecorderConfig controls one Acquisition Loop's buffering and metadata, per
// spec.md §3.
type RecorderConfig struct {
	FlushIntervalSeconds  float64   `mapstructure:"flush_interval_seconds"`
	FlushBufferSize       int       `mapstructure:"flush_buffer_size"`
	ImmediateFlush        bool      `mapstructure:"immediate_flush"`
	Duration              *float64  `mapstructure:"duration"`
	Subject               string    `mapstructure:"subject"`
	SessionID             string    `mapstructure:"session_id"`
	Notes                 string    `mapstructure:"notes"`
	ResolveTimeoutSeconds float64   `mapstructure:"resolve_timeout_seconds"`
	LibraryVersion        string    `mapstructure:"library_version"`
	RunID                 string    `mapstructure:"run_id"`
}

// FlushInterval returns FlushIntervalSeconds as a time.Duration.
func (c RecorderConfig) FlushInterval() time.Duration {
	return time.Duration(c.FlushIntervalSeconds * float64(time.Second))
}

// ResolveTimeout returns ResolveTimeoutSeconds as a time.Duration.
func (c RecorderConfig) ResolveTimeout() time.Duration {
	return time.Duration(c.ResolveTimeoutSeconds * float64(time.Second))
}

// Defaults returns the baseline RecorderConfig from spec.md §3/§6: a 1.0s
// flush interval, a 50-sample flush buffer, and a 5.0s resolve timeout.
func Defaults() RecorderConfig {
	return RecorderConfig{
		FlushIntervalSeconds:  1.0,
		FlushBufferSize:       50,
		ImmediateFlush:        false,
		ResolveTimeoutSeconds: 5.0,
	}
}

// LoadFile reads an optional viper-compatible config file (YAML, TOML,
// JSON...) and overlays it onto Defaults(). An empty path is not an
// error -- defaults stand alone, same as when the teacher's Dastard starts
// with no saved trigger state. A non-empty path that cannot be read is an
// error.
func LoadFile(path string) (RecorderConfig, error) {
	cfg := Defaults()
	if path == "" {
		return cfg, nil
	}
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := v.UnmarshalKey("recorder", &cfg); err != nil {
		return cfg, fmt.Errorf("config: unmarshal recorder section of %s: %w", path, err)
	}
	return cfg, nil
}

// AlignMode is the closed enum of alignment reference-time strategies, per
// spec.md §4.5/§9 ("no free-form config strings").
type AlignMode int

// Supported alignment modes.
const (
	CommonStart AlignMode = iota
	FirstStream
	LastStream
	AbsoluteZero
)

func (m AlignMode) String() string {
	switch m {
	case CommonStart:
		return "common-start"
	case FirstStream:
		return "first-stream"
	case LastStream:
		return "last-stream"
	case AbsoluteZero:
		return "absolute-zero"
	default:
		return "unknown"
	}
}

// ParseAlignMode validates a CLI --mode value against the closed enum.
func ParseAlignMode(s string) (AlignMode, error) {
	switch s {
	case "common-start":
		return CommonStart, nil
	case "first-stream":
		return FirstStream, nil
	case "last-stream":
		return LastStream, nil
	case "absolute-zero":
		return AbsoluteZero, nil
	}
	return 0, fmt.Errorf("config: unrecognized alignment mode %q (want one of common-start, first-stream, last-stream, absolute-zero)", s)
}

// TrimPolicy is the two independent trim booleans from spec.md §9.
type TrimPolicy struct {
	TrimStart bool
	TrimEnd   bool
}
