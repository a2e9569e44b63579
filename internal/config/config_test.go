package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	if cfg.FlushIntervalSeconds != 1.0 {
		t.Errorf("FlushIntervalSeconds = %v, want 1.0", cfg.FlushIntervalSeconds)
	}
	if cfg.FlushBufferSize != 50 {
		t.Errorf("FlushBufferSize = %d, want 50", cfg.FlushBufferSize)
	}
	if cfg.ResolveTimeoutSeconds != 5.0 {
		t.Errorf("ResolveTimeoutSeconds = %v, want 5.0", cfg.ResolveTimeoutSeconds)
	}
	if cfg.ImmediateFlush {
		t.Error("ImmediateFlush should default to false")
	}
}

func TestLoadFileMissingPathReturnsDefaults(t *testing.T) {
	cfg, err := LoadFile("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg != Defaults() {
		t.Errorf("LoadFile(\"\") = %+v, want Defaults()", cfg)
	}
}

func TestLoadFileOverlaysRecorderSection(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "recorder.yaml")
	contents := `
recorder:
  flush_interval_seconds: 2.5
  subject: P003
  session_id: S02
`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.FlushIntervalSeconds != 2.5 {
		t.Errorf("FlushIntervalSeconds = %v, want 2.5", cfg.FlushIntervalSeconds)
	}
	if cfg.Subject != "P003" {
		t.Errorf("Subject = %q, want P003", cfg.Subject)
	}
	if cfg.SessionID != "S02" {
		t.Errorf("SessionID = %q, want S02", cfg.SessionID)
	}
	// Fields the file didn't mention keep the Defaults() baseline.
	if cfg.FlushBufferSize != 50 {
		t.Errorf("FlushBufferSize = %d, want the 50 default to survive an overlay that doesn't mention it", cfg.FlushBufferSize)
	}
}

func TestLoadFileMissingFileIsAnError(t *testing.T) {
	if _, err := LoadFile(filepath.Join(t.TempDir(), "does-not-exist.yaml")); err == nil {
		t.Error("expected an error reading a nonexistent config path")
	}
}

func TestParseAlignMode(t *testing.T) {
	cases := map[string]AlignMode{
		"common-start": CommonStart,
		"first-stream": FirstStream,
		"last-stream":  LastStream,
		"absolute-zero": AbsoluteZero,
	}
	for s, want := range cases {
		got, err := ParseAlignMode(s)
		if err != nil {
			t.Errorf("ParseAlignMode(%q): %v", s, err)
		}
		if got != want {
			t.Errorf("ParseAlignMode(%q) = %v, want %v", s, got, want)
		}
	}
	if _, err := ParseAlignMode("bogus"); err == nil {
		t.Error("expected an error for an unrecognized alignment mode")
	}
}
