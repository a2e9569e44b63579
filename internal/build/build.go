// Package build holds version metadata stamped into every archive's
// recorder_config attribute, mirroring the teacher's Build global consulted
// in WriteControl (Build.RunStart).
package build

import "time"

// Info describes the running binary's identity. Fields are populated at
// link time where possible; RunStart is set once per process.
var Info = struct {
	Version  string
	GitHash  string
	RunStart time.Time
}{
	Version:  "0.1.0-dev",
	GitHash:  "unknown",
	RunStart: time.Time{},
}

func init() {
	Info.RunStart = time.Now()
}
