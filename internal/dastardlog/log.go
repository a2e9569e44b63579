// Package dastardlog wires up zerolog the way this repo's subsystems log:
// terse, leveled, one component field per logger. The name nods to the
// teacher's habit of plain log.Printf calls everywhere -- we keep call
// sites just as terse, but structured.
package dastardlog

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

func init() {
	zerolog.TimeFieldFormat = time.RFC3339
}

// New returns a logger tagged with component, writing to w (os.Stderr if
// nil) in human-readable console form.
func New(component string, w io.Writer) zerolog.Logger {
	if w == nil {
		w = os.Stderr
	}
	console := zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05"}
	return zerolog.New(console).With().Timestamp().Str("component", component).Logger()
}

// Quiet returns a logger that drops everything but warnings and above, for
// --quiet CLI runs.
func Quiet(component string, w io.Writer) zerolog.Logger {
	return New(component, w).Level(zerolog.WarnLevel)
}
