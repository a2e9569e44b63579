// Command lsl-multi-recorder coordinates N lsl-recorder child processes
// under one archive root, broadcasting START/STOP_AFTER/QUIT to every
// child and gating the coordinated auto-stop on a first-sample barrier,
// per spec.md §4.4/§6.
package main

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/biostream/lsl-recorder/internal/dastardlog"
	"github.com/biostream/lsl-recorder/internal/errkind"
	"github.com/biostream/lsl-recorder/internal/exitcode"
	"github.com/biostream/lsl-recorder/internal/supervisor"
)

// wrapCoordination tags a child-process failure as Coordination, per
// spec.md §7's "child process died. Logged; supervisor continues others;
// reported in exit code" row.
func wrapCoordination(err error) error {
	return errkind.Wrap(err, errkind.Coordination)
}

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath     string
		sourceIDs      []string
		streamNames    []string
		output         string
		subject        string
		sessionID      string
		notes          string
		duration       float64
		resolveTimeout float64
		flushInterval  float64
		quiet          bool
	)

	cmd := &cobra.Command{
		Use:   "lsl-multi-recorder",
		Short: "Coordinate multiple LSL recorders under one archive root",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(streamNames) > 0 && len(streamNames) != len(sourceIDs) {
				return fmt.Errorf("lsl-multi-recorder: --stream-names count (%d) must match --source-ids count (%d)", len(streamNames), len(sourceIDs))
			}

			log := dastardlog.New("lsl-multi-recorder", os.Stderr)
			if quiet {
				log = dastardlog.Quiet("lsl-multi-recorder", os.Stderr)
			}

			self, err := os.Executable()
			if err != nil {
				return fmt.Errorf("lsl-multi-recorder: locate own executable: %w", err)
			}
			recorderPath := siblingBinary(self, "lsl-recorder")

			specs := make([]supervisor.Spec, len(sourceIDs))
			for i, id := range sourceIDs {
				name := id
				if i < len(streamNames) {
					name = streamNames[i]
				}
				specs[i] = supervisor.Spec{SourceID: id, StreamName: name}
			}

			var durationPtr *float64
			if cmd.Flags().Changed("duration") {
				durationPtr = &duration
			}

			sup := &supervisor.Supervisor{
				Specs:          specs,
				Duration:       durationPtr,
				Stdout:         os.Stdout,
				Log:            log,
				ResolveTimeout: time.Duration(resolveTimeout * float64(time.Second)),
				Spawn: func(spec supervisor.Spec) (supervisor.Child, error) {
					return spawnChild(recorderPath, spec, output, subject, sessionID, notes, configPath, flushInterval, durationPtr)
				},
			}

			controlR, controlW := io.Pipe()
			go driveSupervisorControl(controlW)

			done := make(chan error, 1)
			go func() { done <- sup.Run(controlR) }()

			interruptCatcher := make(chan os.Signal, 1)
			signal.Notify(interruptCatcher, os.Interrupt)
			select {
			case <-interruptCatcher:
				fmt.Fprintln(controlW, "QUIT")
				return wrapCoordination(<-done)
			case err := <-done:
				return wrapCoordination(err)
			}
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "optional config file (YAML/TOML/JSON), passed through to every child")
	cmd.Flags().StringSliceVar(&sourceIDs, "source-ids", nil, "LSL source ids to resolve, one child per id")
	cmd.Flags().StringSliceVar(&streamNames, "stream-names", nil, "archive group names, one per --source-ids entry")
	cmd.Flags().StringVar(&output, "output", "experiment", "archive root path shared by every child")
	cmd.Flags().StringVar(&subject, "subject", "", "subject identifier passed through to every child")
	cmd.Flags().StringVar(&sessionID, "session-id", "", "session identifier passed through to every child")
	cmd.Flags().StringVar(&notes, "notes", "", "free-text notes passed through to every child")
	cmd.Flags().Float64Var(&duration, "duration", 0, "auto-stop every child this many seconds after the barrier passes")
	cmd.Flags().Float64Var(&resolveTimeout, "resolve-timeout", 5.0, "seconds each child waits to resolve its source id")
	cmd.Flags().Float64Var(&flushInterval, "flush-interval", 1.0, "seconds between forced flushes, passed through to every child")
	cmd.Flags().BoolVar(&quiet, "quiet", false, "log warnings and above only")
	cmd.MarkFlagRequired("source-ids")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitcode.ForError(err)
	}
	return exitcode.Success
}

// driveSupervisorControl issues the one command the multi-recorder's own
// lifecycle needs: START immediately, so every child begins resolving and
// recording as soon as it is spawned. QUIT is written separately, from the
// interrupt handler in run().
func driveSupervisorControl(w io.Writer) {
	fmt.Fprintln(w, "START")
}

// siblingBinary resolves name next to self's own executable path, the
// layout `go build ./cmd/...` produces when every cmd/* binary lands in the
// same output directory.
func siblingBinary(self, name string) string {
	dir := self[:len(self)-len(pathBase(self))]
	return dir + name
}

func pathBase(p string) string {
	for i := len(p) - 1; i >= 0; i-- {
		if p[i] == '/' || p[i] == '\\' {
			return p[i+1:]
		}
	}
	return p
}

// execChild wraps os/exec.Cmd to satisfy supervisor.Child, the production
// analogue of the in-process fake the supervisor's tests use.
type execChild struct {
	spec   supervisor.Spec
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
}

func spawnChild(recorderPath string, spec supervisor.Spec, output, subject, sessionID, notes, configPath string, flushInterval float64, duration *float64) (supervisor.Child, error) {
	args := []string{
		"--source-id", spec.SourceID,
		"--stream-name", spec.EffectiveName(),
		"--output", output,
		"--interactive",
		"--flush-interval", fmt.Sprintf("%v", flushInterval),
	}
	if configPath != "" {
		args = append(args, "--config", configPath)
	}
	if subject != "" {
		args = append(args, "--subject", subject)
	}
	if sessionID != "" {
		args = append(args, "--session-id", sessionID)
	}
	if notes != "" {
		args = append(args, "--notes", notes)
	}
	if duration != nil {
		// Propagated per spec.md §4.4 rule 5: each child's own Archive
		// Writer records this as its recorder_config.duration, even though
		// the supervisor (not the child) is what actually enforces the
		// coordinated auto-stop via STOP_AFTER.
		args = append(args, "--duration", fmt.Sprintf("%v", *duration))
	}

	c := exec.Command(recorderPath, args...)
	c.Stderr = os.Stderr
	stdin, err := c.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("lsl-multi-recorder: open stdin pipe for %s: %w", spec.SourceID, err)
	}
	stdout, err := c.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("lsl-multi-recorder: open stdout pipe for %s: %w", spec.SourceID, err)
	}
	if err := c.Start(); err != nil {
		return nil, fmt.Errorf("lsl-multi-recorder: start child for %s: %w", spec.SourceID, err)
	}
	return &execChild{spec: spec, cmd: c, stdin: stdin, stdout: stdout}, nil
}

func (c *execChild) SourceID() string   { return c.spec.SourceID }
func (c *execChild) StreamName() string { return c.spec.EffectiveName() }
func (c *execChild) Stdin() io.Writer   { return c.stdin }
func (c *execChild) Stdout() io.Reader  { return c.stdout }
func (c *execChild) Wait() error        { return c.cmd.Wait() }
func (c *execChild) Kill() error {
	if c.cmd.Process == nil {
		return nil
	}
	return c.cmd.Process.Kill()
}
