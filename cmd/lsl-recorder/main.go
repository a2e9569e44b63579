// Command lsl-recorder records one named LSL stream into a stream archive,
// per spec.md §4.2/§6. It resolves --source-id, waits for a START (either
// immediately + an optional --duration auto-stop, or interactively over
// stdin), and finalizes the archive group on Stopping.
package main

import (
	"bufio"
	"fmt"
	"os"
	"os/signal"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/biostream/lsl-recorder/internal/acquire"
	"github.com/biostream/lsl-recorder/internal/config"
	"github.com/biostream/lsl-recorder/internal/control"
	"github.com/biostream/lsl-recorder/internal/dastardlog"
	"github.com/biostream/lsl-recorder/internal/errkind"
	"github.com/biostream/lsl-recorder/internal/exitcode"
	"github.com/biostream/lsl-recorder/internal/lsl"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath      string
		sourceID        string
		output          string
		streamName      string
		subject         string
		sessionID       string
		notes           string
		duration        float64
		interactive     bool
		flushInterval   float64
		flushBufferSize int
		immediateFlush  bool
		quiet           bool
	)

	cmd := &cobra.Command{
		Use:   "lsl-recorder",
		Short: "Record one LSL stream into a stream archive",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadFile(configPath)
			if err != nil {
				return errkind.Wrap(fmt.Errorf("lsl-recorder: %w", err), errkind.Configuration)
			}
			// Flags override the config file, never the other way around --
			// only apply a flag when the caller actually set it, so an
			// unset flag doesn't clobber a value LoadFile read from disk.
			if cmd.Flags().Changed("flush-interval") {
				cfg.FlushIntervalSeconds = flushInterval
			}
			if cmd.Flags().Changed("flush-buffer-size") {
				cfg.FlushBufferSize = flushBufferSize
			}
			if cmd.Flags().Changed("immediate-flush") {
				cfg.ImmediateFlush = immediateFlush
			}
			if cmd.Flags().Changed("subject") {
				cfg.Subject = subject
			}
			if cmd.Flags().Changed("session-id") {
				cfg.SessionID = sessionID
			}
			if cmd.Flags().Changed("notes") {
				cfg.Notes = notes
			}
			if cmd.Flags().Changed("duration") {
				cfg.Duration = &duration
			}
			cfg.RunID = uuid.New().String()

			log := dastardlog.New("lsl-recorder", os.Stderr)
			if quiet {
				log = dastardlog.Quiet("lsl-recorder", os.Stderr)
			}

			libPath, _ := lsl.LibraryPathFromEnv()
			resolver, err := lsl.NewProductionResolver(libPath)
			if err != nil {
				return errkind.Wrap(fmt.Errorf("lsl-recorder: %w", err), errkind.Configuration)
			}

			flags := control.NewFlags()
			loop := &acquire.Loop{
				SourceID:    sourceID,
				StreamName:  streamName,
				ArchivePath: output,
				Resolver:    resolver,
				Flags:       flags,
				Config:      cfg,
				Status:      os.Stdout,
				Log:         log,
			}

			driveControl(flags, log, interactive, cfg.Duration)
			return loop.Run()
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "optional config file (YAML/TOML/JSON) overlaying the recorder defaults")
	cmd.Flags().StringVar(&sourceID, "source-id", "", "LSL source id to resolve (required)")
	cmd.Flags().StringVar(&output, "output", "experiment", "archive root path")
	cmd.Flags().StringVar(&streamName, "stream-name", "", "archive group name (defaults to --source-id)")
	cmd.Flags().StringVar(&subject, "subject", "", "subject identifier recorded in recorder_config")
	cmd.Flags().StringVar(&sessionID, "session-id", "", "session identifier recorded in recorder_config")
	cmd.Flags().StringVar(&notes, "notes", "", "free-text notes recorded in recorder_config")
	cmd.Flags().Float64Var(&duration, "duration", 0, "auto-stop after this many seconds")
	cmd.Flags().BoolVar(&interactive, "interactive", false, "read START/STOP/QUIT from stdin instead of auto-driving")
	cmd.Flags().Float64Var(&flushInterval, "flush-interval", 1.0, "seconds between forced flushes")
	cmd.Flags().IntVar(&flushBufferSize, "flush-buffer-size", 50, "samples buffered before a forced flush")
	cmd.Flags().BoolVar(&immediateFlush, "immediate-flush", false, "flush after every pull")
	cmd.Flags().BoolVar(&quiet, "quiet", false, "log warnings and above only")
	cmd.MarkFlagRequired("source-id")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitcode.ForError(err)
	}
	return exitcode.Success
}

// driveControl starts the control input that feeds flags: in --interactive
// mode, stdin is scanned for the full grammar for the life of the process;
// otherwise START is issued immediately, followed by a deferred STOP_AFTER
// when --duration was given, and Ctrl-C issues QUIT -- the same "handle
// ctrl-C gracefully" idiom the teacher's RunRPCServer uses around
// signal.Notify(os.Interrupt).
func driveControl(flags *control.Flags, log zerolog.Logger, interactive bool, duration *float64) {
	ch := control.NewChannel(flags, log, nil)

	if interactive {
		go func() {
			if err := ch.Run(bufio.NewReader(os.Stdin)); err != nil {
				log.Warn().Err(err).Msg("lsl-recorder: control input closed with error")
			}
		}()
		return
	}

	ch.Dispatch("START")
	if duration != nil {
		ch.Dispatch(fmt.Sprintf("STOP_AFTER %v", *duration))
	}

	interruptCatcher := make(chan os.Signal, 1)
	signal.Notify(interruptCatcher, os.Interrupt)
	go func() {
		<-interruptCatcher
		ch.Dispatch("QUIT")
	}()
}
