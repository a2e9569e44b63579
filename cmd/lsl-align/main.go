// Command lsl-align runs the post-recording Alignment Engine over an
// archive root, per spec.md §4.5/§6.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/biostream/lsl-recorder/internal/align"
	"github.com/biostream/lsl-recorder/internal/config"
	"github.com/biostream/lsl-recorder/internal/dastardlog"
	"github.com/biostream/lsl-recorder/internal/errkind"
	"github.com/biostream/lsl-recorder/internal/exitcode"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		mode      string
		trimStart bool
		trimEnd   bool
		trimBoth  bool
		streams   []string
		verbose   bool
	)

	cmd := &cobra.Command{
		Use:   "lsl-align [archive-path]",
		Short: "Compute aligned timestamps and trim indices across an archive's streams",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			archivePath := "experiment.zarr"
			if len(args) == 1 {
				archivePath = args[0]
			}

			alignMode, err := config.ParseAlignMode(mode)
			if err != nil {
				return errkind.Wrap(err, errkind.Configuration)
			}

			log := dastardlog.New("lsl-align", os.Stderr)
			if !verbose {
				log = dastardlog.Quiet("lsl-align", os.Stderr)
			}

			e := &align.Engine{
				ArchivePath: archivePath,
				Mode:        alignMode,
				Trim: config.TrimPolicy{
					TrimStart: trimStart || trimBoth,
					TrimEnd:   trimEnd || trimBoth,
				},
				StreamFilter: streams,
				Log:          log,
			}

			report, err := e.Run()
			if err != nil {
				return err
			}
			printReport(report)
			return nil
		},
	}

	cmd.Flags().StringVar(&mode, "mode", "common-start", "reference-time mode: common-start|first-stream|last-stream|absolute-zero")
	cmd.Flags().BoolVar(&trimStart, "trim-start", false, "trim every stream to the common window's start")
	cmd.Flags().BoolVar(&trimEnd, "trim-end", false, "trim every stream to the common window's end")
	cmd.Flags().BoolVar(&trimBoth, "trim-both", false, "shorthand for --trim-start --trim-end")
	cmd.Flags().StringSliceVar(&streams, "stream", nil, "limit alignment to these stream groups (repeatable)")
	cmd.Flags().BoolVar(&verbose, "verbose", false, "log info-level progress, not just warnings")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitcode.ForError(err)
	}
	return exitcode.Success
}

func printReport(report align.Report) {
	fmt.Printf("alignment mode: %s, reference time: %v\n", report.Mode, report.ReferenceTime)
	for _, s := range report.Streams {
		if s.Skipped {
			fmt.Printf("  %s: skipped (%s)\n", s.Name, s.SkipReason)
			continue
		}
		fmt.Printf("  %s: offset=%v trim=[%d,%d) samples=%d/%d\n",
			s.Name, s.AlignmentOffset, s.TrimStartIndex, s.TrimEndIndex, s.AlignedSampleCount, s.OriginalSampleCount)
		if s.EventCoverage != nil {
			fmt.Printf("    events: before=%d within=%d after=%d\n", s.EventCoverage.Before, s.EventCoverage.Within, s.EventCoverage.After)
		}
	}
}
