package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/iepathos/prodigy/internal/engine"
)

var retentionFlags struct {
	maxAge    time.Duration
	maxBytes  int64
	maxEvents int
}

var retentionCmd = &cobra.Command{
	Use:   "retention",
	Short: "Prune old checkpoints and event log segments",
}

var retentionRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Apply the retention policy to every job in this repository",
	Long: `Run deletes checkpoint versions and event segments older than the
configured age across all jobs in this repository. The latest checkpoint
of every job and any events newer than it always survive.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, closeLog, err := newEngine()
		if err != nil {
			return err
		}
		defer closeLog()

		maxAge := retentionFlags.maxAge
		if maxAge == 0 {
			maxAge = time.Duration(e.Config().Retention.JobStateDays) * 24 * time.Hour
		}

		report, err := e.RunRetention(engine.RetentionPolicy{
			MaxAge:           maxAge,
			MaxEventBytes:    retentionFlags.maxBytes,
			MaxEventSegments: retentionFlags.maxEvents,
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(),
			"scanned %d job(s): deleted %d checkpoint(s), %d event segment(s), freed %d bytes\n",
			report.JobsScanned, report.CheckpointsDeleted, report.SegmentsDeleted, report.BytesFreed)
		return nil
	},
}

func init() {
	retentionRunCmd.Flags().DurationVar(&retentionFlags.maxAge, "max-age", 0, "delete state older than this (default: retention.job_state_days)")
	retentionRunCmd.Flags().Int64Var(&retentionFlags.maxBytes, "max-bytes", 0, "cap per-job event log size in bytes")
	retentionRunCmd.Flags().IntVar(&retentionFlags.maxEvents, "max-events", 0, "cap per-job event segment count")
	retentionCmd.AddCommand(retentionRunCmd)
	rootCmd.AddCommand(retentionCmd)
}
