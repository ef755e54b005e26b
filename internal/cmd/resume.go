package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/iepathos/prodigy/internal/engine"
)

var resumeFlags struct {
	force         bool
	includeDLQ    bool
	noValidateEnv bool
	resetFailed   int
}

var resumeCmd = &cobra.Command{
	Use:   "resume <job-id>",
	Short: "Resume an interrupted or partially failed job",
	Long: `Resume reloads the latest checkpoint for a job and continues from
where it stopped. Completed items are never re-run; in-flight and
retriable-failed items go back to the pending queue. With
--include-dlq, dead-lettered items are requeued as fresh attempts.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, closeLog, err := newEngine()
		if err != nil {
			return err
		}
		defer closeLog()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		opts := engine.ResumeOptions{
			Force:        resumeFlags.force,
			IncludeDLQ:   resumeFlags.includeDLQ,
			SkipEnvCheck: resumeFlags.noValidateEnv,
		}
		if cmd.Flags().Changed("reset-failed") {
			opts.ResetFailed = true
			opts.MaxAdditionalRetries = resumeFlags.resetFailed
		}

		res, err := e.Resume(ctx, args[0], opts)
		return report(cmd, e, res, err)
	},
}

func init() {
	resumeCmd.Flags().BoolVar(&resumeFlags.force, "force", false, "resume even if the job is marked complete")
	resumeCmd.Flags().BoolVar(&resumeFlags.includeDLQ, "include-dlq", false, "requeue eligible dead-lettered items")
	resumeCmd.Flags().BoolVar(&resumeFlags.noValidateEnv, "no-validate-env", false, "skip repository environment checks")
	resumeCmd.Flags().IntVar(&resumeFlags.resetFailed, "reset-failed", 0, "return failed items to pending with N additional retries")
	rootCmd.AddCommand(resumeCmd)
}
