package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/iepathos/prodigy/internal/dlq"
	"github.com/iepathos/prodigy/internal/engine"
	"github.com/iepathos/prodigy/internal/summary"
)

var runCmd = &cobra.Command{
	Use:   "run <job.yaml>",
	Short: "Run a MapReduce job from a YAML definition",
	Long: `Run loads a job definition, fans the work items out across parallel
agents, and merges completed agent branches back into the current
branch. Interrupting the run with Ctrl-C checkpoints in-flight work
so it can be picked up again with "prodigy resume".`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		job, err := engine.LoadJob(args[0])
		if err != nil {
			return &exitError{code: engine.ExitCode(nil, err), err: err}
		}

		e, closeLog, err := newEngine()
		if err != nil {
			return err
		}
		defer closeLog()
		e.Stdin = cmd.InOrStdin()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		res, err := e.Run(ctx, job)
		return report(cmd, e, res, err)
	},
}

// report prints the end-of-job summary and converts the outcome into a
// process exit code.
func report(cmd *cobra.Command, e *engine.Engine, res *engine.Result, err error) error {
	code := engine.ExitCode(res, err)
	if res == nil {
		return &exitError{code: code, err: err}
	}

	var stats *dlq.Stats
	if dead, derr := dlq.Open(e.Layout().DLQDir(res.JobID), 0, 0); derr == nil {
		if s, serr := dead.Stats(); serr == nil {
			stats = &s
		}
	}
	fmt.Fprint(cmd.OutOrStdout(), summary.Render(res, stats))

	if code != 0 {
		return &exitError{code: code, err: err}
	}
	return nil
}

func init() {
	rootCmd.AddCommand(runCmd)
}
