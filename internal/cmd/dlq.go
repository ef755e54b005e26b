package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/iepathos/prodigy/internal/dlq"
	"github.com/iepathos/prodigy/internal/engine"
)

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect and replay a job's dead letter queue",
}

var dlqListFlags struct {
	idPattern       string
	errorKind       string
	signature       string
	eligibleOnly    bool
	includeRequeued bool
	since           time.Duration
	asJSON          bool
}

var dlqListCmd = &cobra.Command{
	Use:   "list <job-id>",
	Short: "List dead-lettered items",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, closeLog, err := newEngine()
		if err != nil {
			return err
		}
		defer closeLog()

		dead, err := dlq.Open(e.Layout().DLQDir(args[0]), 0, 0)
		if err != nil {
			return err
		}

		filter := dlq.Filter{
			IDPattern:       dlqListFlags.idPattern,
			ErrorKind:       dlqListFlags.errorKind,
			Signature:       dlqListFlags.signature,
			EligibleOnly:    dlqListFlags.eligibleOnly,
			IncludeRequeued: dlqListFlags.includeRequeued,
		}
		if dlqListFlags.since > 0 {
			filter.Since = time.Now().Add(-dlqListFlags.since)
		}

		items, err := dead.List(filter)
		if err != nil {
			return err
		}

		if dlqListFlags.asJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(items)
		}

		if len(items) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "dead letter queue is empty")
			return nil
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ITEM\tATTEMPTS\tKIND\tELIGIBLE\tLAST FAILURE\tERROR")
		for _, item := range items {
			last := item.LastAttempt()
			eligible := "no"
			if item.ReprocessEligible {
				eligible = "yes"
			}
			if item.RequeuedAt != nil {
				eligible = "requeued"
			}
			fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%s\n",
				item.ItemID, len(item.Attempts), last.ErrorKind, eligible,
				last.Timestamp.Format(time.RFC3339), last.Error)
		}
		return w.Flush()
	},
}

var dlqStatsCmd = &cobra.Command{
	Use:   "stats <job-id>",
	Short: "Show dead letter queue totals grouped by error signature",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, closeLog, err := newEngine()
		if err != nil {
			return err
		}
		defer closeLog()

		dead, err := dlq.Open(e.Layout().DLQDir(args[0]), 0, 0)
		if err != nil {
			return err
		}
		stats, err := dead.Stats()
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "total: %d  eligible: %d  requeued: %d\n", stats.Total, stats.Eligible, stats.Requeued)
		for sig, count := range stats.Signatures {
			fmt.Fprintf(out, "  %s: %d\n", sig, count)
		}
		return nil
	},
}

var dlqReprocessCmd = &cobra.Command{
	Use:   "reprocess <job-id> [item-id...]",
	Short: "Requeue dead-lettered items and resume the job",
	Long: `Reprocess marks dead-lettered items as requeued and resumes the job so
they run as fresh attempts. Without item ids, every reprocess-eligible
item is requeued.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, closeLog, err := newEngine()
		if err != nil {
			return err
		}
		defer closeLog()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		res, err := e.Resume(ctx, args[0], engine.ResumeOptions{
			IncludeDLQ: true,
			DLQItems:   args[1:],
		})
		return report(cmd, e, res, err)
	},
}

var dlqPurgeCmd = &cobra.Command{
	Use:   "purge <job-id>",
	Short: "Delete dead-lettered items past the retention window",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, closeLog, err := newEngine()
		if err != nil {
			return err
		}
		defer closeLog()

		cfg := e.Config()
		dead, err := dlq.Open(e.Layout().DLQDir(args[0]), cfg.DLQ.MaxItems, cfg.DLQ.Retention())
		if err != nil {
			return err
		}
		removed, err := dead.Purge()
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "purged %d item(s)\n", removed)
		return nil
	},
}

func init() {
	dlqListCmd.Flags().StringVar(&dlqListFlags.idPattern, "pattern", "", "glob matched against item ids")
	dlqListCmd.Flags().StringVar(&dlqListFlags.errorKind, "error-kind", "", "filter by the last attempt's error kind")
	dlqListCmd.Flags().StringVar(&dlqListFlags.signature, "signature", "", "filter by exact error signature")
	dlqListCmd.Flags().BoolVar(&dlqListFlags.eligibleOnly, "eligible", false, "only reprocess-eligible items")
	dlqListCmd.Flags().BoolVar(&dlqListFlags.includeRequeued, "include-requeued", false, "include items already requeued")
	dlqListCmd.Flags().DurationVar(&dlqListFlags.since, "since", 0, "only failures within this window, e.g. 24h")
	dlqListCmd.Flags().BoolVar(&dlqListFlags.asJSON, "json", false, "emit JSON")

	dlqCmd.AddCommand(dlqListCmd, dlqStatsCmd, dlqReprocessCmd, dlqPurgeCmd)
	rootCmd.AddCommand(dlqCmd)
}
