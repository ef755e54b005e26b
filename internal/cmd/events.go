package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/iepathos/prodigy/internal/events"
)

var eventsFlags struct {
	kind   string
	tail   int
	asJSON bool
}

var eventsCmd = &cobra.Command{
	Use:   "events <job-id>",
	Short: "Print a job's event log",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, closeLog, err := newEngine()
		if err != nil {
			return err
		}
		defer closeLog()

		dir := e.Layout().EventsDir(args[0])
		records, skipped, err := events.ReadAll(dir)
		if err != nil {
			return err
		}

		if eventsFlags.kind != "" {
			filtered := records[:0]
			for _, rec := range records {
				if string(rec.Kind()) == eventsFlags.kind {
					filtered = append(filtered, rec)
				}
			}
			records = filtered
		}
		if eventsFlags.tail > 0 && len(records) > eventsFlags.tail {
			records = records[len(records)-eventsFlags.tail:]
		}

		out := cmd.OutOrStdout()
		if eventsFlags.asJSON {
			enc := json.NewEncoder(out)
			for _, rec := range records {
				if err := enc.Encode(rec); err != nil {
					return err
				}
			}
		} else {
			for _, rec := range records {
				body, _ := json.Marshal(rec.Event.Body)
				fmt.Fprintf(out, "%s  %-18s %s\n", rec.Timestamp.Format(time.RFC3339), rec.Kind(), body)
			}
		}

		if skipped > 0 {
			fmt.Fprintf(cmd.ErrOrStderr(), "skipped %d unreadable line(s)\n", skipped)
		}
		return nil
	},
}

func init() {
	eventsCmd.Flags().StringVar(&eventsFlags.kind, "kind", "", "only events of this kind, e.g. AgentFailed")
	eventsCmd.Flags().IntVar(&eventsFlags.tail, "tail", 0, "only the last N events")
	eventsCmd.Flags().BoolVar(&eventsFlags.asJSON, "json", false, "emit raw JSON records")
	rootCmd.AddCommand(eventsCmd)
}
