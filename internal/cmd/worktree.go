package cmd

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var worktreeCmd = &cobra.Command{
	Use:   "worktree",
	Short: "Inspect and clean up agent worktrees",
}

var worktreeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List agent worktree sessions for this repository",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, closeLog, err := newEngine()
		if err != nil {
			return err
		}
		defer closeLog()

		sessions, err := e.Worktrees().ListSessions(cmd.Context())
		if err != nil {
			return err
		}
		if len(sessions) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "no worktree sessions")
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SESSION\tSTATUS\tBRANCH\tUPDATED\tPATH")
		for _, s := range sessions {
			status := string(s.Status)
			if s.Detached {
				status += " (detached)"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				s.Name, status, s.Branch, s.UpdatedAt.Format(time.RFC3339), s.Path)
		}
		return w.Flush()
	},
}

var worktreeCleanFlags struct {
	interrupted bool
}

var worktreeCleanCmd = &cobra.Command{
	Use:   "clean [session...]",
	Short: "Remove agent worktrees and their branches",
	Long: `Clean removes the named worktree sessions, their branches, and their
metadata. With --interrupted, every session left behind by a cancelled
run is removed instead.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !worktreeCleanFlags.interrupted && len(args) == 0 {
			return fmt.Errorf("name sessions to clean or pass --interrupted")
		}

		e, closeLog, err := newEngine()
		if err != nil {
			return err
		}
		defer closeLog()
		pool := e.Worktrees()

		if worktreeCleanFlags.interrupted {
			cleaned, err := pool.CleanupInterrupted(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cleaned %d interrupted session(s)\n", len(cleaned))
			return nil
		}

		for _, name := range args {
			if err := pool.CleanupSession(cmd.Context(), name); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cleaned %s\n", name)
		}
		return nil
	},
}

func init() {
	worktreeCleanCmd.Flags().BoolVar(&worktreeCleanFlags.interrupted, "interrupted", false, "clean every interrupted session")
	worktreeCmd.AddCommand(worktreeListCmd, worktreeCleanCmd)
	rootCmd.AddCommand(worktreeCmd)
}
