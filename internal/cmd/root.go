// Package cmd wires the prodigy CLI: running jobs, resuming them, and
// inspecting the durable state they leave behind.
package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/iepathos/prodigy/internal/config"
	"github.com/iepathos/prodigy/internal/engine"
	"github.com/iepathos/prodigy/internal/logging"
)

var rootCmd = &cobra.Command{
	Use:   "prodigy",
	Short: "MapReduce-style orchestration of coding agents over git worktrees",
	Long: `Prodigy fans a work item list out across parallel agent CLI invocations,
each in its own git worktree, then merges the results back into the
parent branch. Progress is checkpointed so interrupted jobs resume
where they left off.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// exitError carries a process exit code out of a command without losing
// the underlying error for printing.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err != nil {
		return e.err.Error()
	}
	return fmt.Sprintf("exit status %d", e.code)
}

func (e *exitError) Unwrap() error { return e.err }

// Execute runs the root command and returns the process exit code.
func Execute() int {
	err := rootCmd.Execute()
	if err == nil {
		return 0
	}
	var ee *exitError
	if errors.As(err, &ee) {
		if ee.err != nil {
			fmt.Fprintln(os.Stderr, "Error:", ee.err)
		}
		return ee.code
	}
	fmt.Fprintln(os.Stderr, "Error:", err)
	return 1
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is $HOME/.config/prodigy/config.yaml)")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
}

func initConfig() {
	config.SetDefaults()

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(config.ConfigDir())
		viper.AddConfigPath("$HOME/.config/prodigy")
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("PRODIGY")
	// PRODIGY_SCHEDULER_MAX_PARALLEL overrides scheduler.max_parallel
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	_ = viper.ReadInConfig()
}

// newEngine builds an engine rooted at the current working directory's
// repository. The returned closer flushes the debug log.
func newEngine() (*engine.Engine, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}

	repoDir, err := os.Getwd()
	if err != nil {
		return nil, nil, err
	}

	logPath := ""
	if cfg.Logging.Enabled {
		logPath = filepath.Join(cfg.Storage.ResolveRootDir(), "logs", "prodigy.log")
	}
	log, err := logging.NewLogger(logPath, cfg.Logging.Level, logging.RotationConfig{
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
	})
	if err != nil {
		return nil, nil, err
	}

	e, err := engine.New(cfg, repoDir, log.Slog())
	if err != nil {
		_ = log.Close()
		return nil, nil, err
	}
	return e, func() { _ = log.Close() }, nil
}
