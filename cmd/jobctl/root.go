package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"imagejobs/internal/bootstrap"
	"imagejobs/internal/infra"
)

var (
	verbose    bool
	jsonOutput bool

	cfg    *infra.Config
	logger zerolog.Logger
	rt     *bootstrap.Runtime
)

var rootCmd = &cobra.Command{
	Use:   "jobctl",
	Short: "Operate the image generation job pipeline",
	Long: `jobctl inspects and drives image generation jobs.

Configuration comes from the same environment variables as the api and
worker processes (DATABASE_URL, REDIS_URL, QWEN_API_KEY, ...).`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" {
			return nil
		}
		var err error
		cfg, err = infra.LoadConfig()
		if err != nil {
			return err
		}
		logger = infra.NewLogger(cfg.AppEnv).With().Str("cmd", "jobctl").Logger()
		if !verbose {
			logger = logger.Level(zerolog.WarnLevel)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if rt != nil {
			rt.Close()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log at the configured level instead of warnings only")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print results as JSON")

	rootCmd.AddCommand(migrateCmd, enqueueCmd, listCmd, retryCmd, cancelCmd, driveCmd, purgeCmd, reapCmd, exportCmd, credentialsCmd)
}

// runtime connects lazily so commands that need only the database skip the
// rest of the wiring.
func runtime(ctx context.Context) (*bootstrap.Runtime, error) {
	if rt != nil {
		return rt, nil
	}
	var err error
	rt, err = bootstrap.Build(ctx, cfg, logger, bootstrap.Options{})
	return rt, err
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
