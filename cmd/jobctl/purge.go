package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var purgeOlderThan time.Duration

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete completed and failed jobs older than a cutoff",
	Long: `Delete completed and failed jobs whose completion is older than --older-than.

Stored images are not removed.

Examples:
  jobctl purge --older-than 720h`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if purgeOlderThan <= 0 {
			return fmt.Errorf("--older-than must be positive")
		}
		ctx := cmd.Context()
		r, err := runtime(ctx)
		if err != nil {
			return err
		}
		n, err := r.Service.PurgeTerminal(ctx, time.Now().Add(-purgeOlderThan))
		if err != nil {
			return fmt.Errorf("purge: %w", err)
		}
		fmt.Printf("purged %d jobs\n", n)
		return nil
	},
}

func init() {
	purgeCmd.Flags().DurationVar(&purgeOlderThan, "older-than", 30*24*time.Hour, "minimum age of terminal jobs to delete")
}
