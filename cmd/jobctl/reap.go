package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// Processing jobs older than this many lock lifetimes have no live worker.
const reapLockMultiple = 10

var reapOlderThan time.Duration

var reapCmd = &cobra.Command{
	Use:   "reap",
	Short: "Fail processing jobs whose worker never finished",
	Long: `Mark processing jobs started before --older-than as failed so they can be retried.

The default cutoff is ten processing-lock lifetimes (LOCK_TTL_MS).

Examples:
  jobctl reap
  jobctl reap --older-than 15m`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		age := reapOlderThan
		if age == 0 {
			age = reapLockMultiple * cfg.LockTTL
		}
		if age <= 0 {
			return fmt.Errorf("--older-than must be positive")
		}
		ctx := cmd.Context()
		r, err := runtime(ctx)
		if err != nil {
			return err
		}
		n, err := r.Service.ReapStale(ctx, time.Now().Add(-age))
		if err != nil {
			return fmt.Errorf("reap: %w", err)
		}
		fmt.Printf("reaped %d jobs started more than %s ago\n", n, age)
		return nil
	},
}

func init() {
	reapCmd.Flags().DurationVar(&reapOlderThan, "older-than", 0, "minimum age of processing jobs to fail (default 10x LOCK_TTL_MS)")
}
