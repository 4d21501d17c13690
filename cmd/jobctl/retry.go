package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var retryCmd = &cobra.Command{
	Use:   "retry <job-id>",
	Short: "Re-queue a failed job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		r, err := runtime(ctx)
		if err != nil {
			return err
		}
		if err := r.Service.RetryJob(ctx, args[0]); err != nil {
			return fmt.Errorf("retry: %w", err)
		}
		fmt.Printf("%s re-queued\n", args[0])
		return nil
	},
}
