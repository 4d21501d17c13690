package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel <scope-id>",
	Short: "Fail every pending job in a scope",
	Long: `Fail every pending job in a scope with the error "cancelled".

Jobs already being processed finish normally.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		r, err := runtime(ctx)
		if err != nil {
			return err
		}
		n, err := r.Service.CancelPendingForScope(ctx, args[0])
		if err != nil {
			return fmt.Errorf("cancel: %w", err)
		}
		if jsonOutput {
			return printJSON(map[string]any{"scope_id": args[0], "cancelled": n})
		}
		fmt.Printf("cancelled %d pending jobs\n", n)
		return nil
	},
}
