package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	enqueueSubject  string
	enqueueStyle    string
	enqueuePriority int
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue <scope-id> <description>",
	Short: "Queue an image generation job",
	Long: `Queue an image generation job for a scope.

Examples:
  jobctl enqueue deck-42 "a lighthouse at dusk" --style watercolor
  jobctl enqueue deck-42 "team photo" --subject slide-3 --priority 5`,
	Args: cobra.ExactArgs(2),
	RunE: runEnqueue,
}

func init() {
	enqueueCmd.Flags().StringVar(&enqueueSubject, "subject", "", "subject the images illustrate")
	enqueueCmd.Flags().StringVar(&enqueueStyle, "style", "", "style key, e.g. minimalist or watercolor")
	enqueueCmd.Flags().IntVarP(&enqueuePriority, "priority", "p", 0, "higher runs first")
}

func runEnqueue(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	r, err := runtime(ctx)
	if err != nil {
		return err
	}
	id, err := r.Service.EnqueueJob(ctx, args[0], enqueueSubject, args[1], enqueueStyle, enqueuePriority)
	if err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	if jsonOutput {
		return printJSON(map[string]string{"id": id})
	}
	fmt.Println(id)
	return nil
}
