package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"imagejobs/internal/jobs"
)

var listCmd = &cobra.Command{
	Use:   "list <scope-id>",
	Short: "List a scope's jobs in creation order",
	Args:  cobra.ExactArgs(1),
	RunE:  runList,
}

func runList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	r, err := runtime(ctx)
	if err != nil {
		return err
	}
	list, err := r.Service.JobsForScope(ctx, args[0])
	if err != nil {
		return fmt.Errorf("list: %w", err)
	}
	summary := jobs.Summarize(list)
	if jsonOutput {
		return printJSON(map[string]any{"jobs": list, "summary": summary})
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tPRIO\tRETRIES\tIMAGES\tDESCRIPTION\tERROR")
	for _, j := range list {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%s\t%s\n",
			j.ID, j.Status, j.Priority, j.RetryCount, len(j.ImageURLs), truncate(j.Description, 40), j.Error)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Printf("\n%d jobs: %d pending, %d processing, %d completed, %d failed (done=%t)\n",
		summary.Total, summary.Pending, summary.Processing, summary.Completed, summary.Failed, summary.Done)
	return nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
