package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var exportOutput string

var exportCmd = &cobra.Command{
	Use:   "export <job-id>",
	Short: "Write a completed job's images to a zip archive",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		r, err := runtime(ctx)
		if err != nil {
			return err
		}
		data, err := r.Service.ArchiveJob(ctx, args[0])
		if err != nil {
			return fmt.Errorf("export: %w", err)
		}
		out := exportOutput
		if out == "" {
			out = "job-" + args[0] + ".zip"
		}
		if err := os.WriteFile(out, data, 0o644); err != nil {
			return fmt.Errorf("export: %w", err)
		}
		fmt.Printf("wrote %s (%d bytes)\n", out, len(data))
		return nil
	},
}

func init() {
	exportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "archive path (default job-<id>.zip)")
}
