package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"imagejobs/internal/worker"
)

var driveMaxJobs int

var driveCmd = &cobra.Command{
	Use:   "drive",
	Short: "Process pending jobs now",
	Long: `Process pending jobs in this process.

With --max-jobs 0 a single cycle runs. Otherwise cycles repeat until the
queue is empty, the limit is reached, or the rate limiter asks for a longer
pause than the configured maximum wait.`,
	Args: cobra.NoArgs,
	RunE: runDrive,
}

func init() {
	driveCmd.Flags().IntVarP(&driveMaxJobs, "max-jobs", "n", 0, "cycles to run; 0 runs one")
}

func runDrive(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	r, err := runtime(ctx)
	if err != nil {
		return err
	}
	if driveMaxJobs <= 0 {
		res, err := r.Service.DriveOnce(ctx)
		if err != nil {
			return fmt.Errorf("drive: %w", err)
		}
		printCycle(res)
		return nil
	}
	summary, err := r.Service.DriveContinuous(ctx, driveMaxJobs)
	if err != nil {
		return fmt.Errorf("drive: %w", err)
	}
	if jsonOutput {
		return printJSON(summary)
	}
	for _, c := range summary.Cycles {
		printCycle(c)
	}
	fmt.Printf("processed %d, stopped: %s\n", summary.Processed(), summary.Reason)
	return nil
}

func printCycle(res worker.Result) {
	line := string(res.Outcome)
	if res.JobID != "" {
		line += " " + res.JobID
	}
	if res.Err != nil {
		line += ": " + res.Err.Error()
	}
	if res.Outcome == worker.OutcomeDeferred {
		line += fmt.Sprintf(" (wait %s)", res.Wait)
	}
	fmt.Println(line)
}
