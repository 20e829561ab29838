package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/kenneth/secure-ocr-client/internal/backend"
)

func newStatusCommand(root *rootOptions) *cobra.Command {
	var (
		follow     bool
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "status <documentId>",
		Short: "Show the processing status of an uploaded document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := root.setup(cmd)
			if err != nil {
				return err
			}
			defer root.teardown()

			ctx := cmd.Context()
			for {
				job, err := app.Backend.JobStatus(ctx, args[0])
				if err != nil {
					return err
				}

				if jsonOutput {
					if err := writeJSON(cmd.OutOrStdout(), job); err != nil {
						return err
					}
				} else {
					line := fmt.Sprintf("%s\t%s\t%d%%", args[0], job.Status, job.Progress)
					if job.ErrorDetails != "" {
						line += "\t" + job.ErrorDetails
					}
					fmt.Fprintln(cmd.OutOrStdout(), line)
				}

				if !follow || job.Status.IsTerminal() {
					if job.Status == backend.JobFailed {
						return fmt.Errorf("document %s failed: %s", args[0], job.ErrorDetails)
					}
					return nil
				}

				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(app.Config.Polling.Interval):
				}
			}
		},
	}

	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Keep polling until the job finishes")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Print the job as JSON")
	return cmd
}
