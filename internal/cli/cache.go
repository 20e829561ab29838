package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/kenneth/secure-ocr-client/internal/secure"
)

func newCacheCommand(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage temporary envelopes and decoded files",
	}

	var olderThan time.Duration
	prune := &cobra.Command{
		Use:   "prune",
		Short: "Delete cached files older than --older-than",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := root.setup(cmd)
			if err != nil {
				return err
			}
			defer root.teardown()

			removed, err := secure.Prune(app.Config.Storage.CacheDir, olderThan, time.Now())
			if err != nil {
				return err
			}
			app.Logger.WithField("removed", removed).Info("Pruned cache")
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d file(s)\n", removed)
			return nil
		},
	}
	prune.Flags().DurationVar(&olderThan, "older-than", 24*time.Hour, "Minimum file age")

	cmd.AddCommand(prune)
	return cmd
}
