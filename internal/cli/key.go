package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newKeyCommand(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "key",
		Short: "Inspect the local encryption key",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "fingerprint",
		Short: "Print the key fingerprint, creating the key on first use",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := root.setup(cmd)
			if err != nil {
				return err
			}
			defer root.teardown()

			fp, err := app.Keys.Fingerprint(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), fp)
			return nil
		},
	})
	return cmd
}
