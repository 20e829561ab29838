package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kenneth/secure-ocr-client/internal/store"
)

func newSessionCommand(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Manage the stored backend session",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "login <token>",
			Short: "Store the bearer token used for backend requests",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				token := strings.TrimSpace(args[0])
				if token == "" {
					return errors.New("token must not be empty")
				}
				app, err := root.setup(cmd)
				if err != nil {
					return err
				}
				defer root.teardown()

				if err := app.DB.Settings.Set(cmd.Context(), store.SessionTokenKey, []byte(token)); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "session token stored")
				return nil
			},
		},
		&cobra.Command{
			Use:   "logout",
			Short: "Forget the stored bearer token",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				app, err := root.setup(cmd)
				if err != nil {
					return err
				}
				defer root.teardown()

				if err := app.DB.Settings.Delete(cmd.Context(), store.SessionTokenKey); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "session token removed")
				return nil
			},
		},
		&cobra.Command{
			Use:   "language [code]",
			Short: "Show or set the preferred UI language",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				app, err := root.setup(cmd)
				if err != nil {
					return err
				}
				defer root.teardown()

				if len(args) == 1 {
					return app.DB.Settings.Set(cmd.Context(), store.LanguageKey, []byte(args[0]))
				}
				lang, err := app.DB.Settings.GetString(cmd.Context(), store.LanguageKey)
				if err != nil {
					return err
				}
				if lang == "" {
					lang = "en"
				}
				fmt.Fprintln(cmd.OutOrStdout(), lang)
				return nil
			},
		},
	)
	return cmd
}
