package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/kenneth/secure-ocr-client/internal/secure"
	"github.com/kenneth/secure-ocr-client/internal/store"
)

func newOpenCommand(root *rootOptions) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "open <documentId>",
		Short: "Fetch an archived envelope and decode it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := root.setup(cmd)
			if err != nil {
				return err
			}
			defer root.teardown()

			if app.Archive == nil {
				return errors.New("archive is disabled; set archive.enabled and archive.bucket")
			}

			ctx := cmd.Context()
			documentID := args[0]
			env, err := app.Archive.Fetch(ctx, documentID, filepath.Join(app.Config.Storage.CacheDir, secure.EncryptedDir))
			if err != nil {
				return err
			}
			defer os.Remove(env.Path)

			fingerprint := env.Metadata["key-fingerprint"]
			if fingerprint == "" {
				rec, err := app.DB.Uploads.Get(ctx, documentID)
				switch {
				case err == nil:
					fingerprint = rec.KeyFingerprint
				case !errors.Is(err, store.ErrUploadNotFound):
					return fmt.Errorf("failed to read upload history: %w", err)
				}
			}

			decoded, err := app.Decoder().Decrypt(ctx, env.Path, fingerprint)
			if err != nil {
				return err
			}
			return emitDecoded(cmd.OutOrStdout(), decoded, output)
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "Move the decoded file to this path")
	return cmd
}
