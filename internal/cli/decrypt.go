package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/kenneth/secure-ocr-client/internal/secure"
)

func newDecryptCommand(root *rootOptions) *cobra.Command {
	var (
		fingerprint string
		output      string
	)

	cmd := &cobra.Command{
		Use:   "decrypt <file>",
		Short: "Decode an encrypted envelope produced by this installation",
		Long: `Decode an envelope (or a raw encrypted payload) with the local key.

The decoder tries the JSON envelope first, then raw Base64 and raw bytes.
When the result is not a plausible image the decrypted text is saved next
to it.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := root.setup(cmd)
			if err != nil {
				return err
			}
			defer root.teardown()

			decoded, err := app.Decoder().Decrypt(cmd.Context(), args[0], fingerprint)
			if err != nil {
				return err
			}
			return emitDecoded(cmd.OutOrStdout(), decoded, output)
		},
	}

	cmd.Flags().StringVar(&fingerprint, "fingerprint", "", "Expected key fingerprint (first and last 5 characters of the key)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Move the decoded file to this path")
	return cmd
}

// emitDecoded moves the decoded file to output when given and prints where
// the results are.
func emitDecoded(w io.Writer, decoded *secure.DecodedFile, output string) error {
	uri := decoded.URI
	if output != "" {
		if err := moveFile(uri, output); err != nil {
			return err
		}
		uri = output
	}

	fmt.Fprintf(w, "%s\tstrategy=%s\tplausible=%t\n", uri, decoded.Strategy, decoded.Plausible)
	if decoded.TextURI != "" && decoded.TextURI != decoded.URI {
		fmt.Fprintf(w, "%s\traw text\n", decoded.TextURI)
	}
	return nil
}

func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	// Rename fails across file systems.
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("failed to copy to %s: %w", dst, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("failed to write %s: %w", dst, err)
	}
	in.Close()
	return os.Remove(src)
}
