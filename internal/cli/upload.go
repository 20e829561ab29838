package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kenneth/secure-ocr-client/internal/crop"
	"github.com/kenneth/secure-ocr-client/internal/lifecycle"
)

type uploadResult struct {
	DocumentID     string `json:"documentId"`
	JobID          string `json:"jobId,omitempty"`
	RequestID      string `json:"requestId,omitempty"`
	State          string `json:"state"`
	Progress       int    `json:"progress"`
	KeyFingerprint string `json:"keyFingerprint,omitempty"`
	Error          string `json:"error,omitempty"`
}

func newUploadCommand(root *rootOptions) *cobra.Command {
	var (
		cropFlag      string
		containerFlag string
		noWait        bool
		jsonOutput    bool
	)

	cmd := &cobra.Command{
		Use:   "upload <image>",
		Short: "Encrypt an image and submit it for OCR",
		Long: `Encrypt an image with the local key, upload the envelope and poll the
processing job until it completes or fails.

--crop selects a region in container coordinates; --container gives the
size of the area the image was shown in. Without --container the crop is
in image pixels.`,
		Example: `  # Upload a whole receipt and wait for the result
  ocrclient upload receipt.jpg

  # Crop a region selected in a 300x200 preview
  ocrclient upload page.png --crop 100,50,100,100 --container 300x200`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := lifecycle.RunRequest{Path: args[0], Detach: noWait}
			if cropFlag != "" {
				selection, err := parseRect(cropFlag)
				if err != nil {
					return err
				}
				cr := &lifecycle.CropRequest{Selection: selection}
				if containerFlag != "" {
					if cr.Container, err = parseSize(containerFlag); err != nil {
						return err
					}
				}
				req.Crop = cr
			}

			app, err := root.setup(cmd)
			if err != nil {
				return err
			}
			defer root.teardown()

			if req.Crop != nil && containerFlag == "" {
				// Identity mapping: the container is the image itself.
				req.Crop.Container, err = crop.ImageSize(args[0])
				if err != nil {
					return err
				}
				req.Size = req.Crop.Container
			}

			var notifier lifecycle.Notifier = printNotifier{out: cmd.ErrOrStderr()}
			if jsonOutput {
				notifier = nil
			}
			ctrl, err := app.Controller(notifier)
			if err != nil {
				return err
			}
			defer ctrl.Close()

			snap, runErr := ctrl.Run(cmd.Context(), req)
			out := uploadResult{
				DocumentID:     snap.DocumentID,
				JobID:          snap.JobID,
				RequestID:      snap.RequestID,
				State:          string(snap.State),
				Progress:       snap.Progress,
				KeyFingerprint: snap.KeyFingerprint,
			}
			if runErr != nil {
				out.Error = runErr.Error()
			}

			if jsonOutput {
				if err := writeJSON(cmd.OutOrStdout(), out); err != nil {
					return err
				}
			} else if out.DocumentID != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", out.DocumentID, out.State)
			}
			return runErr
		},
	}

	cmd.Flags().StringVar(&cropFlag, "crop", "", "Crop region as x,y,width,height")
	cmd.Flags().StringVar(&containerFlag, "container", "", "Preview container size as WIDTHxHEIGHT")
	cmd.Flags().BoolVar(&noWait, "no-wait", false, "Return once the upload is accepted")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Print the result as JSON")
	return cmd
}
