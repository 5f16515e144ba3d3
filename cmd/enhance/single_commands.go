package main

import (
	"fmt"
	"io"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/handiism/media-enhancer/internal/model"
)

func newUploadCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "upload <file>",
		Short: "Upload one file and print its completion token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := ctx.ensureSettings()
			if err != nil {
				return err
			}
			client, err := ctx.client()
			if err != nil {
				return err
			}
			defer client.Close()

			token, err := client.Upload(cmd.Context(), args[0], settings.ToEnhancementRequest())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
}

func newDownloadCommand(ctx *commandContext) *cobra.Command {
	var (
		dest         string
		showProgress bool
	)

	cmd := &cobra.Command{
		Use:   "download <token>",
		Short: "Download the result for a completion token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := ctx.ensureSettings()
			if err != nil {
				return err
			}
			token, err := model.ParseToken(args[0])
			if err != nil {
				return err
			}
			client, err := ctx.client()
			if err != nil {
				return err
			}
			defer client.Close()

			target := dest
			if target == "" {
				target = filepath.Join(settings.OutputDir, token.FileName(settings.ResultFileExtension()))
			}
			var onProgress func(written, total int64)
			if showProgress {
				onProgress = progressPrinter(cmd.ErrOrStderr())
			}
			n, err := client.DownloadWithProgress(cmd.Context(), token, target, onProgress)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s (%d bytes)\n", target, n)
			return nil
		},
	}

	cmd.Flags().StringVarP(&dest, "output", "o", "", "Destination file (default: <output_dir>/<token>.<ext>)")
	cmd.Flags().BoolVar(&showProgress, "progress", false, "Report download progress on stderr")
	return cmd
}

// progressPrinter writes a line each time a download crosses another 10%.
// Nothing is printed when the size is unknown.
func progressPrinter(w io.Writer) func(written, total int64) {
	last := -1
	return func(written, total int64) {
		if total <= 0 {
			return
		}
		step := int(written*100/total) / 10 * 10
		if step <= last {
			return
		}
		last = step
		fmt.Fprintf(w, "Downloading... %d%% (%d/%d bytes)\n", step, written, total)
	}
}
