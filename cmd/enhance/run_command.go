package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/handiism/media-enhancer/internal/audio"
	"github.com/handiism/media-enhancer/internal/config"
	"github.com/handiism/media-enhancer/internal/model"
	"github.com/handiism/media-enhancer/internal/pipeline"
)

type runOptions struct {
	limit           int
	output          string
	mode            string
	listen          string
	uploadWorkers   int
	downloadWorkers int
	playlist        bool
	verbose         bool
}

func newRunCommand(ctx *commandContext) *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run <folder>",
		Short: "Enhance every file in a folder",
		Long: `Run starts the pipeline, submits every regular file under folder and
waits until each one has been enhanced, has failed, or the run is
interrupted. Interrupting the run shuts the pipeline down gracefully.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := ctx.ensureSettings()
			if err != nil {
				return err
			}
			run := *settings
			if err := opts.apply(cmd, &run); err != nil {
				return err
			}
			creds, err := ctx.credentials()
			if err != nil {
				return err
			}
			logger, err := ctx.logger(cmd)
			if err != nil {
				return err
			}

			sigCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			out := &lockedWriter{w: cmd.OutOrStdout()}
			h, err := pipeline.Start(context.Background(), pipeline.Options{
				Settings:    &run,
				Credentials: creds,
				Logger:      logger,
				OnProgress:  printProgress(out, opts.verbose),
			})
			if err != nil {
				return err
			}
			if addr := h.ListenAddr(); addr != "" {
				fmt.Fprintf(out, "Listening for completions on %s\n", addr)
			}

			submitted, submitErr := h.SubmitFolder(sigCtx, args[0], opts.limit)
			if submitErr == nil {
				if submitted == 0 {
					fmt.Fprintf(out, "No files found in %s\n", args[0])
				}
				if err := h.WaitSettled(sigCtx, int64(submitted)); err != nil {
					fmt.Fprintln(out, "\nInterrupted, shutting down...")
				}
			}

			report := h.Shutdown(run.ShutdownTimeout.Std())
			results := h.Results().Drain()
			stats := h.Stats()

			var playlistPath string
			if run.CreatePlaylist && len(results) > 0 {
				creator := audio.NewPlaylistCreator(run.ToPlaylistFormat(), run.M3UExtended)
				playlistPath, err = creator.WritePlaylist(run.OutputDir, run.PlaylistName, results)
				if err != nil {
					return err
				}
			}

			fmt.Fprintln(out)
			fmt.Fprintln(out, renderResults(results))
			fmt.Fprintln(out, renderSummary(stats, report, playlistPath))

			switch {
			case submitErr != nil && sigCtx.Err() == nil:
				return submitErr
			case sigCtx.Err() != nil:
				return sigCtx.Err()
			case stats.Failed > 0:
				return fmt.Errorf("%d of %d item(s) failed", stats.Failed, stats.Submitted)
			}
			return h.Err()
		},
	}

	cmd.Flags().IntVarP(&opts.limit, "limit", "n", 0, "Submit at most this many files (0 = all)")
	cmd.Flags().StringVarP(&opts.output, "output", "o", "", "Output directory (overrides config)")
	cmd.Flags().StringVar(&opts.mode, "mode", "", "Completion mode: webhook or sync (overrides config)")
	cmd.Flags().StringVar(&opts.listen, "listen", "", "Completion listener address (overrides config)")
	cmd.Flags().IntVar(&opts.uploadWorkers, "upload-workers", 0, "Upload workers (overrides config)")
	cmd.Flags().IntVar(&opts.downloadWorkers, "download-workers", 0, "Download workers (overrides config)")
	cmd.Flags().BoolVar(&opts.playlist, "playlist", false, "Write a playlist of the results")
	cmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "Show verbose output")
	return cmd
}

func (o *runOptions) apply(cmd *cobra.Command, s *config.Settings) error {
	if o.limit < 0 {
		return fmt.Errorf("--limit must not be negative")
	}
	if o.output != "" {
		s.OutputDir = o.output
	}
	if o.mode != "" {
		s.CompletionMode = o.mode
	}
	if o.listen != "" {
		s.ListenAddr = o.listen
	}
	if cmd.Flags().Changed("upload-workers") {
		s.UploadWorkers = o.uploadWorkers
	}
	if cmd.Flags().Changed("download-workers") {
		s.DownloadWorkers = o.downloadWorkers
	}
	if o.playlist {
		s.CreatePlaylist = true
	}
	return s.Validate()
}

// lockedWriter serializes writes from the workers' progress callbacks and
// the command itself.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

func printProgress(w io.Writer, verbose bool) func(pipeline.ProgressEvent) {
	return func(event pipeline.ProgressEvent) {
		if event.Level == pipeline.LevelVerbose && !verbose {
			return
		}

		prefix := ""
		switch event.Level {
		case pipeline.LevelError:
			prefix = "❌ "
		case pipeline.LevelWarning:
			prefix = "⚠️  "
		case pipeline.LevelSuccess:
			prefix = "✅ "
		case pipeline.LevelInfo:
			prefix = "ℹ️  "
		default:
			prefix = "   "
		}
		fmt.Fprintln(w, prefix+event.Message)
	}
}

func renderResults(results []model.Result) string {
	if len(results) == 0 {
		return "No results."
	}
	rows := make([][]string, 0, len(results))
	for _, r := range results {
		source := "-"
		if r.SourcePath != "" {
			source = filepath.Base(r.SourcePath)
		}
		rows = append(rows, []string{source, r.Token.String(), r.Path})
	}
	return renderTable([]string{"Source", "Token", "Result"}, rows, nil)
}

func renderSummary(stats pipeline.Stats, report pipeline.ShutdownReport, playlist string) string {
	rows := [][]string{
		{"Submitted", strconv.FormatInt(stats.Submitted, 10)},
		{"Completed", strconv.FormatInt(stats.Completed, 10)},
		{"Failed", strconv.FormatInt(stats.Failed, 10)},
		{"Abandoned", strconv.FormatInt(stats.Abandoned, 10)},
		{"Forced shutdown", yesNo(report.Forced)},
		{"Shutdown took", report.Duration.Round(time.Millisecond).String()},
	}
	if report.UnmatchedTokens > 0 || stats.Unmatched > 0 {
		rows = append(rows, []string{"Unmatched completions", strconv.FormatInt(stats.Unmatched+int64(report.UnmatchedTokens), 10)})
	}
	if playlist != "" {
		rows = append(rows, []string{"Playlist", playlist})
	}
	return renderTable([]string{"Run", ""}, rows, []columnAlignment{alignLeft, alignRight})
}
