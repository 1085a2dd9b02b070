package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	apperrors "github.com/musicplayer/musicplayer-go/internal/errors"
	"github.com/musicplayer/musicplayer-go/internal/storage"
	"github.com/musicplayer/musicplayer-go/internal/store"
)

type appFunc func(ctx context.Context, a *app, args []string) error

// appRunner wraps an appFunc into a cobra RunE. When start is set the
// download workers and library executor run for the command's lifetime.
type appRunner func(start bool, run appFunc) func(*cobra.Command, []string) error

func newDownloadCommand(withApp appRunner) *cobra.Command {
	var detach bool

	cmd := &cobra.Command{
		Use:   "download <track-id>...",
		Short: "Download tracks for offline playback.",
		Args:  cobra.MinimumNArgs(1),
		RunE: withApp(true, func(ctx context.Context, a *app, args []string) error {
			ids := make(map[string]int64, len(args))
			for _, trackID := range args {
				id, err := a.coordinator.StartDownload(ctx, trackID)
				if err != nil {
					fmt.Fprintf(os.Stderr, "%s: %s\n", trackID, userMessage(err))
					continue
				}
				ids[trackID] = id
				fmt.Printf("%s: queued (download %d)\n", trackID, id)
			}
			if detach || len(ids) == 0 {
				return nil
			}

			failed := 0
			for trackID, id := range ids {
				d, err := a.wait(ctx, id, func(d *store.Download) {
					if d.Status == store.StatusRunning {
						fmt.Printf("\r%s: %3d%% %s", trackID, d.Progress, storage.FormatSize(d.BytesTransferred))
					}
				})
				if err != nil {
					return err
				}
				fmt.Println()
				switch d.Status {
				case store.StatusCompleted:
					fmt.Printf("%s: completed (%s)\n", trackID, storage.FormatSize(d.BytesTransferred))
				default:
					failed++
					fmt.Printf("%s: %s %s\n", trackID, strings.ToLower(string(d.Status)), d.FailureReason)
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d downloads did not complete", failed, len(ids))
			}
			return nil
		}),
	}
	cmd.Flags().BoolVar(&detach, "detach", false, "queue and exit; the serve command picks the rows up")
	return cmd
}

func newControlCommands(withApp appRunner) []*cobra.Command {
	trackCommand := func(use, short string, run func(ctx context.Context, a *app, trackID string) error) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <track-id>",
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: withApp(true, func(ctx context.Context, a *app, args []string) error {
				if err := run(ctx, a, args[0]); err != nil {
					return fmt.Errorf("%s", userMessage(err))
				}
				return nil
			}),
		}
	}

	return []*cobra.Command{
		trackCommand("delete", "Delete a download and its files.", func(ctx context.Context, a *app, trackID string) error {
			return a.coordinator.DeleteDownload(ctx, trackID)
		}),
		trackCommand("cancel", "Cancel an active download.", func(ctx context.Context, a *app, trackID string) error {
			return a.coordinator.CancelDownload(ctx, trackID)
		}),
		trackCommand("pause", "Pause an active download.", func(ctx context.Context, a *app, trackID string) error {
			return a.coordinator.PauseDownload(ctx, trackID)
		}),
		trackCommand("resume", "Queue a paused download again.", func(ctx context.Context, a *app, trackID string) error {
			id, err := a.coordinator.ResumeDownload(ctx, trackID)
			if err == nil {
				fmt.Printf("%s: queued (download %d)\n", trackID, id)
			}
			return err
		}),
		{
			Use:   "retry-failed",
			Short: "Queue every failed download again.",
			Args:  cobra.NoArgs,
			RunE: withApp(true, func(ctx context.Context, a *app, args []string) error {
				n, err := a.coordinator.RetryFailed(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("%d downloads queued\n", n)
				return nil
			}),
		},
	}
}

func newListCommand(withApp appRunner) *cobra.Command {
	var status string
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List download ledger rows.",
		Args:  cobra.NoArgs,
		RunE: withApp(false, func(ctx context.Context, a *app, args []string) error {
			var (
				rows []*store.Download
				err  error
			)
			if status != "" {
				s := store.DownloadStatus(strings.ToUpper(status))
				if !s.Valid() {
					return fmt.Errorf("unknown status %q", status)
				}
				rows, err = a.downloads.ListByStatus(ctx, s)
			} else {
				rows, err = a.downloads.ListAll(ctx)
			}
			if err != nil {
				return err
			}

			if asJSON {
				return printJSON(rows)
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTRACK\tSTATUS\tPROGRESS\tSIZE\tREASON")
			for _, d := range rows {
				fmt.Fprintf(w, "%d\t%s\t%s\t%d%%\t%s\t%s\n",
					d.ID, d.TrackID, d.Status, d.Progress, storage.FormatSize(d.BytesTransferred), d.FailureReason)
			}
			return w.Flush()
		}),
	}
	cmd.Flags().StringVar(&status, "status", "", "only rows with this status")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newMaintenanceCommands(withApp appRunner) []*cobra.Command {
	var completed, failed bool

	purge := &cobra.Command{
		Use:   "purge",
		Short: "Remove finished ledger rows.",
		Args:  cobra.NoArgs,
		RunE: withApp(false, func(ctx context.Context, a *app, args []string) error {
			if !completed && !failed {
				return fmt.Errorf("choose --completed and/or --failed")
			}
			if completed {
				n, err := a.coordinator.PurgeCompleted(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("%d completed rows removed\n", n)
			}
			if failed {
				n, err := a.coordinator.PurgeFailed(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("%d failed rows removed\n", n)
			}
			return nil
		}),
	}
	purge.Flags().BoolVar(&completed, "completed", false, "remove COMPLETED rows")
	purge.Flags().BoolVar(&failed, "failed", false, "remove FAILED rows")

	return []*cobra.Command{
		purge,
		{
			Use:   "sweep",
			Short: "Remove empty, stale and orphaned files from the download directory.",
			Args:  cobra.NoArgs,
			RunE: withApp(false, func(ctx context.Context, a *app, args []string) error {
				report, err := a.coordinator.Sweep(ctx)
				if err != nil {
					return err
				}
				return printJSON(report)
			}),
		},
		{
			Use:   "reconcile",
			Short: "Repair the ledger and catalog after an unclean shutdown.",
			Args:  cobra.NoArgs,
			RunE: withApp(false, func(ctx context.Context, a *app, args []string) error {
				report, err := a.coordinator.Reconcile(ctx, false)
				if err != nil {
					return err
				}
				return printJSON(report)
			}),
		},
	}
}

func newCatalogCommand(withApp appRunner) *cobra.Command {
	return &cobra.Command{
		Use:   "sync-catalog",
		Short: "Fetch track metadata from the configured catalog source.",
		Args:  cobra.NoArgs,
		RunE: withApp(false, func(ctx context.Context, a *app, args []string) error {
			if a.catalog == nil {
				return fmt.Errorf("catalog.source_url is not configured")
			}
			report, err := a.catalog.Sync(ctx, a.tracks)
			if err != nil {
				return fmt.Errorf("%s", userMessage(err))
			}
			return printJSON(report)
		}),
	}
}

func newLibraryCommands(withApp appRunner) []*cobra.Command {
	playlist := &cobra.Command{
		Use:   "playlist",
		Short: "Manage playlists.",
	}
	playlist.AddCommand(
		&cobra.Command{
			Use:   "create <name>",
			Short: "Create a playlist.",
			Args:  cobra.ExactArgs(1),
			RunE: withApp(true, func(ctx context.Context, a *app, args []string) error {
				p, err := a.library.CreatePlaylist(ctx, args[0])
				if err != nil {
					return fmt.Errorf("%s", userMessage(err))
				}
				fmt.Printf("playlist %d created\n", p.ID)
				return nil
			}),
		},
		&cobra.Command{
			Use:   "add <playlist-id> <track-id>",
			Short: "Add a track to a playlist.",
			Args:  cobra.ExactArgs(2),
			RunE: withApp(true, func(ctx context.Context, a *app, args []string) error {
				id, err := strconv.ParseInt(args[0], 10, 64)
				if err != nil {
					return fmt.Errorf("invalid playlist id %q", args[0])
				}
				if err := a.library.AddToPlaylist(ctx, id, args[1]); err != nil {
					return fmt.Errorf("%s", userMessage(err))
				}
				return nil
			}),
		},
		&cobra.Command{
			Use:   "list",
			Short: "List playlists.",
			Args:  cobra.NoArgs,
			RunE: withApp(true, func(ctx context.Context, a *app, args []string) error {
				playlists, err := a.library.Playlists(ctx)
				if err != nil {
					return err
				}
				return printJSON(playlists)
			}),
		},
	)

	return []*cobra.Command{
		playlist,
		{
			Use:   "favorite <track-id>",
			Short: "Toggle a track's favorite flag.",
			Args:  cobra.ExactArgs(1),
			RunE: withApp(true, func(ctx context.Context, a *app, args []string) error {
				favorite, err := a.library.ToggleFavorite(ctx, args[0])
				if err != nil {
					return fmt.Errorf("%s", userMessage(err))
				}
				fmt.Printf("%s: favorite=%t\n", args[0], favorite)
				return nil
			}),
		},
		{
			Use:   "play <track-id>",
			Short: "Record a play of a track.",
			Args:  cobra.ExactArgs(1),
			RunE: withApp(true, func(ctx context.Context, a *app, args []string) error {
				if err := a.library.RecordPlay(ctx, args[0]); err != nil {
					return fmt.Errorf("%s", userMessage(err))
				}
				return nil
			}),
		},
	}
}

func newServeCommand(withApp appRunner) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the download workers and the local status server.",
		Args:  cobra.NoArgs,
		RunE: withApp(true, func(ctx context.Context, a *app, args []string) error {
			if _, err := a.coordinator.Reconcile(ctx, true); err != nil {
				return err
			}

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return a.server().ListenAndServe(ctx)
			})
			g.Go(func() error {
				for counts := range a.downloads.WatchCounts(ctx) {
					a.logger.Sugar().Debugf("ledger: %d queued, %d running", counts[store.StatusQueued], counts[store.StatusRunning])
				}
				return nil
			})
			return g.Wait()
		}),
	}
}

func newStatusCommand(withApp appRunner) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print health and ledger counts.",
		Args:  cobra.NoArgs,
		RunE: withApp(false, func(ctx context.Context, a *app, args []string) error {
			counts, err := a.downloads.Counts(ctx)
			if err != nil {
				return err
			}
			return printJSON(a.health.Check(ctx, counts[store.StatusQueued], counts[store.StatusRunning]))
		}),
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// userMessage prefers the short message of an application error.
func userMessage(err error) string {
	if msg := apperrors.GetUserMessage(err); msg != "Unexpected error" {
		return msg
	}
	return err.Error()
}
