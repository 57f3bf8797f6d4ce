package cli

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/cheggaaa/pb/v3"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"localmind/internal/config"
	"localmind/internal/download"
	"localmind/internal/logger"
	"localmind/internal/storage"
)

const pullPollEvery = 250 * time.Millisecond

func newPullCmd(ro *RootOpts) *cobra.Command {
	var (
		kind  string
		files []string
	)

	cmd := &cobra.Command{
		Use:   "pull MODEL",
		Short: "Download a model artifact from the hub",
		Long: `Fetch a model into the local models directory with resume support.
gguf artifacts name the file inline (author/repo/file.gguf); mlx
artifacts name the repository and fetch every file unless --files
narrows the list.

Interrupting with Ctrl-C pauses the download; running the same pull
again resumes from the saved state.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPull(cmd.Context(), ro, args[0], kind, files)
		},
	}

	cmd.Flags().StringVar(&kind, "kind", download.KindGGUF, "Artifact kind: gguf or mlx")
	cmd.Flags().StringSliceVar(&files, "files", nil, "Files to fetch for mlx artifacts (default: all)")

	return cmd
}

func runPull(ctx context.Context, ro *RootOpts, modelID, kind string, files []string) error {
	settings, err := resolveSettings(ro)
	if err != nil {
		return err
	}
	if err := settings.EnsureDirs(); err != nil {
		return err
	}
	// Console belongs to the progress bar; logs go to file only.
	log, err := logger.New(io.Discard, settings.LogDir, "pull.log")
	if err != nil {
		return err
	}

	db, err := storage.NewStorage(settings.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	cfg := config.NewConfigManager(db)

	states := download.NewStateStore(filepath.Join(settings.StateDir, "downloads.json"))
	if err := states.Load(); err != nil {
		return fmt.Errorf("load download state: %w", err)
	}
	manager := download.NewManager(states, download.NewHubClient(settings.HubBaseURL, nil),
		download.NewRateLimiter(), settings.ModelsDir, log)
	manager.SetBandwidthLimit(cfg.GetBandwidthLimit())
	manager.SetIntegrityCheck(cfg.GetEnableIntegrityCheck())
	defer manager.Shutdown()

	res, id, err := manager.Start(ctx, modelID, kind, files)
	if err != nil {
		return err
	}
	if res == download.ResultAlreadyDownloaded {
		fmt.Printf("already downloaded: %s\n", manager.ArtifactPath(id))
		return nil
	}

	p, _ := manager.Progress(id)
	bar := pb.Full.Start64(p.Total)
	bar.Set(pb.Bytes, true)

	ticker := time.NewTicker(pullPollEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			manager.Pause(id)
			bar.Finish()
			fmt.Println("interrupted; run the same pull to resume")
			return nil
		case <-ticker.C:
			p, ok := manager.Progress(id)
			if !ok {
				bar.Finish()
				return fmt.Errorf("download state for %s disappeared", id)
			}
			bar.SetTotal(p.Total)
			bar.SetCurrent(p.Downloaded)
			switch p.Status {
			case download.StatusReady:
				bar.Finish()
				fmt.Printf("done: %s (%s)\n", manager.ArtifactPath(id), humanize.IBytes(uint64(p.Downloaded)))
				return nil
			case download.StatusError:
				bar.Finish()
				return fmt.Errorf("download failed: %s", p.Error)
			case download.StatusPaused, download.StatusCancelled:
				bar.Finish()
				return fmt.Errorf("download was %s outside this run", p.Status)
			}
		}
	}
}
