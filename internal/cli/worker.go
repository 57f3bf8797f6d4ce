package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"localmind/internal/config"
	"localmind/internal/extract"
	"localmind/internal/learn"
	"localmind/internal/llm"
	"localmind/internal/logger"
	"localmind/internal/memory"
	"localmind/internal/storage"
)

func newWorkerCmd(ro *RootOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the learning worker process",
		Long: `Drain the learning queue: stage completed chats and extract
long-term memories from them with the inference engine.

serve starts this process on demand; running it by hand is only useful
for debugging. A file lock keeps it single-instance.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(cmd.Context(), ro)
		},
	}
}

func runWorker(ctx context.Context, ro *RootOpts) error {
	settings, err := resolveSettings(ro)
	if err != nil {
		return err
	}
	if err := settings.EnsureDirs(); err != nil {
		return err
	}
	log, err := logger.New(os.Stderr, settings.LogDir, "worker.log")
	if err != nil {
		return err
	}

	release, ok, err := learn.AcquireWorkerLock(filepath.Join(settings.StateDir, learn.LockFileName))
	if err != nil {
		return fmt.Errorf("worker lock: %w", err)
	}
	if !ok {
		log.Info("Another worker holds the lock, exiting")
		return nil
	}
	defer release()

	db, err := storage.NewStorage(settings.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	cfg := config.NewConfigManager(db)
	engine := llm.NewClient(settings.EngineBaseURL, settings.ChatModel, settings.EmbedModel, log)

	// Rows only; the serve process owns the index files and backfills
	// vectors during maintenance.
	sink := memory.NewStore(db, nil, nil, cfg, log)

	flag := learn.NewUIFlag(cfg)
	worker := learn.NewWorker(db, extract.NewExtractor(engine, sink, flag.Active, log), flag, log)
	worker.Run(ctx)
	return nil
}
