package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"localmind/internal/api"
	"localmind/internal/chat"
	"localmind/internal/config"
	"localmind/internal/download"
	"localmind/internal/learn"
	"localmind/internal/llm"
	"localmind/internal/logger"
	"localmind/internal/memory"
	"localmind/internal/scheduler"
	"localmind/internal/security"
	"localmind/internal/storage"
	"localmind/internal/updater"
	"localmind/internal/vector"
)

const shutdownGrace = 10 * time.Second

func newServeCmd(ro *RootOpts, version string) *cobra.Command {
	var updateRepo string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the assistant backend",
		Long: `Start the always-on backend: relational store, vector index,
download manager, memory store, retrieval router, chat orchestrator,
weekly maintenance and the local HTTP API.

The learning worker is a separate process; serve starts one on demand
when chats are queued for extraction.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), ro, updateRepo, version)
		},
	}

	cmd.Flags().StringVar(&updateRepo, "update-repo", "", "GitHub repository (owner/name) to check for release bundles")

	return cmd
}

func runServe(ctx context.Context, ro *RootOpts, updateRepo, version string) error {
	var updateOwner, updateName string
	if updateRepo != "" {
		var ok bool
		updateOwner, updateName, ok = strings.Cut(updateRepo, "/")
		if !ok || updateOwner == "" || updateName == "" {
			return fmt.Errorf("--update-repo wants owner/name, got %q", updateRepo)
		}
	}

	settings, err := resolveSettings(ro)
	if err != nil {
		return err
	}
	if err := settings.EnsureDirs(); err != nil {
		return err
	}
	log, err := logger.New(os.Stderr, settings.LogDir, "serve.log")
	if err != nil {
		return err
	}
	log.Info("Starting backend", "version", version, "data_dir", settings.DataDir)

	db, err := storage.NewStorage(settings.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	cfg := config.NewConfigManager(db)

	idx, err := vector.NewTieredIndex(settings.EmbedDim, settings.IndexDir, log)
	if err != nil {
		return err
	}
	if err := idx.Load(); err != nil {
		log.Error("Index load failed, affected tiers start empty", "error", err)
	}

	engine := llm.NewClient(settings.EngineBaseURL, settings.ChatModel, settings.EmbedModel, log)
	if !engine.Healthy(ctx) {
		log.Warn("Inference engine not reachable, chat and extraction will fail until it is",
			"url", settings.EngineBaseURL)
	} else if dim, err := engine.ProbeDim(ctx); err == nil && dim != idx.Dim() {
		log.Warn("Embedding model width differs from the index, new vectors will be rejected",
			"model_dim", dim, "index_dim", idx.Dim())
	}

	store := memory.NewStore(db, idx, engine, cfg, log)
	router := memory.NewRouter(db, idx, engine, log)
	store.SetInvalidator(router.InvalidateUser)

	states := download.NewStateStore(filepath.Join(settings.StateDir, "downloads.json"))
	if err := states.Load(); err != nil {
		return fmt.Errorf("load download state: %w", err)
	}
	downloads := download.NewManager(states, download.NewHubClient(settings.HubBaseURL, nil),
		download.NewRateLimiter(), settings.ModelsDir, log)
	downloads.SetBandwidthLimit(cfg.GetBandwidthLimit())
	downloads.SetIntegrityCheck(cfg.GetEnableIntegrityCheck())
	downloads.Reconcile(ctx)

	flag := learn.NewUIFlag(cfg)
	spawner := learn.NewSpawner(filepath.Join(settings.StateDir, learn.LockFileName), workerArgs(ro), log)

	orchestrator := chat.NewOrchestrator(chat.Deps{
		DB:      db,
		Store:   store,
		Router:  router,
		Engine:  engine,
		Flag:    flag,
		Spawner: spawner,
		Config:  cfg,
		Log:     log,
	})

	upkeep := scheduler.New(store, db, idx, log)
	if err := upkeep.Start(cfg.GetMaintenanceSpec()); err != nil {
		return fmt.Errorf("start maintenance schedule: %w", err)
	}

	audit := security.NewAuditLogger(settings.LogDir, log)

	var checker *updater.Checker
	var stager *updater.Stager
	if updateRepo != "" {
		checker = updater.NewChecker(updateOwner, updateName, version)
		stager = updater.NewStager(downloads, log)
	}

	srv := api.NewServer(api.Deps{
		Settings:  settings,
		Config:    cfg,
		DB:        db,
		Index:     idx,
		Memories:  store,
		Retrieval: router,
		Downloads: downloads,
		Chat:      orchestrator,
		Flag:      flag,
		Upkeep:    upkeep,
		Checker:   checker,
		Stager:    stager,
		Audit:     audit,
		Version:   version,
		Log:       log,
	})
	if err := srv.Start(); err != nil {
		upkeep.Stop()
		downloads.Shutdown()
		audit.Close()
		return err
	}
	log.Info("API listening", "host", settings.APIHost, "port", settings.APIPort)

	<-ctx.Done()
	log.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("API shutdown incomplete", "error", err)
	}
	upkeep.Stop()
	downloads.Shutdown()
	if err := idx.Save(); err != nil {
		log.Error("Index save failed", "error", err)
	}
	if err := db.Checkpoint(); err != nil {
		log.Warn("WAL checkpoint failed", "error", err)
	}
	audit.Close()
	log.Info("Backend stopped")
	return nil
}

// workerArgs carries the data dir over to the spawned worker so both
// processes share one state root.
func workerArgs(ro *RootOpts) []string {
	args := []string{"worker"}
	if ro.DataDir != "" {
		args = append(args, "--data-dir", ro.DataDir)
	}
	return args
}
