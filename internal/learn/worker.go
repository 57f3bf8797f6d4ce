// Package learn moves completed chats through the learning queue into
// long-term memory. The serve process enqueues; a separate worker process
// stages queue rows into pending_chats and runs the extraction passes,
// yielding to the UI whenever the user is around.
package learn

import (
	"context"
	"errors"
	"log/slog"
	"time"

	json "github.com/goccy/go-json"

	"localmind/internal/extract"
	"localmind/internal/llm"
	"localmind/internal/storage"
)

const (
	staleReclaimEvery = 5 * time.Minute
	staleClaimAge     = 30 * time.Minute
)

// Runner performs the aspect passes for one staged chat. *extract.Extractor
// satisfies it.
type Runner interface {
	Run(ctx context.Context, ectx extract.ExtractionContext) (int, error)
}

// Worker drains both queue tables from the worker process. Single
// goroutine; every claim is a compare-and-set so a second worker that
// slips past the file lock cannot double-process a row.
type Worker struct {
	store  *storage.Storage
	runner Runner
	flag   *UIFlag
	log    *slog.Logger

	idleSleep   time.Duration
	uiBackoff   time.Duration
	lastReclaim time.Time
}

func NewWorker(store *storage.Storage, runner Runner, flag *UIFlag, log *slog.Logger) *Worker {
	return &Worker{
		store:     store,
		runner:    runner,
		flag:      flag,
		log:       log,
		idleSleep: 2 * time.Second,
		uiBackoff: 5 * time.Second,
	}
}

// Run loops until ctx is done.
func (w *Worker) Run(ctx context.Context) {
	w.log.Info("Learning worker started")
	for {
		if ctx.Err() != nil {
			w.log.Info("Learning worker stopped")
			return
		}
		if w.flag.Active() {
			w.sleep(ctx, w.uiBackoff)
			continue
		}
		w.reclaimIfDue()

		staged := w.stageOne()
		worked, preempted := w.extractOne(ctx)
		if preempted {
			w.sleep(ctx, w.uiBackoff)
			continue
		}
		if !staged && !worked {
			w.sleep(ctx, w.idleSleep)
		}
	}
}

// stageOne claims the oldest learning_queue row and copies it into
// pending_chats. Reports whether it made progress.
func (w *Worker) stageOne() bool {
	item, ok, err := w.store.ClaimOldestLearning()
	if err != nil {
		w.log.Error("Learning queue claim failed", "error", err)
		return false
	}
	if !ok {
		return false
	}
	if err := w.store.StagePendingChat(item); err != nil {
		w.log.Error("Staging failed", "id", item.ID, "error", err)
		if markErr := w.store.MarkLearningFailed(item.ID, err.Error()); markErr != nil {
			w.log.Error("Could not mark queue row failed", "id", item.ID, "error", markErr)
		}
	}
	return true
}

// extractOne claims the oldest pending chat and runs the aspect passes
// over it. Returns whether a row was handled and whether the UI preempted.
func (w *Worker) extractOne(ctx context.Context) (worked, preempted bool) {
	row, ok, err := w.store.ClaimOldestPending()
	if err != nil {
		w.log.Error("Pending chat claim failed", "error", err)
		return false, false
	}
	if !ok {
		return false, false
	}

	var msgs []llm.Message
	if err := json.Unmarshal([]byte(row.Messages), &msgs); err != nil {
		w.log.Warn("Pending chat transcript unreadable", "id", row.ID, "error", err)
		w.markFailed(row.ID, "transcript decode: "+err.Error())
		return true, false
	}

	stored, err := w.runner.Run(ctx, extract.ExtractionContext{
		UserID:   row.UserID,
		ChatID:   row.ChatID,
		Messages: msgs,
	})
	switch {
	case errors.Is(err, extract.ErrPreempted):
		w.log.Info("Extraction preempted, row returned to queue", "id", row.ID, "stored", stored)
		w.unwind(row.ID)
		return true, true
	case err != nil && ctx.Err() != nil:
		// shutdown, not a row failure
		w.unwind(row.ID)
		return true, false
	case err != nil:
		w.log.Error("Extraction failed", "id", row.ID, "chat", row.ChatID, "error", err)
		w.markFailed(row.ID, err.Error())
		return true, false
	default:
		w.log.Info("Chat extracted", "id", row.ID, "chat", row.ChatID, "memories", stored)
		if err := w.store.MarkPendingDone(row.ID); err != nil {
			w.log.Error("Could not mark pending chat done", "id", row.ID, "error", err)
		}
		return true, false
	}
}

func (w *Worker) markFailed(id int64, msg string) {
	if err := w.store.MarkPendingFailed(id, msg); err != nil {
		w.log.Error("Could not mark pending chat failed", "id", id, "error", err)
	}
}

func (w *Worker) unwind(id int64) {
	if err := w.store.UnwindPending(id); err != nil {
		w.log.Error("Could not unwind pending chat", "id", id, "error", err)
	}
}

// reclaimIfDue resets claims abandoned by a crashed worker.
func (w *Worker) reclaimIfDue() {
	if time.Since(w.lastReclaim) < staleReclaimEvery {
		return
	}
	w.lastReclaim = time.Now()
	if err := w.store.ReclaimStaleClaims(staleClaimAge); err != nil {
		w.log.Warn("Stale claim reclaim failed", "error", err)
	}
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
