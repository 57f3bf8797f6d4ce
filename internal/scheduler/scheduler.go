// Package scheduler drives the weekly memory maintenance chain.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"localmind/internal/memory"
	"localmind/internal/storage"
	"localmind/internal/vector"
)

// coldRemovalFloor: cold rows below this importance are dropped for good.
const coldRemovalFloor = 0.1

// DefaultSpec runs Sunday at 03:00 local time.
const DefaultSpec = "0 3 * * 0"

// Report tallies one maintenance run.
type Report struct {
	Retiered    int      `json:"retiered"`
	Demoted     int      `json:"demoted"`
	Compressed  int      `json:"compressed"`
	ColdRemoved int      `json:"cold_removed"`
	Summarized  int      `json:"summarized"`
	Reindexed   int      `json:"reindexed"`
	Orphans     int      `json:"orphans_removed"`
	DurationMS  float64  `json:"duration_ms"`
	Errors      []string `json:"errors,omitempty"`
}

// Maintenance owns the cron entry and serializes runs.
type Maintenance struct {
	store *memory.Store
	db    *storage.Storage
	index *vector.TieredIndex
	log   *slog.Logger
	cron  *cron.Cron
	entry cron.EntryID

	mu      sync.Mutex
	lastRun time.Time
	last    *Report
}

func New(store *memory.Store, db *storage.Storage, index *vector.TieredIndex, log *slog.Logger) *Maintenance {
	return &Maintenance{
		store: store,
		db:    db,
		index: index,
		log:   log,
		cron:  cron.New(),
	}
}

// Start schedules the recurring run. An empty spec uses DefaultSpec.
func (m *Maintenance) Start(spec string) error {
	if spec == "" {
		spec = DefaultSpec
	}
	id, err := m.cron.AddFunc(spec, func() { m.RunNow() })
	if err != nil {
		return err
	}
	m.entry = id
	m.cron.Start()
	m.log.Info("Maintenance scheduled", "spec", spec)
	return nil
}

// Reschedule swaps the recurring entry for one built from spec. The old
// entry stays in place when parsing fails. Empty reverts to DefaultSpec.
func (m *Maintenance) Reschedule(spec string) error {
	if spec == "" {
		spec = DefaultSpec
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	id, err := m.cron.AddFunc(spec, func() { m.RunNow() })
	if err != nil {
		return err
	}
	if m.entry != 0 {
		m.cron.Remove(m.entry)
	}
	m.entry = id
	m.log.Info("Maintenance rescheduled", "spec", spec)
	return nil
}

// Stop halts the schedule and waits for a running pass to finish.
func (m *Maintenance) Stop() {
	<-m.cron.Stop().Done()
}

// RunNow executes the full chain immediately: retier, quota, compression,
// cold removal, monthly fold, reindex, orphan sweep, vacuum, index
// compact+save. A failing pass is recorded and the chain continues.
func (m *Maintenance) RunNow() *Report {
	m.mu.Lock()
	defer m.mu.Unlock()

	start := time.Now()
	report := &Report{}
	fail := func(pass string, err error) {
		m.log.Error("Maintenance pass failed", "pass", pass, "error", err)
		report.Errors = append(report.Errors, pass+": "+err.Error())
	}

	n, err := m.store.RetierPass(time.Now())
	if err != nil {
		fail("retier", err)
	}
	report.Retiered = n

	if n, err = m.store.QuotaSweep(); err != nil {
		fail("quota", err)
	}
	report.Demoted = n

	if n, err = m.store.CompressionSweep(); err != nil {
		fail("compression", err)
	}
	report.Compressed = n

	if n, err = m.store.ColdRemoval(coldRemovalFloor); err != nil {
		fail("cold removal", err)
	}
	report.ColdRemoved = n

	if n, err = m.store.SummarizeSweep(context.Background()); err != nil {
		fail("summarize", err)
	}
	report.Summarized = n

	if n, err = m.store.ReindexPass(context.Background()); err != nil {
		fail("reindex", err)
	}
	report.Reindexed = n

	if n, err = m.store.OrphanSweep(); err != nil {
		fail("orphan sweep", err)
	}
	report.Orphans = n

	if err := m.db.Vacuum(); err != nil {
		fail("vacuum", err)
	}
	// Compact reclaims tombstoned entries and writes the index pair out.
	if err := m.index.Compact(); err != nil {
		fail("index compact", err)
	}

	report.DurationMS = float64(time.Since(start).Microseconds()) / 1000.0
	m.lastRun = time.Now()
	m.last = report
	m.log.Info("Maintenance run complete",
		"retiered", report.Retiered,
		"demoted", report.Demoted,
		"compressed", report.Compressed,
		"cold_removed", report.ColdRemoved,
		"summarized", report.Summarized,
		"reindexed", report.Reindexed,
		"orphans", report.Orphans,
		"duration_ms", report.DurationMS,
		"errors", len(report.Errors))
	return report
}

// Last returns the most recent report, nil before the first run.
func (m *Maintenance) Last() (*Report, time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last, m.lastRun
}
