package scheduler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"localmind/internal/config"
	"localmind/internal/logger"
	"localmind/internal/memory"
	"localmind/internal/storage"
	"localmind/internal/vector"
)

const testDim = 32

type stubEmbedder struct{}

func (stubEmbedder) Embed(context.Context, []string) ([][]float32, error) {
	return nil, fmt.Errorf("embedder offline")
}

func newTestMaintenance(t *testing.T) (*Maintenance, *storage.Storage, *vector.TieredIndex, string) {
	t.Helper()
	dir := t.TempDir()
	db, err := storage.NewStorage(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	indexDir := filepath.Join(dir, "index")
	require.NoError(t, os.MkdirAll(indexDir, 0755))
	idx, err := vector.NewTieredIndex(testDim, indexDir, logger.Discard())
	require.NoError(t, err)

	store := memory.NewStore(db, idx, stubEmbedder{}, config.NewConfigManager(db), logger.Discard())
	return New(store, db, idx, logger.Discard()), db, idx, indexDir
}

func seed(t *testing.T, db *storage.Storage, id, tier, content string, importance float64, created time.Time) {
	t.Helper()
	m := storage.Memory{
		ID:           id,
		UserID:       "u1",
		Content:      content,
		MemoryType:   storage.MemoryTypeFact,
		Importance:   importance,
		Confidence:   1,
		Keywords:     "[]",
		Metadata:     "{}",
		ContentHash:  memory.ContentHash(content),
		Tier:         tier,
		CreatedAt:    created,
		LastAccessed: created,
	}
	require.NoError(t, db.InsertMemory(&m))
}

func TestRunNowFullChain(t *testing.T) {
	m, db, idx, indexDir := newTestMaintenance(t)
	now := time.Now()

	seed(t, db, "aging", storage.TierHot, "an older memory that belongs in warm by now",
		0.5, now.AddDate(0, 0, -30))
	seed(t, db, "doomed", storage.TierCold, "a stale cold memory nobody needs",
		0.05, now.AddDate(0, 0, -200))
	seed(t, db, "wordy", storage.TierHot, strings.Repeat("every day the same long note about process ", 4),
		0.6, now.AddDate(0, 0, -1))

	ghost := make([]float32, testDim)
	ghost[0] = 1
	require.NoError(t, idx.Add(vector.TierHot, "ghost-id", ghost))

	report := m.RunNow()
	require.Empty(t, report.Errors)
	require.Equal(t, 1, report.Retiered)
	require.Equal(t, 1, report.ColdRemoved)
	require.Equal(t, 1, report.Compressed)
	require.Equal(t, 1, report.Orphans)

	aged, err := db.GetMemory("aging")
	require.NoError(t, err)
	require.Equal(t, storage.TierWarm, aged.Tier)

	_, err = db.GetMemory("doomed")
	require.True(t, storage.IsNotFound(err))

	wordy, err := db.GetMemory("wordy")
	require.NoError(t, err)
	require.True(t, wordy.Compressed)

	require.False(t, idx.Contains("ghost-id"))

	entries, err := os.ReadDir(indexDir)
	require.NoError(t, err)
	require.NotEmpty(t, entries, "index saved to disk")

	last, at := m.Last()
	require.Equal(t, report, last)
	require.WithinDuration(t, time.Now(), at, time.Minute)
}

func TestRunNowFoldsColdMonths(t *testing.T) {
	m, db, _, _ := newTestMaintenance(t)

	created := time.Date(2025, 10, 3, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 6; i++ {
		seed(t, db, fmt.Sprintf("old-%d", i), storage.TierCold,
			fmt.Sprintf("archived note number %d from october", i),
			0.5, created.AddDate(0, 0, i))
	}

	report := m.RunNow()
	require.Empty(t, report.Errors)
	require.Equal(t, 6, report.Summarized)

	var summaries []storage.Memory
	err := db.DB.Where("memory_type = ? AND category = ?",
		storage.MemoryTypeMeta, "monthly_summary").Find(&summaries).Error
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	require.Contains(t, summaries[0].Content, "2025-10")

	// second run finds nothing left to fold
	report = m.RunNow()
	require.Zero(t, report.Summarized)
}

func TestStartRunsOnSchedule(t *testing.T) {
	m, db, _, _ := newTestMaintenance(t)
	seed(t, db, "aging", storage.TierHot, "an older memory that belongs in warm by now",
		0.5, time.Now().AddDate(0, 0, -30))

	require.NoError(t, m.Start("@every 50ms"))
	defer m.Stop()

	require.Eventually(t, func() bool {
		last, _ := m.Last()
		return last != nil
	}, 5*time.Second, 20*time.Millisecond)

	aged, err := db.GetMemory("aging")
	require.NoError(t, err)
	require.Equal(t, storage.TierWarm, aged.Tier)
}

func TestStartRejectsBadSpec(t *testing.T) {
	m, _, _, _ := newTestMaintenance(t)
	require.Error(t, m.Start("not a cron spec"))
}

func TestRescheduleSwapsEntry(t *testing.T) {
	m, db, _, _ := newTestMaintenance(t)
	seed(t, db, "aging", storage.TierHot, "an older memory that belongs in warm by now",
		0.5, time.Now().AddDate(0, 0, -30))

	// far-future schedule, then move it to one that fires immediately
	require.NoError(t, m.Start("0 0 1 1 *"))
	defer m.Stop()
	require.NoError(t, m.Reschedule("@every 50ms"))

	require.Eventually(t, func() bool {
		last, _ := m.Last()
		return last != nil
	}, 5*time.Second, 20*time.Millisecond)

	// a bad spec leaves the running schedule alone
	require.Error(t, m.Reschedule("not a cron spec"))
}
