package memory

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"localmind/internal/config"
	"localmind/internal/storage"
	"localmind/internal/vector"
)

func seedRow(t *testing.T, db *storage.Storage, id, userID, content string, importance float64, ageDays int) {
	t.Helper()
	created := time.Now().AddDate(0, 0, -ageDays)
	m := storage.Memory{
		ID:           id,
		UserID:       userID,
		Content:      content,
		MemoryType:   storage.MemoryTypeFact,
		Importance:   importance,
		Confidence:   1,
		Keywords:     "[]",
		Metadata:     "{}",
		ContentHash:  ContentHash(content),
		Tier:         storage.TierHot,
		CreatedAt:    created,
		LastAccessed: created,
	}
	require.NoError(t, db.InsertMemory(&m))
}

func setCreatedAt(t *testing.T, db *storage.Storage, id string, created time.Time) {
	t.Helper()
	err := db.DB.Model(&storage.Memory{}).Where("id = ?", id).
		Update("created_at", created).Error
	require.NoError(t, err)
}

func TestOptimizeDedupKeepsEarliest(t *testing.T) {
	store, db, _ := newTestStore(t)

	content := "repeated statement stored several times"
	seedRow(t, db, "dup-a", "u1", content, 0.6, 3)
	seedRow(t, db, "dup-b", "u1", content, 0.8, 2)
	seedRow(t, db, "dup-c", "u1", content, 0.6, 1)

	report, err := store.Optimize(context.Background(), "u1", true)
	require.NoError(t, err)
	require.Equal(t, 2, report.DuplicatesRemoved)

	_, err = db.GetMemory("dup-a")
	require.NoError(t, err, "earliest copy survives")
	_, err = db.GetMemory("dup-b")
	require.True(t, storage.IsNotFound(err))
	_, err = db.GetMemory("dup-c")
	require.True(t, storage.IsNotFound(err))
}

func TestOptimizeCleanup(t *testing.T) {
	store, db, _ := newTestStore(t)

	seedRow(t, db, "stale", "u1", "low importance never read", 0.2, 40)
	seedRow(t, db, "recent", "u1", "low importance but fresh", 0.2, 10)
	seedRow(t, db, "important", "u1", "high importance never read", 0.6, 40)
	seedRow(t, db, "accessed", "u1", "low importance but consulted", 0.2, 40)
	err := db.DB.Model(&storage.Memory{}).Where("id = ?", "accessed").
		Update("access_count", 3).Error
	require.NoError(t, err)

	report, err := store.Optimize(context.Background(), "u1", true)
	require.NoError(t, err)
	require.Equal(t, 1, report.CleanupRemoved)

	_, err = db.GetMemory("stale")
	require.True(t, storage.IsNotFound(err))
	for _, id := range []string{"recent", "important", "accessed"} {
		_, err = db.GetMemory(id)
		require.NoError(t, err, "%s should survive cleanup", id)
	}
}

func TestOptimizeCompressionIdempotent(t *testing.T) {
	store, db, _ := newTestStore(t)

	long := strings.Repeat("The quarterly report covers revenue, churn, and hiring plans in detail. ", 2)
	seedRow(t, db, "long", "u1", long, 0.6, 1)
	originalHash := ContentHash(long)

	report, err := store.Optimize(context.Background(), "u1", true)
	require.NoError(t, err)
	require.Equal(t, 1, report.Compressed)

	m, err := db.GetMemory("long")
	require.NoError(t, err)
	require.True(t, m.Compressed)
	require.True(t, strings.HasPrefix(m.Content, "[compressed] "))
	require.Less(t, len(m.Content), len(long))
	require.Equal(t, originalHash, m.ContentHash, "hash keeps matching the original text")

	report, err = store.Optimize(context.Background(), "u1", true)
	require.NoError(t, err)
	require.Equal(t, 0, report.Compressed)

	again, err := db.GetMemory("long")
	require.NoError(t, err)
	require.Equal(t, m.Content, again.Content)
}

func TestOptimizeMergeConsolidates(t *testing.T) {
	store, db, _ := newTestStore(t)
	ctx := context.Background()

	_, winner, err := store.Remember(ctx, Draft{
		UserID:     "u1",
		Content:    "drinks two big cups of black coffee every single morning before work",
		Importance: 0.9,
	})
	require.NoError(t, err)
	_, loser, err := store.Remember(ctx, Draft{
		UserID:     "u1",
		Content:    "drinks two big cups of black coffee every single morning before",
		Importance: 0.6,
		Keywords:   []string{"espresso", "coffee"},
	})
	require.NoError(t, err)
	_, unrelated, err := store.Remember(ctx, Draft{
		UserID:     "u1",
		Content:    "collects vintage mechanical keyboards from online auctions",
		Importance: 0.5,
	})
	require.NoError(t, err)

	// Near-identical text across different types never merges.
	_, goalRow, err := store.Remember(ctx, Draft{
		UserID: "u1", MemoryType: storage.MemoryTypeGoal,
		Content: "wants to finish the marathon training plan by springtime this year", Importance: 0.5,
	})
	require.NoError(t, err)
	_, skillRow, err := store.Remember(ctx, Draft{
		UserID: "u1", MemoryType: storage.MemoryTypeSkill,
		Content: "wants to finish the marathon training plan by springtime this", Importance: 0.5,
	})
	require.NoError(t, err)

	report, err := store.Optimize(ctx, "u1", true)
	require.NoError(t, err)
	require.Equal(t, 1, report.Merged)

	merged, err := db.GetMemory(winner.ID)
	require.NoError(t, err)
	require.Contains(t, merged.Content, "(consolidated)")
	require.Equal(t, 0.9, merged.Importance)
	keywords := KeywordsFromJSON(merged.Keywords)
	require.Contains(t, keywords, "espresso")
	require.Contains(t, keywords, "coffee")

	_, err = db.GetMemory(loser.ID)
	require.True(t, storage.IsNotFound(err))

	for _, id := range []string{unrelated.ID, goalRow.ID, skillRow.ID} {
		m, err := db.GetMemory(id)
		require.NoError(t, err)
		require.NotContains(t, m.Content, "(consolidated)")
	}
}

func TestOptimizeArchival(t *testing.T) {
	store, db, _ := newTestStore(t)
	require.NoError(t, db.SetString(config.KeyMaxMemoriesPerUser, "3"))

	seedRow(t, db, "keep-1", "u1", "signed the office lease renewal", 0.9, 5)
	seedRow(t, db, "keep-2", "u1", "finished migrating the billing service", 0.8, 4)
	seedRow(t, db, "keep-3", "u1", "adopted a rescue greyhound named Pixel", 0.7, 3)
	seedRow(t, db, "drop-1", "u1", "tried a new lunch spot downtown", 0.35, 2)
	seedRow(t, db, "drop-2", "u1", "watered the office plants on friday", 0.32, 1)

	report, err := store.Optimize(context.Background(), "u1", true)
	require.NoError(t, err)
	require.Equal(t, 2, report.Archived)

	n, err := db.CountMemories("u1")
	require.NoError(t, err)
	require.Equal(t, int64(3), n)
	for _, id := range []string{"drop-1", "drop-2"} {
		_, err = db.GetMemory(id)
		require.True(t, storage.IsNotFound(err))
	}
}

func TestOptimizeOrphanSweep(t *testing.T) {
	store, _, idx := newTestStore(t)
	ctx := context.Background()

	_, kept, err := store.Remember(ctx, Draft{UserID: "u1", Content: "a memory with a live row", Importance: 0.5})
	require.NoError(t, err)

	ghost := make([]float32, testDim)
	ghost[0] = 1
	require.NoError(t, idx.Add(vector.TierHot, "ghost-id", ghost))

	report, err := store.Optimize(ctx, "u1", true)
	require.NoError(t, err)
	require.Equal(t, 1, report.OrphansRemoved)
	require.False(t, idx.Contains("ghost-id"))
	require.True(t, idx.Contains(kept.ID))
}

func TestOptimizeRateLimited(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()

	report, err := store.Optimize(ctx, "u1", false)
	require.NoError(t, err)
	require.False(t, report.Skipped)

	report, err = store.Optimize(ctx, "u1", false)
	require.NoError(t, err)
	require.True(t, report.Skipped, "second run inside the window is skipped")

	report, err = store.Optimize(ctx, "u1", true)
	require.NoError(t, err)
	require.False(t, report.Skipped, "force overrides the window")
}

func TestSummarizeColdFoldsMonths(t *testing.T) {
	store, db, idx := newTestStore(t)
	ctx := context.Background()

	october := []struct {
		content    string
		importance float64
	}{
		{"Landed the platform migration project", 0.9},
		{"Switched the team to trunk based development", 0.7},
		{"Onboarded two new engineers in one week", 0.6},
		{"Moved the standup meeting to the afternoon", 0.4},
		{"Replaced the flaky integration test suite", 0.5},
		{"Upgraded the build servers to new hardware", 0.5},
	}
	var octIDs []string
	for i, row := range october {
		_, m, err := store.Remember(ctx, Draft{UserID: "u1", Content: row.content, Importance: row.importance})
		require.NoError(t, err)
		require.NoError(t, db.SetTier([]string{m.ID}, storage.TierCold))
		setCreatedAt(t, db, m.ID, time.Date(2025, 10, i+2, 12, 0, 0, 0, time.UTC))
		octIDs = append(octIDs, m.ID)
	}

	// Too few November rows to fold.
	var novIDs []string
	for i, content := range []string{"Booked the winter cabin trip", "Renewed the domain registrations"} {
		_, m, err := store.Remember(ctx, Draft{UserID: "u1", Content: content, Importance: 0.5})
		require.NoError(t, err)
		require.NoError(t, db.SetTier([]string{m.ID}, storage.TierCold))
		setCreatedAt(t, db, m.ID, time.Date(2025, 11, i+3, 12, 0, 0, 0, time.UTC))
		novIDs = append(novIDs, m.ID)
	}

	folded, err := store.SummarizeCold(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, 6, folded)

	summaries, err := db.ListMemories("u1", storage.MemoryFilters{Types: []string{storage.MemoryTypeMeta}})
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	summary := summaries[0]
	require.Equal(t, "monthly_summary", summary.Category)
	require.Equal(t, storage.TierCold, summary.Tier)
	require.Contains(t, summary.Content, "Summary of 6 memories from 2025-10")
	require.Contains(t, summary.Content, "Landed the platform migration")
	require.Contains(t, summary.Metadata, `"period":"2025-10"`)
	require.True(t, idx.Contains(summary.ID), "summary row is searchable")

	for i, id := range octIDs {
		m, err := db.GetMemory(id)
		require.NoError(t, err)
		require.True(t, m.Summarized, "member %d flagged", i)
		require.False(t, idx.Contains(id), "member %d vector removed", i)
	}
	for _, id := range novIDs {
		m, err := db.GetMemory(id)
		require.NoError(t, err)
		require.False(t, m.Summarized)
	}

	folded, err = store.SummarizeCold(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, 0, folded, "fold is one way")
}
