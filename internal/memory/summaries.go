package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	json "github.com/goccy/go-json"

	"localmind/internal/storage"
)

// summaryMinGroup is the smallest month worth folding. Below it, keeping
// the individual rows costs less than a summary would.
const summaryMinGroup = 5

// SummarizeCold folds a user's cold memories into one synthesized row per
// calendar month. Folded rows stay in place, flagged summary-only, so the
// fold is reversible. Returns how many rows were folded.
func (s *Store) SummarizeCold(ctx context.Context, userID string) (int, error) {
	rows, err := s.db.ListMemories(userID, storage.MemoryFilters{Tier: storage.TierCold})
	if err != nil {
		return 0, err
	}

	byMonth := make(map[string][]storage.Memory)
	for _, m := range rows {
		if m.Summarized {
			continue
		}
		byMonth[m.CreatedAt.Format("2006-01")] = append(byMonth[m.CreatedAt.Format("2006-01")], m)
	}

	months := make([]string, 0, len(byMonth))
	for month := range byMonth {
		months = append(months, month)
	}
	sort.Strings(months)

	folded := 0
	for _, month := range months {
		group := byMonth[month]
		if len(group) < summaryMinGroup {
			continue
		}
		if ctx.Err() != nil {
			return folded, ctx.Err()
		}
		if err := s.writeSummary(ctx, userID, month, group); err != nil {
			s.log.Warn("Monthly fold failed", "user", userID, "month", month, "error", err)
			continue
		}
		folded += len(group)
	}
	if folded > 0 {
		s.notifyWrite(userID)
	}
	return folded, nil
}

func (s *Store) writeSummary(ctx context.Context, userID, month string, group []storage.Memory) error {
	var avg float64
	for _, m := range group {
		avg += m.Importance
	}
	avg /= float64(len(group))

	// Highest-importance entries lead the synthesized text.
	sorted := append([]storage.Memory(nil), group...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Importance > sorted[j].Importance })
	var highlights []string
	for i := 0; i < len(sorted) && i < 3; i++ {
		highlights = append(highlights, excerpt(sorted[i].Content, 80))
	}

	content := fmt.Sprintf("Summary of %d memories from %s (avg importance %.2f): %s",
		len(group), month, avg, strings.Join(highlights, "; "))

	meta, _ := json.Marshal(map[string]any{
		"summary_of": len(group),
		"period":     month,
	})

	now := time.Now()
	summary := storage.Memory{
		ID:           uuid.NewString(),
		UserID:       userID,
		Content:      content,
		MemoryType:   storage.MemoryTypeMeta,
		Importance:   clamp01(avg),
		Confidence:   1,
		Category:     "monthly_summary",
		Keywords:     KeywordsToJSON(ExtractKeywords(content, 10)),
		Metadata:     string(meta),
		ContentHash:  ContentHash(content),
		Tier:         storage.TierCold,
		CreatedAt:    now,
		LastAccessed: now,
	}
	if err := s.db.InsertMemory(&summary); err != nil {
		return err
	}
	if err := s.indexMemory(ctx, &summary); err != nil {
		s.log.Warn("Summary embedding skipped", "memory", summary.ID, "error", err)
	}

	ids := make([]string, 0, len(group))
	for _, m := range group {
		ids = append(ids, m.ID)
		s.index.RemoveByID(m.ID)
	}
	return s.db.MarkSummarized(ids)
}

func excerpt(text string, max int) string {
	text = strings.TrimSpace(text)
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	return string(runes[:max]) + "..."
}
