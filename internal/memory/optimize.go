package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"localmind/internal/storage"
)

// OptimizeReport summarizes one maintenance run.
type OptimizeReport struct {
	DuplicatesRemoved int      `json:"duplicates_removed"`
	CleanupRemoved    int      `json:"cleanup_removed"`
	Compressed        int      `json:"compressed"`
	Merged            int      `json:"merged"`
	Archived          int      `json:"archived"`
	OrphansRemoved    int      `json:"orphans_removed"`
	Skipped           bool     `json:"skipped,omitempty"`
	Errors            []string `json:"errors,omitempty"`
	DurationMS        float64  `json:"duration_ms"`
}

const (
	optimizeMinInterval = time.Hour
	lastOptimizeKey     = "last_optimize_at"

	cleanupMaxImportance = 0.3
	cleanupMinAgeDays    = 30

	mergeThreshold      = 0.85
	mergeCandidateLimit = 300
	consolidatedMarker  = "(consolidated)"
)

// Optimize runs the maintenance pipeline: dedup, importance cleanup,
// compression, similarity merge, archival, orphan-vector sweep. Passes
// are best-effort; each persists its deletions before the next starts.
// An empty userID runs over all users. Without force, runs are rate
// limited to one per hour.
func (s *Store) Optimize(ctx context.Context, userID string, force bool) (*OptimizeReport, error) {
	report := &OptimizeReport{}
	start := time.Now()
	defer func() { report.DurationMS = float64(time.Since(start).Microseconds()) / 1000 }()

	if !force && !s.optimizeDue() {
		report.Skipped = true
		return report, nil
	}
	_ = s.db.SetString(lastOptimizeKey, time.Now().UTC().Format(time.RFC3339))

	users, err := s.targetUsers(userID)
	if err != nil {
		return report, err
	}

	pass := func(name string, fn func() error) {
		if ctx.Err() != nil {
			return
		}
		if err := fn(); err != nil {
			s.log.Warn("Optimize pass failed", "pass", name, "error", err)
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", name, err))
		}
	}

	pass("dedup", func() error { return s.dedupPass(userID, report) })
	pass("cleanup", func() error { return s.cleanupPass(userID, report) })
	pass("compression", func() error { return s.compressionPass(userID, report) })
	pass("merge", func() error {
		for _, u := range users {
			if err := s.mergePass(u, report); err != nil {
				return err
			}
		}
		return nil
	})
	pass("archival", func() error {
		for _, u := range users {
			if err := s.archivalPass(u, report); err != nil {
				return err
			}
		}
		return nil
	})
	pass("orphans", func() error { return s.orphanPass(report) })

	for _, u := range users {
		s.notifyWrite(u)
	}
	s.log.Info("Optimize finished",
		"dupes", report.DuplicatesRemoved, "cleanup", report.CleanupRemoved,
		"compressed", report.Compressed, "merged", report.Merged,
		"archived", report.Archived, "orphans", report.OrphansRemoved,
		"errors", len(report.Errors))
	return report, nil
}

func (s *Store) optimizeDue() bool {
	raw, err := s.db.GetString(lastOptimizeKey)
	if err != nil || raw == "" {
		return true
	}
	last, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return true
	}
	return time.Since(last) >= optimizeMinInterval
}

func (s *Store) targetUsers(userID string) ([]string, error) {
	if userID != "" {
		return []string{userID}, nil
	}
	return s.db.UserIDs()
}

// dedupPass removes exact-content duplicates, keeping the earliest row of
// each (user, hash) group.
func (s *Store) dedupPass(userID string, report *OptimizeReport) error {
	groups, err := s.db.DuplicateHashGroups()
	if err != nil {
		return err
	}
	for _, g := range groups {
		if userID != "" && g.UserID != userID {
			continue
		}
		rows, err := s.db.MemoriesByHash(g.UserID, g.ContentHash)
		if err != nil {
			return err
		}
		if len(rows) < 2 {
			continue
		}
		sort.Slice(rows, func(i, j int) bool { return rows[i].CreatedAt.Before(rows[j].CreatedAt) })
		var doomed []string
		for _, m := range rows[1:] {
			doomed = append(doomed, m.ID)
		}
		if err := s.removeRows(doomed); err != nil {
			return err
		}
		report.DuplicatesRemoved += len(doomed)
	}
	return nil
}

// cleanupPass drops stale never-read low-importance rows.
func (s *Store) cleanupPass(userID string, report *OptimizeReport) error {
	cutoff := time.Now().AddDate(0, 0, -cleanupMinAgeDays)
	rows, err := s.db.LowImportanceUnaccessed(cleanupMaxImportance, cutoff)
	if err != nil {
		return err
	}
	var doomed []string
	for _, m := range rows {
		if userID != "" && m.UserID != userID {
			continue
		}
		doomed = append(doomed, m.ID)
	}
	if err := s.removeRows(doomed); err != nil {
		return err
	}
	report.CleanupRemoved += len(doomed)
	return nil
}

// compressionPass rewrites long content to excerpts. The content hash is
// left untouched so insert-time dedup keeps matching the original text.
func (s *Store) compressionPass(userID string, report *OptimizeReport) error {
	rows, err := s.db.CompressibleCandidates(compressThreshold)
	if err != nil {
		return err
	}
	for _, m := range rows {
		if userID != "" && m.UserID != userID {
			continue
		}
		short, changed := CompressContent(m.Content)
		if !changed {
			continue
		}
		m.Content = short
		m.Compressed = true
		if err := s.db.UpdateMemory(&m); err != nil {
			return err
		}
		report.Compressed++
	}
	return nil
}

// mergePass folds near-duplicate same-type memories into the higher
// importance one.
func (s *Store) mergePass(userID string, report *OptimizeReport) error {
	rows, err := s.db.RecentCandidates(userID, nil, mergeCandidateLimit)
	if err != nil {
		return err
	}
	byType := make(map[string][]storage.Memory)
	for _, m := range rows {
		byType[m.MemoryType] = append(byType[m.MemoryType], m)
	}

	for _, group := range byType {
		sets := make([]map[string]struct{}, len(group))
		for i := range group {
			sets[i] = wordSet(group[i].Content)
		}
		// Slot i always holds the surviving row of any merge it takes
		// part in; slot j goes dead.
		dead := make([]bool, len(group))
		for i := 0; i < len(group); i++ {
			if dead[i] {
				continue
			}
			for j := i + 1; j < len(group); j++ {
				if dead[j] {
					continue
				}
				if Jaccard(sets[i], sets[j]) < mergeThreshold {
					continue
				}
				winner, loser := group[i], group[j]
				if loser.Importance > winner.Importance {
					winner, loser = loser, winner
				}
				if err := s.consolidate(&winner, &loser); err != nil {
					return err
				}
				group[i] = winner
				sets[i] = wordSet(winner.Content)
				dead[j] = true
				report.Merged++
			}
		}
	}
	return nil
}

// consolidate absorbs loser into winner and deletes the loser.
func (s *Store) consolidate(winner, loser *storage.Memory) error {
	if !strings.Contains(winner.Content, consolidatedMarker) {
		winner.Content = strings.TrimSpace(winner.Content) + " " + consolidatedMarker
	}
	winner.AccessCount += loser.AccessCount
	if loser.Importance > winner.Importance {
		winner.Importance = loser.Importance
	}
	merged := KeywordsFromJSON(winner.Keywords)
	seen := make(map[string]struct{}, len(merged))
	for _, k := range merged {
		seen[k] = struct{}{}
	}
	for _, k := range KeywordsFromJSON(loser.Keywords) {
		if _, ok := seen[k]; !ok {
			merged = append(merged, k)
		}
	}
	winner.Keywords = KeywordsToJSON(merged)
	if err := s.db.UpdateMemory(winner); err != nil {
		return err
	}
	return s.removeRows([]string{loser.ID})
}

// archivalPass trims a user back under the row cap, dropping the lowest
// importance oldest rows first.
func (s *Store) archivalPass(userID string, report *OptimizeReport) error {
	limit := s.cfg.GetMaxMemoriesPerUser()
	n, err := s.db.CountMemories(userID)
	if err != nil {
		return err
	}
	if int(n) <= limit {
		return nil
	}
	rows, err := s.db.ArchivalOverflow(userID, limit)
	if err != nil {
		return err
	}
	var doomed []string
	for _, m := range rows {
		doomed = append(doomed, m.ID)
	}
	if err := s.removeRows(doomed); err != nil {
		return err
	}
	report.Archived += len(doomed)
	return nil
}

// orphanPass drops index entries whose SQL row is gone.
func (s *Store) orphanPass(report *OptimizeReport) error {
	valid, err := s.db.AllMemoryIDs()
	if err != nil {
		return err
	}
	report.OrphansRemoved += s.index.RemoveMissing(valid)
	return nil
}

// removeRows deletes rows and their vectors together.
func (s *Store) removeRows(ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := s.db.DeleteMemories(ids); err != nil {
		return err
	}
	for _, id := range ids {
		s.index.RemoveByID(id)
	}
	return nil
}
