package memory

import (
	"context"

	"localmind/internal/vector"
)

// Scheduler-facing sweeps. Each wraps an optimize pass across every user
// so weekly maintenance runs independently of the rate-limited Optimize.

const reindexBatch = 200

// QuotaSweep enforces the per-tier row caps for every user.
func (s *Store) QuotaSweep() (int, error) {
	users, err := s.targetUsers("")
	if err != nil {
		return 0, err
	}
	total := 0
	for _, u := range users {
		n, err := s.QuotaPass(u)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// CompressionSweep shortens every long uncompressed row.
func (s *Store) CompressionSweep() (int, error) {
	var report OptimizeReport
	err := s.compressionPass("", &report)
	return report.Compressed, err
}

// ColdRemoval deletes cold rows below the importance floor, vectors
// included.
func (s *Store) ColdRemoval(maxImportance float64) (int, error) {
	rows, err := s.db.ColdRemovalCandidates(maxImportance)
	if err != nil {
		return 0, err
	}
	ids := make([]string, len(rows))
	users := make(map[string]struct{})
	for i, m := range rows {
		ids[i] = m.ID
		users[m.UserID] = struct{}{}
	}
	if err := s.removeRows(ids); err != nil {
		return 0, err
	}
	for u := range users {
		s.notifyWrite(u)
	}
	return len(ids), nil
}

// SummarizeSweep folds old cold memories into monthly summaries for
// every user.
func (s *Store) SummarizeSweep(ctx context.Context) (int, error) {
	users, err := s.targetUsers("")
	if err != nil {
		return 0, err
	}
	total := 0
	for _, u := range users {
		n, err := s.SummarizeCold(ctx, u)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// ReindexPass embeds rows the index never held. The learning worker
// writes rows without vectors because the serve process owns the index
// files; this closes the gap from the owning side.
func (s *Store) ReindexPass(ctx context.Context) (int, error) {
	if s.index == nil || s.embed == nil {
		return 0, nil
	}
	total := 0
	for _, tier := range vector.AllTiers {
		offset := 0
		for {
			rows, err := s.db.MemoriesByTier(string(tier), reindexBatch, offset)
			if err != nil {
				return total, err
			}
			if len(rows) == 0 {
				break
			}
			for i := range rows {
				if s.index.Contains(rows[i].ID) {
					continue
				}
				if err := s.indexMemory(ctx, &rows[i]); err != nil {
					// engine offline; the next run picks up where this left off
					s.log.Warn("Reindex stopped early", "tier", tier, "indexed", total, "error", err)
					return total, nil
				}
				total++
			}
			offset += len(rows)
		}
	}
	return total, nil
}

// OrphanSweep drops index entries whose SQL row is gone.
func (s *Store) OrphanSweep() (int, error) {
	var report OptimizeReport
	err := s.orphanPass(&report)
	return report.OrphansRemoved, err
}
