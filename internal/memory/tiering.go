package memory

import (
	"time"

	"localmind/internal/storage"
	"localmind/internal/vector"
)

const (
	hotMaxAge  = 7 * 24 * time.Hour
	warmMaxAge = 90 * 24 * time.Hour

	// Memories at or above this importance age at half speed.
	importanceSlowAging = 0.8
)

// TargetTier computes where a memory belongs by age and importance. Age
// runs from created_at; transitions only ever flow hot -> warm -> cold.
func TargetTier(createdAt time.Time, importance float64, now time.Time) string {
	age := now.Sub(createdAt)
	hotLimit, warmLimit := hotMaxAge, warmMaxAge
	if importance >= importanceSlowAging {
		hotLimit *= 2
		warmLimit *= 2
	}
	switch {
	case age <= hotLimit:
		return storage.TierHot
	case age <= warmLimit:
		return storage.TierWarm
	default:
		return storage.TierCold
	}
}

// tierRank orders tiers so transitions can be checked for direction.
func tierRank(tier string) int {
	switch tier {
	case storage.TierHot:
		return 0
	case storage.TierWarm:
		return 1
	default:
		return 2
	}
}

const retierBatch = 500

// RetierPass demotes every memory whose age outgrew its tier. Moves only
// go forward; a memory manually restored to hot is left where it is until
// it ages out again.
func (s *Store) RetierPass(now time.Time) (int, error) {
	type move struct {
		id   string
		from string
		to   string
	}
	var moves []move

	for _, tier := range []string{storage.TierHot, storage.TierWarm} {
		for offset := 0; ; offset += retierBatch {
			rows, err := s.db.MemoriesByTier(tier, retierBatch, offset)
			if err != nil {
				return 0, err
			}
			for _, m := range rows {
				target := TargetTier(m.CreatedAt, m.Importance, now)
				if tierRank(target) > tierRank(m.Tier) {
					moves = append(moves, move{id: m.ID, from: m.Tier, to: target})
				}
			}
			if len(rows) < retierBatch {
				break
			}
		}
	}

	byTarget := make(map[string][]string)
	for _, mv := range moves {
		byTarget[mv.to] = append(byTarget[mv.to], mv.id)
	}
	for target, ids := range byTarget {
		if err := s.db.SetTier(ids, target); err != nil {
			return 0, err
		}
	}
	for _, mv := range moves {
		if err := s.index.Move(mv.id, vector.Tier(mv.from), vector.Tier(mv.to)); err != nil {
			s.log.Warn("Vector tier move failed", "memory", mv.id, "error", err)
		}
	}
	return len(moves), nil
}

// QuotaPass demotes a user's oldest rows when a tier exceeds its cap:
// hot overflow moves to warm, warm overflow to cold.
func (s *Store) QuotaPass(userID string) (int, error) {
	demoted := 0
	steps := []struct {
		tier string
		next string
		cap  int
	}{
		{storage.TierHot, storage.TierWarm, s.cfg.GetMaxHotPerUser()},
		{storage.TierWarm, storage.TierCold, s.cfg.GetMaxWarmPerUser()},
	}
	for _, step := range steps {
		n, err := s.db.CountByUserAndTier(userID, step.tier)
		if err != nil {
			return demoted, err
		}
		over := int(n) - step.cap
		if over <= 0 {
			continue
		}
		rows, err := s.db.OldestInTier(userID, step.tier, over)
		if err != nil {
			return demoted, err
		}
		ids := make([]string, 0, len(rows))
		for _, m := range rows {
			ids = append(ids, m.ID)
		}
		if err := s.db.SetTier(ids, step.next); err != nil {
			return demoted, err
		}
		for _, id := range ids {
			if err := s.index.Move(id, vector.Tier(step.tier), vector.Tier(step.next)); err != nil {
				s.log.Warn("Vector tier move failed", "memory", id, "error", err)
			}
		}
		demoted += len(ids)
	}
	if demoted > 0 {
		s.notifyWrite(userID)
	}
	return demoted, nil
}
