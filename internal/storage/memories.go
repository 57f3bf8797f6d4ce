package storage

import (
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// MemoryFilters narrows List and Count queries.
type MemoryFilters struct {
	Types         []string
	Tier          string
	MinImportance float64
	Limit         int
	Offset        int
}

// ============= Memory CRUD =============

// InsertMemory creates a memory row
func (s *Storage) InsertMemory(m *Memory) error {
	return withRetry(func() error {
		return s.DB.Create(m).Error
	})
}

// GetMemory retrieves a memory by ID
func (s *Storage) GetMemory(id string) (Memory, error) {
	var m Memory
	err := s.DB.First(&m, "id = ?", id).Error
	return m, err
}

// GetMemories retrieves a batch of memories by ID, order unspecified
func (s *Storage) GetMemories(ids []string) ([]Memory, error) {
	var out []Memory
	if len(ids) == 0 {
		return out, nil
	}
	err := s.DB.Where("id IN ?", ids).Find(&out).Error
	return out, err
}

// FindByUserAndHash looks up a memory by its canonical content hash.
// Returns gorm.ErrRecordNotFound when no duplicate exists.
func (s *Storage) FindByUserAndHash(userID, hash string) (Memory, error) {
	var m Memory
	err := s.DB.Where("user_id = ? AND content_hash = ?", userID, hash).First(&m).Error
	return m, err
}

// UpdateMemory saves all fields of an existing memory
func (s *Storage) UpdateMemory(m *Memory) error {
	return withRetry(func() error {
		return s.DB.Save(m).Error
	})
}

// TouchMemories bumps access counters after a retrieval hit
func (s *Storage) TouchMemories(ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return withRetry(func() error {
		return s.DB.Model(&Memory{}).Where("id IN ?", ids).Updates(map[string]interface{}{
			"access_count":  gorm.Expr("access_count + 1"),
			"last_accessed": time.Now(),
		}).Error
	})
}

// ListMemories returns a user's memories, newest first, with filters
func (s *Storage) ListMemories(userID string, f MemoryFilters) ([]Memory, error) {
	var out []Memory
	q := s.DB.Where("user_id = ?", userID).Order("created_at desc")
	if len(f.Types) > 0 {
		q = q.Where("memory_type IN ?", f.Types)
	}
	if f.Tier != "" {
		q = q.Where("tier = ?", f.Tier)
	}
	if f.MinImportance > 0 {
		q = q.Where("importance >= ?", f.MinImportance)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	if f.Offset > 0 {
		q = q.Offset(f.Offset)
	}
	err := q.Find(&out).Error
	return out, err
}

// CountMemories returns how many memories a user has
func (s *Storage) CountMemories(userID string) (int64, error) {
	var n int64
	err := s.DB.Model(&Memory{}).Where("user_id = ?", userID).Count(&n).Error
	return n, err
}

// TierCounts returns how many memories live in each tier, all users combined
func (s *Storage) TierCounts() (map[string]int64, error) {
	var rows []struct {
		Tier string
		N    int64
	}
	err := s.DB.Model(&Memory{}).Select("tier, count(*) as n").Group("tier").Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		out[r.Tier] = r.N
	}
	return out, nil
}

// DeleteMemories removes rows and their link edges
func (s *Storage) DeleteMemories(ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return withRetry(func() error {
		return s.DB.Transaction(func(tx *gorm.DB) error {
			if err := tx.Delete(&Memory{}, "id IN ?", ids).Error; err != nil {
				return err
			}
			return tx.Delete(&MemoryLink{}, "memory_id IN ? OR related_id IN ?", ids, ids).Error
		})
	})
}

// SetTier moves memories to a tier
func (s *Storage) SetTier(ids []string, tier string) error {
	if len(ids) == 0 {
		return nil
	}
	return withRetry(func() error {
		return s.DB.Model(&Memory{}).Where("id IN ?", ids).Update("tier", tier).Error
	})
}

// MarkSummarized flags cold rows folded into a monthly summary
func (s *Storage) MarkSummarized(ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return withRetry(func() error {
		return s.DB.Model(&Memory{}).Where("id IN ?", ids).Update("summarized", true).Error
	})
}

// ============= Maintenance queries =============

// MemoriesByTier streams a tier's rows in batches, oldest first
func (s *Storage) MemoriesByTier(tier string, limit, offset int) ([]Memory, error) {
	var out []Memory
	err := s.DB.Where("tier = ? AND summarized = ?", tier, false).
		Order("created_at asc").Limit(limit).Offset(offset).Find(&out).Error
	return out, err
}

// LowImportanceUnaccessed returns cleanup candidates: importance below max,
// never accessed, created before cutoff.
func (s *Storage) LowImportanceUnaccessed(maxImportance float64, cutoff time.Time) ([]Memory, error) {
	var out []Memory
	err := s.DB.Where("importance < ? AND access_count = 0 AND created_at < ?", maxImportance, cutoff).
		Find(&out).Error
	return out, err
}

// ColdRemovalCandidates returns cold rows below the removal floor
func (s *Storage) ColdRemovalCandidates(maxImportance float64) ([]Memory, error) {
	var out []Memory
	err := s.DB.Where("tier = ? AND importance < ?", TierCold, maxImportance).Find(&out).Error
	return out, err
}

// CompressibleCandidates returns uncompressed rows longer than minLen
func (s *Storage) CompressibleCandidates(minLen int) ([]Memory, error) {
	var out []Memory
	err := s.DB.Where("compressed = ? AND LENGTH(content) > ?", false, minLen).Find(&out).Error
	return out, err
}

// DuplicateHashGroups returns (user_id, content_hash) pairs stored more than once
func (s *Storage) DuplicateHashGroups() ([]Memory, error) {
	var out []Memory
	err := s.DB.Model(&Memory{}).
		Select("user_id, content_hash").
		Where("content_hash != ''").
		Group("user_id, content_hash").
		Having("COUNT(*) > 1").
		Find(&out).Error
	return out, err
}

// MemoriesByHash returns one duplicate group, best candidate first
func (s *Storage) MemoriesByHash(userID, hash string) ([]Memory, error) {
	var out []Memory
	err := s.DB.Where("user_id = ? AND content_hash = ?", userID, hash).
		Order("importance desc, created_at asc").Find(&out).Error
	return out, err
}

// ArchivalOverflow returns the rows past the keep cap. Keepers rank by
// importance then recency, so what comes back is the least valuable tail.
func (s *Storage) ArchivalOverflow(userID string, keep int) ([]Memory, error) {
	var out []Memory
	err := s.DB.Where("user_id = ?", userID).
		Order("importance desc, created_at desc").
		Offset(keep).Limit(-1).
		Find(&out).Error
	return out, err
}

// DeleteCandidates gathers rows matching a deletion filter. Zero values
// disable their clause.
func (s *Storage) DeleteCandidates(userID string, types []string, olderThan time.Time, maxImportance float64) ([]Memory, error) {
	var out []Memory
	q := s.DB.Where("user_id = ?", userID)
	if len(types) > 0 {
		q = q.Where("memory_type IN ?", types)
	}
	if !olderThan.IsZero() {
		q = q.Where("created_at < ?", olderThan)
	}
	if maxImportance > 0 {
		q = q.Where("importance < ?", maxImportance)
	}
	err := q.Find(&out).Error
	return out, err
}

// CountByUserAndTier returns a user's row count in one tier
func (s *Storage) CountByUserAndTier(userID, tier string) (int64, error) {
	var n int64
	err := s.DB.Model(&Memory{}).Where("user_id = ? AND tier = ?", userID, tier).Count(&n).Error
	return n, err
}

// OldestInTier returns a user's oldest rows in a tier, for quota demotion
func (s *Storage) OldestInTier(userID, tier string, limit int) ([]Memory, error) {
	var out []Memory
	err := s.DB.Where("user_id = ? AND tier = ?", userID, tier).
		Order("created_at asc").Limit(limit).Find(&out).Error
	return out, err
}

// RecentCandidates returns a user's newest non-summarized rows for
// hybrid ranking
func (s *Storage) RecentCandidates(userID string, types []string, limit int) ([]Memory, error) {
	var out []Memory
	q := s.DB.Where("user_id = ? AND summarized = ?", userID, false)
	if len(types) > 0 {
		q = q.Where("memory_type IN ?", types)
	}
	err := q.Order("created_at desc").Limit(limit).Find(&out).Error
	return out, err
}

// UserIDs returns every distinct user with at least one memory
func (s *Storage) UserIDs() ([]string, error) {
	var out []string
	err := s.DB.Model(&Memory{}).Distinct("user_id").Pluck("user_id", &out).Error
	return out, err
}

// AllMemoryIDs returns the ID set for orphan-vector reconciliation
func (s *Storage) AllMemoryIDs() (map[string]struct{}, error) {
	var ids []string
	if err := s.DB.Model(&Memory{}).Pluck("id", &ids).Error; err != nil {
		return nil, err
	}
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set, nil
}

// SearchLike runs the SQL keyword strategy: any term matching content or
// keywords. Scoring happens in the caller; this only gathers candidates.
func (s *Storage) SearchLike(userID string, terms []string, types []string, limit int) ([]Memory, error) {
	var out []Memory
	if len(terms) == 0 {
		return out, nil
	}
	q := s.DB.Where("user_id = ? AND summarized = ?", userID, false)
	if len(types) > 0 {
		q = q.Where("memory_type IN ?", types)
	}
	like := s.DB
	for _, term := range terms {
		pattern := "%" + term + "%"
		like = like.Or("content LIKE ? OR keywords LIKE ?", pattern, pattern)
	}
	q = q.Where(like)
	err := q.Order("importance desc").Limit(limit).Find(&out).Error
	return out, err
}

// ============= Related-memory links =============

// AddLinks records edges from a memory to its related memories
func (s *Storage) AddLinks(memoryID string, relatedIDs []string) error {
	if len(relatedIDs) == 0 {
		return nil
	}
	links := make([]MemoryLink, 0, len(relatedIDs))
	for _, rid := range relatedIDs {
		if rid == "" || rid == memoryID {
			continue
		}
		links = append(links, MemoryLink{MemoryID: memoryID, RelatedID: rid})
	}
	if len(links) == 0 {
		return nil
	}
	return withRetry(func() error {
		return s.DB.Clauses(clause.OnConflict{DoNothing: true}).Create(&links).Error
	})
}

// GetLinks returns the ids one hop out from a memory
func (s *Storage) GetLinks(memoryID string) ([]string, error) {
	var out []string
	err := s.DB.Model(&MemoryLink{}).Where("memory_id = ?", memoryID).
		Pluck("related_id", &out).Error
	return out, err
}

// ============= User profiles =============

// GetProfile retrieves a user profile
func (s *Storage) GetProfile(userID string) (UserProfile, error) {
	var p UserProfile
	err := s.DB.First(&p, "user_id = ?", userID).Error
	return p, err
}

// UpsertProfile creates or replaces a user profile
func (s *Storage) UpsertProfile(p *UserProfile) error {
	p.UpdatedAt = time.Now()
	return withRetry(func() error {
		return s.DB.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"communication_style", "interests", "expertise_areas",
				"personality_traits", "preferences", "updated_at",
			}),
		}).Create(p).Error
	})
}
