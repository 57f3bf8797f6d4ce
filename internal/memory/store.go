// Package memory implements the tiered long-term memory store and the
// retrieval router on top of it.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"localmind/internal/config"
	"localmind/internal/llm"
	"localmind/internal/storage"
	"localmind/internal/vector"
)

// StoreResult is the outcome of a store attempt.
type StoreResult string

const (
	Stored            StoreResult = "stored"
	SkippedImportance StoreResult = "skipped_importance"
	SkippedDuplicate  StoreResult = "skipped_duplicate"
)

// Draft is an un-persisted memory candidate.
type Draft struct {
	UserID          string
	Content         string
	MemoryType      string
	Importance      float64
	Confidence      float64
	Category        string
	Keywords        []string
	Context         string
	TemporalPattern string
	Metadata        string
	RelatedIDs      []string
}

// DeleteFilter selects rows for bulk deletion. IDs win if set; otherwise
// the other clauses combine.
type DeleteFilter struct {
	IDs           []string
	Types         []string
	OlderThanDays int
	MaxImportance float64
}

// Store owns memory rows and keeps the vector index in step with them.
type Store struct {
	db    *storage.Storage
	index *vector.TieredIndex
	embed llm.Embedder
	cfg   *config.ConfigManager
	log   *slog.Logger

	invalidate func(userID string)
}

func NewStore(db *storage.Storage, index *vector.TieredIndex, embed llm.Embedder, cfg *config.ConfigManager, log *slog.Logger) *Store {
	return &Store{db: db, index: index, embed: embed, cfg: cfg, log: log}
}

// SetInvalidator registers a hook fired after any write for a user. The
// retrieval cache subscribes here.
func (s *Store) SetInvalidator(fn func(userID string)) {
	s.invalidate = fn
}

func (s *Store) notifyWrite(userID string) {
	if s.invalidate != nil {
		s.invalidate(userID)
	}
}

// Remember gates, deduplicates, and persists a draft. The SQL row is the
// commit point; embedding into the index is best-effort afterwards.
func (s *Store) Remember(ctx context.Context, d Draft) (StoreResult, *storage.Memory, error) {
	if d.UserID == "" || d.Content == "" {
		return "", nil, fmt.Errorf("memory needs a user and content")
	}
	if d.Importance < s.cfg.GetImportanceGate() {
		return SkippedImportance, nil, nil
	}

	hash := ContentHash(d.Content)
	if existing, err := s.db.FindByUserAndHash(d.UserID, hash); err == nil {
		return SkippedDuplicate, &existing, nil
	} else if !storage.IsNotFound(err) {
		return "", nil, err
	}

	if d.MemoryType == "" {
		d.MemoryType = storage.MemoryTypeFact
	}
	if d.Confidence == 0 {
		d.Confidence = 1
	}
	if len(d.Keywords) == 0 {
		d.Keywords = ExtractKeywords(d.Content, 10)
	}
	if d.Metadata == "" {
		d.Metadata = "{}"
	}

	now := time.Now()
	m := storage.Memory{
		ID:              uuid.NewString(),
		UserID:          d.UserID,
		Content:         d.Content,
		MemoryType:      d.MemoryType,
		Importance:      clamp01(d.Importance),
		Confidence:      clamp01(d.Confidence),
		Category:        d.Category,
		Keywords:        KeywordsToJSON(d.Keywords),
		Context:         d.Context,
		TemporalPattern: d.TemporalPattern,
		Metadata:        d.Metadata,
		ContentHash:     hash,
		Tier:            storage.TierHot,
		CreatedAt:       now,
		LastAccessed:    now,
	}
	if err := s.db.InsertMemory(&m); err != nil {
		return "", nil, err
	}
	if err := s.db.AddLinks(m.ID, d.RelatedIDs); err != nil {
		s.log.Warn("Link write failed", "memory", m.ID, "error", err)
	}

	if err := s.indexMemory(ctx, &m); err != nil {
		s.log.Warn("Embedding skipped", "memory", m.ID, "error", err)
	}

	s.notifyWrite(d.UserID)
	return Stored, &m, nil
}

// indexMemory embeds content and adds it to the tier matching the row.
func (s *Store) indexMemory(ctx context.Context, m *storage.Memory) error {
	if s.embed == nil || s.index == nil {
		return nil
	}
	vecs, err := s.embed.Embed(ctx, []string{m.Content})
	if err != nil {
		return err
	}
	tier := vector.Tier(m.Tier)
	if tier == "" {
		tier = vector.TierHot
	}
	return s.index.Add(tier, m.ID, vecs[0])
}

// Delete removes rows matching the filter and cascades to the index.
func (s *Store) Delete(ctx context.Context, userID string, f DeleteFilter) (int, error) {
	var ids []string
	if len(f.IDs) > 0 {
		rows, err := s.db.GetMemories(f.IDs)
		if err != nil {
			return 0, err
		}
		for _, r := range rows {
			if userID == "" || r.UserID == userID {
				ids = append(ids, r.ID)
			}
		}
	} else {
		var olderThan time.Time
		if f.OlderThanDays > 0 {
			olderThan = time.Now().AddDate(0, 0, -f.OlderThanDays)
		}
		rows, err := s.db.DeleteCandidates(userID, f.Types, olderThan, f.MaxImportance)
		if err != nil {
			return 0, err
		}
		for _, r := range rows {
			ids = append(ids, r.ID)
		}
	}
	if len(ids) == 0 {
		return 0, nil
	}
	if err := s.db.DeleteMemories(ids); err != nil {
		return 0, err
	}
	for _, id := range ids {
		s.index.RemoveByID(id)
	}
	s.notifyWrite(userID)
	return len(ids), nil
}

// List pages through a user's memories.
func (s *Store) List(userID string, f storage.MemoryFilters) ([]storage.Memory, error) {
	return s.db.ListMemories(userID, f)
}

// Get returns one memory and bumps its access counters.
func (s *Store) Get(id string) (storage.Memory, error) {
	m, err := s.db.GetMemory(id)
	if err != nil {
		return m, err
	}
	if err := s.db.TouchMemories([]string{id}); err != nil {
		s.log.Warn("Touch failed", "memory", id, "error", err)
	}
	return m, nil
}

// Related returns the memories one hop out in the link graph.
func (s *Store) Related(id string) ([]storage.Memory, error) {
	ids, err := s.db.GetLinks(id)
	if err != nil {
		return nil, err
	}
	return s.db.GetMemories(ids)
}

// Count returns a user's total memory count.
func (s *Store) Count(userID string) (int64, error) {
	return s.db.CountMemories(userID)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
