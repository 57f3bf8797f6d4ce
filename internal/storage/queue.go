package storage

import (
	"time"

	"gorm.io/gorm"
)

// ============= Learning queue =============

// EnqueueLearning appends a completed chat turn to the learning queue
func (s *Storage) EnqueueLearning(userID, chatID, messagesJSON string) error {
	item := LearningQueueItem{
		UserID:    userID,
		ChatID:    chatID,
		Messages:  messagesJSON,
		Processed: ProcessedPending,
		CreatedAt: time.Now(),
	}
	return withRetry(func() error {
		return s.DB.Create(&item).Error
	})
}

// ClaimOldestLearning atomically claims the oldest unprocessed queue row.
// Returns ok=false when the queue is drained.
func (s *Storage) ClaimOldestLearning() (LearningQueueItem, bool, error) {
	var item LearningQueueItem
	claimed := false
	err := withRetry(func() error {
		claimed = false
		return s.DB.Transaction(func(tx *gorm.DB) error {
			err := tx.Where("processed = ?", ProcessedPending).
				Order("created_at asc").First(&item).Error
			if err == gorm.ErrRecordNotFound {
				return nil
			}
			if err != nil {
				return err
			}
			now := time.Now()
			res := tx.Model(&LearningQueueItem{}).
				Where("id = ? AND processed = ?", item.ID, ProcessedPending).
				Updates(map[string]interface{}{"processed": ProcessedClaimed, "started_at": now})
			if res.Error != nil {
				return res.Error
			}
			claimed = res.RowsAffected == 1
			item.Processed = ProcessedClaimed
			item.StartedAt = &now
			return nil
		})
	})
	return item, claimed && err == nil, err
}

// StagePendingChat copies a claimed queue row into pending_chats and marks
// the queue row done, in one transaction.
func (s *Storage) StagePendingChat(item LearningQueueItem) error {
	return withRetry(func() error {
		return s.DB.Transaction(func(tx *gorm.DB) error {
			pending := PendingChat{
				UserID:    item.UserID,
				ChatID:    item.ChatID,
				Messages:  item.Messages,
				Processed: ProcessedPending,
				CreatedAt: item.CreatedAt,
			}
			if err := tx.Create(&pending).Error; err != nil {
				return err
			}
			return tx.Model(&LearningQueueItem{}).Where("id = ?", item.ID).
				Update("processed", ProcessedDone).Error
		})
	})
}

// MarkLearningFailed records a terminal failure for a queue row
func (s *Storage) MarkLearningFailed(id int64, msg string) error {
	return withRetry(func() error {
		return s.DB.Model(&LearningQueueItem{}).Where("id = ?", id).
			Updates(map[string]interface{}{"processed": ProcessedClaimed, "error": msg}).Error
	})
}

// CountUnprocessedLearning returns the queue backlog size
func (s *Storage) CountUnprocessedLearning() (int64, error) {
	var n int64
	err := s.DB.Model(&LearningQueueItem{}).Where("processed = ?", ProcessedPending).Count(&n).Error
	return n, err
}

// ============= Pending chats =============

// ClaimOldestPending atomically claims the oldest unprocessed pending chat
func (s *Storage) ClaimOldestPending() (PendingChat, bool, error) {
	var row PendingChat
	claimed := false
	err := withRetry(func() error {
		claimed = false
		return s.DB.Transaction(func(tx *gorm.DB) error {
			err := tx.Where("processed = ?", ProcessedPending).
				Order("created_at asc").First(&row).Error
			if err == gorm.ErrRecordNotFound {
				return nil
			}
			if err != nil {
				return err
			}
			now := time.Now()
			res := tx.Model(&PendingChat{}).
				Where("id = ? AND processed = ?", row.ID, ProcessedPending).
				Updates(map[string]interface{}{"processed": ProcessedClaimed, "started_at": now})
			if res.Error != nil {
				return res.Error
			}
			claimed = res.RowsAffected == 1
			row.Processed = ProcessedClaimed
			row.StartedAt = &now
			return nil
		})
	})
	return row, claimed && err == nil, err
}

// MarkPendingDone finishes a pending chat row
func (s *Storage) MarkPendingDone(id int64) error {
	return withRetry(func() error {
		return s.DB.Model(&PendingChat{}).Where("id = ?", id).
			Updates(map[string]interface{}{"processed": ProcessedDone, "error": ""}).Error
	})
}

// MarkPendingFailed records a terminal failure for a pending chat row
func (s *Storage) MarkPendingFailed(id int64, msg string) error {
	return withRetry(func() error {
		return s.DB.Model(&PendingChat{}).Where("id = ?", id).
			Updates(map[string]interface{}{"processed": ProcessedClaimed, "error": msg}).Error
	})
}

// UnwindPending returns a claimed row to the unprocessed state, used when
// extraction is preempted by UI activity.
func (s *Storage) UnwindPending(id int64) error {
	return withRetry(func() error {
		return s.DB.Model(&PendingChat{}).Where("id = ?", id).
			Updates(map[string]interface{}{"processed": ProcessedPending, "started_at": nil, "error": ""}).Error
	})
}

// CountUnprocessedPending returns the extraction backlog size
func (s *Storage) CountUnprocessedPending() (int64, error) {
	var n int64
	err := s.DB.Model(&PendingChat{}).Where("processed = ?", ProcessedPending).Count(&n).Error
	return n, err
}

// ReclaimStaleClaims resets claimed-but-stuck rows in both queue tables.
// A claim older than maxAge with no recorded error is assumed dead.
func (s *Storage) ReclaimStaleClaims(maxAge time.Duration) error {
	cutoff := time.Now().Add(-maxAge)
	return withRetry(func() error {
		if err := s.DB.Model(&LearningQueueItem{}).
			Where("processed = ? AND error = '' AND started_at < ?", ProcessedClaimed, cutoff).
			Updates(map[string]interface{}{"processed": ProcessedPending, "started_at": nil}).Error; err != nil {
			return err
		}
		return s.DB.Model(&PendingChat{}).
			Where("processed = ? AND error = '' AND started_at < ?", ProcessedClaimed, cutoff).
			Updates(map[string]interface{}{"processed": ProcessedPending, "started_at": nil}).Error
	})
}
