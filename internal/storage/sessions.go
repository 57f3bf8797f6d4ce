package storage

import (
	"errors"
	"time"

	"gorm.io/gorm"
)

// ============= Chat sessions =============

// GetSession retrieves a chat session by ID
func (s *Storage) GetSession(id string) (ChatSession, error) {
	var sess ChatSession
	err := s.DB.First(&sess, "id = ?", id).Error
	return sess, err
}

// CreateSession creates a chat session
func (s *Storage) CreateSession(sess *ChatSession) error {
	now := time.Now()
	sess.CreatedAt = now
	sess.UpdatedAt = now
	return withRetry(func() error {
		return s.DB.Create(sess).Error
	})
}

// SetSessionTitle sets the title once, on the first user message
func (s *Storage) SetSessionTitle(id, title string) error {
	return withRetry(func() error {
		return s.DB.Model(&ChatSession{}).Where("id = ? AND title = ''", id).
			Update("title", title).Error
	})
}

// TouchSession bumps the session's updated timestamp
func (s *Storage) TouchSession(id string) error {
	return withRetry(func() error {
		return s.DB.Model(&ChatSession{}).Where("id = ?", id).
			Update("updated_at", time.Now()).Error
	})
}

// ListSessions returns a user's sessions, most recently active first
func (s *Storage) ListSessions(userID string, limit int) ([]ChatSession, error) {
	var out []ChatSession
	q := s.DB.Where("user_id = ?", userID).Order("updated_at desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&out).Error
	return out, err
}

// AppendMessage stores one utterance
func (s *Storage) AppendMessage(msg *ChatMessage) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	return withRetry(func() error {
		return s.DB.Create(msg).Error
	})
}

// RecentMessages returns the last limit messages in chronological order
func (s *Storage) RecentMessages(sessionID string, limit int) ([]ChatMessage, error) {
	var out []ChatMessage
	err := s.DB.Where("session_id = ?", sessionID).
		Order("id desc").Limit(limit).Find(&out).Error
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// SessionMessageCount returns how many messages a session holds
func (s *Storage) SessionMessageCount(sessionID string) (int64, error) {
	var n int64
	err := s.DB.Model(&ChatMessage{}).Where("session_id = ?", sessionID).Count(&n).Error
	return n, err
}

// IsNotFound reports whether err is the record-not-found sentinel
func IsNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}
