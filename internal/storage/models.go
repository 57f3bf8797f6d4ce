package storage

import (
	"time"
)

// Memory types produced by extraction.
const (
	MemoryTypeFact       = "fact"
	MemoryTypePreference = "preference"
	MemoryTypePattern    = "pattern"
	MemoryTypeSkill      = "skill"
	MemoryTypeGoal       = "goal"
	MemoryTypeEvent      = "event"
	MemoryTypeEmotional  = "emotional"
	MemoryTypeTemporal   = "temporal"
	MemoryTypeContext    = "context"
	MemoryTypeMeta       = "meta"
	MemoryTypeSocial     = "social"
	MemoryTypeProcedural = "procedural"
)

// Storage tiers for memories.
const (
	TierHot  = "hot"
	TierWarm = "warm"
	TierCold = "cold"
)

// Processed states for learning_queue and pending_chats rows. A claimed row
// carries -1 with an empty error; a failed row carries -1 with the error set.
const (
	ProcessedPending = 0
	ProcessedDone    = 1
	ProcessedClaimed = -1
)

// Memory is a typed long-term memory row
type Memory struct {
	ID              string    `gorm:"primaryKey" json:"id"`
	UserID          string    `gorm:"index;index:idx_memories_user_hash" json:"user_id"`
	Content         string    `json:"content"`
	MemoryType      string    `gorm:"index" json:"memory_type"` // fact, preference, pattern, ...
	Importance      float64   `gorm:"index" json:"importance"`  // [0,1]
	Confidence      float64   `gorm:"default:1" json:"confidence"`
	Category        string    `json:"category"`
	Keywords        string    `json:"keywords"` // JSON array
	Context         string    `json:"context"`
	TemporalPattern string    `json:"temporal_pattern"`
	Metadata        string    `json:"metadata"` // JSON object
	ContentHash     string    `gorm:"index:idx_memories_user_hash" json:"content_hash"`
	Tier            string    `gorm:"index;default:hot" json:"tier"` // hot, warm, cold
	Compressed      bool      `gorm:"default:false" json:"compressed"`
	Summarized      bool      `gorm:"default:false" json:"summarized"` // folded into a monthly summary
	AccessCount     int64     `gorm:"default:0" json:"access_count"`
	CreatedAt       time.Time `json:"created_at"`
	LastAccessed    time.Time `json:"last_accessed"`
}

// TableName specifies the table name for Memory
func (Memory) TableName() string {
	return "memories"
}

// MemoryLink is one edge in the related-memory graph. Reads materialize a
// one-hop view; cycles are tolerated rather than rejected.
type MemoryLink struct {
	MemoryID  string `gorm:"primaryKey" json:"memory_id"`
	RelatedID string `gorm:"primaryKey" json:"related_id"`
}

// TableName specifies the table name for MemoryLink
func (MemoryLink) TableName() string {
	return "memory_links"
}

// UserProfile stores per-user personalization data
type UserProfile struct {
	UserID             string    `gorm:"primaryKey" json:"user_id"`
	CommunicationStyle string    `json:"communication_style"`
	Interests          string    `json:"interests"`          // JSON array
	ExpertiseAreas     string    `json:"expertise_areas"`    // JSON array
	PersonalityTraits  string    `json:"personality_traits"` // JSON array
	Preferences        string    `json:"preferences"`        // JSON object
	UpdatedAt          time.Time `json:"updated_at"`
}

// TableName specifies the table name for UserProfile
func (UserProfile) TableName() string {
	return "user_profiles"
}

// LearningQueueItem is one completed chat turn awaiting handoff to the
// extraction stage. FIFO by CreatedAt.
type LearningQueueItem struct {
	ID        int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID    string     `gorm:"index" json:"user_id"`
	ChatID    string     `json:"chat_id"`
	Messages  string     `json:"messages"` // JSON transcript
	Processed int        `gorm:"index;default:0" json:"processed"`
	Error     string     `json:"error"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// TableName specifies the table name for LearningQueueItem
func (LearningQueueItem) TableName() string {
	return "learning_queue"
}

// PendingChat is a chat turn staged for deep memory extraction
type PendingChat struct {
	ID        int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID    string     `gorm:"index" json:"user_id"`
	ChatID    string     `json:"chat_id"`
	Messages  string     `json:"messages"` // JSON transcript
	Processed int        `gorm:"index;default:0" json:"processed"`
	Error     string     `json:"error"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// TableName specifies the table name for PendingChat
func (PendingChat) TableName() string {
	return "pending_chats"
}

// ChatSession groups the messages of one conversation
type ChatSession struct {
	ID        string    `gorm:"primaryKey" json:"id"`
	UserID    string    `gorm:"index" json:"user_id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName specifies the table name for ChatSession
func (ChatSession) TableName() string {
	return "chat_sessions"
}

// ChatMessage is a single utterance inside a session
type ChatMessage struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	SessionID string    `gorm:"index" json:"session_id"`
	Role      string    `json:"role"` // user, assistant
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// TableName specifies the table name for ChatMessage
func (ChatMessage) TableName() string {
	return "chat_messages"
}

// AppSetting stores key-value application settings
type AppSetting struct {
	Key   string `gorm:"primaryKey"`
	Value string
}

// TableName specifies the table name for AppSetting
func (AppSetting) TableName() string {
	return "app_settings"
}
