package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"localmind/internal/storage"
)

// Setting keys in the app_settings table. Runtime-tunable knobs live here
// rather than in flags so both processes see changes without a restart.
const (
	KeyAPIToken             = "api_token"
	KeyImportanceGate       = "importance_gate"
	KeyMaxMemoriesPerUser   = "max_memories_per_user"
	KeyMaxHotPerUser        = "max_hot_per_user"
	KeyMaxWarmPerUser       = "max_warm_per_user"
	KeyWorkerBatchSize      = "worker_batch_size"
	KeyBandwidthLimit       = "bandwidth_limit"
	KeyEnableIntegrityCheck = "enable_integrity_check"
	KeyUIActiveUntil        = "ui_active_until"
	KeyRetrievalUrgency     = "retrieval_urgency"
	KeyAPIMaxConcurrent     = "api_max_concurrent"
	KeyMaintenanceSpec      = "maintenance_spec"
)

type ConfigManager struct {
	storage *storage.Storage
}

func NewConfigManager(s *storage.Storage) *ConfigManager {
	return &ConfigManager{storage: s}
}

func (c *ConfigManager) GetAPIToken() string {
	val, err := c.storage.GetString(KeyAPIToken)
	if err != nil || val == "" {
		// First run: mint a token and persist it.
		token := generateSecureToken()
		c.storage.SetString(KeyAPIToken, token)
		return token
	}
	return val
}

// GetImportanceGate returns the minimum importance a memory needs to
// earn an embedding. Below it, memories are stored but never indexed.
func (c *ConfigManager) GetImportanceGate() float64 {
	valStr, err := c.storage.GetString(KeyImportanceGate)
	if err != nil || valStr == "" {
		return 0.2
	}
	val, err := strconv.ParseFloat(valStr, 64)
	if err != nil || val < 0 || val > 1 {
		return 0.2
	}
	return val
}

func (c *ConfigManager) SetImportanceGate(gate float64) error {
	return c.storage.SetString(KeyImportanceGate, strconv.FormatFloat(gate, 'f', -1, 64))
}

func (c *ConfigManager) GetMaxMemoriesPerUser() int {
	valStr, err := c.storage.GetString(KeyMaxMemoriesPerUser)
	if err != nil || valStr == "" {
		return 10000
	}
	val, err := strconv.Atoi(valStr)
	if err != nil || val <= 0 {
		return 10000
	}
	return val
}

func (c *ConfigManager) SetMaxMemoriesPerUser(max int) error {
	return c.storage.SetString(KeyMaxMemoriesPerUser, strconv.Itoa(max))
}

// GetMaxHotPerUser caps the hot tier; overflow ages into warm oldest-first.
func (c *ConfigManager) GetMaxHotPerUser() int {
	return c.intSetting(KeyMaxHotPerUser, 1000)
}

// GetAPIMaxConcurrent caps in-flight control-plane requests.
func (c *ConfigManager) GetAPIMaxConcurrent() int {
	return c.intSetting(KeyAPIMaxConcurrent, 8)
}

func (c *ConfigManager) GetMaxWarmPerUser() int {
	return c.intSetting(KeyMaxWarmPerUser, 5000)
}

func (c *ConfigManager) intSetting(key string, fallback int) int {
	valStr, err := c.storage.GetString(key)
	if err != nil || valStr == "" {
		return fallback
	}
	val, err := strconv.Atoi(valStr)
	if err != nil || val <= 0 {
		return fallback
	}
	return val
}

func (c *ConfigManager) GetWorkerBatchSize() int {
	valStr, err := c.storage.GetString(KeyWorkerBatchSize)
	if err != nil || valStr == "" {
		return 10
	}
	val, err := strconv.Atoi(valStr)
	if err != nil || val <= 0 {
		return 10
	}
	return val
}

func (c *ConfigManager) SetWorkerBatchSize(size int) error {
	return c.storage.SetString(KeyWorkerBatchSize, strconv.Itoa(size))
}

// GetBandwidthLimit returns the download rate cap in bytes/sec, 0 = unlimited.
func (c *ConfigManager) GetBandwidthLimit() int64 {
	valStr, err := c.storage.GetString(KeyBandwidthLimit)
	if err != nil || valStr == "" {
		return 0
	}
	val, err := strconv.ParseInt(valStr, 10, 64)
	if err != nil || val < 0 {
		return 0
	}
	return val
}

func (c *ConfigManager) SetBandwidthLimit(bytesPerSec int64) error {
	return c.storage.SetString(KeyBandwidthLimit, strconv.FormatInt(bytesPerSec, 10))
}

func (c *ConfigManager) GetEnableIntegrityCheck() bool {
	val, err := c.storage.GetString(KeyEnableIntegrityCheck)
	if err != nil {
		return true
	}
	// On unless the user switched it off.
	return val != "false"
}

func (c *ConfigManager) SetEnableIntegrityCheck(enabled bool) error {
	val := "false"
	if enabled {
		val = "true"
	}
	return c.storage.SetString(KeyEnableIntegrityCheck, val)
}

// MarkUIActive records that the user is interacting right now. The learning
// worker reads this through the shared DB and backs off while it holds.
func (c *ConfigManager) MarkUIActive(ttl time.Duration) error {
	until := time.Now().Add(ttl).UTC().Format(time.RFC3339)
	return c.storage.SetString(KeyUIActiveUntil, until)
}

// ClearUIActive releases the lease early so extraction can resume.
func (c *ConfigManager) ClearUIActive() error {
	return c.storage.SetString(KeyUIActiveUntil, "")
}

// GetRetrievalUrgency returns the search urgency chat uses for context.
func (c *ConfigManager) GetRetrievalUrgency() string {
	val, _ := c.storage.GetString(KeyRetrievalUrgency)
	switch val {
	case "instant", "normal", "comprehensive":
		return val
	}
	return "normal"
}

func (c *ConfigManager) SetRetrievalUrgency(urgency string) error {
	switch urgency {
	case "instant", "normal", "comprehensive":
		return c.storage.SetString(KeyRetrievalUrgency, urgency)
	}
	return fmt.Errorf("unknown urgency %q", urgency)
}

// GetMaintenanceSpec returns the cron spec for the maintenance schedule.
// Empty means the scheduler's default (weekly).
func (c *ConfigManager) GetMaintenanceSpec() string {
	val, _ := c.storage.GetString(KeyMaintenanceSpec)
	return val
}

func (c *ConfigManager) SetMaintenanceSpec(spec string) error {
	return c.storage.SetString(KeyMaintenanceSpec, spec)
}

func (c *ConfigManager) IsUIActive() bool {
	val, err := c.storage.GetString(KeyUIActiveUntil)
	if err != nil || val == "" {
		return false
	}
	until, err := time.Parse(time.RFC3339, val)
	if err != nil {
		return false
	}
	return time.Now().Before(until)
}

func generateSecureToken() string {
	// 16 random bytes, rendered as 32 hex chars.
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		// No OS entropy; fall back to a fixed token the user must replace.
		return "localmind-fallback-token-change-me"
	}
	return hex.EncodeToString(b)
}
