// Package security keeps the control-plane access trail. Every API request,
// accepted or rejected, is appended to a JSONL file so a user can reconstruct
// who talked to the daemon and when.
package security

import (
	"bufio"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
)

// AccessLogEntry is one line of api_access.log.
type AccessLogEntry struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	SourceIP  string    `json:"source_ip"`
	UserAgent string    `json:"user_agent"`
	Action    string    `json:"action"` // e.g. "POST /v1/chat"
	Status    int       `json:"status"` // 200, 401, 403
	Details   string    `json:"details"`
}

// AuditLogger appends access records to a JSONL file and mirrors each one to
// the process logger. If the file cannot be opened it degrades to the mirror
// alone rather than blocking the API.
type AuditLogger struct {
	mu   sync.Mutex
	file *os.File
	enc  *json.Encoder
	path string
	log  *slog.Logger
}

// NewAuditLogger opens (or creates) api_access.log under logDir.
func NewAuditLogger(logDir string, log *slog.Logger) *AuditLogger {
	a := &AuditLogger{path: filepath.Join(logDir, "api_access.log"), log: log}
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		log.Error("Failed to create audit log dir", "error", err)
		return a
	}
	f, err := os.OpenFile(a.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		log.Error("Failed to open audit log", "error", err)
		return a
	}
	a.file = f
	a.enc = json.NewEncoder(f)
	return a
}

// Log records one request. The encoder terminates each entry with a newline,
// which is what keeps the file valid JSONL.
func (a *AuditLogger) Log(sourceIP, userAgent, action string, status int, details string) {
	entry := AccessLogEntry{
		ID:        uuid.NewString(),
		Timestamp: time.Now(),
		SourceIP:  sourceIP,
		UserAgent: userAgent,
		Action:    action,
		Status:    status,
		Details:   details,
	}

	a.mu.Lock()
	if a.enc != nil {
		if err := a.enc.Encode(entry); err != nil {
			a.log.Error("Audit write failed", "error", err)
		}
	}
	a.mu.Unlock()

	level := slog.LevelInfo
	if status >= 400 {
		level = slog.LevelWarn
	}
	a.log.Log(context.Background(), level, "Audit", "action", action, "status", status, "ip", sourceIP)
}

func (a *AuditLogger) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file != nil {
		a.file.Close()
		a.file = nil
		a.enc = nil
	}
}

// GetRecentLogs returns up to limit entries, newest first. Lines that fail
// to parse are skipped so a torn write never hides the rest of the trail.
func (a *AuditLogger) GetRecentLogs(limit int) []AccessLogEntry {
	a.mu.Lock()
	defer a.mu.Unlock()

	f, err := os.Open(a.path)
	if err != nil {
		return []AccessLogEntry{}
	}
	defer f.Close()

	var all []AccessLogEntry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var entry AccessLogEntry
		if err := json.Unmarshal(sc.Bytes(), &entry); err != nil {
			continue
		}
		all = append(all, entry)
	}
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
		all[i], all[j] = all[j], all[i]
	}
	return all
}
