package learn

import (
	"sync"
	"time"

	"localmind/internal/config"
)

const (
	// LeaseTTL is how long a single Mark keeps extraction suppressed.
	LeaseTTL = 2 * time.Minute

	recheckEvery = 500 * time.Millisecond
)

// UIFlag is the cross-process "user is interacting" signal. The serve
// process renews a lease in app_settings; the worker polls it through the
// shared database, cached briefly so per-chunk checks stay cheap.
type UIFlag struct {
	cfg *config.ConfigManager

	mu      sync.Mutex
	active  bool
	checked time.Time
}

func NewUIFlag(cfg *config.ConfigManager) *UIFlag {
	return &UIFlag{cfg: cfg}
}

// Mark renews the lease. Called on user interaction and during chat turns.
func (f *UIFlag) Mark() error {
	f.mu.Lock()
	f.active = true
	f.checked = time.Now()
	f.mu.Unlock()
	return f.cfg.MarkUIActive(LeaseTTL)
}

// Clear releases the lease so extraction can resume without waiting it out.
func (f *UIFlag) Clear() error {
	f.mu.Lock()
	f.active = false
	f.checked = time.Now()
	f.mu.Unlock()
	return f.cfg.ClearUIActive()
}

// Active reports whether the lease currently holds.
func (f *UIFlag) Active() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if time.Since(f.checked) < recheckEvery {
		return f.active
	}
	f.active = f.cfg.IsUIActive()
	f.checked = time.Now()
	return f.active
}
