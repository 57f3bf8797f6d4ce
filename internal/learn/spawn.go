package learn

import (
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

// LockFileName is the worker's single-instance lock under the state dir.
const LockFileName = "worker.lock"

const spawnCheckEvery = 15 * time.Second

// AcquireWorkerLock takes the single-instance lock for the worker process.
// ok=false means another worker already holds it.
func AcquireWorkerLock(path string) (release func() error, ok bool, err error) {
	lk := flock.New(path)
	ok, err = lk.TryLock()
	if err != nil || !ok {
		return nil, false, err
	}
	return lk.Unlock, true, nil
}

// Spawner keeps the worker process alive from the serve side. Liveness is
// probed through the same lock file the worker holds for its lifetime, so
// a crashed worker is indistinguishable from one that never started.
type Spawner struct {
	lockPath string
	spawn    func() error
	log      *slog.Logger

	mu        sync.Mutex
	lastCheck time.Time
}

// NewSpawner builds a spawner that re-execs the current binary with args.
func NewSpawner(lockPath string, args []string, log *slog.Logger) *Spawner {
	return &Spawner{
		lockPath: lockPath,
		log:      log,
		spawn: func() error {
			exe, err := os.Executable()
			if err != nil {
				return err
			}
			cmd := exec.Command(exe, args...)
			if err := cmd.Start(); err != nil {
				return err
			}
			// detach; the worker outlives this call
			return cmd.Process.Release()
		},
	}
}

// EnsureRunning starts a worker process when none holds the lock. Calls
// are debounced, so it is cheap to invoke on every enqueue.
func (s *Spawner) EnsureRunning() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if time.Since(s.lastCheck) < spawnCheckEvery {
		return
	}
	s.lastCheck = time.Now()

	lk := flock.New(s.lockPath)
	free, err := lk.TryLock()
	if err != nil {
		s.log.Warn("Worker lock probe failed", "path", s.lockPath, "error", err)
		return
	}
	if !free {
		return
	}
	if err := lk.Unlock(); err != nil {
		s.log.Warn("Worker lock release failed", "path", s.lockPath, "error", err)
	}

	s.log.Info("Starting learning worker process")
	if err := s.spawn(); err != nil {
		s.log.Error("Worker spawn failed", "error", err)
		// allow an immediate retry on the next enqueue
		s.lastCheck = time.Time{}
	}
}
