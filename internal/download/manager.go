package download

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"localmind/internal/integrity"
)

// shutdownJoin bounds how long Shutdown waits for workers to park.
const shutdownJoin = 2 * time.Second

// Manager is the control plane for artifact downloads. One worker goroutine
// runs per active artifact; control operations talk to it through atomic
// flags on its handle.
type Manager struct {
	store     *StateStore
	hub       *HubClient
	limiter   *RateLimiter
	client    *http.Client
	verifier  *integrity.FileVerifier
	log       *slog.Logger
	modelsDir string
	verify    atomic.Bool

	baseCtx context.Context
	stop    context.CancelFunc

	mu      sync.Mutex
	workers map[string]*workerHandle
}

func NewManager(store *StateStore, hub *HubClient, limiter *RateLimiter, modelsDir string, log *slog.Logger) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		store:     store,
		hub:       hub,
		limiter:   limiter,
		client:    newHTTPClient(),
		verifier:  integrity.NewFileVerifier(),
		log:       log,
		modelsDir: modelsDir,
		baseCtx:   ctx,
		stop:      cancel,
		workers:   make(map[string]*workerHandle),
	}
	m.verify.Store(true)
	return m
}

// Start begins or resumes the download identified by modelID and kind.
// For repo artifacts an empty files list means "everything in the repo".
func (m *Manager) Start(ctx context.Context, modelID, kind string, files []string) (OpResult, string, error) {
	return m.begin(ctx, DeriveUniqueID(modelID, kind), modelID, kind, files)
}

// StartBundle fetches a single file from a direct URL under a caller-chosen
// state id. Update bundles come through here; they do not live on the hub.
func (m *Manager) StartBundle(ctx context.Context, id, rawURL string) (OpResult, string, error) {
	return m.begin(ctx, id, rawURL, KindBundle, nil)
}

func (m *Manager) begin(ctx context.Context, id, modelID, kind string, files []string) (OpResult, string, error) {
	if state, ok := m.store.Get(id); ok {
		switch state.Status {
		case StatusDownloading:
			if m.attached(id) {
				return ResultAlreadyDownloading, id, nil
			}
			// Stale status from an unclean exit. Treat as resumable.
			m.spawn(id)
			return ResultResumed, id, nil
		case StatusReady:
			return ResultAlreadyDownloaded, id, nil
		default:
			m.transitionTo(id, StatusDownloading)
			m.spawn(id)
			return ResultResumed, id, nil
		}
	}

	state, err := m.newState(ctx, id, modelID, kind, files)
	if err != nil {
		return "", id, err
	}
	if err := m.store.Put(state); err != nil {
		return "", id, err
	}
	m.spawn(id)
	m.log.Info("Download started", "id", id, "model", modelID, "kind", kind, "files", len(state.Files))
	return ResultStarted, id, nil
}

// newState resolves the artifact's file list and builds its initial record.
func (m *Manager) newState(ctx context.Context, id, modelID, kind string, files []string) (DownloadState, error) {
	now := nowStamp()
	state := DownloadState{
		ModelID:      modelID,
		ModelType:    kind,
		Status:       StatusDownloading,
		CreatedAt:    now,
		UpdatedAt:    now,
		FileProgress: make(map[string]*FileProgress),
		UniqueID:     id,
	}

	switch kind {
	case KindGGUF:
		repo, filePath, err := splitSingleFile(modelID)
		if err != nil {
			return DownloadState{}, err
		}
		name := path.Base(filePath)
		url, err := m.hub.FileURL(modelID, kind, "")
		if err != nil {
			return DownloadState{}, err
		}
		size, err := m.hub.RemoteSize(ctx, url)
		if err != nil {
			m.log.Warn("Size probe failed, will learn size from response", "id", id, "error", err)
			size = 0
		}
		state.Files = []string{name}
		state.FileProgress[name] = &FileProgress{
			URL:       url,
			TotalSize: size,
			SHA256:    m.hub.FileDigest(ctx, repo, filePath),
		}

	case KindMLX:
		if len(files) == 0 {
			remote, err := m.hub.ListFiles(ctx, modelID)
			if err != nil {
				return DownloadState{}, err
			}
			for _, rf := range remote {
				u, _ := m.hub.FileURL(modelID, kind, rf.Path)
				state.Files = append(state.Files, rf.Path)
				state.FileProgress[rf.Path] = &FileProgress{URL: u, TotalSize: rf.Size, SHA256: rf.SHA256}
			}
		} else {
			for _, name := range files {
				u, _ := m.hub.FileURL(modelID, kind, name)
				state.Files = append(state.Files, name)
				state.FileProgress[name] = &FileProgress{URL: u}
			}
		}

	case KindBundle:
		u, err := url.Parse(modelID)
		if err != nil {
			return DownloadState{}, fmt.Errorf("bundle url: %w", err)
		}
		name := path.Base(u.Path)
		if name == "" || name == "." || name == "/" {
			return DownloadState{}, fmt.Errorf("bundle url %q has no file name", modelID)
		}
		size, err := m.hub.RemoteSize(ctx, modelID)
		if err != nil {
			m.log.Warn("Size probe failed, will learn size from response", "id", id, "error", err)
			size = 0
		}
		state.Files = []string{name}
		state.FileProgress[name] = &FileProgress{URL: modelID, TotalSize: size}

	default:
		return DownloadState{}, fmt.Errorf("unknown artifact kind %q", kind)
	}

	state.RecomputeAggregates()
	return state, nil
}

// Pause requests that a running download park itself. The transition to
// paused happens when the worker observes the flag, hence "pausing".
func (m *Manager) Pause(id string) (OpResult, error) {
	state, ok := m.store.Get(id)
	if !ok {
		return ResultNotFound, nil
	}
	if state.Status != StatusDownloading {
		return cannotPause(state.Status), nil
	}
	if h := m.handle(id); h != nil {
		h.pause.Store(true)
		return ResultPausing, nil
	}
	// No live worker behind a downloading status: park it directly.
	m.transition(id, StatusDownloading, StatusPaused, "")
	return ResultPausing, nil
}

// Resume restarts a parked download, either by releasing a spinning worker
// or by spawning a fresh one. Cancelled and failed downloads restart the
// same way a fresh start would, reusing whatever valid bytes remain on disk.
func (m *Manager) Resume(id string) (OpResult, error) {
	state, ok := m.store.Get(id)
	if !ok {
		return ResultNotFound, nil
	}
	if h := m.handle(id); h != nil {
		if h.pause.Load() {
			h.pause.Store(false)
			return ResultResumed, nil
		}
		return cannotResume(state.Status), nil
	}
	switch state.Status {
	case StatusPaused, StatusCancelled, StatusError, StatusDownloading:
		// StatusDownloading with no live worker is a stale status from an
		// unclean exit; it gets its worker back.
		m.transitionTo(id, StatusDownloading)
		m.spawn(id)
		return ResultResumed, nil
	default:
		return cannotResume(state.Status), nil
	}
}

// Cancel stops a download and removes its partial data. An artifact in a
// terminal state loses its whole directory; an in-flight one only its
// incomplete files, so completed files survive a later restart. With
// cleanup the state row is dropped too, as if the download was never asked
// for.
func (m *Manager) Cancel(id string, cleanup bool) (OpResult, error) {
	state, ok := m.store.Get(id)
	if !ok {
		return ResultNotFound, nil
	}
	if state.Status == StatusCancelled {
		return cannotCancel(state.Status), nil
	}
	m.stopWorker(id)

	if state.Status == StatusReady || state.Status == StatusError {
		if err := os.RemoveAll(m.artifactDir(id)); err != nil {
			return "", err
		}
	} else {
		for name, fp := range state.FileProgress {
			if fp.Complete {
				continue
			}
			if err := os.Remove(m.localPath(id, name)); err != nil && !os.IsNotExist(err) {
				return "", err
			}
		}
	}

	if cleanup {
		if err := m.store.Delete(id); err != nil {
			return "", err
		}
		m.log.Info("Download cancelled", "id", id, "cleanup", true)
		return ResultCancelled, nil
	}

	_, _, err := m.store.Update(id, true, func(st *DownloadState) {
		st.Status = StatusCancelled
		st.ErrorMessage = ""
		for _, fp := range st.FileProgress {
			if !fp.Complete {
				fp.Downloaded = 0
			}
		}
		st.RecomputeAggregates()
	})
	if err != nil {
		return "", err
	}
	m.log.Info("Download cancelled", "id", id)
	return ResultCancelled, nil
}

// Delete removes the artifact from disk and forgets its state.
func (m *Manager) Delete(id string) (OpResult, error) {
	if _, ok := m.store.Get(id); !ok {
		return ResultNotFound, nil
	}
	m.stopWorker(id)
	if err := os.RemoveAll(m.artifactDir(id)); err != nil {
		return "", err
	}
	if err := m.store.Delete(id); err != nil {
		return "", err
	}
	m.log.Info("Download deleted", "id", id)
	return ResultDeleted, nil
}

// Progress returns the live counters for one download.
func (m *Manager) Progress(id string) (Progress, bool) {
	state, ok := m.store.Get(id)
	if !ok {
		return Progress{}, false
	}
	return Progress{
		Downloaded: state.Downloaded,
		Total:      state.TotalSize,
		Status:     state.Status,
		Percentage: state.Percentage(),
		Error:      state.ErrorMessage,
	}, true
}

// Get returns a copy of one download's full state.
func (m *Manager) Get(id string) (DownloadState, bool) {
	return m.store.Get(id)
}

// List returns every tracked download, newest first.
func (m *Manager) List() []DownloadState {
	states := m.store.All()
	sort.Slice(states, func(i, j int) bool {
		if states[i].CreatedAt != states[j].CreatedAt {
			return states[i].CreatedAt > states[j].CreatedAt
		}
		return states[i].UniqueID < states[j].UniqueID
	})
	return states
}

// SetBandwidthLimit adjusts the global throughput cap in bytes per second.
func (m *Manager) SetBandwidthLimit(bytesPerSec int64) {
	m.limiter.SetLimit(bytesPerSec)
}

// SetIntegrityCheck toggles digest verification of completed files.
func (m *Manager) SetIntegrityCheck(on bool) {
	m.verify.Store(on)
}

// ArtifactPath returns where a ready artifact lives on disk.
func (m *Manager) ArtifactPath(id string) string {
	return m.artifactDir(id)
}

// Shutdown parks every active worker so downloads resume cleanly on the
// next start. The join is bounded; stragglers are cut loose.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	handles := make([]*workerHandle, 0, len(m.workers))
	for _, h := range m.workers {
		h.pause.Store(true)
		handles = append(handles, h)
	}
	m.mu.Unlock()

	deadline := time.Now().Add(shutdownJoin)
	for _, h := range handles {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		select {
		case <-h.done:
		case <-time.After(remaining):
		}
	}

	for _, h := range handles {
		h.cancel.Store(true)
	}
	m.stop()
	if err := m.store.Flush(); err != nil {
		m.log.Error("State flush on shutdown failed", "error", err)
	}
}

// ============= Worker bookkeeping =============

func (m *Manager) spawn(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.workers[id]; exists {
		return
	}
	h := &workerHandle{done: make(chan struct{})}
	m.workers[id] = h
	go m.runWorker(h, id)
}

func (m *Manager) handle(id string) *workerHandle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.workers[id]
}

func (m *Manager) attached(id string) bool {
	return m.handle(id) != nil
}

func (m *Manager) detach(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.workers, id)
}

// stopWorker raises the cancel flag and waits briefly for the goroutine.
func (m *Manager) stopWorker(id string) {
	h := m.handle(id)
	if h == nil {
		return
	}
	h.cancel.Store(true)
	h.pause.Store(false)
	select {
	case <-h.done:
	case <-time.After(shutdownJoin):
		m.log.Warn("Worker did not stop in time", "id", id)
	}
}

func (m *Manager) transitionTo(id, to string) {
	m.store.Update(id, true, func(st *DownloadState) {
		st.Status = to
		st.ErrorMessage = ""
	})
}

func (m *Manager) artifactDir(id string) string {
	return filepath.Join(m.modelsDir, filepath.FromSlash(id))
}

func (m *Manager) localPath(id, name string) string {
	return filepath.Join(m.artifactDir(id), filepath.FromSlash(name))
}
