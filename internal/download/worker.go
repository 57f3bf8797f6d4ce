package download

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// chunkSize is the unit of streaming reads. Pause and cancel flags are
	// observed between chunks, so this bounds control latency.
	chunkSize = 8 * 1024

	// checkpointBytes is how often per-file progress is flushed to disk.
	checkpointBytes = 4 << 20

	maxFileAttempts = 3
	pausePollEvery  = 100 * time.Millisecond
)

var errCancelled = errors.New("download cancelled")

var bufferPool = sync.Pool{
	New: func() any {
		buf := make([]byte, chunkSize)
		return &buf
	},
}

// workerHandle holds the control flags for one running artifact worker.
type workerHandle struct {
	pause  atomic.Bool
	cancel atomic.Bool
	done   chan struct{}
}

// runWorker downloads every file of an artifact sequentially. It owns the
// state's status for the duration of the run but never clobbers a status
// some control operation set behind its back.
func (m *Manager) runWorker(h *workerHandle, id string) {
	defer close(h.done)
	defer m.detach(id)
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("Download worker panic", "id", id, "panic", r)
			m.transition(id, StatusDownloading, StatusError, fmt.Sprintf("internal worker error: %v", r))
		}
	}()

	state, ok := m.store.Get(id)
	if !ok {
		return
	}
	m.log.Info("Download worker started", "id", id, "files", len(state.Files))

	for _, name := range state.Files {
		fp, ok := state.FileProgress[name]
		if !ok || fp.Complete {
			continue
		}
		if err := m.downloadFile(h, id, name); err != nil {
			if errors.Is(err, errCancelled) {
				m.log.Info("Download worker stopped", "id", id)
				return
			}
			m.log.Error("Download failed", "id", id, "file", name, "error", err)
			m.transition(id, StatusDownloading, StatusError, err.Error())
			return
		}
		state, ok = m.store.Get(id)
		if !ok {
			return
		}
	}

	m.store.Update(id, true, func(st *DownloadState) {
		if st.Status != StatusDownloading {
			return
		}
		st.RecomputeAggregates()
		if st.AllComplete() {
			st.Status = StatusReady
			st.ErrorMessage = ""
		}
	})
	m.log.Info("Download complete", "id", id)
}

// downloadFile brings one file to completion, resuming from whatever is
// already on disk. Transient failures retry with backoff.
func (m *Manager) downloadFile(h *workerHandle, id, name string) error {
	localPath := m.localPath(id, name)
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return err
	}

	rangeless := false
	for attempt := 0; attempt < maxFileAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(1<<attempt) * time.Second)
		}
		before := diskSize(localPath)
		done, err := m.fetchOnce(h, id, name, localPath, rangeless)
		if err == nil {
			if done {
				verr := m.verifyFile(id, name, localPath)
				if verr == nil {
					return nil
				}
				m.log.Warn("Digest check failed", "id", id, "file", name, "attempt", attempt+1, "error", verr)
				if attempt == maxFileAttempts-1 {
					return verr
				}
				continue
			}
			// Short body without an error. Re-enter from the new offset,
			// but only count it as free if bytes actually landed.
			if diskSize(localPath) > before {
				attempt--
			}
			continue
		}
		if errors.Is(err, errCancelled) {
			return err
		}
		if errors.Is(err, errRangeNotSatisfiable) {
			// Local and remote disagree entirely. Drop the partial file
			// and take one plain request from byte zero.
			if rmErr := os.Remove(localPath); rmErr != nil && !os.IsNotExist(rmErr) {
				return rmErr
			}
			m.store.Update(id, true, func(st *DownloadState) {
				if fp := st.FileProgress[name]; fp != nil {
					fp.Downloaded = 0
					st.RecomputeAggregates()
				}
			})
			rangeless = true
			attempt--
			continue
		}
		m.log.Warn("Download attempt failed", "id", id, "file", name, "attempt", attempt+1, "error", err)
		if attempt == maxFileAttempts-1 {
			return err
		}
	}
	return fmt.Errorf("file %s: out of attempts", name)
}

var errRangeNotSatisfiable = errors.New("range not satisfiable")

func diskSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}

// fetchOnce performs a single request cycle against the file's URL and
// streams the body to disk. Returns done=true when the file is complete.
func (m *Manager) fetchOnce(h *workerHandle, id, name, localPath string, rangeless bool) (bool, error) {
	state, ok := m.store.Get(id)
	if !ok {
		return false, errCancelled
	}
	fp := state.FileProgress[name]
	if fp == nil {
		return false, fmt.Errorf("no progress entry for %s", name)
	}

	// 1. Disk is the source of truth for the resume offset.
	var start int64
	if info, err := os.Stat(localPath); err == nil {
		start = info.Size()
	}
	if fp.TotalSize > 0 && start >= fp.TotalSize {
		// Disk already holds the full remote size. Bytes past it are
		// leftovers from an earlier run and get cut off.
		if start > fp.TotalSize {
			if err := os.Truncate(localPath, fp.TotalSize); err != nil {
				return false, err
			}
		}
		m.finishFile(id, name, fp.TotalSize)
		return true, nil
	}

	// 2. Issue the request, ranged when we hold a partial file.
	req, err := http.NewRequest(http.MethodGet, fp.URL, nil)
	if err != nil {
		return false, err
	}
	if start > 0 && !rangeless {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", start))
	} else {
		start = 0
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	// 3. Interpret the server's resume decision.
	switch resp.StatusCode {
	case http.StatusOK:
		// Full body. Any partial data is void.
		if err := os.Truncate(localPath, 0); err != nil && !os.IsNotExist(err) {
			return false, err
		}
		start = 0
		if resp.ContentLength > 0 {
			m.setFileTotal(id, name, resp.ContentLength)
		}
	case http.StatusPartialContent:
		respStart, total, err := parseContentRange(resp.Header.Get("Content-Range"))
		if err != nil {
			return false, err
		}
		if respStart != start {
			return false, fmt.Errorf("server resumed at %d, wanted %d", respStart, start)
		}
		if total > 0 {
			m.setFileTotal(id, name, total)
		}
	case http.StatusRequestedRangeNotSatisfiable:
		return false, errRangeNotSatisfiable
	default:
		return false, fmt.Errorf("get %s: %s", fp.URL, resp.Status)
	}

	// 4. Stream to disk in chunks.
	file, err := os.OpenFile(localPath, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return false, err
	}
	defer file.Close()
	if _, err := file.Seek(start, io.SeekStart); err != nil {
		return false, err
	}

	written, err := m.streamBody(h, id, name, file, resp.Body, start)
	if err != nil {
		return false, err
	}
	if err := file.Sync(); err != nil {
		return false, err
	}

	cur, _ := m.store.Get(id)
	total := int64(0)
	if cfp := cur.FileProgress[name]; cfp != nil {
		total = cfp.TotalSize
	}
	if total > 0 && written < total {
		// Connection closed early. The caller re-enters from disk size.
		return false, nil
	}
	m.finishFile(id, name, written)
	return true, nil
}

// streamBody copies the response body to file one chunk at a time,
// honoring pause and cancel flags between chunks and checkpointing the
// state file every few MiB.
func (m *Manager) streamBody(h *workerHandle, id, name string, file *os.File, body io.Reader, start int64) (int64, error) {
	bufPtr := bufferPool.Get().(*[]byte)
	defer bufferPool.Put(bufPtr)
	buf := *bufPtr

	written := start
	var sinceCheckpoint int64

	for {
		if h.cancel.Load() {
			return written, errCancelled
		}
		if h.pause.Load() {
			if err := m.enterPause(h, id); err != nil {
				return written, err
			}
		}
		if err := m.limiter.Wait(m.baseCtx, len(buf)); err != nil {
			return written, err
		}

		n, readErr := body.Read(buf)
		if n > 0 {
			if _, err := file.Write(buf[:n]); err != nil {
				return written, err
			}
			written += int64(n)
			sinceCheckpoint += int64(n)

			persist := sinceCheckpoint >= checkpointBytes
			if persist {
				sinceCheckpoint = 0
			}
			m.store.Update(id, persist, func(st *DownloadState) {
				if fp := st.FileProgress[name]; fp != nil {
					fp.Downloaded = written
					st.RecomputeAggregates()
				}
			})
		}
		if readErr != nil {
			if readErr == io.EOF {
				return written, nil
			}
			return written, readErr
		}
	}
}

// enterPause parks the worker while the pause flag is up. The paused
// status lands in the state file exactly once, when first observed.
func (m *Manager) enterPause(h *workerHandle, id string) error {
	m.transition(id, StatusDownloading, StatusPaused, "")
	m.log.Info("Download paused", "id", id)
	for h.pause.Load() {
		if h.cancel.Load() {
			return errCancelled
		}
		time.Sleep(pausePollEvery)
	}
	m.transition(id, StatusPaused, StatusDownloading, "")
	m.log.Info("Download resumed", "id", id)
	return nil
}

func (m *Manager) finishFile(id, name string, size int64) {
	m.store.Update(id, true, func(st *DownloadState) {
		if fp := st.FileProgress[name]; fp != nil {
			fp.Downloaded = size
			if fp.TotalSize == 0 {
				fp.TotalSize = size
			}
			fp.Complete = true
			st.RecomputeAggregates()
		}
	})
}

// verifyFile checks a completed file against its hub digest. A mismatch
// drops the bytes and resets the progress entry so the retry starts clean.
// Files without a published digest pass through.
func (m *Manager) verifyFile(id, name, localPath string) error {
	if !m.verify.Load() {
		return nil
	}
	state, ok := m.store.Get(id)
	if !ok {
		return nil
	}
	fp := state.FileProgress[name]
	if fp == nil || fp.SHA256 == "" {
		return nil
	}
	err := m.verifier.Verify(localPath, "sha256", fp.SHA256)
	if err == nil {
		return nil
	}
	if rmErr := os.Remove(localPath); rmErr != nil && !os.IsNotExist(rmErr) {
		m.log.Warn("Could not remove corrupt file", "id", id, "file", name, "error", rmErr)
	}
	m.store.Update(id, true, func(st *DownloadState) {
		if p := st.FileProgress[name]; p != nil {
			p.Downloaded = 0
			p.Complete = false
			st.RecomputeAggregates()
		}
	})
	return err
}

func (m *Manager) setFileTotal(id, name string, total int64) {
	m.store.Update(id, false, func(st *DownloadState) {
		if fp := st.FileProgress[name]; fp != nil {
			fp.TotalSize = total
			st.RecomputeAggregates()
		}
	})
}

// transition moves status from->to only if the state still holds from.
func (m *Manager) transition(id, from, to, errMsg string) {
	m.store.Update(id, true, func(st *DownloadState) {
		if st.Status != from {
			return
		}
		st.Status = to
		st.ErrorMessage = errMsg
	})
}

// parseContentRange extracts the start offset and total size from a
// Content-Range header of the form "bytes A-B/N".
func parseContentRange(header string) (start, total int64, err error) {
	const prefix = "bytes "
	if !strings.HasPrefix(header, prefix) {
		return 0, 0, fmt.Errorf("malformed Content-Range %q", header)
	}
	rest := header[len(prefix):]
	rangePart, totalPart, ok := strings.Cut(rest, "/")
	if !ok {
		return 0, 0, fmt.Errorf("malformed Content-Range %q", header)
	}
	startStr, _, ok := strings.Cut(rangePart, "-")
	if !ok {
		return 0, 0, fmt.Errorf("malformed Content-Range %q", header)
	}
	start, err = strconv.ParseInt(startStr, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed Content-Range %q", header)
	}
	if totalPart != "*" {
		total, err = strconv.ParseInt(totalPart, 10, 64)
		if err != nil {
			return 0, 0, fmt.Errorf("malformed Content-Range %q", header)
		}
	}
	return start, total, nil
}
