package download

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// testContext returns a context canceled when the test ends, standing in for
// testing.T.Context, which needs a newer toolchain than this module targets.
func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}

func testBlob(size int) []byte {
	rng := rand.New(rand.NewSource(7))
	blob := make([]byte, size)
	rng.Read(blob)
	return blob
}

// rangedServer serves blob with full Range support via http.ServeContent.
func rangedServer(t *testing.T, path string, blob []byte) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "blob", time.Unix(0, 0), bytes.NewReader(blob))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestManager(t *testing.T, baseURL string) *Manager {
	t.Helper()
	dir := t.TempDir()
	store := NewStateStore(filepath.Join(dir, "state", "downloads.json"))
	require.NoError(t, store.Load())
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := NewManager(store, NewHubClient(baseURL, nil), NewRateLimiter(), filepath.Join(dir, "models"), log)
	t.Cleanup(m.Shutdown)
	return m
}

func waitStatus(t *testing.T, m *Manager, id, want string) DownloadState {
	t.Helper()
	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		if st, ok := m.Get(id); ok && st.Status == want {
			return st
		}
		time.Sleep(5 * time.Millisecond)
	}
	st, _ := m.Get(id)
	t.Fatalf("status = %q (err=%q), want %q", st.Status, st.ErrorMessage, want)
	return DownloadState{}
}

func TestDeriveUniqueID(t *testing.T) {
	cases := []struct {
		modelID, kind, want string
	}{
		{"TheBloke/Tiny-GGUF/tiny.Q4_K_M.gguf", KindGGUF, "TheBloke/tiny.Q4_K_M"},
		{"author/repo/sub/dir/model.gguf", KindGGUF, "author/model"},
		{"mlx-community/TinyChat-4bit", KindMLX, "mlx-community/TinyChat-4bit"},
		{"bare", KindGGUF, "bare"},
	}
	for _, tc := range cases {
		if got := DeriveUniqueID(tc.modelID, tc.kind); got != tc.want {
			t.Errorf("DeriveUniqueID(%q, %q) = %q, want %q", tc.modelID, tc.kind, got, tc.want)
		}
	}
}

func TestParseContentRange(t *testing.T) {
	start, total, err := parseContentRange("bytes 100-999/1000")
	require.NoError(t, err)
	require.Equal(t, int64(100), start)
	require.Equal(t, int64(1000), total)

	start, total, err = parseContentRange("bytes 0-49/*")
	require.NoError(t, err)
	require.Equal(t, int64(0), start)
	require.Equal(t, int64(0), total)

	for _, bad := range []string{"", "bytes", "100-999/1000", "bytes abc-1/2"} {
		if _, _, err := parseContentRange(bad); err == nil {
			t.Errorf("parseContentRange(%q) accepted malformed header", bad)
		}
	}
}

func TestSingleFileDownload(t *testing.T) {
	blob := testBlob(100 * 1024)
	srv := rangedServer(t, "/TheBloke/Tiny-GGUF/resolve/main/tiny.Q4_K_M.gguf", blob)
	m := newTestManager(t, srv.URL)

	res, id, err := m.Start(testContext(t), "TheBloke/Tiny-GGUF/tiny.Q4_K_M.gguf", KindGGUF, nil)
	require.NoError(t, err)
	require.Equal(t, ResultStarted, res)
	require.Equal(t, "TheBloke/tiny.Q4_K_M", id)

	st := waitStatus(t, m, id, StatusReady)
	require.Equal(t, int64(len(blob)), st.TotalSize)
	require.Equal(t, int64(len(blob)), st.Downloaded)
	require.True(t, st.AllComplete())

	got, err := os.ReadFile(m.localPath(id, "tiny.Q4_K_M.gguf"))
	require.NoError(t, err)
	require.True(t, bytes.Equal(blob, got))

	// Starting again is a no-op.
	res, _, err = m.Start(testContext(t), "TheBloke/Tiny-GGUF/tiny.Q4_K_M.gguf", KindGGUF, nil)
	require.NoError(t, err)
	require.Equal(t, ResultAlreadyDownloaded, res)

	p, ok := m.Progress(id)
	require.True(t, ok)
	require.Equal(t, float64(100), p.Percentage)
}

func seedPartial(t *testing.T, m *Manager, id, modelID, name, url string, blob []byte, have int) {
	t.Helper()
	local := m.localPath(id, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(local), 0o755))
	require.NoError(t, os.WriteFile(local, blob[:have], 0o644))
	require.NoError(t, m.store.Put(DownloadState{
		ModelID:    modelID,
		ModelType:  KindGGUF,
		Files:      []string{name},
		TotalSize:  int64(len(blob)),
		Downloaded: int64(have),
		Status:     StatusPaused,
		CreatedAt:  nowStamp(),
		FileProgress: map[string]*FileProgress{
			name: {URL: url, TotalSize: int64(len(blob)), Downloaded: int64(have)},
		},
		UniqueID: id,
	}))
}

func TestResumeAppendsWithRange(t *testing.T) {
	blob := testBlob(64 * 1024)
	var mu sync.Mutex
	var sawRange string
	mux := http.NewServeMux()
	mux.HandleFunc("/a/r/resolve/main/m.gguf", func(w http.ResponseWriter, r *http.Request) {
		if rg := r.Header.Get("Range"); rg != "" {
			mu.Lock()
			sawRange = rg
			mu.Unlock()
		}
		http.ServeContent(w, r, "m.gguf", time.Unix(0, 0), bytes.NewReader(blob))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	m := newTestManager(t, srv.URL)
	id := "a/m"
	seedPartial(t, m, id, "a/r/m.gguf", "m.gguf", srv.URL+"/a/r/resolve/main/m.gguf", blob, 24*1024)

	res, err := m.Resume(id)
	require.NoError(t, err)
	require.Equal(t, ResultResumed, res)

	waitStatus(t, m, id, StatusReady)
	mu.Lock()
	gotRange := sawRange
	mu.Unlock()
	require.Equal(t, fmt.Sprintf("bytes=%d-", 24*1024), gotRange)

	got, err := os.ReadFile(m.localPath(id, "m.gguf"))
	require.NoError(t, err)
	require.True(t, bytes.Equal(blob, got), "resumed file differs from source")
}

func TestFullBodyRestartsFromZero(t *testing.T) {
	blob := testBlob(32 * 1024)
	mux := http.NewServeMux()
	mux.HandleFunc("/a/r/resolve/main/m.gguf", func(w http.ResponseWriter, r *http.Request) {
		// Ranges ignored: always the whole body with a 200.
		w.Header().Set("Content-Length", strconv.Itoa(len(blob)))
		if r.Method == http.MethodHead {
			return
		}
		w.Write(blob)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	m := newTestManager(t, srv.URL)
	id := "a/m"
	// Seed garbage so a blind append would corrupt the file.
	garbage := bytes.Repeat([]byte{0xAA}, 10*1024)
	seedPartial(t, m, id, "a/r/m.gguf", "m.gguf", srv.URL+"/a/r/resolve/main/m.gguf", blob, 0)
	require.NoError(t, os.WriteFile(m.localPath(id, "m.gguf"), garbage, 0o644))

	res, err := m.Resume(id)
	require.NoError(t, err)
	require.Equal(t, ResultResumed, res)

	waitStatus(t, m, id, StatusReady)
	got, err := os.ReadFile(m.localPath(id, "m.gguf"))
	require.NoError(t, err)
	require.True(t, bytes.Equal(blob, got), "file should be the fresh body, not appended garbage")
}

func TestRangeNotSatisfiableWipesPartial(t *testing.T) {
	blob := testBlob(16 * 1024)
	mux := http.NewServeMux()
	mux.HandleFunc("/a/r/resolve/main/m.gguf", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Range") != "" {
			w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
			return
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(blob)))
		if r.Method == http.MethodHead {
			return
		}
		w.Write(blob)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	m := newTestManager(t, srv.URL)
	id := "a/m"
	seedPartial(t, m, id, "a/r/m.gguf", "m.gguf", srv.URL+"/a/r/resolve/main/m.gguf", blob, 4*1024)

	res, err := m.Resume(id)
	require.NoError(t, err)
	require.Equal(t, ResultResumed, res)

	waitStatus(t, m, id, StatusReady)
	got, err := os.ReadFile(m.localPath(id, "m.gguf"))
	require.NoError(t, err)
	require.True(t, bytes.Equal(blob, got))
}

// digestServer serves blob plus a tree listing that publishes digest as the
// file's LFS oid, the way the hub exposes checksums for large files.
func digestServer(t *testing.T, blob []byte, digest string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/a/r/resolve/main/m.gguf", func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "m.gguf", time.Unix(0, 0), bytes.NewReader(blob))
	})
	mux.HandleFunc("/api/models/a/r/tree/main/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `[{"type":"file","path":"m.gguf","size":%d,"lfs":{"oid":%q}}]`, len(blob), digest)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestDigestVerifiedOnCompletion(t *testing.T) {
	blob := testBlob(8 * 1024)
	sum := sha256.Sum256(blob)
	srv := digestServer(t, blob, hex.EncodeToString(sum[:]))

	m := newTestManager(t, srv.URL)
	res, id, err := m.Start(testContext(t), "a/r/m.gguf", KindGGUF, nil)
	require.NoError(t, err)
	require.Equal(t, ResultStarted, res)

	st := waitStatus(t, m, id, StatusReady)
	require.Equal(t, hex.EncodeToString(sum[:]), st.FileProgress["m.gguf"].SHA256)
}

func TestDigestMismatchFailsDownload(t *testing.T) {
	blob := testBlob(8 * 1024)
	srv := digestServer(t, blob, "0000000000000000000000000000000000000000000000000000000000000000")

	m := newTestManager(t, srv.URL)
	_, id, err := m.Start(testContext(t), "a/r/m.gguf", KindGGUF, nil)
	require.NoError(t, err)

	st := waitStatus(t, m, id, StatusError)
	require.Contains(t, st.ErrorMessage, "digest mismatch")
	if _, err := os.Stat(m.localPath(id, "m.gguf")); !os.IsNotExist(err) {
		t.Errorf("corrupt file was left on disk (stat err=%v)", err)
	}
}

// dripServer streams slowly so control operations land mid-transfer.
func dripServer(t *testing.T, path string, blob []byte) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(blob)))
		if r.Method == http.MethodHead {
			return
		}
		flusher := w.(http.Flusher)
		for off := 0; off < len(blob); off += 4 * 1024 {
			end := off + 4*1024
			if end > len(blob) {
				end = len(blob)
			}
			if _, err := w.Write(blob[off:end]); err != nil {
				return
			}
			flusher.Flush()
			time.Sleep(3 * time.Millisecond)
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestPauseResumeMidTransfer(t *testing.T) {
	blob := testBlob(512 * 1024)
	srv := dripServer(t, "/a/r/resolve/main/big.gguf", blob)
	m := newTestManager(t, srv.URL)

	_, id, err := m.Start(testContext(t), "a/r/big.gguf", KindGGUF, nil)
	require.NoError(t, err)

	// Let some bytes land, then pause.
	deadline := time.Now().Add(10 * time.Second)
	for {
		if st, ok := m.Get(id); ok && st.Downloaded > 0 {
			break
		}
		require.True(t, time.Now().Before(deadline), "no bytes arrived")
		time.Sleep(2 * time.Millisecond)
	}
	res, err := m.Pause(id)
	require.NoError(t, err)
	require.Equal(t, ResultPausing, res)

	st := waitStatus(t, m, id, StatusPaused)
	require.Less(t, st.Downloaded, st.TotalSize)

	// Paused twice is rejected.
	res, err = m.Pause(id)
	require.NoError(t, err)
	require.Equal(t, cannotPause(StatusPaused), res)

	res, err = m.Resume(id)
	require.NoError(t, err)
	require.Equal(t, ResultResumed, res)

	waitStatus(t, m, id, StatusReady)
	got, err := os.ReadFile(m.localPath(id, "big.gguf"))
	require.NoError(t, err)
	require.True(t, bytes.Equal(blob, got))
}

func TestCancelRemovesPartial(t *testing.T) {
	blob := testBlob(512 * 1024)
	srv := dripServer(t, "/a/r/resolve/main/big.gguf", blob)
	m := newTestManager(t, srv.URL)

	_, id, err := m.Start(testContext(t), "a/r/big.gguf", KindGGUF, nil)
	require.NoError(t, err)

	deadline := time.Now().Add(10 * time.Second)
	for {
		if st, ok := m.Get(id); ok && st.Downloaded > 0 {
			break
		}
		require.True(t, time.Now().Before(deadline), "no bytes arrived")
		time.Sleep(2 * time.Millisecond)
	}

	res, err := m.Cancel(id, false)
	require.NoError(t, err)
	require.Equal(t, ResultCancelled, res)

	st, ok := m.Get(id)
	require.True(t, ok)
	require.Equal(t, StatusCancelled, st.Status)
	require.Equal(t, int64(0), st.Downloaded)
	_, statErr := os.Stat(m.localPath(id, "big.gguf"))
	require.True(t, os.IsNotExist(statErr), "partial file should be gone")

	// Cancelling again is rejected; restarting works.
	res, err = m.Cancel(id, false)
	require.NoError(t, err)
	require.Equal(t, cannotCancel(StatusCancelled), res)

	res, _, err = m.Start(testContext(t), "a/r/big.gguf", KindGGUF, nil)
	require.NoError(t, err)
	require.Equal(t, ResultResumed, res)
	waitStatus(t, m, id, StatusReady)
}

func TestCancelWithCleanupForgetsState(t *testing.T) {
	blob := testBlob(512 * 1024)
	srv := dripServer(t, "/a/r/resolve/main/big.gguf", blob)
	m := newTestManager(t, srv.URL)

	_, id, err := m.Start(testContext(t), "a/r/big.gguf", KindGGUF, nil)
	require.NoError(t, err)

	deadline := time.Now().Add(10 * time.Second)
	for {
		if st, ok := m.Get(id); ok && st.Downloaded > 0 {
			break
		}
		require.True(t, time.Now().Before(deadline), "no bytes arrived")
		time.Sleep(2 * time.Millisecond)
	}

	res, err := m.Cancel(id, true)
	require.NoError(t, err)
	require.Equal(t, ResultCancelled, res)

	_, ok := m.Get(id)
	require.False(t, ok, "state row should be gone")
	_, statErr := os.Stat(m.localPath(id, "big.gguf"))
	require.True(t, os.IsNotExist(statErr))
}

func TestResumeAfterCancelActsLikeStart(t *testing.T) {
	blob := testBlob(512 * 1024)
	srv := dripServer(t, "/a/r/resolve/main/big.gguf", blob)
	m := newTestManager(t, srv.URL)

	_, id, err := m.Start(testContext(t), "a/r/big.gguf", KindGGUF, nil)
	require.NoError(t, err)

	deadline := time.Now().Add(10 * time.Second)
	for {
		if st, ok := m.Get(id); ok && st.Downloaded > 0 {
			break
		}
		require.True(t, time.Now().Before(deadline), "no bytes arrived")
		time.Sleep(2 * time.Millisecond)
	}
	_, err = m.Cancel(id, false)
	require.NoError(t, err)

	res, err := m.Resume(id)
	require.NoError(t, err)
	require.Equal(t, ResultResumed, res)

	waitStatus(t, m, id, StatusReady)
	got, err := os.ReadFile(m.localPath(id, "big.gguf"))
	require.NoError(t, err)
	require.True(t, bytes.Equal(blob, got))
}

func TestDeleteRemovesEverything(t *testing.T) {
	blob := testBlob(8 * 1024)
	srv := rangedServer(t, "/a/r/resolve/main/m.gguf", blob)
	m := newTestManager(t, srv.URL)

	_, id, err := m.Start(testContext(t), "a/r/m.gguf", KindGGUF, nil)
	require.NoError(t, err)
	waitStatus(t, m, id, StatusReady)

	res, err := m.Delete(id)
	require.NoError(t, err)
	require.Equal(t, ResultDeleted, res)

	_, ok := m.Get(id)
	require.False(t, ok)
	_, statErr := os.Stat(m.artifactDir(id))
	require.True(t, os.IsNotExist(statErr))

	res, err = m.Delete(id)
	require.NoError(t, err)
	require.Equal(t, ResultNotFound, res)
}

func TestRepoDownloadListsTree(t *testing.T) {
	cfg := []byte(`{"model_type":"tiny"}`)
	weights := testBlob(40 * 1024)

	mux := http.NewServeMux()
	mux.HandleFunc("/api/models/mlx-community/Tiny-4bit/tree/main/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[
			{"type":"file","path":"config.json","size":21},
			{"type":"file","path":".gitattributes","size":100},
			{"type":"directory","path":"weights"}
		]`)
	})
	mux.HandleFunc("/api/models/mlx-community/Tiny-4bit/tree/main/weights", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `[{"type":"file","path":"weights/model.safetensors","size":%d}]`, len(weights))
	})
	mux.HandleFunc("/mlx-community/Tiny-4bit/resolve/main/config.json", func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "config.json", time.Unix(0, 0), bytes.NewReader(cfg))
	})
	mux.HandleFunc("/mlx-community/Tiny-4bit/resolve/main/weights/model.safetensors", func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "model.safetensors", time.Unix(0, 0), bytes.NewReader(weights))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	m := newTestManager(t, srv.URL)
	res, id, err := m.Start(testContext(t), "mlx-community/Tiny-4bit", KindMLX, nil)
	require.NoError(t, err)
	require.Equal(t, ResultStarted, res)
	require.Equal(t, "mlx-community/Tiny-4bit", id)

	st := waitStatus(t, m, id, StatusReady)
	require.Len(t, st.Files, 2, "dotfiles are skipped")
	require.Equal(t, int64(len(cfg)+len(weights)), st.TotalSize)

	got, err := os.ReadFile(m.localPath(id, "weights/model.safetensors"))
	require.NoError(t, err)
	require.True(t, bytes.Equal(weights, got))
}

func TestReconcileInterruptedStates(t *testing.T) {
	blob := testBlob(20 * 1024)
	srv := rangedServer(t, "/a/r/resolve/main/m.gguf", blob)
	m := newTestManager(t, srv.URL)
	url := srv.URL + "/a/r/resolve/main/m.gguf"

	mkState := func(id string, have int) {
		seedPartial(t, m, id, "a/r/m.gguf", "m.gguf", url, blob, have)
		_, _, err := m.store.Update(id, true, func(st *DownloadState) {
			st.Status = StatusDownloading
		})
		require.NoError(t, err)
	}

	// Partial on disk resumes as paused with the disk's byte count.
	mkState("a/partial", 6*1024)
	// Disk holds the complete file already.
	mkState("a/complete", len(blob))
	// Disk overshot the remote: cut back to the remote size and done.
	mkState("a/overshoot", 0)
	require.NoError(t, os.WriteFile(m.localPath("a/overshoot", "m.gguf"), testBlob(30*1024), 0o644))
	// Paused state whose counter drifted from what disk actually holds.
	seedPartial(t, m, "a/drift", "a/r/m.gguf", "m.gguf", url, blob, 4*1024)
	_, _, err := m.store.Update("a/drift", true, func(st *DownloadState) {
		st.FileProgress["m.gguf"].Downloaded = 12 * 1024
		st.RecomputeAggregates()
	})
	require.NoError(t, err)

	m.Reconcile(testContext(t))

	st, _ := m.Get("a/partial")
	require.Equal(t, StatusPaused, st.Status)
	require.Equal(t, int64(6*1024), st.Downloaded)

	st, _ = m.Get("a/complete")
	require.Equal(t, StatusReady, st.Status)
	require.True(t, st.AllComplete())

	st, _ = m.Get("a/overshoot")
	require.Equal(t, StatusReady, st.Status)
	require.Equal(t, int64(len(blob)), st.Downloaded)
	require.Equal(t, int64(len(blob)), diskSize(m.localPath("a/overshoot", "m.gguf")))

	st, _ = m.Get("a/drift")
	require.Equal(t, StatusPaused, st.Status)
	require.Equal(t, int64(4*1024), st.Downloaded)
}

func TestStateFileSurvivesReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "downloads.json")

	store := NewStateStore(path)
	require.NoError(t, store.Load())
	require.NoError(t, store.Put(DownloadState{
		ModelID:   "a/r/m.gguf",
		ModelType: KindGGUF,
		Files:     []string{"m.gguf"},
		Status:    StatusPaused,
		CreatedAt: nowStamp(),
		FileProgress: map[string]*FileProgress{
			"m.gguf": {URL: "http://x/m.gguf", TotalSize: 100, Downloaded: 40},
		},
		UniqueID: "a/m",
	}))

	fresh := NewStateStore(path)
	require.NoError(t, fresh.Load())
	st, ok := fresh.Get("a/m")
	require.True(t, ok)
	require.Equal(t, StatusPaused, st.Status)
	require.Equal(t, int64(40), st.FileProgress["m.gguf"].Downloaded)

	// In-memory updates stay out of the file until persisted.
	_, _, err := fresh.Update("a/m", false, func(st *DownloadState) {
		st.FileProgress["m.gguf"].Downloaded = 99
	})
	require.NoError(t, err)
	third := NewStateStore(path)
	require.NoError(t, third.Load())
	st, _ = third.Get("a/m")
	require.Equal(t, int64(40), st.FileProgress["m.gguf"].Downloaded)

	require.NoError(t, fresh.Flush())
	fourth := NewStateStore(path)
	require.NoError(t, fourth.Load())
	st, _ = fourth.Get("a/m")
	require.Equal(t, int64(99), st.FileProgress["m.gguf"].Downloaded)
}

func TestOperationsOnMissingID(t *testing.T) {
	m := newTestManager(t, "http://127.0.0.1:0")

	res, err := m.Pause("ghost")
	require.NoError(t, err)
	require.Equal(t, ResultNotFound, res)
	res, err = m.Resume("ghost")
	require.NoError(t, err)
	require.Equal(t, ResultNotFound, res)
	res, err = m.Cancel("ghost", false)
	require.NoError(t, err)
	require.Equal(t, ResultNotFound, res)
	_, ok := m.Progress("ghost")
	require.False(t, ok)
}
