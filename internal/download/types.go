package download

import (
	"path"
	"strings"
	"time"
)

// Download lifecycle states.
const (
	StatusDownloading = "downloading"
	StatusPaused      = "paused"
	StatusCancelled   = "cancelled"
	StatusReady       = "ready"
	StatusError       = "error"
)

// Artifact kinds. GGUF artifacts are a single file; MLX artifacts are a
// repo snapshot of several files; bundles are a single file fetched from
// a direct URL.
const (
	KindGGUF   = "gguf"
	KindMLX    = "mlx"
	KindBundle = "bundle"
)

// timeLayout matches the state file's timestamps (local time, no zone).
const timeLayout = "2006-01-02T15:04:05"

func nowStamp() string {
	return time.Now().Format(timeLayout)
}

// FileProgress tracks one file inside an artifact. SHA256 holds the
// hub-published digest when one exists; completed files are checked
// against it while integrity checking is on.
type FileProgress struct {
	URL        string `json:"url"`
	TotalSize  int64  `json:"total_size"`
	Downloaded int64  `json:"downloaded"`
	Complete   bool   `json:"complete"`
	SHA256     string `json:"sha256,omitempty"`
}

// DownloadState is the persisted record of one artifact download.
type DownloadState struct {
	ModelID      string                   `json:"model_id"`
	ModelType    string                   `json:"model_type"`
	Files        []string                 `json:"files"`
	TotalSize    int64                    `json:"total_size"`
	Downloaded   int64                    `json:"downloaded"`
	Status       string                   `json:"status"`
	CreatedAt    string                   `json:"created_at"`
	UpdatedAt    string                   `json:"updated_at"`
	FileProgress map[string]*FileProgress `json:"file_progress"`
	ErrorMessage string                   `json:"error_message"`
	UniqueID     string                   `json:"unique_id"`
}

// RecomputeAggregates rebuilds the state's totals from its file map.
func (d *DownloadState) RecomputeAggregates() {
	var downloaded, total int64
	for _, fp := range d.FileProgress {
		downloaded += fp.Downloaded
		total += fp.TotalSize
	}
	d.Downloaded = downloaded
	d.TotalSize = total
}

// AllComplete reports whether every tracked file finished.
func (d *DownloadState) AllComplete() bool {
	if len(d.FileProgress) == 0 {
		return false
	}
	for _, fp := range d.FileProgress {
		if !fp.Complete {
			return false
		}
	}
	return true
}

// Percentage returns completion in [0,100].
func (d *DownloadState) Percentage() float64 {
	if d.TotalSize <= 0 {
		return 0
	}
	p := float64(d.Downloaded) / float64(d.TotalSize) * 100
	if p > 100 {
		p = 100
	}
	return p
}

// clone returns a deep copy safe to hand across goroutines.
func (d *DownloadState) clone() DownloadState {
	out := *d
	out.Files = append([]string(nil), d.Files...)
	out.FileProgress = make(map[string]*FileProgress, len(d.FileProgress))
	for name, fp := range d.FileProgress {
		cp := *fp
		out.FileProgress[name] = &cp
	}
	return out
}

// DeriveUniqueID computes the state key. Single-file artifacts collapse to
// {author}/{basename-without-extension}; repo artifacts keep the model id.
func DeriveUniqueID(modelID, kind string) string {
	if kind != KindGGUF {
		return modelID
	}
	parts := strings.Split(modelID, "/")
	if len(parts) < 2 {
		return modelID
	}
	base := parts[len(parts)-1]
	base = strings.TrimSuffix(base, path.Ext(base))
	return parts[0] + "/" + base
}

// OpResult is the outcome vocabulary of control-plane operations.
type OpResult string

const (
	ResultStarted            OpResult = "started"
	ResultResumed            OpResult = "resumed"
	ResultAlreadyDownloading OpResult = "already_downloading"
	ResultAlreadyDownloaded  OpResult = "already_downloaded"
	ResultPausing            OpResult = "pausing"
	ResultCancelled          OpResult = "cancelled"
	ResultDeleted            OpResult = "deleted"
	ResultNotFound           OpResult = "not_found"
)

func cannotPause(status string) OpResult  { return OpResult("cannot_pause_" + status) }
func cannotResume(status string) OpResult { return OpResult("cannot_resume_" + status) }
func cannotCancel(status string) OpResult { return OpResult("cannot_cancel_" + status) }

// Progress is the external snapshot of one download.
type Progress struct {
	Downloaded int64   `json:"downloaded"`
	Total      int64   `json:"total"`
	Status     string  `json:"status"`
	Percentage float64 `json:"percentage"`
	Error      string  `json:"error,omitempty"`
}
