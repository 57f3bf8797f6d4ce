package download

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"
)

// Hub URL shapes. Branch is always main; the hub serves file bytes under
// /resolve and repo listings under /api/models/.../tree.
const (
	resolvePathTemplate = "%s/%s/resolve/main/%s"
	treePathTemplate    = "%s/api/models/%s/tree/main/%s"
)

// RemoteFile is one downloadable entry of a hub repo. SHA256 is empty
// when the hub does not publish a digest for the file.
type RemoteFile struct {
	Path   string
	Size   int64
	SHA256 string
}

type treeEntry struct {
	Type   string   `json:"type"`
	Path   string   `json:"path"`
	Size   int64    `json:"size"`
	Lfs    *lfsInfo `json:"lfs"`
	Sha256 string   `json:"sha256"`
}

// lfsInfo carries the large-file pointer metadata. The oid is the blob's
// sha256 on the hubs this client talks to.
type lfsInfo struct {
	Oid    string `json:"oid"`
	Sha256 string `json:"sha256"`
}

// sha returns the entry's published digest, preferring explicit sha256
// fields over the LFS oid.
func (e treeEntry) sha() string {
	if e.Sha256 != "" {
		return e.Sha256
	}
	if e.Lfs == nil {
		return ""
	}
	if e.Lfs.Sha256 != "" {
		return e.Lfs.Sha256
	}
	return e.Lfs.Oid
}

// HubClient resolves model ids to URLs and lists repo contents.
type HubClient struct {
	baseURL string
	client  *http.Client
}

func NewHubClient(baseURL string, client *http.Client) *HubClient {
	if client == nil {
		client = newHTTPClient()
	}
	return &HubClient{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

// newHTTPClient builds a transport tuned for long-running large transfers.
// No overall timeout: bodies stream for minutes, so only the dial and
// header phases are bounded.
func newHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          16,
			MaxIdleConnsPerHost:   8,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   15 * time.Second,
			ResponseHeaderTimeout: 60 * time.Second,
		},
	}
}

// splitSingleFile cuts a single-file model id into its repo ("author/name")
// and the file path inside the repo.
func splitSingleFile(modelID string) (repo, filePath string, err error) {
	parts := strings.Split(modelID, "/")
	if len(parts) < 3 {
		return "", "", fmt.Errorf("single-file model id %q needs author/repo/file", modelID)
	}
	return parts[0] + "/" + parts[1], strings.Join(parts[2:], "/"), nil
}

// FileURL returns the download URL for one file of an artifact.
func (h *HubClient) FileURL(modelID, kind, fileName string) (string, error) {
	if kind == KindGGUF {
		repo, filePath, err := splitSingleFile(modelID)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf(resolvePathTemplate, h.baseURL, repo, filePath), nil
	}
	return fmt.Sprintf(resolvePathTemplate, h.baseURL, modelID, fileName), nil
}

// ListFiles walks the repo tree and returns every regular file with its
// size. Directories are descended into; dotfiles are skipped.
func (h *HubClient) ListFiles(ctx context.Context, repo string) ([]RemoteFile, error) {
	var files []RemoteFile
	dirs := []string{""}
	for len(dirs) > 0 {
		dir := dirs[0]
		dirs = dirs[1:]
		entries, err := h.listDir(ctx, repo, dir)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			name := e.Path
			if i := strings.LastIndex(name, "/"); i >= 0 {
				name = name[i+1:]
			}
			if strings.HasPrefix(name, ".") {
				continue
			}
			switch e.Type {
			case "directory":
				dirs = append(dirs, e.Path)
			case "file":
				files = append(files, RemoteFile{Path: e.Path, Size: e.Size, SHA256: e.sha()})
			}
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("repo %s has no downloadable files", repo)
	}
	return files, nil
}

func (h *HubClient) listDir(ctx context.Context, repo, dir string) ([]treeEntry, error) {
	url := fmt.Sprintf(treePathTemplate, h.baseURL, repo, dir)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", repo, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list %s: hub returned %s", repo, resp.Status)
	}
	var entries []treeEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, fmt.Errorf("list %s: decode tree: %w", repo, err)
	}
	return entries, nil
}

// FileDigest looks up one file's published sha256 in the repo listing.
// Best-effort: listing failures and digestless files both return "".
func (h *HubClient) FileDigest(ctx context.Context, repo, filePath string) string {
	dir := ""
	if i := strings.LastIndex(filePath, "/"); i >= 0 {
		dir = filePath[:i]
	}
	entries, err := h.listDir(ctx, repo, dir)
	if err != nil {
		return ""
	}
	for _, e := range entries {
		if e.Path == filePath {
			return e.sha()
		}
	}
	return ""
}

// RemoteSize issues a HEAD request and reports the file's size.
func (h *HubClient) RemoteSize(ctx context.Context, url string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("head %s: %s", url, resp.Status)
	}
	if resp.ContentLength < 0 {
		return 0, fmt.Errorf("head %s: no content length", url)
	}
	return resp.ContentLength, nil
}
