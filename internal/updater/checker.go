// Package updater checks GitHub for newer releases and stages the matching
// update bundle on disk for the host installer to pick up. It never swaps
// the running binary itself.
package updater

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"
)

const (
	defaultAPIBase = "https://api.github.com"
	checkTimeout   = 10 * time.Second
)

// Asset is one downloadable file attached to a release.
type Asset struct {
	Name               string `json:"name"`
	Size               int64  `json:"size"`
	BrowserDownloadURL string `json:"browser_download_url"`
	Digest             string `json:"digest"`
}

// Release represents a GitHub release.
type Release struct {
	TagName string  `json:"tag_name"`
	Body    string  `json:"body"`
	HTMLURL string  `json:"html_url"`
	Assets  []Asset `json:"assets"`
}

// BundleFor picks the asset whose name carries the given OS and architecture.
// Checksum and signature companions are skipped.
func (r *Release) BundleFor(goos, goarch string) (Asset, bool) {
	for _, a := range r.Assets {
		name := strings.ToLower(a.Name)
		if strings.HasSuffix(name, ".sha256") || strings.HasSuffix(name, ".sig") || strings.HasSuffix(name, ".txt") {
			continue
		}
		if strings.Contains(name, goos) && strings.Contains(name, goarch) {
			return a, true
		}
	}
	return Asset{}, false
}

// Checker queries one GitHub repository for its latest release.
type Checker struct {
	owner   string
	repo    string
	current string
	apiBase string
	client  *http.Client
}

func NewChecker(owner, repo, currentVersion string) *Checker {
	return &Checker{
		owner:   owner,
		repo:    repo,
		current: currentVersion,
		apiBase: defaultAPIBase,
		client:  &http.Client{Timeout: checkTimeout},
	}
}

// Check returns the latest release when it differs from the running version.
// A nil release with a nil error means the running version is current.
func (c *Checker) Check(ctx context.Context) (*Release, error) {
	if c.owner == "" || c.repo == "" {
		return nil, fmt.Errorf("owner and repo required")
	}

	url := fmt.Sprintf("%s/repos/%s/%s/releases/latest", c.apiBase, c.owner, c.repo)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "LocalMind-Updater")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to check update: %d", resp.StatusCode)
	}

	var rel Release
	if err := json.NewDecoder(resp.Body).Decode(&rel); err != nil {
		return nil, err
	}

	// Normalize versions (remove 'v' prefix).
	current := strings.TrimPrefix(c.current, "v")
	remote := strings.TrimPrefix(rel.TagName, "v")
	if current == remote {
		return nil, nil
	}
	return &rel, nil
}
