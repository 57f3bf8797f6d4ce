package updater

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"localmind/internal/download"
	"localmind/internal/integrity"
)

const stagePollEvery = 200 * time.Millisecond

// Stager pulls a release bundle through the download manager and verifies
// it before declaring it staged. A bundle that fails verification is
// removed again.
type Stager struct {
	downloads *download.Manager
	verifier  *integrity.FileVerifier
	client    *http.Client
	log       *slog.Logger
}

func NewStager(downloads *download.Manager, log *slog.Logger) *Stager {
	return &Stager{
		downloads: downloads,
		verifier:  integrity.NewFileVerifier(),
		client:    &http.Client{Timeout: checkTimeout},
		log:       log,
	}
}

// Stage downloads the platform bundle of rel and returns the verified file
// path. The download is resumable like any other artifact, so an
// interrupted staging picks up where it left off.
func (s *Stager) Stage(ctx context.Context, rel *Release) (string, error) {
	asset, ok := rel.BundleFor(runtime.GOOS, runtime.GOARCH)
	if !ok {
		return "", fmt.Errorf("release %s has no bundle for %s/%s", rel.TagName, runtime.GOOS, runtime.GOARCH)
	}

	id := path.Join("updates", strings.TrimPrefix(rel.TagName, "v"))
	res, id, err := s.downloads.StartBundle(ctx, id, asset.BrowserDownloadURL)
	if err != nil {
		return "", fmt.Errorf("stage %s: %w", rel.TagName, err)
	}
	s.log.Info("Staging update bundle", "release", rel.TagName, "asset", asset.Name, "result", res)

	if err := s.awaitReady(ctx, id); err != nil {
		return "", err
	}
	staged := filepath.Join(s.downloads.ArtifactPath(id), asset.Name)

	sum, err := s.checksum(ctx, rel, asset)
	if err != nil {
		return "", err
	}
	if err := s.verifier.Verify(staged, "sha256", sum); err != nil {
		s.downloads.Delete(id)
		return "", fmt.Errorf("bundle %s rejected: %w", asset.Name, err)
	}

	s.log.Info("Update bundle staged", "release", rel.TagName, "path", staged)
	return staged, nil
}

func (s *Stager) awaitReady(ctx context.Context, id string) error {
	ticker := time.NewTicker(stagePollEvery)
	defer ticker.Stop()
	for {
		p, ok := s.downloads.Progress(id)
		if !ok {
			return fmt.Errorf("download %s disappeared", id)
		}
		switch p.Status {
		case download.StatusReady:
			return nil
		case download.StatusError:
			return fmt.Errorf("bundle download failed: %s", p.Error)
		case download.StatusCancelled, download.StatusPaused:
			return fmt.Errorf("bundle download %s", p.Status)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// checksum resolves the expected sha256 for an asset, either from the
// digest GitHub attaches to it or from a sibling <name>.sha256 asset.
func (s *Stager) checksum(ctx context.Context, rel *Release, asset Asset) (string, error) {
	if sum, ok := strings.CutPrefix(asset.Digest, "sha256:"); ok {
		return sum, nil
	}
	for _, a := range rel.Assets {
		if a.Name == asset.Name+".sha256" {
			return s.fetchChecksum(ctx, a.BrowserDownloadURL)
		}
	}
	return "", fmt.Errorf("release %s publishes no sha256 for %s", rel.TagName, asset.Name)
}

func (s *Stager) fetchChecksum(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", "LocalMind-Updater")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("checksum fetch failed: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return "", err
	}
	fields := strings.Fields(string(body))
	if len(fields) == 0 || len(fields[0]) != 64 {
		return "", fmt.Errorf("malformed checksum file")
	}
	return strings.ToLower(fields[0]), nil
}
