package transformer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/evalgo/airweave-sync/entity"
)

// WebFetcherConfig configures the web fetcher transformer.
type WebFetcherConfig struct {
	TempDir string
	Client  *http.Client
}

// WebFetcher downloads the URL carried by a web entity and materializes it
// as a file entity with local_path set, ready for FileChunker. Unlike the
// reference implementation it does not depend on a third-party scraping
// service: it fetches the raw page body directly, which is sufficient for
// plain HTML/markdown/text sources and keeps the dependency surface
// confined to the standard HTTP client.
type WebFetcher struct {
	cfg WebFetcherConfig
}

func NewWebFetcher(cfg WebFetcherConfig) *WebFetcher {
	if cfg.TempDir == "" {
		cfg.TempDir = filepath.Join(os.TempDir(), "airweave-sync")
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 30 * time.Second}
	}
	return &WebFetcher{cfg: cfg}
}

func (w *WebFetcher) Name() string { return "web_fetcher" }

func (w *WebFetcher) Transform(ctx context.Context, in entity.Entity) ([]entity.Entity, error) {
	url, _ := in.Fields["url"].(string)
	if url == "" {
		return nil, fmt.Errorf("web_fetcher: entity %s has no url", in.EntityID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("web_fetcher: building request: %w", err)
	}

	resp, err := w.cfg.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("web_fetcher: fetching %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("web_fetcher: %s returned status %d", url, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("web_fetcher: reading body of %s: %w", url, err)
	}

	if err := os.MkdirAll(w.cfg.TempDir, 0o755); err != nil {
		return nil, fmt.Errorf("web_fetcher: creating temp dir: %w", err)
	}

	title, _ := in.Fields["title"].(string)
	if title == "" {
		title = "web_page"
	}
	safeTitle := strings.NewReplacer("/", "_", "\\", "_").Replace(title)
	fileName := fmt.Sprintf("%s-%s.html", uuid.NewString(), safeTitle)
	localPath := filepath.Join(w.cfg.TempDir, fileName)

	if err := os.WriteFile(localPath, body, 0o644); err != nil {
		return nil, fmt.Errorf("web_fetcher: writing %s: %w", localPath, err)
	}

	sum := sha256.Sum256(body)

	out := in
	out.EntityType = "web_file"
	out.Fields = map[string]any{
		"file_name":    fileName + ".md",
		"mime_type":    resp.Header.Get("Content-Type"),
		"size_bytes":   len(body),
		"local_path":   localPath,
		"download_url": url,
		"checksum":     hex.EncodeToString(sum[:]),
		"original_url": url,
		"title":        title,
	}
	return []entity.Entity{out}, nil
}
