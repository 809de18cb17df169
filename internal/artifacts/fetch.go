package artifacts

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"stageci/internal/logfields"
)

// AssetFetcher downloads an auxiliary documentation asset (a MathJax bundle
// in the historical pipeline) into the workspace. Zip archives are extracted.
type AssetFetcher struct {
	URL       string
	TargetDir string // relative to the workspace
	client    *http.Client
	logger    *slog.Logger
}

// NewAssetFetcher creates a fetcher. client may be nil.
func NewAssetFetcher(rawURL, targetDir string, client *http.Client, logger *slog.Logger) *AssetFetcher {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Minute}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AssetFetcher{URL: rawURL, TargetDir: targetDir, client: client, logger: logger}
}

// Fetch downloads the asset into <workspace>/<TargetDir>.
func (f *AssetFetcher) Fetch(ctx context.Context, workspace string) error {
	u, err := url.Parse(f.URL)
	if err != nil {
		return fmt.Errorf("asset url: %w", err)
	}
	target := f.TargetDir
	if !filepath.IsAbs(target) {
		target = filepath.Join(workspace, target)
	}
	if err := os.MkdirAll(target, 0o755); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("download %s: %w", u, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download %s: unexpected status %s", u, resp.Status)
	}

	name := path.Base(u.Path)
	if name == "" || name == "/" || name == "." {
		name = "asset"
	}
	tmp, err := os.CreateTemp(target, ".download-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, resp.Body); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("download %s: %w", u, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if strings.HasSuffix(strings.ToLower(name), ".zip") {
		if err := unzip(tmp.Name(), target); err != nil {
			return fmt.Errorf("extract %s: %w", name, err)
		}
	} else if err := os.Rename(tmp.Name(), filepath.Join(target, name)); err != nil {
		return err
	}
	f.logger.Info("Documentation asset fetched", slog.String("url", u.String()), logfields.Path(target))
	return nil
}

func unzip(src, dst string) error {
	r, err := zip.OpenReader(src)
	if err != nil {
		return err
	}
	defer r.Close()

	root := filepath.Clean(dst) + string(os.PathSeparator)
	for _, zf := range r.File {
		target := filepath.Join(dst, zf.Name)
		if !strings.HasPrefix(target, root) {
			return fmt.Errorf("entry %q escapes target directory", zf.Name)
		}
		if zf.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := extractFile(zf, target); err != nil {
			return err
		}
	}
	return nil
}

func extractFile(zf *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	rc, err := zf.Open()
	if err != nil {
		return err
	}
	defer rc.Close()
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
