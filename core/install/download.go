package install

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// maxArchiveBytes caps a downloaded archive.
const maxArchiveBytes = 256 << 20

// Downloader fetches a pack archive. Remote discovery and token
// acquisition live behind this contract.
type Downloader interface {
	Download(ctx context.Context, url string) ([]byte, error)
}

// HTTPDownloader fetches archives over plain HTTP(S). AuthHeader, when
// set, supplies a header for registries that require credentials.
type HTTPDownloader struct {
	Client     *http.Client
	AuthHeader func() (name, value string)
}

// NewHTTPDownloader constructs a downloader with a bounded timeout.
func NewHTTPDownloader(timeout time.Duration) *HTTPDownloader {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &HTTPDownloader{Client: &http.Client{Timeout: timeout}}
}

// Download fetches the archive bytes or fails with the upstream status.
func (d *HTTPDownloader) Download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build download request: %w", err)
	}
	if d.AuthHeader != nil {
		if name, value := d.AuthHeader(); name != "" {
			req.Header.Set(name, value)
		}
	}
	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download archive: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download archive: upstream returned %s", resp.Status)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxArchiveBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read archive body: %w", err)
	}
	if len(data) > maxArchiveBytes {
		return nil, fmt.Errorf("archive exceeds size limit")
	}
	return data, nil
}
