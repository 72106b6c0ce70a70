package cachemodule

import (
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/chai2010/webp"
	"github.com/gabriel-vasile/mimetype"
	"github.com/hashicorp/go-hclog"
)

// Asset describes a file persisted by the downloader.
type Asset struct {
	Path     string
	MIMEType string
	Size     int64
	Width    int
	Height   int
}

// Downloader streams remote assets into the cache directory.
type Downloader struct {
	client  *http.Client
	maxSize int64
	logger  hclog.Logger
}

// NewDownloader creates a downloader. A non-positive maxSize disables the limit.
func NewDownloader(client *http.Client, maxSize int64, logger hclog.Logger) *Downloader {
	if client == nil {
		client = &http.Client{}
	}
	return &Downloader{client: client, maxSize: maxSize, logger: logger}
}

// Download fetches rawURL into dest. The body goes to a temporary file in
// dest's directory and is renamed into place only once it checks out, so a
// partial download never appears under the final name.
func (d *Downloader) Download(ctx context.Context, rawURL, dest string) (*Asset, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".download-*")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	var body io.Reader = resp.Body
	if d.maxSize > 0 {
		body = io.LimitReader(resp.Body, d.maxSize+1)
	}
	n, err := io.Copy(tmp, body)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return nil, fmt.Errorf("write temp file: %w", err)
	}
	if d.maxSize > 0 && n > d.maxSize {
		return nil, fmt.Errorf("asset exceeds %d bytes", d.maxSize)
	}
	if n == 0 {
		return nil, errors.New("empty response body")
	}

	asset, err := inspect(tmpName)
	if err != nil {
		return nil, err
	}
	asset.Size = n

	if err := os.Rename(tmpName, dest); err != nil {
		return nil, fmt.Errorf("move into cache: %w", err)
	}
	asset.Path = dest

	d.logger.Debug("asset downloaded", "url", rawURL, "path", dest, "mime", asset.MIMEType, "bytes", n)
	return asset, nil
}

// inspect sniffs the payload type. Servers answering a media URL with an
// HTML error page are rejected; images must have a readable header.
func inspect(path string) (*Asset, error) {
	mtype, err := mimetype.DetectFile(path)
	if err != nil {
		return nil, fmt.Errorf("detect content type: %w", err)
	}
	if mtype.Is("text/html") {
		return nil, errors.New("received an HTML page instead of media")
	}

	asset := &Asset{MIMEType: mtype.String()}
	if !strings.HasPrefix(mtype.String(), "image/") {
		return asset, nil
	}

	cfg, err := decodeImageConfig(path, mtype.Is("image/webp"))
	if errors.Is(err, image.ErrFormat) {
		// svg, avif and friends: nothing to probe
		return asset, nil
	}
	if err != nil {
		return nil, fmt.Errorf("corrupt image: %w", err)
	}
	asset.Width, asset.Height = cfg.Width, cfg.Height
	return asset, nil
}

func decodeImageConfig(path string, isWebP bool) (image.Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return image.Config{}, err
	}
	defer f.Close()

	if isWebP {
		return webp.DecodeConfig(f)
	}
	cfg, _, err := image.DecodeConfig(f)
	return cfg, err
}
