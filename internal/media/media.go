// Package media turns an image URL or a multipart upload into a file handle
// the model can reference.
package media

import (
	"context"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"

	"github.com/comigor/gemini-relay/internal/config"
	"github.com/comigor/gemini-relay/internal/history"
	"github.com/comigor/gemini-relay/internal/logger"
)

var (
	// ErrInvalidMedia marks caller mistakes such as malformed URLs, 4xx answers or non-image payloads.
	ErrInvalidMedia = errors.New("invalid media")
	// ErrFetch marks transport failures and 5xx answers from the image host once retries are spent.
	ErrFetch = errors.New("image fetch failed")
	// ErrUpload marks a failure of the model service to accept the bytes.
	ErrUpload = errors.New("media upload failed")
)

// Uploader is the upload half of llm.Client.
type Uploader interface {
	UploadMedia(ctx context.Context, r io.Reader, mimeType, displayName string) (history.FileRef, error)
}

// Materializer downloads or receives image bytes, stages them in a temp file and uploads them.
type Materializer struct {
	HTTP *retryablehttp.Client

	up  Uploader
	cfg config.MediaConfig
}

func New(up Uploader, cfg config.MediaConfig) *Materializer {
	c := retryablehttp.NewClient()
	c.RetryMax = cfg.MaxRetries
	c.Logger = logger.L
	if cfg.DownloadTimeout > 0 {
		c.HTTPClient.Timeout = cfg.DownloadTimeout
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 20 << 20
	}
	return &Materializer{HTTP: c, up: up, cfg: cfg}
}

// FromURL fetches rawURL and uploads the image it points to.
func (m *Materializer) FromURL(ctx context.Context, rawURL string) (history.FileRef, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return history.FileRef{}, fmt.Errorf("%w: bad image url %q: %w", ErrInvalidMedia, rawURL, err)
	}
	resp, err := m.HTTP.Do(req)
	if err != nil {
		return history.FileRef{}, fmt.Errorf("%w: download %s: %w", ErrFetch, rawURL, err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode >= http.StatusInternalServerError:
		return history.FileRef{}, errors.Wrapf(ErrFetch, "download %s: status %d", rawURL, resp.StatusCode)
	case resp.StatusCode/100 != 2:
		return history.FileRef{}, errors.Wrapf(ErrInvalidMedia, "download %s: status %d", rawURL, resp.StatusCode)
	}

	f, err := m.stage(resp.Body)
	if err != nil {
		return history.FileRef{}, err
	}
	defer m.discard(f)

	mimeType, err := m.resolveType(f, resp.Header.Get("Content-Type"))
	if err != nil {
		return history.FileRef{}, err
	}
	return m.upload(ctx, f, mimeType, displayName(rawURL))
}

// FromUpload uploads a multipart file. The declared type wins unless it is missing or generic.
func (m *Materializer) FromUpload(ctx context.Context, fh *multipart.FileHeader) (history.FileRef, error) {
	if fh.Size > m.cfg.MaxBytes {
		return history.FileRef{}, errors.Wrapf(ErrInvalidMedia, "%s exceeds %d bytes", fh.Filename, m.cfg.MaxBytes)
	}
	src, err := fh.Open()
	if err != nil {
		return history.FileRef{}, errors.Wrap(err, "open upload")
	}
	defer src.Close()

	f, err := m.stage(src)
	if err != nil {
		return history.FileRef{}, err
	}
	defer m.discard(f)

	declared, _, _ := mime.ParseMediaType(fh.Header.Get("Content-Type"))
	mimeType := declared
	if declared == "" || declared == "application/octet-stream" {
		if mimeType, err = m.resolveType(f, ""); err != nil {
			return history.FileRef{}, err
		}
	}
	return m.upload(ctx, f, mimeType, fh.Filename)
}

// stage copies r into a fresh temp file, enforcing MaxBytes.
func (m *Materializer) stage(r io.Reader) (*os.File, error) {
	f, err := os.CreateTemp(m.cfg.ScratchDir, "relay-image-*")
	if err != nil {
		return nil, errors.Wrap(err, "create temp file")
	}
	n, err := io.Copy(f, io.LimitReader(r, m.cfg.MaxBytes+1))
	if err != nil {
		m.discard(f)
		return nil, errors.Wrap(err, "write temp file")
	}
	if n > m.cfg.MaxBytes {
		m.discard(f)
		return nil, errors.Wrapf(ErrInvalidMedia, "image exceeds %d bytes", m.cfg.MaxBytes)
	}
	return f, nil
}

func (m *Materializer) discard(f *os.File) {
	_ = f.Close()
	if err := os.Remove(f.Name()); err != nil && !os.IsNotExist(err) {
		logger.L.Warn("failed to remove temp file", "path", f.Name(), "error", err)
	}
}

// resolveType sniffs f. Non-image content falls back to the header, then to the configured default.
func (m *Materializer) resolveType(f *os.File, header string) (string, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", errors.Wrap(err, "rewind temp file")
	}
	mt, err := mimetype.DetectReader(f)
	if err != nil {
		return "", errors.Wrap(err, "sniff media type")
	}
	if isImage(mt.String()) {
		return baseType(mt.String()), nil
	}
	if ht := baseType(header); isImage(ht) {
		return ht, nil
	}
	if m.cfg.TrustDefault && m.cfg.DefaultMIMEType != "" {
		logger.L.Debug("using default media type", "sniffed", mt.String(), "default", m.cfg.DefaultMIMEType)
		return m.cfg.DefaultMIMEType, nil
	}
	return "", errors.Wrapf(ErrInvalidMedia, "content is %s, not an image", mt.String())
}

func (m *Materializer) upload(ctx context.Context, f *os.File, mimeType, name string) (history.FileRef, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return history.FileRef{}, errors.Wrap(err, "rewind temp file")
	}
	ref, err := m.up.UploadMedia(ctx, f, mimeType, name)
	if err != nil {
		return history.FileRef{}, fmt.Errorf("%w: %w", ErrUpload, err)
	}
	return ref, nil
}

func isImage(t string) bool { return strings.HasPrefix(t, "image/") }

func baseType(t string) string {
	if mt, _, err := mime.ParseMediaType(t); err == nil {
		return mt
	}
	return ""
}

func displayName(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "image"
	}
	name := path.Base(u.Path)
	if name == "." || name == "/" {
		return "image"
	}
	return name
}
