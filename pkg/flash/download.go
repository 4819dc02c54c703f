package flash

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Artifact is a retrieved build on local disk.
type Artifact struct {
	Path string
	Size int64
	// Discard removes the artifact from the cache. Local bundles are kept.
	Discard func() error
}

func (a *Artifact) discard() {
	if a == nil || a.Discard == nil {
		return
	}
	if err := a.Discard(); err != nil {
		log.Warn().Err(err).Str("path", a.Path).Msg("discard artifact failed")
	}
}

// Fetcher retrieves build artifacts.
type Fetcher interface {
	// Check verifies the download URL is reachable.
	Check(ctx context.Context, build Build) error
	// Fetch downloads the artifact, reporting received/total bytes.
	Fetch(ctx context.Context, build Build, onBytes func(done, total int64)) (*Artifact, error)
}

// HTTPFetcher downloads into a cache directory and resumes partial files with
// Range requests. file:// URLs and plain paths are used in place.
type HTTPFetcher struct {
	CacheDir   string
	APIKey     string
	HTTPClient *http.Client
}

// NewHTTPFetcher returns a fetcher caching into dir.
func NewHTTPFetcher(dir, apiKey string) *HTTPFetcher {
	return &HTTPFetcher{
		CacheDir:   dir,
		APIKey:     strings.TrimSpace(apiKey),
		HTTPClient: &http.Client{Timeout: 0},
	}
}

func (f *HTTPFetcher) client() *http.Client {
	if f.HTTPClient != nil {
		return f.HTTPClient
	}
	return http.DefaultClient
}

func localPath(raw string) (string, bool) {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || len(u.Scheme) == 1 {
		return raw, true
	}
	if u.Scheme == "file" {
		return u.Path, true
	}
	return "", false
}

// Check implements Fetcher.
func (f *HTTPFetcher) Check(ctx context.Context, build Build) error {
	if p, ok := localPath(build.URL); ok {
		if _, err := os.Stat(p); err != nil {
			return errors.Wrapf(ErrInvalidBuild, "local bundle unavailable: %v", err)
		}
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, build.URL, nil)
	if err != nil {
		return errors.Wrapf(ErrInvalidBuild, "bad download url: %v", err)
	}
	f.authorize(req)
	resp, err := f.client().Do(req)
	if err != nil {
		return errors.Wrapf(ErrInvalidBuild, "download url unreachable: %v", err)
	}
	resp.Body.Close()
	// some CDNs refuse HEAD
	if resp.StatusCode == http.StatusMethodNotAllowed {
		return nil
	}
	if resp.StatusCode >= 400 {
		return errors.Wrapf(ErrInvalidBuild, "download url returned %s", resp.Status)
	}
	return nil
}

// Fetch implements Fetcher.
func (f *HTTPFetcher) Fetch(ctx context.Context, build Build, onBytes func(done, total int64)) (*Artifact, error) {
	if p, ok := localPath(build.URL); ok {
		info, err := os.Stat(p)
		if err != nil {
			return nil, errors.Wrap(err, "stat local bundle")
		}
		if onBytes != nil {
			onBytes(info.Size(), info.Size())
		}
		art := &Artifact{Path: p, Size: info.Size(), Discard: func() error { return nil }}
		return art, f.verify(build, art)
	}

	if err := os.MkdirAll(f.CacheDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create cache dir")
	}
	dest := filepath.Join(f.CacheDir, f.fileName(build))
	art := &Artifact{Path: dest, Discard: func() error {
		err := os.Remove(dest)
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}}
	if info, err := os.Stat(dest); err == nil && (build.Size <= 0 || info.Size() == build.Size) {
		log.Info().Str("path", dest).Str("size", humanize.Bytes(uint64(info.Size()))).Msg("reuse cached bundle")
		art.Size = info.Size()
		if onBytes != nil {
			onBytes(art.Size, art.Size)
		}
		return art, f.verify(build, art)
	}

	size, err := f.download(ctx, build, dest, onBytes)
	if err != nil {
		return nil, err
	}
	art.Size = size
	return art, f.verify(build, art)
}

func (f *HTTPFetcher) fileName(build Build) string {
	base := "bundle.zip"
	if u, err := url.Parse(build.URL); err == nil {
		if b := path.Base(u.Path); b != "" && b != "." && b != "/" {
			base = b
		}
	}
	if build.Version != "" && !strings.Contains(base, build.Version) {
		base = build.Version + "-" + base
	}
	if !strings.HasPrefix(base, build.Codename) {
		base = build.Codename + "-" + base
	}
	return base
}

func (f *HTTPFetcher) authorize(req *http.Request) {
	if f.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+f.APIKey)
	}
}

func (f *HTTPFetcher) download(ctx context.Context, build Build, dest string, onBytes func(done, total int64)) (int64, error) {
	part := dest + ".part"
	var offset int64
	if info, err := os.Stat(part); err == nil {
		offset = info.Size()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, build.URL, nil)
	if err != nil {
		return 0, errors.Wrap(err, "build download request")
	}
	f.authorize(req)
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}
	resp, err := f.client().Do(req)
	if err != nil {
		return 0, errors.Wrap(err, "download request failed")
	}
	defer resp.Body.Close()

	flags := os.O_CREATE | os.O_WRONLY
	switch resp.StatusCode {
	case http.StatusPartialContent:
		flags |= os.O_APPEND
		log.Info().Str("url", build.URL).Str("offset", humanize.Bytes(uint64(offset))).Msg("resume download")
	case http.StatusOK:
		flags |= os.O_TRUNC
		offset = 0
	case http.StatusRequestedRangeNotSatisfiable:
		if offset > 0 {
			if err := os.Rename(part, dest); err != nil {
				return 0, errors.Wrap(err, "finalize download")
			}
			return offset, nil
		}
		return 0, errors.Errorf("download failed: %s", resp.Status)
	default:
		return 0, errors.Errorf("download failed: %s", resp.Status)
	}

	total := build.Size
	if resp.ContentLength > 0 {
		total = offset + resp.ContentLength
	}
	out, err := os.OpenFile(part, flags, 0o644)
	if err != nil {
		return 0, errors.Wrap(err, "open partial file")
	}
	w := &progressWriter{done: offset, total: total, onBytes: onBytes}
	_, copyErr := io.Copy(io.MultiWriter(out, w), resp.Body)
	closeErr := out.Close()
	if copyErr != nil {
		return 0, errors.Wrapf(copyErr, "download interrupted at %s", humanize.Bytes(uint64(w.done)))
	}
	if closeErr != nil {
		return 0, errors.Wrap(closeErr, "close partial file")
	}
	if err := os.Rename(part, dest); err != nil {
		return 0, errors.Wrap(err, "finalize download")
	}
	log.Info().Str("path", dest).Str("size", humanize.Bytes(uint64(w.done))).Msg("download complete")
	return w.done, nil
}

func (f *HTTPFetcher) verify(build Build, art *Artifact) error {
	want := strings.ToLower(strings.TrimSpace(build.SHA256))
	if want == "" {
		return nil
	}
	got, err := fileSHA256(art.Path)
	if err != nil {
		return errors.Wrap(err, "hash artifact")
	}
	if got != want {
		art.discard()
		return errors.Wrapf(ErrIntegrityCheckFailed, "sha256 mismatch: got %s want %s", got, want)
	}
	return nil
}

func fileSHA256(p string) (string, error) {
	file, err := os.Open(p)
	if err != nil {
		return "", err
	}
	defer file.Close()
	h := sha256.New()
	if _, err := io.Copy(h, file); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

type progressWriter struct {
	done    int64
	total   int64
	onBytes func(done, total int64)
}

func (w *progressWriter) Write(p []byte) (int, error) {
	w.done += int64(len(p))
	if w.onBytes != nil {
		w.onBytes(w.done, w.total)
	}
	return len(p), nil
}
