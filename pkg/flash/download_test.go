package flash

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

func rangeServer(t *testing.T, body []byte, seen *[]string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*seen = append(*seen, r.Method+" "+r.Header.Get("Range")+" "+r.Header.Get("Authorization"))
		if r.Method == http.MethodHead {
			w.Header().Set("Content-Length", strconv.Itoa(len(body)))
			return
		}
		if rng := r.Header.Get("Range"); rng != "" {
			start, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(rng, "bytes="), "-"))
			if err != nil || start > len(body) {
				w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
				return
			}
			w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, len(body)-1, len(body)))
			w.WriteHeader(http.StatusPartialContent)
			_, _ = w.Write(body[start:])
			return
		}
		_, _ = w.Write(body)
	}))
}

func TestHTTPFetcherResumesPartialDownload(t *testing.T) {
	body := []byte(strings.Repeat("graphene", 1024))
	var seen []string
	srv := rangeServer(t, body, &seen)
	defer srv.Close()

	cache := t.TempDir()
	fetcher := NewHTTPFetcher(cache, "secret")
	build := Build{Codename: "panther", Version: "2025122500", URL: srv.URL + "/panther-install-2025122500.zip", Size: int64(len(body))}

	dest := filepath.Join(cache, fetcher.fileName(build))
	if err := os.WriteFile(dest+".part", body[:100], 0o644); err != nil {
		t.Fatal(err)
	}

	if err := fetcher.Check(context.Background(), build); err != nil {
		t.Fatalf("check: %v", err)
	}
	var lastDone, lastTotal int64
	art, err := fetcher.Fetch(context.Background(), build, func(done, total int64) {
		lastDone, lastTotal = done, total
	})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if art.Size != int64(len(body)) || lastDone != int64(len(body)) || lastTotal != int64(len(body)) {
		t.Fatalf("size=%d done=%d total=%d", art.Size, lastDone, lastTotal)
	}
	data, err := os.ReadFile(art.Path)
	if err != nil || string(data) != string(body) {
		t.Fatalf("artifact content mismatch: %v", err)
	}
	if len(seen) != 2 || seen[1] != "GET bytes=100- Bearer secret" {
		t.Fatalf("requests = %v", seen)
	}

	if err := art.Discard(); err != nil {
		t.Fatalf("discard: %v", err)
	}
	if _, err := os.Stat(art.Path); !os.IsNotExist(err) {
		t.Fatal("artifact should be removed")
	}
}

func TestHTTPFetcherVerifiesChecksum(t *testing.T) {
	body := []byte("factory image")
	var seen []string
	srv := rangeServer(t, body, &seen)
	defer srv.Close()

	fetcher := NewHTTPFetcher(t.TempDir(), "")
	build := Build{Codename: "panther", URL: srv.URL + "/img.zip", SHA256: strings.Repeat("0", 64)}
	_, err := fetcher.Fetch(context.Background(), build, nil)
	if !errors.Is(err, ErrIntegrityCheckFailed) {
		t.Fatalf("expected integrity failure, got %v", err)
	}

	sum := sha256.Sum256(body)
	build.SHA256 = hex.EncodeToString(sum[:])
	if _, err := fetcher.Fetch(context.Background(), build, nil); err != nil {
		t.Fatalf("fetch with valid checksum: %v", err)
	}
}

func TestHTTPFetcherLocalBundle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "panther.zip")
	if err := os.WriteFile(path, []byte("zip"), 0o644); err != nil {
		t.Fatal(err)
	}
	fetcher := NewHTTPFetcher(t.TempDir(), "")
	for _, url := range []string{path, "file://" + path} {
		build := Build{Codename: "panther", URL: url}
		if err := fetcher.Check(context.Background(), build); err != nil {
			t.Fatalf("check %s: %v", url, err)
		}
		art, err := fetcher.Fetch(context.Background(), build, nil)
		if err != nil {
			t.Fatalf("fetch %s: %v", url, err)
		}
		if art.Path != path || art.Size != 3 {
			t.Fatalf("unexpected artifact %+v", art)
		}
		_ = art.Discard()
		if _, err := os.Stat(path); err != nil {
			t.Fatal("local bundle must never be discarded")
		}
	}
}

func TestHTTPFetcherCheckUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	fetcher := NewHTTPFetcher(t.TempDir(), "")
	err := fetcher.Check(context.Background(), Build{Codename: "panther", URL: srv.URL + "/missing.zip"})
	if !errors.Is(err, ErrInvalidBuild) {
		t.Fatalf("expected invalid build, got %v", err)
	}
}
