package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newCatalogServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/bundles/for/panther", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer k" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"codename":    "panther",
			"version":     "2025122500",
			"downloadUrl": "/bundles/panther/2025122500/image.zip",
			"size":        2_000_000_000,
			"date":        "2025-12-25",
		})
	})
	mux.HandleFunc("/bundles/for/", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"detail":"No bundle found"}`, http.StatusNotFound)
	})
	mux.HandleFunc("/devices", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]RemoteDevice{{ID: "ABC123", Serial: "ABC123", State: "fastboot"}})
	})
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(Health{Status: "healthy", Service: "flasher"})
	})
	return httptest.NewServer(mux)
}

func TestLatestBundle(t *testing.T) {
	srv := newCatalogServer(t)
	defer srv.Close()
	client, err := NewClient(srv.URL+"/", "k", nil)
	if err != nil {
		t.Fatal(err)
	}

	build, err := client.LatestBundle(context.Background(), "panther")
	if err != nil {
		t.Fatalf("latest bundle: %v", err)
	}
	if build.Version != "2025122500" || build.Size != 2_000_000_000 {
		t.Fatalf("unexpected build: %+v", build)
	}
	if build.URL != srv.URL+"/bundles/panther/2025122500/image.zip" {
		t.Fatalf("download url not resolved: %s", build.URL)
	}

	if _, err := client.LatestBundle(context.Background(), "cheetah"); !errors.Is(err, ErrBundleNotFound) {
		t.Fatalf("expected ErrBundleNotFound, got %v", err)
	}
}

func TestDevicesAndHealth(t *testing.T) {
	srv := newCatalogServer(t)
	defer srv.Close()
	client, err := NewClient(srv.URL, "", nil)
	if err != nil {
		t.Fatal(err)
	}
	devices, err := client.Devices(context.Background())
	if err != nil || len(devices) != 1 || devices[0].State != "fastboot" {
		t.Fatalf("devices = %+v, %v", devices, err)
	}
	health, err := client.Health(context.Background())
	if err != nil || health.Service != "flasher" {
		t.Fatalf("health = %+v, %v", health, err)
	}
	if _, err := client.LatestBundle(context.Background(), "panther"); err == nil {
		t.Fatal("expected unauthorized error without api key")
	}
}

func TestNewClientRequiresBaseURL(t *testing.T) {
	if _, err := NewClient("  ", "", nil); err == nil {
		t.Fatal("expected error")
	}
}
