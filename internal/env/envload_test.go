package env

import (
	"os"
	"path/filepath"
	"testing"
)

func writeDotenv(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestResolveSearchesParents(t *testing.T) {
	root := t.TempDir()
	nested := filepath.Join(root, "a", "b")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatal(err)
	}
	writeDotenv(t, filepath.Join(root, ".env"), "FLASH_POLL_INTERVAL=1s\n")
	writeDotenv(t, filepath.Join(root, "a", "flashagent.env"), "FLASH_POLL_INTERVAL=2s\n")

	got, err := resolve(nested, "")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if want := filepath.Join(root, "a", "flashagent.env"); got != want {
		t.Fatalf("resolve = %q, want %q", got, want)
	}

	writeDotenv(t, filepath.Join(nested, ".env"), "")
	if got, _ := resolve(nested, ""); got != filepath.Join(nested, ".env") {
		t.Fatalf("nearest file should win, got %q", got)
	}
}

func TestResolveOverride(t *testing.T) {
	root := t.TempDir()
	writeDotenv(t, filepath.Join(root, ".env"), "")
	explicit := filepath.Join(root, "conf", "lab.env")
	writeDotenv(t, explicit, "")

	got, err := resolve(root, explicit)
	if err != nil || got != explicit {
		t.Fatalf("absolute override: %q, %v", got, err)
	}
	got, err = resolve(root, "conf/lab.env")
	if err != nil || got != explicit {
		t.Fatalf("relative override: %q, %v", got, err)
	}
	if got, err := resolve(root, "OFF"); err != nil || got != "" {
		t.Fatalf("disabled override: %q, %v", got, err)
	}
	if _, err := resolve(root, "missing.env"); err == nil {
		t.Fatal("missing explicit file must fail")
	}
	if _, err := resolve(root, "conf"); err == nil {
		t.Fatal("directory override must fail")
	}
}

func TestLoadKeepsShellValues(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lab.env")
	writeDotenv(t, path, "FLASHAGENT_TEST_SHELL=file\nFLASHAGENT_TEST_FILE_ONLY=file\n")
	t.Setenv("FLASHAGENT_TEST_SHELL", "shell")
	os.Unsetenv("FLASHAGENT_TEST_FILE_ONLY")
	t.Cleanup(func() { os.Unsetenv("FLASHAGENT_TEST_FILE_ONLY") })

	loaded, err := load(dir, path)
	if err != nil || loaded != path {
		t.Fatalf("load = %q, %v", loaded, err)
	}
	if got := os.Getenv("FLASHAGENT_TEST_SHELL"); got != "shell" {
		t.Fatalf("shell value overridden: %q", got)
	}
	if got := os.Getenv("FLASHAGENT_TEST_FILE_ONLY"); got != "file" {
		t.Fatalf("file value not loaded: %q", got)
	}
}
