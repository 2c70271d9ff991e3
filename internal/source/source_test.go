package source

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func TestFileSource(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "value.json")
	if err := os.WriteFile(path, []byte(`{"ok":true}`), 0o600); err != nil {
		t.Fatal(err)
	}
	src, err := New(Config{Kind: "file", Path: path})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	b, err := src.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if string(b) != `{"ok":true}` {
		t.Fatalf("Fetch = %q", b)
	}
	if src.String() != "file:"+path {
		t.Fatalf("String = %q", src.String())
	}
}

func TestFileSourceTooLarge(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "big")
	_ = os.WriteFile(path, make([]byte, 32), 0o600)
	src, _ := New(Config{Kind: "file", Path: path, MaxBytes: 16})
	if _, err := src.Fetch(context.Background()); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("Fetch = %v, want ErrTooLarge", err)
	}
}

func TestHTTPSource(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/fail" {
			http.Error(w, "nope", http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte("hello"))
	}))
	defer srv.Close()

	ok, err := New(Config{Kind: "http", URL: srv.URL + "/ok"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	b, err := ok.Fetch(context.Background())
	if err != nil || string(b) != "hello" {
		t.Fatalf("Fetch = (%q, %v)", b, err)
	}

	fail, _ := New(Config{Kind: "http", URL: srv.URL + "/fail"})
	if _, err := fail.Fetch(context.Background()); err == nil {
		t.Fatal("expected error for 502")
	}
}

func TestNewValidates(t *testing.T) {
	t.Parallel()
	tests := []Config{
		{Kind: "file"},
		{Kind: "http"},
		{Kind: "ftp", URL: "ftp://example"},
	}
	for _, cfg := range tests {
		if _, err := New(cfg); err == nil {
			t.Fatalf("New(%+v): expected error", cfg)
		}
	}
}
