// Package source fetches the raw bytes behind a cache key.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

// Source produces a fresh value.
type Source interface {
	Fetch(ctx context.Context) ([]byte, error)
	String() string
}

// Config describes one source. Kind is "file" or "http".
type Config struct {
	Kind    string
	Path    string
	URL     string
	Timeout time.Duration
	// MaxBytes caps the fetched payload; 0 means 4 MiB.
	MaxBytes int64
}

const defaultMaxBytes = 4 << 20

var ErrTooLarge = errors.New("source: payload too large")

func New(cfg Config) (Source, error) {
	maxBytes := cfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Kind)) {
	case "file":
		if strings.TrimSpace(cfg.Path) == "" {
			return nil, errors.New("file source: path required")
		}
		return &File{Path: cfg.Path, MaxBytes: maxBytes}, nil
	case "http", "https":
		if strings.TrimSpace(cfg.URL) == "" {
			return nil, errors.New("http source: url required")
		}
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		return &HTTP{URL: cfg.URL, Client: &http.Client{Timeout: timeout}, MaxBytes: maxBytes}, nil
	default:
		return nil, fmt.Errorf("unknown source kind %q", cfg.Kind)
	}
}

// File reads a local file.
type File struct {
	Path     string
	MaxBytes int64
}

func (f *File) Fetch(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	fh, err := os.Open(f.Path)
	if err != nil {
		return nil, err
	}
	defer fh.Close()
	return readCapped(fh, f.MaxBytes)
}

func (f *File) String() string { return "file:" + f.Path }

// HTTP issues a GET and returns the body of a 2xx response.
type HTTP struct {
	URL      string
	Client   *http.Client
	MaxBytes int64
}

func (h *HTTP) Fetch(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.URL, nil)
	if err != nil {
		return nil, err
	}
	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("GET %s: %s", h.URL, resp.Status)
	}
	return readCapped(resp.Body, h.MaxBytes)
}

func (h *HTTP) String() string { return "http:" + h.URL }

func readCapped(r io.Reader, maxBytes int64) ([]byte, error) {
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}
	b, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > maxBytes {
		return nil, ErrTooLarge
	}
	return b, nil
}
