package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestZeroLoggerIsSafe(t *testing.T) {
	t.Parallel()
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero Logger must report IsZero")
	}
	l.Info("dropped", Key("k"))
	if Nop().IsZero() {
		t.Fatal("Nop must not be zero")
	}
}

func TestWriterFieldsAndLevel(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	l := NewWriter(&buf, "info").With(Comp("cache"))
	l.Debug("hidden")
	l.Info("stale", Key("users"), Err(errors.New("boom")), Err(nil))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("got %d lines: %q", len(lines), buf.String())
	}
	var ev map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &ev); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev["comp"] != "cache" || ev["key"] != "users" || ev["message"] != "stale" {
		t.Fatalf("unexpected event %v", ev)
	}
	if c, _ := ev["caller"].(string); !strings.HasPrefix(c, "logx_test.go:") {
		t.Fatalf("caller = %v", ev["caller"])
	}
}

func TestServiceApplySwapsSinks(t *testing.T) {
	t.Parallel()
	var out bytes.Buffer
	svc, log := newService(Config{Level: "error", Console: true, Format: FormatJSON}, &out)
	defer svc.Close()

	child := log.With(Comp("refresher"))
	child.Info("not yet")
	if out.Len() != 0 {
		t.Fatalf("info written at error level: %q", out.String())
	}

	path := filepath.Join(t.TempDir(), "sw.log")
	svc.Apply(Config{Level: "debug", Console: true, Format: FormatJSON, File: FileConfig{Enabled: true, Path: path}})
	child.Debug("now visible")

	if !strings.Contains(out.String(), `"comp":"refresher"`) {
		t.Fatalf("stdout = %q", out.String())
	}
	if err := svc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(b), "now visible") {
		t.Fatalf("file = %q", b)
	}
	if svc.Config().Level != "debug" {
		t.Fatalf("Config().Level = %q", svc.Config().Level)
	}
}

func TestValidLevel(t *testing.T) {
	t.Parallel()
	for _, s := range []string{"", "debug", "INFO", " warn ", "warning", "error"} {
		if !ValidLevel(s) {
			t.Fatalf("ValidLevel(%q) = false", s)
		}
	}
	if ValidLevel("verbose") {
		t.Fatal("ValidLevel(verbose) = true")
	}
}
