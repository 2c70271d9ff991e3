package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"stalewatch/internal/staleness"
	logx "stalewatch/pkg/logx"
)

func openStores(t *testing.T) map[string]Store {
	t.Helper()
	sq, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "cache.db"), BusyTimeout: time.Second}, logx.Nop())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	mem, err := Open(Config{Driver: "memory"}, logx.Nop())
	if err != nil {
		t.Fatalf("open memory: %v", err)
	}
	t.Cleanup(func() {
		_ = sq.Close()
		_ = mem.Close()
	})
	return map[string]Store{"sqlite": sq, "memory": mem}
}

func TestStoreRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	for name, st := range openStores(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			at := staleness.Instant(1_700_000_000_000)
			ttl := 90 * time.Second
			saved := time.UnixMilli(1_700_000_000_500)
			if err := st.PutEntry(ctx, Record{Key: "users", Value: []byte("v1"), UpdatedAt: &at, TTL: &ttl, SavedAt: saved}); err != nil {
				t.Fatalf("PutEntry: %v", err)
			}
			if err := st.PutEntry(ctx, Record{Key: "never", Stale: true, Invalidated: true, LastError: "boom", SavedAt: saved}); err != nil {
				t.Fatalf("PutEntry: %v", err)
			}

			recs, err := st.LoadEntries(ctx)
			if err != nil {
				t.Fatalf("LoadEntries: %v", err)
			}
			if len(recs) != 2 {
				t.Fatalf("got %d records, want 2", len(recs))
			}
			never, users := recs[0], recs[1]
			if never.Key != "never" || never.UpdatedAt != nil || never.TTL != nil || !never.Stale || !never.Invalidated || never.LastError != "boom" {
				t.Fatalf("unexpected record %+v", never)
			}
			if users.Key != "users" || string(users.Value) != "v1" || users.Invalidated {
				t.Fatalf("unexpected record %+v", users)
			}
			if users.UpdatedAt == nil || *users.UpdatedAt != at {
				t.Fatalf("UpdatedAt = %v, want %d", users.UpdatedAt, at)
			}
			if users.TTL == nil || *users.TTL != ttl {
				t.Fatalf("TTL = %v, want %v", users.TTL, ttl)
			}
			if !users.SavedAt.Equal(saved) {
				t.Fatalf("SavedAt = %v, want %v", users.SavedAt, saved)
			}
		})
	}
}

func TestStoreUpsertDeleteAndPrune(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	for name, st := range openStores(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			old := time.UnixMilli(1_000)
			recent := time.UnixMilli(5_000)
			_ = st.PutEntry(ctx, Record{Key: "a", Value: []byte("1"), SavedAt: old})
			_ = st.PutEntry(ctx, Record{Key: "a", Value: []byte("2"), SavedAt: recent})
			_ = st.PutEntry(ctx, Record{Key: "b", SavedAt: old})
			_ = st.PutEntry(ctx, Record{Key: "c", SavedAt: recent})

			n, err := st.PruneBefore(ctx, time.UnixMilli(2_000))
			if err != nil {
				t.Fatalf("PruneBefore: %v", err)
			}
			if n != 1 {
				t.Fatalf("pruned %d, want 1", n)
			}
			if err := st.DeleteEntry(ctx, "c"); err != nil {
				t.Fatalf("DeleteEntry: %v", err)
			}

			recs, _ := st.LoadEntries(ctx)
			if len(recs) != 1 || recs[0].Key != "a" || string(recs[0].Value) != "2" {
				t.Fatalf("unexpected records %+v", recs)
			}
		})
	}
}

func TestOpenDisabledAndUnknown(t *testing.T) {
	t.Parallel()
	for _, d := range []string{"", "none", " NONE "} {
		st, err := Open(Config{Driver: d}, logx.Nop())
		if err != nil || st != nil {
			t.Fatalf("Open(%q) = (%v, %v), want (nil, nil)", d, st, err)
		}
	}
	if _, err := Open(Config{Driver: "redis"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
	if _, err := Open(Config{Driver: "sqlite"}, logx.Nop()); err == nil {
		t.Fatal("expected error for sqlite without path")
	}
}

func TestPutEntryRequiresKey(t *testing.T) {
	t.Parallel()
	for name, st := range openStores(t) {
		if err := st.PutEntry(context.Background(), Record{}); err == nil {
			t.Fatalf("%s: expected error for empty key", name)
		}
	}
}
