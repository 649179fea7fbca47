package cache

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/brandonhon/tls-cert-monitor/internal/certinfo"
)

func newTestCache(t *testing.T, dir string) *Cache {
	t.Helper()
	c, err := New(dir, time.Hour, 0)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func TestGetMissThenPutThenHit(t *testing.T) {
	c := newTestCache(t, "")

	if _, ok := c.Get("/certs/a.pem", 1, 100); ok {
		t.Fatal("expected miss on empty cache")
	}

	rec := &certinfo.Record{SourcePath: "/certs/a.pem", Subject: "CN=a"}
	c.Put("/certs/a.pem", 1, 100, rec)

	got, ok := c.Get("/certs/a.pem", 1, 100)
	if !ok {
		t.Fatal("expected hit after Put")
	}
	if got.Subject != "CN=a" {
		t.Errorf("Subject = %q, want CN=a", got.Subject)
	}
}

func TestGetMissOnStaleKeys(t *testing.T) {
	c := newTestCache(t, "")

	rec := &certinfo.Record{SourcePath: "/certs/a.pem"}
	c.Put("/certs/a.pem", 1, 100, rec)

	if _, ok := c.Get("/certs/a.pem", 2, 100); ok {
		t.Error("expected miss when mtime changed")
	}
	if _, ok := c.Get("/certs/a.pem", 1, 200); ok {
		t.Error("expected miss when size changed")
	}
}

func TestInvalidateAndClear(t *testing.T) {
	c := newTestCache(t, "")

	c.Put("/certs/a.pem", 1, 100, &certinfo.Record{})
	c.Put("/certs/b.pem", 1, 100, &certinfo.Record{})

	c.Invalidate("/certs/a.pem")
	if _, ok := c.Get("/certs/a.pem", 1, 100); ok {
		t.Error("expected miss after Invalidate")
	}
	if _, ok := c.Get("/certs/b.pem", 1, 100); !ok {
		t.Error("expected b.pem to remain cached")
	}

	c.Clear()
	if _, ok := c.Get("/certs/b.pem", 1, 100); ok {
		t.Error("expected miss after Clear")
	}
}

func TestStatsTracksHitsAndMisses(t *testing.T) {
	c := newTestCache(t, "")

	c.Put("/certs/a.pem", 1, 100, &certinfo.Record{})
	c.Get("/certs/a.pem", 1, 100)  // hit
	c.Get("/certs/missing.pem", 1, 100) // miss

	stats := c.Stats()
	if stats.Hits != 1 {
		t.Errorf("Hits = %d, want 1", stats.Hits)
	}
	if stats.Misses != 1 {
		t.Errorf("Misses = %d, want 1", stats.Misses)
	}
	if stats.Entries != 1 {
		t.Errorf("Entries = %d, want 1", stats.Entries)
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()

	c1 := newTestCache(t, dir)
	c1.Put("/certs/a.pem", 42, 1024, &certinfo.Record{SourcePath: "/certs/a.pem", Subject: "CN=persisted"})
	if err := c1.save(); err != nil {
		t.Fatalf("save() error = %v", err)
	}

	c2 := newTestCache(t, dir)
	rec, ok := c2.Get("/certs/a.pem", 42, 1024)
	if !ok {
		t.Fatal("expected entry to survive reload from disk")
	}
	if rec.Subject != "CN=persisted" {
		t.Errorf("Subject = %q, want CN=persisted", rec.Subject)
	}
}

func TestEvictionRespectsMaxBytes(t *testing.T) {
	c, err := New("", time.Hour, 1) // effectively zero headroom; every Put into a non-empty cache evicts
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(c.Close)

	c.Put("/certs/a.pem", 1, 100, &certinfo.Record{SourcePath: "/certs/a.pem"})
	c.Put("/certs/b.pem", 1, 100, &certinfo.Record{SourcePath: "/certs/b.pem"})

	stats := c.Stats()
	if stats.Evictions == 0 {
		t.Error("expected at least one eviction under a tight byte budget")
	}
	if _, ok := c.Get("/certs/a.pem", 1, 100); ok {
		t.Error("expected the oldest entry to have been evicted")
	}
}

func TestCacheFileNameIsDeterministic(t *testing.T) {
	dir := t.TempDir()
	c := newTestCache(t, dir)
	c.Put("/certs/a.pem", 1, 100, &certinfo.Record{})
	if err := c.save(); err != nil {
		t.Fatalf("save() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, cacheFileName)); err != nil {
		t.Fatalf("expected cache file %s in the cache dir: %v", cacheFileName, err)
	}
}
