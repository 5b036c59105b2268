package depres

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func TestMemoryCache_PutGet(t *testing.T) {
	t.Parallel()

	c := NewMemoryCache()
	if _, ok := c.Get("react"); ok {
		t.Fatal("hit on empty cache")
	}
	at := time.Now()
	c.Put("react", Entry{Version: "18.2.0", At: at})
	c.Put("react", Entry{Version: "18.3.1", At: at.Add(time.Minute)})

	e, ok := c.Get("react")
	if !ok || e.Version != "18.3.1" {
		t.Fatalf("entry=%+v ok=%v", e, ok)
	}
}

func TestSQLiteCache_SurvivesReopen(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "versions.db")
	c, err := OpenSQLiteCache(path)
	if err != nil {
		t.Fatalf("OpenSQLiteCache: %v", err)
	}
	at := time.Now().Truncate(time.Millisecond)
	c.Put("vue", Entry{Version: "3.4.15", At: at})
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := OpenSQLiteCache(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	e, ok := reopened.Get("vue")
	if !ok || e.Version != "3.4.15" {
		t.Fatalf("entry=%+v ok=%v", e, ok)
	}
	if !e.At.Equal(at) {
		t.Fatalf("timestamp drifted: got %v want %v", e.At, at)
	}
}

func TestResolver_ExpiredCacheEntryIgnored(t *testing.T) {
	t.Parallel()

	c := NewMemoryCache()
	c.Put("stale-lib", Entry{Version: "0.1.0", At: time.Now().Add(-48 * time.Hour)})

	r := NewResolver(ResolverOptions{Cache: c, CacheTTL: 24 * time.Hour})
	entry, warnings := r.resolveOne(context.Background(), "stale-lib")
	if entry.Source == SourceCache {
		t.Fatalf("stale entry served from cache: %+v", entry)
	}
	if entry.Source != SourceNone || len(warnings) == 0 {
		t.Fatalf("entry=%+v warnings=%v", entry, warnings)
	}
}
