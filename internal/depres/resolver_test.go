package depres

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func newTestResolver(t *testing.T, handler http.Handler, cache Cache) (*Resolver, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	reg, err := NewRegistry(RegistryOptions{BaseURL: srv.URL, SearchURL: srv.URL + "/-/v1/search"})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	curated, err := NewCuratedTable("")
	if err != nil {
		t.Fatalf("NewCuratedTable: %v", err)
	}
	return NewResolver(ResolverOptions{Curated: curated, Cache: cache, Registry: reg}), srv
}

func TestResolvePinned_CuratedNeedsNoNetwork(t *testing.T) {
	t.Parallel()

	var hits atomic.Int64
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.NotFound(w, r)
	})
	r, _ := newTestResolver(t, handler, NewMemoryCache())

	res := r.ResolvePinned(context.Background(), []Request{{Name: "react"}, {Name: "typescript"}})
	if n := hits.Load(); n != 0 {
		t.Fatalf("registry hit %d times for curated packages", n)
	}
	if len(res.Resolved) != 2 {
		t.Fatalf("resolved=%+v", res.Resolved)
	}
	first := res.Resolved[0]
	if first.Name != "react" || first.Version != "18.2.0" || first.Source != SourceCurated || first.Confidence != 1.0 {
		t.Fatalf("react entry=%+v", first)
	}
	if res.Pinned["react"] != "18.2.0" {
		t.Fatalf("pinned=%v", res.Pinned)
	}
}

func TestResolvePinned_CacheAvoidsSecondFetch(t *testing.T) {
	t.Parallel()

	var hits atomic.Int64
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"dist-tags": map[string]string{"latest": "1.3.0"},
		})
	})
	r, _ := newTestResolver(t, handler, NewMemoryCache())

	first := r.ResolvePinned(context.Background(), []Request{{Name: "left-pad"}})
	if got := first.Resolved[0]; got.Version != "1.3.0" || got.Source != SourceRegistry {
		t.Fatalf("first=%+v", got)
	}
	if n := hits.Load(); n != 1 {
		t.Fatalf("registry hits after first resolve: %d", n)
	}

	second := r.ResolvePinned(context.Background(), []Request{{Name: "left-pad"}})
	if got := second.Resolved[0]; got.Version != "1.3.0" || got.Source != SourceCache {
		t.Fatalf("second=%+v", got)
	}
	if n := hits.Load(); n != 1 {
		t.Fatalf("registry hit again within TTL: %d", n)
	}
}

func TestResolvePinned_SearchFallback(t *testing.T) {
	t.Parallel()

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/-/v1/search" {
			_ = json.NewEncoder(w).Encode(map[string]any{
				"objects": []map[string]any{
					{
						"package": map[string]any{"name": "leftpad", "version": "0.0.1", "description": "pad"},
						"score":   map[string]any{"final": 0.8},
					},
				},
			})
			return
		}
		http.NotFound(w, r)
	})
	r, _ := newTestResolver(t, handler, NewMemoryCache())

	res := r.ResolvePinned(context.Background(), []Request{{Name: "definitely-not-a-package"}})
	entry := res.Resolved[0]
	if entry.Source != SourceSearchFallback || entry.Confidence != 0 || entry.Version != "" {
		t.Fatalf("entry=%+v", entry)
	}
	if len(entry.Candidates) != 1 || entry.Candidates[0].Name != "leftpad" {
		t.Fatalf("candidates=%+v", entry.Candidates)
	}
	if res.Pinned["leftpad"] != "0.0.1" {
		t.Fatalf("pinned=%v", res.Pinned)
	}
	if len(res.Warnings) == 0 {
		t.Fatal("expected a warning for the tentative pin")
	}
}

func TestResolvePinned_RegistryFailureDegrades(t *testing.T) {
	t.Parallel()

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream on fire", http.StatusBadGateway)
	})
	r, _ := newTestResolver(t, handler, NewMemoryCache())

	res := r.ResolvePinned(context.Background(), []Request{{Name: "some-lib"}})
	entry := res.Resolved[0]
	if entry.Source != SourceNone || entry.Version != "" || entry.Confidence != 0 {
		t.Fatalf("entry=%+v", entry)
	}
	if len(res.Warnings) != 1 {
		t.Fatalf("warnings=%v", res.Warnings)
	}
}

func TestResolvePinned_OneEntryPerDistinctName(t *testing.T) {
	t.Parallel()

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	r, _ := newTestResolver(t, handler, NewMemoryCache())

	res := r.ResolvePinned(context.Background(), []Request{
		{Name: "react"},
		{Name: " react "},
		{Name: ""},
		{Name: "typescript"},
	})
	if len(res.Resolved) != 2 {
		t.Fatalf("resolved=%+v", res.Resolved)
	}
	if res.Resolved[0].Name != "react" || res.Resolved[1].Name != "typescript" {
		t.Fatalf("order=%+v", res.Resolved)
	}
}

func TestRegistry_LatestFallsBackToNewestVersion(t *testing.T) {
	t.Parallel()

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"versions": map[string]any{"1.0.0": map[string]any{}, "2.0.0": map[string]any{}},
			"time": map[string]string{
				"1.0.0": "2020-01-01T00:00:00Z",
				"2.0.0": "2023-06-01T00:00:00Z",
			},
		})
	})
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	reg, err := NewRegistry(RegistryOptions{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	v, err := reg.Latest(context.Background(), "old-lib")
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if v != "2.0.0" {
		t.Fatalf("version=%q", v)
	}
}

func TestRegistry_LatestEscapesScopedNames(t *testing.T) {
	t.Parallel()

	var gotPath string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
		_ = json.NewEncoder(w).Encode(map[string]any{
			"dist-tags": map[string]string{"latest": "5.1.0"},
		})
	})
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	reg, err := NewRegistry(RegistryOptions{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	v, err := reg.Latest(context.Background(), "@scope/pkg")
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if v != "5.1.0" {
		t.Fatalf("version=%q", v)
	}
	if gotPath != "/@scope%2Fpkg" {
		t.Fatalf("path=%q", gotPath)
	}
}
