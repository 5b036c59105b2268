package depres

// Dependency resolution turns loose package requests into exact version
// pins. Sources are tried in a fixed priority order per package: the
// curated table, a package-manager lockfile probe, the registry (behind a
// TTL cache), and finally registry full-text search. A package that
// resolves nowhere still yields an entry, so callers always see one result
// per requested name.

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	SourceCurated        = "curated"
	SourceLockfile       = "lockfile"
	SourceCache          = "cache"
	SourceRegistry       = "registry"
	SourceSearchFallback = "search-fallback"
	SourceNone           = "none"

	confidenceCurated  = 1.0
	confidenceLockfile = 0.99
	confidenceRegistry = 0.98
	confidenceCache    = 0.95

	resolveParallelism = 4
)

// Request is one loose dependency ask: a name and an optional range
// expression ("^18", "latest", "").
type Request struct {
	Name  string `json:"name"`
	Range string `json:"range,omitempty"`
}

// Candidate is a search hit offered when a name did not resolve directly.
type Candidate struct {
	Name        string  `json:"name"`
	Version     string  `json:"version"`
	Description string  `json:"description,omitempty"`
	Score       float64 `json:"score"`
}

// Resolved is the outcome for one requested name. Unresolved names carry
// confidence 0 and, when search produced anything, a candidate list.
type Resolved struct {
	Name       string      `json:"name"`
	Version    string      `json:"version,omitempty"`
	Source     string      `json:"source"`
	Confidence float64     `json:"confidence"`
	URL        string      `json:"url,omitempty"`
	Candidates []Candidate `json:"candidates,omitempty"`
}

// Result is the full resolution outcome for one request batch.
type Result struct {
	// Resolved holds exactly one entry per distinct requested name, in
	// request order.
	Resolved []Resolved `json:"resolved"`
	// Pinned maps package name to exact version for everything that
	// resolved, including tentative pins from search fallback (keyed by
	// the candidate's own name).
	Pinned map[string]string `json:"pinned"`
	// Warnings records every degradation taken on the way.
	Warnings []string `json:"warnings,omitempty"`
}

type Resolver struct {
	curated  *CuratedTable
	cache    Cache
	cacheTTL time.Duration
	registry *Registry
	lockfile *LockfileResolver
	log      *slog.Logger
	now      func() time.Time
}

type ResolverOptions struct {
	Curated  *CuratedTable
	Cache    Cache
	CacheTTL time.Duration
	Registry *Registry
	Lockfile *LockfileResolver
	Logger   *slog.Logger
}

func NewResolver(opts ResolverOptions) *Resolver {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	cache := opts.Cache
	if cache == nil {
		cache = NewMemoryCache()
	}
	ttl := opts.CacheTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Resolver{
		curated:  opts.Curated,
		cache:    cache,
		cacheTTL: ttl,
		registry: opts.Registry,
		lockfile: opts.Lockfile,
		log:      log,
		now:      time.Now,
	}
}

// ResolvePinned resolves every requested name to an exact pin where
// possible. It never fails as a whole: per-package trouble degrades to an
// unresolved entry plus a warning.
func (r *Resolver) ResolvePinned(ctx context.Context, requests []Request) Result {
	ordered, ranges := dedupeRequests(requests)
	res := Result{
		Resolved: make([]Resolved, len(ordered)),
		Pinned:   map[string]string{},
	}
	if len(ordered) == 0 {
		return res
	}

	index := make(map[string]int, len(ordered))
	pending := map[string]struct{}{}
	for i, name := range ordered {
		index[name] = i
		pending[name] = struct{}{}
	}

	// Curated table first; it is authoritative and free.
	for name := range pending {
		if v, ok := r.curated.Lookup(name); ok {
			res.Resolved[index[name]] = Resolved{Name: name, Version: v, Source: SourceCurated, Confidence: confidenceCurated}
			delete(pending, name)
		}
	}

	// One lockfile probe covers everything still open.
	if len(pending) > 0 && r.lockfile != nil && r.lockfile.Available() {
		probe := make(map[string]string, len(pending))
		for name := range pending {
			rng := strings.TrimSpace(ranges[name])
			if rng == "" || strings.EqualFold(rng, "latest") {
				rng = "*"
			}
			probe[name] = rng
		}
		pins, err := r.lockfile.Resolve(ctx, probe)
		if err != nil {
			res.Warnings = append(res.Warnings, fmt.Sprintf("lockfile resolution skipped: %v", err))
			r.log.Warn("lockfile resolution failed", "component", "depres", "error", err)
		} else {
			for name, v := range pins {
				if _, open := pending[name]; !open {
					continue
				}
				res.Resolved[index[name]] = Resolved{Name: name, Version: v, Source: SourceLockfile, Confidence: confidenceLockfile}
				delete(pending, name)
			}
		}
	}

	// Registry lookups run in parallel, one slot per package so no result
	// can clobber another.
	if len(pending) > 0 {
		remaining := make([]string, 0, len(pending))
		for name := range pending {
			remaining = append(remaining, name)
		}
		sort.Strings(remaining)

		type slot struct {
			resolved Resolved
			warnings []string
		}
		slots := make([]slot, len(remaining))

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(resolveParallelism)
		for i, name := range remaining {
			g.Go(func() error {
				slots[i].resolved, slots[i].warnings = r.resolveOne(gctx, name)
				return nil
			})
		}
		_ = g.Wait()

		for i, name := range remaining {
			res.Resolved[index[name]] = slots[i].resolved
			res.Warnings = append(res.Warnings, slots[i].warnings...)
			for _, c := range slots[i].resolved.Candidates {
				if _, taken := res.Pinned[c.Name]; !taken && c.Version != "" {
					res.Pinned[c.Name] = c.Version
					break
				}
			}
		}
	}

	for _, entry := range res.Resolved {
		if entry.Version != "" {
			res.Pinned[entry.Name] = entry.Version
		}
	}
	return res
}

// resolveOne handles a single package through cache, registry, and search.
func (r *Resolver) resolveOne(ctx context.Context, name string) (Resolved, []string) {
	if e, ok := r.cache.Get(name); ok && r.now().Sub(e.At) < r.cacheTTL && e.Version != "" {
		return Resolved{Name: name, Version: e.Version, Source: SourceCache, Confidence: confidenceCache}, nil
	}

	if r.registry == nil {
		return Resolved{Name: name, Source: SourceNone}, []string{fmt.Sprintf("no registry configured, %s left unpinned", name)}
	}

	version, err := r.registry.Latest(ctx, name)
	if err == nil {
		r.cache.Put(name, Entry{Version: version, At: r.now()})
		return Resolved{
			Name:       name,
			Version:    version,
			Source:     SourceRegistry,
			Confidence: confidenceRegistry,
			URL:        r.registry.PackageURL(name),
		}, nil
	}

	if !errors.Is(err, ErrPackageNotFound) {
		return Resolved{Name: name, Source: SourceNone},
			[]string{fmt.Sprintf("registry lookup for %s failed: %v", name, err)}
	}

	candidates, searchErr := r.registry.Search(ctx, name, searchDefaultPageSize)
	if searchErr != nil || len(candidates) == 0 {
		return Resolved{Name: name, Source: SourceNone},
			[]string{fmt.Sprintf("%s not found in registry and search produced no candidates", name)}
	}

	warning := fmt.Sprintf("%s not found in registry; nearest match %s@%s pinned tentatively",
		name, candidates[0].Name, candidates[0].Version)
	return Resolved{
		Name:       name,
		Source:     SourceSearchFallback,
		Confidence: 0,
		URL:        r.registry.PackageURL(candidates[0].Name),
		Candidates: candidates,
	}, []string{warning}
}

// dedupeRequests keeps the first occurrence of each name, preserving order,
// and remembers the first non-empty range seen per name.
func dedupeRequests(requests []Request) ([]string, map[string]string) {
	ordered := make([]string, 0, len(requests))
	ranges := make(map[string]string, len(requests))
	seen := map[string]struct{}{}
	for _, req := range requests {
		name := strings.TrimSpace(req.Name)
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			if ranges[name] == "" {
				ranges[name] = strings.TrimSpace(req.Range)
			}
			continue
		}
		seen[name] = struct{}{}
		ordered = append(ordered, name)
		ranges[name] = strings.TrimSpace(req.Range)
	}
	return ordered, ranges
}
