package depres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	registryTimeout       = 10 * time.Second
	registryMaxBodyBytes  = 4 << 20
	searchDefaultPageSize = 5
)

// ErrPackageNotFound marks a registry 404 so callers can fall back to search.
var ErrPackageNotFound = errors.New("package not found in registry")

// Registry looks up published package versions over HTTP.
type Registry struct {
	baseURL   string
	searchURL string
	client    *http.Client
	log       *slog.Logger
}

type RegistryOptions struct {
	BaseURL   string
	SearchURL string
	Client    *http.Client
	Logger    *slog.Logger
}

func NewRegistry(opts RegistryOptions) (*Registry, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		return nil, errors.New("missing registry base url")
	}
	search := strings.TrimSpace(opts.SearchURL)
	if search == "" {
		search = base + "/-/v1/search"
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: registryTimeout}
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Registry{baseURL: base, searchURL: search, client: client, log: log}, nil
}

// PackageURL returns the metadata URL for name on this registry.
func (r *Registry) PackageURL(name string) string {
	return r.baseURL + "/" + url.PathEscape(strings.TrimSpace(name))
}

// packageDocument is the subset of the registry metadata we read.
type packageDocument struct {
	DistTags map[string]string          `json:"dist-tags"`
	Versions map[string]json.RawMessage `json:"versions"`
	Time     map[string]string          `json:"time"`
}

// Latest returns the published latest version for name. A 404 response is
// reported as ErrPackageNotFound.
func (r *Registry) Latest(ctx context.Context, name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("missing package name")
	}

	// Scoped names keep the leading @ but the slash must be escaped.
	endpoint := r.baseURL + "/" + url.PathEscape(name)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("registry request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", fmt.Errorf("%w: %s", ErrPackageNotFound, name)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", fmt.Errorf("registry returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var doc packageDocument
	if err := json.NewDecoder(io.LimitReader(resp.Body, registryMaxBodyBytes)).Decode(&doc); err != nil {
		return "", fmt.Errorf("decode registry document: %w", err)
	}

	if v := strings.TrimSpace(doc.DistTags["latest"]); v != "" {
		return v, nil
	}
	// Some mirrors omit dist-tags; fall back to the newest entry in the
	// versions map by publish time, then to any version at all.
	if len(doc.Versions) > 0 {
		best := ""
		bestTime := ""
		for v := range doc.Versions {
			ts := doc.Time[v]
			if best == "" || ts > bestTime {
				best, bestTime = v, ts
			}
		}
		if best != "" {
			return best, nil
		}
	}
	return "", fmt.Errorf("registry document for %s has no versions", name)
}

// searchResponse mirrors the registry search endpoint shape.
type searchResponse struct {
	Objects []struct {
		Package struct {
			Name        string `json:"name"`
			Version     string `json:"version"`
			Description string `json:"description"`
		} `json:"package"`
		Score struct {
			Final float64 `json:"final"`
		} `json:"score"`
	} `json:"objects"`
}

// Search queries the registry full-text search and returns ranked candidates.
func (r *Registry) Search(ctx context.Context, query string, size int) ([]Candidate, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, errors.New("missing search query")
	}
	if size <= 0 {
		size = searchDefaultPageSize
	}

	q := url.Values{}
	q.Set("text", query)
	q.Set("size", strconv.Itoa(size))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.searchURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("registry search failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("registry search returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var parsed searchResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, registryMaxBodyBytes)).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}

	out := make([]Candidate, 0, len(parsed.Objects))
	for _, obj := range parsed.Objects {
		name := strings.TrimSpace(obj.Package.Name)
		version := strings.TrimSpace(obj.Package.Version)
		if name == "" || version == "" {
			continue
		}
		out = append(out, Candidate{
			Name:        name,
			Version:     version,
			Description: obj.Package.Description,
			Score:       obj.Score.Final,
		})
	}
	return out, nil
}
