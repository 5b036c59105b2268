package depres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/forgeworks/scaffold-agent/internal/scaffold"
)

var manifestSections = []string{"dependencies", "devDependencies", "peerDependencies"}

// ManifestReport is the outcome of pinning one generated tree's manifest.
type ManifestReport struct {
	Result
	// ManifestPath is the located package.json, empty when the tree has none.
	ManifestPath string `json:"manifest_path,omitempty"`
	// Rewritten is true when the manifest content was replaced with pins.
	Rewritten bool `json:"rewritten"`
}

// ApplyToManifest locates the manifest in files, resolves every declared
// dependency to an exact version, and rewrites the manifest in place.
// A tree without a manifest is a no-op, not an error.
func (r *Resolver) ApplyToManifest(ctx context.Context, files *scaffold.FileSet) (ManifestReport, error) {
	var report ManifestReport
	report.Pinned = map[string]string{}

	manifestPath := ""
	if files.Has(scaffold.ManifestFileName) {
		manifestPath = scaffold.ManifestFileName
	} else {
		for _, p := range files.Paths() {
			if scaffold.IsManifestPath(p) {
				manifestPath = p
				break
			}
		}
	}
	if manifestPath == "" {
		return report, nil
	}
	report.ManifestPath = manifestPath

	content, _ := files.Get(manifestPath)
	var manifest map[string]any
	if err := json.Unmarshal([]byte(content), &manifest); err != nil {
		report.Warnings = append(report.Warnings, fmt.Sprintf("manifest %s is not valid JSON, left untouched: %v", manifestPath, err))
		return report, nil
	}

	var requests []Request
	declared := map[string][]string{}
	for _, section := range manifestSections {
		deps, ok := manifest[section].(map[string]any)
		if !ok {
			continue
		}
		for key, rawRange := range deps {
			rng, _ := rawRange.(string)
			name, keyRange := SplitNameRange(key)
			if keyRange != "" && strings.TrimSpace(rng) == "" {
				rng = keyRange
			}
			requests = append(requests, Request{Name: name, Range: rng})
			declared[section] = append(declared[section], key)
		}
	}
	if len(requests) == 0 {
		return report, nil
	}

	report.Result = r.ResolvePinned(ctx, requests)

	byName := make(map[string]Resolved, len(report.Resolved))
	for _, entry := range report.Resolved {
		byName[entry.Name] = entry
	}

	for _, section := range manifestSections {
		deps, ok := manifest[section].(map[string]any)
		if !ok {
			continue
		}
		rewritten := make(map[string]any, len(deps))
		for _, key := range declared[section] {
			name, keyRange := SplitNameRange(key)
			entry := byName[name]
			switch {
			case entry.Version != "":
				rewritten[name] = entry.Version
			case len(entry.Candidates) > 0:
				// The name does not exist; substitute the nearest match
				// that resolution already pinned tentatively.
				c := entry.Candidates[0]
				rewritten[c.Name] = c.Version
			default:
				// Unresolved: keep whatever range the manifest declared and
				// wildcard only when there was none.
				rng, _ := deps[key].(string)
				if strings.TrimSpace(rng) == "" {
					rng = keyRange
				}
				if strings.TrimSpace(rng) == "" {
					rng = "*"
				}
				rewritten[name] = rng
			}
		}
		manifest[section] = rewritten
	}

	raw, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return report, fmt.Errorf("serialize manifest: %w", err)
	}
	files.Put(scaffold.FileRecord{Path: manifestPath, Content: string(raw) + "\n"})
	report.Rewritten = true
	return report, nil
}

// SplitNameRange splits a "name@range" dependency key. The @ that begins a
// scoped name is not a separator.
func SplitNameRange(key string) (name, rng string) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", ""
	}
	at := strings.LastIndex(key, "@")
	if at <= 0 {
		return key, ""
	}
	return key[:at], key[at+1:]
}
