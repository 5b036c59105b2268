package depres

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/forgeworks/scaffold-agent/internal/workspace"
)

const lockfileTimeout = 120 * time.Second

// LockfileResolver resolves a full dependency set at once by asking the
// package manager to compute a lockfile, without installing anything.
type LockfileResolver struct {
	workspaces *workspace.Factory
	log        *slog.Logger
	timeout    time.Duration
}

func NewLockfileResolver(workspaces *workspace.Factory, log *slog.Logger) *LockfileResolver {
	if log == nil {
		log = slog.Default()
	}
	return &LockfileResolver{workspaces: workspaces, log: log, timeout: lockfileTimeout}
}

// Available reports whether npm is on PATH.
func (l *LockfileResolver) Available() bool {
	_, err := exec.LookPath("npm")
	return err == nil
}

// Resolve writes a minimal manifest for deps (name -> range), runs
// `npm install --package-lock-only` in a scratch workspace, and parses the
// resulting lockfile into exact pins. Names absent from the lockfile are
// simply missing from the returned map.
func (l *LockfileResolver) Resolve(ctx context.Context, deps map[string]string) (map[string]string, error) {
	if len(deps) == 0 {
		return map[string]string{}, nil
	}

	ws, err := l.workspaces.Create("scaffold_lock_")
	if err != nil {
		return nil, err
	}
	defer ws.Close()

	manifest := map[string]any{
		"name":         "resolver-probe",
		"version":      "0.0.0",
		"private":      true,
		"dependencies": deps,
	}
	raw, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(ws.Dir(), "package.json"), raw, 0o600); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "npm", "install",
		"--package-lock-only", "--ignore-scripts", "--no-audit", "--no-fund")
	cmd.Dir = ws.Dir()
	cmd.Env = append(os.Environ(), "NO_COLOR=1")
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("npm lockfile probe failed: %w: %s", err, truncateOutput(stderr.String()))
	}
	l.log.Debug("lockfile probe finished",
		"component", "depres",
		"packages", len(deps),
		"duration_ms", time.Since(start).Milliseconds())

	lockRaw, err := os.ReadFile(filepath.Join(ws.Dir(), "package-lock.json"))
	if err != nil {
		return nil, fmt.Errorf("read lockfile: %w", err)
	}
	return ParseLockfile(lockRaw, deps)
}

// lockfileDocument covers both historic lockfile shapes: v1 keeps a
// top-level "dependencies" tree, v2+ keeps a flat "packages" map keyed by
// node_modules path.
type lockfileDocument struct {
	LockfileVersion int `json:"lockfileVersion"`
	Dependencies    map[string]struct {
		Version string `json:"version"`
	} `json:"dependencies"`
	Packages map[string]struct {
		Version string `json:"version"`
	} `json:"packages"`
}

// ParseLockfile extracts exact versions for the wanted names.
func ParseLockfile(raw []byte, wanted map[string]string) (map[string]string, error) {
	var doc lockfileDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse lockfile: %w", err)
	}

	out := make(map[string]string, len(wanted))
	for name := range wanted {
		if entry, ok := doc.Packages["node_modules/"+name]; ok && entry.Version != "" {
			out[name] = entry.Version
			continue
		}
		if entry, ok := doc.Dependencies[name]; ok && entry.Version != "" {
			out[name] = entry.Version
		}
	}
	return out, nil
}

func truncateOutput(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 1024 {
		return s[:1024] + "..."
	}
	return s
}
