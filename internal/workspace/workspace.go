package workspace

// Scratch workspaces for manifest resolution and validation runs.
//
// Workspace leakage is a disk-exhaustion hazard: every workspace is owned by
// exactly one request and must be removed on every exit path. Callers are
// expected to `defer ws.Close()` immediately after Create.

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/shirou/gopsutil/v4/disk"

	"github.com/forgeworks/scaffold-agent/internal/scaffold"
)

// ErrLowDisk is returned when the free-disk floor would be violated.
var ErrLowDisk = errors.New("insufficient free disk for scratch workspace")

type Options struct {
	Logger *slog.Logger
	// MinFreeDiskMB refuses new workspaces when the temp volume has less
	// free space. <= 0 disables the guard.
	MinFreeDiskMB int
}

type Factory struct {
	log       *slog.Logger
	minFreeMB int
}

func NewFactory(opts Options) *Factory {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Factory{log: log, minFreeMB: opts.MinFreeDiskMB}
}

// Workspace is an exclusively-owned scratch directory.
type Workspace struct {
	dir       string
	closeOnce sync.Once
}

func (w *Workspace) Dir() string {
	if w == nil {
		return ""
	}
	return w.dir
}

// Close removes the workspace tree. Safe to call more than once.
func (w *Workspace) Close() {
	if w == nil {
		return
	}
	w.closeOnce.Do(func() {
		_ = os.RemoveAll(w.dir)
	})
}

// Create makes a new scratch directory under the system temp dir.
// prefix tags the directory for post-mortem identification.
func (f *Factory) Create(prefix string) (*Workspace, error) {
	if f == nil {
		return nil, errors.New("nil workspace factory")
	}
	if err := f.checkDisk(); err != nil {
		return nil, err
	}
	dir, err := os.MkdirTemp("", prefix)
	if err != nil {
		return nil, err
	}
	return &Workspace{dir: dir}, nil
}

func (f *Factory) checkDisk() error {
	if f.minFreeMB <= 0 {
		return nil
	}
	usage, err := disk.Usage(os.TempDir())
	if err != nil {
		// The guard is best-effort; an unreadable stat must not block work.
		f.log.Warn("disk usage probe failed", "component", "workspace", "error", err)
		return nil
	}
	freeMB := usage.Free / (1 << 20)
	if freeMB < uint64(f.minFreeMB) {
		return fmt.Errorf("%w: %d MiB free, floor %d MiB", ErrLowDisk, freeMB, f.minFreeMB)
	}
	return nil
}

// Materialize writes the file set into the workspace, creating parent
// directories as needed. Paths were normalized upstream; anything that
// still escapes is skipped.
func (w *Workspace) Materialize(files *scaffold.FileSet) error {
	if w == nil || w.dir == "" {
		return errors.New("workspace not created")
	}
	for _, rec := range files.Records() {
		p := scaffold.NormalizePath(rec.Path)
		if p == "" {
			continue
		}
		target := filepath.Join(w.dir, filepath.FromSlash(p))
		if err := os.MkdirAll(filepath.Dir(target), 0o700); err != nil {
			return err
		}
		if err := os.WriteFile(target, []byte(rec.Content), 0o600); err != nil {
			return err
		}
	}
	return nil
}
