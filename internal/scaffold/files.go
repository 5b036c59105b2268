package scaffold

// This package holds the file-set model shared by the generation pipeline.
//
// Design notes:
// - Paths are normalized relative paths. Anything absolute or escaping the
//   tree root is rejected at the boundary; one bad path must not abort an
//   otherwise-good result, so rejection means "drop", not "error".
// - Merging is last-writer-wins by emission order to keep output reproducible
//   across chunked generation calls.

import (
	"path"
	"sort"
	"strings"
)

// FileRecord is a single generated text file.
type FileRecord struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// ManifestFileName is the file that declares package dependencies.
const ManifestFileName = "package.json"

// binaryExts are extensions the pipeline refuses to carry as text.
var binaryExts = map[string]struct{}{
	".png":  {},
	".jpg":  {},
	".jpeg": {},
	".gif":  {},
	".svg":  {},
	".ico":  {},
	".webp": {},
	".avif": {},
	".woff": {},
	".ttf":  {},
}

// NormalizePath cleans a model-provided path into a safe relative path.
// It returns "" when the path is empty, absolute, or traverses upward.
func NormalizePath(raw string) string {
	p := strings.TrimSpace(raw)
	if p == "" {
		return ""
	}
	p = strings.ReplaceAll(p, "\\", "/")
	p = path.Clean(p)
	p = strings.TrimPrefix(p, "/")
	if p == "" || p == "." {
		return ""
	}
	if p == ".." || strings.HasPrefix(p, "../") {
		return ""
	}
	// Windows drive prefixes survive path.Clean; treat them as absolute.
	if len(p) >= 2 && p[1] == ':' {
		return ""
	}
	return p
}

// IsBinaryPath reports whether the path carries a known binary/image extension.
func IsBinaryPath(p string) bool {
	_, ok := binaryExts[strings.ToLower(path.Ext(p))]
	return ok
}

// IsManifestPath reports whether the normalized path is a dependency manifest.
func IsManifestPath(p string) bool {
	return path.Base(p) == ManifestFileName
}

// FileSet is an ordered, path-unique collection of FileRecords.
// The zero value is ready to use.
type FileSet struct {
	order []string
	files map[string]string
}

func NewFileSet() *FileSet {
	return &FileSet{files: map[string]string{}}
}

// Put inserts or replaces the record at its normalized path.
// It returns the normalized path and false when the path was unsafe.
func (s *FileSet) Put(rec FileRecord) (string, bool) {
	p := NormalizePath(rec.Path)
	if p == "" {
		return "", false
	}
	if s.files == nil {
		s.files = map[string]string{}
	}
	if _, exists := s.files[p]; !exists {
		s.order = append(s.order, p)
	}
	s.files[p] = rec.Content
	return p, true
}

func (s *FileSet) Get(p string) (string, bool) {
	if s == nil || s.files == nil {
		return "", false
	}
	c, ok := s.files[NormalizePath(p)]
	return c, ok
}

func (s *FileSet) Has(p string) bool {
	_, ok := s.Get(p)
	return ok
}

func (s *FileSet) Delete(p string) {
	np := NormalizePath(p)
	if s == nil || s.files == nil {
		return
	}
	if _, ok := s.files[np]; !ok {
		return
	}
	delete(s.files, np)
	for i, q := range s.order {
		if q == np {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

func (s *FileSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.order)
}

// Records returns the files in insertion order.
func (s *FileSet) Records() []FileRecord {
	if s == nil {
		return nil
	}
	out := make([]FileRecord, 0, len(s.order))
	for _, p := range s.order {
		out = append(out, FileRecord{Path: p, Content: s.files[p]})
	}
	return out
}

// Paths returns the normalized paths in sorted order (for stable diagnostics).
func (s *FileSet) Paths() []string {
	if s == nil {
		return nil
	}
	out := append([]string(nil), s.order...)
	sort.Strings(out)
	return out
}

// MergeResult reports what Merge did with one batch of model output.
type MergeResult struct {
	Accepted int
	Dropped  []string
	Warnings []string
}

// Merge folds a batch of model-returned files into the set.
// Unsafe paths are dropped silently; binary paths are dropped with a warning.
func (s *FileSet) Merge(records []FileRecord) MergeResult {
	var res MergeResult
	for _, rec := range records {
		p := NormalizePath(rec.Path)
		if p == "" {
			res.Dropped = append(res.Dropped, rec.Path)
			continue
		}
		if IsBinaryPath(p) {
			res.Dropped = append(res.Dropped, p)
			res.Warnings = append(res.Warnings, "binary asset returned as text: "+p+"; dropped")
			continue
		}
		if _, ok := s.Put(FileRecord{Path: p, Content: rec.Content}); ok {
			res.Accepted++
		}
	}
	return res
}

// OverlayDelta returns the files from candidates that are new relative to
// base or whose content differs byte-for-byte. The dependency manifest is
// excluded unconditionally, even if the model returned one.
func OverlayDelta(base *FileSet, candidates []FileRecord) []FileRecord {
	var out []FileRecord
	for _, rec := range candidates {
		p := NormalizePath(rec.Path)
		if p == "" || IsBinaryPath(p) || IsManifestPath(p) {
			continue
		}
		old, exists := base.Get(p)
		if exists && old == rec.Content {
			continue
		}
		out = append(out, FileRecord{Path: p, Content: rec.Content})
	}
	return out
}
