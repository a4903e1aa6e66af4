// Package filestore implements store.Backend by serializing the full
// limiter snapshot to a JSON file, written atomically via a temp file
// plus rename, and read back at construction.
package filestore

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/arvind-natarajan/quotaguard/store"
)

// Backend persists a Snapshot to a single file under one of the
// allowed roots (the current working directory or the system temp
// directory). A path outside those roots is rejected at construction:
// Load always returns an empty snapshot and Save is a silent no-op,
// so the caller runs in memory only.
type Backend struct {
	path   string
	safe   bool
	logger *slog.Logger
}

// New resolves path against the allowed-roots whitelist described in
// spec §4.6 and returns a Backend. It never fails construction —
// an unsafe path degrades to an in-memory-only no-op, logged once.
func New(path string, logger *slog.Logger) *Backend {
	if logger == nil {
		logger = slog.Default()
	}
	resolved, safe := resolveSafePath(path)
	if !safe {
		logger.Warn("filestore: path outside allowed roots, state will not persist", "path", path)
	}
	return &Backend{path: resolved, safe: safe, logger: logger}
}

// resolveSafePath resolves a possibly-relative path against the
// current working directory, normalizes out "." and ".." segments,
// and checks the result is under cwd or os.TempDir().
func resolveSafePath(path string) (string, bool) {
	abs := path
	if !filepath.IsAbs(abs) {
		cwd, err := os.Getwd()
		if err != nil {
			return path, false
		}
		abs = filepath.Join(cwd, abs)
	}
	clean := filepath.Clean(abs)

	cwd, err := os.Getwd()
	if err != nil {
		return clean, false
	}
	roots := []string{filepath.Clean(cwd), filepath.Clean(os.TempDir())}
	for _, root := range roots {
		if clean == root || strings.HasPrefix(clean, root+string(filepath.Separator)) {
			return clean, true
		}
	}
	return clean, false
}

// Load reads and parses the target file. A missing or malformed file
// yields an empty snapshot, never an error.
func (b *Backend) Load(ctx context.Context) (*store.Snapshot, error) {
	if !b.safe {
		return store.DecodeSnapshot(nil), nil
	}
	raw, err := os.ReadFile(b.path)
	if err != nil {
		if !os.IsNotExist(err) {
			b.logger.Warn("filestore: load failed, starting empty", "path", b.path, "error", err)
		}
		return store.DecodeSnapshot(nil), nil
	}
	return store.DecodeSnapshot(raw), nil
}

// Save serializes snap to a temp file in the target directory (named
// with this process's pid) and atomically renames it over the target
// path. Errors are returned for the caller to log at Warn and
// otherwise ignore — in-memory state remains authoritative.
func (b *Backend) Save(ctx context.Context, snap *store.Snapshot) error {
	if !b.safe {
		return nil
	}
	raw, err := store.EncodeSnapshot(snap)
	if err != nil {
		return &quotaguardPersistenceErr{op: "encode", path: b.path, err: err}
	}

	dir := filepath.Dir(b.path)
	tmpPath := filepath.Join(dir, fmt.Sprintf(".%s.tmp.%d", filepath.Base(b.path), os.Getpid()))

	if err := os.WriteFile(tmpPath, raw, 0o644); err != nil {
		return &quotaguardPersistenceErr{op: "write", path: tmpPath, err: err}
	}
	if err := os.Rename(tmpPath, b.path); err != nil {
		os.Remove(tmpPath)
		return &quotaguardPersistenceErr{op: "rename", path: b.path, err: err}
	}
	return nil
}

type quotaguardPersistenceErr struct {
	op   string
	path string
	err  error
}

func (e *quotaguardPersistenceErr) Error() string {
	return fmt.Sprintf("filestore: %s failed on %q: %v", e.op, e.path, e.err)
}

func (e *quotaguardPersistenceErr) Unwrap() error { return e.err }
