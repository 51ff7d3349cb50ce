package registry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/zjrosen/batchflow/internal/log"
	"github.com/zjrosen/batchflow/internal/watcher"
)

// DefaultUserDir returns ~/.batchflow/templates, or an empty string if the
// home directory cannot be determined.
func DefaultUserDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".batchflow", "templates")
}

// LoadUserDir syncs every template file in dir into owner's namespace.
// A missing directory is not an error. Unreadable files and invalid
// definitions are logged and skipped so one bad file does not hide the
// rest. Returns the number of templates registered or revised.
func (s *RegistryService) LoadUserDir(ctx context.Context, dir, owner string) (int, error) {
	if dir == "" {
		return 0, nil
	}
	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("stat user template dir: %w", err)
	}
	if !info.IsDir() {
		return 0, fmt.Errorf("user template path %s is not a directory", dir)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("read user template dir: %w", err)
	}

	changed := 0
	for _, e := range entries {
		if e.IsDir() || !IsTemplateFile(e.Name()) {
			continue
		}
		changed += s.syncFile(ctx, filepath.Join(dir, e.Name()), owner)
	}
	log.Info(log.CatRegistry, "Loaded user templates", "dir", dir, "owner", owner, "changed", changed)
	return changed, nil
}

// syncFile registers or revises every definition in one file and returns
// how many changed.
func (s *RegistryService) syncFile(ctx context.Context, path, owner string) int {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path comes from the configured template dir
	if err != nil {
		log.Warn(log.CatRegistry, "Skipping unreadable template file", "path", path, "error", err)
		return 0
	}
	defs, err := ParseTemplateFile(data)
	if err != nil {
		log.Warn(log.CatRegistry, "Skipping malformed template file", "path", path, "error", err)
		return 0
	}

	changed := 0
	for _, def := range defs {
		t, didChange, err := s.SyncDef(ctx, owner, def)
		if err != nil {
			log.Warn(log.CatRegistry, "Skipping invalid template", "path", path, "key", def.Key, "error", err)
			continue
		}
		if didChange {
			log.Info(log.CatRegistry, "Registered user template", "id", t.ID(), "path", path)
			changed++
		}
	}
	return changed
}

// WatchUserDir loads dir and keeps watching it, syncing changed files until
// ctx is cancelled. The returned channel receives the ids registered by
// each reload and is closed when watching stops.
func (s *RegistryService) WatchUserDir(ctx context.Context, dir, owner string) (<-chan []string, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create user template dir: %w", err)
	}
	if _, err := s.LoadUserDir(ctx, dir, owner); err != nil {
		return nil, err
	}

	w, err := watcher.New(watcher.DefaultConfig(dir))
	if err != nil {
		return nil, err
	}
	changes, err := w.Start()
	if err != nil {
		_ = w.Stop()
		return nil, err
	}

	reloaded := make(chan []string, 1)
	log.SafeGo("registry.watchUserDir", func() {
		defer close(reloaded)
		defer func() { _ = w.Stop() }()

		for {
			select {
			case <-ctx.Done():
				return
			case paths := <-changes:
				before := s.ids()
				for _, p := range paths {
					if _, err := os.Stat(p); err != nil {
						// Removed or renamed away; registered versions stay immutable.
						continue
					}
					s.syncFile(ctx, p, owner)
				}
				added := diffIDs(before, s.ids())
				log.Debug(log.CatWatcher, "Reloaded user templates", "files", len(paths), "added", len(added))
				select {
				case reloaded <- added:
				default:
				}
			}
		}
	})
	return reloaded, nil
}

func (s *RegistryService) ids() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.order...)
}

func diffIDs(before, after []string) []string {
	seen := make(map[string]bool, len(before))
	for _, id := range before {
		seen[id] = true
	}
	var added []string
	for _, id := range after {
		if !seen[id] {
			added = append(added, id)
		}
	}
	return added
}
