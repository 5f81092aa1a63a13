package memkv

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/offsite-dev/replica/internal/backend"
)

// selfWriteWindow is how long a path written by this process is exempt from
// watcher reloads. Long enough to cover the rename that completes a write.
const selfWriteWindow = 2 * time.Second

// Watch reloads rows edited by another process sharing the same data
// directory and publishes refresh signals for the affected stores.
//
// Events are debounced: rapid rewrites of the same file collapse into one
// reload. Watch blocks until ctx is cancelled. It is an error to call Watch
// on a memory-only store.
func (s *Store) Watch(ctx context.Context, debounce time.Duration) error {
	if !s.gate.Wait(backend.DefaultReadyTimeout) {
		return backend.ErrUnavailable
	}
	if s.dir == "" {
		return fmt.Errorf("cannot watch a memory-only store")
	}
	if debounce <= 0 {
		debounce = 100 * time.Millisecond
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(s.dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", s.dir, err)
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("failed to read data directory: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			if err := watcher.Add(filepath.Join(s.dir, entry.Name())); err != nil {
				s.logger.Printf("WARNING: failed to watch store dir %s: %v", entry.Name(), err)
			}
		}
	}

	pending := make(map[string]time.Time)
	ticker := time.NewTicker(debounce)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			// A new store directory appears when another process writes
			// its first row for that store.
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := watcher.Add(event.Name); err != nil {
						s.logger.Printf("WARNING: failed to watch new store dir %s: %v", event.Name, err)
					}
					continue
				}
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if filepath.Ext(event.Name) != ".json" {
				continue
			}
			if s.isSelfWrite(event.Name) {
				continue
			}
			pending[event.Name] = time.Now()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Printf("watcher error: %v", err)

		case <-ticker.C:
			changed := s.applyPending(pending, debounce)
			if len(changed) > 0 {
				s.signals.Notify(changed...)
			}
		}
	}
}

// applyPending reloads files whose debounce window has expired and returns
// the affected store names.
func (s *Store) applyPending(pending map[string]time.Time, debounce time.Duration) []string {
	now := time.Now()
	stores := make(map[string]bool)

	for path, queuedAt := range pending {
		if now.Sub(queuedAt) < debounce {
			continue
		}
		delete(pending, path)

		store, key, ok := s.splitRowPath(path)
		if !ok {
			continue
		}

		unlock := s.queue.Lock(store)
		if _, err := os.Stat(path); os.IsNotExist(err) {
			s.mu.Lock()
			delete(s.tables[store], key)
			s.mu.Unlock()
			stores[store] = true
			unlock()
			continue
		}

		row, err := readRowFile(path)
		if err != nil {
			s.logger.Printf("WARNING: skipping invalid row file %s: %v", path, err)
			unlock()
			continue
		}
		s.mu.Lock()
		table, ok := s.tables[store]
		if !ok {
			table = make(map[string]backend.Row)
			s.tables[store] = table
		}
		table[key] = row
		s.mu.Unlock()
		stores[store] = true
		unlock()
	}

	changed := make([]string, 0, len(stores))
	for store := range stores {
		changed = append(changed, store)
	}
	return changed
}

// splitRowPath maps <dir>/<store>/<key>.json back to (store, key).
func (s *Store) splitRowPath(path string) (store, key string, ok bool) {
	rel, err := filepath.Rel(s.dir, path)
	if err != nil {
		return "", "", false
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) != 2 {
		return "", "", false
	}
	return parts[0], keyFromFilename(parts[1]), true
}

func (s *Store) markSelfWrite(path string) {
	s.selfMu.Lock()
	defer s.selfMu.Unlock()

	s.selfWrites[path] = time.Now()

	// Opportunistic cleanup so the map does not grow unbounded.
	if len(s.selfWrites) > 1024 {
		cutoff := time.Now().Add(-selfWriteWindow)
		for p, t := range s.selfWrites {
			if t.Before(cutoff) {
				delete(s.selfWrites, p)
			}
		}
	}
}

func (s *Store) isSelfWrite(path string) bool {
	s.selfMu.Lock()
	defer s.selfMu.Unlock()
	t, ok := s.selfWrites[path]
	return ok && time.Since(t) < selfWriteWindow
}
