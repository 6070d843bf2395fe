package permission

import (
	"context"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/agentdeck/agentdeck/internal/logging"
	"github.com/agentdeck/agentdeck/internal/storage"
	"github.com/agentdeck/agentdeck/pkg/types"
)

// GlobalAllowlist is the one process-wide set of permission patterns,
// shared by every session's gate. Reads vastly outnumber writes, so it
// hands out copy-on-write snapshots under an RWMutex.
type GlobalAllowlist struct {
	store *storage.Store

	mu       sync.RWMutex
	patterns []string

	// onChange is invoked after every mutation with the new snapshot.
	onChange func([]string)
}

// LoadGlobalAllowlist reads the persisted global settings and returns the
// shared allow-list. A missing settings record starts empty.
func LoadGlobalAllowlist(ctx context.Context, store *storage.Store) (*GlobalAllowlist, error) {
	settings, err := store.GetGlobalSettings(ctx)
	if err != nil {
		return nil, err
	}
	return &GlobalAllowlist{store: store, patterns: settings.AllowedTools}, nil
}

// OnChange registers a callback invoked with the new pattern snapshot after
// every mutation. Used by the orchestrator to echo global updates to
// connected clients.
func (g *GlobalAllowlist) OnChange(fn func([]string)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onChange = fn
}

// Patterns returns a snapshot of the current patterns.
func (g *GlobalAllowlist) Patterns() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.patterns
}

// Add appends a pattern and persists immediately. A persistence failure is
// logged and does not roll back the in-memory addition.
func (g *GlobalAllowlist) Add(pattern string) {
	g.mu.Lock()
	for _, p := range g.patterns {
		if p == pattern {
			g.mu.Unlock()
			return
		}
	}
	updated := append(append([]string(nil), g.patterns...), pattern)
	g.patterns = updated
	fn := g.onChange
	g.mu.Unlock()

	g.persist(updated)
	if fn != nil {
		fn(updated)
	}
}

// Replace swaps the whole list and persists it.
func (g *GlobalAllowlist) Replace(patterns []string) {
	updated := append([]string(nil), patterns...)

	g.mu.Lock()
	g.patterns = updated
	fn := g.onChange
	g.mu.Unlock()

	g.persist(updated)
	if fn != nil {
		fn(updated)
	}
}

func (g *GlobalAllowlist) persist(patterns []string) {
	ctx := context.Background()
	settings, err := g.store.GetGlobalSettings(ctx)
	if err != nil {
		logging.Error().Err(err).Msg("load global settings for allowlist write")
		settings = &types.GlobalSettings{}
	}
	settings.AllowedTools = patterns
	if err := g.store.SetGlobalSettings(ctx, settings); err != nil {
		logging.Error().Err(err).Msg("persist global allowlist")
	}
}

// Watch reloads the list when the settings file is edited out-of-band, so a
// hand-edited allow-list is visible to every session without a restart.
// Blocks until ctx is cancelled.
func (g *GlobalAllowlist) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// Watch the directory: editors and the store's atomic rename both
	// replace the file, which drops a watch registered on the file itself.
	if err := watcher.Add(filepath.Dir(g.store.GlobalSettingsPath())); err != nil {
		return err
	}

	target := g.store.GlobalSettingsPath()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Name != target || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			settings, err := g.store.GetGlobalSettings(ctx)
			if err != nil {
				logging.Warn().Err(err).Msg("reload global settings")
				continue
			}
			g.mu.Lock()
			changed := !equalPatterns(g.patterns, settings.AllowedTools)
			if changed {
				g.patterns = settings.AllowedTools
			}
			fn := g.onChange
			g.mu.Unlock()

			if changed {
				logging.Info().Int("patterns", len(settings.AllowedTools)).Msg("global allowlist reloaded from disk")
				if fn != nil {
					fn(settings.AllowedTools)
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logging.Warn().Err(err).Msg("settings watcher error")
		}
	}
}

func equalPatterns(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
