package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// ChannelRegistry holds the set of channels the relay answers in, keyed by
// guild. The backing file is maintained by the admin tooling; the registry
// only reads it.
type ChannelRegistry struct {
	path string

	mu       sync.RWMutex
	channels map[string]map[uint64]struct{}
}

// NewChannelRegistry creates a registry for the JSON file at path and loads
// it. A missing file yields an empty registry; a malformed one is an error.
func NewChannelRegistry(path string) (*ChannelRegistry, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("repository: channel file path must not be empty")
	}
	r := &ChannelRegistry{path: path, channels: map[string]map[uint64]struct{}{}}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload re-reads the channel file. A missing file yields an empty registry;
// a malformed file leaves the current contents in place.
func (r *ChannelRegistry) Reload() error {
	data, err := os.ReadFile(r.path)
	if errors.Is(err, fs.ErrNotExist) {
		r.replace(map[string]map[uint64]struct{}{})
		return nil
	}
	if err != nil {
		return fmt.Errorf("repository: read channel file: %w", err)
	}

	var raw map[string][]uint64
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("repository: decode channel file: %w", err)
	}
	next := make(map[string]map[uint64]struct{}, len(raw))
	for guild, ids := range raw {
		set := make(map[uint64]struct{}, len(ids))
		for _, id := range ids {
			set[id] = struct{}{}
		}
		next[guild] = set
	}
	r.replace(next)
	return nil
}

func (r *ChannelRegistry) replace(next map[string]map[uint64]struct{}) {
	r.mu.Lock()
	r.channels = next
	r.mu.Unlock()
}

// IsAllowed reports whether the relay should answer in the channel.
func (r *ChannelRegistry) IsAllowed(guildID string, channelID uint64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.channels[guildID][channelID]
	return ok
}

// Channels returns the allowed channel IDs of a guild in ascending order.
func (r *ChannelRegistry) Channels(guildID string) []uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.channels[guildID]
	out := make([]uint64, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Watch reloads the registry whenever the channel file changes, until ctx is
// done. The parent directory is watched so editors that replace the file by
// rename are picked up.
func (r *ChannelRegistry) Watch(ctx context.Context, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("repository: create watcher: %w", err)
	}
	dir := filepath.Dir(r.path)
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return fmt.Errorf("repository: watch %s: %w", dir, err)
	}

	go func() {
		defer w.Close()
		target := filepath.Clean(r.path)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
					continue
				}
				if err := r.Reload(); err != nil {
					logger.Warn("channel registry reload failed", "path", r.path, "err", err)
					continue
				}
				logger.Info("channel registry reloaded", "path", r.path)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				logger.Warn("channel registry watcher error", "err", err)
			}
		}
	}()
	return nil
}
