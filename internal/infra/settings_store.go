package infra

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/eliteGoblin/focusd/crash_mon/internal/domain"
)

// writeOnceKeys may go false -> true but never back.
var writeOnceKeys = map[string]bool{
	domain.SettingLegacyMigrated: true,
}

// FileSettingsStore implements domain.SettingsStore as a YAML file.
// Commits are atomic (temp file + rename) and serialized across processes
// with a flock. Changes made by other processes are picked up by Watch.
type FileSettingsStore struct {
	path   string
	logger *zap.Logger

	mu     sync.Mutex
	values map[string]any
	subs   map[uint64]func(key string)
	nextID uint64
}

// OpenSettingsStore loads the settings file at path. A missing file is an
// empty store. An unreadable or unparseable file is logged and opened empty
// so every setting falls back to its default; Set keeps failing until the
// file is repaired.
func OpenSettingsStore(path string, logger *zap.Logger) (*FileSettingsStore, error) {
	s := &FileSettingsStore{
		path:   path,
		logger: logger,
		subs:   make(map[uint64]func(string)),
	}
	values, err := s.readFile()
	if err != nil {
		logger.Warn("settings file unusable, using defaults",
			zap.String("path", path),
			zap.Error(err))
		values = make(map[string]any)
	}
	s.values = values
	return s, nil
}

// Path returns the settings file path.
func (s *FileSettingsStore) Path() string {
	return s.path
}

// GetBool returns a boolean setting.
func (s *FileSettingsStore) GetBool(key string, def bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.values[key]
	if !ok {
		return def, nil
	}
	b, ok := v.(bool)
	if !ok {
		return def, fmt.Errorf("%w: %s is %T", domain.ErrTypeMismatch, key, v)
	}
	return b, nil
}

// GetString returns a string setting.
func (s *FileSettingsStore) GetString(key string, def string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.values[key]
	if !ok {
		return def, nil
	}
	str, ok := v.(string)
	if !ok {
		return def, fmt.Errorf("%w: %s is %T", domain.ErrTypeMismatch, key, v)
	}
	return str, nil
}

// All returns a copy of every stored setting.
func (s *FileSettingsStore) All() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]any, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// Set commits key=value and then notifies subscribers in the calling goroutine.
// Only bool and string values are accepted.
func (s *FileSettingsStore) Set(key string, value any) error {
	switch value.(type) {
	case bool, string:
	default:
		return fmt.Errorf("%w: %s cannot hold %T", domain.ErrTypeMismatch, key, value)
	}

	s.mu.Lock()
	var changed bool
	err := withFileLock(s.path+".lock", func() error {
		// Re-read under the lock so another process's commit is not lost.
		current, err := s.readFile()
		if err != nil {
			return err
		}
		if writeOnceKeys[key] && sameValue(current[key], true) && value != true {
			return fmt.Errorf("%w: %s", domain.ErrWriteOnce, key)
		}

		old, existed := current[key]
		changed = !existed || !sameValue(old, value)
		current[key] = value

		if err := s.writeFile(current); err != nil {
			return err
		}
		s.values = current
		return nil
	})
	s.mu.Unlock()

	if err != nil {
		return err
	}
	if changed {
		s.notify([]string{key})
	}
	return nil
}

// Subscribe registers fn for every key change. Keep the returned handle for
// as long as notifications are wanted; Close unregisters.
func (s *FileSettingsStore) Subscribe(fn func(key string)) domain.Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	id := s.nextID
	s.subs[id] = fn
	return &settingsSubscription{store: s, id: id}
}

// Reload re-reads the file and notifies subscribers of keys that differ.
func (s *FileSettingsStore) Reload() error {
	values, err := s.readFile()
	if err != nil {
		return err
	}

	s.mu.Lock()
	changed := diffKeys(s.values, values)
	s.values = values
	s.mu.Unlock()

	if len(changed) > 0 {
		s.notify(changed)
	}
	return nil
}

// Watch reloads the store whenever another process rewrites the file.
// The directory is watched because atomic commits replace the inode.
// Blocks until ctx is cancelled.
func (s *FileSettingsStore) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	if err := watcher.Add(dir); err != nil {
		return err
	}

	s.logger.Debug("watching settings file", zap.String("path", s.path))

	// Catch commits made between open and the watch starting.
	if err := s.Reload(); err != nil {
		s.logger.Warn("settings reload failed, keeping previous values", zap.Error(err))
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(s.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if err := s.Reload(); err != nil {
				s.logger.Warn("settings reload failed, keeping previous values", zap.Error(err))
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("settings watcher error", zap.Error(err))
		}
	}
}

func (s *FileSettingsStore) notify(keys []string) {
	s.mu.Lock()
	fns := make([]func(string), 0, len(s.subs))
	ids := make([]uint64, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		fns = append(fns, s.subs[id])
	}
	s.mu.Unlock()

	for _, key := range keys {
		for _, fn := range fns {
			fn(key)
		}
	}
}

func (s *FileSettingsStore) readFile() (map[string]any, error) {
	values := make(map[string]any)
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return values, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read settings: %w", err)
	}
	if err := yaml.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("failed to parse settings: %w", err)
	}
	if values == nil {
		values = make(map[string]any)
	}
	return values, nil
}

func (s *FileSettingsStore) writeFile(values map[string]any) error {
	data, err := yaml.Marshal(values)
	if err != nil {
		return err
	}
	if err := atomicWriteFile(s.path, data, 0600); err != nil {
		return fmt.Errorf("failed to write settings: %w", err)
	}
	return nil
}

// diffKeys returns keys added, removed or changed between a and b, sorted.
func diffKeys(a, b map[string]any) []string {
	var keys []string
	for k, v := range b {
		if old, ok := a[k]; !ok || !sameValue(old, v) {
			keys = append(keys, k)
		}
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// sameValue compares decoded YAML values, which may be lists or maps.
func sameValue(a, b any) bool {
	return reflect.DeepEqual(a, b)
}

type settingsSubscription struct {
	store *FileSettingsStore
	id    uint64
	once  sync.Once
}

func (sub *settingsSubscription) Close() {
	sub.once.Do(func() {
		sub.store.mu.Lock()
		delete(sub.store.subs, sub.id)
		sub.store.mu.Unlock()
	})
}

// Ensure FileSettingsStore implements domain.SettingsStore.
var _ domain.SettingsStore = (*FileSettingsStore)(nil)
