package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ErrNoPolicy is returned when a store has no spec loaded.
var ErrNoPolicy = errors.New("no policy loaded")

// Store holds the active policy. Runs take a snapshot with Current and keep
// using it even if a reload swaps in a newer spec.
type Store struct {
	current atomic.Pointer[Spec]
	path    string
}

// NewStore loads the policy at path.
func NewStore(path string) (*Store, error) {
	spec, err := Load(path)
	if err != nil {
		return nil, err
	}
	s := &Store{path: path}
	s.current.Store(spec)
	return s, nil
}

// NewStaticStore wraps an already compiled spec.
func NewStaticStore(spec *Spec) *Store {
	s := &Store{path: spec.Source()}
	s.current.Store(spec)
	return s
}

// Current returns the active spec snapshot.
func (s *Store) Current() (*Spec, error) {
	spec := s.current.Load()
	if spec == nil {
		return nil, ErrNoPolicy
	}
	return spec, nil
}

// Path returns the watched policy file.
func (s *Store) Path() string { return s.path }

// Reload re-reads the policy file. On failure the active spec is kept.
func (s *Store) Reload() (*Spec, error) {
	if s.path == "" {
		return nil, fmt.Errorf("store has no policy path")
	}
	spec, err := Load(s.path)
	if err != nil {
		return nil, err
	}
	s.current.Store(spec)
	return spec, nil
}

// debounceDefault absorbs the burst of events editors emit on save.
const debounceDefault = 250 * time.Millisecond

// Watcher reloads a Store whenever its policy file changes.
type Watcher struct {
	store    *Store
	logger   *slog.Logger
	debounce time.Duration
	onReload func(*Spec, error)
}

// NewWatcher creates a watcher for the store's policy file.
// onReload, if set, is called after every reload attempt.
func NewWatcher(store *Store, logger *slog.Logger, onReload func(*Spec, error)) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		store:    store,
		logger:   logger,
		debounce: debounceDefault,
		onReload: onReload,
	}
}

// Run watches the policy directory. Blocks until ctx is cancelled.
// The directory is watched rather than the file so atomic renames are seen.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create policy watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	target := filepath.Clean(w.store.Path())
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("failed to watch policy directory: %w", err)
	}

	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-timer.C:
			w.reload()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(w.debounce)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("policy watcher error", "error", err)
		}
	}
}

func (w *Watcher) reload() {
	spec, err := w.store.Reload()
	if err != nil {
		w.logger.Error("policy reload rejected, keeping previous version",
			"path", w.store.Path(),
			"error", err,
		)
	} else {
		w.logger.Info("policy reloaded",
			"path", w.store.Path(),
			"version", spec.Version(),
			"hash", spec.Hash(),
			"rules", len(spec.Blocks()),
		)
	}
	if w.onReload != nil {
		w.onReload(spec, err)
	}
}
