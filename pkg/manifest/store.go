package manifest

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"

	"github.com/jingkaihe/skillet/pkg/logger"
)

// DefaultReloadDebounce coalesces bursts of editor writes into one reload.
const DefaultReloadDebounce = 200 * time.Millisecond

// Store holds the current manifest snapshot. Readers call Current and keep
// the returned pointer for the duration of one request; reloads replace the
// snapshot wholesale and never mutate a published one.
type Store struct {
	path     string
	current  atomic.Pointer[Manifest]
	debounce time.Duration
	onReload func(*Manifest)
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithReloadDebounce sets the delay between the last change event and the
// reload.
func WithReloadDebounce(d time.Duration) StoreOption {
	return func(s *Store) {
		s.debounce = d
	}
}

// WithReloadHook registers a callback invoked after every successful reload.
func WithReloadHook(fn func(*Manifest)) StoreOption {
	return func(s *Store) {
		s.onReload = fn
	}
}

// NewStore loads the manifest at path and returns a Store holding it.
func NewStore(path string, opts ...StoreOption) (*Store, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to resolve manifest path %s", path)
	}
	s := &Store{path: abs, debounce: DefaultReloadDebounce}
	for _, opt := range opts {
		opt(s)
	}
	m, err := Load(abs)
	if err != nil {
		return nil, err
	}
	s.current.Store(m)
	return s, nil
}

// NewStaticStore wraps an already loaded manifest. Watch is a no-op for it.
func NewStaticStore(m *Manifest) *Store {
	s := &Store{}
	s.current.Store(m)
	return s
}

// Path returns the manifest file backing the store.
func (s *Store) Path() string {
	return s.path
}

// Current returns the active snapshot.
func (s *Store) Current() *Manifest {
	return s.current.Load()
}

// Reload re-reads the manifest. On failure the previous snapshot stays
// active and the error is returned.
func (s *Store) Reload() error {
	if s.path == "" {
		return nil
	}
	m, err := Load(s.path)
	if err != nil {
		return err
	}
	s.current.Store(m)
	if s.onReload != nil {
		s.onReload(m)
	}
	return nil
}

// Watch reloads the manifest whenever its file changes, until ctx is done.
// The containing directory is watched so that atomic renames by editors are
// picked up.
func (s *Store) Watch(ctx context.Context) error {
	if s.path == "" {
		<-ctx.Done()
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "failed to create manifest watcher")
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		return errors.Wrapf(err, "failed to watch %s", filepath.Dir(s.path))
	}

	log := logger.G(ctx).WithField("manifest", s.path)
	log.Debug("watching manifest for changes")

	reload := make(chan struct{}, 1)
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != s.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(s.debounce, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})
		case <-reload:
			if err := s.Reload(); err != nil {
				log.WithError(err).Warn("manifest reload failed, keeping previous snapshot")
				continue
			}
			log.Info("manifest reloaded")
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.WithError(err).Warn("manifest watcher error")
		case <-ctx.Done():
			return nil
		}
	}
}
