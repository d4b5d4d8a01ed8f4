// Package watcher monitors built-in image directories and remounts a
// package when its backing image file changes on disk.
package watcher

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/blackwell-systems/pkgd/internal/image"
	"github.com/blackwell-systems/pkgd/internal/mountdb"
)

// defaultDebounce coalesces the event bursts a single image copy produces.
const defaultDebounce = 500 * time.Millisecond

// Remounter is the slice of the activation engine the watcher drives.
// Satisfied by *engine.Engine.
type Remounter interface {
	Activate(img *image.PackageImage) error
	PublishActive(name, mountPoint string) error
	Deactivate(mountPoint string) error
	MountPoint(id string) string
}

// Watcher reactivates packages whose image files are rewritten in place.
// Per-event failures are logged, never fatal; the daemon keeps running.
type Watcher struct {
	dirs     []string
	verifier image.Verifier
	engine   Remounter
	mounts   *mountdb.DB
	watcher  *fsnotify.Watcher
	log      zerolog.Logger
	debounce time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// New creates a watcher over the given image directories.
func New(dirs []string, verifier image.Verifier, engine Remounter, mounts *mountdb.DB, log zerolog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	return &Watcher{
		dirs:     dirs,
		verifier: verifier,
		engine:   engine,
		mounts:   mounts,
		watcher:  fsw,
		log:      log,
		debounce: defaultDebounce,
		timers:   make(map[string]*time.Timer),
	}, nil
}

// Start begins watching. Missing directories are skipped with a warning.
func (w *Watcher) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)

	watched := 0
	for _, dir := range w.dirs {
		if err := w.watcher.Add(dir); err != nil {
			w.log.Warn().Str("dir", dir).Err(err).Msg("image directory not watched")
			continue
		}
		watched++
	}
	if watched == 0 && len(w.dirs) > 0 {
		return fmt.Errorf("no image directory could be watched")
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.watchLoop()
	}()
	w.log.Info().Int("dirs", watched).Msg("image watcher started")
	return nil
}

// Stop shuts the watcher down and waits for in-flight remounts.
func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.watcher.Close()
	w.wg.Wait()
}

func (w *Watcher) watchLoop() {
	for {
		select {
		case <-w.ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(event.Name, image.ImageSuffix) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.scheduleRemount(event.Name)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn().Err(err).Msg("watch error")
		}
	}
}

// scheduleRemount debounces per path: only the last event in a burst
// triggers a remount.
func (w *Watcher) scheduleRemount(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if timer, ok := w.timers[path]; ok {
		timer.Stop()
	}
	w.timers[path] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.timers, path)
		w.mu.Unlock()
		w.remount(path)
	})
}

// remount re-verifies a changed image and swaps the running instance for
// the new content: the stale instance backed by the same file is withdrawn,
// the new one activated and published.
func (w *Watcher) remount(path string) {
	img, err := w.verifier.Verify(path)
	if err != nil {
		w.log.Warn().Str("image", path).Err(err).Msg("changed image failed verification, not remounted")
		return
	}

	for _, rec := range w.mounts.RecordsFor(img.Name) {
		if rec.BackingFile != path {
			continue
		}
		if err := w.engine.Deactivate(rec.MountPoint); err != nil {
			w.log.Warn().Str("mount", rec.MountPoint).Err(err).Msg("stale instance not withdrawn, skipping remount")
			return
		}
	}

	if err := w.engine.Activate(img); err != nil {
		w.log.Error().Str("image", img.ID()).Err(err).Msg("changed image not activated")
		return
	}
	if err := w.engine.PublishActive(img.Name, w.engine.MountPoint(img.ID())); err != nil {
		w.log.Error().Str("image", img.ID()).Err(err).Msg("changed image not published")
		return
	}
	w.log.Info().Str("image", img.ID()).Str("path", path).Msg("remounted changed image")
}
