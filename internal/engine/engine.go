// Package engine turns verified package images into mounted, published
// package instances and tears them down again. It owns all mutations of the
// mount database after startup.
package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"github.com/blackwell-systems/pkgd/internal/blockdev"
	"github.com/blackwell-systems/pkgd/internal/image"
	"github.com/blackwell-systems/pkgd/internal/mountdb"
)

// Engine activates and deactivates package instances. Operations on the
// same package name are serialized; different packages proceed in parallel.
type Engine struct {
	db          *mountdb.DB
	devices     blockdev.Provider
	mounter     Mounter
	packageRoot string
	log         zerolog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New returns an engine rooted at packageRoot, the directory package
// instances are mounted under.
func New(db *mountdb.DB, devices blockdev.Provider, m Mounter, packageRoot string, log zerolog.Logger) *Engine {
	return &Engine{
		db:          db,
		devices:     devices,
		mounter:     m,
		packageRoot: packageRoot,
		log:         log,
		locks:       make(map[string]*sync.Mutex),
	}
}

func (e *Engine) nameLock(name string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[name]
	if !ok {
		l = &sync.Mutex{}
		e.locks[name] = l
	}
	return l
}

// MountPoint returns the version-qualified mount point for a package
// identifier.
func (e *Engine) MountPoint(id string) string {
	return filepath.Join(e.packageRoot, id)
}

// CanonicalPath returns the stable, version-less path of a package.
func (e *Engine) CanonicalPath(name string) string {
	return filepath.Join(e.packageRoot, name)
}

// Activate mounts the image at its version-qualified mount point and
// records the instance as mounted but not active. Activating an image that
// is already mounted at that mount point is a no-op. On any failure every
// intermediate device is torn down before the error is returned.
func (e *Engine) Activate(img *image.PackageImage) error {
	l := e.nameLock(img.Name)
	l.Lock()
	defer l.Unlock()

	mountPoint := e.MountPoint(img.ID())
	for _, rec := range e.db.RecordsFor(img.Name) {
		if rec.MountPoint == mountPoint {
			e.log.Debug().Str("mount", mountPoint).Msg("instance already mounted")
			return nil
		}
	}

	loopDev, err := e.devices.AttachLoop(img.Path)
	if err != nil {
		return fmt.Errorf("activate %s: %w", img.ID(), err)
	}

	mountDev := loopDev
	mapperName := ""
	if img.RequiresVerity {
		mapperName = img.ID()
		mountDev, err = e.devices.CreateVerity(mapperName, loopDev, img)
		if err != nil {
			e.detachQuiet(loopDev)
			return fmt.Errorf("activate %s: %w", img.ID(), err)
		}
	}

	if err := os.MkdirAll(mountPoint, 0755); err != nil {
		e.teardownQuiet(mapperName, loopDev)
		return fmt.Errorf("activate %s: %w", img.ID(), err)
	}
	if err := e.mounter.Mount(mountDev, mountPoint); err != nil {
		e.teardownQuiet(mapperName, loopDev)
		return fmt.Errorf("activate %s: %w", img.ID(), err)
	}

	e.db.Add(img.Name, false, mountdb.Record{
		DevicePath:  loopDev,
		BackingFile: img.Path,
		MountPoint:  mountPoint,
		MapperName:  mapperName,
	})
	e.log.Info().Str("mount", mountPoint).Str("device", mountDev).Msg("activated package instance")
	return nil
}

// PublishActive bind-mounts the instance at mountPoint onto the package's
// canonical path and flags it as the single active instance. The bind mount
// is placed over any previous one, so consumers of the canonical path never
// observe an unmounted window.
func (e *Engine) PublishActive(name, mountPoint string) error {
	l := e.nameLock(name)
	l.Lock()
	defer l.Unlock()

	var rec *mountdb.Record
	for _, r := range e.db.RecordsFor(name) {
		if r.MountPoint == mountPoint {
			r := r
			rec = &r
			break
		}
	}
	if rec == nil {
		return fmt.Errorf("publish %s: no mounted instance at %s", name, mountPoint)
	}

	canonical := e.CanonicalPath(name)
	if err := os.MkdirAll(canonical, 0755); err != nil {
		return fmt.Errorf("publish %s: %w", name, err)
	}
	if err := e.mounter.BindMount(mountPoint, canonical); err != nil {
		return fmt.Errorf("publish %s: %w", name, err)
	}
	if err := e.db.SetActive(name, rec.BackingFile); err != nil {
		return fmt.Errorf("publish %s: %w", name, err)
	}
	e.log.Info().Str("package", name).Str("mount", mountPoint).Msg("published active instance")
	return nil
}

// RetractActive removes the canonical bind mount of a package and clears
// its active flag. Used when the active instance is withdrawn and no prior
// instance remains to take its place.
func (e *Engine) RetractActive(name string) error {
	l := e.nameLock(name)
	l.Lock()
	defer l.Unlock()

	if err := e.mounter.Unmount(e.CanonicalPath(name)); err != nil {
		return fmt.Errorf("retract %s: %w", name, err)
	}
	e.db.ClearActive(name)
	e.log.Info().Str("package", name).Msg("retracted canonical mount")
	return nil
}

// Deactivate unmounts the instance at mountPoint and releases its devices.
// The order is fixed: filesystem unmount, then the verity mapping, then the
// loop device, then the database record. A busy mount aborts the teardown
// with ErrBusyResource and leaves the instance fully intact.
func (e *Engine) Deactivate(mountPoint string) error {
	name, _, _ := image.ParseID(filepath.Base(mountPoint))
	l := e.nameLock(name)
	l.Lock()
	defer l.Unlock()

	var rec *mountdb.Record
	for _, r := range e.db.RecordsFor(name) {
		if r.MountPoint == mountPoint {
			r := r
			rec = &r
			break
		}
	}
	if rec == nil {
		return fmt.Errorf("deactivate: no mounted instance at %s", mountPoint)
	}

	if err := e.mounter.Unmount(mountPoint); err != nil {
		return fmt.Errorf("deactivate %s: %w", mountPoint, err)
	}
	if rec.MapperName != "" {
		if err := e.devices.RemoveVerity(rec.MapperName); err != nil {
			return fmt.Errorf("deactivate %s: %w", mountPoint, err)
		}
	}
	if err := e.devices.DetachLoop(rec.DevicePath); err != nil {
		return fmt.Errorf("deactivate %s: %w", mountPoint, err)
	}

	e.db.Remove(mountPoint)
	if err := os.Remove(mountPoint); err != nil && !os.IsNotExist(err) {
		e.log.Debug().Str("mount", mountPoint).Err(err).Msg("mount point directory not removed")
	}
	e.log.Info().Str("mount", mountPoint).Msg("deactivated package instance")
	return nil
}

// ActivePackages returns the identifier of every currently active instance.
func (e *Engine) ActivePackages() []string {
	var ids []string
	e.db.ForAll(func(name string, rec mountdb.Record, active bool) {
		if active {
			ids = append(ids, filepath.Base(rec.MountPoint))
		}
	})
	return ids
}

func (e *Engine) detachQuiet(loopDev string) {
	if err := e.devices.DetachLoop(loopDev); err != nil {
		e.log.Warn().Str("device", loopDev).Err(err).Msg("loop device not released during cleanup")
	}
}

func (e *Engine) teardownQuiet(mapperName, loopDev string) {
	if mapperName != "" {
		if err := e.devices.RemoveVerity(mapperName); err != nil {
			e.log.Warn().Str("mapper", mapperName).Err(err).Msg("verity mapping not removed during cleanup")
		}
	}
	e.detachQuiet(loopDev)
}
