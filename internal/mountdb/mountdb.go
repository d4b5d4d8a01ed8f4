// Package mountdb tracks every currently mounted package instance. The
// database is owned by the daemon, rebuilt from the live mount table at
// startup, and mutated afterwards only by the activation engine.
package mountdb

import (
	"fmt"
	"sync"
)

// Record is one mounted package instance.
type Record struct {
	// DevicePath is the block device the instance is mounted from.
	DevicePath string
	// BackingFile is the package image file behind the device.
	BackingFile string
	// MountPoint is the version-qualified path the instance is mounted at.
	MountPoint string
	// MapperName is the device-mapper name for verity mounts, empty for
	// plain loop mounts.
	MapperName string
}

type instance struct {
	rec    Record
	active bool
}

// DB is the in-memory registry of mounted package instances, keyed by
// package name. At most one instance per name is active at any time.
type DB struct {
	mu       sync.Mutex
	packages map[string][]*instance
}

// New returns an empty database.
func New() *DB {
	return &DB{packages: make(map[string][]*instance)}
}

// Add records a mounted instance for the package. When active is set, any
// previously active instance of the same package is demoted.
func (db *DB) Add(name string, active bool, rec Record) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if active {
		for _, inst := range db.packages[name] {
			inst.active = false
		}
	}
	db.packages[name] = append(db.packages[name], &instance{rec: rec, active: active})
}

// SetActive marks the instance with the given backing file as the active
// one for the package, demoting all others.
func (db *DB) SetActive(name, backingFile string) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	var found bool
	for _, inst := range db.packages[name] {
		if inst.rec.BackingFile == backingFile {
			inst.active = true
			found = true
		} else {
			inst.active = false
		}
	}
	if !found {
		return fmt.Errorf("no mounted instance of %s backed by %s", name, backingFile)
	}
	return nil
}

// ClearActive demotes every instance of the package. Used when the active
// instance is withdrawn and no replacement exists.
func (db *DB) ClearActive(name string) {
	db.mu.Lock()
	defer db.mu.Unlock()

	for _, inst := range db.packages[name] {
		inst.active = false
	}
}

// RecordsFor returns all mounted instances of the package.
func (db *DB) RecordsFor(name string) []Record {
	db.mu.Lock()
	defer db.mu.Unlock()

	var recs []Record
	for _, inst := range db.packages[name] {
		recs = append(recs, inst.rec)
	}
	return recs
}

// ActiveFor returns the active instance of the package, if any.
func (db *DB) ActiveFor(name string) (Record, bool) {
	db.mu.Lock()
	defer db.mu.Unlock()

	for _, inst := range db.packages[name] {
		if inst.active {
			return inst.rec, true
		}
	}
	return Record{}, false
}

// Remove deletes the instance mounted at the given mount point. Removing
// an unknown mount point is a no-op.
func (db *DB) Remove(mountPoint string) {
	db.mu.Lock()
	defer db.mu.Unlock()

	for name, instances := range db.packages {
		for i, inst := range instances {
			if inst.rec.MountPoint == mountPoint {
				db.packages[name] = append(instances[:i], instances[i+1:]...)
				if len(db.packages[name]) == 0 {
					delete(db.packages, name)
				}
				return
			}
		}
	}
}

// ForAll calls fn for every mounted instance. The callback must not call
// back into the database.
func (db *DB) ForAll(fn func(name string, rec Record, active bool)) {
	db.mu.Lock()
	defer db.mu.Unlock()

	for name, instances := range db.packages {
		for _, inst := range instances {
			fn(name, inst.rec, inst.active)
		}
	}
}

// Size returns the number of mounted instances across all packages.
func (db *DB) Size() int {
	db.mu.Lock()
	defer db.mu.Unlock()

	n := 0
	for _, instances := range db.packages {
		n += len(instances)
	}
	return n
}
