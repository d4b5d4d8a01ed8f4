package mountdb

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/blackwell-systems/pkgd/internal/blockdev"
	"github.com/blackwell-systems/pkgd/internal/image"
)

// PopulateFromMounts rebuilds the database from the live mount table. It is
// run exactly once at daemon startup.
//
// Only entries mounted directly under packageRoot are considered. Entries
// at a canonical (version-less) path are skipped: they are bind mounts of
// an instance that is also visible at its version-qualified path. For each
// remaining entry the block device is resolved back to its image file, and
// the highest version seen per package is marked active — reconstructing
// "what was active" purely from filesystem state. Unresolvable mounts are
// logged and skipped, never fatal.
func (db *DB) PopulateFromMounts(mountsPath, packageRoot string, r *blockdev.Resolver, log zerolog.Logger) error {
	f, err := os.Open(mountsPath)
	if err != nil {
		return fmt.Errorf("open mount table %s: %w", mountsPath, err)
	}
	defer f.Close()

	activeVersions := make(map[string]int64)

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		source, mountPoint := fields[0], fields[1]

		if filepath.Dir(mountPoint) != packageRoot {
			continue
		}
		base := filepath.Base(mountPoint)
		name, version, versioned := image.ParseID(base)
		if !versioned {
			if strings.ContainsRune(base, '@') {
				log.Warn().Str("mount", mountPoint).Msg("skipping mount with malformed version")
				continue
			}
			// Canonical mount point: a bind mount of a recorded instance.
			continue
		}

		resolved, err := r.Resolve(filepath.Base(source))
		if err != nil {
			log.Warn().Str("mount", mountPoint).Err(err).Msg("skipping unresolvable mount")
			continue
		}

		db.Add(name, false, Record{
			DevicePath:  resolved.DevicePath,
			BackingFile: resolved.BackingFile,
			MountPoint:  mountPoint,
			MapperName:  resolved.MapperName,
		})

		best, seen := activeVersions[name]
		if !seen || version > best {
			activeVersions[name] = version
			if err := db.SetActive(name, resolved.BackingFile); err != nil {
				log.Warn().Str("package", name).Err(err).Msg("failed to mark active instance")
			}
		}
		log.Info().Str("mount", mountPoint).Msg("restored mounted package")
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read mount table %s: %w", mountsPath, err)
	}

	log.Info().Int("instances", db.Size()).Msg("package database populated from mounts")
	return nil
}
