// Package blockdev classifies kernel block devices and maps them back to
// the package image files backing them. Resolution is a pure metadata walk
// over a sysfs-like tree; device creation and teardown live in the
// Provider, so the read direction stays unit-testable without real devices.
package blockdev

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrUnresolvableDevice is returned when a block device cannot be mapped
// back to a backing image file: unknown device type, unreadable metadata,
// or a mapped device with no loop device underneath.
var ErrUnresolvableDevice = errors.New("unresolvable block device")

// DeviceType classifies a block device by its kernel name.
type DeviceType int

const (
	// TypeUnknown is any device that is neither a loop nor a mapped device.
	TypeUnknown DeviceType = iota
	// TypeLoop is a loop device (loopN) bound directly to an image file.
	TypeLoop
	// TypeMapped is a device-mapper device (dm-N) layered over a loop device.
	TypeMapped
)

// ResolvedMount describes where a mounted block device came from.
type ResolvedMount struct {
	// DevicePath is the loop device node backing the mount.
	DevicePath string
	// BackingFile is the package image file bound to the loop device.
	BackingFile string
	// MapperName is the device-mapper name for verity-protected mounts,
	// empty for plain loop mounts.
	MapperName string
}

// Resolver walks block-device metadata. SysRoot and DevRoot default to
// /sys/block and /dev/block; tests point them at synthetic trees.
type Resolver struct {
	SysRoot string
	DevRoot string
}

// NewResolver returns a resolver over the live kernel trees.
func NewResolver() *Resolver {
	return &Resolver{SysRoot: "/sys/block", DevRoot: "/dev/block"}
}

// Classify determines the device type from the kernel device name.
func Classify(name string) DeviceType {
	switch {
	case strings.HasPrefix(name, "loop"):
		return TypeLoop
	case strings.HasPrefix(name, "dm-"):
		return TypeMapped
	default:
		return TypeUnknown
	}
}

// Resolve maps the named block device back to its backing image file.
//
// A loop device carries its backing file in loop/backing_file. A mapped
// device exposes its logical name in dm/name and its underlying devices
// under slaves/; exactly one of those must be a loop device (a single
// verity layer over a single loop device), whose backing file is the
// answer.
func (r *Resolver) Resolve(name string) (*ResolvedMount, error) {
	switch Classify(name) {
	case TypeLoop:
		backing, err := r.readAttr(name, "loop/backing_file")
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrUnresolvableDevice, name, err)
		}
		return &ResolvedMount{
			DevicePath:  filepath.Join(r.DevRoot, name),
			BackingFile: backing,
		}, nil

	case TypeMapped:
		mapperName, err := r.readAttr(name, "dm/name")
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrUnresolvableDevice, name, err)
		}
		slave, err := r.loopSlave(name)
		if err != nil {
			return nil, err
		}
		backing, err := r.readAttr(slave, "loop/backing_file")
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrUnresolvableDevice, slave, err)
		}
		return &ResolvedMount{
			DevicePath:  filepath.Join(r.DevRoot, slave),
			BackingFile: backing,
			MapperName:  mapperName,
		}, nil

	default:
		return nil, fmt.Errorf("%w: unknown device type %q", ErrUnresolvableDevice, name)
	}
}

// loopSlave returns the loop device underneath a mapped device.
func (r *Resolver) loopSlave(name string) (string, error) {
	entries, err := os.ReadDir(filepath.Join(r.SysRoot, name, "slaves"))
	if err != nil {
		return "", fmt.Errorf("%w: %s: read slaves: %v", ErrUnresolvableDevice, name, err)
	}
	for _, entry := range entries {
		if Classify(entry.Name()) == TypeLoop {
			return entry.Name(), nil
		}
	}
	return "", fmt.Errorf("%w: mapped device %s has no loop device underneath", ErrUnresolvableDevice, name)
}

// readAttr reads and trims a per-device sysfs attribute.
func (r *Resolver) readAttr(name, attr string) (string, error) {
	data, err := os.ReadFile(filepath.Join(r.SysRoot, name, attr))
	if err != nil {
		return "", err
	}
	value := strings.TrimSpace(string(data))
	if value == "" {
		return "", fmt.Errorf("empty attribute %s", attr)
	}
	return value, nil
}
