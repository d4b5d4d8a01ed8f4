package engine

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// ErrBusyResource is returned when a mount point or device is still in use
// and the operation may be retried once the resource is released.
var ErrBusyResource = errors.New("resource busy")

// Mounter performs the mount operations the engine needs. It exists so the
// engine can be tested without mount privileges.
type Mounter interface {
	// Mount mounts the block device read-only at target.
	Mount(dev, target string) error
	// BindMount makes the tree at src visible at target, replacing whatever
	// was previously bound there.
	BindMount(src, target string) error
	// Unmount removes the mount at target.
	Unmount(target string) error
}

// LinuxMounter mounts through the kernel. Package images are always mounted
// read-only with device files disabled.
type LinuxMounter struct{}

func (LinuxMounter) Mount(dev, target string) error {
	flags := uintptr(unix.MS_RDONLY | unix.MS_NOATIME | unix.MS_NODEV)
	if err := unix.Mount(dev, target, "ext4", flags, ""); err != nil {
		return fmt.Errorf("mount %s at %s: %w", dev, target, err)
	}
	return nil
}

func (LinuxMounter) BindMount(src, target string) error {
	if err := unix.Mount(src, target, "", unix.MS_BIND, ""); err != nil {
		return fmt.Errorf("bind %s at %s: %w", src, target, err)
	}
	return nil
}

func (LinuxMounter) Unmount(target string) error {
	if err := unix.Unmount(target, 0); err != nil {
		if errors.Is(err, unix.EBUSY) {
			return fmt.Errorf("%w: unmount %s", ErrBusyResource, target)
		}
		return fmt.Errorf("unmount %s: %w", target, err)
	}
	return nil
}
