package blockdev

import (
	"errors"

	"github.com/blackwell-systems/pkgd/internal/image"
)

// ErrDeviceOperation is returned when creating or tearing down a loop or
// verity device fails. It is fatal to the enclosing activation.
var ErrDeviceOperation = errors.New("block device operation failed")

// Provider creates and destroys the block devices the activation engine
// mounts. It is the write-direction mirror of Resolver.
type Provider interface {
	// AttachLoop binds a read-only loop device to the image file and
	// returns the device node path.
	AttachLoop(path string) (string, error)
	// DetachLoop releases a loop device previously returned by AttachLoop.
	DetachLoop(devPath string) error
	// CreateVerity layers an integrity-verified device-mapper target over
	// loopDev using the image's verity parameters, under the given mapping
	// name, and returns the mapper device node path.
	CreateVerity(name, loopDev string, img *image.PackageImage) (string, error)
	// RemoveVerity tears down a verity mapping. Removing a mapping that no
	// longer exists is not an error.
	RemoveVerity(name string) error
}
