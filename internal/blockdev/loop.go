package blockdev

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// LinuxProvider creates loop devices through the loop-control ioctl
// interface and verity mappings through dmsetup.
type LinuxProvider struct {
	// LoopControl is the loop-control node, normally /dev/loop-control.
	LoopControl string
	// DevDir is the directory holding loop device nodes, normally /dev.
	DevDir string
	// Dmsetup is the dmsetup binary used for verity mappings.
	Dmsetup string

	Log zerolog.Logger
}

// NewLinuxProvider returns a provider over the live /dev tree.
func NewLinuxProvider(log zerolog.Logger) *LinuxProvider {
	return &LinuxProvider{
		LoopControl: "/dev/loop-control",
		DevDir:      "/dev",
		Dmsetup:     "dmsetup",
		Log:         log,
	}
}

// AttachLoop binds a free loop device read-only to the image file.
func (p *LinuxProvider) AttachLoop(path string) (string, error) {
	ctl, err := os.OpenFile(p.LoopControl, os.O_RDWR, 0)
	if err != nil {
		return "", fmt.Errorf("%w: open loop-control: %v", ErrDeviceOperation, err)
	}
	defer ctl.Close()

	n, err := unix.IoctlRetInt(int(ctl.Fd()), unix.LOOP_CTL_GET_FREE)
	if err != nil {
		return "", fmt.Errorf("%w: get free loop device: %v", ErrDeviceOperation, err)
	}
	devPath := fmt.Sprintf("%s/loop%d", p.DevDir, n)

	dev, err := os.OpenFile(devPath, os.O_RDWR, 0)
	if err != nil {
		return "", fmt.Errorf("%w: open %s: %v", ErrDeviceOperation, devPath, err)
	}
	defer dev.Close()

	backing, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("%w: open backing file %s: %v", ErrDeviceOperation, path, err)
	}
	defer backing.Close()

	if err := unix.IoctlSetInt(int(dev.Fd()), unix.LOOP_SET_FD, int(backing.Fd())); err != nil {
		return "", fmt.Errorf("%w: bind %s to %s: %v", ErrDeviceOperation, path, devPath, err)
	}

	var info unix.LoopInfo64
	info.Flags = unix.LO_FLAGS_READ_ONLY
	copy(info.File_name[:], path)
	if err := unix.IoctlLoopSetStatus64(int(dev.Fd()), &info); err != nil {
		// Undo the bind so the device does not leak.
		if clrErr := unix.IoctlSetInt(int(dev.Fd()), unix.LOOP_CLR_FD, 0); clrErr != nil {
			p.Log.Warn().Str("device", devPath).Err(clrErr).Msg("failed to release loop device after setup error")
		}
		return "", fmt.Errorf("%w: set loop status on %s: %v", ErrDeviceOperation, devPath, err)
	}

	p.Log.Debug().Str("device", devPath).Str("backing", path).Msg("loop device attached")
	return devPath, nil
}

// DetachLoop releases a loop device. A device that is already gone is
// treated as detached.
func (p *LinuxProvider) DetachLoop(devPath string) error {
	dev, err := os.OpenFile(devPath, os.O_RDWR, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("%w: open %s: %v", ErrDeviceOperation, devPath, err)
	}
	defer dev.Close()

	if err := unix.IoctlSetInt(int(dev.Fd()), unix.LOOP_CLR_FD, 0); err != nil {
		if err == unix.ENXIO {
			// No backing file bound; nothing to detach.
			return nil
		}
		return fmt.Errorf("%w: detach %s: %v", ErrDeviceOperation, devPath, err)
	}

	p.Log.Debug().Str("device", devPath).Msg("loop device detached")
	return nil
}
