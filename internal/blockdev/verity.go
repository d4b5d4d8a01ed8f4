package blockdev

import (
	"fmt"
	"os/exec"
	"strings"

	"github.com/blackwell-systems/pkgd/internal/image"
)

const verityBlockSize = 4096

// CreateVerity layers a dm-verity target over loopDev. The hash tree is
// appended to the image right after the data area, so the loop device
// doubles as the hash device with the tree starting one block past the
// data blocks.
func (p *LinuxProvider) CreateVerity(name, loopDev string, img *image.PackageImage) (string, error) {
	if img.RootHash == "" || img.ImageSize <= 0 {
		return "", fmt.Errorf("%w: image %s has no verity parameters", ErrDeviceOperation, img.ID())
	}

	dataBlocks := (img.ImageSize + verityBlockSize - 1) / verityBlockSize
	sectors := dataBlocks * verityBlockSize / 512
	table := fmt.Sprintf("0 %d verity 1 %s %s %d %d %d %d sha256 %s -",
		sectors, loopDev, loopDev,
		verityBlockSize, verityBlockSize,
		dataBlocks, dataBlocks+1,
		img.RootHash)

	out, err := exec.Command(p.Dmsetup, "create", name, "--readonly", "--table", table).CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("%w: dmsetup create %s: %v (output: %s)",
			ErrDeviceOperation, name, err, strings.TrimSpace(string(out)))
	}

	devPath := "/dev/mapper/" + name
	p.Log.Debug().Str("device", devPath).Str("loop", loopDev).Msg("verity device created")
	return devPath, nil
}

// RemoveVerity tears down a verity mapping. A mapping that no longer
// exists is treated as removed.
func (p *LinuxProvider) RemoveVerity(name string) error {
	out, err := exec.Command(p.Dmsetup, "remove", name).CombinedOutput()
	if err != nil {
		outStr := string(out)
		if strings.Contains(outStr, "not found") || strings.Contains(outStr, "No such") {
			return nil
		}
		return fmt.Errorf("%w: dmsetup remove %s: %v (output: %s)",
			ErrDeviceOperation, name, err, strings.TrimSpace(outStr))
	}

	p.Log.Debug().Str("name", name).Msg("verity device removed")
	return nil
}
