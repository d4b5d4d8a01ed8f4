// Package image defines the descriptor for a verified package image and
// the verifier that produces it from an on-disk image file.
package image

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// ErrVerificationFailed is returned when an image's manifest or checksum
// does not check out. It is never retried; callers surface it directly.
var ErrVerificationFailed = errors.New("package image verification failed")

// ImageSuffix is the filename suffix of package image files.
const ImageSuffix = ".img"

// PackageImage is an immutable descriptor of one verified package file.
// Identity is (Name, Version).
type PackageImage struct {
	Name           string `json:"name"`
	Version        int64  `json:"version"`
	Path           string `json:"path"`
	RequiresVerity bool   `json:"requires_verity"`

	// Verity parameters, only meaningful when RequiresVerity is set.
	RootHash  string `json:"root_hash,omitempty"`
	ImageSize int64  `json:"image_size,omitempty"`
}

// ID returns the version-qualified package identifier, e.g. "com.foo@3".
func (p *PackageImage) ID() string {
	return fmt.Sprintf("%s@%d", p.Name, p.Version)
}

// Verifier checks a package image file and parses its manifest.
type Verifier interface {
	Verify(path string) (*PackageImage, error)
}

// manifest is the sidecar document distributed next to each image file.
type manifest struct {
	Name           string `json:"name"`
	Version        int64  `json:"version"`
	SHA256         string `json:"sha256"`
	RequiresVerity bool   `json:"requires_verity"`
	RootHash       string `json:"root_hash,omitempty"`
	ImageSize      int64  `json:"image_size,omitempty"`
}

// ManifestVerifier verifies images against their sidecar manifest
// ("<image>.json"): it checks the image checksum and returns the parsed
// descriptor. Signature validation happens upstream of this daemon; by the
// time an image reaches a staging directory its manifest is trusted input.
type ManifestVerifier struct{}

// Verify opens the image at path, validates it against its manifest and
// returns the descriptor. Any mismatch returns ErrVerificationFailed.
func (ManifestVerifier) Verify(path string) (*PackageImage, error) {
	data, err := os.ReadFile(manifestPath(path))
	if err != nil {
		return nil, fmt.Errorf("%w: read manifest for %s: %v", ErrVerificationFailed, path, err)
	}

	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: parse manifest for %s: %v", ErrVerificationFailed, path, err)
	}
	if m.Name == "" || m.Version <= 0 {
		return nil, fmt.Errorf("%w: manifest for %s missing name or version", ErrVerificationFailed, path)
	}
	if m.RequiresVerity && m.RootHash == "" {
		return nil, fmt.Errorf("%w: manifest for %s requires verity but has no root hash", ErrVerificationFailed, path)
	}

	sum, err := fileSHA256(path)
	if err != nil {
		return nil, fmt.Errorf("%w: checksum %s: %v", ErrVerificationFailed, path, err)
	}
	if !strings.EqualFold(sum, m.SHA256) {
		return nil, fmt.Errorf("%w: checksum mismatch for %s", ErrVerificationFailed, path)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve path %s: %w", path, err)
	}

	return &PackageImage{
		Name:           m.Name,
		Version:        m.Version,
		Path:           abs,
		RequiresVerity: m.RequiresVerity,
		RootHash:       m.RootHash,
		ImageSize:      m.ImageSize,
	}, nil
}

// manifestPath returns the sidecar manifest path for an image file.
func manifestPath(imagePath string) string {
	return strings.TrimSuffix(imagePath, ImageSuffix) + ".json"
}

func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// FindImages returns the image files directly under dir, sorted by name.
// A missing directory is not an error; it returns an empty list.
func FindImages(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read image directory %s: %w", dir, err)
	}

	var paths []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ImageSuffix) {
			continue
		}
		paths = append(paths, filepath.Join(dir, entry.Name()))
	}
	sort.Strings(paths)
	return paths, nil
}

// ParseID splits a version-qualified identifier ("name@version") into its
// parts. ok is false when the identifier has no version or the version is
// not a non-negative integer; such identifiers never name an instance.
func ParseID(id string) (name string, version int64, ok bool) {
	at := strings.LastIndexByte(id, '@')
	if at < 0 {
		return id, 0, false
	}
	name = id[:at]
	v, err := strconv.ParseInt(id[at+1:], 10, 64)
	if err != nil || v < 0 {
		return name, -1, false
	}
	return name, v, true
}
