package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.PackageRoot != "/run/pkgd/packages" {
		t.Errorf("PackageRoot = %s, want default", cfg.PackageRoot)
	}
	if cfg.MountsPath != "/proc/mounts" {
		t.Errorf("MountsPath = %s, want /proc/mounts", cfg.MountsPath)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pkgd.yaml")
	content := `
package_root: /custom/packages
image_dirs:
  - /custom/images
  - /more/images
log_level: debug
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.PackageRoot != "/custom/packages" {
		t.Errorf("PackageRoot = %s, want /custom/packages", cfg.PackageRoot)
	}
	if len(cfg.ImageDirs) != 2 || cfg.ImageDirs[0] != "/custom/images" {
		t.Errorf("ImageDirs = %v, want the configured list", cfg.ImageDirs)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %s, want debug", cfg.LogLevel)
	}
	// Untouched fields keep their defaults.
	if cfg.SocketPath != "/run/pkgd/pkgd.sock" {
		t.Errorf("SocketPath = %s, want default", cfg.SocketPath)
	}
}

func TestLoadMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pkgd.yaml")
	if err := os.WriteFile(path, []byte(":\n  - not yaml"), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Error("Load() should fail on malformed YAML")
	}
}

func TestLoadRejectsEmptyRequiredField(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pkgd.yaml")
	if err := os.WriteFile(path, []byte(`package_root: ""`), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Error("Load() should reject an empty package_root")
	}
}
