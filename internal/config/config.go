// Package config provides the daemon's YAML configuration.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DefaultPath is where the daemon looks for its configuration unless told
// otherwise.
const DefaultPath = "/etc/pkgd/pkgd.yaml"

// Config holds every tunable of the daemon. Zero values are filled in with
// the defaults below, so a partial file is fine.
type Config struct {
	// PackageRoot is the directory package instances are mounted under:
	// canonical paths at <root>/<name>, instances at <root>/<name>@<ver>.
	PackageRoot string `yaml:"package_root"`
	// StagingDir receives copies of submitted images until their session
	// reaches a terminal state.
	StagingDir string `yaml:"staging_dir"`
	// SessionsDB is the path of the session database.
	SessionsDB string `yaml:"sessions_db"`
	// SocketPath is the unix socket the control interface listens on.
	SocketPath string `yaml:"socket_path"`
	// ImageDirs are scanned at boot and watched for changed images.
	ImageDirs []string `yaml:"image_dirs"`
	// MountsPath is the live mount table read at startup.
	MountsPath string `yaml:"mounts_path"`
	// SysfsRoot and DevRoot locate block device metadata and nodes.
	SysfsRoot string `yaml:"sysfs_root"`
	DevRoot   string `yaml:"dev_root"`
	// CheckpointDir is the boot-checkpoint marker directory. Empty disables
	// checkpointing; staged sessions are then never auto-reverted.
	CheckpointDir string `yaml:"checkpoint_dir"`
	// PIDFile, when set, records the daemon's pid.
	PIDFile string `yaml:"pid_file"`

	LogLevel string `yaml:"log_level"`
	LogFile  string `yaml:"log_file"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		PackageRoot:   "/run/pkgd/packages",
		StagingDir:    "/var/lib/pkgd/staging",
		SessionsDB:    "/var/lib/pkgd/sessions.db",
		SocketPath:    "/run/pkgd/pkgd.sock",
		ImageDirs:     []string{"/var/lib/pkgd/images"},
		MountsPath:    "/proc/mounts",
		SysfsRoot:     "/sys/block",
		DevRoot:       "/dev/block",
		CheckpointDir: "/var/lib/pkgd/checkpoint",
		LogLevel:      "info",
	}
}

// Load reads the configuration at path. A missing file returns the
// defaults; a malformed file is an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.PackageRoot == "" {
		return fmt.Errorf("package_root must not be empty")
	}
	if c.StagingDir == "" {
		return fmt.Errorf("staging_dir must not be empty")
	}
	if c.SessionsDB == "" {
		return fmt.Errorf("sessions_db must not be empty")
	}
	if c.SocketPath == "" {
		return fmt.Errorf("socket_path must not be empty")
	}
	return nil
}
