package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/blackwell-systems/pkgd/internal/blockdev"
	"github.com/blackwell-systems/pkgd/internal/config"
	"github.com/blackwell-systems/pkgd/internal/engine"
	"github.com/blackwell-systems/pkgd/internal/image"
	"github.com/blackwell-systems/pkgd/internal/mountdb"
	"github.com/blackwell-systems/pkgd/internal/recovery"
	"github.com/blackwell-systems/pkgd/internal/server"
	"github.com/blackwell-systems/pkgd/internal/session"
	"github.com/blackwell-systems/pkgd/internal/watcher"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the package daemon",
	Long: `Run the daemon in the foreground. It rebuilds mount state from the
live mount table, reverts unconfirmed sessions, activates staged ones,
scans the image directories, then serves the control socket until
SIGINT or SIGTERM.

Requires privileges for loop devices, device-mapper and mounts.`,
	Args: cobra.NoArgs,
	RunE: runDaemon,
}

func init() {
	RootCmd.AddCommand(daemonCmd)
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if socketPath != "" {
		cfg.SocketPath = socketPath
	}

	log, closeLog, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer closeLog()

	if cfg.PIDFile != "" {
		if err := writePIDFile(cfg.PIDFile); err != nil {
			return err
		}
		defer os.Remove(cfg.PIDFile)
	}

	store, err := session.NewStore(cfg.SessionsDB)
	if err != nil {
		return fmt.Errorf("open session database: %w", err)
	}
	defer store.Close()

	resolver := &blockdev.Resolver{SysRoot: cfg.SysfsRoot, DevRoot: cfg.DevRoot}
	mounts := mountdb.New()
	if err := mounts.PopulateFromMounts(cfg.MountsPath, cfg.PackageRoot, resolver, log); err != nil {
		return fmt.Errorf("scan mount table: %w", err)
	}
	log.Info().Int("mounts", mounts.Size()).Msg("rebuilt mount state")

	provider := blockdev.NewLinuxProvider(log)
	eng := engine.New(mounts, provider, engine.LinuxMounter{}, cfg.PackageRoot, log)
	verifier := image.ManifestVerifier{}
	mgr := session.NewManager(store, verifier, eng, mounts, cfg.StagingDir, log)

	// Terminal groups feed no recovery decision; drop them before recovery
	// runs so this boot's reverts stay inspectable until the next boot.
	if err := mgr.PruneTerminal(); err != nil {
		log.Warn().Err(err).Msg("pruning terminal sessions")
	}

	var cp recovery.Checkpoint = recovery.NoopCheckpoint{}
	if cfg.CheckpointDir != "" {
		cp = &recovery.FileCheckpoint{Dir: cfg.CheckpointDir}
	}
	if err := recovery.New(cp, mgr, mounts, cfg.PackageRoot, log).Run(); err != nil {
		return fmt.Errorf("boot recovery: %w", err)
	}

	if err := mgr.ActivateStaged(); err != nil {
		log.Error().Err(err).Msg("activating staged sessions")
	}

	scanImageDirs(cfg.ImageDirs, verifier, eng, mounts, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w, err := watcher.New(cfg.ImageDirs, verifier, eng, mounts, log)
	if err != nil {
		return fmt.Errorf("create image watcher: %w", err)
	}
	if err := w.Start(ctx); err != nil {
		return fmt.Errorf("start image watcher: %w", err)
	}
	defer w.Stop()

	srv := server.New(cfg.SocketPath, mgr, eng, verifier, log)
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("control socket: %w", err)
		}
	}
	srv.Shutdown()
	return nil
}

// scanImageDirs activates any image on disk that is newer than the
// currently active instance of its package. Per-image failures are
// logged, never fatal: one bad image must not block boot.
func scanImageDirs(dirs []string, verifier image.Verifier, eng *engine.Engine, mounts *mountdb.DB, log zerolog.Logger) {
	for _, dir := range dirs {
		paths, err := image.FindImages(dir)
		if err != nil {
			log.Warn().Err(err).Str("dir", dir).Msg("scanning image directory")
			continue
		}
		for _, path := range paths {
			img, err := verifier.Verify(path)
			if err != nil {
				log.Warn().Err(err).Str("path", path).Msg("skipping image")
				continue
			}
			if v, ok := activeVersion(mounts, img.Name); ok && img.Version <= v {
				continue
			}
			if err := eng.Activate(img); err != nil {
				log.Error().Err(err).Str("image", img.ID()).Msg("activating image")
				continue
			}
			if err := eng.PublishActive(img.Name, eng.MountPoint(img.ID())); err != nil {
				log.Error().Err(err).Str("image", img.ID()).Msg("publishing image")
				continue
			}
			log.Info().Str("image", img.ID()).Msg("activated at boot")
		}
	}
}

func activeVersion(mounts *mountdb.DB, name string) (int64, bool) {
	rec, ok := mounts.ActiveFor(name)
	if !ok {
		return 0, false
	}
	_, version, ok := image.ParseID(filepath.Base(rec.MountPoint))
	if !ok {
		return 0, false
	}
	return version, true
}

// newLogger builds the daemon logger: console on stderr, optionally teed
// to the configured log file.
func newLogger(cfg *config.Config) (zerolog.Logger, func(), error) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		return zerolog.Nop(), nil, fmt.Errorf("bad log_level %q: %w", cfg.LogLevel, err)
	}

	console := zerolog.ConsoleWriter{Out: os.Stderr}
	var w io.Writer = console
	closeLog := func() {}

	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return zerolog.Nop(), nil, fmt.Errorf("open log file: %w", err)
		}
		w = zerolog.MultiLevelWriter(console, f)
		closeLog = func() { f.Close() }
	}

	log := zerolog.New(w).Level(level).With().Timestamp().Logger()
	return log, closeLog, nil
}

// writePIDFile records the daemon's pid, refusing to start if another
// live daemon already holds the file.
func writePIDFile(path string) error {
	if pid, running := readLivePID(path); running {
		return fmt.Errorf("daemon already running (pid %d, file %s)", pid, path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create pid file directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0644); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	return nil
}

// readLivePID reports whether the pid file names a running process. A
// stale file is removed.
func readLivePID(path string) (int, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return 0, false
	}
	if process.Signal(syscall.Signal(0)) != nil {
		os.Remove(path)
		return 0, false
	}
	return pid, true
}
