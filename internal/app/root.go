// Package app implements the pkgd command line: the daemon itself plus the
// client subcommands that drive it over the control socket.
package app

import (
	"github.com/spf13/cobra"

	"github.com/blackwell-systems/pkgd/internal/client"
	"github.com/blackwell-systems/pkgd/internal/config"
)

var (
	configPath string
	socketPath string

	// RootCmd is the root command for pkgd.
	RootCmd = &cobra.Command{
		Use:   "pkgd",
		Short: "Package image state and activation daemon",
		Long: `pkgd manages atomically-updatable OS package images: verifying,
mounting, activating, staging and rolling back signed filesystem images
without a full device reboot for most operations.

The daemon owns all mount state. Every other subcommand is a thin client
talking to a running daemon over its control socket.

Examples:
  # Run the daemon (requires privileges for mounts and loop devices)
  pkgd daemon

  # Stage a two-package install for the next boot
  pkgd submit --session 12 --child 13=/incoming/com.a@2.img --child 14=/incoming/com.b@3.img
  pkgd mark-ready 12

  # After a confirmed boot
  pkgd mark-successful 12

  # Inspect state
  pkgd sessions
  pkgd packages`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func init() {
	RootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultPath, "configuration file")
	RootCmd.PersistentFlags().StringVar(&socketPath, "socket", "", "control socket (default: from config)")

	RootCmd.SuggestionsMinimumDistance = 2
}

// Execute runs the root command.
func Execute() error {
	return RootCmd.Execute()
}

// newClient builds a client for the daemon's control socket, preferring the
// --socket flag over the configured path.
func newClient() (*client.Client, error) {
	if socketPath != "" {
		return client.New(socketPath), nil
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return client.New(cfg.SocketPath), nil
}
