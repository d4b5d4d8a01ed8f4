package app

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/blackwell-systems/pkgd/internal/config"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check daemon health",
	Long: `Display the daemon's running status, session summary and active
package count. Works against a live daemon over the control socket;
falls back to the PID file when the socket is unreachable.`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

func init() {
	RootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	const label = "%-12s"

	if cfg.PIDFile != "" {
		if pid, running := readLivePID(cfg.PIDFile); running {
			fmt.Printf(label+"running (since %s, PID %d)\n", "Daemon:", daemonSince(cfg.PIDFile), pid)
		} else {
			fmt.Printf(label+"stopped  (run 'pkgd daemon')\n", "Daemon:")
		}
	}

	c, err := newClient()
	if err != nil {
		return err
	}
	sessions, err := c.Sessions()
	if err != nil {
		fmt.Printf(label+"unreachable (%v)\n", "Socket:", err)
		return nil
	}
	fmt.Printf(label+"%s\n", "Socket:", cfg.SocketPath)

	byState := map[string]int{}
	for _, s := range sessions {
		byState[s.State]++
	}
	fmt.Printf(label+"%d total", "Sessions:", len(sessions))
	for _, st := range []string{"VERIFIED", "STAGED", "READY", "ACTIVATED", "SUCCESS", "REVERTED", "ABORTED"} {
		if n := byState[st]; n > 0 {
			fmt.Printf(" · %d %s", n, st)
		}
	}
	fmt.Println()

	pkgs, err := c.ActivePackages()
	if err != nil {
		return err
	}
	fmt.Printf(label+"%d active\n", "Packages:", len(pkgs))
	return nil
}

// daemonSince returns a human-readable age of the PID file, a proxy for
// the daemon's start time.
func daemonSince(pidFile string) string {
	fi, err := os.Stat(pidFile)
	if err != nil {
		return "unknown"
	}
	d := time.Since(fi.ModTime())
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
