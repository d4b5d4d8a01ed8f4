package app

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/blackwell-systems/pkgd/internal/output"
)

var packagesCmd = &cobra.Command{
	Use:   "packages",
	Short: "List active package instances",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ids, err := c.ActivePackages()
		if err != nil {
			return err
		}
		fmt.Print(output.RenderPackageTable(ids))
		return nil
	},
}

var activateCmd = &cobra.Command{
	Use:   "activate <image-path>",
	Short: "Verify, mount and publish a package image immediately",
	Long: `Activate a single image without a session: the image is verified,
mounted at its versioned mount point, and its canonical path is
switched to the new instance. No reboot is involved.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		mountPoint, err := c.Activate(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Activated at %s\n", mountPoint)
		return nil
	},
}

var deactivateCmd = &cobra.Command{
	Use:   "deactivate <mount-point>",
	Short: "Unmount a package instance and release its devices",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		if err := c.Deactivate(args[0]); err != nil {
			return err
		}
		fmt.Printf("Deactivated %s\n", args[0])
		return nil
	},
}

func init() {
	RootCmd.AddCommand(packagesCmd)
	RootCmd.AddCommand(activateCmd)
	RootCmd.AddCommand(deactivateCmd)
}
