package app

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/blackwell-systems/pkgd/internal/output"
	"github.com/blackwell-systems/pkgd/internal/session"
)

var (
	submitSessionID int64
	submitPaths     []string
	submitChildren  []string
	submitRollback  int64
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a staged install session",
	Long: `Submit a session of candidate package images. Every image is verified
and copied into the staging directory; the session then waits for
mark-ready before it takes effect on the next boot.

A multi-package install uses child sessions, one per package, grouped
under a parent: the group activates all-or-nothing.`,
	Example: `  # Single package
  pkgd submit --session 12 --path /incoming/com.a@2.img

  # Atomic two-package group
  pkgd submit --session 12 --child 13=/incoming/com.a@2.img --child 14=/incoming/com.b@3.img`,
	RunE: runSubmit,
}

func init() {
	submitCmd.Flags().Int64Var(&submitSessionID, "session", 0, "session id (required)")
	submitCmd.Flags().StringArrayVar(&submitPaths, "path", nil, "image path to stage (repeatable)")
	submitCmd.Flags().StringArrayVar(&submitChildren, "child", nil, "child session as id=imagePath (repeatable)")
	submitCmd.Flags().Int64Var(&submitRollback, "rollback-of", 0, "mark this session as a rollback of the given session")
	submitCmd.MarkFlagRequired("session")
	RootCmd.AddCommand(submitCmd)
}

func runSubmit(cmd *cobra.Command, args []string) error {
	req := session.SubmitRequest{
		ID:    submitSessionID,
		Paths: submitPaths,
	}
	if submitRollback != 0 {
		req.IsRollback = true
		req.RollbackTarget = submitRollback
	}
	for _, spec := range submitChildren {
		id, path, ok := strings.Cut(spec, "=")
		if !ok {
			return fmt.Errorf("bad --child %q, want id=imagePath", spec)
		}
		childID, err := strconv.ParseInt(id, 10, 64)
		if err != nil {
			return fmt.Errorf("bad --child id %q: %w", id, err)
		}
		req.Children = append(req.Children, session.SubmitRequest{
			ID:    childID,
			Paths: []string{path},
		})
	}

	c, err := newClient()
	if err != nil {
		return err
	}
	info, err := c.Submit(req)
	if err != nil {
		return err
	}
	fmt.Printf("Session %d submitted (%s)\n", info.ID, info.State)
	return nil
}

var markReadyCmd = &cobra.Command{
	Use:   "mark-ready <session-id>",
	Short: "Flag a staged session for activation on the next boot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionOp(args[0], func(c sessionClient, id int64) error {
			return c.MarkReady(id)
		}, "marked ready")
	},
}

var markSuccessfulCmd = &cobra.Command{
	Use:   "mark-successful <session-id>",
	Short: "Confirm an activated session and clean up superseded packages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionOp(args[0], func(c sessionClient, id int64) error {
			return c.MarkSuccessful(id)
		}, "marked successful")
	},
}

var abortCmd = &cobra.Command{
	Use:   "abort <session-id>",
	Short: "Cancel a session, reversing any activation it performed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionOp(args[0], func(c sessionClient, id int64) error {
			return c.Abort(id)
		}, "aborted")
	},
}

var rollbackCmd = &cobra.Command{
	Use:   "rollback <session-id>",
	Short: "Revert an activated session to the prior package set",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionOp(args[0], func(c sessionClient, id int64) error {
			return c.Rollback(id)
		}, "reverted")
	},
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List staged sessions and their states",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		sessions, err := c.Sessions()
		if err != nil {
			return err
		}
		fmt.Print(output.RenderSessionTable(sessions))
		return nil
	},
}

func init() {
	RootCmd.AddCommand(markReadyCmd)
	RootCmd.AddCommand(markSuccessfulCmd)
	RootCmd.AddCommand(abortCmd)
	RootCmd.AddCommand(rollbackCmd)
	RootCmd.AddCommand(sessionsCmd)
}

// sessionClient is the part of the client session commands need.
type sessionClient interface {
	MarkReady(id int64) error
	MarkSuccessful(id int64) error
	Abort(id int64) error
	Rollback(id int64) error
}

func sessionOp(arg string, op func(sessionClient, int64) error, past string) error {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		return fmt.Errorf("bad session id %q: %w", arg, err)
	}
	c, err := newClient()
	if err != nil {
		return err
	}
	if err := op(c, id); err != nil {
		return err
	}
	fmt.Printf("Session %d %s\n", id, past)
	return nil
}
