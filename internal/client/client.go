// Package client talks to a running daemon over its control socket. Used by
// the CLI subcommands.
package client

import (
	"fmt"
	"net"
	"time"

	"github.com/blackwell-systems/pkgd/internal/protocol"
	"github.com/blackwell-systems/pkgd/internal/session"
)

// Client issues one request per connection to the daemon's control socket.
type Client struct {
	socketPath string
	timeout    time.Duration
}

// New returns a client for the daemon listening at socketPath.
func New(socketPath string) *Client {
	return &Client{socketPath: socketPath, timeout: 30 * time.Second}
}

// Error is a failure reported by the daemon, carrying its wire kind.
type Error struct {
	Kind    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (c *Client) do(req *protocol.Request) (*protocol.Response, error) {
	conn, err := net.DialTimeout("unix", c.socketPath, c.timeout)
	if err != nil {
		return nil, fmt.Errorf("connect to daemon at %s: %w", c.socketPath, err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(c.timeout))

	if err := protocol.WriteRequest(conn, req); err != nil {
		return nil, err
	}
	resp, err := protocol.ReadResponse(conn)
	if err != nil {
		return nil, err
	}
	if !resp.OK {
		return nil, &Error{Kind: resp.ErrorKind, Message: resp.Error}
	}
	return resp, nil
}

// Submit submits a session group and returns its wire form.
func (c *Client) Submit(req session.SubmitRequest) (*protocol.SessionInfo, error) {
	resp, err := c.do(&protocol.Request{Op: protocol.OpSubmit, Submit: &req})
	if err != nil {
		return nil, err
	}
	if len(resp.Sessions) == 0 {
		return nil, fmt.Errorf("daemon returned no session for submit")
	}
	return &resp.Sessions[0], nil
}

// MarkReady flags a staged session for activation on the next boot.
func (c *Client) MarkReady(id int64) error {
	_, err := c.do(&protocol.Request{Op: protocol.OpMarkReady, SessionID: id})
	return err
}

// MarkSuccessful confirms an activated session.
func (c *Client) MarkSuccessful(id int64) error {
	_, err := c.do(&protocol.Request{Op: protocol.OpMarkSuccessful, SessionID: id})
	return err
}

// Abort cancels a non-terminal session.
func (c *Client) Abort(id int64) error {
	_, err := c.do(&protocol.Request{Op: protocol.OpAbort, SessionID: id})
	return err
}

// Rollback reverts an activated session to the prior package set.
func (c *Client) Rollback(id int64) error {
	_, err := c.do(&protocol.Request{Op: protocol.OpRollback, SessionID: id})
	return err
}

// Sessions lists every persisted session.
func (c *Client) Sessions() ([]protocol.SessionInfo, error) {
	resp, err := c.do(&protocol.Request{Op: protocol.OpGetSessions})
	if err != nil {
		return nil, err
	}
	return resp.Sessions, nil
}

// ActivePackages lists the identifiers of active package instances.
func (c *Client) ActivePackages() ([]string, error) {
	resp, err := c.do(&protocol.Request{Op: protocol.OpGetActivePackages})
	if err != nil {
		return nil, err
	}
	return resp.Packages, nil
}

// Activate verifies, mounts and publishes a single image outside any
// session.
func (c *Client) Activate(path string) (string, error) {
	resp, err := c.do(&protocol.Request{Op: protocol.OpActivate, Path: path})
	if err != nil {
		return "", err
	}
	if len(resp.Packages) == 0 {
		return "", fmt.Errorf("daemon returned no package for activate")
	}
	return resp.Packages[0], nil
}

// Deactivate unmounts the instance at the given mount point.
func (c *Client) Deactivate(mountPoint string) error {
	_, err := c.do(&protocol.Request{Op: protocol.OpDeactivate, Path: mountPoint})
	return err
}
