// Package protocol defines the wire format of the daemon's control socket:
// length-prefixed JSON messages over a unix domain socket.
package protocol

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/blackwell-systems/pkgd/internal/session"
)

// Operations accepted by the daemon.
const (
	OpSubmit            = "submit"
	OpMarkReady         = "mark-ready"
	OpMarkSuccessful    = "mark-successful"
	OpAbort             = "abort"
	OpRollback          = "rollback"
	OpGetSessions       = "get-sessions"
	OpGetActivePackages = "get-active-packages"
	OpActivate          = "activate"
	OpDeactivate        = "deactivate"
)

// Error kinds carried in responses, so callers can translate failures
// without parsing message text.
const (
	KindVerificationFailed    = "VerificationFailed"
	KindUnresolvableDevice    = "UnresolvableDevice"
	KindBusyResource          = "BusyResource"
	KindInvalidState          = "InvalidState"
	KindDeviceOperationFailed = "DeviceOperationFailed"
	KindPersistenceFailed     = "PersistenceFailed"
	KindInternal              = "Internal"
)

// Request is one operation sent to the daemon.
type Request struct {
	Op string `json:"op"`
	// SessionID selects the session for session operations.
	SessionID int64 `json:"session_id,omitempty"`
	// Submit carries the session group for OpSubmit.
	Submit *session.SubmitRequest `json:"submit,omitempty"`
	// Path is the image path for OpActivate and the mount point for
	// OpDeactivate.
	Path string `json:"path,omitempty"`
}

// SessionInfo is the wire form of a session.
type SessionInfo struct {
	ID         int64    `json:"id"`
	State      string   `json:"state"`
	ChildIDs   []int64  `json:"child_ids,omitempty"`
	IsRollback bool     `json:"is_rollback,omitempty"`
	Images     []string `json:"images,omitempty"`
}

// Response is the daemon's reply to a Request.
type Response struct {
	OK        bool          `json:"ok"`
	ErrorKind string        `json:"error_kind,omitempty"`
	Error     string        `json:"error,omitempty"`
	Sessions  []SessionInfo `json:"sessions,omitempty"`
	Packages  []string      `json:"packages,omitempty"`
}

// maxMessageSize bounds a single wire message.
const maxMessageSize = 10 * 1024 * 1024

// WriteRequest serializes a Request as a length-prefixed JSON message.
// Wire format: [4-byte big-endian length][JSON payload]
func WriteRequest(w io.Writer, req *Request) error {
	return writeMessage(w, req)
}

// ReadRequest reads a length-prefixed JSON Request.
func ReadRequest(r io.Reader) (*Request, error) {
	var req Request
	if err := readMessage(r, &req); err != nil {
		return nil, err
	}
	return &req, nil
}

// WriteResponse serializes a Response as a length-prefixed JSON message.
func WriteResponse(w io.Writer, resp *Response) error {
	return writeMessage(w, resp)
}

// ReadResponse reads a length-prefixed JSON Response.
func ReadResponse(r io.Reader) (*Response, error) {
	var resp Response
	if err := readMessage(r, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func writeMessage(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if err := binary.Write(w, binary.BigEndian, uint32(len(data))); err != nil {
		return fmt.Errorf("write length: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write payload: %w", err)
	}
	return nil
}

func readMessage(r io.Reader, v any) error {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return fmt.Errorf("read length: %w", err)
	}
	if length > maxMessageSize {
		return fmt.Errorf("message too large: %d bytes", length)
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return fmt.Errorf("read payload: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal message: %w", err)
	}
	return nil
}
