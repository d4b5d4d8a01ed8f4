// Package server exposes the daemon's operations on a unix domain socket.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"github.com/blackwell-systems/pkgd/internal/blockdev"
	"github.com/blackwell-systems/pkgd/internal/engine"
	"github.com/blackwell-systems/pkgd/internal/image"
	"github.com/blackwell-systems/pkgd/internal/protocol"
	"github.com/blackwell-systems/pkgd/internal/session"
)

// SessionAPI is the slice of the session manager the server dispatches to.
type SessionAPI interface {
	Submit(req session.SubmitRequest) (*session.Session, error)
	MarkReady(id int64) error
	MarkSuccessful(id int64) error
	Abort(id int64) error
	Revert(id int64) error
	Sessions() ([]*session.Session, error)
}

// PackageAPI is the slice of the activation engine the server dispatches to.
type PackageAPI interface {
	Activate(img *image.PackageImage) error
	PublishActive(name, mountPoint string) error
	Deactivate(mountPoint string) error
	MountPoint(id string) string
	ActivePackages() []string
}

// Server accepts control connections and dispatches one request per
// connection.
type Server struct {
	socketPath string
	sessions   SessionAPI
	packages   PackageAPI
	verifier   image.Verifier
	log        zerolog.Logger

	listener net.Listener
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New returns a server listening on socketPath once Serve is called.
func New(socketPath string, sessions SessionAPI, packages PackageAPI, verifier image.Verifier, log zerolog.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		socketPath: socketPath,
		sessions:   sessions,
		packages:   packages,
		verifier:   verifier,
		log:        log,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Serve listens on the unix socket and accepts connections until Shutdown.
func (s *Server) Serve() error {
	os.Remove(s.socketPath)
	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0755); err != nil {
		return fmt.Errorf("create socket directory: %w", err)
	}

	var err error
	s.listener, err = net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.socketPath, err)
	}
	defer s.listener.Close()

	// The socket is the privilege boundary: owner only.
	if err := os.Chmod(s.socketPath, 0600); err != nil {
		s.log.Warn().Err(err).Msg("socket permissions not set")
	}
	s.log.Info().Str("socket", s.socketPath).Msg("control socket listening")

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return nil
			default:
				s.log.Warn().Err(err).Msg("accept failed")
				continue
			}
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(conn)
		}()
	}
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown() {
	s.cancel()
	if s.listener != nil {
		s.listener.Close()
	}
	s.wg.Wait()
	os.Remove(s.socketPath)
}

func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()

	req, err := protocol.ReadRequest(conn)
	if err != nil {
		s.log.Warn().Err(err).Msg("bad request")
		return
	}

	resp := s.dispatch(req)
	if err := protocol.WriteResponse(conn, resp); err != nil {
		s.log.Warn().Err(err).Msg("response not written")
	}
}

func (s *Server) dispatch(req *protocol.Request) *protocol.Response {
	s.log.Debug().Str("op", req.Op).Int64("session", req.SessionID).Msg("request")

	switch req.Op {
	case protocol.OpSubmit:
		if req.Submit == nil {
			return failf(nil, "submit request carries no session")
		}
		sess, err := s.sessions.Submit(*req.Submit)
		if err != nil {
			return failf(err, "submit session %d", req.Submit.ID)
		}
		return &protocol.Response{OK: true, Sessions: []protocol.SessionInfo{toInfo(sess)}}

	case protocol.OpMarkReady:
		if err := s.sessions.MarkReady(req.SessionID); err != nil {
			return failf(err, "mark session %d ready", req.SessionID)
		}
		return &protocol.Response{OK: true}

	case protocol.OpMarkSuccessful:
		if err := s.sessions.MarkSuccessful(req.SessionID); err != nil {
			return failf(err, "mark session %d successful", req.SessionID)
		}
		return &protocol.Response{OK: true}

	case protocol.OpAbort:
		if err := s.sessions.Abort(req.SessionID); err != nil {
			return failf(err, "abort session %d", req.SessionID)
		}
		return &protocol.Response{OK: true}

	case protocol.OpRollback:
		if err := s.sessions.Revert(req.SessionID); err != nil {
			return failf(err, "roll back session %d", req.SessionID)
		}
		return &protocol.Response{OK: true}

	case protocol.OpGetSessions:
		all, err := s.sessions.Sessions()
		if err != nil {
			return failf(err, "list sessions")
		}
		states := make(map[int64]session.State, len(all))
		for _, sess := range all {
			states[sess.ID] = sess.State
		}
		resp := &protocol.Response{OK: true}
		for _, sess := range all {
			info := toInfo(sess)
			info.State = string(effectiveState(sess, states))
			resp.Sessions = append(resp.Sessions, info)
		}
		return resp

	case protocol.OpGetActivePackages:
		return &protocol.Response{OK: true, Packages: s.packages.ActivePackages()}

	case protocol.OpActivate:
		img, err := s.verifier.Verify(req.Path)
		if err != nil {
			return failf(err, "verify %s", req.Path)
		}
		if err := s.packages.Activate(img); err != nil {
			return failf(err, "activate %s", img.ID())
		}
		mountPoint := s.packages.MountPoint(img.ID())
		if err := s.packages.PublishActive(img.Name, mountPoint); err != nil {
			return failf(err, "publish %s", img.ID())
		}
		return &protocol.Response{OK: true, Packages: []string{mountPoint}}

	case protocol.OpDeactivate:
		if err := s.packages.Deactivate(req.Path); err != nil {
			return failf(err, "deactivate %s", req.Path)
		}
		return &protocol.Response{OK: true}

	default:
		return failf(nil, "unknown operation %q", req.Op)
	}
}

// effectiveState is the state reported for a grouping session: a parent
// never appears ahead of its lowest-ranked child, so a caller polling
// get-sessions sees one coherent state per group even mid-transition.
func effectiveState(sess *session.Session, states map[int64]session.State) session.State {
	if len(sess.ChildIDs) == 0 {
		return sess.State
	}
	group := []session.State{sess.State}
	for _, id := range sess.ChildIDs {
		if st, ok := states[id]; ok {
			group = append(group, st)
		}
	}
	return session.MinState(group)
}

func toInfo(sess *session.Session) protocol.SessionInfo {
	info := protocol.SessionInfo{
		ID:         sess.ID,
		State:      string(sess.State),
		ChildIDs:   sess.ChildIDs,
		IsRollback: sess.IsRollback,
	}
	for _, img := range sess.Images {
		info.Images = append(info.Images, img.ID())
	}
	return info
}

func failf(err error, format string, args ...any) *protocol.Response {
	msg := fmt.Sprintf(format, args...)
	if err != nil {
		msg = fmt.Sprintf("%s: %v", msg, err)
	}
	return &protocol.Response{OK: false, ErrorKind: errorKind(err), Error: msg}
}

// errorKind maps an error chain to its wire kind so callers can translate
// failures without extra logic.
func errorKind(err error) string {
	switch {
	case errors.Is(err, image.ErrVerificationFailed):
		return protocol.KindVerificationFailed
	case errors.Is(err, blockdev.ErrUnresolvableDevice):
		return protocol.KindUnresolvableDevice
	case errors.Is(err, engine.ErrBusyResource):
		return protocol.KindBusyResource
	case errors.Is(err, blockdev.ErrDeviceOperation):
		return protocol.KindDeviceOperationFailed
	case errors.Is(err, session.ErrInvalidState):
		return protocol.KindInvalidState
	case errors.Is(err, session.ErrPersistenceFailed):
		return protocol.KindPersistenceFailed
	default:
		return protocol.KindInternal
	}
}
