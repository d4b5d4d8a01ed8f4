package recovery

import (
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/blackwell-systems/pkgd/internal/image"
	"github.com/blackwell-systems/pkgd/internal/mountdb"
	"github.com/blackwell-systems/pkgd/internal/session"
)

// checkpointRetries is how many boot attempts a staged activation gets
// before the external checkpoint mechanism rolls the system back.
const checkpointRetries = 1

// Reverter is the slice of the session manager the coordinator drives.
type Reverter interface {
	Sessions() ([]*session.Session, error)
	Get(id int64) (*session.Session, error)
	Revert(id int64) error
}

// Coordinator inspects persisted session state and the boot checkpoint at
// early boot and reverts unconfirmed staged activations. It runs before the
// daemon accepts new work.
type Coordinator struct {
	checkpoint  Checkpoint
	sessions    Reverter
	mounts      *mountdb.DB
	packageRoot string
	log         zerolog.Logger
}

// New returns a coordinator over the given checkpoint backend and session
// manager. mounts is consulted only to cross-check active instances.
func New(cp Checkpoint, sessions Reverter, mounts *mountdb.DB, packageRoot string, log zerolog.Logger) *Coordinator {
	return &Coordinator{
		checkpoint:  cp,
		sessions:    sessions,
		mounts:      mounts,
		packageRoot: packageRoot,
		log:         log,
	}
}

// Run performs the boot-time recovery decision. For every activated session
// group: if the prior boot was not committed the group is reverted to the
// previously active packages; if it was committed the group is left for an
// explicit confirmation call. A failed revert is fatal and surfaced, never
// retried here.
func (c *Coordinator) Run() error {
	committed, err := c.checkpoint.IsBootCommitted()
	if err != nil {
		return fmt.Errorf("recovery: %w", err)
	}

	all, err := c.sessions.Sessions()
	if err != nil {
		return fmt.Errorf("recovery: %w", err)
	}

	childOf := make(map[int64]int64)
	for _, sess := range all {
		for _, child := range sess.ChildIDs {
			childOf[child] = sess.ID
		}
	}

	hasReady := false
	for _, sess := range all {
		if _, isChild := childOf[sess.ID]; isChild {
			continue
		}
		switch sess.State {
		case session.StateReady:
			hasReady = true
		case session.StateActivated:
			if committed {
				c.log.Info().Int64("session", sess.ID).Msg("boot committed, awaiting confirmation")
				c.flagDisagreements(sess)
				continue
			}
			c.log.Warn().Int64("session", sess.ID).Msg("boot not committed, reverting session")
			if err := c.sessions.Revert(sess.ID); err != nil {
				if sess.IsRollback {
					return fmt.Errorf("recovery: rollback session %d failed, not retrying: %w", sess.ID, err)
				}
				return fmt.Errorf("recovery: revert session %d: %w", sess.ID, err)
			}
			if err := c.checkpoint.Abort(fmt.Sprintf("session %d reverted", sess.ID)); err != nil {
				c.log.Warn().Int64("session", sess.ID).Err(err).Msg("checkpoint not aborted")
			}
		}
	}

	// A READY group will be activated this boot: open the checkpoint window
	// so an unconfirmed boot rolls it back.
	if hasReady && c.checkpoint.Supported() {
		if err := c.checkpoint.Start(checkpointRetries); err != nil {
			return fmt.Errorf("recovery: %w", err)
		}
	}
	return nil
}

// flagDisagreements compares the mount database's active instances, which
// startup reconciliation infers from version numbers, against what a
// committed session says should be active. The session record wins nothing
// here; disagreement is logged, not overridden.
func (c *Coordinator) flagDisagreements(sess *session.Session) {
	imgs := append([]image.PackageImage(nil), sess.Images...)
	for _, childID := range sess.ChildIDs {
		child, err := c.sessions.Get(childID)
		if err != nil {
			c.log.Warn().Int64("session", childID).Err(err).Msg("child session not loaded")
			continue
		}
		imgs = append(imgs, child.Images...)
	}
	for _, img := range imgs {
		want := filepath.Join(c.packageRoot, img.ID())
		active, ok := c.mounts.ActiveFor(img.Name)
		if !ok {
			c.log.Warn().Str("package", img.Name).Str("session_instance", want).
				Msg("session records an activation but no active instance is mounted")
			continue
		}
		if active.MountPoint != want {
			c.log.Warn().Str("package", img.Name).
				Str("mounted_active", active.MountPoint).
				Str("session_instance", want).
				Msg("active instance disagrees with session record")
		}
	}
}
