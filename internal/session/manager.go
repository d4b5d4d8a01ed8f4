package session

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"github.com/blackwell-systems/pkgd/internal/image"
	"github.com/blackwell-systems/pkgd/internal/mountdb"
)

// Activator is the slice of the activation engine the session manager
// drives. Satisfied by *engine.Engine.
type Activator interface {
	Activate(img *image.PackageImage) error
	PublishActive(name, mountPoint string) error
	RetractActive(name string) error
	Deactivate(mountPoint string) error
	MountPoint(id string) string
}

// SubmitRequest describes a session to create. A request either stages
// image paths of its own or groups child requests, never both.
type SubmitRequest struct {
	ID             int64           `json:"id"`
	Paths          []string        `json:"paths,omitempty"`
	Children       []SubmitRequest `json:"children,omitempty"`
	IsRollback     bool            `json:"is_rollback,omitempty"`
	RollbackTarget int64           `json:"rollback_target,omitempty"`
}

// Manager owns the staged session lifecycle. All operations are serialized;
// sessions are few and their operations are dominated by mount syscalls.
type Manager struct {
	mu         sync.Mutex
	store      *Store
	verifier   image.Verifier
	activator  Activator
	mounts     *mountdb.DB
	stagingDir string
	log        zerolog.Logger
}

// NewManager wires the session manager to its store, verifier, engine and
// mount database. stagingDir is where submitted images are copied to.
func NewManager(store *Store, verifier image.Verifier, activator Activator, mounts *mountdb.DB, stagingDir string, log zerolog.Logger) *Manager {
	return &Manager{
		store:      store,
		verifier:   verifier,
		activator:  activator,
		mounts:     mounts,
		stagingDir: stagingDir,
		log:        log,
	}
}

// Submit creates the session group described by req: the sessions are
// persisted in VERIFIED, every image is verified and copied into the
// staging directory, and the whole group moves to STAGED. A verification
// failure leaves the group in VERIFIED for the caller to abort.
func (m *Manager) Submit(req SubmitRequest) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(req.Paths) > 0 && len(req.Children) > 0 {
		return nil, fmt.Errorf("session %d: a grouping session stages no images of its own", req.ID)
	}
	for _, child := range req.Children {
		if len(child.Children) > 0 {
			return nil, fmt.Errorf("session %d: child sessions may not have children", req.ID)
		}
	}

	sessions := []*Session{{
		ID:             req.ID,
		State:          StateVerified,
		IsRollback:     req.IsRollback,
		RollbackTarget: req.RollbackTarget,
	}}
	for _, child := range req.Children {
		sessions[0].ChildIDs = append(sessions[0].ChildIDs, child.ID)
		sessions = append(sessions, &Session{ID: child.ID, State: StateVerified})
	}
	if err := m.store.InsertSessions(sessions); err != nil {
		return nil, err
	}

	leaves := []SubmitRequest{req}
	if len(req.Children) > 0 {
		leaves = req.Children
	}
	for _, leaf := range leaves {
		var imgs []image.PackageImage
		for _, path := range leaf.Paths {
			img, err := m.verifier.Verify(path)
			if err != nil {
				return nil, fmt.Errorf("session %d: %w", leaf.ID, err)
			}
			imgs = append(imgs, *img)
		}
		staged, err := m.stageImages(leaf.ID, imgs)
		if err != nil {
			return nil, fmt.Errorf("session %d: %w", leaf.ID, err)
		}
		if err := m.store.SetImages(leaf.ID, staged); err != nil {
			return nil, err
		}
	}

	if err := m.store.UpdateStates(groupIDs(sessions[0]), StateStaged); err != nil {
		return nil, err
	}
	m.log.Info().Int64("session", req.ID).Int("children", len(req.Children)).Msg("session submitted")
	return m.store.GetSession(req.ID)
}

// stageImages copies verified images into the session's staging directory
// and returns descriptors pointing at the staged copies.
func (m *Manager) stageImages(id int64, imgs []image.PackageImage) ([]image.PackageImage, error) {
	dir := m.sessionDir(id)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create staging directory: %w", err)
	}
	staged := make([]image.PackageImage, 0, len(imgs))
	for _, img := range imgs {
		dst := filepath.Join(dir, img.ID()+image.ImageSuffix)
		if err := copyFile(img.Path, dst); err != nil {
			return nil, fmt.Errorf("stage %s: %w", img.ID(), err)
		}
		img.Path = dst
		staged = append(staged, img)
	}
	return staged, nil
}

// MarkReady transitions a STAGED group to READY, flagging it for activation
// on the next boot.
func (m *Manager) MarkReady(id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	group, _, err := m.group(id)
	if err != nil {
		return err
	}
	return m.transition(group, StateStaged, StateReady)
}

// MarkSuccessful confirms an ACTIVATED group, moving it to SUCCESS and
// cleaning up the superseded instances its packages replaced.
func (m *Manager) MarkSuccessful(id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	group, imgs, err := m.group(id)
	if err != nil {
		return err
	}
	if err := m.transition(group, StateActivated, StateSuccess); err != nil {
		return err
	}

	// Cleanup is best effort; a busy prior instance is retried on the next
	// confirmation or at shutdown, never a reason to fail the commit.
	for _, img := range imgs {
		active, hasActive := m.mounts.ActiveFor(img.Name)
		for _, rec := range m.mounts.RecordsFor(img.Name) {
			if hasActive && rec.MountPoint == active.MountPoint {
				continue
			}
			if err := m.activator.Deactivate(rec.MountPoint); err != nil {
				m.log.Warn().Str("mount", rec.MountPoint).Err(err).Msg("superseded instance not removed")
			}
		}
	}
	m.removeStaging(group)
	m.log.Info().Int64("session", id).Msg("session committed")
	return nil
}

// Abort cancels a non-terminal group, reversing any activation already
// performed, and moves it to ABORTED.
func (m *Manager) Abort(id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	group, imgs, err := m.group(id)
	if err != nil {
		return err
	}
	for _, sess := range group {
		if sess.State.Terminal() {
			return fmt.Errorf("%w: session %d is %s", ErrInvalidState, sess.ID, sess.State)
		}
	}

	if err := m.reverseActivation(imgs); err != nil {
		return fmt.Errorf("abort session %d: %w", id, err)
	}
	if err := m.store.UpdateStates(sessionIDs(group), StateAborted); err != nil {
		return err
	}
	m.removeStaging(group)
	m.log.Info().Int64("session", id).Msg("session aborted")
	return nil
}

// Revert rolls back an ACTIVATED group: every staged instance is withdrawn,
// the previously mounted version is republished, and the group moves to
// REVERTED. The group keeps its state if the reversal fails, so the caller
// can surface the failure.
func (m *Manager) Revert(id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	group, imgs, err := m.group(id)
	if err != nil {
		return err
	}
	for _, sess := range group {
		if sess.State != StateActivated {
			return fmt.Errorf("%w: session %d is %s, not %s", ErrInvalidState, sess.ID, sess.State, StateActivated)
		}
	}

	if err := m.reverseActivation(imgs); err != nil {
		return fmt.Errorf("revert session %d: %w", id, err)
	}
	if err := m.store.UpdateStates(sessionIDs(group), StateReverted); err != nil {
		return err
	}
	m.removeStaging(group)
	m.log.Info().Int64("session", id).Msg("session reverted")
	return nil
}

// ActivateStaged activates every READY group: each image is mounted and
// published, and the group moves to ACTIVATED. A partial failure rolls back
// the siblings already activated and aborts the whole group. Invoked once
// during early boot.
func (m *Manager) ActivateStaged() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	children, err := m.store.ChildIDSet()
	if err != nil {
		return err
	}
	ready, err := m.store.SessionsInState(StateReady)
	if err != nil {
		return err
	}

	var failures []error
	for _, sess := range ready {
		if children[sess.ID] {
			continue // handled with its parent
		}
		group, imgs, err := m.group(sess.ID)
		if err != nil {
			failures = append(failures, err)
			continue
		}
		if err := m.activateGroup(sess.ID, imgs); err != nil {
			failures = append(failures, err)
			if err := m.store.UpdateStates(sessionIDs(group), StateAborted); err != nil {
				failures = append(failures, err)
			}
			continue
		}
		if err := m.store.UpdateStates(sessionIDs(group), StateActivated); err != nil {
			failures = append(failures, err)
		}
	}
	return errors.Join(failures...)
}

// activateGroup mounts and publishes every image, undoing the ones already
// done if a later one fails. Multi-package groups are all or nothing.
func (m *Manager) activateGroup(id int64, imgs []image.PackageImage) error {
	var done []image.PackageImage
	for i := range imgs {
		img := imgs[i]
		err := m.activator.Activate(&img)
		if err == nil {
			err = m.activator.PublishActive(img.Name, m.activator.MountPoint(img.ID()))
		}
		if err != nil {
			m.log.Error().Int64("session", id).Str("image", img.ID()).Err(err).Msg("activation failed, rolling back group")
			if rbErr := m.reverseActivation(done); rbErr != nil {
				m.log.Error().Int64("session", id).Err(rbErr).Msg("group rollback incomplete")
			}
			return fmt.Errorf("session %d: activate %s: %w", id, img.ID(), err)
		}
		done = append(done, img)
	}
	return nil
}

// reverseActivation withdraws each image's staged instance, republishing
// the highest remaining version of the package when one is still mounted.
// Images never activated are skipped.
func (m *Manager) reverseActivation(imgs []image.PackageImage) error {
	var failures []error
	for i := len(imgs) - 1; i >= 0; i-- {
		img := imgs[i]
		mountPoint := m.activator.MountPoint(img.ID())

		mounted := false
		for _, rec := range m.mounts.RecordsFor(img.Name) {
			if rec.MountPoint == mountPoint {
				mounted = true
				break
			}
		}
		if !mounted {
			continue
		}

		if active, ok := m.mounts.ActiveFor(img.Name); ok && active.MountPoint == mountPoint {
			if prior, ok := m.priorInstance(img.Name, mountPoint); ok {
				if err := m.activator.PublishActive(img.Name, prior); err != nil {
					failures = append(failures, err)
					continue
				}
			} else if err := m.activator.RetractActive(img.Name); err != nil {
				failures = append(failures, err)
				continue
			}
		}
		if err := m.activator.Deactivate(mountPoint); err != nil {
			failures = append(failures, err)
		}
	}
	return errors.Join(failures...)
}

// priorInstance returns the mount point of the highest-version mounted
// instance of the package other than the one being withdrawn.
func (m *Manager) priorInstance(name, exclude string) (string, bool) {
	best := ""
	var bestVersion int64 = -1
	for _, rec := range m.mounts.RecordsFor(name) {
		if rec.MountPoint == exclude {
			continue
		}
		_, version, ok := image.ParseID(filepath.Base(rec.MountPoint))
		if !ok || version <= bestVersion {
			continue
		}
		bestVersion = version
		best = rec.MountPoint
	}
	return best, best != ""
}

// PruneTerminal deletes session groups in which every member reached a
// terminal state. Run once at startup, before recovery decisions are
// recomputed, so the records of past transactions do not accumulate.
func (m *Manager) PruneTerminal() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	all, err := m.store.ListSessions()
	if err != nil {
		return err
	}
	children, err := m.store.ChildIDSet()
	if err != nil {
		return err
	}

	var failures []error
	for _, sess := range all {
		if children[sess.ID] {
			continue // deleted with its parent
		}
		group, _, err := m.group(sess.ID)
		if err != nil {
			failures = append(failures, err)
			continue
		}
		terminal := true
		for _, member := range group {
			if !member.State.Terminal() {
				terminal = false
				break
			}
		}
		if !terminal {
			continue
		}
		for _, member := range group {
			if err := m.store.DeleteSession(member.ID); err != nil {
				failures = append(failures, err)
			}
		}
		m.log.Info().Int64("session", sess.ID).Str("state", string(sess.State)).Msg("pruned terminal session")
	}
	return errors.Join(failures...)
}

// Sessions returns every persisted session, oldest first.
func (m *Manager) Sessions() ([]*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.ListSessions()
}

// Get returns one session by id.
func (m *Manager) Get(id int64) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.GetSession(id)
}

// group loads a session, its children, and the union of their images.
func (m *Manager) group(id int64) ([]*Session, []image.PackageImage, error) {
	sess, err := m.store.GetSession(id)
	if err != nil {
		return nil, nil, err
	}
	group := []*Session{sess}
	imgs := append([]image.PackageImage(nil), sess.Images...)
	for _, childID := range sess.ChildIDs {
		child, err := m.store.GetSession(childID)
		if err != nil {
			return nil, nil, err
		}
		group = append(group, child)
		imgs = append(imgs, child.Images...)
	}
	return group, imgs, nil
}

// transition moves a whole group from one state to another, in one commit.
func (m *Manager) transition(group []*Session, from, to State) error {
	for _, sess := range group {
		if sess.State != from {
			return fmt.Errorf("%w: session %d is %s, not %s", ErrInvalidState, sess.ID, sess.State, from)
		}
		if !CanTransition(from, to) {
			return fmt.Errorf("%w: session %d cannot move %s -> %s", ErrInvalidState, sess.ID, from, to)
		}
	}
	return m.store.UpdateStates(sessionIDs(group), to)
}

func (m *Manager) sessionDir(id int64) string {
	return filepath.Join(m.stagingDir, fmt.Sprintf("session_%d", id))
}

func (m *Manager) removeStaging(group []*Session) {
	for _, sess := range group {
		dir := m.sessionDir(sess.ID)
		if err := os.RemoveAll(dir); err != nil {
			m.log.Warn().Str("dir", dir).Err(err).Msg("staging directory not removed")
		}
	}
}

func groupIDs(parent *Session) []int64 {
	return append([]int64{parent.ID}, parent.ChildIDs...)
}

func sessionIDs(group []*Session) []int64 {
	ids := make([]int64, 0, len(group))
	for _, sess := range group {
		ids = append(ids, sess.ID)
	}
	return ids
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
