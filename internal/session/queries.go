package session

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/blackwell-systems/pkgd/internal/image"
)

// InsertSessions persists a group of new sessions in one transaction. A
// commit failure leaves no trace of any of them.
func (s *Store) InsertSessions(sessions []*Session) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("%w: begin: %v", ErrPersistenceFailed, err)
	}
	defer tx.Rollback()

	now := time.Now()
	for _, sess := range sessions {
		sess.CreatedAt = now
		sess.UpdatedAt = now
		_, err := tx.Exec(
			`INSERT INTO sessions (id, state, is_rollback, rollback_target, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			sess.ID, string(sess.State), sess.IsRollback, sess.RollbackTarget,
			now.Format(time.RFC3339), now.Format(time.RFC3339),
		)
		if err != nil {
			return fmt.Errorf("%w: insert session %d: %v", ErrPersistenceFailed, sess.ID, err)
		}
		for pos, child := range sess.ChildIDs {
			_, err := tx.Exec(
				`INSERT INTO session_children (parent_id, child_id, position) VALUES (?, ?, ?)`,
				sess.ID, child, pos,
			)
			if err != nil {
				return fmt.Errorf("%w: insert child of session %d: %v", ErrPersistenceFailed, sess.ID, err)
			}
		}
		if err := insertImages(tx, sess.ID, sess.Images); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", ErrPersistenceFailed, err)
	}
	return nil
}

// SetImages replaces the image set recorded for a session. Used after
// staging, when the images' paths move into the staging directory.
func (s *Store) SetImages(id int64, images []image.PackageImage) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("%w: begin: %v", ErrPersistenceFailed, err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM session_images WHERE session_id = ?`, id); err != nil {
		return fmt.Errorf("%w: clear images of session %d: %v", ErrPersistenceFailed, id, err)
	}
	if err := insertImages(tx, id, images); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", ErrPersistenceFailed, err)
	}
	return nil
}

func insertImages(tx *sql.Tx, id int64, images []image.PackageImage) error {
	for _, img := range images {
		_, err := tx.Exec(
			`INSERT INTO session_images (session_id, name, version, path, requires_verity, root_hash, image_size)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			id, img.Name, img.Version, img.Path, img.RequiresVerity, img.RootHash, img.ImageSize,
		)
		if err != nil {
			return fmt.Errorf("%w: insert image %s of session %d: %v", ErrPersistenceFailed, img.ID(), id, err)
		}
	}
	return nil
}

// UpdateStates transitions every listed session to the same state in one
// transaction. No caller ever observes a group half-transitioned.
func (s *Store) UpdateStates(ids []int64, to State) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("%w: begin: %v", ErrPersistenceFailed, err)
	}
	defer tx.Rollback()

	now := time.Now().Format(time.RFC3339)
	for _, id := range ids {
		res, err := tx.Exec(
			`UPDATE sessions SET state = ?, updated_at = ? WHERE id = ?`,
			string(to), now, id,
		)
		if err != nil {
			return fmt.Errorf("%w: update session %d: %v", ErrPersistenceFailed, id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("%w: update session %d: %v", ErrPersistenceFailed, id, err)
		}
		if n == 0 {
			return fmt.Errorf("session %d not found", id)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", ErrPersistenceFailed, err)
	}
	return nil
}

// GetSession loads a session with its children and images.
func (s *Store) GetSession(id int64) (*Session, error) {
	sess, err := s.scanSession(s.db.QueryRow(
		`SELECT id, state, is_rollback, rollback_target, created_at, updated_at
		 FROM sessions WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("session %d not found", id)
	}
	if err != nil {
		return nil, err
	}
	if err := s.loadDetails(sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// ListSessions returns every persisted session, oldest first.
func (s *Store) ListSessions() ([]*Session, error) {
	return s.querySessions(
		`SELECT id, state, is_rollback, rollback_target, created_at, updated_at
		 FROM sessions ORDER BY id`)
}

// SessionsInState returns every session currently in the given state,
// oldest first.
func (s *Store) SessionsInState(st State) ([]*Session, error) {
	return s.querySessions(
		`SELECT id, state, is_rollback, rollback_target, created_at, updated_at
		 FROM sessions WHERE state = ? ORDER BY id`, string(st))
}

// ChildIDSet returns the ids of every session that is a child of another.
func (s *Store) ChildIDSet() (map[int64]bool, error) {
	rows, err := s.db.Query(`SELECT child_id FROM session_children`)
	if err != nil {
		return nil, fmt.Errorf("query session children: %w", err)
	}
	defer rows.Close()

	children := make(map[int64]bool)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan child id: %w", err)
		}
		children[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session children: %w", err)
	}
	return children, nil
}

// DeleteSession removes a terminal session and its children rows.
func (s *Store) DeleteSession(id int64) error {
	if _, err := s.db.Exec(`DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("%w: delete session %d: %v", ErrPersistenceFailed, id, err)
	}
	return nil
}

func (s *Store) querySessions(query string, args ...any) ([]*Session, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		sess, err := s.scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}

	for _, sess := range sessions {
		if err := s.loadDetails(sess); err != nil {
			return nil, err
		}
	}
	return sessions, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanSession(row rowScanner) (*Session, error) {
	var sess Session
	var state, createdAt, updatedAt string

	err := row.Scan(&sess.ID, &state, &sess.IsRollback, &sess.RollbackTarget, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}

	sess.State = State(state)
	if sess.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at for session %d: %w", sess.ID, err)
	}
	if sess.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at for session %d: %w", sess.ID, err)
	}
	return &sess, nil
}

func (s *Store) loadDetails(sess *Session) error {
	rows, err := s.db.Query(
		`SELECT child_id FROM session_children WHERE parent_id = ? ORDER BY position`, sess.ID)
	if err != nil {
		return fmt.Errorf("query children of session %d: %w", sess.ID, err)
	}
	defer rows.Close()
	for rows.Next() {
		var child int64
		if err := rows.Scan(&child); err != nil {
			return fmt.Errorf("scan child of session %d: %w", sess.ID, err)
		}
		sess.ChildIDs = append(sess.ChildIDs, child)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate children of session %d: %w", sess.ID, err)
	}

	imgRows, err := s.db.Query(
		`SELECT name, version, path, requires_verity, root_hash, image_size
		 FROM session_images WHERE session_id = ? ORDER BY name, version`, sess.ID)
	if err != nil {
		return fmt.Errorf("query images of session %d: %w", sess.ID, err)
	}
	defer imgRows.Close()
	for imgRows.Next() {
		var img image.PackageImage
		err := imgRows.Scan(&img.Name, &img.Version, &img.Path, &img.RequiresVerity, &img.RootHash, &img.ImageSize)
		if err != nil {
			return fmt.Errorf("scan image of session %d: %w", sess.ID, err)
		}
		sess.Images = append(sess.Images, img)
	}
	if err := imgRows.Err(); err != nil {
		return fmt.Errorf("iterate images of session %d: %w", sess.ID, err)
	}
	return nil
}
