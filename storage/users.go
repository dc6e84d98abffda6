package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"
)

// User is one directory entry binding a stable client id to its display name.
type User struct {
	UID       string
	Username  string
	CreatedAt time.Time
	RenamedAt time.Time
}

var usernameAdjectives = []string{
	"Swift", "Quiet", "Bright", "Bold", "Calm",
	"Deep", "Fast", "Kind", "Zesty", "Solar",
}

var usernameNouns = []string{
	"Panda", "Eagle", "River", "Mountain", "Cloud",
	"Stone", "Leaf", "Star", "Falcon", "Tide",
}

// RandomUsername generates a display name for a first-time client.
func RandomUsername() string {
	adjective := usernameAdjectives[rand.IntN(len(usernameAdjectives))]
	noun := usernameNouns[rand.IntN(len(usernameNouns))]
	return adjective + noun
}

// LookupOrAssign returns the stored display name for uid, assigning and
// persisting a generated one on first contact.
func (s *Store) LookupOrAssign(uid string) (string, error) {
	if uid == "" {
		return "", errors.New("empty uid")
	}

	tx, err := s.db.Begin()
	if err != nil {
		return "", fmt.Errorf("begin lookup transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var username string
	err = tx.QueryRow(`SELECT username FROM users WHERE uid = ?;`, uid).Scan(&username)
	switch {
	case err == nil:
		return username, tx.Commit()
	case errors.Is(err, sql.ErrNoRows):
	default:
		return "", fmt.Errorf("lookup user %q: %w", uid, err)
	}

	username = RandomUsername()
	if _, err := tx.Exec(
		`INSERT INTO users (uid, username, created_at) VALUES (?, ?, ?);`,
		uid, username, time.Now().Unix(),
	); err != nil {
		return "", fmt.Errorf("assign username for %q: %w", uid, err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit username assignment: %w", err)
	}

	return username, nil
}

// Rename persists a new display name for uid. An unknown uid is created
// rather than rejected so a directory outage during identification does not
// block later renames. Concurrent renames are last-writer-wins.
func (s *Store) Rename(uid, username string) error {
	if uid == "" {
		return errors.New("empty uid")
	}
	if username == "" {
		return errors.New("empty username")
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin rename transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	now := time.Now().Unix()
	result, err := tx.Exec(
		`UPDATE users SET username = ?, renamed_at = ? WHERE uid = ?;`,
		username, now, uid,
	)
	if err != nil {
		return fmt.Errorf("rename user %q: %w", uid, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rename user %q: %w", uid, err)
	}
	if affected == 0 {
		if _, err := tx.Exec(
			`INSERT INTO users (uid, username, created_at, renamed_at) VALUES (?, ?, ?, ?);`,
			uid, username, now, now,
		); err != nil {
			return fmt.Errorf("create renamed user %q: %w", uid, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit rename: %w", err)
	}
	return nil
}

// GetUser returns one directory entry, or ErrNotFound.
func (s *Store) GetUser(uid string) (User, error) {
	var (
		user      User
		createdAt int64
		renamedAt sql.NullInt64
	)
	err := s.db.QueryRow(
		`SELECT uid, username, created_at, renamed_at FROM users WHERE uid = ?;`,
		uid,
	).Scan(&user.UID, &user.Username, &createdAt, &renamedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("get user %q: %w", uid, err)
	}

	user.CreatedAt = time.Unix(createdAt, 0)
	if renamedAt.Valid {
		user.RenamedAt = time.Unix(renamedAt.Int64, 0)
	}
	return user, nil
}

// ListUsers returns every directory entry ordered by display name.
func (s *Store) ListUsers() ([]User, error) {
	rows, err := s.db.Query(
		`SELECT uid, username, created_at, renamed_at FROM users ORDER BY username, uid;`,
	)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var (
			user      User
			createdAt int64
			renamedAt sql.NullInt64
		)
		if err := rows.Scan(&user.UID, &user.Username, &createdAt, &renamedAt); err != nil {
			return nil, fmt.Errorf("scan user row: %w", err)
		}
		user.CreatedAt = time.Unix(createdAt, 0)
		if renamedAt.Valid {
			user.RenamedAt = time.Unix(renamedAt.Int64, 0)
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate user rows: %w", err)
	}

	return users, nil
}
