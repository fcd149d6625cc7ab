package repositories

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/desertthunder/waveline/internal/models"
	"github.com/desertthunder/waveline/internal/shared"
)

const userColumns = `id, sequence, user_id, username, session_key, scrobble, created_at, updated_at, deleted_at`

// LastFMUserRepository persists the link between a client user id and a last.fm session.
type LastFMUserRepository struct {
	db *sql.DB
}

// NewLastFMUserRepository creates a new [LastFMUserRepository] with the given database connection
func NewLastFMUserRepository(db *sql.DB) *LastFMUserRepository {
	return &LastFMUserRepository{db: db}
}

// Upsert links userID to a last.fm account, replacing any previous session.
//
// A previously deleted link is restored with scrobbling enabled.
func (r *LastFMUserRepository) Upsert(userID, username, sessionKey string) (*models.LastFMUser, error) {
	sequence, err := NextSequence(r.db, "lastfm_users")
	if err != nil {
		return nil, fmt.Errorf("failed to generate sequence: %w", err)
	}

	user := models.NewLastFMUser(sequence, userID, username, sessionKey)
	user.SetID(shared.GenerateID())
	if err := user.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", shared.ErrInvalidInput, err)
	}

	query := `
		INSERT INTO lastfm_users (id, sequence, user_id, username, session_key, scrobble, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET
			username = excluded.username,
			session_key = excluded.session_key,
			scrobble = CASE WHEN lastfm_users.deleted_at IS NULL THEN lastfm_users.scrobble ELSE 1 END,
			updated_at = excluded.updated_at,
			deleted_at = NULL
	`

	now := time.Now().UTC()
	if _, err := r.db.Exec(query, user.ID(), sequence, userID, username, sessionKey, now, now); err != nil {
		return nil, fmt.Errorf("failed to upsert last.fm user: %w", err)
	}

	return r.Get(userID)
}

// Get retrieves a linked user by client user id, excluding soft-deleted users
func (r *LastFMUserRepository) Get(userID string) (*models.LastFMUser, error) {
	query := `SELECT ` + userColumns + ` FROM lastfm_users WHERE user_id = ? AND deleted_at IS NULL`
	return scanLastFMUser(r.db.QueryRow(query, userID), userID)
}

// ClearSession removes the session key, used when last.fm reports it invalid.
func (r *LastFMUserRepository) ClearSession(userID string) error {
	return r.update(userID, `session_key = ''`)
}

// SetScrobble turns scrobbling on or off for a linked user.
func (r *LastFMUserRepository) SetScrobble(userID string, on bool) error {
	value := 0
	if on {
		value = 1
	}
	return r.update(userID, fmt.Sprintf("scrobble = %d", value))
}

// Delete soft-deletes the link of userID.
func (r *LastFMUserRepository) Delete(userID string) error {
	return r.update(userID, `deleted_at = CURRENT_TIMESTAMP`)
}

func (r *LastFMUserRepository) update(userID, set string) error {
	query := `UPDATE lastfm_users SET ` + set + `, updated_at = ? WHERE user_id = ? AND deleted_at IS NULL`

	result, err := r.db.Exec(query, time.Now().UTC(), userID)
	if err != nil {
		return fmt.Errorf("failed to update last.fm user: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", shared.ErrUserNotFound, userID)
	}

	return nil
}

// List retrieves all linked users ordered by sequence
func (r *LastFMUserRepository) List() ([]*models.LastFMUser, error) {
	rows, err := r.db.Query(`SELECT ` + userColumns + ` FROM lastfm_users WHERE deleted_at IS NULL ORDER BY sequence ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query last.fm users: %w", err)
	}
	defer rows.Close()

	var users []*models.LastFMUser
	for rows.Next() {
		user, err := scanLastFMUser(rows, "")
		if err != nil {
			return nil, err
		}
		users = append(users, user)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	return users, nil
}

func scanLastFMUser(row scanner, lookup string) (*models.LastFMUser, error) {
	var (
		id         string
		sequence   int
		userID     string
		username   string
		sessionKey string
		scrobble   bool
		createdAt  time.Time
		updatedAt  time.Time
		deletedAt  sql.NullTime
	)

	err := row.Scan(&id, &sequence, &userID, &username, &sessionKey, &scrobble, &createdAt, &updatedAt, &deletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", shared.ErrUserNotFound, lookup)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan last.fm user: %w", err)
	}

	user := models.NewLastFMUser(sequence, userID, username, sessionKey)
	user.SetID(id)
	user.SetScrobble(scrobble)
	user.SetCreatedAt(createdAt)
	user.SetUpdatedAt(updatedAt)
	if deletedAt.Valid {
		user.SetDeletedAt(&deletedAt.Time)
	}

	return user, nil
}
