package repositories

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/desertthunder/waveline/internal/models"
	"github.com/desertthunder/waveline/internal/shared"
)

const trackColumns = `id, sequence, source, identifier, isrc, encoded, created_at, updated_at, deleted_at`

// scanner is satisfied by [sql.Row] and [sql.Rows].
type scanner interface {
	Scan(dest ...any) error
}

// TrackCacheRepository persists resolved tracks keyed by (source, identifier).
//
// Rows are soft deleted; re-caching a deleted key restores it.
type TrackCacheRepository struct {
	db *sql.DB
}

// NewTrackCacheRepository creates a new TrackCacheRepository with the given database connection
func NewTrackCacheRepository(db *sql.DB) *TrackCacheRepository {
	return &TrackCacheRepository{db: db}
}

// Put inserts or replaces the cached track for source and identifier.
func (r *TrackCacheRepository) Put(source, identifier, isrc, encoded string) (*models.CachedTrack, error) {
	sequence, err := NextSequence(r.db, "track_cache")
	if err != nil {
		return nil, fmt.Errorf("failed to generate sequence: %w", err)
	}

	track := models.NewCachedTrack(sequence, source, identifier, isrc, encoded)
	track.SetID(shared.GenerateID())
	if err := track.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", shared.ErrInvalidInput, err)
	}

	query := `
		INSERT INTO track_cache (id, sequence, source, identifier, isrc, encoded, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (source, identifier) DO UPDATE SET
			isrc = excluded.isrc,
			encoded = excluded.encoded,
			updated_at = excluded.updated_at,
			deleted_at = NULL
	`

	now := time.Now().UTC()
	_, err = r.db.Exec(query, track.ID(), sequence, source, identifier, nullable(isrc), encoded, now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to cache track: %w", err)
	}

	return r.GetByIdentifier(source, identifier)
}

// Get retrieves a cached track by row ID, excluding soft-deleted rows
func (r *TrackCacheRepository) Get(id string) (*models.CachedTrack, error) {
	query := `SELECT ` + trackColumns + ` FROM track_cache WHERE id = ? AND deleted_at IS NULL`
	return scanCachedTrack(r.db.QueryRow(query, id))
}

// GetByIdentifier retrieves the cached track of a source identifier.
func (r *TrackCacheRepository) GetByIdentifier(source, identifier string) (*models.CachedTrack, error) {
	query := `SELECT ` + trackColumns + ` FROM track_cache WHERE source = ? AND identifier = ? AND deleted_at IS NULL`
	return scanCachedTrack(r.db.QueryRow(query, source, identifier))
}

// GetByISRC retrieves the most recently updated track cached for isrc.
func (r *TrackCacheRepository) GetByISRC(isrc string) (*models.CachedTrack, error) {
	query := `
		SELECT ` + trackColumns + `
		FROM track_cache
		WHERE isrc = ? AND deleted_at IS NULL
		ORDER BY updated_at DESC
		LIMIT 1
	`
	return scanCachedTrack(r.db.QueryRow(query, isrc))
}

// Delete soft-deletes a cached track by row ID
func (r *TrackCacheRepository) Delete(id string) error {
	result, err := r.db.Exec(`UPDATE track_cache SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL`, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to delete cached track: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: cached track %s", shared.ErrTrackNotFound, id)
	}

	return nil
}

// Prune soft-deletes rows not refreshed for olderThan and returns how many were removed.
func (r *TrackCacheRepository) Prune(olderThan time.Duration) (int64, error) {
	now := time.Now().UTC()
	result, err := r.db.Exec(
		`UPDATE track_cache SET deleted_at = ? WHERE updated_at < ? AND deleted_at IS NULL`,
		now, now.Add(-olderThan),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to prune track cache: %w", err)
	}
	return result.RowsAffected()
}

// List retrieves cached tracks matching the given criteria ("source", "isrc"), excluding soft-deleted rows
func (r *TrackCacheRepository) List(criteria map[string]any) ([]*models.CachedTrack, error) {
	query := `SELECT ` + trackColumns + ` FROM track_cache WHERE deleted_at IS NULL`
	args := []any{}

	if source, ok := criteria["source"].(string); ok && source != "" {
		query += " AND source = ?"
		args = append(args, source)
	}

	if isrc, ok := criteria["isrc"].(string); ok && isrc != "" {
		query += " AND isrc = ?"
		args = append(args, isrc)
	}

	query += " ORDER BY sequence ASC"

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query track cache: %w", err)
	}
	defer rows.Close()

	var tracks []*models.CachedTrack
	for rows.Next() {
		track, err := scanCachedTrack(rows)
		if err != nil {
			return nil, err
		}
		tracks = append(tracks, track)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	return tracks, nil
}

// Count returns the number of live cached tracks.
func (r *TrackCacheRepository) Count() (int, error) {
	var n int
	if err := r.db.QueryRow(`SELECT COUNT(*) FROM track_cache WHERE deleted_at IS NULL`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count cached tracks: %w", err)
	}
	return n, nil
}

func scanCachedTrack(row scanner) (*models.CachedTrack, error) {
	var (
		id         string
		sequence   int
		source     string
		identifier string
		isrc       sql.NullString
		encoded    string
		createdAt  time.Time
		updatedAt  time.Time
		deletedAt  sql.NullTime
	)

	err := row.Scan(&id, &sequence, &source, &identifier, &isrc, &encoded, &createdAt, &updatedAt, &deletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: not cached", shared.ErrTrackNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan cached track: %w", err)
	}

	track := models.NewCachedTrack(sequence, source, identifier, isrc.String, encoded)
	track.SetID(id)
	track.SetCreatedAt(createdAt)
	track.SetUpdatedAt(updatedAt)
	if deletedAt.Valid {
		track.SetDeletedAt(&deletedAt.Time)
	}

	return track, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
