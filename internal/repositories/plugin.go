package repositories

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/desertthunder/waveline/internal/models"
	"github.com/desertthunder/waveline/internal/shared"
)

const pluginColumns = `id, sequence, group_id, artifact, version, path, checksum, installed_at, created_at, updated_at, deleted_at`

// PluginRepository records which plugin artifacts are installed on disk.
type PluginRepository struct {
	db *sql.DB
}

// NewPluginRepository creates a new [PluginRepository] with the given database connection
func NewPluginRepository(db *sql.DB) *PluginRepository {
	return &PluginRepository{db: db}
}

// RecordInstall stores an installed artifact. Installing another version of the same
// group and artifact replaces the row.
func (r *PluginRepository) RecordInstall(group, artifact, version, path, checksum string) (*models.PluginRecord, error) {
	sequence, err := NextSequence(r.db, "plugins")
	if err != nil {
		return nil, fmt.Errorf("failed to generate sequence: %w", err)
	}

	plugin := models.NewPluginRecord(sequence, group, artifact, version, path, checksum)
	plugin.SetID(shared.GenerateID())
	if err := plugin.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", shared.ErrInvalidInput, err)
	}

	query := `
		INSERT INTO plugins (id, sequence, group_id, artifact, version, path, checksum, installed_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (group_id, artifact) DO UPDATE SET
			version = excluded.version,
			path = excluded.path,
			checksum = excluded.checksum,
			installed_at = excluded.installed_at,
			updated_at = excluded.updated_at,
			deleted_at = NULL
	`

	now := time.Now().UTC()
	_, err = r.db.Exec(query, plugin.ID(), sequence, group, artifact, version, path, checksum, now, now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to record plugin install: %w", err)
	}

	return r.Get(group, artifact)
}

// Get retrieves the installed version of group:artifact
func (r *PluginRepository) Get(group, artifact string) (*models.PluginRecord, error) {
	query := `SELECT ` + pluginColumns + ` FROM plugins WHERE group_id = ? AND artifact = ? AND deleted_at IS NULL`

	plugin, err := scanPlugin(r.db.QueryRow(query, group, artifact))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s:%s", shared.ErrPluginNotFound, group, artifact)
	}
	return plugin, err
}

// Remove soft-deletes the record of group:artifact
func (r *PluginRepository) Remove(group, artifact string) error {
	result, err := r.db.Exec(
		`UPDATE plugins SET deleted_at = ?, updated_at = ? WHERE group_id = ? AND artifact = ? AND deleted_at IS NULL`,
		time.Now().UTC(), time.Now().UTC(), group, artifact,
	)
	if err != nil {
		return fmt.Errorf("failed to remove plugin: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s:%s", shared.ErrPluginNotFound, group, artifact)
	}

	return nil
}

// List retrieves installed plugins ordered by group and artifact
func (r *PluginRepository) List() ([]*models.PluginRecord, error) {
	rows, err := r.db.Query(`SELECT ` + pluginColumns + ` FROM plugins WHERE deleted_at IS NULL ORDER BY group_id, artifact`)
	if err != nil {
		return nil, fmt.Errorf("failed to query plugins: %w", err)
	}
	defer rows.Close()

	var plugins []*models.PluginRecord
	for rows.Next() {
		plugin, err := scanPlugin(rows)
		if err != nil {
			return nil, err
		}
		plugins = append(plugins, plugin)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	return plugins, nil
}

func scanPlugin(row scanner) (*models.PluginRecord, error) {
	var (
		id          string
		sequence    int
		group       string
		artifact    string
		version     string
		path        string
		checksum    string
		installedAt time.Time
		createdAt   time.Time
		updatedAt   time.Time
		deletedAt   sql.NullTime
	)

	err := row.Scan(&id, &sequence, &group, &artifact, &version, &path, &checksum, &installedAt, &createdAt, &updatedAt, &deletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan plugin: %w", err)
	}

	plugin := models.NewPluginRecord(sequence, group, artifact, version, path, checksum)
	plugin.SetID(id)
	plugin.SetInstalledAt(installedAt)
	plugin.SetCreatedAt(createdAt)
	plugin.SetUpdatedAt(updatedAt)
	if deletedAt.Valid {
		plugin.SetDeletedAt(&deletedAt.Time)
	}

	return plugin, nil
}
