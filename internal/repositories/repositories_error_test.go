package repositories

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/desertthunder/waveline/internal/shared"
)

func TestTrackCacheRepositoryErrors(t *testing.T) {
	t.Run("Put", func(t *testing.T) {
		t.Run("ValidationError", func(t *testing.T) {
			repo := NewTrackCacheRepository(setupTestDB(t))
			_, err := repo.Put("spotify", "", "", "QAAA")
			assert.ErrorIs(t, err, shared.ErrInvalidInput)
		})

		t.Run("EmptyEncoded", func(t *testing.T) {
			repo := NewTrackCacheRepository(setupTestDB(t))
			_, err := repo.Put("spotify", "abc", "", "")
			assert.Error(t, err)
		})
	})

	t.Run("Get", func(t *testing.T) {
		t.Run("NotFound", func(t *testing.T) {
			repo := NewTrackCacheRepository(setupTestDB(t))
			_, err := repo.GetByISRC("missing")
			assert.ErrorIs(t, err, shared.ErrTrackNotFound)
		})
	})

	t.Run("Delete", func(t *testing.T) {
		t.Run("NotFound", func(t *testing.T) {
			repo := NewTrackCacheRepository(setupTestDB(t))
			assert.Error(t, repo.Delete("nonexistent-id"))
		})

		t.Run("AlreadyDeleted", func(t *testing.T) {
			repo := NewTrackCacheRepository(setupTestDB(t))
			track, err := repo.Put("spotify", "abc", "", "QAAA")
			require.NoError(t, err)

			require.NoError(t, repo.Delete(track.ID()))
			assert.Error(t, repo.Delete(track.ID()), "deleting twice")
		})
	})

	t.Run("ClosedDatabase", func(t *testing.T) {
		db := setupTestDB(t)
		repo := NewTrackCacheRepository(db)
		db.Close()

		_, err := repo.Put("spotify", "abc", "", "QAAA")
		assert.Error(t, err)
		_, err = repo.List(nil)
		assert.Error(t, err)
	})
}

func TestLastFMUserRepositoryErrors(t *testing.T) {
	t.Run("Upsert", func(t *testing.T) {
		t.Run("ValidationError", func(t *testing.T) {
			repo := NewLastFMUserRepository(setupTestDB(t))
			_, err := repo.Upsert("  ", "rj", "sk")
			assert.ErrorIs(t, err, shared.ErrInvalidInput)
		})
	})

	t.Run("NotFound", func(t *testing.T) {
		repo := NewLastFMUserRepository(setupTestDB(t))

		_, err := repo.Get("missing")
		assert.ErrorIs(t, err, shared.ErrUserNotFound, "Get")
		assert.ErrorIs(t, repo.ClearSession("missing"), shared.ErrUserNotFound, "ClearSession")
		assert.ErrorIs(t, repo.SetScrobble("missing", true), shared.ErrUserNotFound, "SetScrobble")
		assert.ErrorIs(t, repo.Delete("missing"), shared.ErrUserNotFound, "Delete")
	})
}

func TestPluginRepositoryErrors(t *testing.T) {
	t.Run("RecordInstall", func(t *testing.T) {
		t.Run("IncompleteCoordinate", func(t *testing.T) {
			repo := NewPluginRepository(setupTestDB(t))
			_, err := repo.RecordInstall("g", "a", "", "plugins/a.jar", "")
			assert.Error(t, err, "missing version")
		})

		t.Run("MissingPath", func(t *testing.T) {
			repo := NewPluginRepository(setupTestDB(t))
			_, err := repo.RecordInstall("g", "a", "1.0.0", "", "")
			assert.Error(t, err, "missing path")
		})
	})

	t.Run("NotFound", func(t *testing.T) {
		repo := NewPluginRepository(setupTestDB(t))

		_, err := repo.Get("g", "a")
		assert.ErrorIs(t, err, shared.ErrPluginNotFound, "Get")
		assert.ErrorIs(t, repo.Remove("g", "a"), shared.ErrPluginNotFound, "Remove")
	})
}
