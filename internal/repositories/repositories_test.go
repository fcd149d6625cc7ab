package repositories

import (
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/desertthunder/waveline/internal/codec"
	"github.com/desertthunder/waveline/internal/models"
	"github.com/desertthunder/waveline/internal/shared"
)

// setupTestDB creates an in-memory SQLite database with migrations applied, closed when the test ends.
func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := shared.NewDatabase(":memory:")
	require.NoError(t, err, "failed to create test database")
	t.Cleanup(func() { db.Close() })

	require.NoError(t, shared.RunMigrations(db), "failed to run migrations")
	return db
}

func TestNextSequence(t *testing.T) {
	db := setupTestDB(t)

	for want := 1; want <= 3; want++ {
		got, err := NextSequence(db, "plugins")
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestTrackCacheRepository(t *testing.T) {
	t.Run("Put", func(t *testing.T) {
		repo := NewTrackCacheRepository(setupTestDB(t))
		track, err := repo.Put("spotify", "abc", "USRC17607839", "QAAA")
		require.NoError(t, err)

		assert.NotEmpty(t, track.ID(), "track ID should be set after caching")
		assert.Equal(t, 1, track.Sequence())
		assert.Equal(t, "USRC17607839", track.ISRC())
	})

	t.Run("PutReplaces", func(t *testing.T) {
		repo := NewTrackCacheRepository(setupTestDB(t))
		first, err := repo.Put("spotify", "abc", "", "old")
		require.NoError(t, err)

		second, err := repo.Put("spotify", "abc", "ISRC1", "new")
		require.NoError(t, err)

		assert.Equal(t, first.ID(), second.ID(), "row should be updated in place")
		assert.Equal(t, "new", second.Encoded())

		count, err := repo.Count()
		require.NoError(t, err)
		assert.EqualValues(t, 1, count)
	})

	t.Run("GetByISRC", func(t *testing.T) {
		repo := NewTrackCacheRepository(setupTestDB(t))
		_, err := repo.Put("spotify", "a", "ISRC1", "one")
		require.NoError(t, err)
		_, err = repo.Put("deezer", "b", "ISRC2", "two")
		require.NoError(t, err)

		track, err := repo.GetByISRC("ISRC2")
		require.NoError(t, err)
		assert.Equal(t, "deezer", track.Source())
		assert.Equal(t, "b", track.Identifier())
	})

	t.Run("DeleteAndRestore", func(t *testing.T) {
		repo := NewTrackCacheRepository(setupTestDB(t))
		track, err := repo.Put("spotify", "abc", "ISRC1", "QAAA")
		require.NoError(t, err)

		require.NoError(t, repo.Delete(track.ID()))
		_, err = repo.Get(track.ID())
		assert.Error(t, err, "deleted track should not be returned")

		restored, err := repo.Put("spotify", "abc", "ISRC1", "QAAB")
		require.NoError(t, err)
		assert.False(t, restored.IsDeleted(), "restored track should not be deleted")
	})

	t.Run("Prune", func(t *testing.T) {
		db := setupTestDB(t)
		repo := NewTrackCacheRepository(db)
		stale, err := repo.Put("spotify", "old", "", "one")
		require.NoError(t, err)
		_, err = repo.Put("spotify", "fresh", "", "two")
		require.NoError(t, err)

		past := time.Now().UTC().Add(-48 * time.Hour)
		_, err = db.Exec("UPDATE track_cache SET updated_at = ? WHERE id = ?", past, stale.ID())
		require.NoError(t, err)

		pruned, err := repo.Prune(24 * time.Hour)
		require.NoError(t, err)
		assert.EqualValues(t, 1, pruned)

		tracks, err := repo.List(nil)
		require.NoError(t, err)
		require.Len(t, tracks, 1)
		assert.Equal(t, "fresh", tracks[0].Identifier())
	})

	t.Run("List", func(t *testing.T) {
		repo := NewTrackCacheRepository(setupTestDB(t))
		for _, key := range [][2]string{{"spotify", "a"}, {"deezer", "b"}, {"spotify", "c"}} {
			_, err := repo.Put(key[0], key[1], "", "enc-"+key[1])
			require.NoError(t, err)
		}

		tracks, err := repo.List(map[string]any{"source": "spotify"})
		require.NoError(t, err)
		require.Len(t, tracks, 2)
		assert.Equal(t, "a", tracks[0].Identifier(), "sequence order")
		assert.Equal(t, "c", tracks[1].Identifier(), "sequence order")
	})
}

func TestTrackCacheAdapter(t *testing.T) {
	t.Run("RoundTrip", func(t *testing.T) {
		adapter := NewTrackCacheAdapter(NewTrackCacheRepository(setupTestDB(t)), nil)
		track, err := codec.NewTrack(models.TrackInfo{
			Identifier: "dQw4w9WgXcQ",
			Title:      "Never Gonna Give You Up",
			Author:     "Rick Astley",
			Length:     212000,
			SourceName: "youtube",
		})
		require.NoError(t, err)

		require.NoError(t, adapter.CacheTrack("spotify", "4PTG3Z6ehGkBFwjybzWkR8", "GBARL9300135", track))

		cached, ok := adapter.CachedByISRC("GBARL9300135")
		require.True(t, ok, "expected cache hit")
		assert.Equal(t, "dQw4w9WgXcQ", cached.Info.Identifier)
	})

	t.Run("Miss", func(t *testing.T) {
		adapter := NewTrackCacheAdapter(NewTrackCacheRepository(setupTestDB(t)), nil)
		_, ok := adapter.CachedByISRC("NOPE")
		assert.False(t, ok)
	})

	t.Run("UndecodableRowIsDropped", func(t *testing.T) {
		repo := NewTrackCacheRepository(setupTestDB(t))
		_, err := repo.Put("spotify", "x", "ISRCX", "not-a-track")
		require.NoError(t, err)

		adapter := NewTrackCacheAdapter(repo, nil)
		_, ok := adapter.CachedByISRC("ISRCX")
		assert.False(t, ok, "undecodable row should miss")

		_, err = repo.GetByIdentifier("spotify", "x")
		assert.Error(t, err, "undecodable row should be deleted")
	})
}

func TestLastFMUserRepository(t *testing.T) {
	t.Run("Upsert", func(t *testing.T) {
		repo := NewLastFMUserRepository(setupTestDB(t))
		user, err := repo.Upsert("1234", "rj", "sk-1")
		require.NoError(t, err)
		assert.True(t, user.CanScrobble(), "new user should be able to scrobble")

		updated, err := repo.Upsert("1234", "rj2", "sk-2")
		require.NoError(t, err)
		assert.Equal(t, user.ID(), updated.ID(), "upsert should keep the row id")
		assert.Equal(t, "rj2", updated.Username())
		assert.Equal(t, "sk-2", updated.SessionKey())
	})

	t.Run("ClearSession", func(t *testing.T) {
		repo := NewLastFMUserRepository(setupTestDB(t))
		_, err := repo.Upsert("1234", "rj", "sk-1")
		require.NoError(t, err)

		require.NoError(t, repo.ClearSession("1234"))

		user, err := repo.Get("1234")
		require.NoError(t, err)
		assert.Empty(t, user.SessionKey())
		assert.False(t, user.CanScrobble(), "cleared user should not scrobble")
	})

	t.Run("SetScrobble", func(t *testing.T) {
		repo := NewLastFMUserRepository(setupTestDB(t))
		_, err := repo.Upsert("1234", "rj", "sk-1")
		require.NoError(t, err)

		require.NoError(t, repo.SetScrobble("1234", false))

		user, err := repo.Get("1234")
		require.NoError(t, err)
		assert.False(t, user.Scrobble())

		// Re-linking keeps the preference.
		user, err = repo.Upsert("1234", "rj", "sk-2")
		require.NoError(t, err)
		assert.False(t, user.Scrobble())
	})

	t.Run("DeleteAndRelink", func(t *testing.T) {
		repo := NewLastFMUserRepository(setupTestDB(t))
		_, err := repo.Upsert("1234", "rj", "sk-1")
		require.NoError(t, err)
		require.NoError(t, repo.SetScrobble("1234", false))
		require.NoError(t, repo.Delete("1234"))

		_, err = repo.Get("1234")
		require.Error(t, err, "deleted user should not be returned")

		user, err := repo.Upsert("1234", "rj", "sk-3")
		require.NoError(t, err)
		assert.True(t, user.Scrobble(), "relinked user should scrobble again")
	})

	t.Run("List", func(t *testing.T) {
		repo := NewLastFMUserRepository(setupTestDB(t))
		for _, id := range []string{"1", "2", "3"} {
			_, err := repo.Upsert(id, "user"+id, "sk")
			require.NoError(t, err)
		}
		require.NoError(t, repo.Delete("2"))

		users, err := repo.List()
		require.NoError(t, err)
		require.Len(t, users, 2)
		assert.Equal(t, "1", users[0].UserID())
		assert.Equal(t, "3", users[1].UserID())
	})
}

func TestPluginRepository(t *testing.T) {
	t.Run("RecordInstall", func(t *testing.T) {
		repo := NewPluginRepository(setupTestDB(t))
		plugin, err := repo.RecordInstall("com.github.topi314.lavasrc", "lavasrc-plugin", "4.0.0", "plugins/lavasrc-plugin-4.0.0.jar", "abc")
		require.NoError(t, err)

		assert.Equal(t, "com.github.topi314.lavasrc:lavasrc-plugin:4.0.0", plugin.Coordinate())
		assert.False(t, plugin.InstalledAt().IsZero(), "installed_at should be set")
	})

	t.Run("Upgrade", func(t *testing.T) {
		repo := NewPluginRepository(setupTestDB(t))
		_, err := repo.RecordInstall("g", "a", "1.0.0", "plugins/a-1.0.0.jar", "")
		require.NoError(t, err)
		_, err = repo.RecordInstall("g", "a", "1.1.0", "plugins/a-1.1.0.jar", "")
		require.NoError(t, err)

		plugins, err := repo.List()
		require.NoError(t, err)
		require.Len(t, plugins, 1)
		assert.Equal(t, "1.1.0", plugins[0].Version())
	})

	t.Run("Remove", func(t *testing.T) {
		repo := NewPluginRepository(setupTestDB(t))
		_, err := repo.RecordInstall("g", "a", "1.0.0", "plugins/a-1.0.0.jar", "")
		require.NoError(t, err)

		require.NoError(t, repo.Remove("g", "a"))
		_, err = repo.Get("g", "a")
		assert.Error(t, err, "removed plugin should not be returned")
	})
}
