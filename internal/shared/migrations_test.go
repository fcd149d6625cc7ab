package shared

import (
	"database/sql"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func memoryDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := NewDatabase(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func appliedCount(t *testing.T, db *sql.DB) int {
	t.Helper()
	var count int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count))
	return count
}

func TestMigrationRunner(t *testing.T) {
	t.Run("loadMigrations", func(t *testing.T) {
		migrations, err := loadMigrations()
		require.NoError(t, err)
		require.NotEmpty(t, migrations)

		for i := 1; i < len(migrations); i++ {
			assert.Greater(t, migrations[i].Version, migrations[i-1].Version, "migrations not sorted")
		}
		for _, m := range migrations {
			assert.NotEmpty(t, m.Name, "migration %d name", m.Version)
			assert.NotEmpty(t, m.Up, "migration %d up SQL", m.Version)
			assert.NotEmpty(t, m.Down, "migration %d down SQL", m.Version)
		}
	})

	t.Run("readMigrations", func(t *testing.T) {
		fsys := fstest.MapFS{
			"sql/0001_second_up.sql":   {Data: []byte("SELECT 2;")},
			"sql/0001_second_down.sql": {Data: []byte("SELECT 2;")},
			"sql/0000_first_up.sql":    {Data: []byte("SELECT 1;")},
			"sql/0000_first_down.sql":  {Data: []byte("SELECT 1;")},
			"sql/README.sql":           {Data: []byte("ignored")},
		}
		migrations, err := readMigrations(fsys, "sql")
		require.NoError(t, err)
		require.Len(t, migrations, 2)
		assert.Equal(t, "first", migrations[0].Name)
		assert.Equal(t, "second", migrations[1].Name)

		delete(fsys, "sql/0001_second_down.sql")
		_, err = readMigrations(fsys, "sql")
		assert.ErrorContains(t, err, "incomplete migration for version 1")
	})

	t.Run("RunMigrations And Rollback", func(t *testing.T) {
		db := memoryDB(t)
		require.NoError(t, RunMigrations(db))

		count := appliedCount(t, db)
		assert.NotZero(t, count)

		for _, table := range []string{"track_cache", "lastfm_users", "plugins"} {
			_, err := db.Exec("SELECT 1 FROM " + table + " LIMIT 1")
			assert.NoError(t, err, "%s table should exist after migrations", table)
		}

		require.NoError(t, RollbackMigration(db))
		assert.Equal(t, count-1, appliedCount(t, db))

		_, err := db.Exec("SELECT 1 FROM plugins LIMIT 1")
		assert.Error(t, err, "newest migration should be reverted")
	})

	t.Run("Idempotent Migrations", func(t *testing.T) {
		db := memoryDB(t)
		require.NoError(t, RunMigrations(db))
		require.NoError(t, RunMigrations(db))

		migrations, err := loadMigrations()
		require.NoError(t, err)
		assert.Equal(t, len(migrations), appliedCount(t, db))
	})

	t.Run("every embedded script applies on a fresh database", func(t *testing.T) {
		migrations, err := loadMigrations()
		require.NoError(t, err)

		db := memoryDB(t)
		require.NoError(t, RunMigrations(db))

		for _, m := range migrations {
			var name string
			require.NoError(t, db.QueryRow("SELECT name FROM schema_migrations WHERE version = ?", m.Version).Scan(&name))
			assert.Equal(t, m.Name, name)
		}

		var plugins int
		assert.NoError(t, db.QueryRow("SELECT value FROM plugins_sequence WHERE id = 1").Scan(&plugins))
	})

	t.Run("Rollback Without Migrations", func(t *testing.T) {
		assert.Error(t, RollbackMigration(memoryDB(t)))
	})

	t.Run("splitStatements", func(t *testing.T) {
		script := `-- leading comment
CREATE TABLE a (id INTEGER); -- trailing
;

INSERT INTO a (id) VALUES (1);`

		statements := splitStatements(script)
		require.Len(t, statements, 2)
		assert.Equal(t, "CREATE TABLE a (id INTEGER)", statements[0])
		assert.Equal(t, "INSERT INTO a (id) VALUES (1)", statements[1])
	})

	t.Run("splitStatements ignores punctuation in comments and strings", func(t *testing.T) {
		tests := []struct {
			name   string
			script string
			want   []string
		}{
			{"semicolon in line comment", "-- a; b\nSELECT 1;", []string{"SELECT 1"}},
			{"semicolon in block comment", "/* x; y */ SELECT 1; SELECT 2", []string{"SELECT 1", "SELECT 2"}},
			{"semicolon in string", "INSERT INTO a (v) VALUES ('x;y');", []string{"INSERT INTO a (v) VALUES ('x;y')"}},
			{"dashes in string", "SELECT '--not a comment';", []string{"SELECT '--not a comment'"}},
			{"comment only", "-- nothing here;\n", nil},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				assert.Equal(t, tt.want, splitStatements(tt.script))
			})
		}
	})
}
