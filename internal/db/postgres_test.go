package db

import (
	"io/fs"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrationURL(t *testing.T) {
	assert.Equal(t, "pgx5://u:p@localhost:5432/app", migrationURL("postgres://u:p@localhost:5432/app"))
	assert.Equal(t, "pgx5://u:p@localhost/app?sslmode=disable", migrationURL("postgresql://u:p@localhost/app?sslmode=disable"))
	assert.Equal(t, "pgx5://host/app", migrationURL("host/app"))
}

func TestMigrationsAreEmbeddedInPairs(t *testing.T) {
	ups, err := fs.Glob(migrationsFS, "migrations/*.up.sql")
	require.NoError(t, err)
	downs, err := fs.Glob(migrationsFS, "migrations/*.down.sql")
	require.NoError(t, err)

	require.NotEmpty(t, ups)
	assert.Len(t, downs, len(ups))
}
