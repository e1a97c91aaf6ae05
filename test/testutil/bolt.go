package testutil

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"
)

// CreateTempBoltDB creates a temporary BoltDB database for testing purposes.
// It returns the database connection, the file path, and a cleanup function.
// The directory itself is removed by the testing package.
func CreateTempBoltDB(t *testing.T) (*bolt.DB, string, func()) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "engram.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	require.NoError(t, err)

	cleanup := func() {
		db.Close()
	}
	return db, dbPath, cleanup
}

// TempPath returns a file path inside a per-test temporary directory.
func TempPath(t *testing.T, name string) string {
	t.Helper()
	return filepath.Join(t.TempDir(), name)
}
