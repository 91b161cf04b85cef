package testing

import (
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"nexus-relay/internal/storage/sqlite"
	"path/filepath"
	"testing"
)

// SQLiteStore opens a store in a fresh temporary directory, closed when the test ends
func SQLiteStore(t *testing.T) *sqlite.Store {
	t.Helper()

	s, err := sqlite.Open(zap.NewNop().Sugar(), filepath.Join(t.TempDir(), "nexus.db"))
	require.NoError(t, err)
	t.Cleanup(s.Close)

	return s
}
