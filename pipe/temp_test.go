package pipe

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTemporaryPipe_CreatesAndCleansUp(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.fifo")

	tp, err := NewTemporaryPipe(path, 0o600)
	require.NoError(t, err)
	require.Equal(t, path, tp.Path())

	info, err := os.Lstat(path)
	require.NoError(t, err)
	require.NotZero(t, info.Mode()&os.ModeNamedPipe)

	require.NoError(t, tp.Cleanup())
	_, err = os.Lstat(path)
	require.ErrorIs(t, err, os.ErrNotExist)

	// idempotent
	require.NoError(t, tp.Cleanup())
}

func TestTemporaryPipe_RejectsExistingNonFIFO(t *testing.T) {
	path := filepath.Join(t.TempDir(), "regular")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o600))

	_, err := NewTemporaryPipe(path, 0o600)
	require.Error(t, err)
}

func TestTemporaryPipe_RejectsExistingFIFO(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dup.fifo")

	first, err := NewTemporaryPipe(path, 0o600)
	require.NoError(t, err)
	defer first.Cleanup()

	_, err = NewTemporaryPipe(path, 0o600)
	require.Error(t, err)
}
