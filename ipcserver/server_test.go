package ipcserver

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onkernel/shmipc/channel"
)

func TestServer_RejectsSuffixCollision(t *testing.T) {
	_, err := New(Config{Root: t.TempDir(), S2CSuffix: ".x", C2SSuffix: ".x"})
	require.ErrorIs(t, err, ErrSuffixCollision)
}

func TestServer_RejectsNonDirectoryRoot(t *testing.T) {
	root := t.TempDir() + "/not-a-dir"
	require.NoError(t, os.WriteFile(root, []byte("x"), 0o600))

	noMake := false
	_, err := New(Config{Root: root, MakeRoot: &noMake})
	require.Error(t, err)
}

func TestServer_OpenGetCloseCleanup(t *testing.T) {
	root := t.TempDir()
	smDir := t.TempDir()
	s, err := New(Config{Root: root})
	require.NoError(t, err)

	ch, err := s.Open("cam0", channel.Config{SMDir: smDir})
	require.NoError(t, err)
	require.Equal(t, []string{"cam0"}, s.Keys())
	require.Equal(t, 1, s.Len())

	got, err := s.Get("cam0")
	require.NoError(t, err)
	require.Same(t, ch, got)

	require.NoError(t, s.Close("cam0"))
	require.Equal(t, channel.Closed, ch.State())

	require.NoError(t, s.Cleanup("cam0"))
	require.Empty(t, s.Keys())
	require.Equal(t, 0, s.Len())

	_, err = s.Get("cam0")
	require.ErrorIs(t, err, ErrKeyNotFound)
}

func TestServer_OpenRejectsDuplicateKey(t *testing.T) {
	root := t.TempDir()
	s, err := New(Config{Root: root})
	require.NoError(t, err)

	_, err = s.Open("cam0", channel.Config{SMDir: t.TempDir()})
	require.NoError(t, err)

	_, err = s.Open("cam0", channel.Config{SMDir: t.TempDir()})
	require.ErrorIs(t, err, ErrKeyExists)

	require.NoError(t, s.Cleanup("cam0"))
}

func TestServer_CloseAllUnlinksEverything(t *testing.T) {
	root := t.TempDir()
	s, err := New(Config{Root: root})
	require.NoError(t, err)

	_, err = s.Open("a", channel.Config{SMDir: t.TempDir()})
	require.NoError(t, err)
	_, err = s.Open("b", channel.Config{SMDir: t.TempDir()})
	require.NoError(t, err)

	require.NoError(t, s.CloseAll(context.Background()))
	assert.Empty(t, s.Keys())

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	assert.Empty(t, entries, "every channel's FIFO nodes are unlinked")
}
