package channel

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestChannel_ServerClientMirrorRoundTrip(t *testing.T) {
	root := t.TempDir()

	smDir := t.TempDir()
	server, err := NewServerSide(root, "cam0", ".p2s.smipc", ".s2p.smipc", Config{SMDir: smDir})
	require.NoError(t, err)
	defer server.Close()
	defer server.Cleanup()

	client, err := NewClientMirror(server, Config{SMDir: smDir})
	require.NoError(t, err)
	defer client.Close()
	defer client.Cleanup()

	written, err := server.Send([]byte("hello"))
	require.NoError(t, err)
	require.Equal(t, 0, written.SMByte)

	got, err := client.Recv()
	require.NoError(t, err)
	require.Equal(t, "hello", string(got))

	written, err = client.Send([]byte("world!"))
	require.NoError(t, err)
	require.Equal(t, 0, written.SMByte)

	got, err = server.Recv()
	require.NoError(t, err)
	require.Equal(t, "world!", string(got))
}

func TestChannel_EmptySuffixesDefaultAndRoundTrip(t *testing.T) {
	root := t.TempDir()
	smDir := t.TempDir()

	server, err := NewServerSide(root, "cam0", "", "", Config{SMDir: smDir})
	require.NoError(t, err)
	defer server.Close()
	defer server.Cleanup()

	client, err := NewClientSide(root, "cam0", "", "", Config{SMDir: smDir})
	require.NoError(t, err)
	defer client.Close()

	written, err := server.Send([]byte("hi"))
	require.NoError(t, err)
	require.Equal(t, 0, written.SMByte)

	got, err := client.Recv()
	require.NoError(t, err)
	require.Equal(t, "hi", string(got))
}

func TestChannel_RejectsEqualSuffixes(t *testing.T) {
	root := t.TempDir()
	_, err := NewServerSide(root, "cam0", ".same", ".same", Config{})
	require.Error(t, err)
}

func TestChannel_CleanupUnlinksFIFOsOnServerOnly(t *testing.T) {
	root := t.TempDir()

	smDir := t.TempDir()
	server, err := NewServerSide(root, "cam0", ".p2s.smipc", ".s2p.smipc", Config{SMDir: smDir})
	require.NoError(t, err)
	client, err := NewClientMirror(server, Config{SMDir: smDir})
	require.NoError(t, err)

	require.NoError(t, client.Close())
	require.NoError(t, client.Cleanup(), "client side owns no FIFO nodes, cleanup is a no-op")
	_, err = os.Lstat(server.s2c.Path())
	require.NoError(t, err, "client cleanup must leave the s2c FIFO in place")
	_, err = os.Lstat(server.c2s.Path())
	require.NoError(t, err, "client cleanup must leave the c2s FIFO in place")

	require.NoError(t, server.Close())
	require.NoError(t, server.Cleanup())
	_, err = os.Lstat(server.s2c.Path())
	require.ErrorIs(t, err, os.ErrNotExist)
	_, err = os.Lstat(server.c2s.Path())
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestChannel_LargePayloadRestoresAcrossMirror(t *testing.T) {
	root := t.TempDir()

	smDir := t.TempDir()
	server, err := NewServerSide(root, "cam0", ".p2s.smipc", ".s2p.smipc", Config{SMDir: smDir})
	require.NoError(t, err)
	defer server.Close()
	defer server.Cleanup()

	client, err := NewClientMirror(server, Config{SMDir: smDir})
	require.NoError(t, err)
	defer client.Close()
	defer client.Cleanup()

	payload := make([]byte, 1<<20)
	for i := range payload {
		payload[i] = byte(i)
	}

	written, err := server.Send(payload)
	require.NoError(t, err)
	require.Equal(t, len(payload), written.SMByte)

	got, err := client.Recv()
	require.NoError(t, err)
	require.Equal(t, payload, got)

	next, err := server.Recv()
	require.NoError(t, err)
	require.Nil(t, next, "consuming the SM_RESTORE reports no payload this turn")
}
