package segment

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_WriteReadRestoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	pool := NewPool(dir, Unbounded)

	payload := []byte("hello shared memory")
	written, err := pool.Write(payload)
	require.NoError(t, err)
	assert.Equal(t, len(payload), written.Size)

	free, inUse := pool.Stats()
	assert.Equal(t, 0, free)
	assert.Equal(t, 1, inUse)

	got, err := Read(dir, written.Name, written.Size)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	require.NoError(t, pool.Restore(written.Name))
	free, inUse = pool.Stats()
	assert.Equal(t, 1, free)
	assert.Equal(t, 0, inUse)
}

func TestPool_RestoreUnknownNameFails(t *testing.T) {
	pool := NewPool(t.TempDir(), Unbounded)
	err := pool.Restore("does-not-exist")
	require.Error(t, err)
}

func TestPool_RecyclesRestoredSegment(t *testing.T) {
	dir := t.TempDir()
	pool := NewPool(dir, Unbounded)

	first, err := pool.Write([]byte("01234567890123456789"))
	require.NoError(t, err)
	require.NoError(t, pool.Restore(first.Name))

	second, err := pool.Write([]byte("short"))
	require.NoError(t, err)

	assert.Equal(t, first.Name, second.Name, "should reuse the restored segment rather than allocate a new one")
}

func TestPool_QueueExhaustedAtBound(t *testing.T) {
	dir := t.TempDir()
	pool := NewPool(dir, 1)

	_, err := pool.Write([]byte("first"))
	require.NoError(t, err)

	_, err = pool.Write([]byte("second"))
	require.ErrorIs(t, err, ErrQueueExhausted)
}

func TestPool_ReclaimsUndersizedFreeSegmentAtBound(t *testing.T) {
	dir := t.TempDir()
	pool := NewPool(dir, 1)

	small, err := pool.Write([]byte("ab"))
	require.NoError(t, err)
	require.NoError(t, pool.Restore(small.Name))

	bigger, err := pool.Write([]byte("a much longer payload than before"))
	require.NoError(t, err)
	assert.NotEqual(t, small.Name, bigger.Name)

	free, inUse := pool.Stats()
	assert.Equal(t, 0, free)
	assert.Equal(t, 1, inUse)
}

func TestPool_ClearDestroysEverySegment(t *testing.T) {
	dir := t.TempDir()
	pool := NewPool(dir, Unbounded)

	w1, err := pool.Write([]byte("one"))
	require.NoError(t, err)
	_, err = pool.Write([]byte("two"))
	require.NoError(t, err)
	require.NoError(t, pool.Restore(w1.Name))

	require.NoError(t, pool.Clear())
	free, inUse := pool.Stats()
	assert.Equal(t, 0, free)
	assert.Equal(t, 0, inUse)

	_, err = Read(dir, w1.Name, w1.Size)
	assert.Error(t, err)
}
