package boltlogstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendForeachRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "log.bolt")

	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.WriteAsync(ctx, 1, []byte("one")))
	require.NoError(t, s.WriteAsync(ctx, 2, []byte("two")))
	require.NoError(t, s.WriteAsync(ctx, 3, []byte("three")))
	require.NoError(t, s.FlushSync(ctx, 3))

	var lsns []int64
	var payloads []string
	require.NoError(t, s.Foreach(ctx, 2, func(lsn int64, payload []byte) (bool, error) {
		lsns = append(lsns, lsn)
		payloads = append(payloads, string(payload))
		return true, nil
	}))
	assert.Equal(t, []int64{2, 3}, lsns)
	assert.Equal(t, []string{"two", "three"}, payloads)
}

func TestForeachStopsEarly(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "log.bolt")

	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	for lsn := int64(1); lsn <= 5; lsn++ {
		require.NoError(t, s.WriteAsync(ctx, lsn, []byte("x")))
	}

	var visited []int64
	require.NoError(t, s.Foreach(ctx, 1, func(lsn int64, _ []byte) (bool, error) {
		visited = append(visited, lsn)
		return lsn < 3, nil
	}))
	assert.Equal(t, []int64{1, 2, 3}, visited)
}

func TestTruncateDropsUpToLSN(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "log.bolt")

	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	for _, lsn := range []int64{1, 2, 3} {
		require.NoError(t, s.WriteAsync(ctx, lsn, []byte("x")))
	}
	require.NoError(t, s.Truncate(ctx, 2))

	var remaining []int64
	require.NoError(t, s.Foreach(ctx, 0, func(lsn int64, _ []byte) (bool, error) {
		remaining = append(remaining, lsn)
		return true, nil
	}))
	assert.Equal(t, []int64{3}, remaining)
}

func TestWriteAsyncOverwritesSameLSN(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "log.bolt")

	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.WriteAsync(ctx, 1, []byte("first")))
	require.NoError(t, s.WriteAsync(ctx, 1, []byte("second")))

	var payloads []string
	require.NoError(t, s.Foreach(ctx, 0, func(_ int64, payload []byte) (bool, error) {
		payloads = append(payloads, string(payload))
		return true, nil
	}))
	assert.Equal(t, []string{"second"}, payloads)
}

// TestReopenPersistsRecords covers the restart path for the bbolt-backed
// store: records written before Close must still be present after
// reopening the same database file.
func TestReopenPersistsRecords(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "log.bolt")

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.WriteAsync(ctx, 1, []byte("alpha")))
	require.NoError(t, s.WriteAsync(ctx, 2, []byte("beta")))
	require.NoError(t, s.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	var payloads []string
	require.NoError(t, reopened.Foreach(ctx, 0, func(_ int64, payload []byte) (bool, error) {
		payloads = append(payloads, string(payload))
		return true, nil
	}))
	assert.Equal(t, []string{"alpha", "beta"}, payloads)
}
