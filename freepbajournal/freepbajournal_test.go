package freepbajournal

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hkadayam/HomeReplication/logutil"
	"github.com/hkadayam/HomeReplication/pba"
	"github.com/hkadayam/HomeReplication/storageiface/memlogstore"
)

func newTestJournal() *Journal {
	return Open(logutil.NewNop(), memlogstore.New())
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	for _, n := range []int{0, 1, 2, 1000} {
		pbas := make([]pba.PBA, n)
		for i := range pbas {
			pbas[i] = pba.PBA(i * 7)
		}
		buf := Encode(pbas)
		got, err := Decode(buf)
		require.NoError(t, err)
		assert.Equal(t, pbas, got)
	}
}

func TestDecodeCorruption(t *testing.T) {
	_, err := Decode([]byte{1, 2})
	assert.Error(t, err)

	// declares 2 pbas but has none
	_, err = Decode([]byte{2, 0, 0, 0})
	assert.Error(t, err)
}

func TestAppendFlushReplay(t *testing.T) {
	ctx := context.Background()
	j := newTestJournal()

	require.NoError(t, j.Append(ctx, 1, []pba.PBA{100}))
	require.NoError(t, j.Flush(ctx))

	var got []pba.PBA
	require.NoError(t, j.Replay(ctx, 1, 2, func(lsn pba.LSN, pbas []pba.PBA) error {
		assert.Equal(t, pba.LSN(1), lsn)
		got = pbas
		return nil
	}))
	assert.Equal(t, []pba.PBA{100}, got)
}

// TestReplayRangeBoundary checks the half-open replay boundary: with
// records at lsns {1,2,3,4,5}, Replay(2,5,visitor) must invoke visitor for
// {2,3,4}, not 5.
func TestReplayRangeBoundary(t *testing.T) {
	ctx := context.Background()
	j := newTestJournal()

	for lsn := pba.LSN(1); lsn <= 5; lsn++ {
		require.NoError(t, j.Append(ctx, lsn, []pba.PBA{pba.PBA(lsn)}))
	}

	var visited []pba.LSN
	require.NoError(t, j.Replay(ctx, 2, 5, func(lsn pba.LSN, pbas []pba.PBA) error {
		visited = append(visited, lsn)
		return nil
	}))
	assert.Equal(t, []pba.LSN{2, 3, 4}, visited)
}

// TestTruncateUpto checks that after truncating through lsn 1000, the
// records at lsns 500 and 1000 are gone and replaying from 1 returns only
// the record written after (lsn 1500).
func TestTruncateUpto(t *testing.T) {
	ctx := context.Background()
	j := newTestJournal()

	for _, lsn := range []pba.LSN{500, 1000, 1500} {
		require.NoError(t, j.Append(ctx, lsn, []pba.PBA{pba.PBA(lsn)}))
	}
	require.NoError(t, j.TruncateUpto(ctx, 1000))

	var fromStart []pba.LSN
	require.NoError(t, j.Replay(ctx, 1, 10000, func(lsn pba.LSN, _ []pba.PBA) error {
		fromStart = append(fromStart, lsn)
		return nil
	}))
	assert.Equal(t, []pba.LSN{1500}, fromStart)
}

func TestFlushWithNothingWrittenIsNoop(t *testing.T) {
	j := newTestJournal()
	assert.NoError(t, j.Flush(context.Background()))
}
