// Package freepbajournal implements the FreePbaJournal: a
// durable, per-replica-set record of (lsn -> [pba]) that the state machine
// must append to, and wait for durability of, before a commit may advance
// commit_lsn or before the storage engine is told to free anything.
package freepbajournal

import (
	"context"
	"encoding/binary"
	"sync"

	"github.com/hkadayam/HomeReplication/errs"
	"github.com/hkadayam/HomeReplication/logutil"
	"github.com/hkadayam/HomeReplication/pba"
	"github.com/hkadayam/HomeReplication/storageiface"
)

// Journal owns exactly one LogStore, identified by the free_pba_store_id
// recorded in the owning replica set's superblock.
type Journal struct {
	log   *logutil.Logger
	store storageiface.LogStore

	mu           sync.Mutex
	lastWriteLSN int64 // highest store-LSN successfully handed to WriteAsync; -1 if none
}

// Open wraps an already-open LogStore as a FreePbaJournal.
func Open(log *logutil.Logger, store storageiface.LogStore) *Journal {
	return &Journal{log: log, store: store, lastWriteLSN: -1}
}

// Encode serializes a FreePbaRecord as "u32 count" followed by
// "count x u64 pba", little-endian. Like the superblock record, this format
// is defined byte-for-byte as a fixed layout, so it is hand-encoded rather
// than routed through a generic serialization library.
func Encode(pbas []pba.PBA) []byte {
	buf := make([]byte, 4+8*len(pbas))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(pbas)))
	for i, p := range pbas {
		binary.LittleEndian.PutUint64(buf[4+8*i:4+8*(i+1)], uint64(p))
	}
	return buf
}

// Decode is the inverse of Encode. It returns errs.ErrCorruption if buf is
// shorter than its declared count requires.
func Decode(buf []byte) ([]pba.PBA, error) {
	if len(buf) < 4 {
		return nil, errs.Wrapf(errs.ErrCorruption, "free pba record too short: %d bytes", len(buf))
	}
	count := binary.LittleEndian.Uint32(buf[0:4])
	want := 4 + 8*int(count)
	if len(buf) < want {
		return nil, errs.Wrapf(errs.ErrCorruption, "free pba record declares %d pbas but has only %d bytes", count, len(buf))
	}
	pbas := make([]pba.PBA, count)
	for i := uint32(0); i < count; i++ {
		off := 4 + 8*int(i)
		pbas[i] = pba.PBA(binary.LittleEndian.Uint64(buf[off : off+8]))
	}
	return pbas, nil
}

// Append encodes and records (lsn, pbas), writing at store-LSN =
// lsn-1. It returns once the underlying LogStore has
// accepted the write; callers that need durability before proceeding (every
// caller in this module does, per the §4.7 invariant chain) must also call
// Flush.
func (j *Journal) Append(ctx context.Context, lsn pba.LSN, pbas []pba.PBA) error {
	storeLSN := pba.StoreLSN(lsn)
	buf := Encode(pbas)
	if err := j.store.WriteAsync(ctx, storeLSN, buf); err != nil {
		return errs.Wrapf(err, "appending free pba record for lsn %d", lsn)
	}
	j.mu.Lock()
	if storeLSN > j.lastWriteLSN {
		j.lastWriteLSN = storeLSN
	}
	j.mu.Unlock()
	j.log.Debugf("free pba journal: appended lsn=%d pbas=%v", lsn, pbas)
	return nil
}

// Flush forces durability of every record appended so far. If nothing has
// been appended, Flush is a no-op.
func (j *Journal) Flush(ctx context.Context) error {
	j.mu.Lock()
	lsn := j.lastWriteLSN
	j.mu.Unlock()

	if lsn < 0 {
		return nil
	}
	if err := j.store.FlushSync(ctx, lsn); err != nil {
		return errs.Wrap(err, "flushing free pba journal")
	}
	return nil
}

// VisitFunc is called once per record during Replay, with the
// consensus-level LSN (not the store-LSN) and the decoded PBA list.
type VisitFunc func(lsn pba.LSN, pbas []pba.PBA) error

// Replay iterates the journal from startLSN (inclusive) through endLSN,
// calling visitor for every record whose lsn < endLSN, with one final call
// for the record at lsn == endLSN-1 before stopping.
func (j *Journal) Replay(ctx context.Context, startLSN, endLSN pba.LSN, visitor VisitFunc) error {
	startStoreLSN := pba.StoreLSN(startLSN)
	var visitErr error
	err := j.store.Foreach(ctx, startStoreLSN, func(storeLSN int64, payload []byte) (bool, error) {
		lsn := pba.ConsensusLSN(storeLSN)
		if lsn >= endLSN {
			return false, nil
		}
		pbas, decodeErr := Decode(payload)
		if decodeErr != nil {
			visitErr = decodeErr
			return false, decodeErr
		}
		if visitErr = visitor(lsn, pbas); visitErr != nil {
			return false, visitErr
		}
		// Continue only while lsn < endLSN-1; the record at endLSN-1 is
		// still emitted above, then iteration stops here.
		return lsn < endLSN-1, nil
	})
	if err != nil {
		return errs.Wrap(err, "replaying free pba journal")
	}
	return visitErr
}

// TruncateUpto physically removes every record at store-LSN <= lsn-1 and
// resets the last-write bookkeeping.
func (j *Journal) TruncateUpto(ctx context.Context, lsn pba.LSN) error {
	if err := j.store.Truncate(ctx, pba.StoreLSN(lsn)); err != nil {
		return errs.Wrapf(err, "truncating free pba journal up to lsn %d", lsn)
	}
	j.mu.Lock()
	j.lastWriteLSN = -1
	j.mu.Unlock()
	return nil
}
