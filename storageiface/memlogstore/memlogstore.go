// Package memlogstore is an in-memory storageiface.LogStore used by tests
// and the example harness. It has no durability guarantees; it exists so
// FreePbaJournal is exercisable without the bbolt- or file-backed stores.
package memlogstore

import (
	"context"
	"sort"
	"sync"

	"github.com/hkadayam/HomeReplication/errs"
)

type record struct {
	lsn     int64
	payload []byte
}

// Store is a sorted, mutex-guarded slice of records keyed by LSN.
type Store struct {
	mu      sync.Mutex
	records []record
	flushed int64
}

// New returns an empty Store.
func New() *Store {
	return &Store{flushed: -1}
}

func (s *Store) WriteAsync(_ context.Context, lsn int64, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := append([]byte(nil), payload...)
	idx := sort.Search(len(s.records), func(i int) bool { return s.records[i].lsn >= lsn })
	if idx < len(s.records) && s.records[idx].lsn == lsn {
		s.records[idx].payload = cp
		return nil
	}
	s.records = append(s.records, record{})
	copy(s.records[idx+1:], s.records[idx:])
	s.records[idx] = record{lsn: lsn, payload: cp}
	return nil
}

func (s *Store) Foreach(_ context.Context, startLSN int64, visit func(lsn int64, payload []byte) (bool, error)) error {
	s.mu.Lock()
	snapshot := append([]record(nil), s.records...)
	s.mu.Unlock()

	for _, r := range snapshot {
		if r.lsn < startLSN {
			continue
		}
		cont, err := visit(r.lsn, r.payload)
		if err != nil {
			return err
		}
		if !cont {
			return nil
		}
	}
	return nil
}

func (s *Store) Truncate(_ context.Context, uptoLSN int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.records[:0]
	for _, r := range s.records {
		if r.lsn > uptoLSN {
			kept = append(kept, r)
		}
	}
	s.records = kept
	return nil
}

func (s *Store) FlushSync(_ context.Context, lsn int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	last := int64(-1)
	if len(s.records) > 0 {
		last = s.records[len(s.records)-1].lsn
	}
	if lsn > last {
		return errs.Wrapf(errs.ErrLogStoreFailure, "flush requested lsn %d beyond last written %d", lsn, last)
	}
	s.flushed = lsn
	return nil
}

// Flushed reports the highest LSN FlushSync has been called with, for test
// assertions.
func (s *Store) Flushed() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushed
}
