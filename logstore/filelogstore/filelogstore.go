// Package filelogstore implements storageiface.LogStore as a single
// append-only file of length-prefixed records indexed by an in-memory
// offset table, the "home" log-store backend. The length-prefix-plus-
// offset-index shape follows the commit-log layout used by liftbridge's
// server/commitlog and m3db's dbnode/persist/fs/commitlog packages.
package filelogstore

import (
	"context"
	"encoding/binary"
	"io"
	"os"
	"sync"

	"github.com/hkadayam/HomeReplication/errs"
)

type indexEntry struct {
	lsn    int64
	offset int64
	length int32
}

// Store is a single growable file plus an in-memory index from LSN to
// (offset, length). Truncate is logical: it drops index entries without
// punching the corresponding byte range with zero bytes; space reclamation
// for "home" is left to the external engine's compaction.
type Store struct {
	mu    sync.Mutex
	f     *os.File
	index []indexEntry
}

// Open opens or creates the backing file at path.
func Open(path string) (*Store, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, errs.Wrapf(err, "opening file log store at %s", path)
	}
	s := &Store{f: f}
	if err := s.rebuildIndex(); err != nil {
		f.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) rebuildIndex() error {
	var off int64
	for {
		var header [16]byte
		n, err := s.f.ReadAt(header[:], off)
		if n < len(header) {
			break
		}
		if err != nil {
			return errs.Wrap(err, "reading record header")
		}
		lsn := int64(binary.BigEndian.Uint64(header[0:8]))
		length := int32(binary.BigEndian.Uint32(header[8:12]))
		s.index = append(s.index, indexEntry{lsn: lsn, offset: off + 16, length: length})
		off += 16 + int64(length)
	}
	return nil
}

// Close closes the backing file.
func (s *Store) Close() error {
	return s.f.Close()
}

func (s *Store) find(lsn int64) (int, bool) {
	for i, e := range s.index {
		if e.lsn == lsn {
			return i, true
		}
	}
	return 0, false
}

func (s *Store) WriteAsync(_ context.Context, lsn int64, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.find(lsn); ok {
		return errs.Wrapf(errs.ErrLogStoreFailure, "lsn %d already written", lsn)
	}

	off, err := s.f.Seek(0, io.SeekEnd)
	if err != nil {
		return errs.Wrap(err, "seeking to end of log file")
	}
	var header [16]byte
	binary.BigEndian.PutUint64(header[0:8], uint64(lsn))
	binary.BigEndian.PutUint32(header[8:12], uint32(len(payload)))
	if _, err := s.f.Write(header[:]); err != nil {
		return errs.Wrap(err, "writing record header")
	}
	if _, err := s.f.Write(payload); err != nil {
		return errs.Wrap(err, "writing record payload")
	}
	s.index = append(s.index, indexEntry{lsn: lsn, offset: off + 16, length: int32(len(payload))})
	return nil
}

func (s *Store) Foreach(_ context.Context, startLSN int64, visit func(lsn int64, payload []byte) (bool, error)) error {
	s.mu.Lock()
	snapshot := append([]indexEntry(nil), s.index...)
	s.mu.Unlock()

	for _, e := range snapshot {
		if e.lsn < startLSN {
			continue
		}
		buf := make([]byte, e.length)
		if _, err := s.f.ReadAt(buf, e.offset); err != nil {
			return errs.Wrapf(err, "reading record at lsn %d", e.lsn)
		}
		cont, err := visit(e.lsn, buf)
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

	kept := s.index[:0]
	for _, e := range s.index {
		if e.lsn > uptoLSN {
			kept = append(kept, e)
		}
	}
	s.index = kept
	return nil
}

func (s *Store) FlushSync(_ context.Context, _ int64) error {
	return s.f.Sync()
}
