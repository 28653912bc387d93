// Package boltlogstore implements storageiface.LogStore on top of
// go.etcd.io/bbolt, the "jungle" log-store backend. The bucket-per-store,
// big-endian-u64-key layout follows openbao's bolt-backed raft FSM, which
// keys its latest-index records and log entries the same way.
package boltlogstore

import (
	"context"
	"encoding/binary"

	bolt "go.etcd.io/bbolt"

	"github.com/hkadayam/HomeReplication/errs"
)

var recordsBucket = []byte("records")

// Store is a single bbolt bucket addressed by an 8-byte big-endian LSN key.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if necessary) a bbolt-backed log store at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, errs.Wrapf(err, "opening bolt log store at %s", path)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(recordsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, errs.Wrap(err, "creating records bucket")
	}
	return &Store{db: db}, nil
}

// Close releases the underlying bbolt database.
func (s *Store) Close() error {
	return s.db.Close()
}

func lsnKey(lsn int64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(lsn))
	return b[:]
}

func keyLSN(key []byte) int64 {
	return int64(binary.BigEndian.Uint64(key))
}

func (s *Store) WriteAsync(_ context.Context, lsn int64, payload []byte) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(recordsBucket)
		return b.Put(lsnKey(lsn), payload)
	})
	if err != nil {
		return errs.Wrapf(err, "appending lsn %d", lsn)
	}
	return nil
}

func (s *Store) Foreach(_ context.Context, startLSN int64, visit func(lsn int64, payload []byte) (bool, error)) error {
	return s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(recordsBucket).Cursor()
		for k, v := c.Seek(lsnKey(startLSN)); k != nil; k, v = c.Next() {
			cont, err := visit(keyLSN(k), append([]byte(nil), v...))
			if err != nil {
				return err
			}
			if !cont {
				return nil
			}
		}
		return nil
	})
}

func (s *Store) Truncate(_ context.Context, uptoLSN int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(recordsBucket)
		c := b.Cursor()
		var toDelete [][]byte
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if keyLSN(k) > uptoLSN {
				break
			}
			toDelete = append(toDelete, append([]byte(nil), k...))
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// FlushSync does nothing: bbolt's Update already fsyncs each write's
// transaction on commit, so this no-op is kept to
// satisfy the interface and to give callers a place to assert durability in
// tests against a fake.
func (s *Store) FlushSync(_ context.Context, _ int64) error {
	return nil
}
