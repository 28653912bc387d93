// Package storageiface defines the collaborator contracts this module
// consumes but does not implement in full: the block-storage engine and the
// append-only log store. Production engine backends
// ("home", "jungle", "file") live outside this module; the "home" and
// "jungle" log stores are provided by logstore/filelogstore and
// logstore/boltlogstore. storageiface/memengine and
// storageiface/memlogstore provide reference implementations used by tests
// and the example harness.
package storageiface

import "context"

// EngineBackend selects a StorageEngine implementation.
type EngineBackend int

const (
	// EngineHome is the default on-disk engine. Not implemented by this
	// module; callers running against "home" must supply their own
	// StorageEngine.
	EngineHome EngineBackend = iota
	// EngineJungle is an alternate on-disk engine, also external.
	EngineJungle
	// EngineFile is a simple single-file engine, also external.
	EngineFile
	// EngineMem is the in-memory reference implementation this module
	// ships for tests and examples. It is not one of the three production
	// backends; it exists purely so the core is exercisable without an
	// external engine.
	EngineMem
)

// LogStoreBackend selects a LogStore implementation.
type LogStoreBackend int

const (
	// LogStoreHome is a simple append-only file store.
	LogStoreHome LogStoreBackend = iota
	// LogStoreJungle is the bbolt-backed durable store.
	LogStoreJungle
)

// SGList is a scatter/gather list of byte buffers, the unit StorageEngine
// reads and writes in. Kept as [][]byte rather than a single buffer because
// a write may need to span PBAs that were not allocated contiguously.
type SGList [][]byte

// TotalLen returns the sum of every buffer's length.
func (sg SGList) TotalLen() int {
	n := 0
	for _, b := range sg {
		n += len(b)
	}
	return n
}

// Engine is the storage-engine collaborator contract: alloc_pbas,
// async_write, async_read, free_pba, and the log-store factories. This
// module defines the narrowest contract its own components need and leaves
// the allocation policy entirely up to the implementation.
type Engine interface {
	// AllocPbas reserves one or more PBAs whose payload capacity covers
	// size bytes, returning ErrOutOfSpace (see package errs) on failure.
	// Allocated PBAs stay reserved until Free is called or crash recovery
	// reclaims them via the FreePbaJournal.
	AllocPbas(ctx context.Context, size int) ([]uint64, error)

	// AsyncWrite writes sg to the given PBA list and blocks until the
	// write completes or ctx is canceled. Named "Async" to match the
	// teacher vocabulary; the Go
	// signature is synchronous from the caller's perspective and callers
	// that want concurrency run it in its own goroutine (see
	// replicaset.Write, which fans this out against DataChannel.Push with
	// an errgroup).
	AsyncWrite(ctx context.Context, sg SGList, pbas []uint64) error

	// AsyncRead reads length bytes starting at pba into sg, blocking until
	// complete.
	AsyncRead(ctx context.Context, pba uint64, sg SGList, length int) error

	// Free releases pba back to the allocator. Idempotent: callable only
	// after a durable FreePbaRecord exists naming pba, but safe to call more than once for the same pba.
	Free(ctx context.Context, pba uint64) error

	// CreateLogStore allocates a new durable LogStore of the given
	// backend and returns its id.
	CreateLogStore(ctx context.Context, backend LogStoreBackend) (LogStore, uint32, error)

	// OpenLogStore reopens a previously created LogStore by id.
	OpenLogStore(ctx context.Context, backend LogStoreBackend, id uint32) (LogStore, error)

	// SuperblockWrite persists buf under tag, overwriting any previous
	// value. Used for the fixed-type ReplicaSetSuperblock record.
	SuperblockWrite(ctx context.Context, tag string, buf []byte) error

	// SuperblockRead returns the most recently written buf for tag, or
	// (nil, false, nil) if none exists.
	SuperblockRead(ctx context.Context, tag string) ([]byte, bool, error)

	// SuperblockRemove deletes the record for tag, used when a replica
	// set is torn down.
	SuperblockRemove(ctx context.Context, tag string) error
}

// LogStore is the append-only, index-addressed durable log collaborator
// contract. Both the consensus journal and the FreePbaJournal are built on
// this interface.
type LogStore interface {
	// WriteAsync appends payload at lsn. Returns once the write has been
	// accepted by the store; durability is only guaranteed after a
	// matching FlushSync.
	WriteAsync(ctx context.Context, lsn int64, payload []byte) error

	// Foreach visits every record with index >= startLSN in index order,
	// calling visit(lsn, payload). Foreach stops and returns nil if visit
	// returns false, or propagates the first error visit returns.
	Foreach(ctx context.Context, startLSN int64, visit func(lsn int64, payload []byte) (bool, error)) error

	// Truncate physically removes every record with index <= uptoLSN.
	Truncate(ctx context.Context, uptoLSN int64) error

	// FlushSync forces durability of every record written up to and
	// including lsn.
	FlushSync(ctx context.Context, lsn int64) error
}
