// Package memengine is an in-memory storageiface.Engine reference
// implementation. It is the EngineMem backend: not one of the three
// production backends ("home", "jungle", "file"), all of which are
// external collaborators this module never implements, but a stand-in
// that lets the rest of the engine be built and tested.
package memengine

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/hkadayam/HomeReplication/errs"
	"github.com/hkadayam/HomeReplication/storageiface"
	"github.com/hkadayam/HomeReplication/storageiface/memlogstore"
)

const blockSize = 4096

// Engine is a single-process, map-backed storageiface.Engine. It never
// fails allocation (there is no fixed capacity) unless constructed by
// NewWithCapacity with a non-zero capacity, in which case AllocPbas returns errs.ErrOutOfSpace once
// the budget is exhausted -- used by tests that exercise the OutOfSpace
// path.
type Engine struct {
	mu        sync.Mutex
	nextPba   uint64
	allocated map[uint64][]byte
	freed     map[uint64]bool

	capacity      int // 0 means unbounded
	allocatedSize int

	logStores   map[uint32]*memlogstore.Store
	nextStoreID uint32

	superblocks map[string][]byte
}

// New returns an unbounded in-memory engine.
func New() *Engine {
	return NewWithCapacity(0)
}

// NewWithCapacity returns an in-memory engine that fails AllocPbas with
// errs.ErrOutOfSpace once capacity bytes have been handed out.
func NewWithCapacity(capacity int) *Engine {
	return &Engine{
		allocated:   make(map[uint64][]byte),
		freed:       make(map[uint64]bool),
		logStores:   make(map[uint32]*memlogstore.Store),
		superblocks: make(map[string][]byte),
		capacity:    capacity,
	}
}

func (e *Engine) AllocPbas(_ context.Context, size int) ([]uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.capacity > 0 && e.allocatedSize+size > e.capacity {
		return nil, errs.ErrOutOfSpace
	}

	numBlocks := (size + blockSize - 1) / blockSize
	if numBlocks == 0 {
		numBlocks = 1
	}
	pbas := make([]uint64, numBlocks)
	for i := 0; i < numBlocks; i++ {
		p := atomic.AddUint64(&e.nextPba, 1)
		pbas[i] = p
		e.allocated[p] = make([]byte, blockSize)
	}
	e.allocatedSize += size
	return pbas, nil
}

func (e *Engine) AsyncWrite(_ context.Context, sg storageiface.SGList, pbas []uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	flat := make([]byte, 0, sg.TotalLen())
	for _, b := range sg {
		flat = append(flat, b...)
	}
	off := 0
	for _, p := range pbas {
		buf, ok := e.allocated[p]
		if !ok {
			return errs.Wrapf(errs.ErrCorruption, "write to unallocated pba %d", p)
		}
		n := copy(buf, flat[off:])
		off += n
	}
	return nil
}

func (e *Engine) AsyncRead(_ context.Context, pba uint64, sg storageiface.SGList, length int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	buf, ok := e.allocated[pba]
	if !ok {
		return errs.Wrapf(errs.ErrCorruption, "read from unallocated pba %d", pba)
	}
	remaining := length
	off := 0
	for i := range sg {
		if remaining <= 0 {
			break
		}
		end := off + remaining
		if end > len(buf) {
			end = len(buf)
		}
		n := copy(sg[i], buf[off:end])
		remaining -= n
		off += n
	}
	return nil
}

func (e *Engine) Free(_ context.Context, pba uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	// Idempotent: freeing an already-freed pba is a no-op.
	if e.freed[pba] {
		return nil
	}
	e.freed[pba] = true
	delete(e.allocated, pba)
	return nil
}

// IsFreed reports whether pba has been freed, for test assertions.
func (e *Engine) IsFreed(pba uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.freed[pba]
}

// IsAllocated reports whether pba is currently allocated (and not freed).
func (e *Engine) IsAllocated(pba uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.allocated[pba]
	return ok
}

func (e *Engine) CreateLogStore(_ context.Context, _ storageiface.LogStoreBackend) (storageiface.LogStore, uint32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	id := e.nextStoreID
	e.nextStoreID++
	s := memlogstore.New()
	e.logStores[id] = s
	return s, id, nil
}

func (e *Engine) OpenLogStore(_ context.Context, _ storageiface.LogStoreBackend, id uint32) (storageiface.LogStore, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, ok := e.logStores[id]
	if !ok {
		return nil, errs.Wrapf(errs.ErrCorruption, "no log store with id %d", id)
	}
	return s, nil
}

func (e *Engine) SuperblockWrite(_ context.Context, tag string, buf []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.superblocks[tag] = append([]byte(nil), buf...)
	return nil
}

func (e *Engine) SuperblockRead(_ context.Context, tag string) ([]byte, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	buf, ok := e.superblocks[tag]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), buf...), true, nil
}

func (e *Engine) SuperblockRemove(_ context.Context, tag string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.superblocks, tag)
	return nil
}

var _ storageiface.Engine = (*Engine)(nil)
