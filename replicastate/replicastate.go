// Package replicastate implements the ReplicaStateMachine:
// the hooks a ConsensusLog drives (on_pre_commit, on_commit, on_rollback,
// on_replica_stop), the superblock it owns, and the crash-recovery sequence
// that ties the FreePbaJournal's durable state back to the storage engine.
//
// ReplicaStateMachine and ReplicaStateManager are treated as one logical
// component here rather than split into two types.
package replicastate

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/hkadayam/HomeReplication/consensus"
	"github.com/hkadayam/HomeReplication/errs"
	"github.com/hkadayam/HomeReplication/freepbajournal"
	"github.com/hkadayam/HomeReplication/logutil"
	"github.com/hkadayam/HomeReplication/metrics"
	"github.com/hkadayam/HomeReplication/pba"
	"github.com/hkadayam/HomeReplication/pbaresolver"
	"github.com/hkadayam/HomeReplication/storageiface"
	"github.com/hkadayam/HomeReplication/superblock"
)

// FreedPBA is one element of the list a Listener's OnCommit returns: a PBA
// it is releasing, tagged with the LSN at which it became free-able.
type FreedPBA struct {
	PBA pba.PBA
	LSN pba.LSN
}

// Listener is the ReplicaSetListener callback contract, owned by the caller
// of Open and dispatched to synchronously from the hooks below.
type Listener interface {
	// OnPreCommit is called synchronously as soon as lsn is ordered. The
	// listener may record pending keys for strong-consistent reads;
	// returning does not commit.
	OnPreCommit(ctx context.Context, lsn pba.LSN, header, key []byte)

	// OnCommit is called once consensus has committed lsn. Returned PBAs
	// are transferred to the engine: the state machine durably records
	// them in the FreePbaJournal before the engine is told to free them.
	OnCommit(ctx context.Context, lsn pba.LSN, header, key []byte, pbas []pba.PBA) []FreedPBA

	// OnRollback is called when a previously pre-committed entry is
	// overwritten without ever committing. The listener must free any
	// resources it created in OnPreCommit.
	OnRollback(ctx context.Context, lsn pba.LSN, header, key []byte)

	// OnReplicaStop is called once the commit thread has drained and the
	// journal and superblock are flushed.
	OnReplicaStop()
}

// pendingSet tracks LSNs that have been pre-committed but not yet resolved
// by a matching on_commit or on_rollback: exactly one of the two must fire
// for a given lsn, never both, never neither. An LSN is removed from the
// set the moment it resolves.
type pendingSet = map[pba.LSN]struct{}

// StateMachine is the ReplicaStateMachine: it owns the superblock, the
// FreePbaJournal, and the PBA release pipeline.
type StateMachine struct {
	log      *logutil.Logger
	engine   storageiface.Engine
	journal  *freepbajournal.Journal
	listener Listener
	metrics  *metrics.Recorder
	groupID  string

	// localSrvID and pbaMap resolve a commit's Pbas to this replica's own
	// local addresses when the entry originated on a different replica.
	// pbaMap is nil for state machines that never need remote resolution
	// (e.g. tests driving a bare single-node log directly).
	localSrvID string
	pbaMap     *pbaresolver.Resolver

	// sbMu guards the in-memory sb (its CommitLSN is updated on every
	// commit); superblock persistence writes a copy taken under sbMu after
	// releasing it. commitLSN is additionally
	// published as an atomic so readers don't need sbMu at all, keeping the
	// hot read path lock-free.
	sbMu      sync.Mutex
	sb        superblock.Superblock
	commitLSN atomic.Int64

	// ordering guards enforcing that pre-commit and commit LSNs each
	// advance strictly monotonically.
	orderMu          sync.Mutex
	lastPreCommitLSN pba.LSN
	lastCommitLSN    pba.LSN
	pending          pendingSet
}

// Open performs the recovery sequence: open the
// superblock, open the FreePbaJournal, and replay FPJ records with
// lsn <= commit_lsn back to the storage engine's Free. Entries with
// lsn > commit_lsn are left for the ConsensusLog to redeliver once it
// starts; this function does not touch the ConsensusLog at all.
func Open(
	ctx context.Context,
	log *logutil.Logger,
	engine storageiface.Engine,
	listener Listener,
	backend storageiface.LogStoreBackend,
	m *metrics.Recorder,
	localSrvID string,
	pbaMap *pbaresolver.Resolver,
) (*StateMachine, error) {
	sb, created, err := openSuperblock(ctx, engine)
	if err != nil {
		return nil, err
	}

	var journalStore storageiface.LogStore
	if created {
		store, id, cerr := engine.CreateLogStore(ctx, backend)
		if cerr != nil {
			return nil, errs.Wrap(cerr, "creating free pba journal log store")
		}
		journalStore = store
		sb.FreePbaStoreID = id
		if werr := writeSuperblock(ctx, engine, sb); werr != nil {
			return nil, werr
		}
	} else {
		store, oerr := engine.OpenLogStore(ctx, backend, sb.FreePbaStoreID)
		if oerr != nil {
			return nil, errs.Wrap(oerr, "opening free pba journal log store")
		}
		journalStore = store
	}

	journal := freepbajournal.Open(log, journalStore)

	sm := &StateMachine{
		log:        log,
		engine:     engine,
		journal:    journal,
		listener:   listener,
		metrics:    m,
		groupID:    sb.UUID.String(),
		sb:         sb,
		pending:    make(pendingSet),
		localSrvID: localSrvID,
		pbaMap:     pbaMap,
	}
	sm.commitLSN.Store(int64(sb.CommitLSN))
	sm.lastCommitLSN = sb.CommitLSN
	sm.lastPreCommitLSN = sb.CommitLSN

	if err := sm.recoverFreedPbas(ctx); err != nil {
		return nil, err
	}
	return sm, nil
}

func openSuperblock(ctx context.Context, engine storageiface.Engine) (superblock.Superblock, bool, error) {
	buf, ok, err := engine.SuperblockRead(ctx, superblock.Tag)
	if err != nil {
		return superblock.Superblock{}, false, errs.Wrap(err, "reading superblock")
	}
	if !ok {
		return superblock.Superblock{UUID: uuid.New(), CommitLSN: pba.InvalidLSN}, true, nil
	}
	sb, err := superblock.Decode(buf)
	if err != nil {
		return superblock.Superblock{}, false, err
	}
	return sb, false, nil
}

func writeSuperblock(ctx context.Context, engine storageiface.Engine, sb superblock.Superblock) error {
	if err := engine.SuperblockWrite(ctx, superblock.Tag, superblock.Encode(sb)); err != nil {
		return errs.Wrap(err, "writing superblock")
	}
	return nil
}

// recoverFreedPbas replays the FreePbaJournal from its beginning through
// commit_lsn (inclusive), re-issuing Free for every named PBA. Replay is
// idempotent since storageiface.Engine.Free must be, so PBAs already freed
// before the crash are silently skipped.
func (sm *StateMachine) recoverFreedPbas(ctx context.Context) error {
	commitLSN := pba.LSN(sm.commitLSN.Load())
	if commitLSN == pba.InvalidLSN {
		return nil
	}
	return sm.journal.Replay(ctx, 1, commitLSN+1, func(lsn pba.LSN, pbas []pba.PBA) error {
		for _, p := range pbas {
			if err := sm.engine.Free(ctx, uint64(p)); err != nil {
				return errs.Wrapf(err, "recovery free of pba %d from lsn %d", p, lsn)
			}
		}
		sm.log.Infof("recovered free pba record lsn=%d pbas=%v", lsn, pbas)
		return nil
	})
}

// CommitLSN returns the highest durably committed LSN, lock-free.
func (sm *StateMachine) CommitLSN() pba.LSN {
	return pba.LSN(sm.commitLSN.Load())
}

// OnPreCommit implements consensus.Hooks. It must be called
// in strict log-index order; violating that is a programming error in the
// ConsensusLog collaborator and is fatal.
func (sm *StateMachine) OnPreCommit(ctx context.Context, lsn pba.LSN, entry pba.LogEntry) {
	sm.orderMu.Lock()
	if lsn <= sm.lastPreCommitLSN {
		sm.orderMu.Unlock()
		sm.log.Fatalf("pre-commit delivered out of order: lsn=%d last=%d", lsn, sm.lastPreCommitLSN)
		return
	}
	sm.lastPreCommitLSN = lsn
	sm.pending[lsn] = struct{}{}
	sm.orderMu.Unlock()

	sm.listener.OnPreCommit(ctx, lsn, entry.Header, entry.Key)
}

// OnCommit implements consensus.Hooks. It invokes the listener, durably
// appends the resulting FreePbaRecord, advances commit_lsn only after that
// append is flushed, and only then hands the PBAs to the engine for
// physical free.
func (sm *StateMachine) OnCommit(ctx context.Context, lsn pba.LSN, entry pba.LogEntry) {
	sm.orderMu.Lock()
	if lsn != sm.lastCommitLSN+1 {
		sm.orderMu.Unlock()
		sm.log.Fatalf("commit delivered out of order or twice: lsn=%d last=%d", lsn, sm.lastCommitLSN)
		return
	}
	if _, ok := sm.pending[lsn]; !ok {
		sm.orderMu.Unlock()
		sm.log.Fatalf("commit delivered for lsn=%d that was never pre-committed", lsn)
		return
	}
	sm.orderMu.Unlock()

	localPbas, remoteFQPBAs, err := sm.resolveEntryPbas(ctx, entry)
	if err != nil {
		sm.log.Errorf("resolving remote pbas for lsn=%d failed: %v; commit_lsn will not advance", lsn, err)
		return
	}

	freed := sm.listener.OnCommit(ctx, lsn, entry.Header, entry.Key, localPbas)

	pbas := make([]pba.PBA, len(freed))
	for i, f := range freed {
		pbas[i] = f.PBA
	}

	stop := sm.metrics.StartTimer(metrics.FreePbaJournalAppendLatency)
	if err := sm.journal.Append(ctx, lsn, pbas); err != nil {
		stop()
		sm.log.Errorf("free pba journal append failed for lsn=%d: %v; commit_lsn will not advance", lsn, err)
		return
	}
	if err := sm.journal.Flush(ctx); err != nil {
		stop()
		sm.log.Errorf("free pba journal flush failed for lsn=%d: %v; commit_lsn will not advance", lsn, err)
		return
	}
	stop()

	sm.orderMu.Lock()
	sm.lastCommitLSN = lsn
	delete(sm.pending, lsn)
	sm.orderMu.Unlock()

	sm.sbMu.Lock()
	sm.sb.CommitLSN = lsn
	sbCopy := sm.sb
	sm.sbMu.Unlock()
	sm.commitLSN.Store(int64(lsn))

	if err := writeSuperblock(ctx, sm.engine, sbCopy); err != nil {
		// The FreePbaRecord is already durable, so a failure here only
		// delays how quickly recovery can skip replaying already-applied
		// records; it does not risk a double free.
		sm.log.Errorf("superblock persist failed after commit lsn=%d: %v", lsn, err)
	}

	sm.metrics.IncCounter(metrics.CommitsTotal, sm.groupID)

	for _, fq := range remoteFQPBAs {
		sm.pbaMap.Evict(fq)
	}

	for _, f := range freed {
		if err := sm.engine.Free(ctx, uint64(f.PBA)); err != nil {
			sm.log.Errorf("deferred free of pba %d (lsn=%d) failed: %v", f.PBA, f.LSN, err)
		}
	}
}

// resolveEntryPbas translates entry.Pbas into this replica's own local
// addresses, materializing any that were allocated on a different replica
// through pbaMap. It returns the fully-qualified keys that were resolved so
// the caller can evict them once the commit makes the local pba canonical;
// entries with no SrvID (single-node tests) or whose SrvID matches this
// replica already address local storage and need no resolution.
func (sm *StateMachine) resolveEntryPbas(ctx context.Context, entry pba.LogEntry) ([]pba.PBA, []pba.FullyQualifiedPBA, error) {
	if sm.pbaMap == nil || entry.SrvID == "" || entry.SrvID == sm.localSrvID {
		return entry.Pbas, nil, nil
	}

	local := make([]pba.PBA, len(entry.Pbas))
	fqpbas := make([]pba.FullyQualifiedPBA, len(entry.Pbas))
	for i, p := range entry.Pbas {
		fq := pba.FullyQualifiedPBA{SrvID: entry.SrvID, PBA: p}
		mapped, err := sm.pbaMap.Map(ctx, fq)
		if err != nil {
			return nil, nil, errs.Wrapf(err, "resolving remote pba %s", fq)
		}
		local[i] = mapped
		fqpbas[i] = fq
	}
	return local, fqpbas, nil
}

// OnRollback implements consensus.Hooks. Commit and rollback
// are mutually exclusive per pre-committed entry: rolling back an LSN that
// has already committed is an assertion failure. After a rollback, the
// entry that overwrote the LSN may be pre-committed and committed at that
// same LSN.
func (sm *StateMachine) OnRollback(ctx context.Context, lsn pba.LSN, entry pba.LogEntry) {
	sm.orderMu.Lock()
	if lsn <= sm.lastCommitLSN {
		sm.orderMu.Unlock()
		sm.log.Fatalf("rollback delivered for already-committed lsn=%d (last commit=%d)", lsn, sm.lastCommitLSN)
		return
	}
	if _, ok := sm.pending[lsn]; !ok {
		sm.orderMu.Unlock()
		sm.log.Fatalf("rollback delivered for lsn=%d that was never pre-committed", lsn)
		return
	}
	delete(sm.pending, lsn)
	if lsn-1 < sm.lastPreCommitLSN {
		sm.lastPreCommitLSN = lsn - 1
	}
	sm.orderMu.Unlock()

	sm.listener.OnRollback(ctx, lsn, entry.Header, entry.Key)
	sm.metrics.IncCounter(metrics.RollbacksTotal, sm.groupID)
}

// Stop implements the on_replica_stop hook: flush the
// journal, persist the superblock, and notify the listener. The caller is
// responsible for having already drained the commit thread (i.e. called
// ConsensusLog.Stop) before calling Stop.
func (sm *StateMachine) Stop(ctx context.Context) error {
	if err := sm.journal.Flush(ctx); err != nil {
		sm.log.Errorf("flush on stop failed: %v", err)
	}
	sm.sbMu.Lock()
	sbCopy := sm.sb
	sm.sbMu.Unlock()
	if err := writeSuperblock(ctx, sm.engine, sbCopy); err != nil {
		sm.log.Errorf("superblock persist on stop failed: %v", err)
	}
	sm.listener.OnReplicaStop()
	return nil
}

var _ consensus.Hooks = (*StateMachine)(nil)
