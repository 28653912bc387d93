// Package raftlog adapts github.com/hashicorp/raft to the consensus.Log
// collaborator contract. It is the only ConsensusLog implementation in
// this module that talks to a real consensus library; consensus/localconsensus
// remains the in-process fake used by most tests.
//
// hashicorp/raft's FSM.Apply is invoked only once an entry has already
// achieved quorum and is being applied to the state machine, strictly in
// log-index order, on a single internal goroutine. That single delivery
// point plays the role of both on_pre_commit and on_commit:
// this adapter calls OnPreCommit immediately followed by OnCommit from
// inside Apply, rather than delivering a true preview-before-commit signal,
// since the raft library does not expose one. on_rollback is consequently
// never invoked by this adapter: raft's FSM never sees an entry that failed
// to commit, so there is nothing to roll back in the single-writer,
// single-FSM topology this adapter targets.
package raftlog

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/hashicorp/raft"

	"github.com/hkadayam/HomeReplication/consensus"
	"github.com/hkadayam/HomeReplication/errs"
	"github.com/hkadayam/HomeReplication/logutil"
	"github.com/hkadayam/HomeReplication/pba"
	"github.com/hkadayam/HomeReplication/wire"
)

// ApplyTimeout bounds how long Append waits for raft to commit an entry.
const ApplyTimeout = 10 * time.Second

// FSM is the raft.FSM hashicorp/raft drives; it exists only to translate
// Apply calls into consensus.Hooks calls, grounded on the Apply/ApplyBatch
// shape in _examples/other_examples's openbao raft FSM. Construct one with
// NewFSM and pass it to raft.NewRaft, then wrap the resulting *raft.Raft
// with New.
type FSM struct {
	mu    sync.Mutex
	hooks consensus.Hooks
}

// NewFSM returns an FSM suitable for raft.NewRaft's fsm argument.
func NewFSM() *FSM {
	return &FSM{}
}

func (f *FSM) setHooks(h consensus.Hooks) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hooks = h
}

func (f *FSM) Apply(l *raft.Log) interface{} {
	f.mu.Lock()
	hooks := f.hooks
	f.mu.Unlock()
	if hooks == nil || l.Type != raft.LogCommand {
		return nil
	}

	entry, err := wire.DecodeLogEntry(l.Data)
	if err != nil {
		return err
	}
	lsn := pba.LSN(l.Index)
	ctx := context.Background()
	hooks.OnPreCommit(ctx, lsn, entry)
	hooks.OnCommit(ctx, lsn, entry)
	return nil
}

// Snapshot and Restore are required by raft.FSM. This module's durable
// state lives in the StorageEngine's superblock and FreePbaJournal, not in
// raft's own log, so raft snapshotting is a no-op here: a restarted replica
// recovers via replicastate.Open, not via a raft snapshot restore.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) { return noopSnapshot{}, nil }
func (f *FSM) Restore(rc io.ReadCloser) error {
	return rc.Close()
}

type noopSnapshot struct{}

func (noopSnapshot) Persist(sink raft.SnapshotSink) error { return sink.Close() }
func (noopSnapshot) Release()                             {}

// Log adapts a *raft.Raft instance, constructed and bootstrapped by the
// caller, to consensus.Log.
type Log struct {
	log  *logutil.Logger
	raft *raft.Raft
	fsm  *FSM
}

// New wraps an already-constructed *raft.Raft and the FSM it was built
// with. Callers construct their own *raft.Raft (supplying transport, log
// store, stable store, and snapshot store, none of which this module
// opinionates on) using a *FSM from NewFSM, then pass both here.
func New(log *logutil.Logger, r *raft.Raft, f *FSM) *Log {
	return &Log{log: log, raft: r, fsm: f}
}

func (l *Log) SetHooks(hooks consensus.Hooks) {
	l.fsm.setHooks(hooks)
}

// Start is a no-op: *raft.Raft begins running as soon as raft.NewRaft
// returns, before this adapter exists.
func (l *Log) Start(ctx context.Context) error {
	return nil
}

// Append proposes entry via raft.Raft.Apply and blocks until it commits
// (or ApplyTimeout elapses), returning the committed LSN. Only the leader
// can succeed; on followers raft's not-leader error comes back as
// errs.ErrConsensusFailure with raft's message in the text.
func (l *Log) Append(ctx context.Context, entry pba.LogEntry) (pba.LSN, error) {
	buf := wire.EncodeLogEntry(entry)
	future := l.raft.Apply(buf, ApplyTimeout)
	if err := future.Error(); err != nil {
		return 0, errs.Wrapf(errs.ErrConsensusFailure, "raft apply: %v", err)
	}
	if err, ok := future.Response().(error); ok && err != nil {
		return 0, errs.Wrapf(errs.ErrConsensusFailure, "raft fsm apply: %v", err)
	}
	return pba.LSN(future.Index()), nil
}

// Stop shuts down the underlying raft instance.
func (l *Log) Stop(ctx context.Context) error {
	if err := l.raft.Shutdown().Error(); err != nil {
		return errs.Wrap(err, "shutting down raft")
	}
	return nil
}

var _ consensus.Log = (*Log)(nil)
