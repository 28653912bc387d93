// Package consensus defines the ConsensusLog collaborator contract: a
// consensus-replicated header channel that delivers ordered log entries and
// membership changes, invoking the state machine's hooks. Leader election,
// log replication, and snapshot framing are the consensus engine's concern
// and are never implemented here; see consensus/localconsensus for a
// single-process fake used by tests and consensus/raftlog for a
// github.com/hashicorp/raft-backed adapter.
package consensus

import (
	"context"

	"github.com/hkadayam/HomeReplication/pba"
)

// Hooks is the subset of ReplicaStateMachine that a ConsensusLog drives.
// It mirrors the ReplicaSetListener callback shapes but operates at
// log-entry granularity rather than listener granularity; the state machine
// is responsible for translating these calls into the listener's
// on_pre_commit/on_commit/on_rollback.
type Hooks interface {
	// OnPreCommit is invoked in strict log-index order as soon as an entry
	// is ordered by consensus, before it is known to be committed.
	OnPreCommit(ctx context.Context, lsn pba.LSN, entry pba.LogEntry)

	// OnCommit is invoked on a single dedicated thread in strict LSN order
	// once consensus has durably committed the entry. The consensus log
	// must never invoke OnCommit concurrently with itself, and never for
	// an lsn it has already (or will later) deliver to OnRollback.
	OnCommit(ctx context.Context, lsn pba.LSN, entry pba.LogEntry)

	// OnRollback is invoked when a previously pre-committed entry is
	// overwritten without ever being committed (followers only).
	OnRollback(ctx context.Context, lsn pba.LSN, entry pba.LogEntry)
}

// MembershipChange describes an addition or removal of a replica from a
// replica set's consensus group.
type MembershipChange struct {
	AddedServerIDs   []string
	RemovedServerIDs []string
}

// Log is the collaborator contract this module consumes from an external
// consensus engine.
type Log interface {
	// SetHooks installs the callbacks the log invokes as entries are
	// ordered and committed. Must be called before Start.
	SetHooks(hooks Hooks)

	// Start begins delivering any entries already ordered (replay) and
	// then live traffic.
	Start(ctx context.Context) error

	// Append proposes entry to the group and returns the LSN it was
	// assigned once consensus has ordered it. Append has no timeout;
	// callers that want a bound should derive ctx with one.
	Append(ctx context.Context, entry pba.LogEntry) (pba.LSN, error)

	// Stop halts delivery. Any in-flight Append calls return
	// errs.ErrConsensusFailure.
	Stop(ctx context.Context) error
}
