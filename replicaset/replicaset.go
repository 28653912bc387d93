// Package replicaset implements ReplicaSet and ReplicationService: the
// leader write path that fans a write out across local storage and the data
// channel before appending it to the consensus log, and the directory of
// replica sets a process hosts.
package replicaset

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/hkadayam/HomeReplication/consensus"
	"github.com/hkadayam/HomeReplication/datachannel"
	"github.com/hkadayam/HomeReplication/errs"
	"github.com/hkadayam/HomeReplication/logutil"
	"github.com/hkadayam/HomeReplication/metrics"
	"github.com/hkadayam/HomeReplication/pba"
	"github.com/hkadayam/HomeReplication/pbaresolver"
	"github.com/hkadayam/HomeReplication/replicastate"
	"github.com/hkadayam/HomeReplication/storageiface"
)

// headerMembershipChange marks a LogEntry carrying a consensus.MembershipChange
// rather than a regular write, so it rides the same pre-commit/commit pipeline
// instead of a separate one.
const headerMembershipChange = "hr:membership-change"

// ReplicaSet is one replicated group: a consensus log, the storage engine
// and data channel it writes through, and the state machine that owns its
// durable commit_lsn and free-pba journal.
type ReplicaSet struct {
	GroupID uuid.UUID

	log         *logutil.Logger
	metrics     *metrics.Recorder
	consensus   consensus.Log
	engine      storageiface.Engine
	dataChannel datachannel.Channel
	sm          *replicastate.StateMachine
	srvID       string
	pbaMap      *pbaresolver.Resolver
}

// Open wires a ReplicaSet together and starts its consensus log. listener
// receives the pre-commit/commit/rollback callbacks translated from the
// consensus log's per-entry hooks. srvID identifies this replica among its
// peers; it is stamped onto every entry this replica appends so followers
// can tell which PbaResolver key to materialize a remote entry's pbas
// under.
func Open(
	ctx context.Context,
	groupID uuid.UUID,
	log *logutil.Logger,
	m *metrics.Recorder,
	srvID string,
	consensusLog consensus.Log,
	engine storageiface.Engine,
	dc datachannel.Channel,
	listener replicastate.Listener,
	backend storageiface.LogStoreBackend,
) (*ReplicaSet, error) {
	groupLog := log.WithGroup(groupID.String())

	pbaMap := pbaresolver.New(groupLog, dc, engine, pbaresolver.WithMetrics(m))

	sm, err := replicastate.Open(ctx, groupLog, engine, listener, backend, m, srvID, pbaMap)
	if err != nil {
		return nil, errs.Wrapf(err, "opening replica state machine for %s", groupID)
	}

	rs := &ReplicaSet{
		GroupID:     groupID,
		log:         groupLog,
		metrics:     m,
		consensus:   consensusLog,
		engine:      engine,
		dataChannel: dc,
		sm:          sm,
		srvID:       srvID,
		pbaMap:      pbaMap,
	}

	consensusLog.SetHooks(sm)
	if err := consensusLog.Start(ctx); err != nil {
		return nil, errs.Wrapf(err, "starting consensus log for %s", groupID)
	}
	return rs, nil
}

// CommitLSN returns the state machine's durably committed LSN.
func (rs *ReplicaSet) CommitLSN() pba.LSN {
	return rs.sm.CommitLSN()
}

// Write implements the leader write path: allocate, write locally and push
// to peers in parallel, then append to the consensus log. Any failure
// between allocation and a successful append frees the allocated PBAs
// immediately, since no log entry ever referenced them.
func (rs *ReplicaSet) Write(ctx context.Context, header, key, value []byte) (pba.LSN, error) {
	localPbas, err := rs.engine.AllocPbas(ctx, len(value))
	if err != nil {
		return 0, errs.Wrap(err, "allocating pbas for write")
	}

	pbas := make([]pba.PBA, len(localPbas))
	for i, p := range localPbas {
		pbas[i] = pba.PBA(p)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return rs.engine.AsyncWrite(gctx, storageiface.SGList{value}, localPbas)
	})
	g.Go(func() error {
		return rs.dataChannel.Push(gctx, rs.GroupID.String(), pbas, value)
	})
	if err := g.Wait(); err != nil {
		rs.freeAll(ctx, localPbas)
		return 0, errs.Wrap(err, "writing value or pushing to data channel")
	}

	entry := pba.LogEntry{Header: header, Key: key, Pbas: pbas, SrvID: rs.srvID}
	lsn, err := rs.consensus.Append(ctx, entry)
	if err != nil {
		rs.freeAll(ctx, localPbas)
		return 0, errs.Wrap(err, "appending to consensus log")
	}
	return lsn, nil
}

func (rs *ReplicaSet) freeAll(ctx context.Context, pbas []uint64) {
	for _, p := range pbas {
		if err := rs.engine.Free(ctx, p); err != nil {
			rs.log.Errorf("freeing pba %d after failed write: %v", p, err)
		}
	}
}

// ApplyMembershipChange appends change as a reserved-header log entry so it
// flows through the same pre-commit/commit ordering as a regular write.
// There is no PBA payload: the change is carried entirely in the entry's
// key, JSON-encoded since it is an internal admin-plane record rather than
// a bulk payload needing the compact wire format.
func (rs *ReplicaSet) ApplyMembershipChange(ctx context.Context, change consensus.MembershipChange) (pba.LSN, error) {
	key, err := json.Marshal(change)
	if err != nil {
		return 0, errs.Wrap(err, "encoding membership change")
	}
	entry := pba.LogEntry{Header: []byte(headerMembershipChange), Key: key, SrvID: rs.srvID}
	lsn, err := rs.consensus.Append(ctx, entry)
	if err != nil {
		return 0, errs.Wrap(err, "appending membership change")
	}
	return lsn, nil
}

// IsMembershipChange reports whether entry carries a membership change
// rather than a regular write, so a Listener can special-case it.
func IsMembershipChange(header []byte) bool {
	return string(header) == headerMembershipChange
}

// DecodeMembershipChange is the inverse of the encoding ApplyMembershipChange
// performs.
func DecodeMembershipChange(key []byte) (consensus.MembershipChange, error) {
	var change consensus.MembershipChange
	if err := json.Unmarshal(key, &change); err != nil {
		return consensus.MembershipChange{}, errs.Wrap(err, "decoding membership change")
	}
	return change, nil
}

// Stop drains the consensus log's commit thread and flushes the state
// machine's journal and superblock.
func (rs *ReplicaSet) Stop(ctx context.Context) error {
	if err := rs.consensus.Stop(ctx); err != nil {
		return errs.Wrap(err, "stopping consensus log")
	}
	return rs.sm.Stop(ctx)
}

// Service is the ReplicationService: the process-local directory of replica
// sets, guarded by a single mutex.
type Service struct {
	log     *logutil.Logger
	metrics *metrics.Recorder

	mu   sync.RWMutex
	sets map[uuid.UUID]*ReplicaSet
}

// NewService returns an empty ReplicationService.
func NewService(log *logutil.Logger, m *metrics.Recorder) *Service {
	return &Service{log: log, metrics: m, sets: make(map[uuid.UUID]*ReplicaSet)}
}

// CreateReplicaSet opens a new ReplicaSet and registers it under groupID.
// Returns an error if groupID is already registered.
func (s *Service) CreateReplicaSet(
	ctx context.Context,
	groupID uuid.UUID,
	srvID string,
	consensusLog consensus.Log,
	engine storageiface.Engine,
	dc datachannel.Channel,
	listener replicastate.Listener,
	backend storageiface.LogStoreBackend,
) (*ReplicaSet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sets[groupID]; exists {
		return nil, errs.AssertionFailedf("replica set %s already exists", groupID)
	}

	rs, err := Open(ctx, groupID, s.log, s.metrics, srvID, consensusLog, engine, dc, listener, backend)
	if err != nil {
		return nil, err
	}
	s.sets[groupID] = rs
	return rs, nil
}

// LookupReplicaSet returns the registered ReplicaSet for groupID, if any.
func (s *Service) LookupReplicaSet(groupID uuid.UUID) (*ReplicaSet, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rs, ok := s.sets[groupID]
	return rs, ok
}

// IterateReplicaSets calls visit for every registered replica set, stopping
// early if visit returns false. The directory lock is held for the
// duration.
func (s *Service) IterateReplicaSets(visit func(groupID uuid.UUID, rs *ReplicaSet) bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for id, rs := range s.sets {
		if !visit(id, rs) {
			return
		}
	}
}

// StopAll drains every registered replica set's commit thread and flushes
// its journal and superblock, returning the first error encountered (after
// attempting every set).
func (s *Service) StopAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for id, rs := range s.sets {
		if err := rs.Stop(ctx); err != nil && firstErr == nil {
			firstErr = errs.Wrapf(err, "stopping replica set %s", id)
		}
	}
	return firstErr
}
