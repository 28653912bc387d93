// Package localconsensus is a single-process fake of consensus.Log used by
// tests and the example harness. It has no network, no leader election, and
// no membership changes; it exists to exercise the pre-commit/commit
// ordering contract without a real consensus engine.
package localconsensus

import (
	"context"
	"sync"

	"github.com/hkadayam/HomeReplication/consensus"
	"github.com/hkadayam/HomeReplication/errs"
	"github.com/hkadayam/HomeReplication/pba"
)

type committed struct {
	lsn   pba.LSN
	entry pba.LogEntry
}

// Log delivers OnPreCommit synchronously from Append (the leader-side
// optimization of ordering an entry before it is known to be durable) and
// OnCommit from a single dedicated goroutine, strictly in LSN order.
type Log struct {
	mu      sync.Mutex
	nextLSN pba.LSN
	hooks   consensus.Hooks
	stopped bool

	commitCh chan committed
	done     chan struct{}
}

// defaultCommitQueueDepth is used by New for callers that don't need to
// tune the commit queue, matching config.Defaults().CommitQueueDepth.
const defaultCommitQueueDepth = 1024

// New returns a Log with no entries yet committed, sized with the default
// commit queue depth.
func New() *Log {
	return NewWithCommitQueueDepth(defaultCommitQueueDepth)
}

// NewWithCommitQueueDepth returns a Log whose commit queue buffers up to
// depth entries between Append and the commit goroutine, per
// config.Config.CommitQueueDepth.
func NewWithCommitQueueDepth(depth int) *Log {
	return &Log{
		nextLSN:  1,
		commitCh: make(chan committed, depth),
		done:     make(chan struct{}),
	}
}

func (l *Log) SetHooks(hooks consensus.Hooks) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hooks = hooks
}

func (l *Log) Start(ctx context.Context) error {
	go l.runCommitLoop(ctx)
	return nil
}

func (l *Log) runCommitLoop(ctx context.Context) {
	defer close(l.done)
	for c := range l.commitCh {
		l.mu.Lock()
		hooks := l.hooks
		l.mu.Unlock()
		if hooks != nil {
			hooks.OnCommit(ctx, c.lsn, c.entry)
		}
	}
}

// Append assigns the next LSN, delivers OnPreCommit inline, then queues the
// entry for the commit goroutine. There is no real consensus to reject the
// entry; the only failure is errs.ErrConsensusFailure once Stop has been
// called.
func (l *Log) Append(ctx context.Context, entry pba.LogEntry) (pba.LSN, error) {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return 0, errs.ErrConsensusFailure
	}
	lsn := l.nextLSN
	l.nextLSN++
	hooks := l.hooks
	l.mu.Unlock()

	if hooks != nil {
		hooks.OnPreCommit(ctx, lsn, entry)
	}
	l.commitCh <- committed{lsn: lsn, entry: entry}
	return lsn, nil
}

func (l *Log) Stop(_ context.Context) error {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return nil
	}
	l.stopped = true
	l.mu.Unlock()

	close(l.commitCh)
	<-l.done
	return nil
}

var _ consensus.Log = (*Log)(nil)
