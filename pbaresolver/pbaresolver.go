// Package pbaresolver implements the PbaResolver: a
// concurrent-safe map from FullyQualifiedPBA to local PBA, materializing
// misses by fetching bytes over the DataChannel and writing them locally via
// the StorageEngine, at most once per key even under concurrent callers.
package pbaresolver

import (
	"context"
	"sync"
	"time"

	"github.com/OneOfOne/xxhash"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/hkadayam/HomeReplication/datachannel"
	"github.com/hkadayam/HomeReplication/errs"
	"github.com/hkadayam/HomeReplication/logutil"
	"github.com/hkadayam/HomeReplication/metrics"
	"github.com/hkadayam/HomeReplication/pba"
	"github.com/hkadayam/HomeReplication/storageiface"
)

const shardCount = 32

// shard is one bucket of the sharded pba_map, each with its own lock so
// unrelated keys never contend. Collapsing concurrent fetches for the same
// key is delegated to golang.org/x/sync/singleflight rather than
// hand-rolled.
type shard struct {
	mu sync.RWMutex
	m  map[pba.FullyQualifiedPBA]uint64
}

// Resolver maps remote PBAs to local PBAs, materializing misses on demand.
type Resolver struct {
	log     *logutil.Logger
	dc      datachannel.Channel
	engine  storageiface.Engine
	limiter *rate.Limiter
	timeout time.Duration
	metrics *metrics.Recorder

	shards [shardCount]*shard
	group  singleflight.Group
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithFetchTimeout bounds how long Map waits for a remote fetch to
// complete before returning errs.ErrRemoteUnavailable.
func WithFetchTimeout(d time.Duration) Option {
	return func(r *Resolver) { r.timeout = d }
}

// WithFetchRateLimit bounds the rate of concurrent remote fetches, grounded
// on golang.org/x/time/rate usage for bounding below-Raft work in the
// cockroach corpus (replica_proposal.go's BulkIOWriteRate).
func WithFetchRateLimit(l *rate.Limiter) Option {
	return func(r *Resolver) { r.limiter = l }
}

// WithMetrics attaches a Recorder so Map observes fetch latency and
// single-flight collapses. Omit for a nil, no-op
// Recorder.
func WithMetrics(m *metrics.Recorder) Option {
	return func(r *Resolver) { r.metrics = m }
}

// New returns a Resolver backed by dc for remote fetches and engine for
// local allocation/write of materialized payloads.
func New(log *logutil.Logger, dc datachannel.Channel, engine storageiface.Engine, opts ...Option) *Resolver {
	r := &Resolver{
		log:     log,
		dc:      dc,
		engine:  engine,
		timeout: 5 * time.Second,
		limiter: rate.NewLimiter(rate.Inf, 1),
	}
	for i := range r.shards {
		r.shards[i] = &shard{m: make(map[pba.FullyQualifiedPBA]uint64)}
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Resolver) shardFor(fq pba.FullyQualifiedPBA) *shard {
	h := xxhash.NewS64(0)
	h.WriteString(fq.SrvID)
	var buf [8]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(fq.PBA >> (8 * i))
	}
	h.Write(buf[:])
	return r.shards[h.Sum64()%uint64(shardCount)]
}

// Map resolves fqpba to a local PBA, materializing it via the data channel
// and storage engine on a miss. Concurrent callers racing on the same
// fqpba collapse into a single fetch+write.
func (r *Resolver) Map(ctx context.Context, fqpba pba.FullyQualifiedPBA) (pba.PBA, error) {
	sh := r.shardFor(fqpba)

	sh.mu.RLock()
	if local, ok := sh.m[fqpba]; ok {
		sh.mu.RUnlock()
		return pba.PBA(local), nil
	}
	sh.mu.RUnlock()

	key := fqpba.String()
	ran := false
	v, err, shared := r.group.Do(key, func() (interface{}, error) {
		ran = true
		// Re-check under the singleflight section: another caller may
		// have installed the mapping between our RUnlock above and here.
		sh.mu.RLock()
		if local, ok := sh.m[fqpba]; ok {
			sh.mu.RUnlock()
			return local, nil
		}
		sh.mu.RUnlock()

		stop := r.metrics.StartTimer(metrics.PbaResolverFetchLatency)
		defer stop()
		return r.materialize(ctx, fqpba, sh)
	})
	// shared is true for every caller of a Do key that had concurrent
	// duplicates, including the one that actually ran the function; ran
	// excludes that caller so only joiners are counted.
	if shared && !ran {
		r.metrics.IncCounter(metrics.PbaResolverSingleflightCollapsedTotal, "")
	}
	if err != nil {
		return 0, err
	}
	return pba.PBA(v.(uint64)), nil
}

func (r *Resolver) materialize(ctx context.Context, fqpba pba.FullyQualifiedPBA, sh *shard) (uint64, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return 0, errs.Wrapf(errs.ErrRemoteUnavailable, "rate limiter wait for %s: %v", fqpba, err)
	}

	fetchCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	payload, err := r.dc.Fetch(fetchCtx, fqpba)
	if err != nil {
		return 0, errs.Wrapf(errs.ErrRemoteUnavailable, "fetching %s", fqpba)
	}

	pbas, err := r.engine.AllocPbas(ctx, len(payload))
	if err != nil {
		return 0, errs.Wrapf(err, "allocating local pba for %s", fqpba)
	}
	if err := r.engine.AsyncWrite(ctx, storageiface.SGList{payload}, pbas); err != nil {
		return 0, errs.Wrapf(err, "writing materialized payload for %s", fqpba)
	}

	// The resolver materializes a single local PBA per fqpba;
	// alloc_pbas may return more than one PBA for a large payload, but the
	// resolver's contract is one fqpba -> one local PBA, so we require the
	// engine to hand back a single contiguous PBA here. An engine that
	// cannot satisfy that for the given payload size is a configuration
	// error, not a runtime one, so the caller sees it as a corruption
	// signal rather than RemoteUnavailable.
	if len(pbas) != 1 {
		return 0, errs.Wrapf(errs.ErrCorruption, "engine returned %d pbas materializing %s, want 1", len(pbas), fqpba)
	}
	local := pbas[0]

	sh.mu.Lock()
	sh.m[fqpba] = local
	sh.mu.Unlock()

	r.log.Debugf("pba resolver: materialized %s -> pba:%d", fqpba, local)
	return local, nil
}

// Evict removes fqpba's mapping. Called by the state machine's on_commit
// path once the local PBA becomes the canonical reference.
func (r *Resolver) Evict(fqpba pba.FullyQualifiedPBA) {
	sh := r.shardFor(fqpba)
	sh.mu.Lock()
	delete(sh.m, fqpba)
	sh.mu.Unlock()
}
