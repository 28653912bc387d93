// Command replistore-bench wires a single-node ReplicaSet end to end over
// the in-memory reference collaborators and drives a number of writes
// (-writes, 1000 by default) through it, then prints one summary line with
// the elapsed time and the resulting commit_lsn. It exists as a runnable example
// of how the pieces in this module compose (ReplicationService, ReplicaSet,
// ReplicaStateMachine, PbaResolver), not as a production server.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/hkadayam/HomeReplication/config"
	"github.com/hkadayam/HomeReplication/consensus/localconsensus"
	"github.com/hkadayam/HomeReplication/datachannel/memchannel"
	"github.com/hkadayam/HomeReplication/logutil"
	"github.com/hkadayam/HomeReplication/metrics"
	"github.com/hkadayam/HomeReplication/pba"
	"github.com/hkadayam/HomeReplication/replicaset"
	"github.com/hkadayam/HomeReplication/replicastate"
	"github.com/hkadayam/HomeReplication/storageiface/memengine"
)

// benchListener frees the pba it just wrote as soon as it commits, so this
// harness has an observable, bounded amount of live storage at any time.
type benchListener struct{}

func (benchListener) OnPreCommit(context.Context, pba.LSN, []byte, []byte) {}

func (benchListener) OnCommit(_ context.Context, lsn pba.LSN, _, _ []byte, pbas []pba.PBA) []replicastate.FreedPBA {
	freed := make([]replicastate.FreedPBA, len(pbas))
	for i, p := range pbas {
		freed[i] = replicastate.FreedPBA{PBA: p, LSN: lsn}
	}
	return freed
}

func (benchListener) OnRollback(context.Context, pba.LSN, []byte, []byte) {}
func (benchListener) OnReplicaStop()                                      {}

func main() {
	writes := flag.Int("writes", 1000, "number of writes to issue")
	valueSize := flag.Int("value-size", 4096, "bytes per write")
	flag.Parse()

	fs := pflag.NewFlagSet("replistore-bench", pflag.ContinueOnError)
	v := viper.New()
	config.RegisterFlags(fs, v)
	cfg, err := config.Load(v)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	log := logutil.New()
	rec := metrics.New(prometheus.NewRegistry())

	engine := memengine.New()
	group := memchannel.NewGroup()
	dc := group.Peer("leader")

	svc := replicaset.NewService(log, rec)
	ctx := context.Background()

	groupID := uuid.New()
	consensusLog := localconsensus.NewWithCommitQueueDepth(cfg.CommitQueueDepth)
	rs, err := svc.CreateReplicaSet(ctx, groupID, "leader", consensusLog, engine, dc, benchListener{}, cfg.LogStoreBackend)
	if err != nil {
		fmt.Fprintln(os.Stderr, "create replica set:", err)
		os.Exit(1)
	}

	value := make([]byte, *valueSize)
	for i := range value {
		value[i] = 0xAB
	}

	start := time.Now()
	for i := 0; i < *writes; i++ {
		if _, err := rs.Write(ctx, []byte{0x01}, []byte(fmt.Sprintf("k%d", i)), value); err != nil {
			fmt.Fprintln(os.Stderr, "write:", err)
			os.Exit(1)
		}
	}
	elapsed := time.Since(start)

	deadline := time.Now().Add(cfg.PbaFetchTimeout)
	for rs.CommitLSN() < pba.LSN(*writes) && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	fmt.Printf("replica set %s: %d writes in %s (commit_lsn=%d)\n", groupID, *writes, elapsed, rs.CommitLSN())

	if err := svc.StopAll(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "stop all:", err)
		os.Exit(1)
	}
}
