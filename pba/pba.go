// Package pba defines the primitive addressing types shared by every layer
// of the replication engine: the physical block address, its
// remote-qualified form, and the log sequence number assigned by consensus.
package pba

import "fmt"

// PBA is a physical block address, local to exactly one replica. PBAs are
// allocated and freed only by a StorageEngine; the replication core treats
// them as opaque handles.
type PBA uint64

// String implements fmt.Stringer for log messages.
func (p PBA) String() string {
	return fmt.Sprintf("pba:%d", uint64(p))
}

// FullyQualifiedPBA names a PBA as seen on a specific replica. Equality and
// hashing must use both fields, which is why this is a plain comparable
// struct rather than a packed integer: Go's map equality already gives us
// that for free.
type FullyQualifiedPBA struct {
	SrvID string
	PBA   PBA
}

func (f FullyQualifiedPBA) String() string {
	return fmt.Sprintf("%s/%s", f.SrvID, f.PBA)
}

// LSN is the consensus log's sequence number. It is strictly monotonic and
// 1-based: the value 0 is reserved to mean "no entry committed yet."
type LSN int64

// InvalidLSN is the sentinel used by FreePbaJournal.Flush when there is
// nothing to flush, and by superblocks that have never committed anything.
const InvalidLSN LSN = 0

// StoreLSN converts a consensus LSN to the corresponding store-local LSN
// used by the LogStore underlying the FreePbaJournal. The mapping is an
// implementation detail but must be applied consistently, so it
// lives in one place.
func StoreLSN(consensusLSN LSN) int64 {
	return int64(consensusLSN) - 1
}

// ConsensusLSN is the inverse of StoreLSN.
func ConsensusLSN(storeLSN int64) LSN {
	return LSN(storeLSN + 1)
}

// FreePbaRecord is the durable payload appended to the FreePbaJournal for a
// single commit: the set of PBAs the listener released at that LSN.
type FreePbaRecord struct {
	LSN  LSN
	Pbas []PBA
}

// LogEntry is the header-channel record carried by the ConsensusLog: an
// opaque header and key plus the PBA list naming the bulk payload shipped
// out-of-band over the DataChannel. SrvID names the replica that ran
// alloc_pbas for this entry, so a peer replaying the entry can tell whether
// Pbas addresses its own local storage or a remote replica's, the latter
// requiring resolution through a PbaResolver before the pbas mean anything
// locally.
type LogEntry struct {
	Header []byte
	Key    []byte
	Pbas   []PBA
	SrvID  string
}
