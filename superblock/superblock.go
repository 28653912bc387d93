// Package superblock encodes and decodes the fixed-size ReplicaSetSuperblock
// record, identified by tag "replica_set" when persisted
// through storageiface.Engine's superblock calls.
package superblock

import (
	"encoding/binary"

	"github.com/google/uuid"

	"github.com/hkadayam/HomeReplication/errs"
	"github.com/hkadayam/HomeReplication/pba"
)

// Tag identifies the fixed-type superblock record for a replica set.
const Tag = "replica_set"

const encodedLen = 16 /* uuid */ + 8 /* commit_lsn */ + 4 /* free_pba_store_id */ + 4 /* reserved padding */

// Superblock is the durable state of one ReplicaSet.
type Superblock struct {
	UUID           uuid.UUID
	CommitLSN      pba.LSN
	FreePbaStoreID uint32
}

// Encode serializes sb to its fixed-size wire form.
func Encode(sb Superblock) []byte {
	buf := make([]byte, encodedLen)
	copy(buf[0:16], sb.UUID[:])
	binary.LittleEndian.PutUint64(buf[16:24], uint64(sb.CommitLSN))
	binary.LittleEndian.PutUint32(buf[24:28], sb.FreePbaStoreID)
	// buf[28:32] is reserved padding, left zero.
	return buf
}

// Decode is the inverse of Encode.
func Decode(buf []byte) (Superblock, error) {
	if len(buf) < encodedLen {
		return Superblock{}, errs.Wrapf(errs.ErrCorruption, "superblock record too short: %d bytes", len(buf))
	}
	var sb Superblock
	copy(sb.UUID[:], buf[0:16])
	sb.CommitLSN = pba.LSN(binary.LittleEndian.Uint64(buf[16:24]))
	sb.FreePbaStoreID = binary.LittleEndian.Uint32(buf[24:28])
	return sb, nil
}
