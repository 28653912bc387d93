// Package errs defines the error taxonomy shared across the replication
// engine on top of github.com/pkg/errors, used throughout for wrapped,
// traceable errors.
package errs

import (
	"fmt"

	"github.com/pkg/errors"
)

// Sentinel errors identifying the engine's error taxonomy. Callers use
// errors.Is against these after unwrapping a Wrap chain.
var (
	// ErrOutOfSpace is returned by a StorageEngine when alloc_pbas cannot
	// satisfy a request. The write fails to the caller; the replica
	// continues operating.
	ErrOutOfSpace = errors.New("storage engine out of space")

	// ErrLogStoreFailure indicates the free-PBA journal failed to append or
	// flush. The commit for that LSN must not advance commit_lsn.
	ErrLogStoreFailure = errors.New("log store append or flush failed")

	// ErrConsensusFailure indicates ConsensusLog.Append rejected an entry.
	// Any PBAs allocated for the write are freed immediately.
	ErrConsensusFailure = errors.New("consensus append rejected")

	// ErrRemoteUnavailable indicates a DataChannel fetch timed out or the
	// peer did not have the requested PBA. No partial pba_map entry is
	// installed.
	ErrRemoteUnavailable = errors.New("remote pba unavailable")

	// ErrCorruption indicates a FreePbaRecord or superblock failed to
	// decode. Fatal for the owning replica set.
	ErrCorruption = errors.New("corrupt durable record")
)

// Wrap annotates err with msg and a stack trace, preserving errors.Is/As
// against the sentinels above.
func Wrap(err error, msg string) error {
	return errors.Wrap(err, msg)
}

// Wrapf is the formatted form of Wrap.
func Wrapf(err error, format string, args ...interface{}) error {
	return errors.Wrapf(err, format, args...)
}

// AssertionFailedf reports a violation of an internal invariant: a
// programming error rather than an environmental failure. Modeled on
// github.com/cockroachdb/errors.AssertionFailedf as used in cockroach's
// replicaAppBatch, built here on top of github.com/pkg/errors since that is
// the error package this module depends on.
func AssertionFailedf(format string, args ...interface{}) error {
	return errors.WithStack(fmt.Errorf("assertion failed: "+format, args...))
}
