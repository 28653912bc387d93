// Package datachannel defines the DataChannel collaborator contract: a
// best-effort bulk transport that ships (pba, bytes) tuples to peers and
// serves on-demand pulls of a remote PBA. Network transport is out of
// scope; see datachannel/memchannel for an in-process fake used by tests
// and the example harness.
package datachannel

import (
	"context"

	"github.com/hkadayam/HomeReplication/pba"
)

// Channel is the collaborator contract this module consumes.
type Channel interface {
	// Push ships payload, addressed by pbas, to every peer in groupID.
	// Best-effort: the data channel gives no ordering guarantee with the
	// header channel, so the state machine must tolerate
	// payload arriving before or after the corresponding log entry.
	Push(ctx context.Context, groupID string, pbas []pba.PBA, payload []byte) error

	// Fetch pulls the bytes named by fqpba from its owning replica. It
	// blocks until ctx is canceled or the bytes arrive.
	Fetch(ctx context.Context, fqpba pba.FullyQualifiedPBA) ([]byte, error)
}
