// Package memchannel is an in-process datachannel.Channel fake. A Group
// models the shared wire for one replica set: Push deliver into a map keyed
// by FullyQualifiedPBA, and Fetch blocks until a matching Push lands or ctx
// is canceled.
package memchannel

import (
	"context"
	"sync"

	"github.com/hkadayam/HomeReplication/pba"
)

// Group is a set of peers sharing delivered payloads, modeling one replica
// set's data-channel traffic.
type Group struct {
	mu      sync.Mutex
	payload map[pba.FullyQualifiedPBA][]byte
	waiters map[pba.FullyQualifiedPBA][]chan struct{}
}

// NewGroup returns an empty Group.
func NewGroup() *Group {
	return &Group{
		payload: make(map[pba.FullyQualifiedPBA][]byte),
		waiters: make(map[pba.FullyQualifiedPBA][]chan struct{}),
	}
}

// Channel is one replica's handle onto a Group, implementing
// datachannel.Channel.
type Channel struct {
	srvID string
	group *Group
}

// Peer returns the Channel handle srvID uses to talk over g.
func (g *Group) Peer(srvID string) *Channel {
	return &Channel{srvID: srvID, group: g}
}

// Push addresses pbas on the pushing replica (c.srvID) since that is the
// srv_id a FullyQualifiedPBA names: payload pushed by replica A under pba P
// is fetched by peers as FullyQualifiedPBA{SrvID: "A", PBA: P}.
func (c *Channel) Push(_ context.Context, _ string, pbas []pba.PBA, payload []byte) error {
	g := c.group
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, p := range pbas {
		key := pba.FullyQualifiedPBA{SrvID: c.srvID, PBA: p}
		g.payload[key] = payload
		for _, w := range g.waiters[key] {
			close(w)
		}
		delete(g.waiters, key)
	}
	return nil
}

func (c *Channel) Fetch(ctx context.Context, fqpba pba.FullyQualifiedPBA) ([]byte, error) {
	g := c.group
	g.mu.Lock()
	if buf, ok := g.payload[fqpba]; ok {
		g.mu.Unlock()
		return buf, nil
	}
	wait := make(chan struct{})
	g.waiters[fqpba] = append(g.waiters[fqpba], wait)
	g.mu.Unlock()

	select {
	case <-wait:
		g.mu.Lock()
		buf := g.payload[fqpba]
		g.mu.Unlock()
		return buf, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
