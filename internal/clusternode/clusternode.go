// Package clusternode implements the Cluster Node composition wrapper:
// it binds a Kernel, a Gossip instance and a command Handler, and
// sequences their load/start/stop lifecycles, restoring ring state from
// a Store before the network comes up.
package clusternode

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/adred-codev/meshring/internal/command"
	"github.com/adred-codev/meshring/internal/gossip"
	"github.com/adred-codev/meshring/internal/kernel"
	"github.com/adred-codev/meshring/internal/node"
	"github.com/adred-codev/meshring/internal/ring"
	"github.com/adred-codev/meshring/internal/store"
	"github.com/adred-codev/meshring/internal/vclock"
	"github.com/rs/zerolog"
)

// ErrRingMismatch is returned by Start when a restored ring id differs
// from the ring id the caller starts under.
var ErrRingMismatch = errors.New("clusternode: restored ringId does not match configured ringId")

// Node composes a Kernel, a Gossip instance, a command Handler and an
// optional Store, driven through Load -> Start -> Stop.
type Node struct {
	Kernel  *kernel.Kernel
	Gossip  *gossip.Gossip
	Command *command.Handler
	Store   store.Store

	logger zerolog.Logger

	restoredRingID string
	ready          bool
}

// New builds a Node. k and g must already be constructed (via
// kernel.New / gossip.New) but not yet Started; the command Handler is
// built from k and g by Start.
func New(k *kernel.Kernel, g *gossip.Gossip, s store.Store, logger zerolog.Logger) *Node {
	return &Node{Kernel: k, Gossip: g, Store: s, logger: logger}
}

// Load lets persistence restore ring state (if s is durable and holds a
// prior snapshot), then opens outbound Connections to every non-self
// node in the restored ring so the mesh is warm before Start announces
// readiness.
func (n *Node) Load() error {
	if n.Store == nil {
		return nil
	}
	adapter := store.NewGossipAdapter(n.Store)
	ringID, actor, ringSnapRaw, ok := adapter.LoadRing()
	if !ok {
		return nil
	}
	ringSnap, err := decodeRingSnapshot(ringSnapRaw, n.Gossip)
	if err != nil {
		return fmt.Errorf("clusternode: decode restored ring: %w", err)
	}
	var clockPtr *vclock.Clock
	if clock, ok := adapter.LoadClock(); ok {
		clockPtr = vclock.FromSnapshot(clock)
	}
	n.Gossip.Restore(ringID, actor, ringSnap, clockPtr)
	n.restoredRingID = ringID

	self := n.Kernel.Self()
	for _, peer := range ringSnap.Nodes() {
		if peer.Equal(self) {
			continue
		}
		if err := n.Kernel.Connect(peer); err != nil {
			n.logger.Warn().Err(err).Str("node", peer.String()).Msg("clusternode: warm connect failed")
		}
	}
	return nil
}

// decodeRingSnapshot re-marshals the loosely-typed snapshot the store
// adapter hands back into a concrete *ring.Ring, using the ring
// parameters the Gossip instance was configured with.
func decodeRingSnapshot(raw any, g *gossip.Gossip) (*ring.Ring, error) {
	blob, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var snap struct {
		RFactor int                  `json:"rfactor"`
		PFactor int                  `json:"pfactor"`
		Owners  map[string]node.Node `json:"owners"`
	}
	if err := json.Unmarshal(blob, &snap); err != nil {
		return nil, err
	}
	rfactor, pfactor := snap.RFactor, snap.PFactor
	if rfactor == 0 {
		rfactor = g.Ring().RFactor()
	}
	if pfactor == 0 {
		pfactor = g.Ring().PFactor()
	}
	return ring.FromSnapshot(rfactor, pfactor, snap.Owners), nil
}

// Start validates the restored ring id (if any) against ringID, then
// brings up the command handler, gossip and kernel in that order,
// flipping ready once the kernel's listener is live.
func (n *Node) Start(ringID string) error {
	if n.restoredRingID != "" && n.restoredRingID != ringID {
		return ErrRingMismatch
	}
	n.restoredRingID = ""

	n.Command = command.New(n.Kernel, n.Gossip, n.logger)
	if err := n.Command.Start(); err != nil {
		return fmt.Errorf("clusternode: start command handler: %w", err)
	}
	if err := n.Gossip.Start(ringID); err != nil {
		return fmt.Errorf("clusternode: start gossip: %w", err)
	}
	if err := n.Kernel.Start(); err != nil {
		return fmt.Errorf("clusternode: start kernel: %w", err)
	}
	n.ready = true
	return nil
}

// Ready reports whether Start has completed successfully.
func (n *Node) Ready() bool { return n.ready }

// Stop tears the node down in reverse dependency order: command handler,
// then gossip, then kernel, disconnecting every sink when force is set.
func (n *Node) Stop(force bool) {
	n.ready = false
	if n.Command != nil {
		n.Command.Stop(force)
	}
	n.Gossip.Stop()
	n.Kernel.Stop()
	if force {
		for _, peer := range n.Kernel.Sinks() {
			_ = n.Kernel.Disconnect(peer, true)
		}
	}
	if n.Store != nil {
		_ = n.Store.Stop()
	}
}
