package store

import (
	"github.com/adred-codev/meshring/internal/vclock"
)

// GossipAdapter exposes a Store as gossip's narrower persistence
// interface (just `Save`), writing the ring snapshot and vector clock
// under two fixed keys. Gossip itself only calls Save; on restart,
// clusternode.Node.Load reads the snapshots back through LoadRing and
// LoadClock to seed the ring before gossip starts.
type GossipAdapter struct {
	Store Store
}

// NewGossipAdapter wraps s for use as a gossip.Config.Store.
func NewGossipAdapter(s Store) *GossipAdapter {
	return &GossipAdapter{Store: s}
}

const (
	gossipRingKey  = "gossip/ring"
	gossipClockKey = "gossip/clock"
)

// Save persists the ring and vector clock snapshots as of the given
// ringID/actor. The actor is recorded alongside the ring so a restart
// can confirm which node wrote the last snapshot.
func (a *GossipAdapter) Save(ringID, actor string, ringSnapshot any, clockSnapshot map[string]vclock.Entry) error {
	if err := a.Store.Set(gossipRingKey, map[string]any{
		"ringId": ringID,
		"actor":  actor,
		"ring":   ringSnapshot,
	}); err != nil {
		return err
	}
	return a.Store.Set(gossipClockKey, clockSnapshot)
}

// LoadRing returns the last persisted ring snapshot, if any, along with
// the ringID and actor it was saved under.
func (a *GossipAdapter) LoadRing() (ringID, actor string, ringSnapshot any, ok bool) {
	raw, found := a.Store.Get(gossipRingKey)
	if !found {
		return "", "", nil, false
	}
	var envelope struct {
		RingID string `json:"ringId"`
		Actor  string `json:"actor"`
		Ring   any    `json:"ring"`
	}
	if err := unmarshalInto(raw, &envelope); err != nil {
		return "", "", nil, false
	}
	return envelope.RingID, envelope.Actor, envelope.Ring, true
}

// LoadClock returns the last persisted vector clock, if any.
func (a *GossipAdapter) LoadClock() (map[string]vclock.Entry, bool) {
	raw, found := a.Store.Get(gossipClockKey)
	if !found {
		return nil, false
	}
	var clock map[string]vclock.Entry
	if err := unmarshalInto(raw, &clock); err != nil {
		return nil, false
	}
	return clock, true
}
