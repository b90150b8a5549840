// Package ring implements the consistent hash ring shared by gossip: an
// ordered map from hashed virtual-node keys to node identities, with
// replication (rfactor) and bounded neighbor lookups (pfactor).
package ring

import (
	"errors"
	"sort"
	"sync"

	"github.com/adred-codev/meshring/internal/node"
)

// ErrParamMismatch is returned by Merge/Intersect when the two rings were
// built with different rfactor or pfactor.
var ErrParamMismatch = errors.New("ring: rfactor/pfactor mismatch")

// Ring is an ordered map keyed by SHA-256(base64) hashes of "<nodeId>_<i>"
// for i in [1..rfactor], mapping to the owning node.
type Ring struct {
	mu      sync.RWMutex
	rfactor int
	pfactor int
	cache   *hashCache

	keys   []string          // sorted ascending
	owners map[string]node.Node // virtual key -> owning node
}

// New returns an empty ring with the given replication and neighbor
// parameters.
func New(rfactor, pfactor int) *Ring {
	return &Ring{
		rfactor: rfactor,
		pfactor: pfactor,
		cache:   newHashCache(8192),
		owners:  make(map[string]node.Node),
	}
}

func (r *Ring) RFactor() int { return r.rfactor }
func (r *Ring) PFactor() int { return r.pfactor }

func virtualKeyName(id string, i int) string {
	return id + "_" + itoa(i)
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	neg := i < 0
	if neg {
		i = -i
	}
	var buf [20]byte
	pos := len(buf)
	for i > 0 {
		pos--
		buf[pos] = byte('0' + i%10)
		i /= 10
	}
	if neg {
		pos--
		buf[pos] = '-'
	}
	return string(buf[pos:])
}

func (r *Ring) hash(s string) string {
	return r.cache.hashString(s)
}

// sortedInsert inserts key into r.keys keeping it sorted, assuming key is
// not already present.
func (r *Ring) sortedInsert(key string) {
	i := sort.SearchStrings(r.keys, key)
	r.keys = append(r.keys, "")
	copy(r.keys[i+1:], r.keys[i:])
	r.keys[i] = key
}

func (r *Ring) sortedRemove(key string) {
	i := sort.SearchStrings(r.keys, key)
	if i < len(r.keys) && r.keys[i] == key {
		r.keys = append(r.keys[:i], r.keys[i+1:]...)
	}
}

// Insert adds weight virtual copies of n (default rfactor if weight<=0).
// No-op if n's first virtual key is already present.
func (r *Ring) Insert(n node.Node, weight int) {
	if weight <= 0 {
		weight = r.rfactor
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	firstKey := r.hash(virtualKeyName(n.ID, 1))
	if _, exists := r.owners[firstKey]; exists {
		return
	}
	for i := 1; i <= weight; i++ {
		key := r.hash(virtualKeyName(n.ID, i))
		if _, exists := r.owners[key]; exists {
			continue
		}
		r.owners[key] = n
		r.sortedInsert(key)
	}
}

// Remove deletes all virtual keys for n. No-op if n is absent.
func (r *Ring) Remove(n node.Node) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(n.ID)
}

func (r *Ring) removeLocked(nodeID string) {
	for _, key := range r.keysForNodeLocked(nodeID) {
		delete(r.owners, key)
		r.sortedRemove(key)
	}
}

func (r *Ring) keysForNodeLocked(nodeID string) []string {
	var out []string
	for _, k := range r.keys {
		if r.owners[k].ID == nodeID {
			out = append(out, k)
		}
	}
	return out
}

// Size returns the number of virtual key entries.
func (r *Ring) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.keys)
}

// NumberNodes returns the number of distinct nodes present.
func (r *Ring) NumberNodes() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.distinctNodesLocked())
}

func (r *Ring) distinctNodesLocked() map[string]node.Node {
	out := make(map[string]node.Node)
	for _, k := range r.keys {
		n := r.owners[k]
		out[n.ID] = n
	}
	return out
}

// Nodes returns the distinct nodes present in the ring.
func (r *Ring) Nodes() []node.Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.distinctNodesLocked()
	out := make([]node.Node, 0, len(set))
	for _, n := range set {
		out = append(out, n)
	}
	return out
}

// Weight returns how many virtual keys nodeID owns.
func (r *Ring) Weight(nodeID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.keysForNodeLocked(nodeID))
}

// Find returns the node owning the smallest virtual key strictly greater
// than hash(data), wrapping to the first key if none is greater.
func (r *Ring) Find(data string) (node.Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.keys) == 0 {
		return node.Node{}, false
	}
	h := r.hash(data)
	i := sort.Search(len(r.keys), func(i int) bool { return r.keys[i] > h })
	if i == len(r.keys) {
		i = 0
	}
	return r.owners[r.keys[i]], true
}

// neighbors walks the ring in the given direction (next: +1, prev: -1)
// starting at each of n's virtual positions, collecting up to limit
// distinct nodes other than n. Returns [] if the ring has fewer than two
// distinct nodes (size <= rfactor).
func (r *Ring) neighbors(n node.Node, k int, forward bool) []node.Node {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.keys) <= r.rfactor {
		return nil
	}

	limit := k
	if limit <= 0 || limit > r.pfactor {
		limit = r.pfactor
	}
	if maxPossible := r.NumberNodesLockedMinusSelf(); limit > maxPossible {
		limit = maxPossible
	}
	if limit <= 0 {
		return nil
	}

	seen := map[string]bool{n.ID: true}
	var out []node.Node

	positions := r.positionsForLocked(n.ID)
	for _, pos := range positions {
		idx := pos
		for step := 0; step < len(r.keys) && len(out) < limit; step++ {
			if forward {
				idx = (idx + 1) % len(r.keys)
			} else {
				idx = (idx - 1 + len(r.keys)) % len(r.keys)
			}
			cand := r.owners[r.keys[idx]]
			if seen[cand.ID] {
				continue
			}
			seen[cand.ID] = true
			out = append(out, cand)
			if len(out) >= limit {
				break
			}
		}
		if len(out) >= limit {
			break
		}
	}
	return out
}

// NumberNodesLockedMinusSelf returns numberNodes-1; caller must hold r.mu.
func (r *Ring) NumberNodesLockedMinusSelf() int {
	n := len(r.distinctNodesLocked())
	if n == 0 {
		return 0
	}
	return n - 1
}

func (r *Ring) positionsForLocked(nodeID string) []int {
	var out []int
	for i, k := range r.keys {
		if r.owners[k].ID == nodeID {
			out = append(out, i)
		}
	}
	return out
}

// Next returns up to min(k, pfactor, numberNodes-1) distinct successor
// nodes of n.
func (r *Ring) Next(n node.Node, k int) []node.Node {
	return r.neighbors(n, k, true)
}

// Prev is the symmetric predecessor lookup.
func (r *Ring) Prev(n node.Node, k int) []node.Node {
	return r.neighbors(n, k, false)
}

// RangeNext returns [Find(data)] followed by Next(Find(data), k-1), capped
// at k nodes in total including the owner. Because Next is bounded by
// pfactor, the result never holds more than pfactor+1 nodes, whatever k is.
func (r *Ring) RangeNext(data string, k int) []node.Node {
	owner, ok := r.Find(data)
	if !ok {
		return nil
	}
	out := []node.Node{owner}
	if k <= 1 {
		return out[:min(k, 1)]
	}
	rest := r.Next(owner, k-1)
	out = append(out, rest...)
	if len(out) > k {
		out = out[:k]
	}
	return out
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// Merge adds virtual keys present in other but absent in r. Requires equal
// rfactor/pfactor.
func (r *Ring) Merge(other *Ring) error {
	if other == nil {
		return nil
	}
	other.mu.RLock()
	otherRf, otherPf := other.rfactor, other.pfactor
	incoming := make(map[string]node.Node, len(other.owners))
	for k, n := range other.owners {
		incoming[k] = n
	}
	other.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rfactor != otherRf || r.pfactor != otherPf {
		return ErrParamMismatch
	}
	for k, n := range incoming {
		if _, exists := r.owners[k]; exists {
			continue
		}
		r.owners[k] = n
		r.sortedInsert(k)
	}
	return nil
}

// Intersect keeps only virtual keys present in both rings.
func (r *Ring) Intersect(other *Ring) error {
	if other == nil {
		r.mu.Lock()
		r.owners = make(map[string]node.Node)
		r.keys = nil
		r.mu.Unlock()
		return nil
	}
	other.mu.RLock()
	otherRf, otherPf := other.rfactor, other.pfactor
	otherKeys := make(map[string]bool, len(other.owners))
	for k := range other.owners {
		otherKeys[k] = true
	}
	other.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rfactor != otherRf || r.pfactor != otherPf {
		return ErrParamMismatch
	}
	for _, k := range append([]string(nil), r.keys...) {
		if !otherKeys[k] {
			delete(r.owners, k)
			r.sortedRemove(k)
		}
	}
	return nil
}

// Equals reports whether r and other share parameters and an identical
// virtual-key-to-node mapping.
func (r *Ring) Equals(other *Ring) bool {
	if other == nil {
		return false
	}
	r.mu.RLock()
	other.mu.RLock()
	defer r.mu.RUnlock()
	defer other.mu.RUnlock()

	if r.rfactor != other.rfactor || r.pfactor != other.pfactor {
		return false
	}
	if len(r.owners) != len(other.owners) {
		return false
	}
	for k, n := range r.owners {
		on, ok := other.owners[k]
		if !ok || !n.Equal(on) {
			return false
		}
	}
	return true
}

// Clone returns an independent deep copy of r.
func (r *Ring) Clone() *Ring {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := New(r.rfactor, r.pfactor)
	out.keys = append([]string(nil), r.keys...)
	for k, n := range r.owners {
		out.owners[k] = n
	}
	return out
}

// snapshot is the JSON wire shape for a ring, exchanged in gossip "data" fields.
type snapshot struct {
	RFactor int               `json:"rfactor"`
	PFactor int               `json:"pfactor"`
	Owners  map[string]node.Node `json:"owners"`
}

// Snapshot returns the ring's JSON-serializable form.
func (r *Ring) Snapshot() any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	owners := make(map[string]node.Node, len(r.owners))
	for k, n := range r.owners {
		owners[k] = n
	}
	return snapshot{RFactor: r.rfactor, PFactor: r.pfactor, Owners: owners}
}

// FromSnapshot rebuilds a Ring from data produced by Snapshot (after being
// round-tripped through JSON as map[string]any/Node).
func FromSnapshot(rfactor, pfactor int, owners map[string]node.Node) *Ring {
	r := New(rfactor, pfactor)
	for k, n := range owners {
		r.owners[k] = n
	}
	r.keys = make([]string, 0, len(owners))
	for k := range owners {
		r.keys = append(r.keys, k)
	}
	sort.Strings(r.keys)
	return r
}
