// Package gossip implements cluster membership: a Ring and a VectorClock
// exchanged between peers over a registered Handler, converging every
// node's view of the cluster topology.
package gossip

import (
	"encoding/json"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/adred-codev/meshring/internal/handler"
	"github.com/adred-codev/meshring/internal/kernel"
	"github.com/adred-codev/meshring/internal/metrics"
	"github.com/adred-codev/meshring/internal/node"
	"github.com/adred-codev/meshring/internal/ring"
	"github.com/adred-codev/meshring/internal/vclock"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Store persists gossip state across restarts. Persistence is optional
// and external: it is never consulted for correctness, only durability
// across restarts. Flushing is treated as an optional warm-restart
// optimization, not a consistency requirement.
type Store interface {
	Save(ringID, actor string, ringSnapshot any, clockSnapshot map[string]vclock.Entry) error
}

// Config configures a Gossip instance.
type Config struct {
	RFactor       int
	PFactor       int
	Interval      time.Duration
	FlushInterval time.Duration
	VClockOpts    vclock.TrimOpts
	HandlerID     string
	Store         Store
	Logger        zerolog.Logger
}

func (c *Config) applyDefaults() {
	if c.RFactor <= 0 {
		c.RFactor = 3
	}
	if c.PFactor <= 0 {
		c.PFactor = 2
	}
	if c.Interval <= 0 {
		c.Interval = time.Second
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = time.Second
	}
	if c.VClockOpts == (vclock.TrimOpts{}) {
		c.VClockOpts = vclock.DefaultTrimOpts()
	}
	if c.HandlerID == "" {
		c.HandlerID = "gossip"
	}
}

// wireRingMsg is the `ring` event payload shape.
type wireRingMsg struct {
	Type   string                     `json:"type"`
	Actor  string                     `json:"actor"`
	Data   json.RawMessage            `json:"data,omitempty"`
	VClock map[string]vclock.Entry    `json:"vclock"`
	Round  uint                       `json:"round"`
}

type wireRingSnapshot struct {
	RFactor int                  `json:"rfactor"`
	PFactor int                  `json:"pfactor"`
	Owners  map[string]node.Node `json:"owners"`
}

// Gossip owns a node's Ring and VectorClock and keeps them converged with
// the rest of the cluster by exchanging `ring` messages through a
// borrowed Kernel/Handler pair.
type Gossip struct {
	cfg     Config
	self    node.Node
	kernel  *kernel.Kernel
	handler *handler.Handler

	mu      sync.Mutex
	ring    *ring.Ring
	clock   *vclock.Clock
	actor   string
	ringID  string

	pendingIdle  []func()
	idleWaiters  []chan struct{}

	pollTicker  *time.Ticker
	flushTicker *time.Ticker
	stopCh      chan struct{}

	onLeave func()
	onClose func()
}

// New builds a Gossip bound to k, with its own Handler registered under
// cfg.HandlerID once Start is called.
func New(k *kernel.Kernel, cfg Config, logger zerolog.Logger) *Gossip {
	cfg.applyDefaults()
	g := &Gossip{
		cfg:    cfg,
		self:   k.Self(),
		kernel: k,
		ring:   ring.New(cfg.RFactor, cfg.PFactor),
		clock:  vclock.New(),
		actor:  uuid.NewString(),
	}
	g.handler = handler.New(k, logger)
	g.handler.OnIdle(g.onHandlerIdle)
	return g
}

// OnLeave / OnClose install observers fired by Leave.
func (g *Gossip) OnLeave(fn func()) { g.onLeave = fn }
func (g *Gossip) OnClose(fn func()) { g.onClose = fn }

// Restore seeds Gossip state from persisted values, for use by a cluster
// node's load step before Start is called.
func (g *Gossip) Restore(ringID, actor string, r *ring.Ring, c *vclock.Clock) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ringID = ringID
	if actor != "" {
		g.actor = actor
	}
	if r != nil {
		g.ring = r
	}
	if c != nil {
		g.clock = c
	}
}

// RingID returns the ring id this Gossip instance is running under (empty
// before Start/Restore).
func (g *Gossip) RingID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ringID
}

// Ring returns a point-in-time clone of the owned ring.
func (g *Gossip) Ring() *ring.Ring {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ring.Clone()
}

// Clock returns a point-in-time clone of the owned vector clock.
func (g *Gossip) Clock() *vclock.Clock {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.clock.Clone()
}

// Start records ringID, registers the gossip handler under cfg.HandlerID
// and begins the periodic poll/flush loop.
func (g *Gossip) Start(ringID string) error {
	g.mu.Lock()
	g.ringID = ringID
	g.ring.Insert(g.self, 0)
	g.clock.Insert(g.actor)
	g.mu.Unlock()

	if err := g.handler.Start(g.cfg.HandlerID); err != nil {
		return err
	}
	g.handler.On("ring", g.onRingEvent)

	g.stopCh = make(chan struct{})
	g.pollTicker = time.NewTicker(g.cfg.Interval)
	g.flushTicker = time.NewTicker(g.cfg.FlushInterval)
	go g.loop()
	return nil
}

// Stop halts the poll/flush loop and the underlying handler.
func (g *Gossip) Stop() {
	if g.stopCh != nil {
		close(g.stopCh)
	}
	if g.pollTicker != nil {
		g.pollTicker.Stop()
	}
	if g.flushTicker != nil {
		g.flushTicker.Stop()
	}
	g.handler.Stop(true)
}

func (g *Gossip) loop() {
	for {
		select {
		case <-g.pollTicker.C:
			g.pollOnce()
		case <-g.flushTicker.C:
			g.flush()
		case <-g.stopCh:
			return
		}
	}
}

func (g *Gossip) pollOnce() {
	start := time.Now()
	defer func() { metrics.GossipRoundSeconds.Observe(time.Since(start).Seconds()) }()

	g.mu.Lock()
	g.clock.Trim(uint64(time.Now().UnixMicro()), g.cfg.VClockOpts)
	ringSnap := g.ring.Clone()
	clockSnap := g.clock.Clone()
	actor := g.actor
	nodes := g.ring.Nodes()
	g.mu.Unlock()

	peers := pickRandomPeers(nodes, g.self, 2)
	for _, p := range peers {
		_ = g.sendRing(p, "update", actor, 1, ringSnap, clockSnap)
	}
}

func (g *Gossip) flush() {
	if g.cfg.Store == nil {
		return
	}
	g.mu.Lock()
	ringID := g.ringID
	actor := g.actor
	ringSnap := g.ring.Snapshot()
	clockSnap := g.clock.Snapshot()
	g.mu.Unlock()
	if err := g.cfg.Store.Save(ringID, actor, ringSnap, clockSnap); err != nil {
		g.cfg.Logger.Warn().Err(err).Msg("gossip: flush failed")
	}
}

func pickRandomPeers(nodes []node.Node, self node.Node, n int) []node.Node {
	candidates := make([]node.Node, 0, len(nodes))
	for _, c := range nodes {
		if !c.Equal(self) {
			candidates = append(candidates, c)
		}
	}
	rand.Shuffle(len(candidates), func(i, j int) { candidates[i], candidates[j] = candidates[j], candidates[i] })
	if n > len(candidates) {
		n = len(candidates)
	}
	return candidates[:n]
}

// maxMsgRound implements ceil(log2(size/rfactor)), or 1 when the ring has
// exactly rfactor virtual keys (i.e. only self).
func maxMsgRound(size, rfactor int) uint {
	if rfactor <= 0 {
		rfactor = 1
	}
	if size == rfactor {
		return 1
	}
	r := math.Ceil(math.Log2(float64(size) / float64(rfactor)))
	if r < 0 {
		r = 0
	}
	return uint(r)
}

func (g *Gossip) sendRing(target node.Node, msgType, actor string, round uint, ringSnap *ring.Ring, clockSnap *vclock.Clock) error {
	msg := wireRingMsg{Type: msgType, Actor: actor, Round: round, VClock: clockSnap.Snapshot()}
	if ringSnap != nil {
		data, err := json.Marshal(ringSnap.Snapshot())
		if err != nil {
			return err
		}
		msg.Data = data
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return g.handler.Cast(handler.Target{Node: target, ID: g.cfg.HandlerID}, "ring", payload)
}

func decodeRingSnapshot(raw json.RawMessage, rfactor, pfactor int) *ring.Ring {
	if len(raw) == 0 {
		return ring.New(rfactor, pfactor)
	}
	var s wireRingSnapshot
	if err := json.Unmarshal(raw, &s); err != nil {
		return ring.New(rfactor, pfactor)
	}
	return ring.FromSnapshot(s.RFactor, s.PFactor, s.Owners)
}

func diffNodes(a, b []node.Node) []node.Node {
	inB := make(map[string]bool, len(b))
	for _, n := range b {
		inB[n.ID] = true
	}
	var out []node.Node
	for _, n := range a {
		if !inB[n.ID] {
			out = append(out, n)
		}
	}
	return out
}

func (g *Gossip) onRingEvent(data []byte, from handler.From) {
	var msg wireRingMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		g.cfg.Logger.Debug().Err(err).Msg("gossip: invalid ring message")
		return
	}
	g.handleRingMsg(msg, from.Node)
}

// handleRingMsg merges an incoming ring+clock snapshot into this node's own.
func (g *Gossip) handleRingMsg(msg wireRingMsg, from node.Node) {
	incomingClock := vclock.FromSnapshot(msg.VClock)
	incomingRing := decodeRingSnapshot(msg.Data, g.cfg.RFactor, g.cfg.PFactor)

	g.mu.Lock()
	oldNodes := g.ring.Nodes()
	var neighborsAdded, neighborsRemoved []node.Node

	switch {
	case msg.Type == "join":
		g.clock.Merge(incomingClock)
		_ = g.ring.Merge(incomingRing)
		neighborsAdded = diffNodes(g.ring.Nodes(), oldNodes)

	case incomingClock.Descends(g.clock) && !g.clock.Descends(incomingClock):
		g.ring = incomingRing
		g.clock = incomingClock
		newNodes := g.ring.Nodes()
		neighborsAdded = diffNodes(newNodes, oldNodes)
		neighborsRemoved = diffNodes(oldNodes, newNodes)

	case !g.clock.Descends(incomingClock):
		if incomingClock.MaxInsertUs() > g.clock.MaxInsertUs() {
			g.ring = incomingRing
			newNodes := g.ring.Nodes()
			neighborsAdded = diffNodes(newNodes, oldNodes)
			neighborsRemoved = diffNodes(oldNodes, newNodes)
		}
		g.clock.Merge(incomingClock)

	default:
		// Our clock already descends the incoming one; the message is
		// stale, nothing to apply or rebroadcast.
		g.mu.Unlock()
		return
	}

	g.clock.Increment(msg.Actor)
	g.actor = msg.Actor
	ringSnap := g.ring.Clone()
	clockSnap := g.clock.Clone()
	g.mu.Unlock()

	for _, n := range neighborsAdded {
		_ = g.kernel.Connect(n)
	}
	for _, n := range neighborsRemoved {
		_ = g.kernel.Disconnect(n, true)
	}

	if msg.Type == "join" {
		round := maxMsgRound(ringSnap.Size(), g.cfg.RFactor)
		g.rebroadcast(msg.Actor, round, ringSnap, clockSnap)
		return
	}
	if msg.Round > 0 {
		g.rebroadcast(msg.Actor, msg.Round-1, ringSnap, clockSnap)
	}
}

// rebroadcast propagates a ring update to this node's ring neighbors
// (pfactor-bounded), carrying the new round value.
func (g *Gossip) rebroadcast(actor string, round uint, ringSnap *ring.Ring, clockSnap *vclock.Clock) {
	if round == 0 {
		return
	}
	targets := ringSnap.Next(g.self, g.cfg.PFactor)
	for _, t := range targets {
		_ = g.sendRing(t, "update", actor, round, ringSnap, clockSnap)
	}
}

// Meet connects to n and casts a join ring frame carrying this node's own
// ring+clock, under a fresh actor; the joinee is not reflected in this
// node's own clock.
func (g *Gossip) Meet(n node.Node) error {
	if err := g.kernel.Connect(n); err != nil {
		return err
	}
	actor := uuid.NewString()
	g.mu.Lock()
	ringSnap := g.ring.Clone()
	clockSnap := g.clock.Clone()
	g.mu.Unlock()
	return g.sendRing(n, "join", actor, 0, ringSnap, clockSnap)
}

func (g *Gossip) onHandlerIdle() {
	g.mu.Lock()
	waiters := g.idleWaiters
	g.idleWaiters = nil
	actions := g.pendingIdle
	g.pendingIdle = nil
	g.mu.Unlock()
	for _, ch := range waiters {
		close(ch)
	}
	for _, a := range actions {
		a()
	}
}

func (g *Gossip) scheduleIdle(action func()) {
	g.mu.Lock()
	g.pendingIdle = append(g.pendingIdle, action)
	g.mu.Unlock()
}

func (g *Gossip) waitIdle() {
	if g.handler.Idle() {
		return
	}
	ch := make(chan struct{})
	g.mu.Lock()
	g.idleWaiters = append(g.idleWaiters, ch)
	g.mu.Unlock()
	<-ch
}

func (g *Gossip) insertNodes(nodes []node.Node) error {
	actor := uuid.NewString()
	g.mu.Lock()
	for _, n := range nodes {
		g.ring.Insert(n, 0)
	}
	g.clock.Increment(actor)
	g.actor = actor
	ringSnap := g.ring.Clone()
	clockSnap := g.clock.Clone()
	g.mu.Unlock()

	for _, n := range nodes {
		_ = g.kernel.Connect(n)
	}
	round := maxMsgRound(ringSnap.Size(), g.cfg.RFactor)
	g.rebroadcast(actor, round, ringSnap, clockSnap)
	return nil
}

// Insert adds n to the ring. If the handler is mid-stream and force is
// false, the mutation is deferred until the next idle transition.
func (g *Gossip) Insert(n node.Node, force bool) error {
	return g.Minsert([]node.Node{n}, force)
}

// Minsert is the batch form of Insert.
func (g *Gossip) Minsert(nodes []node.Node, force bool) error {
	if !force && !g.handler.Idle() {
		g.scheduleIdle(func() { _ = g.insertNodes(nodes) })
		return nil
	}
	return g.insertNodes(nodes)
}

func (g *Gossip) removeNodes(nodes []node.Node) error {
	actor := uuid.NewString()
	g.mu.Lock()
	for _, n := range nodes {
		g.ring.Remove(n)
	}
	g.clock.Increment(actor)
	g.actor = actor
	ringSnap := g.ring.Clone()
	clockSnap := g.clock.Clone()
	g.mu.Unlock()

	for _, n := range nodes {
		_ = g.kernel.Disconnect(n, true)
	}
	round := maxMsgRound(ringSnap.Size(), g.cfg.RFactor)
	g.rebroadcast(actor, round, ringSnap, clockSnap)
	return nil
}

// Remove deletes n from the ring, symmetric with Insert.
func (g *Gossip) Remove(n node.Node, force bool) error {
	return g.Mremove([]node.Node{n}, force)
}

// Mremove is the batch form of Remove.
func (g *Gossip) Mremove(nodes []node.Node, force bool) error {
	if !force && !g.handler.Idle() {
		g.scheduleIdle(func() { _ = g.removeNodes(nodes) })
		return nil
	}
	return g.removeNodes(nodes)
}

// Leave removes self from the ring and notifies every peer, or emits
// Leave/Close immediately if this is a single-node ring.
func (g *Gossip) Leave(force bool) error {
	g.handler.Pause()

	g.mu.Lock()
	onlySelf := g.ring.Size() <= g.cfg.RFactor
	g.mu.Unlock()
	if onlySelf {
		g.fireLeave()
		g.fireClose()
		return nil
	}

	if !force {
		g.waitIdle()
	}

	farewell := uuid.NewString()
	g.mu.Lock()
	peersBefore := g.ring.Nodes()
	targets := g.ring.Next(g.self, g.cfg.PFactor)
	g.ring.Remove(g.self)
	g.clock.Increment(farewell)
	g.actor = farewell
	ringSnap := g.ring.Clone()
	clockSnap := g.clock.Clone()
	g.mu.Unlock()

	round := maxMsgRound(ringSnap.Size(), g.cfg.RFactor)
	if round > 0 {
		round--
	}
	for _, t := range targets {
		_ = g.sendRing(t, "leave", farewell, round, ringSnap, clockSnap)
	}
	for _, p := range peersBefore {
		if !p.Equal(g.self) {
			_ = g.kernel.Disconnect(p, true)
		}
	}

	g.fireLeave()
	g.fireClose()
	return nil
}

func (g *Gossip) fireLeave() {
	if g.onLeave != nil {
		g.onLeave()
	}
}

func (g *Gossip) fireClose() {
	if g.onClose != nil {
		g.onClose()
	}
}

// Find returns the owner of data followed by up to pfactor neighbor
// nodes: [find(data)] ++ next(find(data)).
func (g *Gossip) Find(data string) []node.Node {
	g.mu.Lock()
	r := g.ring
	pfactor := g.cfg.PFactor
	g.mu.Unlock()
	owner, ok := r.Find(data)
	if !ok {
		return nil
	}
	out := []node.Node{owner}
	out = append(out, r.Next(owner, pfactor)...)
	return out
}

// Range is a convenience used by DLM/DSM: the owner and its next replicas
// for id, at most k nodes in total. The count is further capped by the
// ring's distinct node count and by pfactor+1 (see ring.RangeNext).
func (g *Gossip) Range(id string, k int) []node.Node {
	g.mu.Lock()
	r := g.ring
	g.mu.Unlock()
	return r.RangeNext(id, k)
}
