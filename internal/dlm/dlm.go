// Package dlm implements a Redlock-style Distributed Lock Manager:
// quorum-based read/write locks replicated across the nodes a gossip
// ring assigns to a given lock id.
package dlm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/adred-codev/meshring/internal/handler"
	"github.com/adred-codev/meshring/internal/kernel"
	"github.com/adred-codev/meshring/internal/metrics"
	"github.com/adred-codev/meshring/internal/node"
	"github.com/adred-codev/meshring/internal/store"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// lockAuditKey is the hash store.Store.HSet mirrors live grants under,
// field-keyed by lock id. It is a write-through audit trail only: a
// restarted node never replays it back into m.locks, since a lock
// without a live expiry timer would linger forever: leases are meant to
// be self-healing via quorum retry, not durable.
const lockAuditKey = "dlm_locks"

type lockAuditWire struct {
	Kind        string   `json:"kind"`
	WriteHolder string   `json:"writeHolder,omitempty"`
	ReadHolders []string `json:"readHolders,omitempty"`
}

// ErrQuorum is returned when rlock/wlock exhausts its retries without
// reaching quorum.
var ErrQuorum = errors.New("dlm: quorum not reached")

// Ranger supplies the replica set for a lock id; satisfied by
// *gossip.Gossip.Range.
type Ranger interface {
	Range(id string, k int) []node.Node
}

// Config configures a Manager.
type Config struct {
	RQuorum        float64
	WQuorum        float64
	RFactor        int
	MinWaitTimeout time.Duration
	MaxWaitTimeout time.Duration
	HandlerID      string
	Logger         zerolog.Logger

	// Store, when non-nil, receives a write-through mirror of every grant
	// and release for debugging/introspection. Leave
	// nil (the default) to disable; a *store.Null keeps the mirror in
	// memory.
	Store store.Store

	// Nats, when non-nil, additionally publishes every grant/release to
	// a JetStream subject so an external operator can tail cluster lock
	// mutations. Off by default; requires the subject's stream to exist.
	Nats   *nats.Conn
	RingID string
}

func (c *Config) applyDefaults() {
	if c.RQuorum <= 0 {
		c.RQuorum = 0.51
	}
	if c.WQuorum <= 0 {
		c.WQuorum = 0.51
	}
	if c.RFactor <= 0 {
		c.RFactor = 3
	}
	if c.MinWaitTimeout <= 0 {
		c.MinWaitTimeout = 50 * time.Millisecond
	}
	if c.MaxWaitTimeout <= 0 {
		c.MaxWaitTimeout = 250 * time.Millisecond
	}
	if c.HandlerID == "" {
		c.HandlerID = "dlm"
	}
}

type lockKind int

const (
	none lockKind = iota
	readLock
	writeLock
)

type lockEntry struct {
	kind        lockKind
	writeHolder string
	writeTimer  *time.Timer
	readTimers  map[string]*time.Timer
}

// Manager is a node's local view of every lock it participates in as a
// replica, plus the caller-side quorum protocol for locks it owns as
// client.
type Manager struct {
	cfg     Config
	kernel  *kernel.Kernel
	handler *handler.Handler
	gossip  Ranger

	mu    sync.Mutex
	locks map[string]*lockEntry

	js      nats.JetStreamContext
	subject string
}

type lockMutationWire struct {
	ID     string `json:"id"`
	Kind   string `json:"kind"`
	Holder string `json:"holder"`
	Action string `json:"action"` // "grant" | "release" | "expire"
}

type lockReqWire struct {
	ID     string `json:"id"`
	Holder string `json:"holder"`
	TTLMs  int64  `json:"ttlMs"`
}

type lockRespWire struct {
	OK bool `json:"ok"`
}

// New builds a Manager bound to k, serving replica requests as
// cfg.HandlerID and routing client requests through gossip's ring.
func New(k *kernel.Kernel, gossip Ranger, cfg Config, logger zerolog.Logger) *Manager {
	cfg.applyDefaults()
	m := &Manager{
		cfg:    cfg,
		kernel: k,
		gossip: gossip,
		locks:  make(map[string]*lockEntry),
	}
	m.handler = handler.New(k, logger)
	if cfg.Nats != nil {
		if js, err := cfg.Nats.JetStream(); err == nil {
			m.js = js
			m.subject = fmt.Sprintf("meshring.dlm.%s", cfg.RingID)
		} else {
			logger.Warn().Err(err).Msg("dlm: jetstream context unavailable, mutation publishing disabled")
		}
	}
	return m
}

// Start registers the replica-side handlers (rlock/wlock/runlock/wunlock).
func (m *Manager) Start() error {
	if err := m.handler.Start(m.cfg.HandlerID); err != nil {
		return err
	}
	m.handler.On("rlock", m.onRLock)
	m.handler.On("wlock", m.onWLock)
	m.handler.On("runlock", m.onRUnlock)
	m.handler.On("wunlock", m.onWUnlock)
	return nil
}

// Stop unregisters the replica-side handlers and cancels every timer this
// node holds.
func (m *Manager) Stop() {
	m.handler.Stop(true)
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, e := range m.locks {
		if e.writeTimer != nil {
			e.writeTimer.Stop()
		}
		for _, t := range e.readTimers {
			t.Stop()
		}
		if m.cfg.Store != nil {
			_ = m.cfg.Store.HDel(lockAuditKey, id)
		}
	}
	m.locks = make(map[string]*lockEntry)
}

func decodeLockReq(raw json.RawMessage) (lockReqWire, error) {
	var req lockReqWire
	err := json.Unmarshal(raw, &req)
	return req, err
}

func (m *Manager) replyOK(from handler.From, event string, ok bool) {
	payload, _ := json.Marshal(lockRespWire{OK: ok})
	_ = m.handler.Reply(from, event, payload)
}

func (m *Manager) onRLock(data []byte, from handler.From) {
	req, err := decodeLockReq(data)
	if err != nil {
		return
	}
	ok := m.doRLock(req.ID, req.Holder, time.Duration(req.TTLMs)*time.Millisecond)
	m.replyOK(from, "rlock", ok)
}

func (m *Manager) onWLock(data []byte, from handler.From) {
	req, err := decodeLockReq(data)
	if err != nil {
		return
	}
	ok := m.doWLock(req.ID, req.Holder, time.Duration(req.TTLMs)*time.Millisecond)
	m.replyOK(from, "wlock", ok)
}

func (m *Manager) onRUnlock(data []byte, from handler.From) {
	req, err := decodeLockReq(data)
	if err != nil {
		return
	}
	ok := m.doRUnlock(req.ID, req.Holder)
	m.replyOK(from, "runlock", ok)
}

func (m *Manager) onWUnlock(data []byte, from handler.From) {
	req, err := decodeLockReq(data)
	if err != nil {
		return
	}
	ok := m.doWUnlock(req.ID, req.Holder)
	m.replyOK(from, "wunlock", ok)
}

// doRLock is the per-node read-lock grant decision.
func (m *Manager) doRLock(id, holder string, ttl time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, exists := m.locks[id]
	if exists && e.kind == writeLock {
		return false
	}
	if exists && e.kind == readLock {
		if _, already := e.readTimers[holder]; already {
			return true
		}
	}
	if !exists {
		e = &lockEntry{kind: readLock, readTimers: make(map[string]*time.Timer)}
		m.locks[id] = e
	}
	e.kind = readLock
	e.readTimers[holder] = time.AfterFunc(ttl, func() { m.expireReadHolder(id, holder) })
	m.auditLocked(id)
	m.publishMutation(id, "read", holder, "grant")
	return true
}

// doWLock is the per-node write-lock grant decision. A repeat wlock by the
// same holder before expiry is not specially handled: any existing lock of
// either kind blocks a new wlock, so a holder cannot extend its own lease
// by re-locking before expiry.
func (m *Manager) doWLock(id, holder string, ttl time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.locks[id]; exists {
		return false
	}
	e := &lockEntry{kind: writeLock, writeHolder: holder}
	e.writeTimer = time.AfterFunc(ttl, func() { m.expireWrite(id) })
	m.locks[id] = e
	m.auditLocked(id)
	m.publishMutation(id, "write", holder, "grant")
	return true
}

func (m *Manager) doRUnlock(id, holder string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, exists := m.locks[id]
	if !exists || e.kind != readLock {
		return false
	}
	t, held := e.readTimers[holder]
	if !held {
		return false
	}
	t.Stop()
	delete(e.readTimers, holder)
	if len(e.readTimers) == 0 {
		delete(m.locks, id)
	}
	m.auditLocked(id)
	m.publishMutation(id, "read", holder, "release")
	return true
}

func (m *Manager) doWUnlock(id, holder string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, exists := m.locks[id]
	if !exists || e.kind != writeLock {
		return false
	}
	if e.writeHolder != holder {
		return false
	}
	e.writeTimer.Stop()
	delete(m.locks, id)
	m.auditLocked(id)
	m.publishMutation(id, "write", holder, "release")
	return true
}

func (m *Manager) expireReadHolder(id, holder string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, exists := m.locks[id]
	if !exists || e.kind != readLock {
		return
	}
	delete(e.readTimers, holder)
	if len(e.readTimers) == 0 {
		delete(m.locks, id)
	}
	m.auditLocked(id)
	m.publishMutation(id, "read", holder, "expire")
}

func (m *Manager) expireWrite(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var holder string
	if e, exists := m.locks[id]; exists && e.kind == writeLock {
		holder = e.writeHolder
		delete(m.locks, id)
	}
	m.auditLocked(id)
	m.publishMutation(id, "write", holder, "expire")
}

// publishMutation best-effort publishes a grant/release/expire record to
// JetStream if Config.Nats is configured. It never blocks on or surfaces
// publish failures to callers, since this is a tailing convenience, not
// part of the quorum protocol.
func (m *Manager) publishMutation(id, kind, holder, action string) {
	if m.js == nil {
		return
	}
	payload, err := json.Marshal(lockMutationWire{ID: id, Kind: kind, Holder: holder, Action: action})
	if err != nil {
		return
	}
	if _, err := m.js.Publish(m.subject, payload); err != nil {
		m.cfg.Logger.Debug().Err(err).Str("id", id).Msg("dlm: jetstream publish failed")
	}
}

// auditLocked mirrors the current state of id's lockEntry into cfg.Store,
// or clears the mirror if id no longer has an entry. Callers must hold m.mu.
func (m *Manager) auditLocked(id string) {
	if m.cfg.Store == nil {
		return
	}
	e, exists := m.locks[id]
	if !exists {
		_ = m.cfg.Store.HDel(lockAuditKey, id)
		return
	}
	rec := lockAuditWire{}
	switch e.kind {
	case writeLock:
		rec.Kind = "write"
		rec.WriteHolder = e.writeHolder
	case readLock:
		rec.Kind = "read"
		for holder := range e.readTimers {
			rec.ReadHolders = append(rec.ReadHolders, holder)
		}
	}
	_ = m.cfg.Store.HSet(lockAuditKey, id, rec)
}

func (m *Manager) randomBackoff() time.Duration {
	lo, hi := m.cfg.MinWaitTimeout, m.cfg.MaxWaitTimeout
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(rand.Int63n(int64(hi-lo)))
}

// quorumCall issues event to every node in nodes and returns, per node,
// whether its reply decoded to {ok:true}.
func (m *Manager) quorumCall(ctx context.Context, nodes []node.Node, event string, req lockReqWire) []bool {
	payload, _ := json.Marshal(req)
	targets := make([]handler.Target, len(nodes))
	for i, n := range nodes {
		targets[i] = handler.Target{Node: n, ID: m.cfg.HandlerID}
	}
	replies, errs := m.handler.Multicall(ctx, targets, event, payload)
	passes := make([]bool, len(nodes))
	for i := range nodes {
		if errs[i] != nil {
			continue
		}
		var job handler.Job
		if json.Unmarshal(replies[i], &job) != nil {
			continue
		}
		var resp lockRespWire
		if json.Unmarshal(job.Data, &resp) != nil {
			continue
		}
		passes[i] = resp.OK
	}
	return passes
}

func (m *Manager) fireAndForgetUnlock(nodes []node.Node, event, id, holder string) {
	req := lockReqWire{ID: id, Holder: holder}
	payload, _ := json.Marshal(req)
	for _, n := range nodes {
		_ = m.handler.Cast(handler.Target{Node: n, ID: m.cfg.HandlerID}, event, payload)
	}
}

// RLock requests a read lock on id for holder with the given ttl. It
// retries with uniform-random backoff until quorum is reached, ctx is
// done, or retries is exhausted (retries < 0 means unlimited).
func (m *Manager) RLock(ctx context.Context, id, holder string, ttl time.Duration, retries int) ([]node.Node, error) {
	return m.acquire(ctx, id, holder, ttl, retries, "rlock", "runlock", m.cfg.RQuorum)
}

// WLock is the write-lock counterpart of RLock.
func (m *Manager) WLock(ctx context.Context, id, holder string, ttl time.Duration, retries int) ([]node.Node, error) {
	return m.acquire(ctx, id, holder, ttl, retries, "wlock", "wunlock", m.cfg.WQuorum)
}

func (m *Manager) acquire(ctx context.Context, id, holder string, ttl time.Duration, retries int, lockEvent, unlockEvent string, quorum float64) ([]node.Node, error) {
	kind := "read"
	if lockEvent == "wlock" {
		kind = "write"
	}

	nodes := m.gossip.Range(id, m.cfg.RFactor)
	if len(nodes) == 0 {
		metrics.LockDeniesTotal.WithLabelValues(kind).Inc()
		return nil, ErrQuorum
	}
	req := lockReqWire{ID: id, Holder: holder, TTLMs: ttl.Milliseconds()}

	for {
		t0 := time.Now()
		passes := m.quorumCall(ctx, nodes, lockEvent, req)
		delta := time.Since(t0)

		count := 0
		var passNodes []node.Node
		for i, ok := range passes {
			if ok {
				count++
				passNodes = append(passNodes, nodes[i])
			}
		}

		if float64(count)/float64(len(nodes)) >= quorum && delta < ttl {
			metrics.LockGrantsTotal.WithLabelValues(kind).Inc()
			return passNodes, nil
		}

		m.fireAndForgetUnlock(nodes, unlockEvent, id, holder)

		if retries == 0 {
			metrics.LockDeniesTotal.WithLabelValues(kind).Inc()
			return nil, ErrQuorum
		}
		if retries > 0 {
			retries--
		}

		select {
		case <-time.After(m.randomBackoff()):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// RUnlock releases holder's read lock on id across nodes.
func (m *Manager) RUnlock(nodes []node.Node, id, holder string) {
	m.fireAndForgetUnlock(nodes, "runlock", id, holder)
}

// WUnlock releases holder's write lock on id across nodes.
func (m *Manager) WUnlock(nodes []node.Node, id, holder string) {
	m.fireAndForgetUnlock(nodes, "wunlock", id, holder)
}
