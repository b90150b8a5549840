// Package dsm implements the Distributed Semaphore Manager: unlike
// the DLM, every semaphore id is owned by exactly one node (determined by
// the gossip ring's find), and all operations for that id route there.
package dsm

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

// semAuditKey is the hash store.Store.HSet mirrors live semaphores under,
// field-keyed by semaphore id, for the same write-through/no-restore
// reasons documented on dlm.lockAuditKey.
const semAuditKey = "dsm_sems"

type semAuditWire struct {
	Size    int      `json:"size"`
	Holders []string `json:"holders,omitempty"`
}

var (
	ErrSemaphoreMissing     = errors.New("dsm: semaphore does not exist")
	ErrSemaphoreFull        = errors.New("dsm: semaphore is full")
	ErrSemaphoreSizeConflict = errors.New("dsm: semaphore exists with a different size")
)

// Owner resolves the single node a semaphore id is owned by; satisfied by
// *gossip.Gossip.Find (the first element of its result is the owner).
type Owner interface {
	Find(id string) []node.Node
}

// Config configures a Manager.
type Config struct {
	MinWaitTimeout time.Duration
	MaxWaitTimeout time.Duration
	HandlerID      string
	Logger         zerolog.Logger

	// Store, when non-nil, receives a write-through mirror of every
	// semaphore this node owns. Leave nil to disable.
	Store store.Store

	// Nats, when non-nil, additionally publishes every create/post/close/
	// destroy to a JetStream subject for external tailing. Off by default.
	Nats   *nats.Conn
	RingID string
}

func (c *Config) applyDefaults() {
	if c.MinWaitTimeout <= 0 {
		c.MinWaitTimeout = 50 * time.Millisecond
	}
	if c.MaxWaitTimeout <= 0 {
		c.MaxWaitTimeout = 250 * time.Millisecond
	}
	if c.HandlerID == "" {
		c.HandlerID = "dsm"
	}
}

type semEntry struct {
	size    int
	holders map[string]*time.Timer
}

// Manager owns every semaphore this node is the owner of, and also serves
// as the client-side router for semaphores owned elsewhere.
type Manager struct {
	cfg     Config
	kernel  *kernel.Kernel
	handler *handler.Handler
	owner   Owner

	mu   sync.Mutex
	sems map[string]*semEntry

	js      nats.JetStreamContext
	subject string
}

type semMutationWire struct {
	ID     string `json:"id"`
	Holder string `json:"holder,omitempty"`
	Action string `json:"action"` // "create" | "post" | "close" | "expire" | "destroy"
}

type createReqWire struct {
	ID string `json:"id"`
	N  int    `json:"n"`
}
type createRespWire struct {
	OK      bool   `json:"ok"`
	Conflict bool  `json:"conflict"`
}
type readReqWire struct {
	ID string `json:"id"`
}
type readRespWire struct {
	OK     bool `json:"ok"`
	N      int  `json:"n"`
	Active int  `json:"active"`
}
type destroyReqWire struct {
	ID string `json:"id"`
}
type okRespWire struct {
	OK bool `json:"ok"`
}
type postReqWire struct {
	ID     string `json:"id"`
	Holder string `json:"holder"`
	TTLMs  int64  `json:"ttlMs"`
}
type postRespWire struct {
	OK      bool `json:"ok"`
	Missing bool `json:"missing"`
}
type closeReqWire struct {
	ID     string `json:"id"`
	Holder string `json:"holder"`
}

// New builds a Manager bound to k, serving as owner for any semaphore id
// that owner.Find(id) resolves to this node.
func New(k *kernel.Kernel, owner Owner, cfg Config, logger zerolog.Logger) *Manager {
	cfg.applyDefaults()
	m := &Manager{
		cfg:    cfg,
		kernel: k,
		owner:  owner,
		sems:   make(map[string]*semEntry),
	}
	m.handler = handler.New(k, logger)
	if cfg.Nats != nil {
		if js, err := cfg.Nats.JetStream(); err == nil {
			m.js = js
			m.subject = fmt.Sprintf("meshring.dsm.%s", cfg.RingID)
		} else {
			logger.Warn().Err(err).Msg("dsm: jetstream context unavailable, mutation publishing disabled")
		}
	}
	return m
}

// Start registers the owner-side handlers (create/read/destroy/post/close).
func (m *Manager) Start() error {
	if err := m.handler.Start(m.cfg.HandlerID); err != nil {
		return err
	}
	m.handler.On("create", m.onCreate)
	m.handler.On("read", m.onRead)
	m.handler.On("destroy", m.onDestroy)
	m.handler.On("post", m.onPost)
	m.handler.On("close", m.onClose)
	return nil
}

// Stop unregisters handlers and cancels every timer this node holds.
func (m *Manager) Stop() {
	m.handler.Stop(true)
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, e := range m.sems {
		for _, t := range e.holders {
			t.Stop()
		}
		if m.cfg.Store != nil {
			_ = m.cfg.Store.HDel(semAuditKey, id)
		}
	}
	m.sems = make(map[string]*semEntry)
}

// publishMutation best-effort publishes a semaphore mutation record to
// JetStream if Config.Nats is configured.
func (m *Manager) publishMutation(id, holder, action string) {
	if m.js == nil {
		return
	}
	payload, err := json.Marshal(semMutationWire{ID: id, Holder: holder, Action: action})
	if err != nil {
		return
	}
	if _, err := m.js.Publish(m.subject, payload); err != nil {
		m.cfg.Logger.Debug().Err(err).Str("id", id).Msg("dsm: jetstream publish failed")
	}
}

// auditLocked mirrors id's current semEntry into cfg.Store, or clears the
// mirror once id no longer exists. Callers must hold m.mu.
func (m *Manager) auditLocked(id string) {
	if m.cfg.Store == nil {
		return
	}
	e, exists := m.sems[id]
	if !exists {
		_ = m.cfg.Store.HDel(semAuditKey, id)
		return
	}
	rec := semAuditWire{Size: e.size}
	for holder := range e.holders {
		rec.Holders = append(rec.Holders, holder)
	}
	_ = m.cfg.Store.HSet(semAuditKey, id, rec)
}

func (m *Manager) onCreate(data []byte, from handler.From) {
	var req createReqWire
	if json.Unmarshal(data, &req) != nil {
		return
	}
	ok, conflict := m.doCreate(req.ID, req.N)
	payload, _ := json.Marshal(createRespWire{OK: ok, Conflict: conflict})
	_ = m.handler.Reply(from, "create", payload)
}

func (m *Manager) onRead(data []byte, from handler.From) {
	var req readReqWire
	if json.Unmarshal(data, &req) != nil {
		return
	}
	n, active, ok := m.doRead(req.ID)
	payload, _ := json.Marshal(readRespWire{OK: ok, N: n, Active: active})
	_ = m.handler.Reply(from, "read", payload)
}

func (m *Manager) onDestroy(data []byte, from handler.From) {
	var req destroyReqWire
	if json.Unmarshal(data, &req) != nil {
		return
	}
	ok := m.doDestroy(req.ID)
	payload, _ := json.Marshal(okRespWire{OK: ok})
	_ = m.handler.Reply(from, "destroy", payload)
}

func (m *Manager) onPost(data []byte, from handler.From) {
	var req postReqWire
	if json.Unmarshal(data, &req) != nil {
		return
	}
	ok, missing := m.doPost(req.ID, req.Holder, time.Duration(req.TTLMs)*time.Millisecond)
	payload, _ := json.Marshal(postRespWire{OK: ok, Missing: missing})
	_ = m.handler.Reply(from, "post", payload)
}

func (m *Manager) onClose(data []byte, from handler.From) {
	var req closeReqWire
	if json.Unmarshal(data, &req) != nil {
		return
	}
	ok := m.doClose(req.ID, req.Holder)
	payload, _ := json.Marshal(okRespWire{OK: ok})
	_ = m.handler.Reply(from, "close", payload)
}

func (m *Manager) doCreate(id string, n int) (ok, conflict bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, exists := m.sems[id]
	if !exists {
		m.sems[id] = &semEntry{size: n, holders: make(map[string]*time.Timer)}
		m.auditLocked(id)
		m.publishMutation(id, "", "create")
		metrics.SemaphoreOccupancy.WithLabelValues(id).Set(0)
		return true, false
	}
	if e.size == n {
		return true, false
	}
	return false, true
}

func (m *Manager) doRead(id string) (n, active int, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, exists := m.sems[id]
	if !exists {
		return 0, 0, false
	}
	return e.size, len(e.holders), true
}

func (m *Manager) doDestroy(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, exists := m.sems[id]
	if !exists {
		return false
	}
	for _, t := range e.holders {
		t.Stop()
	}
	delete(m.sems, id)
	m.auditLocked(id)
	m.publishMutation(id, "", "destroy")
	metrics.SemaphoreOccupancy.DeleteLabelValues(id)
	return true
}

func (m *Manager) doPost(id, holder string, ttl time.Duration) (ok, missing bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, exists := m.sems[id]
	if !exists {
		return false, true
	}
	if _, already := e.holders[holder]; already {
		return true, false
	}
	if len(e.holders) >= e.size {
		return false, false
	}
	e.holders[holder] = time.AfterFunc(ttl, func() { m.expirePost(id, holder) })
	m.auditLocked(id)
	m.publishMutation(id, holder, "post")
	metrics.SemaphoreOccupancy.WithLabelValues(id).Set(float64(len(e.holders)))
	return true, false
}

func (m *Manager) doClose(id, holder string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, exists := m.sems[id]
	if !exists {
		return false
	}
	t, held := e.holders[holder]
	if !held {
		return false
	}
	t.Stop()
	delete(e.holders, holder)
	m.auditLocked(id)
	m.publishMutation(id, holder, "close")
	metrics.SemaphoreOccupancy.WithLabelValues(id).Set(float64(len(e.holders)))
	return true
}

func (m *Manager) expirePost(id, holder string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, exists := m.sems[id]; exists {
		delete(e.holders, holder)
		m.auditLocked(id)
		m.publishMutation(id, holder, "expire")
		metrics.SemaphoreOccupancy.WithLabelValues(id).Set(float64(len(e.holders)))
	}
}

func (m *Manager) randomBackoff() time.Duration {
	lo, hi := m.cfg.MinWaitTimeout, m.cfg.MaxWaitTimeout
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(rand.Int63n(int64(hi-lo)))
}

func (m *Manager) ownerOf(id string) (node.Node, bool) {
	nodes := m.owner.Find(id)
	if len(nodes) == 0 {
		return node.Node{}, false
	}
	return nodes[0], true
}

func unwrapReply(raw []byte, v any) error {
	var job handler.Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return err
	}
	return json.Unmarshal(job.Data, v)
}

// Create creates semaphore id with capacity n on its owner node. Repeated
// calls with the same n are idempotent; a different n errors with
// ErrSemaphoreSizeConflict.
func (m *Manager) Create(ctx context.Context, id string, n int) error {
	owner, ok := m.ownerOf(id)
	if !ok {
		return ErrSemaphoreMissing
	}
	payload, _ := json.Marshal(createReqWire{ID: id, N: n})
	raw, err := m.handler.Call(ctx, handler.Target{Node: owner, ID: m.cfg.HandlerID}, "create", payload)
	if err != nil {
		return err
	}
	var resp createRespWire
	if err := unwrapReply(raw, &resp); err != nil {
		return err
	}
	if resp.Conflict {
		return ErrSemaphoreSizeConflict
	}
	return nil
}

// Read returns the configured capacity and number of active holders.
func (m *Manager) Read(ctx context.Context, id string) (n, active int, err error) {
	owner, ok := m.ownerOf(id)
	if !ok {
		return 0, 0, ErrSemaphoreMissing
	}
	payload, _ := json.Marshal(readReqWire{ID: id})
	raw, err := m.handler.Call(ctx, handler.Target{Node: owner, ID: m.cfg.HandlerID}, "read", payload)
	if err != nil {
		return 0, 0, err
	}
	var resp readRespWire
	if err := unwrapReply(raw, &resp); err != nil {
		return 0, 0, err
	}
	if !resp.OK {
		return 0, 0, ErrSemaphoreMissing
	}
	return resp.N, resp.Active, nil
}

// Destroy removes semaphore id and cancels every holder's timer.
func (m *Manager) Destroy(ctx context.Context, id string) error {
	owner, ok := m.ownerOf(id)
	if !ok {
		return ErrSemaphoreMissing
	}
	payload, _ := json.Marshal(destroyReqWire{ID: id})
	raw, err := m.handler.Call(ctx, handler.Target{Node: owner, ID: m.cfg.HandlerID}, "destroy", payload)
	if err != nil {
		return err
	}
	var resp okRespWire
	if err := unwrapReply(raw, &resp); err != nil {
		return err
	}
	if !resp.OK {
		return ErrSemaphoreMissing
	}
	return nil
}

// Post acquires a slot in semaphore id for holder, retrying with uniform
// random backoff while the semaphore is full (retries < 0: unlimited)
// until ctx is done, the elapsed time reaches ttl, or retries run out.
func (m *Manager) Post(ctx context.Context, id, holder string, ttl time.Duration, retries int) error {
	owner, ok := m.ownerOf(id)
	if !ok {
		return ErrSemaphoreMissing
	}
	payload, _ := json.Marshal(postReqWire{ID: id, Holder: holder, TTLMs: ttl.Milliseconds()})
	start := time.Now()

	for {
		raw, err := m.handler.Call(ctx, handler.Target{Node: owner, ID: m.cfg.HandlerID}, "post", payload)
		if err != nil {
			return err
		}
		var resp postRespWire
		if err := unwrapReply(raw, &resp); err != nil {
			return err
		}
		if resp.Missing {
			return ErrSemaphoreMissing
		}
		if resp.OK {
			return nil
		}
		if time.Since(start) >= ttl {
			return ErrSemaphoreFull
		}
		if retries == 0 {
			return ErrSemaphoreFull
		}
		if retries > 0 {
			retries--
		}
		select {
		case <-time.After(m.randomBackoff()):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close releases holder's slot in semaphore id.
func (m *Manager) Close(ctx context.Context, id, holder string) error {
	owner, ok := m.ownerOf(id)
	if !ok {
		return ErrSemaphoreMissing
	}
	payload, _ := json.Marshal(closeReqWire{ID: id, Holder: holder})
	raw, err := m.handler.Call(ctx, handler.Target{Node: owner, ID: m.cfg.HandlerID}, "close", payload)
	if err != nil {
		return err
	}
	var resp okRespWire
	if err := unwrapReply(raw, &resp); err != nil {
		return err
	}
	if !resp.OK {
		return ErrSemaphoreMissing
	}
	return nil
}

// CloseAsync is the fire-and-forget form of Close.
func (m *Manager) CloseAsync(id, holder string) error {
	owner, ok := m.ownerOf(id)
	if !ok {
		return ErrSemaphoreMissing
	}
	payload, _ := json.Marshal(closeReqWire{ID: id, Holder: holder})
	return m.handler.Cast(handler.Target{Node: owner, ID: m.cfg.HandlerID}, "close", payload)
}
