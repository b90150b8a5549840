// Package handler implements the Handler abstraction: a named
// endpoint registered with a Network Kernel that reassembles chunked
// frames into whole event payloads and dispatches them to typed callbacks.
package handler

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/adred-codev/meshring/internal/kernel"
	"github.com/adred-codev/meshring/internal/node"
	"github.com/adred-codev/meshring/internal/wire"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// defaultStreamTimeout is the per-stream accumulator deadline.
const defaultStreamTimeout = 30 * time.Second

// From identifies the origin of an inbound event: the reply tag (if any)
// and the sending node.
type From struct {
	Tag  string
	Node node.Node
}

func (f From) replyTo() kernel.ReplyTo {
	return kernel.ReplyTo{Tag: f.Tag, Node: f.Node}
}

// EventFunc handles one decoded event payload.
type EventFunc func(data []byte, from From)

// Job is the decoded handler payload shape, `{event, data}`.
type Job struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Target names where a call/cast is addressed: a remote or local (Node
// equal to the kernel's self) {Node, ID} pair.
type Target struct {
	Node node.Node
	ID   string
}

type streamAcc struct {
	buf   []byte
	tag   string
	from  node.Node
	timer *time.Timer
}

// Handler is a registered endpoint: it owns its stream accumulators and a
// table of per-event callbacks, and borrows a *kernel.Kernel to send and
// receive: the handler never owns the kernel.
type Handler struct {
	kernel *kernel.Kernel
	logger zerolog.Logger

	streamTimeout time.Duration

	mu        sync.Mutex
	id        string
	accepting bool
	streams   map[string]*streamAcc
	events    map[string]EventFunc
	onStop    func()
	onIdle    func()
}

// New builds a Handler bound to k. Call Start to register it.
func New(k *kernel.Kernel, logger zerolog.Logger) *Handler {
	return &Handler{
		kernel:        k,
		logger:        logger,
		streamTimeout: defaultStreamTimeout,
		streams:       make(map[string]*streamAcc),
		events:        make(map[string]EventFunc),
	}
}

// OnStop installs a callback fired when Stop completes.
func (h *Handler) OnStop(fn func()) { h.onStop = fn }

// OnIdle installs a callback fired whenever the stream-accumulator map
// transitions from non-empty to empty, i.e. the component becomes idle.
func (h *Handler) OnIdle(fn func()) { h.onIdle = fn }

// On registers fn as the callback for event name.
func (h *Handler) On(name string, fn EventFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events[name] = fn
}

// ID returns the handler's current registration id (empty before Start).
func (h *Handler) ID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.id
}

// Start registers the handler with the Kernel under name. If name is
// empty, a fresh id is generated. Fails if the Kernel already has a
// listener at that id.
func (h *Handler) Start(name string) error {
	if name == "" {
		name = uuid.NewString()
	}
	if err := h.kernel.RegisterListener(name, h.onFrame); err != nil {
		return err
	}
	h.mu.Lock()
	h.id = name
	h.accepting = true
	h.mu.Unlock()
	return nil
}

// Stop clears all in-flight stream accumulators (cancelling their
// timers), unregisters from the kernel, and clears the id so the Handler
// can be Start-ed again (an empty name then generates a fresh id).
func (h *Handler) Stop(force bool) {
	h.mu.Lock()
	id := h.id
	for streamID, acc := range h.streams {
		acc.timer.Stop()
		delete(h.streams, streamID)
	}
	h.accepting = false
	h.id = ""
	h.mu.Unlock()

	if id != "" {
		h.kernel.Unregister(id)
	}
	if h.onStop != nil {
		h.onStop()
	}
}

// Pause detaches the kernel listener without changing id; inbound frames
// for this id are dropped until Resume.
func (h *Handler) Pause() {
	h.mu.Lock()
	h.accepting = false
	id := h.id
	h.mu.Unlock()
	if id != "" {
		h.kernel.Unregister(id)
	}
}

// Resume reattaches the kernel listener at the same id.
func (h *Handler) Resume() error {
	h.mu.Lock()
	id := h.id
	h.mu.Unlock()
	if id == "" {
		return nil
	}
	if err := h.kernel.RegisterListener(id, h.onFrame); err != nil {
		return err
	}
	h.mu.Lock()
	h.accepting = true
	h.mu.Unlock()
	return nil
}

// Idle reports whether no streams are currently being accumulated.
func (h *Handler) Idle() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.streams) == 0
}

// decodeJob parses buf as a Job. Override by embedding for per-event
// payload validation; the default only checks the envelope shape.
func (h *Handler) decodeJob(buf []byte) (Job, error) {
	var j Job
	if err := json.Unmarshal(buf, &j); err != nil {
		return Job{}, wire.ErrInvalidJob
	}
	if j.Event == "" {
		return Job{}, wire.ErrInvalidJob
	}
	return j, nil
}

// decodeSingleton mirrors decodeJob but operates on an already-parsed
// value (a map[string]any from json.Unmarshal) instead of a raw byte
// buffer, applying the same envelope validation.
func (h *Handler) decodeSingleton(v any) (Job, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return Job{}, wire.ErrInvalidJob
	}
	event, _ := m["event"].(string)
	if event == "" {
		return Job{}, wire.ErrInvalidJob
	}
	data, err := json.Marshal(m["data"])
	if err != nil {
		return Job{}, wire.ErrInvalidJob
	}
	return Job{Event: event, Data: data}, nil
}

func (h *Handler) onFrame(f wire.Frame, from node.Node) {
	h.mu.Lock()
	if !h.accepting {
		h.mu.Unlock()
		return
	}
	streamID := f.Stream.Stream
	acc, exists := h.streams[streamID]
	if !exists {
		acc = &streamAcc{from: from}
		if f.Tag != nil {
			acc.tag = *f.Tag
		}
		acc.timer = time.AfterFunc(h.streamTimeout, func() { h.onStreamTimeout(streamID) })
		h.streams[streamID] = acc
	}
	if f.Data != nil {
		acc.buf = append(acc.buf, f.Data.Data...)
	}
	streamErr := f.Stream.Error
	done := f.Stream.Done
	becameIdle := false
	if done {
		acc.timer.Stop()
		delete(h.streams, streamID)
		becameIdle = len(h.streams) == 0
	}
	h.mu.Unlock()

	if becameIdle && h.onIdle != nil {
		h.onIdle()
	}
	if !done {
		return
	}
	if streamErr != nil {
		// Upstream error: suppress event emission.
		return
	}

	job, err := h.decodeJob(acc.buf)
	if err != nil {
		h.logger.Debug().Err(err).Str("stream", streamID).Msg("handler: invalid job")
		return
	}

	h.mu.Lock()
	fn, ok := h.events[job.Event]
	h.mu.Unlock()
	if !ok {
		return
	}
	fn(job.Data, From{Tag: acc.tag, Node: acc.from})
}

func (h *Handler) onStreamTimeout(streamID string) {
	h.mu.Lock()
	acc, ok := h.streams[streamID]
	becameIdle := false
	if ok {
		delete(h.streams, streamID)
		becameIdle = len(h.streams) == 0
	}
	h.mu.Unlock()
	if becameIdle && h.onIdle != nil {
		h.onIdle()
	}
	if !ok {
		return
	}
	if acc.tag != "" {
		_ = h.kernel.ReplyError(kernel.ReplyTo{Tag: acc.tag, Node: acc.from}, wire.ErrTimeout)
	}
}

func envelope(event string, data []byte) ([]byte, error) {
	raw := json.RawMessage(data)
	if len(raw) == 0 {
		raw = json.RawMessage("null")
	}
	return json.Marshal(Job{Event: event, Data: raw})
}

// Call wraps data under event and performs a synchronous Kernel call to
// target. A local target (Node equal to the kernel's self) is routed
// in-process by the Kernel itself.
func (h *Handler) Call(ctx context.Context, target Target, event string, data []byte) ([]byte, error) {
	payload, err := envelope(event, data)
	if err != nil {
		return nil, err
	}
	return h.kernel.Call(ctx, target.Node, target.ID, payload)
}

// Multicall performs Call against every target concurrently. All targets
// must share the same handler ID; this mirrors how the kernel's own
// Multicall addresses one event across many nodes.
func (h *Handler) Multicall(ctx context.Context, targets []Target, event string, data []byte) ([][]byte, []error) {
	payload, err := envelope(event, data)
	if err != nil {
		errs := make([]error, len(targets))
		for i := range errs {
			errs[i] = err
		}
		return make([][]byte, len(targets)), errs
	}
	byNode := make([]node.Node, len(targets))
	id := ""
	for i, t := range targets {
		byNode[i] = t.Node
		id = t.ID
	}
	return h.kernel.Multicall(ctx, byNode, id, payload)
}

// Cast wraps data under event and sends it one-way to target.
func (h *Handler) Cast(target Target, event string, data []byte) error {
	payload, err := envelope(event, data)
	if err != nil {
		return err
	}
	return h.kernel.Cast(target.Node, target.ID, payload)
}

// Abcast casts to every target.
func (h *Handler) Abcast(targets []Target, event string, data []byte) []error {
	errs := make([]error, len(targets))
	for i, t := range targets {
		errs[i] = h.Cast(t, event, data)
	}
	return errs
}

// Reply forwards data back to from via the kernel, wrapped under event.
func (h *Handler) Reply(from From, event string, data []byte) error {
	payload, err := envelope(event, data)
	if err != nil {
		return err
	}
	return h.kernel.Reply(from.replyTo(), payload)
}
