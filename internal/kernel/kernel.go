// Package kernel implements the Network Kernel: it owns peer connections,
// frames and signs messages, and implements tagged synchronous call /
// one-way cast over streamed chunks.
package kernel

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/adred-codev/meshring/internal/metrics"
	"github.com/adred-codev/meshring/internal/node"
	"github.com/adred-codev/meshring/internal/wire"
	"github.com/google/uuid"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// maxChunkBytes bounds how much payload one Frame carries; larger payloads
// are split across multiple frames sharing a stream id.
const maxChunkBytes = 32 * 1024

// ReplyTo identifies where a reply should go: the tag that lets the
// original caller match it, and the node that sent the request.
type ReplyTo struct {
	Tag  string
	Node node.Node
}

// FrameFunc is invoked for every frame addressed to a registered listener
// id. from is the sender named in the frame's From field (self for local
// delivery); the frame's checksum has already been verified.
type FrameFunc func(f wire.Frame, from node.Node)

// Config configures a Kernel.
type Config struct {
	Self        node.Node
	Cookie      string
	Logger      zerolog.Logger
	Retry       time.Duration
	MaxRetries  int
	TLS         *tls.Config
	Silent      bool
	DialRate    rate.Limit
	DialBurst   int
	Workers     int
	WorkerQueue int
	// Admission, if set, gates inbound accepts: when it returns false the
	// socket is closed immediately instead of being upgraded.
	Admission func() bool
}

// Kernel is a Node's single Network Kernel: it owns every outbound
// Connection (sink), every inbound accepted socket (source), and the
// registry of handler listeners frames are dispatched to by id.
type Kernel struct {
	cfg    Config
	self   node.Node
	cookie string
	logger zerolog.Logger

	listener net.Listener
	pool     *workerPool

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.RWMutex
	sinks     map[string]*Connection // peer id -> outbound Connection
	sources   map[string]net.Conn    // socket id -> inbound accepted socket
	listeners map[string]FrameFunc   // handler id -> callback
	pending   map[string]*pendingCall

	onConnect    func(node.Node)
	onDisconnect func(node.Node)
	onSkip       func(kind string, detail string)
}

type pendingCall struct {
	expect node.Node
	ch     chan wire.Frame
}

// New builds a Kernel bound to cfg.Self. Call Start to begin listening.
func New(cfg Config) *Kernel {
	ctx, cancel := context.WithCancel(context.Background())
	k := &Kernel{
		cfg:       cfg,
		self:      cfg.Self,
		cookie:    cfg.Cookie,
		logger:    cfg.Logger.With().Str("node", cfg.Self.String()).Logger(),
		pool:      newWorkerPool(cfg.Workers, cfg.WorkerQueue, cfg.Logger),
		ctx:       ctx,
		cancel:    cancel,
		sinks:     make(map[string]*Connection),
		sources:   make(map[string]net.Conn),
		listeners: make(map[string]FrameFunc),
		pending:   make(map[string]*pendingCall),
	}
	return k
}

// OnConnect / OnDisconnect / OnSkip install observers for the kernel's
// connect / disconnect / skip events. Any may be
// nil.
func (k *Kernel) OnConnect(fn func(node.Node))              { k.onConnect = fn }
func (k *Kernel) OnDisconnect(fn func(node.Node))           { k.onDisconnect = fn }
func (k *Kernel) OnSkip(fn func(kind string, detail string)) { k.onSkip = fn }

func (k *Kernel) reportSkip(kind, detail string) {
	metrics.FramesDropped.WithLabelValues(kind).Inc()
	if !k.cfg.Silent {
		k.logger.Warn().Str("kind", kind).Str("detail", detail).Msg("kernel: skip")
	}
	if k.onSkip != nil {
		k.onSkip(kind, detail)
	}
}

// Self returns this kernel's node identity.
func (k *Kernel) Self() node.Node { return k.self }

// Start opens the listening socket and begins accepting inbound sources.
func (k *Kernel) Start() error {
	var ln net.Listener
	var err error
	if k.cfg.TLS != nil {
		ln, err = tls.Listen("tcp", k.self.Addr(), k.cfg.TLS)
	} else {
		ln, err = net.Listen("tcp", k.self.Addr())
	}
	if err != nil {
		return fmt.Errorf("kernel: listen: %w", err)
	}
	k.listener = ln
	k.pool.start(k.ctx)
	go k.acceptLoop()
	return nil
}

func (k *Kernel) acceptLoop() {
	for {
		conn, err := k.listener.Accept()
		if err != nil {
			select {
			case <-k.ctx.Done():
				return
			default:
				k.logger.Debug().Err(err).Msg("kernel: accept error")
				return
			}
		}
		if k.cfg.Admission != nil && !k.cfg.Admission() {
			k.reportSkip("admission", "rejected by admission guard")
			conn.Close()
			continue
		}
		go k.handleSource(conn)
	}
}

func (k *Kernel) handleSource(conn net.Conn) {
	if _, err := ws.Upgrade(conn); err != nil {
		conn.Close()
		return
	}
	sourceID := uuid.NewString()
	k.mu.Lock()
	k.sources[sourceID] = conn
	k.mu.Unlock()
	defer func() {
		k.mu.Lock()
		delete(k.sources, sourceID)
		k.mu.Unlock()
		conn.Close()
	}()

	for {
		msg, op, err := wsutil.ReadClientData(conn)
		if err != nil {
			return
		}
		if op != ws.OpBinary && op != ws.OpText {
			continue
		}
		f, err := wire.Decode(msg)
		if err != nil {
			k.reportSkip("InvalidJob", err.Error())
			continue
		}
		metrics.FramesReceived.Inc()
		k.dispatch(f, f.From)
	}
}

// Stop shuts down the Kernel: closes the listener, stops all sinks
// (disconnect force), and stops the dispatch worker pool, waiting for its
// workers to exit. The Kernel's context is cancelled first, so frames
// still queued for dispatch at that point may not be delivered.
func (k *Kernel) Stop() {
	k.cancel()
	if k.listener != nil {
		k.listener.Close()
	}
	k.mu.Lock()
	sinks := make([]*Connection, 0, len(k.sinks))
	for _, c := range k.sinks {
		sinks = append(sinks, c)
	}
	k.sinks = make(map[string]*Connection)
	k.mu.Unlock()
	for _, c := range sinks {
		c.Stop(context.Background(), true)
	}
	k.pool.stop()
}

// Connect opens an outbound Connection to n. No-op if n is self or already
// connected.
func (k *Kernel) Connect(n node.Node) error {
	if n.Equal(k.self) {
		return nil
	}
	k.mu.Lock()
	if _, exists := k.sinks[n.ID]; exists {
		k.mu.Unlock()
		return nil
	}
	conn := NewConnection(ConnConfig{
		Self:          k.self,
		Target:        n,
		Cookie:        k.cookie,
		Logger:        k.logger,
		RetryInterval: k.cfg.Retry,
		MaxRetries:    k.cfg.MaxRetries,
		RateLimit:     k.cfg.DialRate,
		RateBurst:     k.cfg.DialBurst,
		OnConnect: func() {
			if k.onConnect != nil {
				k.onConnect(n)
			}
		},
		OnDisconnect: func() {
			if k.onDisconnect != nil {
				k.onDisconnect(n)
			}
		},
	})
	k.sinks[n.ID] = conn
	k.mu.Unlock()

	conn.Start()
	return nil
}

// Disconnect stops and removes the Connection to n. force=true closes
// immediately; otherwise it waits for the Connection to go idle.
func (k *Kernel) Disconnect(n node.Node, force bool) error {
	k.mu.Lock()
	conn, ok := k.sinks[n.ID]
	if ok {
		delete(k.sinks, n.ID)
	}
	k.mu.Unlock()
	if !ok {
		return nil
	}
	ctx := context.Background()
	if !force {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
	}
	conn.Stop(ctx, force)
	return nil
}

func (k *Kernel) sink(n node.Node) *Connection {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.sinks[n.ID]
}

// RegisterListener attaches fn under id. It fails if id is already taken.
func (k *Kernel) RegisterListener(id string, fn FrameFunc) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, exists := k.listeners[id]; exists {
		return fmt.Errorf("kernel: listener %q already registered", id)
	}
	k.listeners[id] = fn
	return nil
}

// Unregister detaches the listener at id, if any.
func (k *Kernel) Unregister(id string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.listeners, id)
}

func (k *Kernel) listenerFor(id string) (FrameFunc, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	fn, ok := k.listeners[id]
	return fn, ok
}

// dispatch routes an inbound, not-yet-verified frame: pending call replies
// first, then registered listeners.
func (k *Kernel) dispatch(f wire.Frame, from node.Node) {
	if !f.Verify(k.cookie) {
		k.reportSkip("InvalidChecksum", f.ID)
		return
	}

	k.mu.RLock()
	pc, isPending := k.pending[f.ID]
	k.mu.RUnlock()
	if isPending {
		if !pc.expect.Equal(from) {
			k.reportSkip("InvalidReply", fmt.Sprintf("tag=%s expected=%s got=%s", f.ID, pc.expect, from))
			return
		}
		select {
		case pc.ch <- f:
		default:
			k.logger.Warn().Str("tag", f.ID).Msg("kernel: pending reply channel full, dropping frame")
		}
		return
	}

	fn, ok := k.listenerFor(f.ID)
	if !ok {
		return
	}
	k.pool.submit(func() { fn(f, from) })
}

// deliver sends f to target: locally (direct dispatch) if target is self,
// otherwise over the Connection (sink) to target.
func (k *Kernel) deliver(f wire.Frame, target node.Node) error {
	if target.Equal(k.self) {
		if err := f.Sign(k.cookie); err != nil {
			return err
		}
		k.dispatch(f, k.self)
		return nil
	}
	sink := k.sink(target)
	if sink == nil {
		return wire.ErrNoSink
	}
	return sink.SendFrame(f)
}

func chunk(data []byte) [][]byte {
	if len(data) == 0 {
		return [][]byte{{}}
	}
	var chunks [][]byte
	for len(data) > 0 {
		n := len(data)
		if n > maxChunkBytes {
			n = maxChunkBytes
		}
		chunks = append(chunks, data[:n])
		data = data[n:]
	}
	return chunks
}

func (k *Kernel) stream(target node.Node, id string, tag *string, data []byte) error {
	streamID := uuid.NewString()
	for _, c := range chunk(data) {
		f := wire.Frame{
			ID:   id,
			Tag:  tag,
			From: k.self,
			Stream: wire.Stream{
				Stream: streamID,
				Done:   false,
			},
			Data: wire.NewBuffer(c),
		}
		if err := k.deliver(f, target); err != nil {
			return err
		}
	}
	final := wire.Frame{
		ID:   id,
		Tag:  tag,
		From: k.self,
		Stream: wire.Stream{
			Stream: streamID,
			Done:   true,
		},
	}
	return k.deliver(final, target)
}

// Call issues a synchronous request to node n under event, waiting for the
// assembled reply stream or ctx's deadline/cancellation.
func (k *Kernel) Call(ctx context.Context, n node.Node, event string, data []byte) ([]byte, error) {
	start := time.Now()
	defer func() { metrics.CallLatencySeconds.Observe(time.Since(start).Seconds()) }()

	tag := uuid.NewString()
	pc := &pendingCall{expect: n, ch: make(chan wire.Frame, 32)}
	k.mu.Lock()
	k.pending[tag] = pc
	k.mu.Unlock()
	defer func() {
		k.mu.Lock()
		delete(k.pending, tag)
		k.mu.Unlock()
	}()

	tagPtr := &tag
	if err := k.stream(n, event, tagPtr, data); err != nil {
		return nil, err
	}

	var reply []byte
	for {
		select {
		case f := <-pc.ch:
			if f.Stream.Error != nil {
				return nil, f.Stream.Error.Err()
			}
			if f.Data != nil {
				reply = append(reply, f.Data.Data...)
			}
			if f.Stream.Done {
				return reply, nil
			}
		case <-ctx.Done():
			return nil, wire.ErrTimeout
		}
	}
}

// Multicall issues Call to every node in targets concurrently, returning
// one reply/err pair per target in the same order.
func (k *Kernel) Multicall(ctx context.Context, targets []node.Node, event string, data []byte) ([][]byte, []error) {
	replies := make([][]byte, len(targets))
	errs := make([]error, len(targets))

	g, gctx := errgroup.WithContext(context.Background())
	for i, n := range targets {
		i, n := i, n
		g.Go(func() error {
			r, err := k.Call(gctx, n, event, data)
			replies[i] = r
			errs[i] = err
			return nil
		})
	}
	done := make(chan struct{})
	go func() { g.Wait(); close(done) }()
	select {
	case <-done:
	case <-ctx.Done():
		for i := range errs {
			if errs[i] == nil && replies[i] == nil {
				errs[i] = wire.ErrTimeout
			}
		}
	}
	return replies, errs
}

// Cast is a one-way send: no tag, no reply tracking.
func (k *Kernel) Cast(n node.Node, event string, data []byte) error {
	return k.stream(n, event, nil, data)
}

// Abcast casts to every node in targets.
func (k *Kernel) Abcast(targets []node.Node, event string, data []byte) []error {
	errs := make([]error, len(targets))
	for i, n := range targets {
		errs[i] = k.Cast(n, event, data)
	}
	return errs
}

// Reply sends data back along from's tag. Fails with ErrNoTag if from has
// no tag.
func (k *Kernel) Reply(from ReplyTo, data []byte) error {
	if from.Tag == "" {
		return wire.ErrNoTag
	}
	return k.Cast(from.Node, from.Tag, data)
}

// ReplyError sends an error back along from's tag instead of data.
func (k *Kernel) ReplyError(from ReplyTo, cause error) error {
	if from.Tag == "" {
		return wire.ErrNoTag
	}
	f := wire.Frame{
		ID:   from.Tag,
		From: k.self,
		Stream: wire.Stream{
			Stream: uuid.NewString(),
			Done:   true,
			Error:  wire.EncodeError(cause),
		},
	}
	return k.deliver(f, from.Node)
}

// SinkState reports the Connection state machine value for the sink to n,
// if one exists. Mainly useful for tests and diagnostics.
func (k *Kernel) SinkState(n node.Node) (string, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	c, ok := k.sinks[n.ID]
	if !ok {
		return "", false
	}
	return c.State(), true
}

// Sinks returns the set of nodes this kernel currently maintains outbound
// Connections to.
func (k *Kernel) Sinks() []node.Node {
	k.mu.RLock()
	defer k.mu.RUnlock()
	out := make([]node.Node, 0, len(k.sinks))
	for _, c := range k.sinks {
		out = append(out, c.Target())
	}
	return out
}
