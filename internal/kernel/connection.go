package kernel

import (
	"bufio"
	"context"
	"net"
	"sync"
	"time"

	"github.com/adred-codev/meshring/internal/metrics"
	"github.com/adred-codev/meshring/internal/node"
	"github.com/adred-codev/meshring/internal/wire"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// connState is the Connection state machine.
type connState int

const (
	stateInactive connState = iota
	stateConnecting
	stateOpen
	stateReconnecting
	stateClosing
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateInactive:
		return "inactive"
	case stateConnecting:
		return "connecting"
	case stateOpen:
		return "open"
	case stateReconnecting:
		return "reconnecting"
	case stateClosing:
		return "closing"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const (
	dialTimeout  = 5 * time.Second
	writeTimeout = 5 * time.Second
)

// Connection is the outbound socket wrapper for one peer: reconnect loop,
// outbound queue, active-stream tracking and idle notification.
type Connection struct {
	self   node.Node
	target node.Node
	cookie string
	logger zerolog.Logger

	retryInterval time.Duration
	maxRetries    int
	limiter       *rate.Limiter

	mu      sync.Mutex
	state   connState
	conn    net.Conn
	queue   [][]byte // already-encoded frame bytes awaiting flush
	streams map[string]struct{}

	onIdle       func()
	onConnect    func()
	onDisconnect func()

	closeCh chan struct{}
	closed  bool
}

// ConnConfig bundles the knobs a Connection needs from the owning Kernel.
type ConnConfig struct {
	Self          node.Node
	Target        node.Node
	Cookie        string
	Logger        zerolog.Logger
	RetryInterval time.Duration
	MaxRetries    int
	RateLimit     rate.Limit
	RateBurst     int
	OnIdle        func()
	OnConnect     func()
	OnDisconnect  func()
}

// NewConnection builds an inactive Connection; call Start to begin dialing.
func NewConnection(cfg ConnConfig) *Connection {
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = time.Second
	}
	limit := cfg.RateLimit
	if limit <= 0 {
		limit = rate.Inf
	}
	return &Connection{
		self:          cfg.Self,
		target:        cfg.Target,
		cookie:        cfg.Cookie,
		logger:        cfg.Logger.With().Str("peer", cfg.Target.String()).Logger(),
		retryInterval: cfg.RetryInterval,
		maxRetries:    cfg.MaxRetries,
		limiter:       rate.NewLimiter(limit, max1(cfg.RateBurst)),
		state:         stateInactive,
		streams:       make(map[string]struct{}),
		onIdle:        cfg.OnIdle,
		onConnect:     cfg.OnConnect,
		onDisconnect:  cfg.OnDisconnect,
		closeCh:       make(chan struct{}),
	}
}

func max1(n int) int {
	if n <= 0 {
		return 1
	}
	return n
}

// Start begins the connect/reconnect loop (Inactive -> Connecting).
func (c *Connection) Start() {
	c.mu.Lock()
	if c.state != stateInactive {
		c.mu.Unlock()
		return
	}
	c.state = stateConnecting
	c.mu.Unlock()

	go c.runLoop()
}

func (c *Connection) runLoop() {
	attempt := 0
	for {
		select {
		case <-c.closeCh:
			return
		default:
		}

		dialCtx, cancel := context.WithTimeout(context.Background(), dialTimeout)
		conn, _, _, err := ws.DefaultDialer.Dial(dialCtx, "ws://"+c.target.Addr())
		cancel()
		if err != nil {
			attempt++
			metrics.ConnectionsFailed.Inc()
			if c.maxRetries > 0 && attempt > c.maxRetries {
				c.logger.Warn().Int("attempts", attempt).Msg("connection: giving up after max retries")
				c.transitionClosed()
				return
			}
			c.logger.Debug().Err(err).Msg("connection: dial failed, retrying")
			select {
			case <-time.After(c.retryInterval):
				continue
			case <-c.closeCh:
				return
			}
		}

		attempt = 0
		c.onOpen(conn)
		c.readControlFrames(conn) // blocks until the socket drops
		c.onLost()

		select {
		case <-c.closeCh:
			return
		default:
		}
	}
}

func (c *Connection) onOpen(conn net.Conn) {
	c.mu.Lock()
	c.conn = conn
	wasReconnecting := c.state == stateReconnecting
	c.state = stateOpen
	pending := c.drainQueueLocked()
	c.mu.Unlock()

	for _, frame := range pending {
		c.writeRaw(frame)
	}

	metrics.ConnectionsTotal.Inc()
	metrics.ConnectionsActive.Inc()
	if c.onConnect != nil && !wasReconnecting {
		c.onConnect()
	}
	c.maybeIdle()
}

func (c *Connection) onLost() {
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
		metrics.ConnectionsActive.Dec()
	}
	closing := c.state == stateClosing
	if closing {
		c.state = stateClosed
	} else {
		c.state = stateReconnecting
	}
	c.mu.Unlock()

	if !closing && c.onDisconnect != nil {
		c.onDisconnect()
	}
}

func (c *Connection) transitionClosed() {
	c.mu.Lock()
	c.state = stateClosed
	c.mu.Unlock()
}

// readControlFrames consumes pings/pongs/close on the outbound socket so we
// notice when the peer drops the connection; application replies never
// arrive here (they arrive on the reciprocal Connection the peer opened
// back to us, handled as an inbound source by the Kernel).
func (c *Connection) readControlFrames(conn net.Conn) {
	for {
		header, err := ws.ReadHeader(conn)
		if err != nil {
			return
		}
		payload := make([]byte, header.Length)
		if _, err := readFull(conn, payload); err != nil {
			return
		}
		if header.Masked {
			ws.Cipher(payload, header.Mask, 0)
		}
		if header.OpCode == ws.OpClose {
			return
		}
	}
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// drainQueueLocked returns and clears the pending send queue; caller holds
// c.mu.
func (c *Connection) drainQueueLocked() [][]byte {
	pending := c.queue
	c.queue = nil
	return pending
}

// Send enqueues an encoded frame. If the Connection is Open, it flushes
// immediately; otherwise it buffers until the next Open transition. streamID
// is tracked as active until a frame for that stream carries done=true.
func (c *Connection) Send(encoded []byte, streamID string, done bool) error {
	c.mu.Lock()
	if streamID != "" {
		if done {
			delete(c.streams, streamID)
		} else {
			c.streams[streamID] = struct{}{}
		}
	}

	if c.state != stateOpen {
		c.queue = append(c.queue, encoded)
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	c.writeRaw(encoded)
	c.maybeIdle()
	return nil
}

func (c *Connection) writeRaw(encoded []byte) {
	c.mu.Lock()
	conn := c.conn
	limiter := c.limiter
	c.mu.Unlock()
	if conn == nil {
		return
	}
	if limiter != nil {
		_ = limiter.Wait(context.Background())
	}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	w := bufio.NewWriter(conn)
	if err := wsutil.WriteClientMessage(w, ws.StateClientSide, ws.OpBinary, encoded); err != nil {
		c.logger.Debug().Err(err).Msg("connection: write failed")
		return
	}
	_ = w.Flush()
	metrics.FramesSent.Inc()
}

// SendFrame is a convenience that encodes and signs f before sending.
func (c *Connection) SendFrame(f wire.Frame) error {
	if err := f.Sign(c.cookie); err != nil {
		return err
	}
	encoded, err := wire.Encode(f)
	if err != nil {
		return err
	}
	return c.Send(encoded, f.Stream.Stream, f.Stream.Done)
}

// Idle reports whether the outbound queue is empty and no streams are
// in flight.
func (c *Connection) Idle() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue) == 0 && len(c.streams) == 0
}

func (c *Connection) maybeIdle() {
	if c.Idle() && c.onIdle != nil {
		c.onIdle()
	}
}

// State returns the current connection state (primarily for tests/metrics).
func (c *Connection) State() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.String()
}

// Stop closes the Connection. If force is true, it closes immediately and
// drops queued sends; otherwise it waits for Idle (polling, bounded by the
// caller's context) before closing.
func (c *Connection) Stop(ctx context.Context, force bool) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if force {
		c.closed = true
		c.state = stateClosed
		conn := c.conn
		c.conn = nil
		c.queue = nil
		c.streams = make(map[string]struct{})
		c.mu.Unlock()
		close(c.closeCh)
		if conn != nil {
			conn.Close()
		}
		return
	}
	c.state = stateClosing
	c.mu.Unlock()

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
waitIdle:
	for {
		if c.Idle() {
			break
		}
		select {
		case <-ticker.C:
			continue
		case <-ctx.Done():
			break waitIdle
		}
	}

	c.mu.Lock()
	if !c.closed {
		c.closed = true
		c.state = stateClosed
		conn := c.conn
		c.conn = nil
		c.mu.Unlock()
		close(c.closeCh)
		if conn != nil {
			conn.Close()
		}
		return
	}
	c.mu.Unlock()
}

// Target returns the peer this Connection dials.
func (c *Connection) Target() node.Node { return c.target }
