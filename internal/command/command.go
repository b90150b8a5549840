// Package command implements the externally-facing administrative
// surface of a cluster node: the `command` Handler that reserves
// `join|leave|meet|insert|minsert|remove|mremove|inspect|nodes|has|get|
// ping|weight|weights|update` and proxies them onto a local Gossip
// instance. This is distinct from gossip's own internal `ring` handler:
// command is what an admin tool or CLI dials into to drive membership
// and inspect cluster state, gossip is peer-to-peer convergence traffic.
package command

import (
	"encoding/json"

	"github.com/adred-codev/meshring/internal/gossip"
	"github.com/adred-codev/meshring/internal/handler"
	"github.com/adred-codev/meshring/internal/kernel"
	"github.com/adred-codev/meshring/internal/node"
	"github.com/rs/zerolog"
)

const defaultID = "command"

type ackReply struct {
	OK bool `json:"ok"`
}

type errReply struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

type nodeRequest struct {
	Node  node.Node `json:"node"`
	Force bool      `json:"force"`
}

type nodesRequest struct {
	Nodes []node.Node `json:"nodes"`
	Force bool        `json:"force"`
}

type findRequest struct {
	Key string `json:"key"`
}

type weightRequest struct {
	ID string `json:"id"`
}

type weightReply struct {
	ID     string `json:"id"`
	Weight int    `json:"weight"`
}

type weightsReply struct {
	Weights map[string]int `json:"weights"`
}

type inspectReply struct {
	RingSize int         `json:"ringSize"`
	Nodes    []node.Node `json:"nodes"`
}

type hasReply struct {
	Present bool `json:"present"`
}

// Handler registers the `command` surface on a Kernel and forwards
// mutation/introspection requests to a local gossip instance.
type Handler struct {
	h      *handler.Handler
	gossip *gossip.Gossip
	logger zerolog.Logger
}

// New builds a command Handler bound to k, forwarding to g.
func New(k *kernel.Kernel, g *gossip.Gossip, logger zerolog.Logger) *Handler {
	return &Handler{
		h:      handler.New(k, logger),
		gossip: g,
		logger: logger,
	}
}

// Start registers the handler at id "command" and wires every reserved
// event name.
func (c *Handler) Start() error {
	if err := c.h.Start(defaultID); err != nil {
		return err
	}
	c.h.On("meet", c.onMeet)
	c.h.On("insert", c.onInsert)
	c.h.On("minsert", c.onMinsert)
	c.h.On("remove", c.onRemove)
	c.h.On("mremove", c.onMremove)
	c.h.On("leave", c.onLeave)
	c.h.On("inspect", c.onInspect)
	c.h.On("nodes", c.onNodes)
	c.h.On("has", c.onHas)
	c.h.On("get", c.onGet)
	c.h.On("ping", c.onPing)
	c.h.On("weight", c.onWeight)
	c.h.On("weights", c.onWeights)
	// join/update are gossip's own internal ring-sync vocabulary; the
	// command surface reserves the names and acks them as no-ops.
	c.h.On("join", c.onNoop)
	c.h.On("update", c.onNoop)
	return nil
}

// Stop tears down the handler (force clears in-flight accumulators).
func (c *Handler) Stop(force bool) { c.h.Stop(force) }

func (c *Handler) reply(from handler.From, event string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		c.logger.Error().Err(err).Str("event", event).Msg("command: marshal reply failed")
		return
	}
	if from.Tag == "" {
		return
	}
	if err := c.h.Reply(from, event, data); err != nil {
		c.logger.Debug().Err(err).Str("event", event).Msg("command: reply failed")
	}
}

func (c *Handler) onMeet(data []byte, from handler.From) {
	var req nodeRequest
	if err := json.Unmarshal(data, &req); err != nil {
		c.reply(from, "meet", errReply{Error: err.Error()})
		return
	}
	if err := c.gossip.Meet(req.Node); err != nil {
		c.reply(from, "meet", errReply{Error: err.Error()})
		return
	}
	c.reply(from, "meet", ackReply{OK: true})
}

func (c *Handler) onInsert(data []byte, from handler.From) {
	var req nodeRequest
	if err := json.Unmarshal(data, &req); err != nil {
		c.reply(from, "insert", errReply{Error: err.Error()})
		return
	}
	if err := c.gossip.Insert(req.Node, req.Force); err != nil {
		c.reply(from, "insert", errReply{Error: err.Error()})
		return
	}
	c.reply(from, "insert", ackReply{OK: true})
}

func (c *Handler) onMinsert(data []byte, from handler.From) {
	var req nodesRequest
	if err := json.Unmarshal(data, &req); err != nil {
		c.reply(from, "minsert", errReply{Error: err.Error()})
		return
	}
	if err := c.gossip.Minsert(req.Nodes, req.Force); err != nil {
		c.reply(from, "minsert", errReply{Error: err.Error()})
		return
	}
	c.reply(from, "minsert", ackReply{OK: true})
}

func (c *Handler) onRemove(data []byte, from handler.From) {
	var req nodeRequest
	if err := json.Unmarshal(data, &req); err != nil {
		c.reply(from, "remove", errReply{Error: err.Error()})
		return
	}
	if err := c.gossip.Remove(req.Node, req.Force); err != nil {
		c.reply(from, "remove", errReply{Error: err.Error()})
		return
	}
	c.reply(from, "remove", ackReply{OK: true})
}

func (c *Handler) onMremove(data []byte, from handler.From) {
	var req nodesRequest
	if err := json.Unmarshal(data, &req); err != nil {
		c.reply(from, "mremove", errReply{Error: err.Error()})
		return
	}
	if err := c.gossip.Mremove(req.Nodes, req.Force); err != nil {
		c.reply(from, "mremove", errReply{Error: err.Error()})
		return
	}
	c.reply(from, "mremove", ackReply{OK: true})
}

func (c *Handler) onLeave(data []byte, from handler.From) {
	var req struct {
		Force bool `json:"force"`
	}
	_ = json.Unmarshal(data, &req)
	if err := c.gossip.Leave(req.Force); err != nil {
		c.reply(from, "leave", errReply{Error: err.Error()})
		return
	}
	c.reply(from, "leave", ackReply{OK: true})
}

func (c *Handler) onInspect(_ []byte, from handler.From) {
	r := c.gossip.Ring()
	c.reply(from, "inspect", inspectReply{RingSize: len(r.Nodes()), Nodes: r.Nodes()})
}

func (c *Handler) onNodes(_ []byte, from handler.From) {
	r := c.gossip.Ring()
	c.reply(from, "nodes", r.Nodes())
}

func (c *Handler) onHas(data []byte, from handler.From) {
	var req struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		c.reply(from, "has", errReply{Error: err.Error()})
		return
	}
	present := false
	for _, n := range c.gossip.Ring().Nodes() {
		if n.ID == req.ID {
			present = true
			break
		}
	}
	c.reply(from, "has", hasReply{Present: present})
}

func (c *Handler) onGet(data []byte, from handler.From) {
	var req findRequest
	if err := json.Unmarshal(data, &req); err != nil {
		c.reply(from, "get", errReply{Error: err.Error()})
		return
	}
	owners := c.gossip.Find(req.Key)
	c.reply(from, "get", owners)
}

func (c *Handler) onPing(_ []byte, from handler.From) {
	c.reply(from, "ping", ackReply{OK: true})
}

func (c *Handler) onWeight(data []byte, from handler.From) {
	var req weightRequest
	if err := json.Unmarshal(data, &req); err != nil {
		c.reply(from, "weight", errReply{Error: err.Error()})
		return
	}
	c.reply(from, "weight", weightReply{ID: req.ID, Weight: c.gossip.Ring().Weight(req.ID)})
}

func (c *Handler) onWeights(_ []byte, from handler.From) {
	r := c.gossip.Ring()
	weights := make(map[string]int, len(r.Nodes()))
	for _, n := range r.Nodes() {
		weights[n.ID] = r.Weight(n.ID)
	}
	c.reply(from, "weights", weightsReply{Weights: weights})
}

func (c *Handler) onNoop(_ []byte, from handler.From) {
	c.reply(from, "update", ackReply{OK: true})
}
