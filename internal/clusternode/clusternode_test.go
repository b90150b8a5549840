package clusternode

import (
	"net"
	"testing"
	"time"

	"github.com/adred-codev/meshring/internal/gossip"
	"github.com/adred-codev/meshring/internal/kernel"
	"github.com/adred-codev/meshring/internal/node"
	"github.com/adred-codev/meshring/internal/store"
	"github.com/rs/zerolog"
)

func freePort(t *testing.T) uint16 {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("freePort: %v", err)
	}
	defer ln.Close()
	return uint16(ln.Addr().(*net.TCPAddr).Port)
}

func newTestNode(t *testing.T, id string) *Node {
	t.Helper()
	nd := node.Node{ID: id, Host: "127.0.0.1", Port: freePort(t)}
	k := kernel.New(kernel.Config{Self: nd, Cookie: "cookie", Logger: zerolog.Nop(), Retry: 20 * time.Millisecond})
	g := gossip.New(k, gossip.Config{RFactor: 3, PFactor: 2, Interval: time.Hour, FlushInterval: time.Hour, Logger: zerolog.Nop()}, zerolog.Nop())
	n := New(k, g, store.NewNull(), zerolog.Nop())
	t.Cleanup(func() { n.Stop(true) })
	return n
}

func TestStartSucceedsWithNoPriorState(t *testing.T) {
	n := newTestNode(t, "A")
	if err := n.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := n.Start("ring-1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !n.Ready() {
		t.Fatalf("expected node to be ready after start")
	}
}

func TestStartFailsOnRingMismatch(t *testing.T) {
	n := newTestNode(t, "A")
	n.restoredRingID = "ring-old"
	if err := n.Start("ring-new"); err != ErrRingMismatch {
		t.Fatalf("expected ErrRingMismatch, got %v", err)
	}
	if n.Ready() {
		t.Fatalf("expected node to stay not-ready after mismatch")
	}
}

func TestStopIsIdempotentAfterSuccessfulStart(t *testing.T) {
	n := newTestNode(t, "A")
	if err := n.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := n.Start("ring-1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	n.Stop(true)
	if n.Ready() {
		t.Fatalf("expected node to be not-ready after stop")
	}
}
