package gossip

import (
	"net"
	"sort"
	"testing"
	"time"

	"github.com/adred-codev/meshring/internal/kernel"
	"github.com/adred-codev/meshring/internal/node"
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

func newTestGossip(t *testing.T, id string) (*Gossip, node.Node) {
	t.Helper()
	n := node.Node{ID: id, Host: "127.0.0.1", Port: freePort(t)}
	k := kernel.New(kernel.Config{
		Self:   n,
		Cookie: "cookie",
		Logger: zerolog.Nop(),
		Retry:  20 * time.Millisecond,
	})
	if err := k.Start(); err != nil {
		t.Fatalf("kernel start %s: %v", id, err)
	}
	t.Cleanup(k.Stop)

	g := New(k, Config{
		RFactor:       3,
		PFactor:       2,
		Interval:      50 * time.Millisecond,
		FlushInterval: time.Hour,
		Logger:        zerolog.Nop(),
	}, zerolog.Nop())
	if err := g.Start("r"); err != nil {
		t.Fatalf("gossip start %s: %v", id, err)
	}
	t.Cleanup(g.Stop)
	return g, n
}

func nodeIDs(nodes []node.Node) []string {
	ids := make([]string, len(nodes))
	for i, n := range nodes {
		ids[i] = n.ID
	}
	sort.Strings(ids)
	return ids
}

func TestMeetConverges(t *testing.T) {
	ga, aNode := newTestGossip(t, "A")
	gb, _ := newTestGossip(t, "B")

	if err := gb.Meet(aNode); err != nil {
		t.Fatalf("meet: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		aIDs := nodeIDs(ga.Ring().Nodes())
		bIDs := nodeIDs(gb.Ring().Nodes())
		if len(aIDs) == 2 && len(bIDs) == 2 {
			if aIDs[0] == bIDs[0] && aIDs[1] == bIDs[1] {
				return
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("gossip did not converge: A=%v B=%v", nodeIDs(ga.Ring().Nodes()), nodeIDs(gb.Ring().Nodes()))
}

func TestFindReturnsOwnerAndNeighbors(t *testing.T) {
	ga, aNode := newTestGossip(t, "A")
	gb, bNode := newTestGossip(t, "B")
	gc, cNode := newTestGossip(t, "C")

	if err := gb.Meet(aNode); err != nil {
		t.Fatalf("meet b->a: %v", err)
	}
	if err := gc.Meet(aNode); err != nil {
		t.Fatalf("meet c->a: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(ga.Ring().Nodes()) == 3 && len(gb.Ring().Nodes()) == 3 && len(gc.Ring().Nodes()) == 3 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if len(ga.Ring().Nodes()) != 3 {
		t.Fatalf("cluster did not converge to 3 nodes")
	}

	resA := nodeIDs(ga.Find("some-key"))
	resB := nodeIDs(gb.Find("some-key"))
	if len(resA) == 0 {
		t.Fatalf("expected at least an owner")
	}
	if resA[0] != resB[0] || len(resA) != len(resB) {
		t.Fatalf("find diverged across converged nodes: %v vs %v", resA, resB)
	}
	_ = bNode
	_ = cNode
}

func TestLeaveSingleNodeRingFiresImmediately(t *testing.T) {
	g, _ := newTestGossip(t, "solo")
	left := make(chan struct{}, 1)
	closed := make(chan struct{}, 1)
	g.OnLeave(func() { left <- struct{}{} })
	g.OnClose(func() { closed <- struct{}{} })

	if err := g.Leave(false); err != nil {
		t.Fatalf("leave: %v", err)
	}
	select {
	case <-left:
	default:
		t.Fatalf("expected leave to fire immediately for single-node ring")
	}
	select {
	case <-closed:
	default:
		t.Fatalf("expected close to fire immediately for single-node ring")
	}
}
