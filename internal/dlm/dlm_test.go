package dlm

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/adred-codev/meshring/internal/gossip"
	"github.com/adred-codev/meshring/internal/kernel"
	"github.com/adred-codev/meshring/internal/node"
	"github.com/adred-codev/meshring/internal/store"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
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

type testPeer struct {
	node    node.Node
	kernel  *kernel.Kernel
	gossip  *gossip.Gossip
	manager *Manager
}

func newCluster(t *testing.T, n int) []*testPeer {
	t.Helper()
	peers := make([]*testPeer, n)
	for i := 0; i < n; i++ {
		id := string(rune('A' + i))
		nd := node.Node{ID: id, Host: "127.0.0.1", Port: freePort(t)}
		k := kernel.New(kernel.Config{
			Self:   nd,
			Cookie: "cookie",
			Logger: zerolog.Nop(),
			Retry:  20 * time.Millisecond,
		})
		if err := k.Start(); err != nil {
			t.Fatalf("kernel start: %v", err)
		}
		t.Cleanup(k.Stop)

		g := gossip.New(k, gossip.Config{
			RFactor:       3,
			PFactor:       2,
			Interval:      50 * time.Millisecond,
			FlushInterval: time.Hour,
			Logger:        zerolog.Nop(),
		}, zerolog.Nop())
		if err := g.Start("r"); err != nil {
			t.Fatalf("gossip start: %v", err)
		}
		t.Cleanup(g.Stop)

		m := New(k, g, Config{
			RQuorum:        0.51,
			WQuorum:        0.51,
			RFactor:        n,
			MinWaitTimeout: 10 * time.Millisecond,
			MaxWaitTimeout: 30 * time.Millisecond,
		}, zerolog.Nop())
		if err := m.Start(); err != nil {
			t.Fatalf("manager start: %v", err)
		}
		t.Cleanup(m.Stop)

		peers[i] = &testPeer{node: nd, kernel: k, gossip: g, manager: m}
	}

	for i := 1; i < n; i++ {
		if err := peers[i].gossip.Meet(peers[0].node); err != nil {
			t.Fatalf("meet: %v", err)
		}
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		converged := true
		for _, p := range peers {
			if len(p.gossip.Ring().Nodes()) != n {
				converged = false
				break
			}
		}
		if converged {
			return peers
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("cluster of %d failed to converge", n)
	return nil
}

func TestWriteLockExclusivity(t *testing.T) {
	peers := newCluster(t, 3)
	owner := peers[0].manager

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	nodes, err := owner.WLock(ctx, "k", "h1", 30*time.Second, 3)
	require.NoError(t, err, "wlock h1")
	require.GreaterOrEqual(t, len(nodes), 2, "expected wlock to succeed on at least 2 nodes")

	ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	_, err = owner.WLock(ctx2, "k", "h2", 30*time.Second, 0)
	require.ErrorIs(t, err, ErrQuorum, "expected concurrent wlock to fail with ErrQuorum")

	owner.WUnlock(nodes, "k", "h1")
	time.Sleep(50 * time.Millisecond)

	ctx3, cancel3 := context.WithTimeout(context.Background(), time.Second)
	defer cancel3()
	nodes2, err := owner.WLock(ctx3, "k", "h2", 30*time.Second, 3)
	require.NoError(t, err, "wlock h2 after unlock")
	require.GreaterOrEqual(t, len(nodes2), 2, "expected wlock to succeed after unlock")
}

func TestReadLocksComposeBlockWrites(t *testing.T) {
	peers := newCluster(t, 3)
	owner := peers[0].manager

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	n1, err := owner.RLock(ctx, "k", "h1", 30*time.Second, 3)
	if err != nil {
		t.Fatalf("rlock h1: %v", err)
	}
	if len(n1) < 2 {
		t.Fatalf("expected rlock quorum")
	}

	ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	_, err = owner.RLock(ctx2, "k", "h2", 30*time.Second, 3)
	if err != nil {
		t.Fatalf("rlock h2: %v", err)
	}

	ctx3, cancel3 := context.WithTimeout(context.Background(), time.Second)
	defer cancel3()
	_, err = owner.WLock(ctx3, "k", "h3", 30*time.Second, 0)
	if err != ErrQuorum {
		t.Fatalf("expected wlock to fail while read locks held, got %v", err)
	}
}

func TestAuditMirrorsGrantsAndReleases(t *testing.T) {
	s := store.NewNull()
	m := &Manager{
		cfg:    Config{Store: s},
		locks:  make(map[string]*lockEntry),
	}

	if !m.doWLock("k", "h1", time.Minute) {
		t.Fatalf("doWLock failed")
	}
	if _, ok := s.Get("dlm_locks#k"); !ok {
		t.Fatalf("expected audit record for k after grant")
	}

	if !m.doWUnlock("k", "h1") {
		t.Fatalf("doWUnlock failed")
	}
	if _, ok := s.Get("dlm_locks#k"); ok {
		t.Fatalf("expected audit record for k removed after release")
	}
}
