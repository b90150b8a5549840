package dsm

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

func TestSemaphoreConcurrency(t *testing.T) {
	peers := newCluster(t, 3)
	client := peers[0].manager

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, client.Create(ctx, "s", 2), "create")
	require.NoError(t, client.Create(ctx, "s", 2), "idempotent create")
	require.ErrorIs(t, client.Create(ctx, "s", 3), ErrSemaphoreSizeConflict)

	require.NoError(t, client.Post(ctx, "s", "h1", 30*time.Second, 0), "post h1")
	require.NoError(t, client.Post(ctx, "s", "h2", 30*time.Second, 0), "post h2")

	shortCtx, shortCancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer shortCancel()
	err := client.Post(shortCtx, "s", "h3", 30*time.Second, 0)
	require.ErrorIs(t, err, ErrSemaphoreFull, "expected third post to fail with full")

	require.NoError(t, client.Close(ctx, "s", "h1"), "close h1")
	require.NoError(t, client.Post(ctx, "s", "h3", 30*time.Second, 0), "post h3 after close")

	n, active, err := client.Read(ctx, "s")
	require.NoError(t, err, "read")
	require.Equal(t, 2, n)
	require.Equal(t, 2, active)
}

func TestAuditMirrorsCreateAndDestroy(t *testing.T) {
	s := store.NewNull()
	m := &Manager{
		cfg:  Config{Store: s},
		sems: make(map[string]*semEntry),
	}

	ok, conflict := m.doCreate("s", 2)
	if !ok || conflict {
		t.Fatalf("doCreate failed: ok=%v conflict=%v", ok, conflict)
	}
	if _, found := s.Get("dsm_sems#s"); !found {
		t.Fatalf("expected audit record for s after create")
	}

	if !m.doDestroy("s") {
		t.Fatalf("doDestroy failed")
	}
	if _, found := s.Get("dsm_sems#s"); found {
		t.Fatalf("expected audit record for s removed after destroy")
	}
}
