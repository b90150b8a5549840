package handler

import (
	"context"
	"encoding/json"
	"net"
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

func newTestKernel(t *testing.T, id string) (*kernel.Kernel, node.Node) {
	t.Helper()
	n := node.Node{ID: id, Host: "127.0.0.1", Port: freePort(t)}
	k := kernel.New(kernel.Config{
		Self:   n,
		Cookie: "cookie",
		Logger: zerolog.Nop(),
		Retry:  20 * time.Millisecond,
	})
	if err := k.Start(); err != nil {
		t.Fatalf("start %s: %v", id, err)
	}
	t.Cleanup(k.Stop)
	return k, n
}

func waitSinkOpen(t *testing.T, k *kernel.Kernel, target node.Node) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if state, ok := k.SinkState(target); ok && state == "open" {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("sink to %s never opened", target)
}

func TestHandlerCallDispatchesByEvent(t *testing.T) {
	ka, aNode := newTestKernel(t, "a")
	kb, bNode := newTestKernel(t, "b")

	hb := New(kb, zerolog.Nop())
	if err := hb.Start("p"); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { hb.Stop(true) })

	hb.On("ping", func(data []byte, from From) {
		_ = hb.Reply(from, "ping", []byte(`"pong"`))
	})

	ha := New(ka, zerolog.Nop())
	if err := ha.Start("p"); err != nil {
		t.Fatalf("start a: %v", err)
	}
	t.Cleanup(func() { ha.Stop(true) })

	if err := ka.Connect(bNode); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitSinkOpen(t, ka, bNode)
	// hb's reply travels over kb's own Connection back to a.
	if err := kb.Connect(aNode); err != nil {
		t.Fatalf("connect back: %v", err)
	}
	waitSinkOpen(t, kb, aNode)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	reply, err := ha.Call(ctx, Target{Node: bNode, ID: "p"}, "ping", nil)
	if err != nil {
		t.Fatalf("call: %v", err)
	}

	var job Job
	if err := json.Unmarshal(reply, &job); err != nil {
		t.Fatalf("unmarshal reply envelope: %v", err)
	}
	if job.Event != "ping" {
		t.Fatalf("expected event ping, got %q", job.Event)
	}
	if string(job.Data) != `"pong"` {
		t.Fatalf("expected pong payload, got %s", job.Data)
	}
}

func TestHandlerIdleWithNoStreams(t *testing.T) {
	_, bNode := newTestKernel(t, "b")
	kb, _ := newTestKernel(t, "c")
	_ = bNode

	h := New(kb, zerolog.Nop())
	if err := h.Start("h"); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { h.Stop(true) })

	if !h.Idle() {
		t.Fatalf("expected idle handler with no streams")
	}
}

func TestHandlerPauseDropsFrames(t *testing.T) {
	ka, _ := newTestKernel(t, "a")
	kb, bNode := newTestKernel(t, "b")

	hb := New(kb, zerolog.Nop())
	if err := hb.Start("p"); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { hb.Stop(true) })

	received := make(chan struct{}, 1)
	hb.On("ping", func(data []byte, from From) {
		received <- struct{}{}
	})
	hb.Pause()

	ha := New(ka, zerolog.Nop())
	if err := ha.Start("p"); err != nil {
		t.Fatalf("start a: %v", err)
	}
	t.Cleanup(func() { ha.Stop(true) })

	if err := ka.Connect(bNode); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitSinkOpen(t, ka, bNode)

	if err := ha.Cast(Target{Node: bNode, ID: "p"}, "ping", nil); err != nil {
		t.Fatalf("cast: %v", err)
	}

	select {
	case <-received:
		t.Fatalf("expected paused handler to drop the frame")
	case <-time.After(150 * time.Millisecond):
	}
}
