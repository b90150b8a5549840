package metrics

import (
	"testing"

	"github.com/rs/zerolog"
)

func TestCPUGuardAllowsBelowBudget(t *testing.T) {
	g := NewCPUGuard(0.85, zerolog.Nop())
	g.currentPercent.Store(floatBits(40))
	if !g.Allow() {
		t.Fatalf("expected allow at 40%% usage with 85%% budget")
	}
}

func TestCPUGuardRejectsAboveBudget(t *testing.T) {
	g := NewCPUGuard(0.85, zerolog.Nop())
	g.currentPercent.Store(floatBits(95))
	if g.Allow() {
		t.Fatalf("expected reject at 95%% usage with 85%% budget")
	}
}
