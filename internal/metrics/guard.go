package metrics

import (
	"context"
	"math"
	"os"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/process"
)

func floatBits(f float64) uint64    { return math.Float64bits(f) }
func floatFromBits(b uint64) float64 { return math.Float64frombits(b) }

// CPUGuard samples system-wide CPU usage on an interval and gates inbound
// Kernel accepts once usage crosses a configured budget, adapted from the
// teacher's ResourceGuard.ShouldAcceptConnection CPU brake in
// `src/resource_guard.go`.
type CPUGuard struct {
	budget float64 // fraction, e.g. 0.85 = reject above 85%
	logger zerolog.Logger

	currentPercent atomic.Uint64 // bits of a float64, via math.Float64bits
}

// NewCPUGuard builds a guard that rejects once sampled CPU usage exceeds
// budget (a 0..1 fraction of total CPU across all cores, matching
// cpu.Percent's 0..100 scale divided by 100).
func NewCPUGuard(budget float64, logger zerolog.Logger) *CPUGuard {
	return &CPUGuard{budget: budget, logger: logger}
}

// Start begins periodic sampling until ctx is cancelled.
func (g *CPUGuard) Start(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		g.sample()
		for {
			select {
			case <-ticker.C:
				g.sample()
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (g *CPUGuard) sample() {
	percents, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil || len(percents) == 0 {
		g.logger.Debug().Err(err).Msg("metrics: cpu sample failed")
		return
	}
	percent := percents[0]
	g.currentPercent.Store(floatBits(percent))
	CPUUsagePercent.Set(percent)

	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if info, err := proc.MemoryInfo(); err == nil {
			RSSBytes.Set(float64(info.RSS))
		}
	}
}

// Allow reports whether the current sampled CPU usage is within budget.
// It satisfies kernel.Config.Admission's `func() bool` shape.
func (g *CPUGuard) Allow() bool {
	current := floatFromBits(g.currentPercent.Load()) / 100
	allowed := current <= g.budget
	if !allowed {
		AdmissionRejectionsTotal.Inc()
	}
	return allowed
}
