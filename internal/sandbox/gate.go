package sandbox

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultMaxConcurrent is the gate capacity when none is configured.
const DefaultMaxConcurrent = 3

// Gate is a bounded semaphore admitting a fixed number of concurrent executions.
type Gate struct {
	sem      chan struct{}
	acquired atomic.Int64
	released atomic.Int64
}

// GateStats is a point-in-time view of a Gate.
type GateStats struct {
	Capacity int   `json:"capacity"`
	InUse    int   `json:"in_use"`
	Acquired int64 `json:"acquired"`
	Released int64 `json:"released"`
}

// NewGate creates a gate with the given capacity.
func NewGate(capacity int) *Gate {
	if capacity < 1 {
		capacity = DefaultMaxConcurrent
	}
	return &Gate{sem: make(chan struct{}, capacity)}
}

// TryAcquire takes a slot, waiting at most timeout. A zero timeout never waits.
func (g *Gate) TryAcquire(ctx context.Context, timeout time.Duration) bool {
	select {
	case g.sem <- struct{}{}:
		g.acquired.Add(1)
		return true
	default:
	}
	if timeout <= 0 {
		return false
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case g.sem <- struct{}{}:
		g.acquired.Add(1)
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// Release returns a slot taken by TryAcquire.
func (g *Gate) Release() {
	select {
	case <-g.sem:
		g.released.Add(1)
	default:
		log.Error().Msg("gate released without a matching acquire")
	}
}

// InUse returns the number of held slots.
func (g *Gate) InUse() int {
	return len(g.sem)
}

// Stats returns the gate counters.
func (g *Gate) Stats() GateStats {
	return GateStats{
		Capacity: cap(g.sem),
		InUse:    len(g.sem),
		Acquired: g.acquired.Load(),
		Released: g.released.Load(),
	}
}
