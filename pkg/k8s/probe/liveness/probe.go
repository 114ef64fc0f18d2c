package liveness

import (
	"context"
	"sync/atomic"
	"time"
)

// Alivable is any unit able to report its own health.
type Alivable interface {
	IsAlive(ctx context.Context) bool
}

// Prober watches services and exposes their combined liveness to probes.
type Prober interface {
	Watch(service Alivable)
	IsAlive() bool
}

type Probe struct {
	timeout time.Duration
	alive   atomic.Bool
}

// NewProbe builds a prober polling watched services every timeout interval.
func NewProbe(timeout time.Duration) *Probe {
	if timeout <= 0 {
		timeout = time.Second
	}
	return &Probe{timeout: timeout}
}

// Watch starts polling the service for the process lifetime.
func (p *Probe) Watch(service Alivable) {
	go func() {
		ticker := time.NewTicker(p.timeout)
		defer ticker.Stop()

		for range ticker.C {
			ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
			p.alive.Store(service.IsAlive(ctx))
			cancel()
		}
	}()
}

func (p *Probe) IsAlive() bool {
	return p.alive.Load()
}
