package scheduler

import (
	"context"
	"math/rand"
	"sort"
	"time"

	"github.com/Borislavv/swarm-scheduler/pkg/calls"
	"github.com/Borislavv/swarm-scheduler/pkg/config"
	"github.com/Borislavv/swarm-scheduler/pkg/swarm"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// Workload drives the full data path with synthetic provider calls: one
// paced producer per configured swarm enqueues tasks whose execution runs
// through the call scheduler and the admission gate. Demo and load-test
// surface only.
type Workload struct {
	cfg        config.Workload
	swarmSched *swarm.Scheduler
	callSched  *calls.Scheduler
}

func NewWorkload(cfg config.Workload, swarmSched *swarm.Scheduler, callSched *calls.Scheduler) *Workload {
	return &Workload{cfg: cfg, swarmSched: swarmSched, callSched: callSched}
}

// Run spawns the producers and blocks until ctx is done or the configured
// duration elapses.
func (w *Workload) Run(ctx context.Context) {
	if w.cfg.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.cfg.Duration)
		defer cancel()
	}

	names := make([]string, 0, len(w.swarmSched.States()))
	for _, st := range w.swarmSched.States() {
		names = append(names, st.Swarm)
	}
	sort.Strings(names)

	log.Info().Msgf("[workload] producing for %d swarm(s) at %d tasks/s each", len(names), w.cfg.RatePerSecond)

	for _, name := range names {
		go w.produce(ctx, name)
	}
	<-ctx.Done()
}

func (w *Workload) produce(ctx context.Context, name string) {
	pacer := rate.NewLimiter(rate.Limit(w.cfg.RatePerSecond), 1)

	for {
		if err := pacer.Wait(ctx); err != nil {
			return
		}
		task := swarm.Task{
			Swarm:    name,
			Priority: rand.Intn(11),
			Execute:  w.executeCall,
		}
		if err := w.swarmSched.Enqueue(task); err != nil {
			log.Warn().Msgf("[workload] enqueue for %q failed: %v", name, err)
			return
		}
	}
}

// executeCall simulates one provider round-trip through the call scheduler.
func (w *Workload) executeCall(ctx context.Context) error {
	h := w.callSched.Schedule(func(ctx context.Context) (any, error) {
		latency := 10*time.Millisecond + time.Duration(rand.Intn(40))*time.Millisecond
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(latency):
			return struct{}{}, nil
		}
	}, calls.Options{RetryAttempts: calls.UseDefault})

	_, err := h.Result(ctx)
	return err
}
