package scheduler

import (
	"context"

	"github.com/Borislavv/swarm-scheduler/pkg/admission"
	"github.com/Borislavv/swarm-scheduler/pkg/calls"
	"github.com/Borislavv/swarm-scheduler/pkg/config"
	"github.com/Borislavv/swarm-scheduler/pkg/event"
	"github.com/Borislavv/swarm-scheduler/pkg/k8s/probe/liveness"
	"github.com/Borislavv/swarm-scheduler/pkg/prometheus/metrics"
	"github.com/Borislavv/swarm-scheduler/pkg/server"
	"github.com/Borislavv/swarm-scheduler/pkg/shutdown"
	"github.com/Borislavv/swarm-scheduler/pkg/swarm"
	"github.com/rs/zerolog/log"
)

// App defines the scheduler application lifecycle interface.
type App interface {
	Start(gc shutdown.Gracefuller)
}

// Scheduler wires the three scheduling layers together with their ops
// surface: producers enqueue into the fairness scheduler, dispatched tasks
// run calls through the bounded call scheduler, and every attempt passes
// the admission limiter before reaching the provider.
type Scheduler struct {
	ctx    context.Context
	cancel context.CancelFunc
	cfg    *config.Scheduler

	bus        *event.Bus
	limiter    *admission.Limiter
	callSched  *calls.Scheduler
	swarmSched *swarm.Scheduler
	meter      metrics.Meter
	probe      liveness.Prober
	server     *server.HTTP
	workload   *Workload
}

// NewApp builds the full scheduling stack from config.
func NewApp(ctx context.Context, cfg *config.Scheduler, probe liveness.Prober) (*Scheduler, error) {
	ctx, cancel := context.WithCancel(ctx)
	box := cfg.Scheduler

	bus := event.NewBus()

	limiter := admission.NewLimiter(ctx, admission.Config{
		RatePerMinute:  box.Admission.RatePerMinute,
		BurstCapacity:  box.Admission.BurstCapacity,
		RefillInterval: box.Admission.RefillInterval,
	}, bus)

	callSched := calls.NewScheduler(ctx, calls.Config{
		Concurrency:   box.Calls.Concurrency,
		CallTimeout:   box.Calls.CallTimeout,
		RetryAttempts: box.Calls.RetryAttemptsOrDefault(),
		BackoffBase:   box.Calls.BackoffBase,
	}, limiter, bus)

	swarmSched, err := swarm.NewScheduler(ctx, swarm.Config{
		Weights:      box.Fairness.Weights,
		RefillPeriod: box.Fairness.RefillPeriod,
		PollInterval: box.Fairness.PollInterval,
	}, bus)
	if err != nil {
		cancel()
		return nil, err
	}

	app := &Scheduler{
		ctx:        ctx,
		cancel:     cancel,
		cfg:        cfg,
		bus:        bus,
		limiter:    limiter,
		callSched:  callSched,
		swarmSched: swarmSched,
		meter:      metrics.New(),
		probe:      probe,
	}

	app.server = server.New(ctx, cfg, server.StatsView{
		Admission: func() server.AdmissionView {
			return server.AdmissionView{
				Tokens:        limiter.Tokens(),
				CurrentRate:   limiter.CurrentRate(),
				EstimatedWait: limiter.EstimateWait(),
			}
		},
		Calls:  callSched.Stats,
		Swarms: swarmSched.States,
		Totals: swarmSched.Stats,
	}, probe)

	if box.Workload.Enabled {
		app.workload = NewWorkload(box.Workload, swarmSched, callSched)
	}

	return app, nil
}

// Start runs the application until shutdown. The Gracefuller is expected to
// be released once teardown completes.
func (s *Scheduler) Start(gc shutdown.Gracefuller) {
	defer func() {
		s.stop()
		gc.Done()
	}()

	log.Info().Msg("[app] starting scheduler")

	go s.meter.Run(s.ctx, s.bus)
	go s.logEvents()

	if s.workload != nil {
		go s.workload.Run(s.ctx)
	}

	if s.probe != nil {
		s.probe.Watch(s)
	}

	log.Info().Msg("[app] scheduler has been started")

	if s.cfg.Scheduler.API.Enabled {
		s.server.Start() // blocks until the server exits on shutdown
	}
	<-s.ctx.Done()
}

// Bus exposes the lifecycle event stream for external observers.
func (s *Scheduler) Bus() *event.Bus { return s.bus }

// Calls exposes the bounded call scheduler to producers.
func (s *Scheduler) Calls() *calls.Scheduler { return s.callSched }

// Swarms exposes the fairness scheduler to producers.
func (s *Scheduler) Swarms() *swarm.Scheduler { return s.swarmSched }

// Admission exposes the rate gate, mostly for observability.
func (s *Scheduler) Admission() *admission.Limiter { return s.limiter }

// IsAlive is called by liveness probes to check app health.
func (s *Scheduler) IsAlive(_ context.Context) bool {
	if s.cfg.Scheduler.API.Enabled && !s.server.IsAlive() {
		log.Info().Msg("[app] ops server has gone away")
		return false
	}
	return true
}

// logEvents mirrors the lifecycle stream into the debug log. Purely an
// observer; dropping it changes nothing.
func (s *Scheduler) logEvents() {
	events, unsubscribe := s.bus.Subscribe(512)
	defer unsubscribe()

	for {
		select {
		case <-s.ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			if e.Type == event.TokensRefilled || e.Type == event.QueueUpdate {
				continue // too chatty even for debug
			}
			log.Debug().
				Str("type", string(e.Type)).
				Str("request", e.RequestID).
				Str("swarm", e.Swarm).
				Int("attempt", e.Attempt).
				Str("error", e.Error).
				Msg("[app] scheduler event")
		}
	}
}

// stop tears the stack down from the top: no new dispatches, then no new
// calls, then the rate gate drains its waiters.
func (s *Scheduler) stop() {
	log.Info().Msg("[app] stopping scheduler")

	defer s.cancel()

	s.swarmSched.Shutdown()
	s.callSched.Shutdown()
	s.limiter.Shutdown()

	log.Info().Msg("[app] scheduler has been stopped")
}
