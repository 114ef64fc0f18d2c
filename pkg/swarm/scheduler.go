package swarm

import (
	"container/list"
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/Borislavv/swarm-scheduler/pkg/event"
	"github.com/rs/zerolog/log"
	"k8s.io/utils/clock"
)

var (
	ErrUnknownSwarm = errors.New("unknown swarm")
	ErrNoExecute    = errors.New("task has no execute func")
)

const (
	maxPriority = 10
)

// Task is one unit of swarm work. Execute typically wraps a call through the
// bounded call scheduler; retry policy lives there, never here.
type Task struct {
	Swarm    string
	Priority int // 0-10, higher dispatches first
	Execute  func(ctx context.Context) error
}

// Config tunes the fairness scheduler.
type Config struct {
	// Weights maps each known swarm to its dispatch quota per refill period.
	Weights map[string]int
	// RefillPeriod is how often every swarm's quota resets to its weight.
	RefillPeriod time.Duration
	// PollInterval is the idle back-off when tasks are pending but no swarm
	// can dispatch. Pragmatic constant, deliberately configurable.
	PollInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.RefillPeriod <= 0 {
		c.RefillPeriod = time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 100 * time.Millisecond
	}
	return c
}

// swarmState is the long-lived per-swarm record. Tokens are a discrete
// quota: weight dispatches per refill period, no fractional carry-over.
type swarmState struct {
	name      string
	weight    int
	tokens    int
	active    int
	pending   int
	completed int
	failed    int
}

// Scheduler multiplexes tasks from named producer groups so no group starves
// the others: each swarm may dispatch up to weight tasks per refill period,
// scanned from the highest priority band down in a fixed swarm order.
type Scheduler struct {
	mu      sync.Mutex
	cfg     Config
	order   []string // stable scan order
	swarms  map[string]*swarmState
	pending *list.List // of Task, FIFO

	clk    clock.WithTicker
	bus    *event.Bus
	wakeCh chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler builds a scheduler for the configured swarms and starts its
// refill and dispatch loops. Weights must be non-empty and positive.
func NewScheduler(ctx context.Context, cfg Config, bus *event.Bus) (*Scheduler, error) {
	s, err := newScheduler(ctx, cfg, bus, clock.RealClock{})
	if err != nil {
		return nil, err
	}
	s.start()
	return s, nil
}

func newScheduler(ctx context.Context, cfg Config, bus *event.Bus, clk clock.WithTicker) (*Scheduler, error) {
	cfg = cfg.withDefaults()
	if len(cfg.Weights) == 0 {
		return nil, errors.New("at least one swarm weight is required")
	}

	swarms := make(map[string]*swarmState, len(cfg.Weights))
	order := make([]string, 0, len(cfg.Weights))
	for name, weight := range cfg.Weights {
		if weight <= 0 {
			return nil, errors.New("swarm weight must be positive: " + name)
		}
		swarms[name] = &swarmState{name: name, weight: weight, tokens: weight}
		order = append(order, name)
	}
	sort.Strings(order)

	ctx, cancel := context.WithCancel(ctx)
	return &Scheduler{
		cfg:     cfg,
		order:   order,
		swarms:  swarms,
		pending: list.New(),
		clk:     clk,
		bus:     bus,
		wakeCh:  make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

func (s *Scheduler) start() {
	s.wg.Add(2)
	go s.runRefill()
	go s.runDispatch()
}

// Enqueue appends a task to the shared pending queue. It never blocks.
// Tasks for unconfigured swarms are rejected at submission.
func (s *Scheduler) Enqueue(task Task) error {
	if task.Execute == nil {
		return ErrNoExecute
	}
	if task.Priority < 0 {
		task.Priority = 0
	}
	if task.Priority > maxPriority {
		task.Priority = maxPriority
	}

	s.mu.Lock()
	st, ok := s.swarms[task.Swarm]
	if !ok {
		s.mu.Unlock()
		return ErrUnknownSwarm
	}
	s.pending.PushBack(task)
	st.pending++
	queued := s.pending.Len()
	s.mu.Unlock()

	s.bus.Publish(event.Event{Type: event.TaskEnqueued, Swarm: task.Swarm, Priority: task.Priority})
	s.bus.Publish(event.Event{Type: event.QueueUpdate, Swarm: task.Swarm, QueueSize: queued})
	s.wake()
	return nil
}

func (s *Scheduler) wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

func (s *Scheduler) runRefill() {
	defer s.wg.Done()

	ticker := s.clk.NewTicker(s.cfg.RefillPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C():
			s.refillAll()
			s.wake()
		}
	}
}

// refillAll resets every swarm's quota to its full weight. The sum granted
// per period therefore equals the sum of weights.
func (s *Scheduler) refillAll() {
	s.mu.Lock()
	total := 0
	for _, st := range s.swarms {
		st.tokens = st.weight
		total += st.weight
	}
	s.mu.Unlock()

	s.bus.Publish(event.Event{Type: event.TokensRefilled, Tokens: float64(total)})
}

func (s *Scheduler) runDispatch() {
	defer s.wg.Done()

	for {
		if s.dispatchOnce() {
			continue
		}
		s.mu.Lock()
		idle := s.pending.Len() == 0
		s.mu.Unlock()

		if idle {
			select {
			case <-s.ctx.Done():
				return
			case <-s.wakeCh:
			}
			continue
		}
		// tasks are pending but no swarm has both a token and a match
		select {
		case <-s.ctx.Done():
			return
		case <-s.wakeCh:
		case <-s.clk.After(s.cfg.PollInterval):
		}
	}
}

// dispatchOnce performs one full scan: priority bands from high to low, then
// swarms in stable order within a band. It dispatches at most one task and
// reports whether it did.
func (s *Scheduler) dispatchOnce() bool {
	s.mu.Lock()
	if s.pending.Len() == 0 {
		s.mu.Unlock()
		return false
	}

	for prio := maxPriority; prio >= 0; prio-- {
		for _, name := range s.order {
			st := s.swarms[name]
			if st.tokens <= 0 {
				continue
			}
			st.tokens--
			el := s.findLocked(name, prio)
			if el == nil {
				st.tokens++ // no match, the token must not be lost
				continue
			}
			task := el.Value.(Task)
			s.pending.Remove(el)
			st.pending--
			st.active++
			s.mu.Unlock()

			s.bus.Publish(event.Event{Type: event.TaskStarted, Swarm: name, Priority: prio})
			go s.runTask(st, task)
			return true
		}
	}

	s.mu.Unlock()
	return false
}

// findLocked returns the earliest pending task matching swarm and priority.
func (s *Scheduler) findLocked(name string, prio int) *list.Element {
	for el := s.pending.Front(); el != nil; el = el.Next() {
		t := el.Value.(Task)
		if t.Swarm == name && t.Priority == prio {
			return el
		}
	}
	return nil
}

// runTask executes one dispatched task. Failures are reported through the
// event stream only; the dispatch loop never retries and never stops.
func (s *Scheduler) runTask(st *swarmState, task Task) {
	err := s.safeExecute(task)

	s.mu.Lock()
	st.active--
	st.completed++
	if err != nil {
		st.failed++
	}
	s.mu.Unlock()

	if err != nil {
		s.bus.Publish(event.Event{Type: event.TaskFailed, Swarm: task.Swarm, Priority: task.Priority, Error: err.Error()})
		return
	}
	s.bus.Publish(event.Event{Type: event.TaskCompleted, Swarm: task.Swarm, Priority: task.Priority})
}

func (s *Scheduler) safeExecute(task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.New("task panicked")
			log.Error().Msgf("[swarm] task of %q panicked: %v", task.Swarm, r)
		}
	}()
	return task.Execute(s.ctx)
}

// State is one swarm's runtime snapshot. Completed counts every terminally
// finished task; Failed is the failed subset.
type State struct {
	Swarm     string `json:"swarm"`
	Weight    int    `json:"weight"`
	Active    int    `json:"active"`
	Pending   int    `json:"pending"`
	Completed int    `json:"completed"`
	Failed    int    `json:"failed"`
}

// States snapshots every swarm in scan order.
func (s *Scheduler) States() []State {
	s.mu.Lock()
	defer s.mu.Unlock()

	states := make([]State, 0, len(s.order))
	for _, name := range s.order {
		st := s.swarms[name]
		states = append(states, State{
			Swarm:     st.name,
			Weight:    st.weight,
			Active:    st.active,
			Pending:   st.pending,
			Completed: st.completed,
			Failed:    st.failed,
		})
	}
	return states
}

// Stats aggregates counters across all swarms.
type Stats struct {
	Active    int `json:"active"`
	Pending   int `json:"pending"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	var agg Stats
	for _, st := range s.swarms {
		agg.Active += st.active
		agg.Pending += st.pending
		agg.Completed += st.completed
		agg.Failed += st.failed
	}
	return agg
}

// Shutdown stops both loops. Already-dispatched tasks see their context
// cancelled but are not awaited.
func (s *Scheduler) Shutdown() {
	s.cancel()
	s.wg.Wait()
}
