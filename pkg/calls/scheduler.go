package calls

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Borislavv/swarm-scheduler/pkg/event"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var (
	ErrCancelled = errors.New("request cancelled before start")
	ErrTimeout   = errors.New("request attempt timed out")
	ErrClosed    = errors.New("call scheduler is closed")
)

// UseDefault in Options.RetryAttempts selects the scheduler-wide default.
const UseDefault = -1

// Work is one outbound provider call. It must honor ctx: when an attempt
// times out the scheduler abandons the call but cannot interrupt it, so a
// misbehaving Work keeps running in the background with its result discarded.
type Work func(ctx context.Context) (any, error)

// Options are per-request overrides.
type Options struct {
	// Priority 0-10, informational at this layer. Ordering by priority is the
	// fairness scheduler's job; the call queue stays FIFO.
	Priority int
	// Timeout per attempt. Zero or negative selects the configured default.
	Timeout time.Duration
	// RetryAttempts is the number of retries after the initial attempt.
	// Zero disables retries; UseDefault selects the configured default.
	RetryAttempts int
}

// Config tunes the scheduler.
type Config struct {
	Concurrency   int           // max simultaneously active requests
	CallTimeout   time.Duration // default per-attempt deadline
	RetryAttempts int           // default retries after the initial attempt
	BackoffBase   time.Duration // delay unit, retry n sleeps BackoffBase << (n-1)
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 12
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 30 * time.Second
	}
	if c.RetryAttempts < 0 {
		c.RetryAttempts = 2
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	return c
}

// Admitter gates every attempt under the global rate budget.
type Admitter interface {
	Wait(ctx context.Context) error
}

// Scheduler runs submitted calls with bounded parallelism, per-attempt
// timeout and exponential retry. Excess submissions queue FIFO.
type Scheduler struct {
	mu        sync.Mutex
	cfg       Config
	queue     *list.List // of *Request
	elems     map[string]*list.Element
	active    int
	paused    bool
	completed int
	failed    int
	total     int

	limiter Admitter
	bus     *event.Bus
	kickCh  chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewScheduler builds a scheduler and starts its dispatch loop. The limiter
// and bus are optional: nil limiter admits everything, nil bus drops events.
func NewScheduler(ctx context.Context, cfg Config, limiter Admitter, bus *event.Bus) *Scheduler {
	ctx, cancel := context.WithCancel(ctx)
	s := &Scheduler{
		cfg:     cfg.withDefaults(),
		queue:   list.New(),
		elems:   make(map[string]*list.Element),
		limiter: limiter,
		bus:     bus,
		kickCh:  make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
	}
	go s.run()
	return s
}

// Schedule enqueues work and returns its handle. The handle resolves once
// the request completes, fails terminally or is cancelled.
func (s *Scheduler) Schedule(work Work, opts Options) *Handle {
	req := newRequest(work, opts, s.cfg)

	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		req.resolve(nil, ErrClosed, StateFailed)
		return &Handle{req: req}
	}
	s.elems[req.id] = s.queue.PushBack(req)
	s.total++
	queued := s.queue.Len()
	s.mu.Unlock()

	s.bus.Publish(event.Event{Type: event.RequestScheduled, RequestID: req.id, Priority: req.priority})
	s.bus.Publish(event.Event{Type: event.QueueUpdate, QueueSize: queued})
	s.kick()
	return &Handle{req: req}
}

// Cancel removes a still-pending request. It reports whether this call was
// the one that cancelled it: cancelling twice, or cancelling an active or
// finished request, is a no-op returning false.
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	el, ok := s.elems[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	req := el.Value.(*Request)
	s.queue.Remove(el)
	delete(s.elems, id)
	queued := s.queue.Len()
	s.mu.Unlock()

	req.resolve(nil, ErrCancelled, StateCancelled)
	s.bus.Publish(event.Event{Type: event.RequestFailed, RequestID: id, Error: ErrCancelled.Error()})
	s.bus.Publish(event.Event{Type: event.QueueUpdate, QueueSize: queued})
	return true
}

// Clear cancels every pending request. Active requests are untouched.
func (s *Scheduler) Clear() int {
	s.mu.Lock()
	cancelled := make([]*Request, 0, s.queue.Len())
	for el := s.queue.Front(); el != nil; el = el.Next() {
		cancelled = append(cancelled, el.Value.(*Request))
	}
	s.queue.Init()
	s.elems = make(map[string]*list.Element)
	s.mu.Unlock()

	for _, req := range cancelled {
		req.resolve(nil, ErrCancelled, StateCancelled)
		s.bus.Publish(event.Event{Type: event.RequestFailed, RequestID: req.id, Error: ErrCancelled.Error()})
	}
	if len(cancelled) > 0 {
		s.bus.Publish(event.Event{Type: event.QueueUpdate, QueueSize: 0})
	}
	return len(cancelled)
}

// Pause stops dispatching queued work. Active requests keep running.
func (s *Scheduler) Pause() {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
}

// Resume restarts dispatching.
func (s *Scheduler) Resume() {
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()
	s.kick()
}

// Stats is a consistent snapshot: all fields are read under the same lock
// that every state transition writes, so observers never see partial moves.
type Stats struct {
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Active    int `json:"active"`
	QueueSize int `json:"queue_size"`
}

func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Completed: s.completed,
		Failed:    s.failed,
		Total:     s.total,
		Pending:   s.queue.Len(),
		Active:    s.active,
		QueueSize: s.queue.Len(),
	}
}

// Shutdown stops dispatching and fails the backlog. In-flight work is not
// interrupted beyond its context being cancelled.
func (s *Scheduler) Shutdown() {
	s.cancel()
	if n := s.Clear(); n > 0 {
		log.Info().Msgf("[calls] shut down, %d pending request(s) cancelled", n)
	}
}

func (s *Scheduler) kick() {
	select {
	case s.kickCh <- struct{}{}:
	default:
	}
}

func (s *Scheduler) run() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.kickCh:
			s.dispatch()
		}
	}
}

func (s *Scheduler) dispatch() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for !s.paused && s.active < s.cfg.Concurrency && s.queue.Len() > 0 {
		el := s.queue.Front()
		s.queue.Remove(el)
		req := el.Value.(*Request)
		delete(s.elems, req.id)
		req.setState(StateActive)
		s.active++
		go s.execute(req)
	}
}

// execute runs the full attempt/retry cycle for one active request.
func (s *Scheduler) execute(req *Request) {
	s.bus.Publish(event.Event{Type: event.RequestStarted, RequestID: req.id, Priority: req.priority})

	var lastErr error
	attempts := req.retries + 1

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			s.bus.Publish(event.Event{Type: event.RequestRetry, RequestID: req.id, Attempt: attempt, Error: lastErr.Error()})
			if err := s.backoff(attempt - 1); err != nil {
				lastErr = err
				break
			}
		}
		if s.limiter != nil {
			if err := s.limiter.Wait(s.ctx); err != nil {
				// shutdown and cancellation are not retryable
				lastErr = err
				break
			}
		}
		res, err := s.attempt(req)
		if err == nil {
			s.finish(req, res, nil)
			return
		}
		lastErr = err
		log.Debug().Msgf("[calls] request %s attempt %d failed: %v", req.id, attempt, err)
	}

	s.finish(req, nil, lastErr)
}

// backoff sleeps 2^failedAttempt units before the next try.
func (s *Scheduler) backoff(failedAttempt int) error {
	delay := s.cfg.BackoffBase << uint(failedAttempt)
	select {
	case <-s.ctx.Done():
		return s.ctx.Err()
	case <-time.After(delay):
		return nil
	}
}

// attempt races the work against its per-attempt deadline. A late result is
// discarded; the underlying call may run on in the background.
func (s *Scheduler) attempt(req *Request) (any, error) {
	ctx, cancel := context.WithTimeout(s.ctx, req.timeout)
	defer cancel()

	type outcome struct {
		res any
		err error
	}
	outCh := make(chan outcome, 1)
	go func() {
		res, err := req.work(ctx)
		outCh <- outcome{res: res, err: err}
	}()

	select {
	case out := <-outCh:
		return out.res, out.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, ctx.Err()
	}
}

func (s *Scheduler) finish(req *Request, res any, err error) {
	s.mu.Lock()
	s.active--
	if err == nil {
		s.completed++
	} else {
		s.failed++
	}
	s.mu.Unlock()

	if err == nil {
		req.resolve(res, nil, StateCompleted)
		s.bus.Publish(event.Event{Type: event.RequestCompleted, RequestID: req.id})
	} else {
		req.resolve(nil, err, StateFailed)
		s.bus.Publish(event.Event{Type: event.RequestFailed, RequestID: req.id, Error: err.Error()})
	}
	s.kick()
}

// Request is one scheduled unit of work.
type Request struct {
	id       string
	priority int
	timeout  time.Duration
	retries  int
	work     Work

	mu     sync.Mutex
	state  State
	result any
	err    error
	doneCh chan struct{}
}

func newRequest(work Work, opts Options, cfg Config) *Request {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = cfg.CallTimeout
	}
	retries := opts.RetryAttempts
	if retries < 0 {
		retries = cfg.RetryAttempts
	}
	priority := opts.Priority
	if priority < 0 {
		priority = 0
	}
	if priority > 10 {
		priority = 10
	}
	return &Request{
		id:       uuid.NewString(),
		priority: priority,
		timeout:  timeout,
		retries:  retries,
		work:     work,
		state:    StatePending,
		doneCh:   make(chan struct{}),
	}
}

func (r *Request) setState(st State) {
	r.mu.Lock()
	r.state = st
	r.mu.Unlock()
}

func (r *Request) resolve(res any, err error, st State) {
	r.mu.Lock()
	select {
	case <-r.doneCh:
		r.mu.Unlock()
		return
	default:
	}
	r.state = st
	r.result = res
	r.err = err
	close(r.doneCh)
	r.mu.Unlock()
}

// State is the request lifecycle phase.
type State int32

const (
	StatePending State = iota
	StateActive
	StateCompleted
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateActive:
		return "active"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	}
	return "_undefined_"
}

// Handle tracks one scheduled request from the caller's side.
type Handle struct {
	req *Request
}

func (h *Handle) ID() string { return h.req.id }

// Done closes once the request reaches a terminal state.
func (h *Handle) Done() <-chan struct{} { return h.req.doneCh }

// State reports the current lifecycle phase.
func (h *Handle) State() State {
	h.req.mu.Lock()
	defer h.req.mu.Unlock()
	return h.req.state
}

// Result blocks until the request resolves or ctx expires.
func (h *Handle) Result(ctx context.Context) (any, error) {
	select {
	case <-h.req.doneCh:
		h.req.mu.Lock()
		defer h.req.mu.Unlock()
		return h.req.result, h.req.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
