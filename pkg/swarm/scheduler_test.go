package swarm

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Borislavv/swarm-scheduler/pkg/event"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"
)

// newManual builds a scheduler whose loops are not started, so tests can
// step refills and dispatches deterministically.
func newManual(t *testing.T, weights map[string]int) *Scheduler {
	t.Helper()
	clk := clocktesting.NewFakeClock(time.Unix(1700000000, 0))
	s, err := newScheduler(context.Background(), Config{Weights: weights}, nil, clk)
	require.NoError(t, err)
	return s
}

func (s *Scheduler) tokensOf(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.swarms[name].tokens
}

func (s *Scheduler) stateOf(name string) State {
	for _, st := range s.States() {
		if st.Swarm == name {
			return st
		}
	}
	return State{}
}

type recorder struct {
	mu    sync.Mutex
	names []string
}

func (r *recorder) task(swarm string, prio int, label string) Task {
	return Task{Swarm: swarm, Priority: prio, Execute: func(ctx context.Context) error {
		r.mu.Lock()
		r.names = append(r.names, label)
		r.mu.Unlock()
		return nil
	}}
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.names...)
}

func TestEnqueue_UnknownSwarmRejected(t *testing.T) {
	s := newManual(t, map[string]int{"coordinator": 2})

	err := s.Enqueue(Task{Swarm: "ghost", Execute: func(ctx context.Context) error { return nil }})
	assert.ErrorIs(t, err, ErrUnknownSwarm)

	err = s.Enqueue(Task{Swarm: "coordinator"})
	assert.ErrorIs(t, err, ErrNoExecute)
}

func TestFairnessConvergence(t *testing.T) {
	s := newManual(t, map[string]int{"a": 2, "b": 1})
	rec := &recorder{}

	for i := 0; i < 30; i++ {
		require.NoError(t, s.Enqueue(rec.task("a", 0, "a")))
		require.NoError(t, s.Enqueue(rec.task("b", 0, "b")))
	}

	// ten full quota grants: the initial grant plus nine refills
	for interval := 0; interval < 10; interval++ {
		if interval > 0 {
			s.refillAll()
		}
		for s.dispatchOnce() {
		}
	}

	require.Eventually(t, func() bool { return s.Stats().Completed == 30 }, time.Second, time.Millisecond)

	assert.Equal(t, 20, s.stateOf("a").Completed, "weight 2 swarm gets twice the share")
	assert.Equal(t, 10, s.stateOf("b").Completed)
}

func TestPriorityPrecedence(t *testing.T) {
	s := newManual(t, map[string]int{"a": 2})
	rec := &recorder{}

	require.NoError(t, s.Enqueue(rec.task("a", 0, "low")))
	require.NoError(t, s.Enqueue(rec.task("a", 10, "urgent")))

	require.True(t, s.dispatchOnce())
	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"urgent"}, rec.snapshot())

	require.True(t, s.dispatchOnce())
	require.Eventually(t, func() bool { return len(rec.snapshot()) == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"urgent", "low"}, rec.snapshot())
}

func TestFIFOWithinSwarmAndPriority(t *testing.T) {
	s := newManual(t, map[string]int{"a": 3})
	rec := &recorder{}

	require.NoError(t, s.Enqueue(rec.task("a", 5, "first")))
	require.NoError(t, s.Enqueue(rec.task("a", 5, "second")))
	require.NoError(t, s.Enqueue(rec.task("a", 5, "third")))

	for s.dispatchOnce() {
	}
	require.Eventually(t, func() bool { return len(rec.snapshot()) == 3 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"first", "second", "third"}, rec.snapshot())
}

func TestTokenNonLoss(t *testing.T) {
	s := newManual(t, map[string]int{"a": 1, "b": 1})
	rec := &recorder{}

	require.NoError(t, s.Enqueue(rec.task("b", 0, "b")))

	// the scan tries "a" first, takes its token, finds no match and must
	// put it back before moving on
	require.True(t, s.dispatchOnce())
	assert.Equal(t, 1, s.tokensOf("a"))
	assert.Equal(t, 0, s.tokensOf("b"))
}

func TestQuotaExhaustionStopsDispatch(t *testing.T) {
	s := newManual(t, map[string]int{"a": 2})
	rec := &recorder{}

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Enqueue(rec.task("a", 0, "t")))
	}

	dispatched := 0
	for s.dispatchOnce() {
		dispatched++
	}
	assert.Equal(t, 2, dispatched, "one refill period grants weight dispatches")

	s.refillAll()
	for s.dispatchOnce() {
		dispatched++
	}
	assert.Equal(t, 4, dispatched)
}

func TestTaskFailureDoesNotHaltDispatch(t *testing.T) {
	s := newManual(t, map[string]int{"a": 3})
	rec := &recorder{}

	require.NoError(t, s.Enqueue(Task{Swarm: "a", Execute: func(ctx context.Context) error {
		return errors.New("boom")
	}}))
	require.NoError(t, s.Enqueue(Task{Swarm: "a", Execute: func(ctx context.Context) error {
		panic("worse")
	}}))
	require.NoError(t, s.Enqueue(rec.task("a", 0, "survivor")))

	for s.dispatchOnce() {
	}

	require.Eventually(t, func() bool { return s.Stats().Completed == 3 }, time.Second, time.Millisecond)
	assert.Equal(t, 2, s.Stats().Failed)
	assert.Equal(t, []string{"survivor"}, rec.snapshot())
}

func TestScheduler_EndToEnd(t *testing.T) {
	bus := event.NewBus()
	events, unsubscribe := bus.Subscribe(256)
	defer unsubscribe()

	s, err := NewScheduler(context.Background(), Config{
		Weights:      map[string]int{"coordinator": 2, "worker": 1},
		RefillPeriod: 20 * time.Millisecond,
		PollInterval: 5 * time.Millisecond,
	}, bus)
	require.NoError(t, err)
	defer s.Shutdown()

	for i := 0; i < 6; i++ {
		require.NoError(t, s.Enqueue(Task{Swarm: "coordinator", Execute: func(ctx context.Context) error { return nil }}))
		require.NoError(t, s.Enqueue(Task{Swarm: "worker", Execute: func(ctx context.Context) error { return nil }}))
	}

	require.Eventually(t, func() bool { return s.Stats().Completed == 12 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, s.Stats().Pending)
	assert.Equal(t, 0, s.Stats().Active)

	seen := map[event.Type]bool{}
	for {
		select {
		case e := <-events:
			seen[e.Type] = true
		default:
			assert.True(t, seen[event.TaskEnqueued])
			assert.True(t, seen[event.TaskStarted])
			assert.True(t, seen[event.TaskCompleted])
			return
		}
	}
}
