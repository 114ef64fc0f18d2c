package scheduler

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Borislavv/swarm-scheduler/pkg/calls"
	"github.com/Borislavv/swarm-scheduler/pkg/config"
	"github.com/Borislavv/swarm-scheduler/pkg/k8s/probe/liveness"
	"github.com/Borislavv/swarm-scheduler/pkg/swarm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const TestConfigPath = "scheduler.cfg.test.yaml"

func loadTestCfg(t *testing.T) *config.Scheduler {
	t.Helper()
	cfg, err := config.LoadConfig(filepath.Join("..", "..", TestConfigPath))
	require.NoError(t, err)
	return cfg
}

// TestFullPipeline drives tasks through every layer: fairness dispatch,
// bounded concurrent calls, and the global admission gate.
func TestFullPipeline(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	cfg := loadTestCfg(t)
	app, err := NewApp(ctx, cfg, liveness.NewProbe(time.Second))
	require.NoError(t, err)
	defer app.stop()

	var executed atomic.Int32
	providerCall := func(ctx context.Context) (any, error) {
		executed.Add(1)
		return struct{}{}, nil
	}

	for i := 0; i < 12; i++ {
		swarmName := "worker"
		if i%3 == 0 {
			swarmName = "coordinator"
		}
		err := app.Swarms().Enqueue(swarm.Task{
			Swarm:    swarmName,
			Priority: i % 11,
			Execute: func(taskCtx context.Context) error {
				h := app.Calls().Schedule(providerCall, calls.Options{RetryAttempts: calls.UseDefault})
				_, resErr := h.Result(taskCtx)
				return resErr
			},
		})
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		return app.Swarms().Stats().Completed == 12
	}, 30*time.Second, 10*time.Millisecond)

	assert.Equal(t, int32(12), executed.Load())
	assert.Equal(t, 0, app.Swarms().Stats().Failed)
	assert.Equal(t, 12, app.Calls().Stats().Completed)
	assert.GreaterOrEqual(t, app.Admission().CurrentRate(), 12, "every call consumed a token")
}

func TestApp_RejectsUnknownSwarm(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := loadTestCfg(t)
	app, err := NewApp(ctx, cfg, liveness.NewProbe(time.Second))
	require.NoError(t, err)
	defer app.stop()

	err = app.Swarms().Enqueue(swarm.Task{
		Swarm:   "intruder",
		Execute: func(ctx context.Context) error { return nil },
	})
	assert.ErrorIs(t, err, swarm.ErrUnknownSwarm)
}

func TestApp_IsAliveWithoutAPI(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := loadTestCfg(t)
	app, err := NewApp(ctx, cfg, liveness.NewProbe(time.Second))
	require.NoError(t, err)
	defer app.stop()

	assert.True(t, app.IsAlive(ctx), "app without an ops server is alive by definition")
}
