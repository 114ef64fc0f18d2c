package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeCfg(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scheduler.cfg.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig(writeCfg(t, "scheduler: {}\n"))
	require.NoError(t, err)

	b := cfg.Scheduler
	assert.Equal(t, 2000, b.Admission.RatePerMinute)
	assert.Equal(t, 100, b.Admission.BurstCapacity)
	assert.Equal(t, 100*time.Millisecond, b.Admission.RefillInterval)
	assert.Equal(t, 12, b.Calls.Concurrency)
	assert.Equal(t, 2, b.Calls.RetryAttemptsOrDefault())
	assert.Equal(t, map[string]int{"coordinator": 2, "worker": 1}, b.Fairness.Weights)
	assert.Equal(t, time.Second, b.Fairness.RefillPeriod)
	assert.Equal(t, 100*time.Millisecond, b.Fairness.PollInterval)
	assert.False(t, b.Workload.Enabled)
}

func TestLoadConfig_Explicit(t *testing.T) {
	cfg, err := LoadConfig(writeCfg(t, `
scheduler:
  admission:
    rate_per_minute: 600
    burst_capacity: 10
    refill_interval: 50ms
  calls:
    concurrency: 4
    call_timeout: 5s
    retry_attempts: 0
    backoff_base: 100ms
  fairness:
    weights:
      coordinator: 3
      workers-a: 1
      workers-b: 1
    refill_period: 500ms
    poll_interval: 20ms
  api:
    enabled: true
    port: "9090"
`))
	require.NoError(t, err)

	b := cfg.Scheduler
	assert.Equal(t, 600, b.Admission.RatePerMinute)
	assert.Equal(t, 10, b.Admission.BurstCapacity)
	assert.Equal(t, 50*time.Millisecond, b.Admission.RefillInterval)
	assert.Equal(t, 4, b.Calls.Concurrency)
	assert.Equal(t, 0, b.Calls.RetryAttemptsOrDefault(), "explicit zero disables retries")
	assert.Equal(t, 3, b.Fairness.Weights["coordinator"])
	assert.Equal(t, 500*time.Millisecond, b.Fairness.RefillPeriod)
	assert.True(t, b.API.Enabled)
	assert.Equal(t, "9090", b.API.Port)
}

func TestLoadConfig_RejectsBadWeights(t *testing.T) {
	_, err := LoadConfig(writeCfg(t, `
scheduler:
  fairness:
    weights:
      broken: -1
`))
	assert.Error(t, err)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
