package config

import (
	"errors"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Scheduler is the root configuration document.
type Scheduler struct {
	Scheduler Box `yaml:"scheduler"`
}

type Box struct {
	Admission Admission `yaml:"admission"`
	Calls     Calls     `yaml:"calls"`
	Fairness  Fairness  `yaml:"fairness"`
	API       API       `yaml:"api"`
	Workload  Workload  `yaml:"workload"`
	K8S       K8S       `yaml:"k8s"`
}

// Admission configures the global token-bucket rate gate.
type Admission struct {
	RatePerMinute  int           `yaml:"rate_per_minute"` // steady admission target
	BurstCapacity  int           `yaml:"burst_capacity"`  // bucket capacity
	RefillInterval time.Duration `yaml:"refill_interval"` // waiter wake-up tick
}

// Calls configures the bounded concurrent call scheduler.
type Calls struct {
	Concurrency   int           `yaml:"concurrency"`
	CallTimeout   time.Duration `yaml:"call_timeout"`
	RetryAttempts *int          `yaml:"retry_attempts"` // nil selects the default of 2
	BackoffBase   time.Duration `yaml:"backoff_base"`
}

// RetryAttemptsOrDefault distinguishes "not set" from an explicit zero.
func (c Calls) RetryAttemptsOrDefault() int {
	if c.RetryAttempts == nil {
		return 2
	}
	if *c.RetryAttempts < 0 {
		return 0
	}
	return *c.RetryAttempts
}

// Fairness configures the weighted swarm scheduler.
type Fairness struct {
	Weights      map[string]int `yaml:"weights"`
	RefillPeriod time.Duration  `yaml:"refill_period"`
	PollInterval time.Duration  `yaml:"poll_interval"`
}

// API configures the ops HTTP server (metrics, stats, probes).
type API struct {
	Enabled bool   `yaml:"enabled"`
	Name    string `yaml:"name"`
	Port    string `yaml:"port"`
}

// Workload configures the optional synthetic producers used for demos and
// load tests. Disabled by default.
type Workload struct {
	Enabled       bool          `yaml:"enabled"`
	RatePerSecond int           `yaml:"rate_per_second"` // submissions per swarm
	Duration      time.Duration `yaml:"duration"`        // zero runs until shutdown
}

type K8S struct {
	Probe Probe `yaml:"probe"`
}

type Probe struct {
	Timeout time.Duration `yaml:"timeout"`
}

// LoadConfig reads the yaml config at path, after best-effort loading a
// local .env file, and normalizes defaults.
func LoadConfig(path string) (*Scheduler, error) {
	_ = godotenv.Load()

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := &Scheduler{}
	if err = yaml.Unmarshal(raw, cfg); err != nil {
		return nil, err
	}
	if err = cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate normalizes absent values to the documented defaults and rejects
// impossible ones.
func (c *Scheduler) Validate() error {
	b := &c.Scheduler

	if b.Admission.RatePerMinute < 0 {
		return errors.New("admission.rate_per_minute must not be negative")
	}
	if b.Admission.RatePerMinute == 0 {
		b.Admission.RatePerMinute = 2000
	}
	if b.Admission.BurstCapacity == 0 {
		b.Admission.BurstCapacity = 100
	}
	if b.Admission.RefillInterval <= 0 {
		b.Admission.RefillInterval = 100 * time.Millisecond
	}

	if b.Calls.Concurrency < 0 {
		return errors.New("calls.concurrency must not be negative")
	}
	if b.Calls.Concurrency == 0 {
		b.Calls.Concurrency = 12
	}
	if b.Calls.CallTimeout <= 0 {
		b.Calls.CallTimeout = 30 * time.Second
	}
	if b.Calls.BackoffBase <= 0 {
		b.Calls.BackoffBase = time.Second
	}

	if len(b.Fairness.Weights) == 0 {
		// one elevated-priority group, everything else shares evenly
		b.Fairness.Weights = map[string]int{"coordinator": 2, "worker": 1}
	}
	for name, weight := range b.Fairness.Weights {
		if weight <= 0 {
			return errors.New("fairness.weights." + name + " must be positive")
		}
	}
	if b.Fairness.RefillPeriod <= 0 {
		b.Fairness.RefillPeriod = time.Second
	}
	if b.Fairness.PollInterval <= 0 {
		b.Fairness.PollInterval = 100 * time.Millisecond
	}

	if b.API.Name == "" {
		b.API.Name = "swarm-scheduler"
	}
	if b.API.Port == "" {
		b.API.Port = "8020"
	}

	if b.Workload.RatePerSecond <= 0 {
		b.Workload.RatePerSecond = 10
	}

	if b.K8S.Probe.Timeout <= 0 {
		b.K8S.Probe.Timeout = 5 * time.Second
	}
	return nil
}
