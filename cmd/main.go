package main

import (
	"context"
	"runtime"
	"time"

	"github.com/Borislavv/swarm-scheduler/internal/scheduler"
	"github.com/Borislavv/swarm-scheduler/pkg/config"
	"github.com/Borislavv/swarm-scheduler/pkg/k8s/probe/liveness"
	"github.com/Borislavv/swarm-scheduler/pkg/shutdown"
	"github.com/rs/zerolog/log"
	"go.uber.org/automaxprocs/maxprocs"
)

const (
	configPath      = "scheduler.cfg.yaml"
	configPathLocal = "scheduler.cfg.local.yaml"
)

// setMaxProcs automatically sets the optimal GOMAXPROCS value (CPU parallelism)
// based on the available CPUs and cgroup/docker CPU quotas (uses automaxprocs).
func setMaxProcs() {
	if _, err := maxprocs.Set(); err != nil {
		log.Err(err).Msg("[main] setting up GOMAXPROCS value failed")
		panic(err)
	}
	log.Info().Msgf("[main] optimized GOMAXPROCS=%d was set up", runtime.GOMAXPROCS(0))
}

// loadCfg loads the configuration, preferring a local override file.
func loadCfg() (*config.Scheduler, error) {
	cfg, err := config.LoadConfig(configPathLocal)
	if err != nil {
		cfg, err = config.LoadConfig(configPath)
		if err != nil {
			log.Err(err).Msg("[config] failed to load")
			return nil, err
		}
		log.Info().Msgf("[config] config loaded from '%v'", configPath)
	} else {
		log.Info().Msgf("[config] config loaded from '%v'", configPathLocal)
	}
	return cfg, nil
}

// Main entrypoint: configures and starts the scheduler application.
func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	setMaxProcs()

	cfg, cfgErr := loadCfg()
	if cfgErr != nil {
		log.Err(cfgErr).Msg("[main] failed to load scheduler config")
		return
	}

	gracefulShutdown := shutdown.NewGraceful(ctx, cancel)
	gracefulShutdown.SetGracefulTimeout(time.Minute)

	probe := liveness.NewProbe(cfg.Scheduler.K8S.Probe.Timeout)

	app, err := scheduler.NewApp(ctx, cfg, probe)
	if err != nil {
		log.Err(err).Msg("[main] failed to init scheduler app")
		return
	}

	gracefulShutdown.Add(1)
	go app.Start(gracefulShutdown)

	if err = gracefulShutdown.ListenCancelAndAwait(); err != nil {
		log.Err(err).Msg("failed to gracefully shut down service")
	}
}
