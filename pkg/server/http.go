package server

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Borislavv/swarm-scheduler/pkg/config"
	"github.com/Borislavv/swarm-scheduler/pkg/k8s/probe/liveness"
	"github.com/VictoriaMetrics/metrics"
	"github.com/fasthttp/router"
	"github.com/rs/zerolog/log"
	"github.com/valyala/fasthttp"
)

// HTTP is the ops surface: Prometheus metrics, scheduler stats and probes.
// It observes the schedulers, it never steers them.
type HTTP struct {
	ctx    context.Context
	cfg    *config.Scheduler
	view   StatsView
	probe  liveness.Prober
	server *fasthttp.Server
	alive  atomic.Bool
}

func New(ctx context.Context, cfg *config.Scheduler, view StatsView, probe liveness.Prober) *HTTP {
	s := &HTTP{ctx: ctx, cfg: cfg, view: view, probe: probe}
	s.server = &fasthttp.Server{
		Handler:         s.buildRouter().Handler,
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    5 * time.Second,
		CloseOnShutdown: true,
	}
	return s
}

// Start serves until the context is cancelled, then shuts the listener down.
func (s *HTTP) Start() {
	wg := &sync.WaitGroup{}
	defer wg.Wait()

	wg.Add(1)
	go s.serve(wg)

	wg.Add(1)
	go s.shutdown(wg)
}

func (s *HTTP) IsAlive() bool {
	return s.alive.Load()
}

func (s *HTTP) serve(wg *sync.WaitGroup) {
	defer wg.Done()

	name := s.cfg.Scheduler.API.Name
	port := s.cfg.Scheduler.API.Port
	if !strings.HasPrefix(port, ":") {
		port = ":" + port
	}

	log.Info().Msgf("[server] %v was started on %v", name, port)
	defer log.Info().Msgf("[server] %v was stopped on %v", name, port)

	s.alive.Store(true)
	defer s.alive.Store(false)

	if err := s.server.ListenAndServe(port); err != nil {
		log.Error().Err(err).Msgf("[server] %v failed to listen and serve port %v: %v", name, port, err.Error())
	}
}

func (s *HTTP) shutdown(wg *sync.WaitGroup) {
	defer wg.Done()

	<-s.ctx.Done()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.server.ShutdownWithContext(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			log.Warn().Msgf("[server] %v shutdown failed: %v", s.cfg.Scheduler.API.Name, err.Error())
		}
	}
}

func (s *HTTP) buildRouter() *router.Router {
	r := router.New()
	r.GET("/metrics", s.handleMetrics)
	r.GET("/scheduler/stats", s.handleStats)
	r.GET("/probe", s.handleProbe)
	return r
}

func (s *HTTP) handleMetrics(ctx *fasthttp.RequestCtx) {
	ctx.SetStatusCode(fasthttp.StatusOK)
	metrics.WritePrometheus(ctx, true)
}

func (s *HTTP) handleStats(ctx *fasthttp.RequestCtx) {
	payload := StatsPayload{
		Admission: s.view.Admission(),
		Calls:     s.view.Calls(),
		Swarms:    s.view.Swarms(),
		Totals:    s.view.Totals(),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		return
	}
	ctx.SetContentType("application/json")
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetBody(body)
}

func (s *HTTP) handleProbe(ctx *fasthttp.RequestCtx) {
	if s.probe != nil && !s.probe.IsAlive() {
		ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
		return
	}
	ctx.SetStatusCode(fasthttp.StatusOK)
}
