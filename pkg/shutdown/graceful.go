package shutdown

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
)

var ErrTimeoutExceeded = errors.New("graceful shutdown timeout exceeded")

// Gracefuller is the contract handed to long-running units: they mark
// themselves finished through Done once their teardown completes.
type Gracefuller interface {
	Add(delta int)
	Done()
}

// Graceful coordinates shutdown: it listens for OS signals or context
// cancellation, then awaits registered units up to a configurable timeout.
type Graceful struct {
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	timeout time.Duration
}

func NewGraceful(ctx context.Context, cancel context.CancelFunc) *Graceful {
	return &Graceful{ctx: ctx, cancel: cancel}
}

func (g *Graceful) SetGracefulTimeout(timeout time.Duration) {
	g.mu.Lock()
	g.timeout = timeout
	g.mu.Unlock()
}

func (g *Graceful) Add(delta int) { g.wg.Add(delta) }
func (g *Graceful) Done()         { g.wg.Done() }

// ListenCancelAndAwait blocks until an OS stop signal arrives or the root
// context is cancelled, then cancels the application and waits for every
// registered unit. Returns ErrTimeoutExceeded if units outlive the timeout.
func (g *Graceful) ListenCancelAndAwait() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		log.Info().Msgf("[shutdown] received signal %v, stopping", sig)
	case <-g.ctx.Done():
		log.Info().Msg("[shutdown] context cancelled, stopping")
	}
	g.cancel()

	waitCh := make(chan struct{})
	go func() {
		defer close(waitCh)
		g.wg.Wait()
	}()

	g.mu.Lock()
	timeout := g.timeout
	g.mu.Unlock()
	if timeout <= 0 {
		<-waitCh
		return nil
	}

	select {
	case <-waitCh:
		return nil
	case <-time.After(timeout):
		return ErrTimeoutExceeded
	}
}
