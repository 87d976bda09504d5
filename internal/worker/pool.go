// Package worker bounds CPU-heavy work such as credential hashing so that a
// burst of writes cannot take every core away from reads.
package worker

import (
	"context"
	"errors"
	"runtime"
	"sync"

	"github.com/sirupsen/logrus"
)

// ErrClosed is returned by Do after Shutdown.
var ErrClosed = errors.New("worker pool is shut down")

type Config struct {
	Size   int
	Logger logrus.FieldLogger
}

// Pool is a counting semaphore. Callers wait for a slot and then run their
// job on their own goroutine.
type Pool struct {
	cfg Config

	sem  chan struct{}
	wg   sync.WaitGroup
	mu   sync.Mutex
	done chan struct{}
	shut bool
}

func New(cfg Config) *Pool {
	if cfg.Size <= 0 {
		cfg.Size = runtime.NumCPU()
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	return &Pool{
		cfg:  cfg,
		sem:  make(chan struct{}, cfg.Size),
		done: make(chan struct{}),
	}
}

// Size is the number of jobs that may run at once.
func (p *Pool) Size() int { return cap(p.sem) }

// InFlight is the number of slots currently held.
func (p *Pool) InFlight() int { return len(p.sem) }

// Do waits for a free slot and runs fn. Waiting honours ctx; once fn has
// started it runs to completion and its result is returned even if ctx is
// cancelled in the meantime.
func (p *Pool) Do(ctx context.Context, fn func() error) error {
	p.mu.Lock()
	if p.shut {
		p.mu.Unlock()
		return ErrClosed
	}
	p.wg.Add(1)
	p.mu.Unlock()
	defer p.wg.Done()

	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return ErrClosed
	}
	defer func() { <-p.sem }()

	return fn()
}

// Run is Do for jobs that produce a value.
func Run[T any](ctx context.Context, p *Pool, fn func() (T, error)) (T, error) {
	var out T
	err := p.Do(ctx, func() error {
		var err error
		out, err = fn()
		return err
	})
	return out, err
}

// Shutdown rejects new jobs, releases callers still waiting for a slot and
// blocks until running jobs finish.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.shut {
		p.mu.Unlock()
		return
	}
	p.shut = true
	close(p.done)
	p.mu.Unlock()

	p.wg.Wait()
	p.cfg.Logger.WithField("size", p.Size()).Debug("worker pool stopped")
}
