package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDoBoundsConcurrency(t *testing.T) {
	p := New(Config{Size: 2})
	defer p.Shutdown()

	var (
		running int32
		peak    int32
		wg      sync.WaitGroup
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := p.Do(context.Background(), func() error {
				n := atomic.AddInt32(&running, 1)
				for {
					old := atomic.LoadInt32(&peak)
					if n <= old || atomic.CompareAndSwapInt32(&peak, old, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				atomic.AddInt32(&running, -1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
	assert.Equal(t, 0, p.InFlight())
}

func TestDoReturnsJobError(t *testing.T) {
	p := New(Config{Size: 1})
	defer p.Shutdown()

	boom := errors.New("boom")
	assert.ErrorIs(t, p.Do(context.Background(), func() error { return boom }), boom)

	got, err := Run(context.Background(), p, func() (string, error) { return "hashed", nil })
	require.NoError(t, err)
	assert.Equal(t, "hashed", got)
}

func TestWaitingForSlotHonoursContext(t *testing.T) {
	p := New(Config{Size: 1})
	defer p.Shutdown()

	release := make(chan struct{})
	started := make(chan struct{})
	go p.Do(context.Background(), func() error {
		close(started)
		<-release
		return nil
	})
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	ran := false
	err := p.Do(ctx, func() error { ran = true; return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, ran)

	close(release)
}

func TestStartedJobRunsToCompletion(t *testing.T) {
	p := New(Config{Size: 1})
	defer p.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	err := p.Do(ctx, func() error {
		cancel()
		time.Sleep(time.Millisecond)
		return nil
	})
	assert.NoError(t, err)
}

func TestShutdown(t *testing.T) {
	p := New(Config{Size: 1})

	release := make(chan struct{})
	started := make(chan struct{})
	finished := make(chan error, 1)
	go func() {
		finished <- p.Do(context.Background(), func() error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	waiting := make(chan error, 1)
	go func() {
		waiting <- p.Do(context.Background(), func() error { return nil })
	}()

	stopped := make(chan struct{})
	go func() {
		p.Shutdown()
		close(stopped)
	}()

	assert.ErrorIs(t, <-waiting, ErrClosed)
	select {
	case <-stopped:
		t.Fatal("shutdown returned while a job was running")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	assert.NoError(t, <-finished)
	<-stopped

	assert.ErrorIs(t, p.Do(context.Background(), func() error { return nil }), ErrClosed)
	p.Shutdown()
}

func TestDefaults(t *testing.T) {
	p := New(Config{})
	defer p.Shutdown()
	assert.Greater(t, p.Size(), 0)
}
