// Package scheduler runs background tasks for the client: one-off tasks on a
// bounded set of workers and repeating tasks driven by a ticker. Everything it
// runs is canceled and awaited on Close.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

const defaultWorkers = 16

// ErrStopped is returned when submitting to a closed scheduler
var ErrStopped = errors.New("scheduler stopped")

// Task is a unit of background work. It must return promptly once ctx is done.
type Task func(ctx context.Context)

// Scheduler is the shared background facility
type Scheduler struct {
	clock  clock.Clock
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	sem    chan struct{}
	wg     sync.WaitGroup

	mu      sync.Mutex
	stopped bool
}

// New creates a scheduler running at most workers one-off tasks at a time.
// A nil clock uses the wall clock.
func New(workers int, clk clock.Clock, logger *zap.Logger) *Scheduler {
	if workers <= 0 {
		workers = defaultWorkers
	}
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		clock:  clk,
		logger: logger.Named("scheduler"),
		ctx:    ctx,
		cancel: cancel,
		sem:    make(chan struct{}, workers),
	}
}

// Clock returns the scheduler's time source
func (s *Scheduler) Clock() clock.Clock {
	return s.clock
}

// Submit queues task for execution. It never blocks the caller; the task waits
// for a free worker on its own goroutine.
func (s *Scheduler) Submit(task Task) error {
	if err := s.track(); err != nil {
		return err
	}

	go func() {
		defer s.wg.Done()
		select {
		case s.sem <- struct{}{}:
		case <-s.ctx.Done():
			return
		}
		defer func() { <-s.sem }()
		s.run(s.ctx, task)
	}()
	return nil
}

// Every runs task every interval until the returned stop function is called or
// the scheduler is closed. Runs never overlap; a tick that fires while a run is
// still going is dropped. stop blocks until the current run has returned, so it
// must not be called from inside task.
func (s *Scheduler) Every(interval time.Duration, task Task) (stop func(), err error) {
	if interval <= 0 {
		return nil, fmt.Errorf("interval must be positive, got %v", interval)
	}
	if err := s.track(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(s.ctx)
	done := make(chan struct{})
	ticker := s.clock.Ticker(interval)

	go func() {
		defer s.wg.Done()
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.run(ctx, task)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(cancel)
		<-done
	}, nil
}

// Close cancels all tasks and waits for them to return. It is idempotent.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	s.logger.Debug("Scheduler stopped")
	return nil
}

func (s *Scheduler) track() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}
	s.wg.Add(1)
	return nil
}

func (s *Scheduler) run(ctx context.Context, task Task) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Background task panicked", zap.Any("panic", r))
		}
	}()
	task(ctx)
}
