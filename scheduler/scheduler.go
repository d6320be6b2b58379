// Package scheduler runs self-rescheduling poll tasks. A task performs one
// attempt and returns how long to wait before the next one, so a slow call
// pushes out its own next tick instead of piling up behind a fixed ticker.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/streamsync/telemetry"
)

// Stop returned from a task ends it.
const Stop time.Duration = -1

// Task is one call kind.
type Task interface {
	Name() string
	Run(ctx context.Context) time.Duration
}

// TaskFunc adapts a function to Task.
type TaskFunc struct {
	TaskName string
	Fn       func(ctx context.Context) time.Duration
}

func (f TaskFunc) Name() string                          { return f.TaskName }
func (f TaskFunc) Run(ctx context.Context) time.Duration { return f.Fn(ctx) }

// Scheduler owns the goroutines of all started tasks.
type Scheduler struct {
	wg sync.WaitGroup
}

// New returns an empty scheduler.
func New() *Scheduler { return &Scheduler{} }

// Go starts t immediately and keeps rescheduling it until ctx is done or it returns Stop.
func (s *Scheduler) Go(ctx context.Context, t Task) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		loop(ctx, t)
	}()
}

// After starts t once ready has fired. Tasks needing a prerequisite never run before it.
func After[T any](ctx context.Context, s *Scheduler, ready *Ready[T], t Task) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if _, err := ready.Wait(ctx); err != nil {
			return
		}
		loop(ctx, t)
	}()
}

// Wait blocks until every task goroutine has returned.
func (s *Scheduler) Wait() { s.wg.Wait() }

func loop(ctx context.Context, t Task) {
	slog.Debug("task started", slog.String("task", t.Name()), slog.String("component", "scheduler"))
	for {
		if ctx.Err() != nil {
			return
		}
		tickCtx := telemetry.WithCorrelation(ctx, uuid.NewString())
		next := t.Run(tickCtx)
		if next < 0 {
			slog.Info("task stopped", slog.String("task", t.Name()), slog.String("component", "scheduler"))
			return
		}
		timer := time.NewTimer(next)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}
